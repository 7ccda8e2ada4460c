// Package event provides a minimal in-process publish/subscribe bus used to
// fan out job lifecycle transitions to interested parties (webhook
// notifier, CLI renderers, server push).
package event

import (
	"context"
	"sync"
)

// Handler receives a published event payload. Handlers run asynchronously;
// a slow handler never blocks the publisher.
type Handler func(ctx context.Context, data any)

// Manager is a topic-keyed event bus.
//
// Thread-safety: Subscribe and Publish are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
}

// NewManager creates an empty bus.
func NewManager() *Manager {
	return &Manager{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for the named event.
func (m *Manager) Subscribe(name string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = append(m.handlers[name], handler)
}

// Publish dispatches the event to all subscribed handlers, each on its own
// goroutine. Publishing with no subscribers is a no-op.
func (m *Manager) Publish(ctx context.Context, name string, data any) {
	m.mu.RLock()
	hs := m.handlers[name]
	m.mu.RUnlock()

	for _, h := range hs {
		m.wg.Add(1)
		go func(h Handler) {
			defer m.wg.Done()
			h(ctx, data)
		}(h)
	}
}

// Wait blocks until all in-flight handlers have returned. Used during
// shutdown so lifecycle notifications are not lost.
func (m *Manager) Wait() {
	m.wg.Wait()
}
