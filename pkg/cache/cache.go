// Copyright 2025 Codelens Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

// Package cache implements the content-addressed result cache. Keys are
// item fingerprints (see pkg/analysis), values are successful analysis
// results. The cache never stores failures and is shared across jobs.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Store is the cache contract consumed by the engine. Get returns
// (value, true) on a hit; Put is idempotent for equal content.
type Store interface {
	Get(ctx context.Context, fingerprint string) (json.RawMessage, bool, error)
	Put(ctx context.Context, fingerprint string, value json.RawMessage, ttl time.Duration) error
}

type entry struct {
	key       string
	value     json.RawMessage
	createdAt time.Time
	expiresAt time.Time
}

// Memory is an in-process Store with TTL expiry and an optional
// least-recently-used bound on entry count.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int        // 0 = unbounded
	now        func() time.Time
}

// NewMemory creates a memory cache bounded to maxEntries (0 for unbounded).
func NewMemory(maxEntries int) *Memory {
	return &Memory{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the cached value for the fingerprint, dropping it on TTL
// expiry. A hit refreshes recency.
func (m *Memory) Get(ctx context.Context, fingerprint string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[fingerprint]
	if !ok {
		return nil, false, nil
	}

	e := el.Value.(*entry)
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		m.removeLocked(el)
		return nil, false, nil
	}

	m.order.MoveToFront(el)
	return e.value, true, nil
}

// Put stores a value under the fingerprint. Writing an existing key again
// is a no-op refresh, not a conflict.
func (m *Memory) Put(ctx context.Context, fingerprint string, value json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}

	if el, ok := m.entries[fingerprint]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = expires
		m.order.MoveToFront(el)
		return nil
	}

	el := m.order.PushFront(&entry{
		key:       fingerprint,
		value:     value,
		createdAt: now,
		expiresAt: expires,
	})
	m.entries[fingerprint] = el

	if m.maxEntries > 0 && m.order.Len() > m.maxEntries {
		if oldest := m.order.Back(); oldest != nil {
			m.removeLocked(oldest)
		}
	}
	return nil
}

// Len returns the current entry count, including not-yet-swept expired
// entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Invalidate removes a single fingerprint.
func (m *Memory) Invalidate(fingerprint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[fingerprint]; ok {
		m.removeLocked(el)
	}
}

func (m *Memory) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	m.order.Remove(el)
	delete(m.entries, e.key)
}
