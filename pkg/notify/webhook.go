// Package notify delivers job lifecycle webhooks. It subscribes to the
// engine's event bus and POSTs JSON payloads to the configured endpoint
// with at-least-once semantics: transient delivery failures are retried,
// and a progress event is only as fresh as the last successful delivery.
package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/codelens/codelens/pkg/engine"
	"github.com/codelens/codelens/pkg/event"
)

// Config configures webhook delivery.
type Config struct {
	// URL is the webhook endpoint; empty disables delivery entirely.
	URL string `koanf:"url"`

	// Secret, when set, signs each payload with HMAC-SHA256 in the
	// X-Codelens-Signature header.
	Secret string `koanf:"secret"`

	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries int           `koanf:"max_retries"`

	// ProgressStep is the minimum percentage advance between delivered
	// progress events; lifecycle events are never throttled.
	ProgressStep float64 `koanf:"progress_step"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ProgressStep <= 0 {
		c.ProgressStep = 5
	}
}

// Payload is the wire format delivered to the webhook endpoint.
type Payload struct {
	Event     string      `json:"event"`
	Data      PayloadData `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// PayloadData carries the job snapshot inside a webhook payload.
type PayloadData struct {
	BulkAnalysisID     string  `json:"bulkAnalysisId"`
	Status             string  `json:"status"`
	ProgressPercentage float64 `json:"progressPercentage"`
	CompletedItems     int     `json:"completedItems"`
	FailedItems        int     `json:"failedItems"`
	TotalItems         int     `json:"totalItems"`
}

// Notifier posts engine lifecycle events to a webhook endpoint.
type Notifier struct {
	cfg    Config
	client *resty.Client
	logger zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]float64 // job id -> last delivered percentage
}

// New builds a notifier. The resty client owns timeout and retry handling;
// 5xx and connection errors are retried with backoff.
func New(cfg Config, logger zerolog.Logger) *Notifier {
	cfg.ApplyDefaults()
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Notifier{
		cfg:      cfg,
		client:   client,
		logger:   logger.With().Str("component", "notify").Logger(),
		lastSent: make(map[string]float64),
	}
}

// Register subscribes the notifier to the engine's lifecycle topics.
// No-op when no URL is configured.
func (n *Notifier) Register(bus *event.Manager) {
	if n.cfg.URL == "" {
		return
	}
	bus.Subscribe(engine.TopicStarted, n.handler(engine.TopicStarted))
	bus.Subscribe(engine.TopicProgress, n.handler(engine.TopicProgress))
	bus.Subscribe(engine.TopicCompleted, n.handler(engine.TopicCompleted))
	bus.Subscribe(engine.TopicFailed, n.handler(engine.TopicFailed))
}

func (n *Notifier) handler(topic string) event.Handler {
	return func(ctx context.Context, data any) {
		snap, ok := data.(engine.Snapshot)
		if !ok {
			return
		}
		if topic == engine.TopicProgress && !n.shouldDeliver(snap) {
			return
		}
		if err := n.Deliver(ctx, topic, snap); err != nil {
			n.logger.Warn().Err(err).
				Str("event", topic).
				Str("job_id", snap.JobID).
				Msg("webhook delivery failed")
		}
	}
}

// shouldDeliver throttles progress events to ProgressStep advances.
func (n *Notifier) shouldDeliver(snap engine.Snapshot) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	last, seen := n.lastSent[snap.JobID]
	if seen && snap.Percentage-last < n.cfg.ProgressStep {
		return false
	}
	n.lastSent[snap.JobID] = snap.Percentage
	return true
}

// Deliver posts one event synchronously. Exposed for lifecycle events the
// caller wants confirmed (final notifications during shutdown).
func (n *Notifier) Deliver(ctx context.Context, eventName string, snap engine.Snapshot) error {
	payload := Payload{
		Event: eventName,
		Data: PayloadData{
			BulkAnalysisID:     snap.JobID,
			Status:             string(snap.Status),
			ProgressPercentage: snap.Percentage,
			CompletedItems:     snap.Completed,
			FailedItems:        snap.Failed,
			TotalItems:         snap.Total,
		},
		Timestamp: time.Now().UTC(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if n.cfg.Secret != "" {
		req.SetHeader("X-Codelens-Signature", sign(n.cfg.Secret, body))
	}

	resp, err := req.Post(n.cfg.URL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &DeliveryError{Status: resp.StatusCode()}
	}

	if snap.Status.IsTerminal() {
		n.mu.Lock()
		delete(n.lastSent, snap.JobID)
		n.mu.Unlock()
	}
	return nil
}

// DeliveryError reports a non-2xx webhook response.
type DeliveryError struct {
	Status int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook endpoint returned status %d", e.Status)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
