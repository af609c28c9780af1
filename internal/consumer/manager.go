// Package consumer delivers driver dispatch events to webhook subscribers.
//
// Each Subscription owns a bounded queue and a delivery goroutine. Publish
// never blocks: when a subscriber's queue is full the event is dropped and
// counted. Failed POSTs are retried with exponential backoff and then given up.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/deferq/internal/driver"
	"github.com/snehjoshi/deferq/internal/ident"
)

var (
	ErrSubscriptionNotFound = errors.New("consumer: subscription not found")
	ErrInvalidURL           = errors.New("consumer: webhook url must be absolute http or https")
	ErrClosed               = errors.New("consumer: manager closed")
)

const (
	defaultQueueSize   = 256
	defaultRetries     = 3
	defaultBackoff     = 200 * time.Millisecond
	defaultHTTPTimeout = 10 * time.Second
)

// Subscription is one registered webhook.
type Subscription struct {
	ID     string
	URL    string
	secret string
	queue  chan driver.Event
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient replaces the client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

// WithRetries sets how many times a failed delivery is retried and the
// initial backoff, which doubles after each attempt.
func WithRetries(n int, backoff time.Duration) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.retries = n
		}
		if backoff > 0 {
			m.backoff = backoff
		}
	}
}

// WithQueueSize sets the per-subscription event buffer.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// Manager owns the webhook subscriptions.
type Manager struct {
	client    *http.Client
	retries   int
	backoff   time.Duration
	queueSize int

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewManager returns an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		client:    &http.Client{Timeout: defaultHTTPTimeout},
		retries:   defaultRetries,
		backoff:   defaultBackoff,
		queueSize: defaultQueueSize,
		subs:      make(map[string]*Subscription),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ValidURL reports whether raw is an absolute http or https URL. Other schemes
// (file://, gopher://, ...) are refused.
func ValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Register starts delivering events to url and returns the subscription id.
// When secret is non-empty each request carries a SignatureHeader.
func (m *Manager) Register(rawURL, secret string) (string, error) {
	if !ValidURL(rawURL) {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	id, err := ident.NewID()
	if err != nil {
		return "", fmt.Errorf("consumer: generate subscription ID: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:     id,
		URL:    rawURL,
		secret: secret,
		queue:  make(chan driver.Event, m.queueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	m.subs[id] = sub
	m.mu.Unlock()

	go m.deliveryLoop(ctx, sub)
	slog.Info("subscription registered", "id", id, "url", rawURL)
	return id, nil
}

// Deregister stops deliveries for id. Queued events are discarded.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	sub.cancel()
	<-sub.done
	slog.Info("subscription deregistered", "id", id)
	return nil
}

// Subscriptions returns a snapshot of the registered subscriptions.
func (m *Manager) Subscriptions() []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, Subscription{ID: s.ID, URL: s.URL})
	}
	return out
}

// Publish queues ev for every subscriber without blocking. It has the
// signature driver.WithObserver expects.
func (m *Manager) Publish(ev driver.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		select {
		case sub.queue <- ev:
		default:
			m.dropped.Add(1)
		}
	}
}

// Delivered, Failed and Dropped report delivery outcomes since start.
func (m *Manager) Delivered() int64 { return m.delivered.Load() }
func (m *Manager) Failed() int64 { return m.failed.Load() }
func (m *Manager) Dropped() int64 { return m.dropped.Load() }

// Close stops every delivery goroutine and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.closed = true
	m.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	for _, sub := range subs {
		<-sub.done
	}
}

func (m *Manager) deliveryLoop(ctx context.Context, sub *Subscription) {
	defer close(sub.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.queue:
			m.deliverWithRetry(ctx, sub, ev)
		}
	}
}

func (m *Manager) deliverWithRetry(ctx context.Context, sub *Subscription, ev driver.Event) {
	wait := m.backoff
	for attempt := 0; ; attempt++ {
		err := deliverEvent(ctx, m.client, sub, ev)
		if err == nil {
			m.delivered.Add(1)
			return
		}
		if attempt >= m.retries || ctx.Err() != nil {
			m.failed.Add(1)
			slog.Warn("consumer: delivery failed, giving up",
				"sub", sub.ID, "task_id", ev.TaskID, "attempts", attempt+1, "err", err)
			return
		}
		slog.Debug("consumer: delivery failed, retrying", "sub", sub.ID, "err", err, "wait", wait)
		select {
		case <-ctx.Done():
			m.failed.Add(1)
			return
		case <-time.After(wait):
		}
		wait *= 2
	}
}
