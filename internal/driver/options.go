package driver

import (
	"log/slog"

	"github.com/snehjoshi/deferq/internal/metrics"
)

// Option configures a Driver at construction time.
type Option func(*Driver)

// WithName labels the driver in logs, metrics and events.
func WithName(name string) Option {
	return func(d *Driver) {
		if name != "" {
			d.name = name
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(d *Driver) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithWorkers sets how many goroutines run callbacks in the background loop.
// Values below 1 are ignored.
func WithWorkers(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithMetrics makes the driver count into reg instead of a private registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(d *Driver) {
		if reg != nil {
			d.reg = reg
		}
	}
}

// WithObserver registers fn to receive every dispatch Event. With more than
// one worker, fn is called concurrently and must be safe for that.
func WithObserver(fn func(Event)) Option {
	return func(d *Driver) {
		if fn != nil {
			d.observers = append(d.observers, fn)
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithCompactThreshold makes Cancel compact the heap once n tombstones have
// accumulated. Zero disables compaction.
func WithCompactThreshold(n int) Option {
	return func(d *Driver) {
		if n >= 0 {
			d.compactAt = n
		}
	}
}
