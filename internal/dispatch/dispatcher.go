// Package dispatch fans accepted posts out to registered observers.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/postwatch/postwatch/internal/domain"
	"github.com/postwatch/postwatch/internal/metrics"
)

// Observer receives the accepted posts of one account cycle, oldest first.
type Observer interface {
	Notify(ctx context.Context, handle string, posts []domain.Post) error
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, handle string, posts []domain.Post) error

// Notify calls f.
func (f ObserverFunc) Notify(ctx context.Context, handle string, posts []domain.Post) error {
	return f(ctx, handle, posts)
}

// Named is implemented by observers that want a stable label in logs and
// metrics.
type Named interface {
	Name() string
}

func observerName(o Observer) string {
	if n, ok := o.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", o)
}

// Dispatcher invokes observers in registration order. A failing or
// panicking observer is logged and counted; the others still run and the
// caller never sees the failure.
type Dispatcher struct {
	mu        sync.RWMutex
	observers []Observer
	metrics   *metrics.Collector
	logger    *logrus.Entry
}

// NewDispatcher creates an empty Dispatcher. m may be nil.
func NewDispatcher(m *metrics.Collector, logger *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		metrics: m,
		logger:  logger.WithField("component", "dispatcher"),
	}
}

// Register appends o to the observer list.
func (d *Dispatcher) Register(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
	d.logger.WithField("observer", observerName(o)).Info("registered observer")
}

// Len returns the number of registered observers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.observers)
}

// Dispatch hands posts to every observer and returns how many of them
// failed. Empty batches are not dispatched.
func (d *Dispatcher) Dispatch(ctx context.Context, handle string, posts []domain.Post) int {
	if len(posts) == 0 {
		return 0
	}

	d.mu.RLock()
	observers := make([]Observer, len(d.observers))
	copy(observers, d.observers)
	d.mu.RUnlock()

	failed := 0
	for _, o := range observers {
		if err := d.notify(ctx, o, handle, posts); err != nil {
			failed++
			name := observerName(o)
			d.metrics.ObserverFailed(name)
			d.logger.WithError(err).WithFields(logrus.Fields{
				"observer": name,
				"handle":   handle,
				"posts":    len(posts),
			}).Error("observer failed")
		}
	}
	return failed
}

func (d *Dispatcher) notify(ctx context.Context, o Observer, handle string, posts []domain.Post) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panicked: %v", r)
		}
	}()
	// Observers get their own copy so they cannot reorder the batch for
	// the next one.
	batch := make([]domain.Post, len(posts))
	copy(batch, posts)
	return o.Notify(ctx, handle, batch)
}
