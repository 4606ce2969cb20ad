package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"civicwater/internal/domain"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Publisher delivers one event. A returned error leaves the event queued.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

type PublisherFunc func(ctx context.Context, evt domain.Event) error

func (f PublisherFunc) Publish(ctx context.Context, evt domain.Event) error { return f(ctx, evt) }

// Multi fans an event out to every publisher. Delivery is at least once: a
// failure in one publisher redelivers to all of them on the next pass.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt domain.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Source is the events outbox.
type Source interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Dispatcher polls Source with a cursor and hands matching events to
// Publisher in append order.
type Dispatcher struct {
	Source    Source
	Publisher Publisher
	Events    []string
	Interval  time.Duration
	Batch     int
	// FromStart replays the whole outbox instead of starting at its tail.
	FromStart bool
	Log       zerolog.Logger

	mu     sync.Mutex
	cursor int64
	ready  bool
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.Dispatch(ctx); err != nil && ctx.Err() == nil {
			d.Log.Warn().Err(err).Int64("cursor", d.Cursor()).Msg("notify: dispatch failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Dispatch runs one pass and returns how many events were delivered. It
// stops at the first failed delivery so order is kept.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		if !d.FromStart {
			cur, err := d.Source.LatestEventID(ctx)
			if err != nil {
				return 0, err
			}
			d.cursor = cur
		}
		d.ready = true
	}
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	evts, err := d.Source.EventsAfter(ctx, batch, d.cursor)
	if err != nil {
		return 0, err
	}
	filter := newEventFilter(d.Events)
	sent := 0
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.cursor = evt.ID
			continue
		}
		if err := d.Publisher.Publish(ctx, evt); err != nil {
			return sent, err
		}
		d.cursor = evt.ID
		sent++
	}
	return sent, nil
}

// StartAt makes the first pass resume after cursor instead of at the tail.
func (d *Dispatcher) StartAt(cursor int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursor = cursor
	d.ready = true
}

// Cursor returns the id of the last event handled.
func (d *Dispatcher) Cursor() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor
}

// eventFilter matches exact types or a "kind.*" prefix.
type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	f := eventFilter{set: map[string]struct{}{}}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			f.all = true
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		f.all = true
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
