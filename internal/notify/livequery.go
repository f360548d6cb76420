package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/school-run/internal/models"
	"github.com/example/school-run/internal/storage"
)

// LiveQuery is one push-based subscription: the stored alerts matching Query
// followed by every matching alert published afterwards. When the bus stream
// drops it waits RetryDelay and starts over, so alerts are redelivered.
type LiveQuery struct {
	Store      storage.AlertStore
	Bus        Bus
	Query      models.AlertQuery
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Run delivers into out until ctx is done.
func (l *LiveQuery) Run(ctx context.Context, out chan<- models.Alert) {
	delay := l.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	for {
		if err := l.once(ctx, out); err != nil && ctx.Err() == nil {
			l.logger().Warn("live query interrupted", "query", l.Query, "err", err)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (l *LiveQuery) once(ctx context.Context, out chan<- models.Alert) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Subscribe before reading the snapshot so nothing falls in between.
	stream, err := l.Bus.Subscribe(ctx, l.Query)
	if err != nil {
		return err
	}
	snapshot, err := l.Store.ListAlerts(ctx, l.Query)
	if err != nil {
		return err
	}
	for _, a := range snapshot {
		if !send(ctx, out, a) {
			return nil
		}
	}
	for a := range stream {
		if !send(ctx, out, a) {
			return nil
		}
	}
	return nil
}

func send(ctx context.Context, out chan<- models.Alert, a models.Alert) bool {
	select {
	case out <- a:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *LiveQuery) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
