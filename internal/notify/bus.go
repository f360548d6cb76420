package notify

import (
	"context"
	"sync"

	"github.com/example/school-run/internal/models"
)

// Bus carries newly created alerts to live subscribers. A subscription
// channel is closed when ctx ends or the bus drops the subscriber; callers
// resubscribe and reconcile from the store.
type Bus interface {
	Publish(ctx context.Context, a models.Alert) error
	Subscribe(ctx context.Context, q models.AlertQuery) (<-chan models.Alert, error)
}

const subscriberBuffer = 32

// LocalBus is an in-process Bus. A subscriber whose buffer is full is
// disconnected rather than blocking publishers.
type LocalBus struct {
	mu   sync.Mutex
	subs map[*localSub]struct{}
}

type localSub struct {
	q    models.AlertQuery
	ch   chan models.Alert
	once sync.Once
}

func (s *localSub) close() { s.once.Do(func() { close(s.ch) }) }

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[*localSub]struct{})}
}

func (b *LocalBus) Publish(_ context.Context, a models.Alert) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if !s.q.Matches(a) {
			continue
		}
		select {
		case s.ch <- a:
		default:
			delete(b.subs, s)
			s.close()
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, q models.AlertQuery) (<-chan models.Alert, error) {
	s := &localSub{q: q, ch: make(chan models.Alert, subscriberBuffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.drop(s)
	}()
	return s.ch, nil
}

func (b *LocalBus) drop(s *localSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
	s.close()
}

// DropAll disconnects every subscriber, as a broker restart would.
func (b *LocalBus) DropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		delete(b.subs, s)
		s.close()
	}
}
