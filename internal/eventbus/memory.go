package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"yar/internal/events"
	"yar/internal/metrics"
)

var ErrClosed = errors.New("bus is closed")

const (
	dedupWindow     = 4096
	redeliveryDelay = 50 * time.Millisecond
)

// MemoryBus is an in-process Bus. Publish never blocks: every subscriber owns
// an unbounded queue drained by its own goroutine.
type MemoryBus struct {
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	seen   *lru.Cache[string, struct{}]
	subs   map[*memorySub]struct{}
	closed bool
}

func NewMemoryBus(prefix string, logger *zap.Logger) *MemoryBus {
	seen, _ := lru.New[string, struct{}](dedupWindow)
	return &MemoryBus{
		prefix: prefix,
		logger: logger,
		seen:   seen,
		subs:   make(map[*memorySub]struct{}),
	}
}

func (b *MemoryBus) Publish(_ context.Context, rec events.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.seen.Contains(rec.ID) {
		metrics.BusDuplicates.Inc()
		return nil
	}
	b.seen.Add(rec.ID, struct{}{})
	metrics.BusPublished.WithLabelValues(rec.Name).Inc()

	subject := rec.Subject(b.prefix)
	for sub := range b.subs {
		if MatchSubject(sub.filter, subject) {
			sub.push(rec)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, durable, filter string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{
		bus:     b,
		filter:  filter,
		handler: h,
		logger:  b.logger.With(zap.String("durable", durable), zap.String("filter", filter)),
		done:    make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	b.subs[sub] = struct{}{}

	ctx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel
	go sub.run(ctx)
	go func() {
		<-ctx.Done()
		sub.stop()
	}()
	return sub, nil
}

// Close stops every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

type memorySub struct {
	bus     *MemoryBus
	filter  string
	handler Handler
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []events.Record
	stopped bool
}

func (s *memorySub) push(rec events.Record) {
	s.mu.Lock()
	if !s.stopped {
		s.queue = append(s.queue, rec)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *memorySub) pop() (events.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		return events.Record{}, false
	}
	rec := s.queue[0]
	s.queue[0] = events.Record{}
	s.queue = s.queue[1:]
	return rec, true
}

func (s *memorySub) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *memorySub) run(ctx context.Context) {
	defer close(s.done)
	for {
		rec, ok := s.pop()
		if !ok {
			return
		}
		metrics.BusReceived.WithLabelValues(rec.Name).Inc()
		for attempt := 1; attempt <= MaxDeliver; attempt++ {
			err := s.handler(ctx, rec)
			if err == nil {
				break
			}
			s.logger.Warn("Handler failed",
				zap.String("event", rec.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if attempt == MaxDeliver {
				s.logger.Error("Dropping event after max deliveries", zap.String("event", rec.ID))
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(redeliveryDelay * time.Duration(attempt)):
			}
		}
	}
}

// Unsubscribe stops delivery. Records still queued are dropped.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.cancel()
	s.stop()
	return nil
}
