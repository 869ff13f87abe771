package eventbus

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"yar/internal/chain"
	"yar/internal/events"
)

const (
	feedBuffer = 256

	publishRetryDelay    = 20 * time.Millisecond
	maxPublishRetryDelay = 5 * time.Second
)

// LogSource is a chain log feed.
type LogSource interface {
	SubscribeLogs(ch chan<- chain.Log) event.Subscription
}

// RecordSource is a feed of already encoded records, such as the Hub's.
type RecordSource interface {
	SubscribeEvents(ch chan<- events.Record) event.Subscription
}

// Publisher forwards feeds to a bus.
type Publisher struct {
	bus    Bus
	logger *zap.Logger
}

func NewPublisher(bus Bus, logger *zap.Logger) *Publisher {
	return &Publisher{bus: bus, logger: logger}
}

// PublishLogs forwards every committed log of src until ctx is done or the
// feed fails.
func (p *Publisher) PublishLogs(ctx context.Context, src LogSource) error {
	return <-p.StartLogs(ctx, src)
}

// StartLogs subscribes to src before returning and forwards its logs in the
// background. The channel receives the reason forwarding stopped.
func (p *Publisher) StartLogs(ctx context.Context, src LogSource) <-chan error {
	ch := make(chan chain.Log, feedBuffer)
	sub := src.SubscribeLogs(ch)
	done := make(chan error, 1)

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				done <- ctx.Err()
				return
			case err := <-sub.Err():
				done <- err
				return
			case l := <-ch:
				rec, err := events.FromLog(l)
				if err != nil {
					p.logger.Error("Failed to encode log", zap.String("event", l.Name), zap.Error(err))
					continue
				}
				p.publish(ctx, rec)
			}
		}
	}()
	return done
}

// PublishRecords forwards every record of src until ctx is done or the feed
// fails.
func (p *Publisher) PublishRecords(ctx context.Context, src RecordSource) error {
	return <-p.StartRecords(ctx, src)
}

// StartRecords is StartLogs for record feeds.
func (p *Publisher) StartRecords(ctx context.Context, src RecordSource) <-chan error {
	ch := make(chan events.Record, feedBuffer)
	sub := src.SubscribeEvents(ch)
	done := make(chan error, 1)

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				done <- ctx.Err()
				return
			case err := <-sub.Err():
				done <- err
				return
			case rec := <-ch:
				p.publish(ctx, rec)
			}
		}
	}()
	return done
}

// publish retries rec with exponential backoff until the bus takes it or ctx
// is done. Records are not dropped: later records wait behind it.
func (p *Publisher) publish(ctx context.Context, rec events.Record) {
	delay := publishRetryDelay
	for attempt := 1; ; attempt++ {
		err := p.bus.Publish(ctx, rec)
		if err == nil {
			return
		}
		p.logger.Warn("Failed to publish event, retrying",
			zap.String("event", rec.ID),
			zap.String("name", rec.Name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			p.logger.Error("Gave up publishing event",
				zap.String("event", rec.ID),
				zap.String("name", rec.Name),
				zap.Error(ctx.Err()))
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxPublishRetryDelay {
			delay = maxPublishRetryDelay
		}
	}
}
