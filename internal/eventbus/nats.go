package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"yar/internal/events"
	"yar/internal/metrics"
)

// NATSConfig configures a JetStream-backed bus.
type NATSConfig struct {
	URL            string
	Stream         string
	Prefix         string
	ConnectTimeout time.Duration
	// DuplicateWindow is how long JetStream remembers Nats-Msg-Id values.
	DuplicateWindow time.Duration
	MaxAge          time.Duration
	FetchBatch      int
	FetchWait       time.Duration
}

func (c *NATSConfig) setDefaults() {
	if c.Stream == "" {
		c.Stream = "YAR"
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.DuplicateWindow == 0 {
		c.DuplicateWindow = 2 * time.Minute
	}
	if c.MaxAge == 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.FetchBatch == 0 {
		c.FetchBatch = 32
	}
	if c.FetchWait == 0 {
		c.FetchWait = 2 * time.Second
	}
}

// NATSBus is a Bus on NATS JetStream. Records are published with their ID as
// Nats-Msg-Id and consumed through durable pull consumers with explicit acks.
type NATSBus struct {
	cfg    NATSConfig
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSBus connects and makes sure the stream exists.
func NewNATSBus(cfg NATSConfig, logger *zap.Logger) (*NATSBus, error) {
	cfg.setDefaults()

	conn, err := nats.Connect(cfg.URL,
		nats.Name("yar"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	b := &NATSBus{cfg: cfg, conn: conn, js: js, logger: logger}
	if err := b.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *NATSBus) ensureStream() error {
	if _, err := b.js.StreamInfo(b.cfg.Stream); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", b.cfg.Stream, err)
	}

	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:       b.cfg.Stream,
		Subjects:   []string{b.cfg.Prefix + ".>"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     b.cfg.MaxAge,
		Duplicates: b.cfg.DuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", b.cfg.Stream, err)
	}
	b.logger.Info("Created JetStream stream", zap.String("stream", b.cfg.Stream))
	return nil
}

func (b *NATSBus) Publish(ctx context.Context, rec events.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", rec.ID, err)
	}
	ack, err := b.js.Publish(rec.Subject(b.cfg.Prefix), data, nats.MsgId(rec.ID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", rec.ID, err)
	}
	if ack.Duplicate {
		metrics.BusDuplicates.Inc()
		return nil
	}
	metrics.BusPublished.WithLabelValues(rec.Name).Inc()
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, durable, filter string, h Handler) (Subscription, error) {
	sub, err := b.js.PullSubscribe(filter, durable,
		nats.BindStream(b.cfg.Stream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(MaxDeliver),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s: %w", filter, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &natsSub{sub: sub, cancel: cancel, done: make(chan struct{})}
	go b.consume(ctx, s, durable, h)
	return s, nil
}

func (b *NATSBus) consume(ctx context.Context, s *natsSub, durable string, h Handler) {
	defer close(s.done)
	logger := b.logger.With(zap.String("durable", durable))

	for ctx.Err() == nil {
		msgs, err := s.sub.Fetch(b.cfg.FetchBatch, nats.MaxWait(b.cfg.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			logger.Warn("Fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			var rec events.Record
			if err := json.Unmarshal(msg.Data, &rec); err != nil {
				logger.Error("Dropping malformed event", zap.String("subject", msg.Subject), zap.Error(err))
				msg.Term()
				continue
			}
			metrics.BusReceived.WithLabelValues(rec.Name).Inc()

			if err := h(ctx, rec); err != nil {
				logger.Warn("Handler failed, requesting redelivery", zap.String("event", rec.ID), zap.Error(err))
				msg.NakWithDelay(redeliveryDelay)
				continue
			}
			if err := msg.Ack(); err != nil {
				logger.Warn("Ack failed", zap.String("event", rec.ID), zap.Error(err))
			}
		}
	}
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	return b.conn.Drain()
}

type natsSub struct {
	sub    *nats.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// Unsubscribe stops fetching and waits for in-flight records. The durable
// consumer is kept so another process can resume from its position.
func (s *natsSub) Unsubscribe() error {
	s.cancel()
	<-s.done
	return s.sub.Drain()
}
