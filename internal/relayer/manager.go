package relayer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"yar/internal/eventbus"
	"yar/internal/service"
)

// Config holds the relayer's loop settings.
type Config struct {
	PollInterval time.Duration
	MaxRetries   int
	Workers      int
	// BusPrefix and Durable name the bus subscription.
	BusPrefix string
	Durable   string
	// HubChainID and HubAddress identify events emitted by the hub itself,
	// which must not be mirrored back into it.
	HubChainID uint64
	HubAddress common.Address
	// MinFeeLock is the smallest lock accepted when the payer cannot cover
	// the full quote. Nil requires the full quote.
	MinFeeLock *big.Int
}

func (c *Config) setDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = MaxRetries
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.BusPrefix == "" {
		c.BusPrefix = eventbus.DefaultPrefix
	}
	if c.Durable == "" {
		c.Durable = "yar-relayer"
	}
}

// Manager orchestrates the monitor and executor goroutines
type Manager struct {
	cfg    Config
	logger *zap.Logger

	hub    HubBackend
	dests  map[uint64]Destination
	bus    eventbus.Bus
	jobs   *service.JobService
	fees   *service.FeeService
	assets *service.AssetService

	monitor  *Monitor
	executor *Executor
	sub      eventbus.Subscription

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a relayer. assets may be nil.
func NewManager(
	cfg Config,
	hub HubBackend,
	dests []Destination,
	bus eventbus.Bus,
	jobs *service.JobService,
	fees *service.FeeService,
	assets *service.AssetService,
	logger *zap.Logger,
) (*Manager, error) {
	cfg.setDefaults()
	logger = logger.Named("relayer")

	byChain := make(map[uint64]Destination, len(dests))
	for _, d := range dests {
		if _, dup := byChain[d.ChainID()]; dup {
			return nil, fmt.Errorf("duplicate destination for chain %d", d.ChainID())
		}
		byChain[d.ChainID()] = d
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		hub:    hub,
		dests:  byChain,
		bus:    bus,
		jobs:   jobs,
		fees:   fees,
		assets: assets,
		ctx:    ctx,
		cancel: cancel,
	}

	monitor, err := NewMonitor(m)
	if err != nil {
		cancel()
		return nil, err
	}
	m.monitor = monitor
	m.executor = NewExecutor(m)
	return m, nil
}

// Start subscribes to the bus and starts all worker goroutines
func (m *Manager) Start() error {
	m.logger.Info("Starting relayer",
		zap.Int("destinations", len(m.dests)),
		zap.Int("workers", m.cfg.Workers),
		zap.Duration("poll_interval", m.cfg.PollInterval))

	sub, err := m.bus.Subscribe(m.ctx, m.cfg.Durable, m.cfg.BusPrefix+".>", m.monitor.HandleEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	m.sub = sub

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitor.Run(m.ctx)
	}()

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.executor.Run(m.ctx)
		}()
	}

	m.logger.Info("Relayer started")
	return nil
}

// Shutdown gracefully stops all workers. Jobs interrupted mid-flight keep
// their persisted status and are resumed by the next start.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.logger.Info("Shutting down relayer")

	m.cancel()
	if m.sub != nil {
		if err := m.sub.Unsubscribe(); err != nil {
			m.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Relayer stopped gracefully")
		return nil
	case <-time.After(timeout):
		m.logger.Warn("Relayer shutdown timed out")
		return fmt.Errorf("relayer shutdown timed out after %s", timeout)
	}
}

// Destination returns the destination serving chainID
func (m *Manager) Destination(chainID uint64) (Destination, bool) {
	d, ok := m.dests[chainID]
	return d, ok
}
