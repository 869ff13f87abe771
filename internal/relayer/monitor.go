package relayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"yar/internal/events"
	"yar/internal/hub"
	"yar/internal/metrics"
	"yar/internal/models"
)

// Monitor turns bus events into hub mirrors and relay jobs, and polls the
// job store and the hub so work interrupted by a crash is picked up again
type Monitor struct {
	manager *Manager
	logger  *zap.Logger
	seen    *lru.Cache[string, struct{}]

	// Channel to send jobs ready for execution
	ready chan string

	// parked holds underfunded job ids by payer
	parkedMu sync.Mutex
	parked   map[common.Address]map[string]struct{}
}

// NewMonitor creates a new event monitor
func NewMonitor(manager *Manager) (*Monitor, error) {
	seen, err := lru.New[string, struct{}](DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &Monitor{
		manager: manager,
		logger:  manager.logger.Named("monitor"),
		seen:    seen,
		ready:   make(chan string, ReadyQueueSize),
		parked:  make(map[common.Address]map[string]struct{}),
	}, nil
}

// Run starts the recovery polling loop
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Monitor started",
		zap.Duration("poll_interval", m.manager.cfg.PollInterval))

	ticker := time.NewTicker(m.manager.cfg.PollInterval)
	defer ticker.Stop()

	// Initial poll
	m.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopping")
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// HandleEvent processes one bus record. Records are de-duplicated by ID once
// handled successfully, so a failed record is retried on redelivery.
func (m *Monitor) HandleEvent(ctx context.Context, rec events.Record) error {
	if m.seen.Contains(rec.ID) {
		metrics.BusDuplicates.Inc()
		return nil
	}

	var err error
	switch rec.Name {
	case events.NameSend, events.NameCrossCall:
		err = m.handleSend(ctx, rec)
	case events.NameDeposit:
		err = m.handleDeposit(ctx, rec)
	case events.NameApprove:
		err = m.handleApprove(ctx, rec)
	case events.NameIssuedAssetDeployed:
		if m.manager.assets != nil {
			err = m.manager.assets.HandleDeployed(ctx, rec)
		}
	}
	if err != nil {
		return err
	}
	m.seen.Add(rec.ID, struct{}{})
	return nil
}

func (m *Monitor) fromHub(rec events.Record) bool {
	return rec.ChainID == m.manager.cfg.HubChainID && rec.Contract == m.manager.cfg.HubAddress
}

func (m *Monitor) handleSend(ctx context.Context, rec events.Record) error {
	var ev events.Send
	if err := rec.Decode(&ev); err != nil {
		m.logger.Error("Dropping malformed send", zap.String("event", rec.ID), zap.Error(err))
		return nil
	}

	job, err := m.manager.jobs.GetOrCreateJob(ctx, ev.Envelope, rec.TxHash)
	if errors.Is(err, models.ErrChainIDRange) {
		m.logger.Error("Dropping send with unsupported chain id", zap.String("event", rec.ID), zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}
	m.enqueue(ctx, job.ID)
	return nil
}

func (m *Monitor) handleDeposit(ctx context.Context, rec events.Record) error {
	if m.fromHub(rec) {
		return nil
	}
	var ev events.Deposit
	if err := rec.Decode(&ev); err != nil {
		m.logger.Error("Dropping malformed deposit", zap.String("event", rec.ID), zap.Error(err))
		return nil
	}

	credited, err := m.manager.fees.ConvertDeposit(rec.ChainID, ev.Amount)
	if err != nil {
		m.logger.Error("Cannot convert deposit",
			zap.String("event", rec.ID),
			zap.Uint64("chain_id", rec.ChainID),
			zap.Error(err))
		return nil
	}
	if credited.Sign() == 0 {
		return nil
	}
	if err := m.manager.hub.Deposit(ctx, ev.User, credited); err != nil {
		return fmt.Errorf("failed to mirror deposit %s: %w", rec.ID, err)
	}

	m.logger.Info("Deposit mirrored",
		zap.String("user", ev.User.Hex()),
		zap.Uint64("chain_id", rec.ChainID),
		zap.String("amount", ev.Amount.String()),
		zap.String("credited", credited.String()))
	m.unpark(ctx, ev.User)
	return nil
}

func (m *Monitor) handleApprove(ctx context.Context, rec events.Record) error {
	if m.fromHub(rec) {
		return nil
	}
	var ev events.Approve
	if err := rec.Decode(&ev); err != nil {
		m.logger.Error("Dropping malformed approve", zap.String("event", rec.ID), zap.Error(err))
		return nil
	}
	if err := m.manager.hub.Approve(ctx, ev.User, ev.ChainID, ev.App, ev.Amount); err != nil {
		return fmt.Errorf("failed to mirror approval %s: %w", rec.ID, err)
	}
	m.unpark(ctx, ev.User)
	return nil
}

func (m *Monitor) park(payer common.Address, jobID string) {
	m.parkedMu.Lock()
	defer m.parkedMu.Unlock()
	ids, ok := m.parked[payer]
	if !ok {
		ids = make(map[string]struct{})
		m.parked[payer] = ids
	}
	ids[jobID] = struct{}{}
}

// unpark re-enqueues the jobs waiting on payer's funds
func (m *Monitor) unpark(ctx context.Context, payer common.Address) {
	m.parkedMu.Lock()
	ids := m.parked[payer]
	delete(m.parked, payer)
	m.parkedMu.Unlock()

	for id := range ids {
		m.enqueue(ctx, id)
	}
}

func (m *Monitor) enqueue(ctx context.Context, jobID string) {
	select {
	case m.ready <- jobID:
	case <-ctx.Done():
	}
}

// poll re-enqueues unfinished jobs and adopts hub records that have no job,
// e.g. when the job store was lost
func (m *Monitor) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()

	jobs, err := m.manager.jobs.ActiveJobs(pollCtx, ReadyQueueSize)
	if err != nil {
		m.logger.Error("Failed to list active jobs", zap.Error(err))
	}
	for _, job := range jobs {
		m.enqueue(ctx, job.ID)
	}

	for _, status := range []hub.Status{hub.StatusPending, hub.StatusExecuted} {
		recs, err := m.manager.hub.TransactionsByStatus(pollCtx, status, ReadyQueueSize)
		if err != nil {
			m.logger.Error("Failed to list hub transactions",
				zap.Stringer("status", status),
				zap.Error(err))
			continue
		}
		for _, rec := range recs {
			m.adopt(ctx, pollCtx, rec)
		}
	}
}

func (m *Monitor) adopt(ctx, pollCtx context.Context, rec hub.Record) {
	job, err := m.manager.jobs.GetJobByEnvelope(pollCtx, rec.Hash)
	if err != nil {
		m.logger.Error("Failed to look up job", zap.String("hash", rec.Hash.Hex()), zap.Error(err))
		return
	}
	if job != nil {
		// Already enqueued above when active; failed jobs are left alone.
		return
	}
	job, err = m.manager.jobs.GetOrCreateJob(pollCtx, rec.Envelope, rec.OriginTxHash)
	if err != nil {
		m.logger.Error("Failed to adopt hub transaction", zap.String("hash", rec.Hash.Hex()), zap.Error(err))
		return
	}
	m.logger.Info("Adopted hub transaction",
		zap.String("hash", rec.Hash.Hex()),
		zap.Stringer("status", rec.Status),
		zap.String("job_id", job.ID))
	m.enqueue(ctx, job.ID)
}
