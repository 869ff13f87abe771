package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"yar/internal/envelope"
	"yar/internal/hub"
	"yar/internal/metrics"
	"yar/internal/models"
	"yar/internal/revert"
)

var errNoDestination = errors.New("no destination for chain")

// maxSteps bounds the create/execute/deliver/complete loop of one attempt.
const maxSteps = 8

// Executor drives jobs through the hub lifecycle
type Executor struct {
	manager *Manager
	logger  *zap.Logger

	inFlight sync.Map // job id -> struct{}
}

// NewExecutor creates a new job executor
func NewExecutor(manager *Manager) *Executor {
	return &Executor{
		manager: manager,
		logger:  manager.logger.Named("executor"),
	}
}

// Run consumes ready jobs until ctx is done
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.manager.monitor.ready:
			if _, busy := e.inFlight.LoadOrStore(id, struct{}{}); busy {
				continue
			}
			e.handleJob(ctx, id)
			e.inFlight.Delete(id)
		}
	}
}

// handleJob runs a job to completion, retrying transient failures with
// exponential backoff
func (e *Executor) handleJob(ctx context.Context, id string) {
	job, err := e.manager.jobs.GetJob(ctx, id)
	if err != nil {
		e.logger.Error("Failed to load job", zap.String("job_id", id), zap.Error(err))
		return
	}
	if job == nil || job.Status.Terminal() {
		return
	}
	env, err := e.manager.jobs.Envelope(job)
	if err != nil {
		e.fail(ctx, job, err)
		return
	}

	start := time.Now()
	for attempt := 0; ; attempt++ {
		err := e.advance(ctx, job, env)
		if err == nil {
			metrics.RelayJobs.WithLabelValues("completed").Inc()
			metrics.RelayStepDuration.WithLabelValues("job").Observe(time.Since(start).Seconds())
			return
		}
		if ctx.Err() != nil {
			e.logger.Info("Job interrupted", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
			return
		}
		if revert.KindOf(err) == revert.KindInsufficientFunds {
			e.park(ctx, job, env, err)
			return
		}
		if permanent(err) || attempt >= e.manager.cfg.MaxRetries {
			e.fail(ctx, job, err)
			return
		}

		if recErr := e.manager.jobs.RecordError(ctx, job, err.Error()); recErr != nil {
			e.logger.Error("Failed to record job error", zap.String("job_id", job.ID), zap.Error(recErr))
		}
		metrics.RelayRetries.WithLabelValues(string(job.Status)).Inc()

		delay := BaseRetryDelay * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// park leaves the job active until the payer's funds change.
func (e *Executor) park(ctx context.Context, job *models.RelayJob, env envelope.Envelope, err error) {
	metrics.RelayJobs.WithLabelValues("underfunded").Inc()
	if recErr := e.manager.jobs.RecordWaiting(ctx, job, err.Error()); recErr != nil {
		e.logger.Error("Failed to record waiting job", zap.String("job_id", job.ID), zap.Error(recErr))
	}
	e.manager.monitor.park(env.PayerOrSender(), job.ID)
}

func (e *Executor) fail(ctx context.Context, job *models.RelayJob, err error) {
	metrics.RelayJobs.WithLabelValues("failed").Inc()
	if markErr := e.manager.jobs.MarkFailed(ctx, job, err.Error()); markErr != nil {
		e.logger.Error("Failed to mark job failed", zap.String("job_id", job.ID), zap.Error(markErr))
	}
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	if errors.Is(err, errNoDestination) {
		return true
	}
	switch revert.KindOf(err) {
	case revert.KindValidation, revert.KindUnauthorized, revert.KindDelivery:
		return true
	}
	return false
}

// advance moves the job forward from whatever state the hub reports until
// the hub record is Completed
func (e *Executor) advance(ctx context.Context, job *models.RelayJob, env envelope.Envelope) error {
	hash := env.Hash()
	for step := 0; step < maxSteps; step++ {
		rec, err := e.manager.hub.Transaction(ctx, hash)
		if err != nil {
			return fmt.Errorf("failed to read hub transaction: %w", err)
		}

		switch {
		case rec == nil:
			err := e.timed("create", func() error {
				return e.manager.hub.CreateTransaction(ctx, env, common.HexToHash(job.OriginTxHash))
			})
			if err != nil && !errors.Is(err, hub.ErrDuplicate) {
				return err
			}
			if job.Status == models.JobStatusPending {
				if err := e.manager.jobs.UpdateStatus(ctx, job, models.JobStatusCreated); err != nil {
					return err
				}
			}

		case rec.Status == hub.StatusPending:
			fee, err := e.quote(ctx, env)
			if err != nil {
				return err
			}
			err = e.timed("execute", func() error {
				return e.manager.hub.ExecuteTransaction(ctx, env, fee)
			})
			if errors.Is(err, hub.ErrNotPending) {
				continue
			}
			if err != nil {
				return err
			}
			if err := e.manager.jobs.RecordLocked(ctx, job, fee); err != nil {
				return err
			}

		case rec.Status == hub.StatusExecuted:
			if err := e.deliverAndComplete(ctx, job, env, rec); err != nil {
				return err
			}

		case rec.Status == hub.StatusCompleted:
			if job.DeliveryTxHash == nil && rec.DeliveryTxHash != (common.Hash{}) {
				v := rec.DeliveryTxHash.Hex()
				job.DeliveryTxHash = &v
			}
			if err := e.manager.jobs.RecordCompleted(ctx, job, rec.UsedFee); err != nil {
				return err
			}
			e.logger.Info("Job completed",
				zap.String("job_id", job.ID),
				zap.String("hash", hash.Hex()),
				zap.String("used_fee", rec.UsedFee.String()))
			return nil
		}
	}
	return fmt.Errorf("job %s did not settle after %d steps", job.ID, maxSteps)
}

// quote returns the fee to lock. Direct envelopes paid their fee on the
// origin chain and lock nothing. A payer short of the quote gets
// ErrUnderfunded unless the capped lock reaches MinFeeLock.
func (e *Executor) quote(ctx context.Context, env envelope.Envelope) (*big.Int, error) {
	if env.Mode == envelope.ModeDirect {
		return new(big.Int), nil
	}

	payer := env.PayerOrSender()
	available, err := e.manager.hub.BalanceOf(ctx, payer)
	if err != nil {
		return nil, fmt.Errorf("failed to read payer balance: %w", err)
	}
	if env.Sponsored() {
		allowance, err := e.manager.hub.AllowanceOf(ctx, payer, env.InitialChainID, env.Sender)
		if err != nil {
			return nil, fmt.Errorf("failed to read allowance: %w", err)
		}
		if allowance.Cmp(available) < 0 {
			available = allowance
		}
	}

	q, err := e.manager.fees.QuoteLock(env.TargetChainID, available)
	if err != nil {
		return nil, err
	}
	if q.Capped {
		floor := e.manager.cfg.MinFeeLock
		if q.Lock.Sign() == 0 || floor == nil || q.Lock.Cmp(floor) < 0 {
			return nil, fmt.Errorf("%w: %s available", ErrUnderfunded, q.Lock)
		}
		e.logger.Warn("Payer cannot cover the full delivery fee",
			zap.String("payer", payer.Hex()),
			zap.String("lock", q.Lock.String()))
	}
	return q.Lock, nil
}

func (e *Executor) deliverAndComplete(ctx context.Context, job *models.RelayJob, env envelope.Envelope, rec *hub.Record) error {
	dest, ok := e.manager.dests[env.TargetChainID]
	if !ok {
		return fmt.Errorf("%w %d", errNoDestination, env.TargetChainID)
	}

	var d *Delivery
	if job.DeliveryTxHash != nil {
		txHash := common.HexToHash(*job.DeliveryTxHash)
		var err error
		d, err = dest.Delivery(ctx, txHash)
		if err != nil {
			return err
		}
		if d == nil {
			return fmt.Errorf("delivery %s not yet confirmed", txHash.Hex())
		}
	} else {
		err := e.timed("deliver", func() error {
			var err error
			d, err = dest.Deliver(ctx, env)
			return err
		})
		if err != nil {
			return err
		}
		if d.CallErr != nil {
			e.logger.Warn("Value delivered but target call failed",
				zap.String("job_id", job.ID),
				zap.Error(d.CallErr))
		}
		if err := e.manager.jobs.RecordDelivery(ctx, job, d.TxHash); err != nil {
			return err
		}
	}

	used, err := e.manager.fees.Settle(env.TargetChainID, d.GasUsed, rec.LockedFee)
	if err != nil {
		return err
	}
	err = e.timed("complete", func() error {
		return e.manager.hub.CompleteTransaction(ctx, env, d.TxHash, used)
	})
	if err != nil && !errors.Is(err, hub.ErrNotExecuted) {
		return err
	}
	return nil
}

func (e *Executor) timed(step string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RelayStepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
	return err
}
