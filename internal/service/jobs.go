package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"yar/internal/envelope"
	"yar/internal/models"
)

// ActiveStatuses are the statuses the relayer still has work for
var ActiveStatuses = []models.JobStatus{
	models.JobStatusPending,
	models.JobStatusCreated,
	models.JobStatusExecuted,
	models.JobStatusDelivered,
}

// JobStore persists relay jobs
type JobStore interface {
	// CreateJob reports false when a job for the envelope already exists.
	CreateJob(ctx context.Context, job *models.RelayJob) (bool, error)
	// GetJob and GetJobByEnvelopeHash return nil, nil when nothing matches.
	GetJob(ctx context.Context, id string) (*models.RelayJob, error)
	GetJobByEnvelopeHash(ctx context.Context, hash string) (*models.RelayJob, error)
	GetJobsByStatus(ctx context.Context, statuses []models.JobStatus, limit int) ([]models.RelayJob, error)
	UpdateJob(ctx context.Context, job *models.RelayJob) error
}

// JobService handles relay job lifecycle management
type JobService struct {
	store  JobStore
	logger *zap.Logger
}

// NewJobService creates a new job service
func NewJobService(store JobStore, logger *zap.Logger) *JobService {
	return &JobService{
		store:  store,
		logger: logger,
	}
}

// GetOrCreateJob returns the job relaying env, creating it if none exists
func (s *JobService) GetOrCreateJob(ctx context.Context, env envelope.Envelope, originTxHash common.Hash) (*models.RelayJob, error) {
	hash := env.Hash()
	if job, err := s.store.GetJobByEnvelopeHash(ctx, hash.Hex()); err != nil || job != nil {
		return job, err
	}

	source, err := models.ChainID(env.InitialChainID)
	if err != nil {
		return nil, err
	}
	target, err := models.ChainID(env.TargetChainID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	job := &models.RelayJob{
		ID:            uuid.NewString(),
		EnvelopeHash:  hash.Hex(),
		Envelope:      raw,
		SourceChainID: source,
		TargetChainID: target,
		OriginTxHash:  originTxHash.Hex(),
		Status:        models.JobStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	created, err := s.store.CreateJob(ctx, job)
	if err != nil {
		return nil, err
	}
	if !created {
		return s.store.GetJobByEnvelopeHash(ctx, hash.Hex())
	}

	s.logger.Info("Job created",
		zap.String("job_id", job.ID),
		zap.String("envelope", job.EnvelopeHash),
		zap.Int64("target_chain_id", job.TargetChainID))
	return job, nil
}

// GetJob retrieves a job by ID
func (s *JobService) GetJob(ctx context.Context, id string) (*models.RelayJob, error) {
	return s.store.GetJob(ctx, id)
}

// GetJobByEnvelope retrieves the job relaying an envelope
func (s *JobService) GetJobByEnvelope(ctx context.Context, hash common.Hash) (*models.RelayJob, error) {
	return s.store.GetJobByEnvelopeHash(ctx, hash.Hex())
}

// ActiveJobs lists jobs the relayer still has work for, oldest first
func (s *JobService) ActiveJobs(ctx context.Context, limit int) ([]models.RelayJob, error) {
	return s.store.GetJobsByStatus(ctx, ActiveStatuses, limit)
}

// Envelope decodes the envelope carried by job
func (s *JobService) Envelope(job *models.RelayJob) (envelope.Envelope, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(job.Envelope, &env); err != nil {
		return envelope.Envelope{}, fmt.Errorf("failed to decode envelope of job %s: %w", job.ID, err)
	}
	return env, nil
}

// UpdateStatus moves job to status
func (s *JobService) UpdateStatus(ctx context.Context, job *models.RelayJob, status models.JobStatus) error {
	job.Status = status
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	s.logger.Debug("Job status updated",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)))
	return nil
}

// RecordLocked records the fee locked at execution
func (s *JobService) RecordLocked(ctx context.Context, job *models.RelayJob, locked *big.Int) error {
	v := locked.String()
	job.LockedFee = &v
	return s.UpdateStatus(ctx, job, models.JobStatusExecuted)
}

// RecordDelivery records the delivery transaction. A job with a delivery hash
// is never delivered again.
func (s *JobService) RecordDelivery(ctx context.Context, job *models.RelayJob, txHash common.Hash) error {
	v := txHash.Hex()
	job.DeliveryTxHash = &v
	if err := s.UpdateStatus(ctx, job, models.JobStatusDelivered); err != nil {
		return err
	}

	s.logger.Info("Delivery recorded",
		zap.String("job_id", job.ID),
		zap.String("tx_hash", v))
	return nil
}

// RecordCompleted records the settled fee
func (s *JobService) RecordCompleted(ctx context.Context, job *models.RelayJob, used *big.Int) error {
	v := used.String()
	job.UsedFee = &v
	job.ErrorMessage = nil
	return s.UpdateStatus(ctx, job, models.JobStatusCompleted)
}

// RecordError records an error and increments the retry count
func (s *JobService) RecordError(ctx context.Context, job *models.RelayJob, errorMsg string) error {
	job.ErrorMessage = &errorMsg
	job.RetryCount++
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}

	s.logger.Warn("Job error recorded",
		zap.String("job_id", job.ID),
		zap.Int("retry_count", job.RetryCount),
		zap.String("error", errorMsg))
	return nil
}

// RecordWaiting records why an active job is waiting without counting it
// as a retry
func (s *JobService) RecordWaiting(ctx context.Context, job *models.RelayJob, reason string) error {
	job.ErrorMessage = &reason
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to record waiting job: %w", err)
	}

	s.logger.Info("Job waiting for funds",
		zap.String("job_id", job.ID),
		zap.String("reason", reason))
	return nil
}

// MarkFailed marks a job as permanently failed. The hub record is left as is.
func (s *JobService) MarkFailed(ctx context.Context, job *models.RelayJob, reason string) error {
	job.ErrorMessage = &reason
	if err := s.UpdateStatus(ctx, job, models.JobStatusFailed); err != nil {
		return fmt.Errorf("failed to mark as failed: %w", err)
	}

	s.logger.Error("Job marked as failed",
		zap.String("job_id", job.ID),
		zap.String("reason", reason))
	return nil
}

// MemoryJobStore is an in-process JobStore
type MemoryJobStore struct {
	mu     sync.Mutex
	byID   map[string]*models.RelayJob
	byHash map[string]string
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		byID:   make(map[string]*models.RelayJob),
		byHash: make(map[string]string),
	}
}

func (m *MemoryJobStore) CreateJob(_ context.Context, job *models.RelayJob) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byHash[job.EnvelopeHash]; ok {
		return false, nil
	}
	row := *job
	row.UpdatedAt = row.CreatedAt
	m.byID[job.ID] = &row
	m.byHash[job.EnvelopeHash] = job.ID
	return true, nil
}

func (m *MemoryJobStore) GetJob(_ context.Context, id string) (*models.RelayJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	row := *job
	return &row, nil
}

func (m *MemoryJobStore) GetJobByEnvelopeHash(ctx context.Context, hash string) (*models.RelayJob, error) {
	m.mu.Lock()
	id, ok := m.byHash[hash]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return m.GetJob(ctx, id)
}

func (m *MemoryJobStore) GetJobsByStatus(_ context.Context, statuses []models.JobStatus, limit int) ([]models.RelayJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[models.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []models.RelayJob
	for _, job := range m.byID {
		if want[job.Status] {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryJobStore) UpdateJob(_ context.Context, job *models.RelayJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[job.ID]; !ok {
		return fmt.Errorf("job %s not found", job.ID)
	}
	job.UpdatedAt = time.Now().UTC()
	row := *job
	m.byID[job.ID] = &row
	return nil
}
