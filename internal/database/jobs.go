package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"yar/internal/models"
)

const jobColumns = `id, envelope_hash, envelope, source_chain_id, target_chain_id, origin_tx_hash, status,
	locked_fee::text AS locked_fee, used_fee::text AS used_fee, delivery_tx_hash, error_message,
	retry_count, created_at, updated_at`

// JobStore persists relay jobs in relay_jobs
type JobStore struct {
	db *DB
}

// NewJobStore returns a job store over db
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

// CreateJob inserts a job and reports false when a job for the same envelope
// already exists
func (s *JobStore) CreateJob(ctx context.Context, job *models.RelayJob) (bool, error) {
	query := `
		INSERT INTO relay_jobs (id, envelope_hash, envelope, source_chain_id, target_chain_id,
			origin_tx_hash, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)
		ON CONFLICT (envelope_hash) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		job.ID, job.EnvelopeHash, job.Envelope, job.SourceChainID, job.TargetChainID,
		job.OriginTxHash, job.Status, job.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to create job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create job: %w", err)
	}
	return n == 1, nil
}

// GetJob retrieves a job by ID
func (s *JobStore) GetJob(ctx context.Context, id string) (*models.RelayJob, error) {
	return s.getJob(ctx, `SELECT `+jobColumns+` FROM relay_jobs WHERE id = $1`, id)
}

// GetJobByEnvelopeHash retrieves the job relaying an envelope
func (s *JobStore) GetJobByEnvelopeHash(ctx context.Context, hash string) (*models.RelayJob, error) {
	return s.getJob(ctx, `SELECT `+jobColumns+` FROM relay_jobs WHERE envelope_hash = $1`, hash)
}

func (s *JobStore) getJob(ctx context.Context, query string, arg string) (*models.RelayJob, error) {
	var job models.RelayJob
	if err := s.db.GetContext(ctx, &job, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// GetJobsByStatus lists jobs in any of the given statuses, oldest first
func (s *JobStore) GetJobsByStatus(ctx context.Context, statuses []models.JobStatus, limit int) ([]models.RelayJob, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	query := `SELECT ` + jobColumns + ` FROM relay_jobs WHERE status = ANY($1) ORDER BY created_at LIMIT $2`

	var jobs []models.RelayJob
	if err := s.db.SelectContext(ctx, &jobs, query, pq.Array(names), limit); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJob writes the mutable columns of job
func (s *JobStore) UpdateJob(ctx context.Context, job *models.RelayJob) error {
	query := `
		UPDATE relay_jobs
		SET status = $1, locked_fee = $2, used_fee = $3, delivery_tx_hash = $4,
			error_message = $5, retry_count = $6, updated_at = $7
		WHERE id = $8`

	job.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query,
		job.Status, job.LockedFee, job.UsedFee, job.DeliveryTxHash,
		job.ErrorMessage, job.RetryCount, job.UpdatedAt, job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	return nil
}

// UpsertIssuedAsset records an issued asset address
func (s *JobStore) UpsertIssuedAsset(ctx context.Context, a *models.IssuedAsset) error {
	query := `
		INSERT INTO issued_assets (chain_id, bridge, kind, origin_chain_id, origin_token, address,
			name, symbol, decimals, deployed, deploy_tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (chain_id, bridge, origin_chain_id, origin_token)
		DO UPDATE SET deployed = issued_assets.deployed OR EXCLUDED.deployed,
			deploy_tx_hash = COALESCE(EXCLUDED.deploy_tx_hash, issued_assets.deploy_tx_hash),
			name = EXCLUDED.name, symbol = EXCLUDED.symbol, decimals = EXCLUDED.decimals
		RETURNING id`

	return s.db.QueryRowxContext(ctx, query,
		a.ChainID, a.Bridge, a.Kind, a.OriginChainID, a.OriginToken, a.Address,
		a.Name, a.Symbol, a.Decimals, a.Deployed, a.DeployTxHash,
	).Scan(&a.ID)
}

// GetIssuedAsset retrieves the issued asset for an origin token on a bridge
func (s *JobStore) GetIssuedAsset(ctx context.Context, chainID int64, bridge string, originChainID int64, originToken string) (*models.IssuedAsset, error) {
	query := `
		SELECT id, chain_id, bridge, kind, origin_chain_id, origin_token, address,
			name, symbol, decimals, deployed, deploy_tx_hash
		FROM issued_assets
		WHERE chain_id = $1 AND bridge = $2 AND origin_chain_id = $3 AND origin_token = $4`

	var a models.IssuedAsset
	if err := s.db.GetContext(ctx, &a, query, chainID, bridge, originChainID, originToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get issued asset: %w", err)
	}
	return &a, nil
}
