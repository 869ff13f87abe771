package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"

	"yar/internal/envelope"
	"yar/internal/hub"
	"yar/internal/models"
)

const (
	selectBalance   = `SELECT amount::text FROM hub_balances WHERE user_address = $1`
	selectAllowance = `SELECT amount::text FROM hub_allowances WHERE owner = $1 AND chain_id = $2 AND spender = $3`

	// ensureBalance and ensureAllowance materialise the row before it is
	// locked. FOR UPDATE locks nothing on a missing row, and a concurrent
	// first credit would otherwise overwrite this one.
	ensureBalance = `
		INSERT INTO hub_balances (user_address, amount) VALUES ($1, 0)
		ON CONFLICT (user_address) DO NOTHING`
	ensureAllowance = `
		INSERT INTO hub_allowances (owner, chain_id, spender, amount) VALUES ($1, $2, $3, 0)
		ON CONFLICT (owner, chain_id, spender) DO NOTHING`

	upsertBalance = `
		INSERT INTO hub_balances (user_address, amount) VALUES ($1, $2)
		ON CONFLICT (user_address) DO UPDATE SET amount = EXCLUDED.amount`
	upsertAllowance = `
		INSERT INTO hub_allowances (owner, chain_id, spender, amount) VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner, chain_id, spender) DO UPDATE SET amount = EXCLUDED.amount`

	recordColumns = `hash, envelope, status, payer, locked_fee::text AS locked_fee, used_fee::text AS used_fee,
		via_allowance, origin_tx_hash, delivery_tx_hash, created_at, updated_at`

	insertRecord = `
		INSERT INTO hub_transactions (hash, envelope, status, payer, locked_fee, used_fee,
			via_allowance, origin_tx_hash, delivery_tx_hash, created_at, updated_at)
		VALUES (:hash, :envelope, :status, :payer, :locked_fee, :used_fee,
			:via_allowance, :origin_tx_hash, :delivery_tx_hash, :created_at, :updated_at)
		ON CONFLICT (hash) DO NOTHING`
	transitionRecord = `
		UPDATE hub_transactions SET status = $1, payer = $2, locked_fee = $3, used_fee = $4,
			via_allowance = $5, delivery_tx_hash = $6, updated_at = $7
		WHERE hash = $8 AND status = $9`
)

// HubStore is a hub.Store on PostgreSQL. Rows read inside Update are created
// if missing and locked with FOR UPDATE so concurrent relayers serialise on
// the same payer.
type HubStore struct {
	db *DB
}

// NewHubStore returns a store over db. Call db.Migrate first.
func NewHubStore(db *DB) *HubStore {
	return &HubStore{db: db}
}

func (s *HubStore) Balance(ctx context.Context, user common.Address) (*big.Int, error) {
	return getAmount(ctx, s.db, selectBalance, user.Hex())
}

func (s *HubStore) Allowance(ctx context.Context, owner common.Address, chainID uint64, spender common.Address) (*big.Int, error) {
	id, err := models.ChainID(chainID)
	if err != nil {
		return nil, err
	}
	return getAmount(ctx, s.db, selectAllowance, owner.Hex(), id, spender.Hex())
}

func (s *HubStore) Record(ctx context.Context, hash common.Hash) (*hub.Record, error) {
	return getRecord(ctx, s.db, `SELECT `+recordColumns+` FROM hub_transactions WHERE hash = $1`, hash.Hex())
}

func (s *HubStore) RecordsByStatus(ctx context.Context, status hub.Status, limit int) ([]hub.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM hub_transactions WHERE status = $1 ORDER BY created_at, hash`
	args := []any{int16(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []models.HubTransaction
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	out := make([]hub.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *HubStore) Update(ctx context.Context, fn func(tx hub.Tx) error) error {
	return s.db.InTransaction(ctx, func(tx *sqlx.Tx) error {
		return fn(&sqlTx{ctx: ctx, tx: tx})
	})
}

type sqlTx struct {
	ctx context.Context
	tx  *sqlx.Tx
}

func (t *sqlTx) Balance(user common.Address) (*big.Int, error) {
	if _, err := t.tx.ExecContext(t.ctx, ensureBalance, user.Hex()); err != nil {
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}
	return getAmount(t.ctx, t.tx, selectBalance+` FOR UPDATE`, user.Hex())
}

func (t *sqlTx) SetBalance(user common.Address, amount *big.Int) error {
	if _, err := t.tx.ExecContext(t.ctx, upsertBalance, user.Hex(), amount.String()); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (t *sqlTx) Allowance(owner common.Address, chainID uint64, spender common.Address) (*big.Int, error) {
	id, err := models.ChainID(chainID)
	if err != nil {
		return nil, err
	}
	if _, err := t.tx.ExecContext(t.ctx, ensureAllowance, owner.Hex(), id, spender.Hex()); err != nil {
		return nil, fmt.Errorf("failed to lock allowance: %w", err)
	}
	return getAmount(t.ctx, t.tx, selectAllowance+` FOR UPDATE`, owner.Hex(), id, spender.Hex())
}

func (t *sqlTx) SetAllowance(owner common.Address, chainID uint64, spender common.Address, amount *big.Int) error {
	id, err := models.ChainID(chainID)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, upsertAllowance, owner.Hex(), id, spender.Hex(), amount.String()); err != nil {
		return fmt.Errorf("failed to update allowance: %w", err)
	}
	return nil
}

func (t *sqlTx) Record(hash common.Hash) (*hub.Record, error) {
	return getRecord(t.ctx, t.tx, `SELECT `+recordColumns+` FROM hub_transactions WHERE hash = $1 FOR UPDATE`, hash.Hex())
}

func (t *sqlTx) InsertRecord(rec hub.Record) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	res, err := t.tx.NamedExecContext(t.ctx, insertRecord, row)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	if n == 0 {
		return hub.ErrDuplicate
	}
	return nil
}

func (t *sqlTx) TransitionRecord(rec hub.Record, from hub.Status) error {
	res, err := t.tx.ExecContext(t.ctx, transitionRecord,
		int16(rec.Status), rec.Payer.Hex(), envelope.Amount(rec.LockedFee).String(), envelope.Amount(rec.UsedFee).String(),
		rec.ViaAllowance, hashText(rec.DeliveryTxHash), rec.UpdatedAt.UTC(),
		rec.Hash.Hex(), int16(from))
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n == 0 {
		return hub.ErrStatusConflict
	}
	return nil
}

func getAmount(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*big.Int, error) {
	var text string
	if err := sqlx.GetContext(ctx, q, &text, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("failed to read amount: %w", err)
	}
	return parseAmount(text)
}

func getRecord(ctx context.Context, q sqlx.QueryerContext, query string, hash string) (*hub.Record, error) {
	var row models.HubTransaction
	if err := sqlx.GetContext(ctx, q, &row, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	rec, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func parseAmount(text string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", text)
	}
	return v, nil
}

func hashText(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

func toRow(rec hub.Record) (models.HubTransaction, error) {
	env, err := json.Marshal(rec.Envelope)
	if err != nil {
		return models.HubTransaction{}, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return models.HubTransaction{
		Hash:           rec.Hash.Hex(),
		Envelope:       env,
		Status:         int16(rec.Status),
		Payer:          rec.Payer.Hex(),
		LockedFee:      envelope.Amount(rec.LockedFee).String(),
		UsedFee:        envelope.Amount(rec.UsedFee).String(),
		ViaAllowance:   rec.ViaAllowance,
		OriginTxHash:   hashText(rec.OriginTxHash),
		DeliveryTxHash: hashText(rec.DeliveryTxHash),
		CreatedAt:      rec.CreatedAt.UTC(),
		UpdatedAt:      rec.UpdatedAt.UTC(),
	}, nil
}

func fromRow(row models.HubTransaction) (hub.Record, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(row.Envelope, &env); err != nil {
		return hub.Record{}, fmt.Errorf("failed to decode envelope %s: %w", row.Hash, err)
	}
	locked, err := parseAmount(row.LockedFee)
	if err != nil {
		return hub.Record{}, err
	}
	used, err := parseAmount(row.UsedFee)
	if err != nil {
		return hub.Record{}, err
	}
	return hub.Record{
		Hash:           common.HexToHash(row.Hash),
		Envelope:       env,
		Status:         hub.Status(row.Status),
		Payer:          common.HexToAddress(row.Payer),
		LockedFee:      locked,
		UsedFee:        used,
		ViaAllowance:   row.ViaAllowance,
		OriginTxHash:   common.HexToHash(row.OriginTxHash),
		DeliveryTxHash: common.HexToHash(row.DeliveryTxHash),
		CreatedAt:      row.CreatedAt.In(time.UTC),
		UpdatedAt:      row.UpdatedAt.In(time.UTC),
	}, nil
}
