// Package hub implements the ledger that accounts for prepaid relay fees
// and drives every cross-chain transaction through
// NonExistent -> Pending -> Executed -> Completed.
package hub

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"yar/internal/auth"
	"yar/internal/envelope"
	"yar/internal/events"
	"yar/internal/metrics"
	"yar/internal/revert"
)

var (
	ErrOnlyRelayer           = revert.New(revert.KindUnauthorized, "only relayer")
	ErrNotPending            = revert.New(revert.KindStateMachine, "not pending")
	ErrNotExecuted           = revert.New(revert.KindStateMachine, "not executed")
	ErrInsufficientBalance   = revert.New(revert.KindInsufficientFunds, "balance!")
	ErrInsufficientAllowance = revert.New(revert.KindInsufficientFunds, "allowance!")
	ErrUsedFeeExceedsLocked  = revert.New(revert.KindValidation, "usedFee > lockedFee")
	ErrInvalidAmount         = revert.New(revert.KindValidation, "amount!")
)

// Config holds the hub's identity.
type Config struct {
	// ChainID and Address identify the hub in emitted events.
	ChainID uint64
	Address common.Address
}

// Hub is the fee ledger and transaction registry.
type Hub struct {
	cfg      Config
	store    Store
	relayers auth.Authorizer
	logger   *zap.Logger
	now      func() time.Time

	seq  atomic.Uint64
	feed event.Feed
}

// New creates a hub over store. Only addresses accepted by relayers may
// call its mutating operations.
func New(cfg Config, store Store, relayers auth.Authorizer, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		store:    store,
		relayers: relayers,
		logger:   logger.Named("hub"),
		now:      time.Now,
	}
}

// ChainID returns the chain the hub reports in its events.
func (h *Hub) ChainID() uint64 { return h.cfg.ChainID }

// Address returns the address the hub reports in its events.
func (h *Hub) Address() common.Address { return h.cfg.Address }

// SubscribeEvents delivers every committed hub event to ch.
func (h *Hub) SubscribeEvents(ch chan<- events.Record) event.Subscription {
	return h.feed.Subscribe(ch)
}

// BalanceOf returns user's deposit balance.
func (h *Hub) BalanceOf(ctx context.Context, user common.Address) (*big.Int, error) {
	return h.store.Balance(ctx, user)
}

// AllowanceOf returns how much spender may lock from owner's balance for
// envelopes that originate on chainID.
func (h *Hub) AllowanceOf(ctx context.Context, owner common.Address, chainID uint64, spender common.Address) (*big.Int, error) {
	return h.store.Allowance(ctx, owner, chainID, spender)
}

// Transaction returns the record of an envelope hash, or nil.
func (h *Hub) Transaction(ctx context.Context, hash common.Hash) (*Record, error) {
	return h.store.Record(ctx, hash)
}

// TransactionsByStatus lists records in status, oldest first.
func (h *Hub) TransactionsByStatus(ctx context.Context, status Status, limit int) ([]Record, error) {
	return h.store.RecordsByStatus(ctx, status, limit)
}

// Deposit credits user with amount.
func (h *Hub) Deposit(ctx context.Context, caller, user common.Address, amount *big.Int) error {
	if err := h.authorize(caller); err != nil {
		return h.fail("deposit", err)
	}
	if amount == nil || amount.Sign() <= 0 {
		return h.fail("deposit", ErrInvalidAmount)
	}
	err := h.store.Update(ctx, func(tx Tx) error {
		bal, err := tx.Balance(user)
		if err != nil {
			return err
		}
		return tx.SetBalance(user, bal.Add(bal, amount))
	})
	if err != nil {
		return h.fail("deposit", err)
	}

	h.logger.Info("Deposit credited",
		zap.String("user", user.Hex()),
		zap.String("amount", amount.String()))
	h.emit("deposit", events.NameDeposit, events.Deposit{User: user, Amount: new(big.Int).Set(amount)}, user.Bytes(), amount.Bytes())
	metrics.HubOperations.WithLabelValues("deposit", "ok").Inc()
	return nil
}

// Approve sets the allowance of spender over owner's balance for envelopes
// originating on chainID.
func (h *Hub) Approve(ctx context.Context, caller, owner common.Address, chainID uint64, spender common.Address, amount *big.Int) error {
	if err := h.authorize(caller); err != nil {
		return h.fail("approve", err)
	}
	if amount == nil || amount.Sign() < 0 {
		return h.fail("approve", ErrInvalidAmount)
	}
	err := h.store.Update(ctx, func(tx Tx) error {
		return tx.SetAllowance(owner, chainID, spender, amount)
	})
	if err != nil {
		return h.fail("approve", err)
	}

	h.logger.Info("Allowance set",
		zap.String("owner", owner.Hex()),
		zap.Uint64("chain_id", chainID),
		zap.String("spender", spender.Hex()),
		zap.String("amount", amount.String()))
	h.emit("approve", events.NameApprove, events.Approve{
		User:    owner,
		ChainID: chainID,
		App:     spender,
		Amount:  new(big.Int).Set(amount),
	}, owner.Bytes(), spender.Bytes(), amount.Bytes())
	metrics.HubOperations.WithLabelValues("approve", "ok").Inc()
	return nil
}

// CreateTransaction registers env as Pending. It is the deduplication point
// of the protocol: a second call for the same envelope fails with ErrDuplicate.
func (h *Hub) CreateTransaction(ctx context.Context, caller common.Address, env envelope.Envelope, originTxHash common.Hash) (common.Hash, error) {
	if err := h.authorize(caller); err != nil {
		return common.Hash{}, h.fail("create", err)
	}
	if err := env.Validate(); err != nil {
		return common.Hash{}, h.fail("create", err)
	}
	env = env.Clone()
	hash := env.Hash()
	now := h.now()

	err := h.store.Update(ctx, func(tx Tx) error {
		return tx.InsertRecord(Record{
			Hash:         hash,
			Envelope:     env,
			Status:       StatusPending,
			Payer:        env.PayerOrSender(),
			LockedFee:    new(big.Int),
			UsedFee:      new(big.Int),
			OriginTxHash: originTxHash,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	})
	if err != nil {
		return hash, h.fail("create", err)
	}

	h.logger.Info("Transaction created",
		zap.String("hash", hash.Hex()),
		zap.Uint64("initial_chain_id", env.InitialChainID),
		zap.Uint64("target_chain_id", env.TargetChainID),
		zap.Uint64("nonce", env.Nonce))
	h.emit("create", events.NameCreateTransaction, events.CreateTransaction{
		Envelope:     env,
		Hash:         hash,
		OriginTxHash: originTxHash,
	}, hash.Bytes())
	metrics.HubOperations.WithLabelValues("create", "ok").Inc()
	metrics.HubTransitions.WithLabelValues(StatusPending.String()).Inc()
	return hash, nil
}

// ExecuteTransaction locks feeToLock from the payer and moves the record to
// Executed. When the payer is not the sender, the lock also consumes the
// payer's allowance for the sender on the envelope's initial chain.
func (h *Hub) ExecuteTransaction(ctx context.Context, caller common.Address, env envelope.Envelope, feeToLock *big.Int) error {
	if err := h.authorize(caller); err != nil {
		return h.fail("execute", err)
	}
	if feeToLock == nil || feeToLock.Sign() < 0 {
		return h.fail("execute", ErrInvalidAmount)
	}
	hash := env.Hash()
	fee := new(big.Int).Set(feeToLock)

	err := h.store.Update(ctx, func(tx Tx) error {
		rec, err := tx.Record(hash)
		if err != nil {
			return err
		}
		if rec == nil || rec.Status != StatusPending {
			return ErrNotPending
		}

		if rec.Envelope.Sponsored() {
			allowance, err := tx.Allowance(rec.Payer, rec.Envelope.InitialChainID, rec.Envelope.Sender)
			if err != nil {
				return err
			}
			if allowance.Cmp(fee) < 0 {
				return ErrInsufficientAllowance
			}
			if !unlimited(allowance) {
				if err := tx.SetAllowance(rec.Payer, rec.Envelope.InitialChainID, rec.Envelope.Sender, allowance.Sub(allowance, fee)); err != nil {
					return err
				}
			}
			rec.ViaAllowance = true
		}

		balance, err := tx.Balance(rec.Payer)
		if err != nil {
			return err
		}
		if balance.Cmp(fee) < 0 {
			return ErrInsufficientBalance
		}
		if err := tx.SetBalance(rec.Payer, balance.Sub(balance, fee)); err != nil {
			return err
		}

		rec.Status = StatusExecuted
		rec.LockedFee = fee
		rec.UpdatedAt = h.now()
		return tx.TransitionRecord(*rec, StatusPending)
	})
	if err != nil {
		return h.fail("execute", err)
	}

	h.logger.Info("Transaction executed",
		zap.String("hash", hash.Hex()),
		zap.String("locked_fee", fee.String()))
	h.emit("execute", events.NameExecuteTransaction, events.ExecuteTransaction{
		Envelope:  env.Clone(),
		Hash:      hash,
		LockedFee: new(big.Int).Set(fee),
	}, hash.Bytes())
	metrics.HubOperations.WithLabelValues("execute", "ok").Inc()
	metrics.HubTransitions.WithLabelValues(StatusExecuted.String()).Inc()
	metrics.HubLockedFees.Add(toFloat(fee))
	return nil
}

// CompleteTransaction settles an executed record: usedFee is consumed and the
// rest of the locked fee is refunded to the payer.
func (h *Hub) CompleteTransaction(ctx context.Context, caller common.Address, env envelope.Envelope, deliveryTxHash common.Hash, usedFee *big.Int) (*events.CommitTransaction, error) {
	if err := h.authorize(caller); err != nil {
		return nil, h.fail("complete", err)
	}
	if usedFee == nil || usedFee.Sign() < 0 {
		return nil, h.fail("complete", ErrInvalidAmount)
	}
	hash := env.Hash()
	used := new(big.Int).Set(usedFee)
	var refund *big.Int

	err := h.store.Update(ctx, func(tx Tx) error {
		rec, err := tx.Record(hash)
		if err != nil {
			return err
		}
		if rec == nil || rec.Status != StatusExecuted {
			return ErrNotExecuted
		}
		if used.Cmp(rec.LockedFee) > 0 {
			return ErrUsedFeeExceedsLocked
		}
		refund = new(big.Int).Sub(rec.LockedFee, used)

		balance, err := tx.Balance(rec.Payer)
		if err != nil {
			return err
		}
		if err := tx.SetBalance(rec.Payer, balance.Add(balance, refund)); err != nil {
			return err
		}
		if rec.ViaAllowance && refund.Sign() > 0 {
			allowance, err := tx.Allowance(rec.Payer, rec.Envelope.InitialChainID, rec.Envelope.Sender)
			if err != nil {
				return err
			}
			if !unlimited(allowance) {
				if err := tx.SetAllowance(rec.Payer, rec.Envelope.InitialChainID, rec.Envelope.Sender, allowance.Add(allowance, refund)); err != nil {
					return err
				}
			}
		}

		rec.Status = StatusCompleted
		rec.UsedFee = used
		rec.DeliveryTxHash = deliveryTxHash
		rec.UpdatedAt = h.now()
		return tx.TransitionRecord(*rec, StatusExecuted)
	})
	if err != nil {
		return nil, h.fail("complete", err)
	}

	commit := &events.CommitTransaction{
		Envelope: env.Clone(),
		Hash:     hash,
		Status:   uint8(StatusCompleted),
		UsedFee:  used,
		Refund:   refund,
	}
	h.logger.Info("Transaction completed",
		zap.String("hash", hash.Hex()),
		zap.String("used_fee", used.String()),
		zap.String("refund", refund.String()),
		zap.String("delivery_tx", deliveryTxHash.Hex()))
	h.emit("complete", events.NameCommitTransaction, *commit, hash.Bytes())
	metrics.HubOperations.WithLabelValues("complete", "ok").Inc()
	metrics.HubTransitions.WithLabelValues(StatusCompleted.String()).Inc()
	metrics.HubUsedFees.Add(toFloat(used))
	return commit, nil
}

func (h *Hub) authorize(caller common.Address) error {
	if h.relayers == nil || !h.relayers.IsRelayer(caller) {
		return ErrOnlyRelayer
	}
	return nil
}

func (h *Hub) fail(op string, err error) error {
	metrics.HubOperations.WithLabelValues(op, revert.KindOf(err).String()).Inc()
	h.logger.Warn("Hub operation rejected", zap.String("operation", op), zap.Error(err))
	return err
}

// emit publishes a committed event. The pseudo transaction hash is derived
// from the operation, its key material, the wall clock and a sequence number.
func (h *Hub) emit(op, name string, payload any, key ...[]byte) {
	var seq [16]byte
	binary.BigEndian.PutUint64(seq[:8], uint64(h.now().UnixNano()))
	binary.BigEndian.PutUint64(seq[8:], h.seq.Add(1))
	parts := append([][]byte{[]byte(op), seq[:]}, key...)
	txHash := crypto.Keccak256Hash(parts...)

	rec, err := events.NewRecord(h.cfg.ChainID, h.cfg.Address, name, txHash, 0, payload)
	if err != nil {
		h.logger.Error("Failed to encode hub event", zap.String("event", name), zap.Error(err))
		return
	}
	h.feed.Send(rec)
}

func unlimited(allowance *big.Int) bool {
	return allowance.Cmp(math.MaxBig256) == 0
}

func toFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// String renders a record for logs.
func (r Record) String() string {
	return fmt.Sprintf("record{%s %s locked=%s used=%s}", r.Hash.Hex(), r.Status, r.LockedFee, r.UsedFee)
}
