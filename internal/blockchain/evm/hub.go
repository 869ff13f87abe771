package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"yar/internal/envelope"
	"yar/internal/hub"
	"yar/internal/revert"
)

var hubReverts = []*revert.Error{
	hub.ErrOnlyRelayer,
	hub.ErrNotPending,
	hub.ErrNotExecuted,
	hub.ErrInsufficientBalance,
	hub.ErrInsufficientAllowance,
	hub.ErrUsedFeeExceedsLocked,
	hub.ErrInvalidAmount,
	hub.ErrDuplicate,
}

// HubContract calls a YarHub deployed on an EVM chain. Reverts come back as
// the hub package's sentinel errors.
type HubContract struct {
	client  *Client
	address common.Address
	logger  *zap.Logger
}

// NewHubContract binds the hub at address
func NewHubContract(client *Client, address common.Address, logger *zap.Logger) *HubContract {
	return &HubContract{
		client:  client,
		address: address,
		logger:  logger.With(zap.String("hub", address.Hex())),
	}
}

func (h *HubContract) transact(ctx context.Context, method string, args ...any) error {
	data, err := hubABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method, err)
	}
	if _, err := h.client.SendAndWait(ctx, h.address, data, nil); err != nil {
		return mapRevert(err, hubReverts)
	}
	return nil
}

func (h *HubContract) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := hubABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := h.client.Call(ctx, h.address, data)
	if err != nil {
		return nil, mapRevert(err, hubReverts)
	}
	vals, err := hubABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return vals, nil
}

func (h *HubContract) Deposit(ctx context.Context, user common.Address, amount *big.Int) error {
	return h.transact(ctx, "deposit", user, amount)
}

func (h *HubContract) Approve(ctx context.Context, owner common.Address, chainID uint64, spender common.Address, amount *big.Int) error {
	return h.transact(ctx, "approve", owner, new(big.Int).SetUint64(chainID), spender, amount)
}

func (h *HubContract) CreateTransaction(ctx context.Context, env envelope.Envelope, originTxHash common.Hash) error {
	return h.transact(ctx, "createTransaction", env.Tuple(), originTxHash)
}

func (h *HubContract) ExecuteTransaction(ctx context.Context, env envelope.Envelope, feeToLock *big.Int) error {
	return h.transact(ctx, "executeTransaction", env.Tuple(), feeToLock)
}

func (h *HubContract) CompleteTransaction(ctx context.Context, env envelope.Envelope, deliveryTxHash common.Hash, usedFee *big.Int) error {
	return h.transact(ctx, "completeTransaction", env.Tuple(), deliveryTxHash, usedFee)
}

// Transaction reads a record. The contract stores no envelope, so the
// returned record's Envelope is empty.
func (h *HubContract) Transaction(ctx context.Context, hash common.Hash) (*hub.Record, error) {
	vals, err := h.call(ctx, "transactions", hash)
	if err != nil {
		return nil, err
	}
	status := hub.Status(vals[0].(uint8))
	if status == hub.StatusNonExistent {
		return nil, nil
	}
	return &hub.Record{
		Hash:           hash,
		Status:         status,
		Payer:          vals[1].(common.Address),
		LockedFee:      vals[2].(*big.Int),
		UsedFee:        vals[3].(*big.Int),
		OriginTxHash:   vals[4].([32]byte),
		DeliveryTxHash: vals[5].([32]byte),
		ViaAllowance:   vals[6].(bool),
	}, nil
}

// TransactionsByStatus returns nothing: the contract keeps no status index.
// Recovery of EVM hub records relies on the job store.
func (h *HubContract) TransactionsByStatus(context.Context, hub.Status, int) ([]hub.Record, error) {
	return nil, nil
}

func (h *HubContract) BalanceOf(ctx context.Context, user common.Address) (*big.Int, error) {
	vals, err := h.call(ctx, "balanceOf", user)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

func (h *HubContract) AllowanceOf(ctx context.Context, owner common.Address, chainID uint64, spender common.Address) (*big.Int, error) {
	vals, err := h.call(ctx, "allowance", owner, new(big.Int).SetUint64(chainID), spender)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}
