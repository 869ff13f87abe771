// Package relayer ferries envelopes from origin chains through the fee hub
// to their destination: create, execute with a locked fee, deliver, then
// complete with the fee actually used.
package relayer

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"yar/internal/envelope"
	"yar/internal/hub"
	"yar/internal/revert"
)

const (
	DefaultPollInterval = 5 * time.Second
	MaxRetries          = 3
	BaseRetryDelay      = 500 * time.Millisecond
	StepTimeout         = 30 * time.Second
	DedupCacheSize      = 8192
	ReadyQueueSize      = 256
)

// ErrUnderfunded parks a job whose payer cannot lock the delivery fee. The
// job is picked up again once the payer deposits or is approved.
var ErrUnderfunded = revert.New(revert.KindInsufficientFunds, "payer cannot cover delivery fee")

// HubBackend is the fee hub as seen by the relayer.
type HubBackend interface {
	Deposit(ctx context.Context, user common.Address, amount *big.Int) error
	Approve(ctx context.Context, owner common.Address, chainID uint64, spender common.Address, amount *big.Int) error
	CreateTransaction(ctx context.Context, env envelope.Envelope, originTxHash common.Hash) error
	ExecuteTransaction(ctx context.Context, env envelope.Envelope, feeToLock *big.Int) error
	CompleteTransaction(ctx context.Context, env envelope.Envelope, deliveryTxHash common.Hash, usedFee *big.Int) error
	// Transaction returns nil, nil for an unknown envelope.
	Transaction(ctx context.Context, hash common.Hash) (*hub.Record, error)
	TransactionsByStatus(ctx context.Context, status hub.Status, limit int) ([]hub.Record, error)
	BalanceOf(ctx context.Context, user common.Address) (*big.Int, error)
	AllowanceOf(ctx context.Context, owner common.Address, chainID uint64, spender common.Address) (*big.Int, error)
}

// Delivery is the outcome of a delivery transaction.
type Delivery struct {
	TxHash  common.Hash
	GasUsed uint64
	// CallErr is set when the value was delivered but the target call failed.
	CallErr error
}

// Destination delivers envelopes on one chain.
type Destination interface {
	ChainID() uint64
	Deliver(ctx context.Context, env envelope.Envelope) (*Delivery, error)
	// Delivery looks up a past delivery transaction; nil, nil while unknown.
	Delivery(ctx context.Context, txHash common.Hash) (*Delivery, error)
}

// LocalHub adapts an in-process hub, calling it as relayer.
type LocalHub struct {
	Hub     *hub.Hub
	Relayer common.Address
}

func (l LocalHub) Deposit(ctx context.Context, user common.Address, amount *big.Int) error {
	return l.Hub.Deposit(ctx, l.Relayer, user, amount)
}

func (l LocalHub) Approve(ctx context.Context, owner common.Address, chainID uint64, spender common.Address, amount *big.Int) error {
	return l.Hub.Approve(ctx, l.Relayer, owner, chainID, spender, amount)
}

func (l LocalHub) CreateTransaction(ctx context.Context, env envelope.Envelope, originTxHash common.Hash) error {
	_, err := l.Hub.CreateTransaction(ctx, l.Relayer, env, originTxHash)
	return err
}

func (l LocalHub) ExecuteTransaction(ctx context.Context, env envelope.Envelope, feeToLock *big.Int) error {
	return l.Hub.ExecuteTransaction(ctx, l.Relayer, env, feeToLock)
}

func (l LocalHub) CompleteTransaction(ctx context.Context, env envelope.Envelope, deliveryTxHash common.Hash, usedFee *big.Int) error {
	_, err := l.Hub.CompleteTransaction(ctx, l.Relayer, env, deliveryTxHash, usedFee)
	return err
}

func (l LocalHub) Transaction(ctx context.Context, hash common.Hash) (*hub.Record, error) {
	return l.Hub.Transaction(ctx, hash)
}

func (l LocalHub) TransactionsByStatus(ctx context.Context, status hub.Status, limit int) ([]hub.Record, error) {
	return l.Hub.TransactionsByStatus(ctx, status, limit)
}

func (l LocalHub) BalanceOf(ctx context.Context, user common.Address) (*big.Int, error) {
	return l.Hub.BalanceOf(ctx, user)
}

func (l LocalHub) AllowanceOf(ctx context.Context, owner common.Address, chainID uint64, spender common.Address) (*big.Int, error) {
	return l.Hub.AllowanceOf(ctx, owner, chainID, spender)
}
