// Package chain is a deterministic, single-writer execution environment for
// the Yar contracts. A Chain orders transactions sequentially, moves native
// value, journals contract writes so failed calls roll back, and publishes
// the logs of committed transactions on an event feed.
package chain

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"

	"yar/internal/revert"
)

const (
	// MaxCallDepth bounds nested calls within one transaction.
	MaxCallDepth = 64

	ReceiptStatusFailed     = uint64(0)
	ReceiptStatusSuccessful = uint64(1)

	// Gas schedule of the simulated meter.
	gasTx    = 21_000
	gasWrite = 5_000
	gasLog   = 375
	gasByte  = 16
)

var (
	ErrInsufficientBalance = revert.New(revert.KindInsufficientFunds, "insufficient balance")
	ErrAddressInUse        = revert.New(revert.KindValidation, "address in use")
	ErrCallDepth           = revert.New(revert.KindValidation, "call depth")
	ErrNegativeValue       = revert.New(revert.KindValidation, "negative value")
	ErrContractPanic       = revert.New(revert.KindUnknown, "contract panicked")
)

// Contract is implemented by code that handles raw calldata.
type Contract interface {
	Invoke(ctx *CallContext, input []byte) ([]byte, error)
}

// Log is an event emitted by a contract in a committed transaction.
type Log struct {
	ChainID     uint64
	Address     common.Address
	Name        string
	Data        any
	TxHash      common.Hash
	BlockNumber uint64
	Index       uint
}

// Receipt describes the outcome of a transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Status      uint64
	GasUsed     uint64
	Logs        []Log
	Err         error
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock overrides the block timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(c *Chain) { c.clock = clock }
}

// Chain is a sequentially ordered ledger of native balances and contracts.
type Chain struct {
	id    uint64
	clock func() time.Time

	mu       sync.Mutex
	balances map[common.Address]*big.Int
	code     map[common.Address]any
	height   uint64
	receipts map[common.Hash]*Receipt

	sendMu sync.Mutex
	feed   event.Feed
}

// New creates an empty chain with the given id.
func New(id uint64, opts ...Option) *Chain {
	c := &Chain{
		id:       id,
		clock:    time.Now,
		balances: make(map[common.Address]*big.Int),
		code:     make(map[common.Address]any),
		receipts: make(map[common.Hash]*Receipt),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the chain id.
func (c *Chain) ID() uint64 { return c.id }

// Height returns the number of the last block.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// Fund credits addr out of thin air. It is the genesis allocation.
func (c *Chain) Fund(addr common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balanceLocked(addr).Add(c.balanceLocked(addr), amount)
}

// Deploy installs code at addr outside of any transaction.
func (c *Chain) Deploy(addr common.Address, code any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.code[addr]; ok {
		return ErrAddressInUse
	}
	c.code[addr] = code
	return nil
}

// Code returns the code installed at addr, or nil.
func (c *Chain) Code(addr common.Address) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code[addr]
}

// Balance returns a copy of addr's native balance.
func (c *Chain) Balance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balanceLocked(addr))
}

// Receipt returns the receipt of a transaction, or nil when unknown.
func (c *Chain) Receipt(hash common.Hash) *Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts[hash]
}

// Read runs fn while holding the chain lock so it observes a consistent state.
func (c *Chain) Read(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// SubscribeLogs delivers the logs of every committed transaction to ch.
// Receivers must not wait on transactions of the same chain while a send is
// pending.
func (c *Chain) SubscribeLogs(ch chan<- Log) event.Subscription {
	return c.feed.Subscribe(ch)
}

// Transact runs fn as a transaction from `from` to `to`, moving value first.
// On error every write made during the transaction is rolled back and the
// returned receipt has a failed status.
func (c *Chain) Transact(from, to common.Address, value *big.Int, fn func(ctx *CallContext) error) (*Receipt, error) {
	c.mu.Lock()

	c.height++
	tx := &txState{
		hash:  c.txHash(from, to),
		block: c.height,
		time:  c.clock(),
	}
	ctx := &CallContext{chain: c, tx: tx, caller: from, self: to, value: amountOf(value), origin: from}

	err := c.moveLocked(tx, from, to, ctx.value)
	if err == nil {
		err = run(ctx, fn)
	}

	receipt := &Receipt{
		TxHash:      tx.hash,
		BlockNumber: tx.block,
		GasUsed:     tx.gas,
	}
	if err != nil {
		tx.rollback(txMark{})
		receipt.Status = ReceiptStatusFailed
		receipt.Err = err
	} else {
		receipt.Status = ReceiptStatusSuccessful
		receipt.Logs = tx.logs
	}
	receipt.GasUsed += gasTx + uint64(len(tx.logs))*gasLog
	c.receipts[tx.hash] = receipt

	c.sendMu.Lock()
	c.mu.Unlock()
	for _, l := range receipt.Logs {
		c.feed.Send(l)
	}
	c.sendMu.Unlock()

	return receipt, err
}

// run calls fn, reverting a panic into an error so the transaction fails and
// the chain stays usable.
func run(ctx *CallContext, fn func(ctx *CallContext) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrContractPanic, r)
		}
	}()
	return fn(ctx)
}

// Call sends input to the contract at `to`. Addresses without code accept the
// value and succeed.
func (c *Chain) Call(from, to common.Address, value *big.Int, input []byte) (*Receipt, []byte, error) {
	var out []byte
	receipt, err := c.Transact(from, to, value, func(ctx *CallContext) error {
		var err error
		out, err = ctx.invoke(input)
		return err
	})
	return receipt, out, err
}

func (c *Chain) txHash(from, to common.Address) common.Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], c.id)
	binary.BigEndian.PutUint64(buf[8:], c.height)
	return crypto.Keccak256Hash(buf[:], from.Bytes(), to.Bytes())
}

func (c *Chain) balanceLocked(addr common.Address) *big.Int {
	b, ok := c.balances[addr]
	if !ok {
		b = new(big.Int)
		c.balances[addr] = b
	}
	return b
}

func (c *Chain) moveLocked(tx *txState, from, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrNegativeValue
	}
	src := c.balanceLocked(from)
	if src.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	dst := c.balanceLocked(to)
	moved := new(big.Int).Set(amount)
	src.Sub(src, moved)
	dst.Add(dst, moved)
	tx.journal = append(tx.journal, func() {
		dst.Sub(dst, moved)
		src.Add(src, moved)
	})
	return nil
}

type txState struct {
	hash    common.Hash
	block   uint64
	time    time.Time
	logs    []Log
	journal []func()
	gas     uint64
}

type txMark struct {
	logs    int
	journal int
}

func (tx *txState) mark() txMark {
	return txMark{logs: len(tx.logs), journal: len(tx.journal)}
}

func (tx *txState) rollback(m txMark) {
	for i := len(tx.journal) - 1; i >= m.journal; i-- {
		tx.journal[i]()
	}
	tx.journal = tx.journal[:m.journal]
	tx.logs = tx.logs[:m.logs]
}

func amountOf(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
