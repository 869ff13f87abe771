package chain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CallContext is the view a contract has of the transaction it runs in.
type CallContext struct {
	chain  *Chain
	tx     *txState
	origin common.Address
	caller common.Address
	self   common.Address
	value  *big.Int
	depth  int
}

// ChainID returns the id of the executing chain.
func (ctx *CallContext) ChainID() uint64 { return ctx.chain.id }

// Caller is the immediate caller (msg.sender).
func (ctx *CallContext) Caller() common.Address { return ctx.caller }

// Origin is the account that signed the transaction (tx.origin).
func (ctx *CallContext) Origin() common.Address { return ctx.origin }

// Self is the address of the executing contract.
func (ctx *CallContext) Self() common.Address { return ctx.self }

// Value returns a copy of the native value attached to this call.
func (ctx *CallContext) Value() *big.Int { return new(big.Int).Set(ctx.value) }

// Time is the block timestamp.
func (ctx *CallContext) Time() time.Time { return ctx.tx.time }

// BlockNumber is the number of the block the transaction is included in.
func (ctx *CallContext) BlockNumber() uint64 { return ctx.tx.block }

// TxHash is the hash of the enclosing transaction.
func (ctx *CallContext) TxHash() common.Hash { return ctx.tx.hash }

// Emit appends a log. Logs of a failed call are discarded.
func (ctx *CallContext) Emit(name string, data any) {
	ctx.tx.logs = append(ctx.tx.logs, Log{
		ChainID:     ctx.chain.id,
		Address:     ctx.self,
		Name:        name,
		Data:        data,
		TxHash:      ctx.tx.hash,
		BlockNumber: ctx.tx.block,
		Index:       uint(len(ctx.tx.logs)),
	})
}

// Journal records undo, run in reverse order if the current call fails.
// Contracts call it for every write to their own state.
func (ctx *CallContext) Journal(undo func()) {
	ctx.tx.journal = append(ctx.tx.journal, undo)
	ctx.tx.gas += gasWrite
}

// BalanceOf returns a copy of addr's native balance.
func (ctx *CallContext) BalanceOf(addr common.Address) *big.Int {
	return new(big.Int).Set(ctx.chain.balanceLocked(addr))
}

// CodeAt returns the code installed at addr, or nil.
func (ctx *CallContext) CodeAt(addr common.Address) any {
	return ctx.chain.code[addr]
}

// Deploy installs code at addr as part of the transaction.
func (ctx *CallContext) Deploy(addr common.Address, code any) error {
	c := ctx.chain
	if _, ok := c.code[addr]; ok {
		return ErrAddressInUse
	}
	c.code[addr] = code
	ctx.Journal(func() { delete(c.code, addr) })
	return nil
}

// Transfer moves native value from the executing contract to `to` without
// running any code at `to`.
func (ctx *CallContext) Transfer(to common.Address, amount *big.Int) error {
	return ctx.chain.moveLocked(ctx.tx, ctx.self, to, amountOf(amount))
}

// Call invokes the contract at `to` with input, attaching value. An address
// without a calldata handler only receives the value. A failed call rolls back
// its own writes, value and logs, and returns the error.
func (ctx *CallContext) Call(to common.Address, value *big.Int, input []byte) ([]byte, error) {
	var out []byte
	err := ctx.Exec(to, value, func(sub *CallContext) error {
		var err error
		out, err = sub.invoke(input)
		return err
	})
	ctx.tx.gas += uint64(len(input)) * gasByte
	return out, err
}

// Exec runs fn as a nested call from the executing contract to `to`.
func (ctx *CallContext) Exec(to common.Address, value *big.Int, fn func(sub *CallContext) error) error {
	if ctx.depth+1 > MaxCallDepth {
		return ErrCallDepth
	}
	mark := ctx.tx.mark()
	sub := &CallContext{
		chain:  ctx.chain,
		tx:     ctx.tx,
		origin: ctx.origin,
		caller: ctx.self,
		self:   to,
		value:  amountOf(value),
		depth:  ctx.depth + 1,
	}
	if err := ctx.chain.moveLocked(ctx.tx, ctx.self, to, sub.value); err != nil {
		return err
	}
	if err := fn(sub); err != nil {
		ctx.tx.rollback(mark)
		return err
	}
	return nil
}

func (ctx *CallContext) invoke(input []byte) ([]byte, error) {
	contract, ok := ctx.chain.code[ctx.self].(Contract)
	if !ok {
		return nil, nil
	}
	return contract.Invoke(ctx, input)
}

// At returns the code at addr as a T.
func At[T any](c *Chain, addr common.Address) (T, bool) {
	v, ok := c.Code(addr).(T)
	return v, ok
}

// CodeAs returns the code at addr as a T from inside a transaction.
func CodeAs[T any](ctx *CallContext, addr common.Address) (T, bool) {
	v, ok := ctx.CodeAt(addr).(T)
	return v, ok
}
