package token

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"yar/internal/chain"
)

type balanceKey struct {
	id    string
	owner common.Address
}

// ERC1155 is a multi-token.
type ERC1155 struct {
	meta   Metadata
	minter common.Address

	balances  map[balanceKey]*big.Int
	operators map[[2]common.Address]bool
}

// NewERC1155 creates a multi-token.
func NewERC1155(meta Metadata, minter common.Address) *ERC1155 {
	return &ERC1155{
		meta:      meta,
		minter:    minter,
		balances:  make(map[balanceKey]*big.Int),
		operators: make(map[[2]common.Address]bool),
	}
}

// Metadata returns the token's name and symbol.
func (t *ERC1155) Metadata() Metadata { return t.meta }

// Minter returns the account allowed to mint and burn.
func (t *ERC1155) Minter() common.Address { return t.minter }

// BalanceOf returns owner's balance of id.
func (t *ERC1155) BalanceOf(owner common.Address, id *big.Int) *big.Int {
	return new(big.Int).Set(get(t.balances, balanceKey{id.String(), owner}))
}

// IsApprovedForAll reports whether operator manages owner's balances.
func (t *ERC1155) IsApprovedForAll(owner, operator common.Address) bool {
	return t.operators[[2]common.Address{owner, operator}]
}

// SetApprovalForAll lets operator move every balance of the caller.
func (t *ERC1155) SetApprovalForAll(ctx *chain.CallContext, operator common.Address, approved bool) error {
	setOperator(ctx, t.operators, [2]common.Address{ctx.Caller(), operator}, approved)
	ctx.Emit(EventApprovalForAll, ApprovalForAll{Owner: ctx.Caller(), Operator: operator, Approved: approved})
	return nil
}

// SafeBatchTransferFrom moves amounts[i] of ids[i] from from to to.
func (t *ERC1155) SafeBatchTransferFrom(ctx *chain.CallContext, from, to common.Address, ids, amounts []*big.Int) error {
	if ctx.Caller() != from && !t.IsApprovedForAll(from, ctx.Caller()) {
		return ErrNotAuthorized
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if err := t.apply(ctx, from, ids, amounts, false); err != nil {
		return err
	}
	if err := t.apply(ctx, to, ids, amounts, true); err != nil {
		return err
	}
	t.emit(ctx, from, to, ids, amounts)
	return nil
}

// SafeTransferFrom moves amount of id from from to to.
func (t *ERC1155) SafeTransferFrom(ctx *chain.CallContext, from, to common.Address, id, amount *big.Int) error {
	return t.SafeBatchTransferFrom(ctx, from, to, []*big.Int{id}, []*big.Int{amount})
}

// MintBatch creates balances for to. Minter-only.
func (t *ERC1155) MintBatch(ctx *chain.CallContext, to common.Address, ids, amounts []*big.Int) error {
	if ctx.Caller() != t.minter || t.minter == (common.Address{}) {
		return ErrOnlyMinter
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if err := t.apply(ctx, to, ids, amounts, true); err != nil {
		return err
	}
	t.emit(ctx, common.Address{}, to, ids, amounts)
	return nil
}

// BurnBatch destroys balances held by from. Minter-only.
func (t *ERC1155) BurnBatch(ctx *chain.CallContext, from common.Address, ids, amounts []*big.Int) error {
	if ctx.Caller() != t.minter || t.minter == (common.Address{}) {
		return ErrOnlyMinter
	}
	if err := t.apply(ctx, from, ids, amounts, false); err != nil {
		return err
	}
	t.emit(ctx, from, common.Address{}, ids, amounts)
	return nil
}

func (t *ERC1155) apply(ctx *chain.CallContext, owner common.Address, ids, amounts []*big.Int, credit bool) error {
	if len(ids) != len(amounts) {
		return ErrLengthMismatch
	}
	for i, id := range ids {
		amount := amounts[i]
		if id == nil || amount == nil || amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		key := balanceKey{id.String(), owner}
		bal := get(t.balances, key)
		if credit {
			set(ctx, t.balances, key, new(big.Int).Add(bal, amount))
			continue
		}
		if bal.Cmp(amount) < 0 {
			return ErrInsufficientBalance
		}
		set(ctx, t.balances, key, new(big.Int).Sub(bal, amount))
	}
	return nil
}

func (t *ERC1155) emit(ctx *chain.CallContext, from, to common.Address, ids, amounts []*big.Int) {
	ctx.Emit(EventTransferBatch, TransferBatch{
		Operator: ctx.Caller(),
		From:     from,
		To:       to,
		IDs:      copyInts(ids),
		Amounts:  copyInts(amounts),
	})
}

func copyInts(in []*big.Int) []*big.Int {
	out := make([]*big.Int, len(in))
	for i, v := range in {
		out[i] = new(big.Int).Set(v)
	}
	return out
}
