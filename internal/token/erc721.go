package token

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"yar/internal/chain"
)

// ERC721 is a non-fungible token.
type ERC721 struct {
	meta   Metadata
	minter common.Address

	owners    map[string]common.Address
	approvals map[string]common.Address
	balances  map[common.Address]*big.Int
	operators map[[2]common.Address]bool
}

// NewERC721 creates a collection.
func NewERC721(meta Metadata, minter common.Address) *ERC721 {
	return &ERC721{
		meta:      meta,
		minter:    minter,
		owners:    make(map[string]common.Address),
		approvals: make(map[string]common.Address),
		balances:  make(map[common.Address]*big.Int),
		operators: make(map[[2]common.Address]bool),
	}
}

// Metadata returns the collection's name and symbol.
func (t *ERC721) Metadata() Metadata { return t.meta }

// Minter returns the account allowed to mint and burn.
func (t *ERC721) Minter() common.Address { return t.minter }

// OwnerOf returns the owner of id, or the zero address.
func (t *ERC721) OwnerOf(id *big.Int) common.Address { return t.owners[id.String()] }

// BalanceOf returns how many tokens owner holds.
func (t *ERC721) BalanceOf(owner common.Address) *big.Int {
	return new(big.Int).Set(get(t.balances, owner))
}

// GetApproved returns the account approved for id.
func (t *ERC721) GetApproved(id *big.Int) common.Address { return t.approvals[id.String()] }

// IsApprovedForAll reports whether operator manages all of owner's tokens.
func (t *ERC721) IsApprovedForAll(owner, operator common.Address) bool {
	return t.operators[[2]common.Address{owner, operator}]
}

// Approve lets spender move id.
func (t *ERC721) Approve(ctx *chain.CallContext, spender common.Address, id *big.Int) error {
	owner := t.OwnerOf(id)
	if owner == (common.Address{}) {
		return ErrNonexistentToken
	}
	if ctx.Caller() != owner && !t.IsApprovedForAll(owner, ctx.Caller()) {
		return ErrNotAuthorized
	}
	t.setApproval(ctx, id.String(), spender)
	ctx.Emit(EventApproval, Approval{Owner: owner, Spender: spender, ID: new(big.Int).Set(id)})
	return nil
}

// SetApprovalForAll lets operator move every token of the caller.
func (t *ERC721) SetApprovalForAll(ctx *chain.CallContext, operator common.Address, approved bool) error {
	setOperator(ctx, t.operators, [2]common.Address{ctx.Caller(), operator}, approved)
	ctx.Emit(EventApprovalForAll, ApprovalForAll{Owner: ctx.Caller(), Operator: operator, Approved: approved})
	return nil
}

// TransferFrom moves id from from to to. The caller must own id or be
// approved for it.
func (t *ERC721) TransferFrom(ctx *chain.CallContext, from, to common.Address, id *big.Int) error {
	owner := t.OwnerOf(id)
	if owner == (common.Address{}) {
		return ErrNonexistentToken
	}
	if owner != from {
		return ErrNotAuthorized
	}
	caller := ctx.Caller()
	if caller != owner && t.GetApproved(id) != caller && !t.IsApprovedForAll(owner, caller) {
		return ErrNotAuthorized
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	t.setApproval(ctx, id.String(), common.Address{})
	t.setOwner(ctx, id, to)
	ctx.Emit(EventTransfer, Transfer{From: from, To: to, ID: new(big.Int).Set(id)})
	return nil
}

// Mint creates id for to. Minter-only.
func (t *ERC721) Mint(ctx *chain.CallContext, to common.Address, id *big.Int) error {
	if ctx.Caller() != t.minter || t.minter == (common.Address{}) {
		return ErrOnlyMinter
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if t.OwnerOf(id) != (common.Address{}) {
		return ErrTokenExists
	}
	t.setOwner(ctx, id, to)
	ctx.Emit(EventTransfer, Transfer{To: to, ID: new(big.Int).Set(id)})
	return nil
}

// Burn destroys id, which from must hold. Minter-only.
func (t *ERC721) Burn(ctx *chain.CallContext, from common.Address, id *big.Int) error {
	if ctx.Caller() != t.minter || t.minter == (common.Address{}) {
		return ErrOnlyMinter
	}
	owner := t.OwnerOf(id)
	if owner == (common.Address{}) {
		return ErrNonexistentToken
	}
	if owner != from {
		return ErrNotAuthorized
	}
	t.setApproval(ctx, id.String(), common.Address{})
	t.setOwner(ctx, id, common.Address{})
	ctx.Emit(EventTransfer, Transfer{From: from, ID: new(big.Int).Set(id)})
	return nil
}

// setOwner reassigns id and keeps balances in step.
func (t *ERC721) setOwner(ctx *chain.CallContext, id *big.Int, to common.Address) {
	key := id.String()
	prev := t.owners[key]
	if prev != (common.Address{}) {
		set(ctx, t.balances, prev, new(big.Int).Sub(get(t.balances, prev), big.NewInt(1)))
	}
	if to == (common.Address{}) {
		delete(t.owners, key)
	} else {
		t.owners[key] = to
		set(ctx, t.balances, to, new(big.Int).Add(get(t.balances, to), big.NewInt(1)))
	}
	ctx.Journal(func() {
		if prev == (common.Address{}) {
			delete(t.owners, key)
		} else {
			t.owners[key] = prev
		}
	})
}

func (t *ERC721) setApproval(ctx *chain.CallContext, key string, spender common.Address) {
	prev, had := t.approvals[key]
	if spender == (common.Address{}) {
		delete(t.approvals, key)
	} else {
		t.approvals[key] = spender
	}
	ctx.Journal(func() {
		if had {
			t.approvals[key] = prev
		} else {
			delete(t.approvals, key)
		}
	})
}

func setOperator(ctx *chain.CallContext, m map[[2]common.Address]bool, key [2]common.Address, approved bool) {
	prev := m[key]
	if approved {
		m[key] = true
	} else {
		delete(m, key)
	}
	ctx.Journal(func() {
		if prev {
			m[key] = true
		} else {
			delete(m, key)
		}
	})
}
