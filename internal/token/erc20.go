// Package token implements the fungible, non-fungible and multi-token
// contracts the bridges custody, mint and burn.
package token

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"yar/internal/chain"
	"yar/internal/revert"
)

var (
	ErrInsufficientBalance   = revert.New(revert.KindInsufficientFunds, "insufficient balance")
	ErrInsufficientAllowance = revert.New(revert.KindInsufficientFunds, "insufficient allowance")
	ErrOnlyMinter            = revert.New(revert.KindUnauthorized, "only minter")
	ErrNotAuthorized         = revert.New(revert.KindUnauthorized, "not owner nor approved")
	ErrZeroAddress           = revert.New(revert.KindValidation, "zero address")
	ErrNonexistentToken      = revert.New(revert.KindValidation, "nonexistent token")
	ErrTokenExists           = revert.New(revert.KindValidation, "token already minted")
	ErrLengthMismatch        = revert.New(revert.KindValidation, "ids and amounts length mismatch")
	ErrInvalidAmount         = revert.New(revert.KindValidation, "amount!")
)

// Event names.
const (
	EventTransfer       = "Transfer"
	EventApproval       = "Approval"
	EventApprovalForAll = "ApprovalForAll"
	EventTransferBatch  = "TransferBatch"
)

// Metadata describes a token.
type Metadata struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// Transfer is the payload of Transfer events. ID is nil for ERC20.
type Transfer struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	ID     *big.Int       `json:"id,omitempty"`
	Amount *big.Int       `json:"amount,omitempty"`
}

// Approval is the payload of Approval events.
type Approval struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	ID      *big.Int       `json:"id,omitempty"`
	Amount  *big.Int       `json:"amount,omitempty"`
}

// ApprovalForAll is the payload of ApprovalForAll events.
type ApprovalForAll struct {
	Owner    common.Address `json:"owner"`
	Operator common.Address `json:"operator"`
	Approved bool           `json:"approved"`
}

// TransferBatch is the payload of ERC1155 batch transfers.
type TransferBatch struct {
	Operator common.Address `json:"operator"`
	From     common.Address `json:"from"`
	To       common.Address `json:"to"`
	IDs      []*big.Int     `json:"ids"`
	Amounts  []*big.Int     `json:"amounts"`
}

// ERC20 is a fungible token. The minter (zero for a fixed supply) may mint
// and burn.
type ERC20 struct {
	meta   Metadata
	minter common.Address

	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
}

// NewERC20 creates a token.
func NewERC20(meta Metadata, minter common.Address) *ERC20 {
	return &ERC20{
		meta:       meta,
		minter:     minter,
		supply:     new(big.Int),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[[2]common.Address]*big.Int),
	}
}

// Metadata returns the token's name, symbol and decimals.
func (t *ERC20) Metadata() Metadata { return t.meta }

// Minter returns the account allowed to mint and burn.
func (t *ERC20) Minter() common.Address { return t.minter }

// TotalSupply returns the circulating supply.
func (t *ERC20) TotalSupply() *big.Int { return new(big.Int).Set(t.supply) }

// BalanceOf returns owner's balance.
func (t *ERC20) BalanceOf(owner common.Address) *big.Int {
	return new(big.Int).Set(get(t.balances, owner))
}

// Allowance returns how much spender may move on owner's behalf.
func (t *ERC20) Allowance(owner, spender common.Address) *big.Int {
	return new(big.Int).Set(get(t.allowances, [2]common.Address{owner, spender}))
}

// Transfer moves amount from the caller to to.
func (t *ERC20) Transfer(ctx *chain.CallContext, to common.Address, amount *big.Int) error {
	return t.move(ctx, ctx.Caller(), to, amount)
}

// Approve sets the caller's allowance for spender.
func (t *ERC20) Approve(ctx *chain.CallContext, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	key := [2]common.Address{ctx.Caller(), spender}
	set(ctx, t.allowances, key, new(big.Int).Set(amount))
	ctx.Emit(EventApproval, Approval{Owner: ctx.Caller(), Spender: spender, Amount: new(big.Int).Set(amount)})
	return nil
}

// TransferFrom moves amount from from to to, spending the caller's allowance.
func (t *ERC20) TransferFrom(ctx *chain.CallContext, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if ctx.Caller() != from {
		key := [2]common.Address{from, ctx.Caller()}
		allowance := get(t.allowances, key)
		if allowance.Cmp(amount) < 0 {
			return ErrInsufficientAllowance
		}
		set(ctx, t.allowances, key, new(big.Int).Sub(allowance, amount))
	}
	return t.move(ctx, from, to, amount)
}

// Mint creates amount for to. Minter-only.
func (t *ERC20) Mint(ctx *chain.CallContext, to common.Address, amount *big.Int) error {
	if ctx.Caller() != t.minter || t.minter == (common.Address{}) {
		return ErrOnlyMinter
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	set(ctx, t.balances, to, new(big.Int).Add(get(t.balances, to), amount))
	t.setSupply(ctx, new(big.Int).Add(t.supply, amount))
	ctx.Emit(EventTransfer, Transfer{To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// Burn destroys amount held by from. Minter-only.
func (t *ERC20) Burn(ctx *chain.CallContext, from common.Address, amount *big.Int) error {
	if ctx.Caller() != t.minter || t.minter == (common.Address{}) {
		return ErrOnlyMinter
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	bal := get(t.balances, from)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	set(ctx, t.balances, from, new(big.Int).Sub(bal, amount))
	t.setSupply(ctx, new(big.Int).Sub(t.supply, amount))
	ctx.Emit(EventTransfer, Transfer{From: from, Amount: new(big.Int).Set(amount)})
	return nil
}

func (t *ERC20) move(ctx *chain.CallContext, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	bal := get(t.balances, from)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	set(ctx, t.balances, from, new(big.Int).Sub(bal, amount))
	set(ctx, t.balances, to, new(big.Int).Add(get(t.balances, to), amount))
	ctx.Emit(EventTransfer, Transfer{From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

func (t *ERC20) setSupply(ctx *chain.CallContext, v *big.Int) {
	prev := t.supply
	t.supply = v
	ctx.Journal(func() { t.supply = prev })
}

var zero = new(big.Int)

func get[K comparable](m map[K]*big.Int, k K) *big.Int {
	if v, ok := m[k]; ok {
		return v
	}
	return zero
}

// set writes m[k] = v and journals the previous value.
func set[K comparable](ctx *chain.CallContext, m map[K]*big.Int, k K, v *big.Int) {
	prev, had := m[k]
	if v.Sign() == 0 {
		delete(m, k)
	} else {
		m[k] = v
	}
	ctx.Journal(func() {
		if had {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}
