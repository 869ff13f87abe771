package bridge

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"yar/internal/chain"
	"yar/internal/token"
)

// Kind is the asset standard a bridge moves.
type Kind uint8

const (
	KindERC20 Kind = iota
	KindERC721
	KindERC1155
)

func (k Kind) String() string {
	switch k {
	case KindERC721:
		return "erc721"
	case KindERC1155:
		return "erc1155"
	default:
		return "erc20"
	}
}

// ParseKind parses "erc20", "erc721" or "erc1155".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "erc20":
		return KindERC20, nil
	case "erc721":
		return KindERC721, nil
	case "erc1155":
		return KindERC1155, nil
	}
	return KindERC20, fmt.Errorf("unknown asset kind %q", s)
}

// InitCode is the code identity of the issued contracts of a kind; it feeds
// the CREATE2 address derivation.
func (k Kind) InitCode() []byte {
	return []byte("yar.issued." + k.String())
}

// Asset moves one kind of token on behalf of a bridge. Every method runs as
// a nested call from the bridge, so the bridge is msg.sender for the token.
type Asset interface {
	Kind() Kind
	Validate(ids, amounts []*big.Int) error
	Metadata(ctx *chain.CallContext, tok common.Address) (token.Metadata, error)
	// Lock pulls the asset from `from` into the bridge.
	Lock(ctx *chain.CallContext, tok, from common.Address, ids, amounts []*big.Int) error
	// Release pays the asset out of the bridge.
	Release(ctx *chain.CallContext, tok, to common.Address, ids, amounts []*big.Int) error
	Mint(ctx *chain.CallContext, tok, to common.Address, ids, amounts []*big.Int) error
	Burn(ctx *chain.CallContext, tok, from common.Address, ids, amounts []*big.Int) error
	// NewIssued returns the contract of an issued asset minted by minter.
	NewIssued(meta token.Metadata, minter common.Address) any
}

// NewAsset returns the strategy for kind.
func NewAsset(kind Kind) Asset {
	switch kind {
	case KindERC721:
		return erc721Asset{}
	case KindERC1155:
		return erc1155Asset{}
	default:
		return erc20Asset{}
	}
}

// IsNative reports whether tok denotes the chain's native asset.
func IsNative(tok common.Address) bool { return tok == (common.Address{}) }

func code[T any](ctx *chain.CallContext, tok common.Address) (T, error) {
	v, ok := chain.CodeAs[T](ctx, tok)
	if !ok {
		return v, fmt.Errorf("%w: %s", ErrUnknownToken, tok.Hex())
	}
	return v, nil
}

func exec[T any](ctx *chain.CallContext, tok common.Address, fn func(sub *chain.CallContext, t T) error) error {
	t, err := code[T](ctx, tok)
	if err != nil {
		return err
	}
	return ctx.Exec(tok, nil, func(sub *chain.CallContext) error { return fn(sub, t) })
}

type erc20Asset struct{}

func (erc20Asset) Kind() Kind { return KindERC20 }

// Validate takes a single zero id for fungible tokens.
func (erc20Asset) Validate(ids, amounts []*big.Int) error {
	if len(ids) != 1 || len(amounts) != 1 || ids[0] == nil || ids[0].Sign() != 0 {
		return ErrInvalidAmounts
	}
	if amounts[0] == nil || amounts[0].Sign() <= 0 {
		return ErrInvalidAmounts
	}
	return nil
}

func (erc20Asset) Metadata(ctx *chain.CallContext, tok common.Address) (token.Metadata, error) {
	t, err := code[*token.ERC20](ctx, tok)
	if err != nil {
		return token.Metadata{}, err
	}
	return t.Metadata(), nil
}

func (erc20Asset) Lock(ctx *chain.CallContext, tok, from common.Address, _, amounts []*big.Int) error {
	if IsNative(tok) {
		return nil
	}
	return exec(ctx, tok, func(sub *chain.CallContext, t *token.ERC20) error {
		return t.TransferFrom(sub, from, ctx.Self(), amounts[0])
	})
}

func (erc20Asset) Release(ctx *chain.CallContext, tok, to common.Address, _, amounts []*big.Int) error {
	if IsNative(tok) {
		return ctx.Transfer(to, amounts[0])
	}
	return exec(ctx, tok, func(sub *chain.CallContext, t *token.ERC20) error {
		return t.Transfer(sub, to, amounts[0])
	})
}

func (erc20Asset) Mint(ctx *chain.CallContext, tok, to common.Address, _, amounts []*big.Int) error {
	return exec(ctx, tok, func(sub *chain.CallContext, t *token.ERC20) error {
		return t.Mint(sub, to, amounts[0])
	})
}

func (erc20Asset) Burn(ctx *chain.CallContext, tok, from common.Address, _, amounts []*big.Int) error {
	return exec(ctx, tok, func(sub *chain.CallContext, t *token.ERC20) error {
		return t.Burn(sub, from, amounts[0])
	})
}

func (erc20Asset) NewIssued(meta token.Metadata, minter common.Address) any {
	return token.NewERC20(meta, minter)
}

type erc721Asset struct{}

func (erc721Asset) Kind() Kind { return KindERC721 }

func (erc721Asset) Validate(ids, amounts []*big.Int) error {
	if len(ids) == 0 || len(ids) != len(amounts) {
		return ErrInvalidAmounts
	}
	for i := range ids {
		if ids[i] == nil || amounts[i] == nil || amounts[i].Cmp(big.NewInt(1)) != 0 {
			return ErrInvalidAmounts
		}
	}
	return nil
}

func (erc721Asset) Metadata(ctx *chain.CallContext, tok common.Address) (token.Metadata, error) {
	t, err := code[*token.ERC721](ctx, tok)
	if err != nil {
		return token.Metadata{}, err
	}
	return t.Metadata(), nil
}

func (erc721Asset) Lock(ctx *chain.CallContext, tok, from common.Address, ids, _ []*big.Int) error {
	return exec(ctx, tok, func(sub *chain.CallContext, t *token.ERC721) error {
		for _, id := range ids {
			if err := t.TransferFrom(sub, from, ctx.Self(), id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (erc721Asset) Release(ctx *chain.CallContext, tok, to common.Address, ids, _ []*big.Int) error {
	return exec(ctx, tok, func(sub *chain.CallContext, t *token.ERC721) error {
		for _, id := range ids {
			if err := t.TransferFrom(sub, ctx.Self(), to, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (erc721Asset) Mint(ctx *chain.CallContext, tok, to common.Address, ids, _ []*big.Int) error {
	return exec(ctx, tok, func(sub *chain.CallContext, t *token.ERC721) error {
		for _, id := range ids {
			if err := t.Mint(sub, to, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (erc721Asset) Burn(ctx *chain.CallContext, tok, from common.Address, ids, _ []*big.Int) error {
	return exec(ctx, tok, func(sub *chain.CallContext, t *token.ERC721) error {
		for _, id := range ids {
			if err := t.Burn(sub, from, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (erc721Asset) NewIssued(meta token.Metadata, minter common.Address) any {
	return token.NewERC721(meta, minter)
}

type erc1155Asset struct{}

func (erc1155Asset) Kind() Kind { return KindERC1155 }

func (erc1155Asset) Validate(ids, amounts []*big.Int) error {
	if len(ids) == 0 || len(ids) != len(amounts) {
		return ErrInvalidAmounts
	}
	for i := range ids {
		if ids[i] == nil || amounts[i] == nil || amounts[i].Sign() <= 0 {
			return ErrInvalidAmounts
		}
	}
	return nil
}

func (erc1155Asset) Metadata(ctx *chain.CallContext, tok common.Address) (token.Metadata, error) {
	t, err := code[*token.ERC1155](ctx, tok)
	if err != nil {
		return token.Metadata{}, err
	}
	return t.Metadata(), nil
}

func (erc1155Asset) Lock(ctx *chain.CallContext, tok, from common.Address, ids, amounts []*big.Int) error {
	return exec(ctx, tok, func(sub *chain.CallContext, t *token.ERC1155) error {
		return t.SafeBatchTransferFrom(sub, from, ctx.Self(), ids, amounts)
	})
}

func (erc1155Asset) Release(ctx *chain.CallContext, tok, to common.Address, ids, amounts []*big.Int) error {
	return exec(ctx, tok, func(sub *chain.CallContext, t *token.ERC1155) error {
		return t.SafeBatchTransferFrom(sub, ctx.Self(), to, ids, amounts)
	})
}

func (erc1155Asset) Mint(ctx *chain.CallContext, tok, to common.Address, ids, amounts []*big.Int) error {
	return exec(ctx, tok, func(sub *chain.CallContext, t *token.ERC1155) error {
		return t.MintBatch(sub, to, ids, amounts)
	})
}

func (erc1155Asset) Burn(ctx *chain.CallContext, tok, from common.Address, ids, amounts []*big.Int) error {
	return exec(ctx, tok, func(sub *chain.CallContext, t *token.ERC1155) error {
		return t.BurnBatch(sub, from, ids, amounts)
	})
}

func (erc1155Asset) NewIssued(meta token.Metadata, minter common.Address) any {
	return token.NewERC1155(meta, minter)
}
