package token

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yar/internal/chain"
)

var (
	minter  = common.HexToAddress("0x3e")
	alice   = common.HexToAddress("0xa11ce")
	bob     = common.HexToAddress("0xb0b")
	tokenAt = common.HexToAddress("0x70")
)

func deploy(t *testing.T, code any) *chain.Chain {
	t.Helper()
	c := chain.New(1)
	require.NoError(t, c.Deploy(tokenAt, code))
	return c
}

func as(c *chain.Chain, from common.Address, fn func(ctx *chain.CallContext) error) error {
	_, err := c.Transact(from, tokenAt, nil, fn)
	return err
}

func TestERC20(t *testing.T) {
	tok := NewERC20(Metadata{Name: "Token", Symbol: "TKN", Decimals: 18}, minter)
	c := deploy(t, tok)

	require.NoError(t, as(c, minter, func(ctx *chain.CallContext) error {
		return tok.Mint(ctx, alice, big.NewInt(100))
	}))
	assert.Equal(t, int64(100), tok.TotalSupply().Int64())

	require.NoError(t, as(c, alice, func(ctx *chain.CallContext) error {
		return tok.Transfer(ctx, bob, big.NewInt(30))
	}))
	assert.Equal(t, int64(70), tok.BalanceOf(alice).Int64())
	assert.Equal(t, int64(30), tok.BalanceOf(bob).Int64())

	err := as(c, bob, func(ctx *chain.CallContext) error {
		return tok.TransferFrom(ctx, alice, bob, big.NewInt(1))
	})
	assert.ErrorIs(t, err, ErrInsufficientAllowance)

	require.NoError(t, as(c, alice, func(ctx *chain.CallContext) error {
		return tok.Approve(ctx, bob, big.NewInt(50))
	}))
	require.NoError(t, as(c, bob, func(ctx *chain.CallContext) error {
		return tok.TransferFrom(ctx, alice, bob, big.NewInt(20))
	}))
	assert.Equal(t, int64(30), tok.Allowance(alice, bob).Int64())
	assert.Equal(t, int64(50), tok.BalanceOf(bob).Int64())

	err = as(c, alice, func(ctx *chain.CallContext) error {
		return tok.Transfer(ctx, bob, big.NewInt(51))
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	err = as(c, alice, func(ctx *chain.CallContext) error {
		return tok.Mint(ctx, alice, big.NewInt(1))
	})
	assert.ErrorIs(t, err, ErrOnlyMinter)

	require.NoError(t, as(c, minter, func(ctx *chain.CallContext) error {
		return tok.Burn(ctx, bob, big.NewInt(50))
	}))
	assert.Equal(t, int64(50), tok.TotalSupply().Int64())
	assert.Equal(t, "0", tok.BalanceOf(bob).String())
}

func TestERC20RollsBackFailedTransaction(t *testing.T) {
	tok := NewERC20(Metadata{Name: "Token", Symbol: "TKN", Decimals: 18}, minter)
	c := deploy(t, tok)

	err := as(c, minter, func(ctx *chain.CallContext) error {
		if err := tok.Mint(ctx, alice, big.NewInt(100)); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, "0", tok.BalanceOf(alice).String())
	assert.Equal(t, "0", tok.TotalSupply().String())
}

func TestERC721(t *testing.T) {
	tok := NewERC721(Metadata{Name: "Art", Symbol: "ART"}, minter)
	c := deploy(t, tok)
	id := big.NewInt(7)

	require.NoError(t, as(c, minter, func(ctx *chain.CallContext) error {
		return tok.Mint(ctx, alice, id)
	}))
	assert.Equal(t, alice, tok.OwnerOf(id))
	assert.Equal(t, int64(1), tok.BalanceOf(alice).Int64())

	err := as(c, minter, func(ctx *chain.CallContext) error {
		return tok.Mint(ctx, bob, id)
	})
	assert.ErrorIs(t, err, ErrTokenExists)

	err = as(c, bob, func(ctx *chain.CallContext) error {
		return tok.TransferFrom(ctx, alice, bob, id)
	})
	assert.ErrorIs(t, err, ErrNotAuthorized)

	require.NoError(t, as(c, alice, func(ctx *chain.CallContext) error {
		return tok.Approve(ctx, bob, id)
	}))
	require.NoError(t, as(c, bob, func(ctx *chain.CallContext) error {
		return tok.TransferFrom(ctx, alice, bob, id)
	}))
	assert.Equal(t, bob, tok.OwnerOf(id))
	assert.Equal(t, common.Address{}, tok.GetApproved(id))
	assert.Equal(t, "0", tok.BalanceOf(alice).String())

	require.NoError(t, as(c, bob, func(ctx *chain.CallContext) error {
		return tok.SetApprovalForAll(ctx, alice, true)
	}))
	require.NoError(t, as(c, alice, func(ctx *chain.CallContext) error {
		return tok.TransferFrom(ctx, bob, alice, id)
	}))
	assert.Equal(t, alice, tok.OwnerOf(id))

	require.NoError(t, as(c, minter, func(ctx *chain.CallContext) error {
		return tok.Burn(ctx, alice, id)
	}))
	assert.Equal(t, common.Address{}, tok.OwnerOf(id))
	assert.Equal(t, "0", tok.BalanceOf(alice).String())
}

func TestERC1155(t *testing.T) {
	tok := NewERC1155(Metadata{Name: "Items", Symbol: "ITM"}, minter)
	c := deploy(t, tok)
	ids := []*big.Int{big.NewInt(1), big.NewInt(2)}

	require.NoError(t, as(c, minter, func(ctx *chain.CallContext) error {
		return tok.MintBatch(ctx, alice, ids, []*big.Int{big.NewInt(10), big.NewInt(20)})
	}))

	err := as(c, bob, func(ctx *chain.CallContext) error {
		return tok.SafeTransferFrom(ctx, alice, bob, ids[0], big.NewInt(1))
	})
	assert.ErrorIs(t, err, ErrNotAuthorized)

	require.NoError(t, as(c, alice, func(ctx *chain.CallContext) error {
		return tok.SetApprovalForAll(ctx, bob, true)
	}))
	require.NoError(t, as(c, bob, func(ctx *chain.CallContext) error {
		return tok.SafeBatchTransferFrom(ctx, alice, bob, ids, []*big.Int{big.NewInt(4), big.NewInt(5)})
	}))
	assert.Equal(t, int64(6), tok.BalanceOf(alice, ids[0]).Int64())
	assert.Equal(t, int64(15), tok.BalanceOf(alice, ids[1]).Int64())
	assert.Equal(t, int64(5), tok.BalanceOf(bob, ids[1]).Int64())

	// A batch that fails halfway leaves every balance untouched.
	err = as(c, alice, func(ctx *chain.CallContext) error {
		return tok.SafeBatchTransferFrom(ctx, alice, bob, ids, []*big.Int{big.NewInt(1), big.NewInt(100)})
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(6), tok.BalanceOf(alice, ids[0]).Int64())

	err = as(c, minter, func(ctx *chain.CallContext) error {
		return tok.MintBatch(ctx, alice, ids, []*big.Int{big.NewInt(1)})
	})
	assert.ErrorIs(t, err, ErrLengthMismatch)

	require.NoError(t, as(c, minter, func(ctx *chain.CallContext) error {
		return tok.BurnBatch(ctx, bob, ids, []*big.Int{big.NewInt(4), big.NewInt(5)})
	}))
	assert.Equal(t, "0", tok.BalanceOf(bob, ids[0]).String())
}
