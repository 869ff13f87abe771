package chain

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
	box   = common.HexToAddress("0xb0c5")
)

// counter is a journaled contract used to observe rollbacks.
type counter struct {
	n int
}

func (c *counter) Invoke(ctx *CallContext, input []byte) ([]byte, error) {
	c.n++
	ctx.Journal(func() { c.n-- })
	ctx.Emit("Incremented", c.n)
	if len(input) > 0 && input[0] == 0xff {
		return nil, errors.New("boom")
	}
	if len(input) > 0 && input[0] == 0xfe {
		var nilMap map[string]int
		nilMap["x"] = c.n
	}
	return []byte{byte(c.n)}, nil
}

func TestTransactMovesValue(t *testing.T) {
	c := New(1)
	c.Fund(alice, big.NewInt(100))

	receipt, err := c.Transact(alice, bob, big.NewInt(40), func(ctx *CallContext) error {
		assert.Equal(t, alice, ctx.Caller())
		assert.Equal(t, bob, ctx.Self())
		assert.Equal(t, int64(40), ctx.Value().Int64())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, ReceiptStatusSuccessful, receipt.Status)
	assert.Equal(t, int64(60), c.Balance(alice).Int64())
	assert.Equal(t, int64(40), c.Balance(bob).Int64())
	assert.Same(t, receipt, c.Receipt(receipt.TxHash))
}

func TestTransactInsufficientBalance(t *testing.T) {
	c := New(1)
	c.Fund(alice, big.NewInt(10))

	called := false
	receipt, err := c.Transact(alice, bob, big.NewInt(11), func(ctx *CallContext) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.False(t, called)
	assert.Equal(t, ReceiptStatusFailed, receipt.Status)
	assert.Equal(t, int64(10), c.Balance(alice).Int64())
}

func TestFailedTransactionRollsBackEverything(t *testing.T) {
	c := New(1)
	ctr := &counter{}
	require.NoError(t, c.Deploy(box, ctr))
	c.Fund(alice, big.NewInt(100))

	receipt, _, err := c.Call(alice, box, big.NewInt(5), []byte{0xff})
	require.Error(t, err)
	assert.Equal(t, ReceiptStatusFailed, receipt.Status)
	assert.Empty(t, receipt.Logs)
	assert.Equal(t, 0, ctr.n)
	assert.Equal(t, int64(100), c.Balance(alice).Int64())
	assert.Equal(t, int64(0), c.Balance(box).Int64())
}

func TestPanickingContractRevertsAndUnlocks(t *testing.T) {
	c := New(1)
	ctr := &counter{}
	require.NoError(t, c.Deploy(box, ctr))
	c.Fund(alice, big.NewInt(100))

	receipt, _, err := c.Call(alice, box, big.NewInt(5), []byte{0xfe})
	assert.ErrorIs(t, err, ErrContractPanic)
	assert.Equal(t, ReceiptStatusFailed, receipt.Status)
	assert.Equal(t, 0, ctr.n)
	assert.Equal(t, int64(100), c.Balance(alice).Int64())

	// The chain keeps accepting transactions.
	receipt, out, err := c.Call(alice, box, big.NewInt(5), nil)
	require.NoError(t, err)
	assert.Equal(t, ReceiptStatusSuccessful, receipt.Status)
	assert.Equal(t, []byte{1}, out)
	assert.Equal(t, int64(95), c.Balance(alice).Int64())
}

func TestNestedFailureIsIsolated(t *testing.T) {
	c := New(1)
	ctr := &counter{}
	require.NoError(t, c.Deploy(box, ctr))
	c.Fund(alice, big.NewInt(100))

	receipt, err := c.Transact(alice, bob, big.NewInt(50), func(ctx *CallContext) error {
		_, err := ctx.Call(box, big.NewInt(20), nil)
		require.NoError(t, err)

		_, err = ctx.Call(box, big.NewInt(20), []byte{0xff})
		assert.EqualError(t, err, "boom")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, ctr.n)
	require.Len(t, receipt.Logs, 1)
	assert.Equal(t, "Incremented", receipt.Logs[0].Name)
	assert.Equal(t, box, receipt.Logs[0].Address)
	assert.Equal(t, int64(30), c.Balance(bob).Int64())
	assert.Equal(t, int64(20), c.Balance(box).Int64())
}

func TestCallWithoutHandlerOnlyMovesValue(t *testing.T) {
	c := New(1)
	c.Fund(alice, big.NewInt(10))

	_, out, err := c.Call(alice, bob, big.NewInt(10), []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, int64(10), c.Balance(bob).Int64())
}

func TestDeployInsideTransactionIsJournaled(t *testing.T) {
	c := New(1)

	_, err := c.Transact(alice, bob, nil, func(ctx *CallContext) error {
		require.NoError(t, ctx.Deploy(box, &counter{}))
		assert.ErrorIs(t, ctx.Deploy(box, &counter{}), ErrAddressInUse)
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Nil(t, c.Code(box))

	_, err = c.Transact(alice, bob, nil, func(ctx *CallContext) error {
		return ctx.Deploy(box, &counter{})
	})
	require.NoError(t, err)
	_, ok := At[*counter](c, box)
	assert.True(t, ok)
}

func TestLogsArePublished(t *testing.T) {
	c := New(7)
	ctr := &counter{}
	require.NoError(t, c.Deploy(box, ctr))

	ch := make(chan Log, 4)
	sub := c.SubscribeLogs(ch)
	defer sub.Unsubscribe()

	receipt, _, err := c.Call(alice, box, nil, nil)
	require.NoError(t, err)

	select {
	case l := <-ch:
		assert.Equal(t, uint64(7), l.ChainID)
		assert.Equal(t, receipt.TxHash, l.TxHash)
		assert.Equal(t, 1, l.Data)
	case <-time.After(time.Second):
		t.Fatal("log not delivered")
	}

	// failed transactions publish nothing
	_, _, err = c.Call(alice, box, nil, []byte{0xff})
	require.Error(t, err)
	select {
	case l := <-ch:
		t.Fatalf("unexpected log %v", l)
	default:
	}
}

func TestClockAndHeight(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := New(1, WithClock(func() time.Time { return now }))

	_, err := c.Transact(alice, bob, nil, func(ctx *CallContext) error {
		assert.Equal(t, now, ctx.Time())
		assert.Equal(t, uint64(1), ctx.BlockNumber())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Height())
}

func TestCallDepth(t *testing.T) {
	c := New(1)
	var recurse func(ctx *CallContext) error
	recurse = func(ctx *CallContext) error {
		return ctx.Exec(box, nil, recurse)
	}
	_, err := c.Transact(alice, box, nil, recurse)
	assert.ErrorIs(t, err, ErrCallDepth)
}
