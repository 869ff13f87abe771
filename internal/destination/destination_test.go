package destination

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yar/internal/auth"
	"yar/internal/chain"
	"yar/internal/envelope"
	"yar/internal/events"
	"yar/internal/revert"
)

const chainID = 111

var (
	destAddr = common.HexToAddress("0xde")
	relayer  = common.HexToAddress("0x0b")
	user     = common.HexToAddress("0x1234")
	sink     = common.HexToAddress("0x5151")
)

// recorder stores calldata and the in-flight envelope it observed.
type recorder struct {
	dest    *Destination
	calls   [][]byte
	senders []common.Address
	fail    bool
}

func (r *recorder) Invoke(ctx *chain.CallContext, input []byte) ([]byte, error) {
	if r.fail {
		return nil, errors.New("target reverted")
	}
	r.calls = append(r.calls, input)
	ctx.Journal(func() { r.calls = r.calls[:len(r.calls)-1] })
	if env, ok := r.dest.InFlight(); ok {
		r.senders = append(r.senders, env.Sender)
	}
	return nil, nil
}

func setup(t *testing.T, mode DeliveryMode) (*chain.Chain, *Destination, *recorder) {
	t.Helper()
	c := chain.New(chainID)
	d := New(Config{Relayers: auth.NewRelayerSet(relayer), Mode: mode})
	require.NoError(t, c.Deploy(destAddr, d))
	r := &recorder{dest: d}
	require.NoError(t, c.Deploy(sink, r))
	c.Fund(relayer, big.NewInt(1_000))
	return c, d, r
}

func deliver(c *chain.Chain, d *Destination, from common.Address, env envelope.Envelope) (Result, *chain.Receipt, error) {
	var res Result
	receipt, err := c.Transact(from, destAddr, env.Value, func(ctx *chain.CallContext) error {
		var err error
		res, err = d.Deliver(ctx, env)
		return err
	})
	return res, receipt, err
}

func testEnvelope(target common.Address, value int64, data []byte) envelope.Envelope {
	return envelope.Envelope{
		InitialChainID: 31337,
		Sender:         user,
		TargetChainID:  chainID,
		Target:         target,
		Value:          big.NewInt(value),
		Data:           data,
		FeeAmount:      new(big.Int),
	}
}

func TestDeliverPlainTransfer(t *testing.T) {
	c, d, _ := setup(t, DeliveryAtomic)
	eoa := common.HexToAddress("0xe0a")

	res, receipt, err := deliver(c, d, relayer, testEnvelope(eoa, 100, nil))
	require.NoError(t, err)
	assert.NoError(t, res.CallErr)
	assert.Equal(t, int64(100), c.Balance(eoa).Int64())
	require.Len(t, receipt.Logs, 1)
	assert.Equal(t, events.NameDeliver, receipt.Logs[0].Name)
}

func TestDeliverCallsTargetWithInFlightEnvelope(t *testing.T) {
	c, d, r := setup(t, DeliveryAtomic)

	_, _, err := deliver(c, d, relayer, testEnvelope(sink, 10, []byte{0xaa}))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0xaa}}, r.calls)
	assert.Equal(t, []common.Address{user}, r.senders)
	assert.Equal(t, int64(10), c.Balance(sink).Int64())

	_, ok := d.InFlight()
	assert.False(t, ok)
}

func TestDeliverGuards(t *testing.T) {
	c, d, _ := setup(t, DeliveryAtomic)
	c.Fund(user, big.NewInt(100))

	_, _, err := deliver(c, d, user, testEnvelope(sink, 0, nil))
	assert.ErrorIs(t, err, ErrOnlyRelayer)

	wrongChain := testEnvelope(sink, 0, nil)
	wrongChain.TargetChainID = 5
	_, _, err = deliver(c, d, relayer, wrongChain)
	assert.ErrorIs(t, err, ErrTargetChainMismatch)

	_, err = c.Transact(relayer, destAddr, big.NewInt(1), func(ctx *chain.CallContext) error {
		_, err := d.Deliver(ctx, testEnvelope(sink, 2, nil))
		return err
	})
	assert.ErrorIs(t, err, ErrValueMismatch)
}

func TestDeliverRejectsMalformedEnvelope(t *testing.T) {
	c, d, r := setup(t, DeliveryAtomic)

	negativeFee := testEnvelope(sink, 0, []byte{0xaa})
	negativeFee.FeeAmount = big.NewInt(-1)
	_, receipt, err := deliver(c, d, relayer, negativeFee)
	assert.ErrorIs(t, err, envelope.ErrNegativeAmount)
	assert.Equal(t, chain.ReceiptStatusFailed, receipt.Status)

	noSender := testEnvelope(sink, 0, []byte{0xaa})
	noSender.Sender = common.Address{}
	_, _, err = deliver(c, d, relayer, noSender)
	assert.ErrorIs(t, err, envelope.ErrZeroSender)

	assert.Empty(t, r.calls)
	_, ok := d.InFlight()
	assert.False(t, ok)
}

func TestDeliveryAtomicRevertsValue(t *testing.T) {
	c, d, r := setup(t, DeliveryAtomic)
	r.fail = true

	_, receipt, err := deliver(c, d, relayer, testEnvelope(sink, 10, []byte{0x01}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, revert.KindDelivery, revert.KindOf(err))
	assert.Equal(t, chain.ReceiptStatusFailed, receipt.Status)
	assert.Equal(t, int64(0), c.Balance(sink).Int64())
	assert.Equal(t, int64(1_000), c.Balance(relayer).Int64())
}

func TestDeliveryValueFirstKeepsValue(t *testing.T) {
	c, d, r := setup(t, DeliveryValueFirst)
	r.fail = true

	res, receipt, err := deliver(c, d, relayer, testEnvelope(sink, 10, []byte{0x01}))
	require.NoError(t, err)
	assert.EqualError(t, res.CallErr, "target reverted")
	assert.Equal(t, int64(10), c.Balance(sink).Int64())

	require.Len(t, receipt.Logs, 1)
	failed := receipt.Logs[0].Data.(events.DeliveryFailed)
	assert.Equal(t, "target reverted", failed.Reason)
	assert.Equal(t, res.Hash, failed.Hash)
}

func TestDeliveryValueFirstSuccess(t *testing.T) {
	c, d, r := setup(t, DeliveryValueFirst)

	res, receipt, err := deliver(c, d, relayer, testEnvelope(sink, 10, []byte{0x01}))
	require.NoError(t, err)
	assert.NoError(t, res.CallErr)
	assert.Len(t, r.calls, 1)
	require.Len(t, receipt.Logs, 1)
	assert.Equal(t, events.NameDeliver, receipt.Logs[0].Name)
}

func TestParseDeliveryMode(t *testing.T) {
	m, err := ParseDeliveryMode("value-first")
	require.NoError(t, err)
	assert.Equal(t, DeliveryValueFirst, m)
	assert.Equal(t, "value-first", m.String())

	m, err = ParseDeliveryMode("")
	require.NoError(t, err)
	assert.Equal(t, DeliveryAtomic, m)

	_, err = ParseDeliveryMode("eventually")
	assert.Error(t, err)
}
