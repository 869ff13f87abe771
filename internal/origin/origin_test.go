package origin

import (
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yar/internal/chain"
	"yar/internal/envelope"
	"yar/internal/events"
)

const chainID = 31337

var (
	originAddr = common.HexToAddress("0x0a")
	relayer    = common.HexToAddress("0x0b")
	owner      = common.HexToAddress("0x0c")
	appAddr    = common.HexToAddress("0x0d")
	target     = common.HexToAddress("0x0e")
	ether      = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type fixture struct {
	chain  *chain.Chain
	origin *Origin
	user   common.Address
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	c := chain.New(chainID, chain.WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
	cfg.Relayer = relayer
	cfg.Owner = owner
	o := New(cfg)
	require.NoError(t, c.Deploy(originAddr, o))

	user := common.HexToAddress("0x1234")
	c.Fund(user, new(big.Int).Mul(big.NewInt(100), ether))
	return &fixture{chain: c, origin: o, user: user}
}

func (f *fixture) send(from common.Address, value *big.Int, env envelope.Envelope) (envelope.Envelope, *chain.Receipt, error) {
	var sent envelope.Envelope
	receipt, err := f.chain.Transact(from, originAddr, value, func(ctx *chain.CallContext) error {
		var err error
		sent, err = f.origin.Send(ctx, env)
		return err
	})
	return sent, receipt, err
}

func userEnvelope(user common.Address) envelope.Envelope {
	return envelope.Envelope{
		InitialChainID: chainID,
		Sender:         user,
		Payer:          user,
		TargetChainID:  111,
		Target:         target,
		Value:          new(big.Int).Set(ether),
		Data:           nil,
		FeeAmount:      new(big.Int),
	}
}

func TestSendAssignsMonotonicNonces(t *testing.T) {
	f := newFixture(t, Config{Mode: envelope.ModeHub})
	env := userEnvelope(f.user)

	for i := uint64(0); i < 3; i++ {
		sent, receipt, err := f.send(f.user, nil, env)
		require.NoError(t, err)
		assert.Equal(t, i, sent.Nonce)
		require.Len(t, receipt.Logs, 1)
		assert.Equal(t, events.NameSend, receipt.Logs[0].Name)
		assert.Equal(t, sent.Hash(), receipt.Logs[0].Data.(events.Send).Envelope.Hash())
	}
	assert.Equal(t, uint64(3), f.origin.Nonce(f.user))
	assert.Equal(t, uint64(0), f.origin.Nonce(target))
}

func TestSendChainMismatch(t *testing.T) {
	f := newFixture(t, Config{Mode: envelope.ModeHub})
	env := userEnvelope(f.user)
	env.InitialChainID = chainID + 1

	_, _, err := f.send(f.user, nil, env)
	assert.ErrorIs(t, err, ErrChainMismatch)
	assert.Equal(t, uint64(0), f.origin.Nonce(f.user))
}

func TestSendHubFee(t *testing.T) {
	f := newFixture(t, Config{Mode: envelope.ModeHub})
	env := userEnvelope(f.user)
	env.FeeAmount = new(big.Int).Set(ether)

	_, _, err := f.send(f.user, big.NewInt(1), env)
	assert.ErrorIs(t, err, ErrAmountMismatch)

	_, receipt, err := f.send(f.user, ether, env)
	require.NoError(t, err)
	assert.Equal(t, ether, f.chain.Balance(relayer))

	require.Len(t, receipt.Logs, 2)
	deposit := receipt.Logs[0].Data.(events.Deposit)
	assert.Equal(t, f.user, deposit.User)
	assert.Equal(t, common.Address{}, deposit.Token)
	assert.Equal(t, ether, deposit.Amount)
	assert.Equal(t, events.NameSend, receipt.Logs[1].Name)
}

func TestSendHubValueIsNotEscrowed(t *testing.T) {
	f := newFixture(t, Config{Mode: envelope.ModeHub})
	env := userEnvelope(f.user)

	_, _, err := f.send(f.user, nil, env)
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.chain.Balance(originAddr).Int64())
}

func TestSendHubRejectsValueWithoutFee(t *testing.T) {
	f := newFixture(t, Config{Mode: envelope.ModeHub})
	env := userEnvelope(f.user)

	_, receipt, err := f.send(f.user, big.NewInt(5), env)
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Equal(t, chain.ReceiptStatusFailed, receipt.Status)
	assert.Equal(t, int64(0), f.chain.Balance(originAddr).Int64())
	assert.Equal(t, uint64(0), f.origin.Nonce(f.user))
}

func TestSendDirectMode(t *testing.T) {
	f := newFixture(t, Config{Mode: envelope.ModeDirect})
	env := userEnvelope(f.user)
	env.FeeAmount = big.NewInt(5)

	_, _, err := f.send(f.user, big.NewInt(5), env)
	assert.ErrorIs(t, err, ErrValueMismatch)

	_, _, err = f.send(f.user, new(big.Int).Add(ether, big.NewInt(4)), env)
	assert.ErrorIs(t, err, ErrAmountMismatch)

	sent, _, err := f.send(f.user, new(big.Int).Add(ether, big.NewInt(5)), env)
	require.NoError(t, err)
	assert.Equal(t, envelope.ModeDirect, sent.Mode)
	assert.Equal(t, ether, f.chain.Balance(originAddr))
	assert.Equal(t, int64(5), f.chain.Balance(relayer).Int64())
}

func TestDeposit(t *testing.T) {
	f := newFixture(t, Config{Mode: envelope.ModeHub})

	deposit := func(value, amount *big.Int) (*chain.Receipt, error) {
		return f.chain.Transact(f.user, originAddr, value, func(ctx *chain.CallContext) error {
			return f.origin.Deposit(ctx, amount)
		})
	}

	_, err := deposit(big.NewInt(1), ether)
	assert.ErrorIs(t, err, ErrAmountMismatch)

	receipt, err := deposit(ether, ether)
	require.NoError(t, err)
	assert.Equal(t, ether, f.chain.Balance(relayer))
	require.Len(t, receipt.Logs, 1)
	assert.Equal(t, events.Deposit{User: f.user, Amount: ether}, receipt.Logs[0].Data)
}

func TestApprove(t *testing.T) {
	f := newFixture(t, Config{Mode: envelope.ModeHub})

	receipt, err := f.chain.Transact(f.user, originAddr, nil, func(ctx *chain.CallContext) error {
		return f.origin.Approve(ctx, appAddr, ether)
	})
	require.NoError(t, err)
	require.Len(t, receipt.Logs, 1)
	assert.Equal(t, events.Approve{User: f.user, ChainID: chainID, App: appAddr, Amount: ether}, receipt.Logs[0].Data)
}

func TestApproveSendLetsAppSendOnce(t *testing.T) {
	f := newFixture(t, Config{Mode: envelope.ModeDirect, RetainFees: true})
	env := userEnvelope(f.user)
	env.Payer = appAddr
	env.Value = new(big.Int)

	f.chain.Fund(appAddr, ether)

	_, _, err := f.send(appAddr, nil, env)
	assert.ErrorIs(t, err, ErrNotSender)

	_, err = f.chain.Transact(f.user, originAddr, nil, func(ctx *chain.CallContext) error {
		return f.origin.ApproveSend(ctx, env)
	})
	require.NoError(t, err)

	stranger := common.HexToAddress("0x5757")
	_, _, err = f.send(stranger, nil, env)
	assert.ErrorIs(t, err, ErrNotSender)

	sent, _, err := f.send(appAddr, nil, env)
	require.NoError(t, err)
	assert.Equal(t, f.user, sent.Sender)

	_, _, err = f.send(appAddr, nil, env)
	assert.ErrorIs(t, err, ErrNotSender)
}

// app sends its configured envelope through the origin when invoked.
type app struct {
	origin *Origin
	env    envelope.Envelope
	skip   bool
	fail   bool
}

func (a *app) Invoke(ctx *chain.CallContext, _ []byte) ([]byte, error) {
	if a.fail {
		return nil, errors.New("app failed")
	}
	if a.skip {
		return nil, nil
	}
	return nil, ctx.Exec(originAddr, ctx.Value(), func(sub *chain.CallContext) error {
		_, err := a.origin.Send(sub, a.env)
		return err
	})
}

func TestApproveAndCallApp(t *testing.T) {
	f := newFixture(t, Config{Mode: envelope.ModeDirect, RetainFees: true, FeeMismatch: ErrFeeAmountMismatch})
	env := userEnvelope(f.user)
	env.Payer = appAddr
	env.Value = new(big.Int)
	env.FeeAmount = big.NewInt(5)

	a := &app{origin: f.origin, env: env}
	require.NoError(t, f.chain.Deploy(appAddr, a))

	gateway := func() (*chain.Receipt, error) {
		return f.chain.Transact(f.user, originAddr, big.NewInt(5), func(ctx *chain.CallContext) error {
			return f.origin.ApproveAndCallApp(ctx, []byte{0x01}, env)
		})
	}

	receipt, err := gateway()
	require.NoError(t, err)
	assert.Equal(t, int64(5), f.chain.Balance(originAddr).Int64())
	names := []string{}
	for _, l := range receipt.Logs {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{events.NameSendFees, events.NameSend}, names)

	a.skip = true
	_, err = gateway()
	assert.ErrorIs(t, err, ErrGateway)
	assert.Equal(t, uint64(1), f.origin.Nonce(f.user))

	a.skip, a.fail = false, true
	_, err = gateway()
	assert.EqualError(t, err, "app failed")
	assert.Equal(t, int64(5), f.chain.Balance(originAddr).Int64())
}

func TestSendWithPermit(t *testing.T) {
	f := newFixture(t, Config{Mode: envelope.ModeDirect, RetainFees: true, DomainName: DomainConnector})

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	env := userEnvelope(signer)
	env.Payer = appAddr
	env.Value = new(big.Int)
	f.chain.Fund(appAddr, ether)

	deadline := uint64(1_700_000_000 + 100)
	sig, err := SignPermit(key, DomainConnector, chainID, originAddr, 0, deadline, env)
	require.NoError(t, err)

	sendPermit := func(p Permit) error {
		_, err := f.chain.Transact(appAddr, originAddr, nil, func(ctx *chain.CallContext) error {
			_, err := f.origin.SendWithPermit(ctx, env, p)
			return err
		})
		return err
	}

	assert.ErrorIs(t, sendPermit(Permit{Nonce: 0, Deadline: 1_600_000_000, Signature: sig}), ErrPermitExpired)
	assert.ErrorIs(t, sendPermit(Permit{Nonce: 1, Deadline: deadline, Signature: sig}), ErrNonceUsed)

	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	forged, err := SignPermit(otherKey, DomainConnector, chainID, originAddr, 0, deadline, env)
	require.NoError(t, err)
	assert.ErrorIs(t, sendPermit(Permit{Nonce: 0, Deadline: deadline, Signature: forged}), ErrInvalidSignature)

	wrongDomain, err := SignPermit(key, DomainConnector, chainID+1, originAddr, 0, deadline, env)
	require.NoError(t, err)
	assert.ErrorIs(t, sendPermit(Permit{Nonce: 0, Deadline: deadline, Signature: wrongDomain}), ErrInvalidSignature)

	require.NoError(t, sendPermit(Permit{Nonce: 0, Deadline: deadline, Signature: sig}))
	assert.Equal(t, uint64(1), f.origin.PermitNonce(signer))
	assert.Equal(t, uint64(1), f.origin.Nonce(signer))

	assert.ErrorIs(t, sendPermit(Permit{Nonce: 0, Deadline: deadline, Signature: sig}), ErrNonceUsed)
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t, Config{Mode: envelope.ModeDirect})
	f.chain.Fund(originAddr, ether)

	withdraw := func(from common.Address) error {
		_, err := f.chain.Transact(from, originAddr, nil, func(ctx *chain.CallContext) error {
			return f.origin.Withdraw(ctx, relayer, ether)
		})
		return err
	}
	assert.ErrorIs(t, withdraw(f.user), ErrOnlyOwner)
	require.NoError(t, withdraw(owner))
	assert.Equal(t, ether, f.chain.Balance(relayer))
}

func TestPermitDigestBindsFullChainID(t *testing.T) {
	env := userEnvelope(common.HexToAddress("0x1234"))

	high, err := PermitDigest(DomainConnector, math.MaxUint64, originAddr, 0, 1, env)
	require.NoError(t, err)
	wrapped, err := PermitDigest(DomainConnector, 1<<63, originAddr, 0, 1, env)
	require.NoError(t, err)
	assert.NotEqual(t, high, wrapped)
	assert.NotEqual(t, common.Hash{}, high)
}
