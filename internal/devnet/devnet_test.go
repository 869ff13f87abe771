package devnet

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"yar/internal/bridge"
	"yar/internal/chain"
	"yar/internal/config"
	"yar/internal/envelope"
	"yar/internal/eventbus"
	"yar/internal/hub"
	"yar/internal/relayer"
	"yar/internal/service"
	"yar/internal/token"
)

const (
	chainA   uint64 = 199
	proxy    uint64 = 100
	chainB   uint64 = 1178
	hubChain uint64 = 10_000
)

var (
	relayerAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	user        = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	recipient   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	app         = common.HexToAddress("0x0000000000000000000000000000000000000a99")
	tokenAddr   = common.HexToAddress("0x0000000000000000000000000000000000000070")
	fee         = big.NewInt(1_000_000_000_000_000)
)

func feeConfig() *config.Config {
	chains := map[string]config.ChainConfig{}
	for _, id := range []string{"199", "100", "1178"} {
		chains[id] = config.ChainConfig{
			ChainID:          id,
			Type:             config.ChainTypeDevnet,
			DepositRateNum:   1,
			DepositRateDen:   1,
			GasPrice:         "1000000000",
			DeliveryGasLimit: 500_000,
		}
	}
	return &config.Config{
		Hub:    config.HubConfig{ChainID: hubChain, ProxyChainID: proxy},
		Chains: chains,
	}
}

func startNetwork(t *testing.T) (*Network, *relayer.Manager) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := feeConfig()

	n, err := FromConfig(cfg, hub.NewMemoryStore(), relayerAddr, logger)
	require.NoError(t, err)
	assert.Equal(t, []uint64{proxy, chainA, chainB}, n.ChainIDs())

	bus := eventbus.NewMemoryBus(eventbus.DefaultPrefix, logger)
	t.Cleanup(func() { bus.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n.Publish(ctx, bus)

	assets, err := service.NewAssetService(service.NewMemoryAssetStore(), 64, logger)
	require.NoError(t, err)
	n.RegisterBridges(assets)

	m, err := relayer.NewManager(relayer.Config{
		PollInterval: 50 * time.Millisecond,
		HubChainID:   n.Hub.ChainID(),
		HubAddress:   n.Hub.Address(),
	}, n.Backend(), n.Destinations(), bus,
		service.NewJobService(service.NewMemoryJobStore(), logger),
		service.NewFeeService(cfg, logger), assets, logger)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Shutdown(5 * time.Second) })
	return n, m
}

func TestHubEnvelopeIsRelayedAndSettled(t *testing.T) {
	n, _ := startNetwork(t)
	a, _ := n.Chain(chainA)
	b, _ := n.Chain(chainB)
	a.Fund(user, new(big.Int).Mul(fee, big.NewInt(2)))

	var sent envelope.Envelope
	_, err := a.Transact(user, RequestAddress, fee, func(ctx *chain.CallContext) error {
		var err error
		sent, err = a.Request.Send(ctx, envelope.Envelope{
			Mode:           envelope.ModeHub,
			InitialChainID: chainA,
			Sender:         user,
			Payer:          user,
			TargetChainID:  chainB,
			Target:         app,
			Value:          big.NewInt(5),
			FeeAmount:      new(big.Int).Set(fee),
		})
		return err
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		rec, err := n.Hub.Transaction(ctx, sent.Hash())
		return err == nil && rec != nil && rec.Status == hub.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := n.Hub.Transaction(ctx, sent.Hash())
	require.NoError(t, err)
	assert.True(t, rec.UsedFee.Sign() > 0)
	assert.True(t, rec.UsedFee.Cmp(rec.LockedFee) <= 0)
	assert.Equal(t, "5", b.Balance(app).String())

	// Fee conservation: credited = balance + used.
	bal, err := n.Hub.BalanceOf(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, fee.String(), new(big.Int).Add(bal, rec.UsedFee).String())
}

func TestERC20TransferRoutesThroughProxy(t *testing.T) {
	n, _ := startNetwork(t)
	a, _ := n.Chain(chainA)
	p, _ := n.Chain(proxy)
	b, _ := n.Chain(chainB)

	original := token.NewERC20(token.Metadata{Name: "Token", Symbol: "TKN", Decimals: 18}, user)
	require.NoError(t, a.Deploy(tokenAddr, original))
	_, err := a.Transact(user, tokenAddr, nil, func(ctx *chain.CallContext) error {
		if err := original.Mint(ctx, user, big.NewInt(1000)); err != nil {
			return err
		}
		return original.Approve(ctx, BridgeAddress, big.NewInt(1000))
	})
	require.NoError(t, err)

	_, err = a.Transact(user, BridgeAddress, nil, func(ctx *chain.CallContext) error {
		_, err := a.Bridge.TransferTo(ctx, bridge.TransferRequest{
			Token:         tokenAddr,
			IDs:           []*big.Int{big.NewInt(0)},
			Amounts:       []*big.Int{big.NewInt(400)},
			TargetChainID: chainB,
			Recipient:     recipient,
		})
		return err
	})
	require.NoError(t, err)

	issued := bridge.IssuedAssetAddress(BridgeAddress, bridge.KindERC20, chainA, tokenAddr)
	require.Eventually(t, func() bool {
		tok, ok := chain.At[*token.ERC20](b.Chain, issued)
		if !ok {
			return false
		}
		var bal int64
		b.Read(func() { bal = tok.BalanceOf(recipient).Int64() })
		return bal == 400
	}, 5*time.Second, 10*time.Millisecond)

	a.Read(func() {
		assert.Equal(t, int64(400), a.Bridge.CustodyBalance(tokenAddr, nil).Int64())
		assert.Equal(t, int64(600), original.BalanceOf(user).Int64())
	})
	var onProxy bridge.IssuedAsset
	var ok bool
	p.Read(func() {
		onProxy, ok = p.Bridge.IssuedFor(chainA, tokenAddr)
		if ok {
			assert.Equal(t, int64(400), p.Bridge.CustodyBalance(onProxy.Address, nil).Int64())
		}
	})
	require.True(t, ok)
	b.Read(func() {
		_, wrapped := b.Bridge.IssuedFor(proxy, onProxy.Address)
		assert.False(t, wrapped)
	})
}

func TestMessageBridgeDeliversDirectly(t *testing.T) {
	n, _ := startNetwork(t)
	a, _ := n.Chain(chainA)
	b, _ := n.Chain(chainB)

	_, err := a.Transact(user, MessageBridgeAddress, nil, func(ctx *chain.CallContext) error {
		_, err := a.Messages.SendTo(ctx, chainB, recipient, "gm", nil)
		return err
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var count int
		b.Read(func() { count = b.Messages.Count() })
		return count == 1
	}, 5*time.Second, 10*time.Millisecond)

	var msgs []bridge.Message
	b.Read(func() { msgs = b.Messages.Messages(user, recipient, 0, 10) })
	require.Len(t, msgs, 1)
	assert.Equal(t, "gm", msgs[0].Message)
	assert.Equal(t, chainA, msgs[0].FromChainID)
}

func TestNewRejectsEmptyTopology(t *testing.T) {
	_, err := New(Config{Relayer: relayerAddr}, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = New(Config{ChainIDs: []uint64{1}}, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = New(Config{ChainIDs: []uint64{1, 1}, Relayer: relayerAddr}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
