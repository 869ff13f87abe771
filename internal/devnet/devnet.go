// Package devnet assembles an in-process Yar network: a fee hub plus a set
// of chains, each carrying a request contract, a response contract, a
// connector, an ERC20 bridge and a message bridge, all wired as peers.
package devnet

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"yar/internal/auth"
	"yar/internal/bridge"
	"yar/internal/chain"
	"yar/internal/config"
	"yar/internal/connector"
	"yar/internal/destination"
	"yar/internal/envelope"
	"yar/internal/eventbus"
	"yar/internal/hub"
	"yar/internal/origin"
	"yar/internal/relayer"
	"yar/internal/service"
)

// Contract addresses, identical on every devnet chain.
var (
	HubAddress           = common.HexToAddress("0x0000000000000000000000000000000000004b00")
	RequestAddress       = common.HexToAddress("0x0000000000000000000000000000000000000a00")
	ResponseAddress      = common.HexToAddress("0x0000000000000000000000000000000000000d00")
	ConnectorAddress     = common.HexToAddress("0x0000000000000000000000000000000000000c00")
	BridgeAddress        = common.HexToAddress("0x0000000000000000000000000000000000000b10")
	MessageBridgeAddress = common.HexToAddress("0x0000000000000000000000000000000000000b20")
)

// RelayerFloat is the native balance the relayer starts with on every chain,
// used to pay the value of delivered envelopes.
var RelayerFloat = new(big.Int).Mul(big.NewInt(1_000), big.NewInt(1e18))

// Config describes a devnet.
type Config struct {
	HubChainID uint64
	ChainIDs   []uint64
	// ProxyChainID routes bridge transfers; zero routes directly.
	ProxyChainID uint64
	Owner        common.Address
	Relayer      common.Address
	DeliveryMode destination.DeliveryMode
	// HubStore defaults to a hub.MemoryStore.
	HubStore hub.Store
	Clock    func() time.Time
}

// Chain is one devnet chain and its contracts.
type Chain struct {
	*chain.Chain
	Request   *origin.Origin
	Response  *destination.Destination
	Connector *connector.Connector
	Bridge    *bridge.Bridge
	Messages  *bridge.MessageBridge
}

// Network is a running devnet.
type Network struct {
	cfg      Config
	logger   *zap.Logger
	Hub      *hub.Hub
	Relayers *auth.RelayerSet
	chains   map[uint64]*Chain
}

// New deploys the contracts of every chain and registers the bridges as
// each other's peers.
func New(cfg Config, logger *zap.Logger) (*Network, error) {
	if len(cfg.ChainIDs) == 0 {
		return nil, fmt.Errorf("devnet needs at least one chain")
	}
	if cfg.Relayer == (common.Address{}) {
		return nil, fmt.Errorf("devnet needs a relayer address")
	}
	if cfg.Owner == (common.Address{}) {
		cfg.Owner = cfg.Relayer
	}
	if cfg.HubStore == nil {
		cfg.HubStore = hub.NewMemoryStore()
	}
	logger = logger.Named("devnet")

	relayers := auth.NewRelayerSet(cfg.Relayer)
	n := &Network{
		cfg:      cfg,
		logger:   logger,
		Hub:      hub.New(hub.Config{ChainID: cfg.HubChainID, Address: HubAddress}, cfg.HubStore, relayers, logger),
		Relayers: relayers,
		chains:   make(map[uint64]*Chain, len(cfg.ChainIDs)),
	}

	for _, id := range cfg.ChainIDs {
		if _, dup := n.chains[id]; dup {
			return nil, fmt.Errorf("duplicate chain %d", id)
		}
		c, err := n.deploy(id)
		if err != nil {
			return nil, fmt.Errorf("chain %d: %w", id, err)
		}
		n.chains[id] = c
	}

	for _, id := range cfg.ChainIDs {
		if err := n.link(id); err != nil {
			return nil, fmt.Errorf("chain %d: %w", id, err)
		}
	}

	logger.Info("Devnet ready",
		zap.Uint64("hub_chain_id", cfg.HubChainID),
		zap.Any("chains", cfg.ChainIDs),
		zap.Uint64("proxy_chain_id", cfg.ProxyChainID))
	return n, nil
}

// FromConfig builds a devnet from the chains of cfg whose type is devnet.
func FromConfig(cfg *config.Config, store hub.Store, relayerAddr common.Address, logger *zap.Logger) (*Network, error) {
	var ids []uint64
	for _, c := range cfg.Chains {
		if c.Type != config.ChainTypeDevnet {
			continue
		}
		id, err := strconv.ParseUint(c.ChainID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id %q: %w", c.ChainID, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	n, err := New(Config{
		HubChainID:   cfg.Hub.ChainID,
		ChainIDs:     ids,
		ProxyChainID: cfg.Hub.ProxyChainID,
		Relayer:      relayerAddr,
		HubStore:     store,
	}, logger)
	if err != nil {
		return nil, err
	}
	for _, r := range cfg.Hub.Relayers {
		if !common.IsHexAddress(r) {
			return nil, fmt.Errorf("invalid hub relayer %q", r)
		}
		n.Relayers.Add(common.HexToAddress(r))
	}
	return n, nil
}

func (n *Network) deploy(id uint64) (*Chain, error) {
	var opts []chain.Option
	if n.cfg.Clock != nil {
		opts = append(opts, chain.WithClock(n.cfg.Clock))
	}
	c := &Chain{
		Chain: chain.New(id, opts...),
		Request: origin.New(origin.Config{
			Mode:    envelope.ModeHub,
			Owner:   n.cfg.Owner,
			Relayer: n.cfg.Relayer,
		}),
		Response: destination.New(destination.Config{
			Relayers: n.Relayers,
			Mode:     n.cfg.DeliveryMode,
		}),
		Connector: connector.New(connector.Config{
			Owner:        n.cfg.Owner,
			Relayers:     n.Relayers,
			DeliveryMode: n.cfg.DeliveryMode,
		}),
	}
	bridgeCfg := bridge.Config{
		Owner:        n.cfg.Owner,
		Outbox:       ConnectorAddress,
		Inbox:        ConnectorAddress,
		ProxyChainID: n.cfg.ProxyChainID,
		NativeName:   "Ether",
		NativeSymbol: "ETH",
	}
	c.Bridge = bridge.New(bridgeCfg, bridge.KindERC20)
	c.Messages = bridge.NewMessageBridge(bridgeCfg)

	for addr, code := range map[common.Address]any{
		RequestAddress:       c.Request,
		ResponseAddress:      c.Response,
		ConnectorAddress:     c.Connector,
		BridgeAddress:        c.Bridge,
		MessageBridgeAddress: c.Messages,
	} {
		if err := c.Deploy(addr, code); err != nil {
			return nil, err
		}
	}
	c.Fund(n.cfg.Relayer, RelayerFloat)
	return c, nil
}

func (n *Network) link(id uint64) error {
	c := n.chains[id]
	_, err := c.Transact(n.cfg.Owner, BridgeAddress, nil, func(ctx *chain.CallContext) error {
		for _, other := range n.cfg.ChainIDs {
			if other == id {
				continue
			}
			if err := c.Bridge.SetPeer(ctx, other, BridgeAddress, "Ether", "ETH"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register asset bridge peers: %w", err)
	}
	_, err = c.Transact(n.cfg.Owner, MessageBridgeAddress, nil, func(ctx *chain.CallContext) error {
		for _, other := range n.cfg.ChainIDs {
			if other == id {
				continue
			}
			if err := c.Messages.SetPeer(ctx, other, MessageBridgeAddress, "Ether", "ETH"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register message bridge peers: %w", err)
	}
	return nil
}

// Chain returns the devnet chain with id.
func (n *Network) Chain(id uint64) (*Chain, bool) {
	c, ok := n.chains[id]
	return c, ok
}

// ChainIDs returns the ids of the devnet chains in ascending order.
func (n *Network) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(n.chains))
	for id := range n.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RelayerAddress returns the relayer account.
func (n *Network) RelayerAddress() common.Address { return n.cfg.Relayer }

// Backend returns the hub as the relayer sees it.
func (n *Network) Backend() relayer.HubBackend {
	return relayer.LocalHub{Hub: n.Hub, Relayer: n.cfg.Relayer}
}

// Destinations returns a delivery endpoint per chain. Hub envelopes go to
// the response contract and direct envelopes to the connector.
func (n *Network) Destinations() []relayer.Destination {
	out := make([]relayer.Destination, 0, len(n.chains))
	for _, id := range n.ChainIDs() {
		out = append(out, relayer.ChainDestination{
			Chain:     n.chains[id].Chain,
			Contract:  ResponseAddress,
			Connector: ConnectorAddress,
			Relayer:   n.cfg.Relayer,
		})
	}
	return out
}

// RegisterBridges makes every asset bridge known to assets.
func (n *Network) RegisterBridges(assets *service.AssetService) {
	for id := range n.chains {
		assets.RegisterBridge(service.BridgeRef{ChainID: id, Address: BridgeAddress}, bridge.KindERC20)
	}
}

// Publish forwards every chain's logs and the hub's events to bus until ctx
// is done. Subscriptions are in place when Publish returns.
func (n *Network) Publish(ctx context.Context, bus eventbus.Bus) {
	pub := eventbus.NewPublisher(bus, n.logger)
	n.watch(ctx, "hub", pub.StartRecords(ctx, n.Hub))
	for _, id := range n.ChainIDs() {
		n.watch(ctx, strconv.FormatUint(id, 10), pub.StartLogs(ctx, n.chains[id].Chain))
	}
}

func (n *Network) watch(ctx context.Context, source string, done <-chan error) {
	go func() {
		if err := <-done; err != nil && ctx.Err() == nil {
			n.logger.Error("Event forwarding stopped", zap.String("source", source), zap.Error(err))
		}
	}()
}
