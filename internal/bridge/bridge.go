// Package bridge implements the asset bridges: contracts that custody,
// issue and route fungible, non-fungible and multi-token assets between
// chains over the Yar relay, plus a plain message bridge.
//
// Every bridge knows a proxy chain. Standard chains route every transfer
// through the proxy, which keeps issued assets in custody for onward routing.
// Payloads always name the asset's original (chain, token), so an asset is
// never wrapped twice.
package bridge

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"yar/internal/approval"
	"yar/internal/blockchain/create2"
	"yar/internal/chain"
	"yar/internal/envelope"
	"yar/internal/events"
	"yar/internal/revert"
	"yar/internal/token"
)

var (
	ErrOnlyOwner           = revert.New(revert.KindUnauthorized, "only owner")
	ErrPeerNotSet          = revert.New(revert.KindValidation, "peer not set")
	ErrUnknownPeer         = revert.New(revert.KindUnauthorized, "peer!")
	ErrNotInbox            = revert.New(revert.KindUnauthorized, "inbox!")
	ErrValueMismatch       = revert.New(revert.KindValidation, "value!")
	ErrInsufficientCustody = revert.New(revert.KindInsufficientFunds, "insufficient custody")
	ErrMetadataMismatch    = revert.New(revert.KindValidation, "metadata mismatch")
	ErrInvalidAmounts      = revert.New(revert.KindValidation, "amounts!")
	ErrSameChain           = revert.New(revert.KindValidation, "target chain!")
	ErrZeroRecipient       = revert.New(revert.KindValidation, "recipient!")
	ErrUnknownMethod       = revert.New(revert.KindValidation, "unknown method")
	ErrMalformedPayload    = revert.New(revert.KindValidation, "malformed payload")
	ErrUnroutable          = revert.New(revert.KindValidation, "route!")
	ErrUnknownToken        = revert.New(revert.KindValidation, "unknown token")
	ErrNoOutbox            = revert.New(revert.KindValidation, "outbox!")
)

// Outbox is the contract a bridge sends its envelopes through: an origin
// contract or a connector.
type Outbox interface {
	Send(ctx *chain.CallContext, env envelope.Envelope) (envelope.Envelope, error)
}

// Inbox is the contract that delivers envelopes to a bridge: a destination
// contract or a connector.
type Inbox interface {
	InFlight() (envelope.Envelope, bool)
}

// Peer is the bridge deployed on another chain.
type Peer struct {
	ChainID      uint64         `json:"chainId"`
	Bridge       common.Address `json:"bridge"`
	NativeName   string         `json:"nativeName"`
	NativeSymbol string         `json:"nativeSymbol"`
}

// IssuedAsset is the local representation of an asset from another chain.
type IssuedAsset struct {
	OriginChainID uint64         `json:"originChainId"`
	OriginToken   common.Address `json:"originToken"`
	Address       common.Address `json:"address"`
	token.Metadata
}

// Config holds the constructor arguments of a bridge.
type Config struct {
	Owner common.Address
	// Outbox and Inbox are the relay contracts on this chain. They may be the
	// same connector.
	Outbox common.Address
	Inbox  common.Address
	// ProxyChainID is the routing hub of the bridge network; zero routes
	// every transfer directly.
	ProxyChainID uint64
	// NativeName and NativeSymbol describe this chain's native asset.
	NativeName   string
	NativeSymbol string
	// FeeToken is the asset relay fees are paid in; zero is native.
	FeeToken common.Address
	// Gate, when set, must authorize every outbound transfer.
	Gate approval.Gate
}

type originKey struct {
	chainID uint64
	token   common.Address
}

type custodyKey struct {
	token common.Address
	id    string
}

// core is the peer registry and inbound authentication shared by every
// bridge flavour.
type core struct {
	cfg   Config
	peers map[uint64]Peer
	nonce uint64
}

func newCore(cfg Config) core {
	return core{cfg: cfg, peers: make(map[uint64]Peer)}
}

// SetPeer registers the bridge on chainID. Owner-only.
func (c *core) SetPeer(ctx *chain.CallContext, chainID uint64, bridge common.Address, nativeName, nativeSymbol string) error {
	if ctx.Caller() != c.cfg.Owner {
		return ErrOnlyOwner
	}
	prev, had := c.peers[chainID]
	c.peers[chainID] = Peer{ChainID: chainID, Bridge: bridge, NativeName: nativeName, NativeSymbol: nativeSymbol}
	ctx.Journal(func() {
		if had {
			c.peers[chainID] = prev
		} else {
			delete(c.peers, chainID)
		}
	})
	return nil
}

// Peer returns the bridge registered for chainID.
func (c *core) Peer(chainID uint64) (Peer, bool) {
	p, ok := c.peers[chainID]
	return p, ok
}

// ProxyChainID returns the routing hub, zero for direct routing.
func (c *core) ProxyChainID() uint64 { return c.cfg.ProxyChainID }

// Nonce returns the number of transfers sent so far.
func (c *core) Nonce() uint64 { return c.nonce }

// TransferID identifies the transfer sent with nonce from chainID:
// keccak256(abi.encode(nonce, chainId)).
func TransferID(nonce, chainID uint64) common.Hash {
	var buf [64]byte
	new(big.Int).SetUint64(nonce).FillBytes(buf[:32])
	new(big.Int).SetUint64(chainID).FillBytes(buf[32:])
	return crypto.Keccak256Hash(buf[:])
}

// nextHop is the chain an envelope bound for target is sent to.
func (c *core) nextHop(here, target uint64) uint64 {
	proxy := c.cfg.ProxyChainID
	if proxy == 0 || here == proxy || target == proxy {
		return target
	}
	return proxy
}

func (c *core) isProxy(here uint64) bool {
	return c.cfg.ProxyChainID != 0 && c.cfg.ProxyChainID == here
}

// authenticate checks that the call comes from the inbox delivering an
// envelope sent by a registered peer, and returns the peer's chain.
func (c *core) authenticate(ctx *chain.CallContext) (uint64, error) {
	if ctx.Caller() != c.cfg.Inbox {
		return 0, ErrNotInbox
	}
	inbox, ok := chain.CodeAs[Inbox](ctx, c.cfg.Inbox)
	if !ok {
		return 0, ErrNotInbox
	}
	env, ok := inbox.InFlight()
	if !ok {
		return 0, ErrNotInbox
	}
	peer, ok := c.peers[env.InitialChainID]
	if !ok || peer.Bridge != env.Sender {
		return 0, ErrUnknownPeer
	}
	return env.InitialChainID, nil
}

// send hands data to the outbox, addressed to the peer bridge on hop. The
// bridge is the sender; payer pays the relay fee attached as fee.
func (c *core) send(ctx *chain.CallContext, hop uint64, payer common.Address, fee *big.Int, data []byte) (envelope.Envelope, error) {
	peer, ok := c.peers[hop]
	if !ok {
		return envelope.Envelope{}, ErrPeerNotSet
	}
	outbox, ok := chain.CodeAs[Outbox](ctx, c.cfg.Outbox)
	if !ok {
		return envelope.Envelope{}, ErrNoOutbox
	}
	env := envelope.Envelope{
		InitialChainID: ctx.ChainID(),
		Sender:         ctx.Self(),
		Payer:          payer,
		TargetChainID:  hop,
		Target:         peer.Bridge,
		Value:          new(big.Int),
		Data:           data,
		FeeAmount:      envelope.Amount(fee),
	}
	var sent envelope.Envelope
	err := ctx.Exec(c.cfg.Outbox, fee, func(sub *chain.CallContext) error {
		var err error
		sent, err = outbox.Send(sub, env)
		return err
	})
	if err != nil {
		return envelope.Envelope{}, err
	}
	return sent, nil
}

func (c *core) bumpNonce(ctx *chain.CallContext) uint64 {
	n := c.nonce
	c.nonce = n + 1
	ctx.Journal(func() { c.nonce = n })
	return n
}

// IssuedAssetAddress is the deterministic address at which the bridge at
// deployer deploys the issued representation of (originChainID, originToken).
func IssuedAssetAddress(deployer common.Address, kind Kind, originChainID uint64, originToken common.Address) common.Address {
	salt := create2.IssuedAssetSalt(originChainID, originToken)
	addr, err := create2.ComputeAddress(deployer, salt, kind.InitCode())
	if err != nil {
		return common.Address{}
	}
	return addr
}

func copyInts(in []*big.Int) []*big.Int {
	out := make([]*big.Int, len(in))
	for i, v := range in {
		out[i] = new(big.Int).Set(v)
	}
	return out
}

func emitDeployed(ctx *chain.CallContext, a IssuedAsset) {
	ctx.Emit(events.NameIssuedAssetDeployed, events.IssuedAssetDeployed{
		OriginalChainID: a.OriginChainID,
		OriginalToken:   a.OriginToken,
		Token:           a.Address,
		Name:            a.Name,
		Symbol:          a.Symbol,
		Decimals:        a.Decimals,
	})
}
