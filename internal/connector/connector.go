// Package connector implements the hub-less connector: an origin and a
// destination fused into one contract deployed on every chain of a pair.
// Fees are fixed at call time and stay in the connector's balance.
package connector

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"yar/internal/auth"
	"yar/internal/chain"
	"yar/internal/destination"
	"yar/internal/envelope"
	"yar/internal/events"
	"yar/internal/origin"
)

// Config holds the constructor arguments of a connector.
type Config struct {
	Owner        common.Address
	Relayers     auth.Authorizer
	FeeToken     common.Address
	DeliveryMode destination.DeliveryMode
}

// Connector is the peer-to-peer connector contract.
type Connector struct {
	origin *origin.Origin
	dest   *destination.Destination
}

// New creates a connector.
func New(cfg Config) *Connector {
	return &Connector{
		origin: origin.New(origin.Config{
			Mode:        envelope.ModeDirect,
			Owner:       cfg.Owner,
			FeeToken:    cfg.FeeToken,
			RetainFees:  true,
			SendEvent:   events.NameCrossCall,
			FeeMismatch: origin.ErrFeeAmountMismatch,
			DomainName:  origin.DomainConnector,
		}),
		dest: destination.New(destination.Config{
			Relayers: cfg.Relayers,
			Mode:     cfg.DeliveryMode,
		}),
	}
}

// CrossCall registers an outbound envelope and collects its fee.
func (c *Connector) CrossCall(ctx *chain.CallContext, env envelope.Envelope) (envelope.Envelope, error) {
	return c.origin.Send(ctx, env)
}

// OnCrossCall delivers an inbound envelope. Relayer-only.
func (c *Connector) OnCrossCall(ctx *chain.CallContext, env envelope.Envelope) (destination.Result, error) {
	return c.dest.Deliver(ctx, env)
}

// ApproveCrossCall lets the envelope's app call CrossCall once for the caller.
func (c *Connector) ApproveCrossCall(ctx *chain.CallContext, env envelope.Envelope) error {
	return c.origin.ApproveSend(ctx, env)
}

// CrossCallGateway calls the app with calldata and requires it to cross-call env.
func (c *Connector) CrossCallGateway(ctx *chain.CallContext, calldata []byte, env envelope.Envelope) error {
	return c.origin.ApproveAndCallApp(ctx, calldata, env)
}

// CrossCallPermit registers env on behalf of a sender that signed a permit.
func (c *Connector) CrossCallPermit(ctx *chain.CallContext, env envelope.Envelope, permit origin.Permit) (envelope.Envelope, error) {
	return c.origin.SendWithPermit(ctx, env, permit)
}

// Withdraw moves collected fees out of the connector. Owner-only.
func (c *Connector) Withdraw(ctx *chain.CallContext, to common.Address, amount *big.Int) error {
	return c.origin.Withdraw(ctx, to, amount)
}

// InFlight returns the envelope being delivered.
func (c *Connector) InFlight() (envelope.Envelope, bool) { return c.dest.InFlight() }

// Nonce returns the next envelope nonce of sender.
func (c *Connector) Nonce(sender common.Address) uint64 { return c.origin.Nonce(sender) }

// PermitNonce returns the next permit nonce of sender.
func (c *Connector) PermitNonce(sender common.Address) uint64 { return c.origin.PermitNonce(sender) }

// Send is CrossCall under the name bridges use for their outbox.
func (c *Connector) Send(ctx *chain.CallContext, env envelope.Envelope) (envelope.Envelope, error) {
	return c.CrossCall(ctx, env)
}
