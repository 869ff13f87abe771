// Package destination implements the relayer-only delivery contract that
// performs an envelope's effect on its target chain.
package destination

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"yar/internal/auth"
	"yar/internal/chain"
	"yar/internal/envelope"
	"yar/internal/events"
	"yar/internal/revert"
)

var (
	ErrOnlyRelayer         = revert.New(revert.KindUnauthorized, "only relayer")
	ErrTargetChainMismatch = revert.New(revert.KindValidation, "target chain mismatch")
	ErrValueMismatch       = revert.New(revert.KindValidation, "value!")
	ErrDeliveryFailed      = revert.New(revert.KindDelivery, "delivery failed")
)

// DeliveryMode decides what happens to the value when the target call fails.
type DeliveryMode uint8

const (
	// DeliveryAtomic reverts the value transfer together with a failed call.
	DeliveryAtomic DeliveryMode = iota
	// DeliveryValueFirst commits the value transfer and reports the failed
	// call in the result and a DeliveryFailed event.
	DeliveryValueFirst
)

func (m DeliveryMode) String() string {
	if m == DeliveryValueFirst {
		return "value-first"
	}
	return "atomic"
}

// ParseDeliveryMode parses "atomic" or "value-first".
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch s {
	case "", "atomic":
		return DeliveryAtomic, nil
	case "value-first":
		return DeliveryValueFirst, nil
	}
	return DeliveryAtomic, fmt.Errorf("unknown delivery mode %q", s)
}

// Config holds the constructor arguments of a destination contract.
type Config struct {
	Relayers auth.Authorizer
	Mode     DeliveryMode
}

// Result describes a delivery.
type Result struct {
	Hash common.Hash
	// CallErr is the target call's failure in DeliveryValueFirst mode.
	CallErr error
}

// Destination is the destination contract.
type Destination struct {
	cfg      Config
	inFlight []envelope.Envelope
}

// New creates a destination contract.
func New(cfg Config) *Destination {
	return &Destination{cfg: cfg}
}

// Mode returns the delivery mode.
func (d *Destination) Mode() DeliveryMode { return d.cfg.Mode }

// InFlight returns the envelope currently being delivered. Targets use it to
// learn the originating chain and sender of the call they receive.
func (d *Destination) InFlight() (envelope.Envelope, bool) {
	if len(d.inFlight) == 0 {
		return envelope.Envelope{}, false
	}
	return d.inFlight[len(d.inFlight)-1], true
}

// Deliver transfers env.Value to env.Target and calls it with env.Data.
// The caller must attach exactly env.Value.
func (d *Destination) Deliver(ctx *chain.CallContext, env envelope.Envelope) (Result, error) {
	if d.cfg.Relayers == nil || !d.cfg.Relayers.IsRelayer(ctx.Caller()) {
		return Result{}, ErrOnlyRelayer
	}
	if env.TargetChainID != ctx.ChainID() {
		return Result{}, ErrTargetChainMismatch
	}
	if err := env.Validate(); err != nil {
		return Result{}, err
	}
	env = env.Clone()
	if ctx.Value().Cmp(env.Value) != 0 {
		return Result{}, ErrValueMismatch
	}

	hash := env.Hash()
	d.inFlight = append(d.inFlight, env)
	defer func() { d.inFlight = d.inFlight[:len(d.inFlight)-1] }()

	result := Result{Hash: hash}
	switch d.cfg.Mode {
	case DeliveryValueFirst:
		if err := ctx.Transfer(env.Target, env.Value); err != nil {
			return Result{}, err
		}
		if len(env.Data) > 0 {
			if _, err := ctx.Call(env.Target, nil, env.Data); err != nil {
				result.CallErr = err
				ctx.Emit(events.NameDeliveryFailed, events.DeliveryFailed{
					Envelope: env,
					Hash:     hash,
					Reason:   revert.Reason(err),
				})
				return result, nil
			}
		}
	default:
		if len(env.Data) == 0 {
			if err := ctx.Transfer(env.Target, env.Value); err != nil {
				return Result{}, err
			}
		} else if _, err := ctx.Call(env.Target, env.Value, env.Data); err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
		}
	}

	ctx.Emit(events.NameDeliver, events.Deliver{Envelope: env, Hash: hash})
	return result, nil
}
