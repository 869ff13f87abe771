// Package origin implements the origin contract: the per-chain entry point
// that accepts a cross-chain intent, collects its fee, assigns the nonce and
// emits the canonical envelope for the relayer.
package origin

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"yar/internal/chain"
	"yar/internal/envelope"
	"yar/internal/events"
	"yar/internal/revert"
)

var (
	ErrChainMismatch     = revert.New(revert.KindValidation, "chain mismatch")
	ErrAmountMismatch    = revert.New(revert.KindValidation, "amount!")
	ErrFeeAmountMismatch = revert.New(revert.KindValidation, "feeAmount!")
	ErrValueMismatch     = revert.New(revert.KindValidation, "value!")
	ErrPermitExpired     = revert.New(revert.KindValidation, "permit expired")
	ErrNonceUsed         = revert.New(revert.KindValidation, "nonce!")
	ErrInvalidSignature  = revert.New(revert.KindValidation, "invalid signature")
	ErrNotSender         = revert.New(revert.KindUnauthorized, "sender!")
	ErrOnlyOwner         = revert.New(revert.KindUnauthorized, "only owner")
	ErrGateway           = revert.New(revert.KindStateMachine, "gateway!")
)

// Config holds the constructor arguments of an origin contract.
type Config struct {
	Mode envelope.Mode
	// Owner may withdraw escrowed value and retained fees.
	Owner common.Address
	// Relayer receives forwarded fees and deposits.
	Relayer common.Address
	// FeeToken is reported in Deposit and SendFees events; zero is native.
	FeeToken common.Address
	// RetainFees keeps collected fees in the contract instead of forwarding them.
	RetainFees bool
	// SendEvent names the event carrying the envelope. Defaults to Send.
	SendEvent string
	// FeeMismatch is returned when the attached value does not match the fee.
	// Defaults to ErrAmountMismatch.
	FeeMismatch error
	// DomainName is the EIP-712 domain name of permits. Defaults to YarRequest.
	DomainName string
}

// Origin is the origin contract.
type Origin struct {
	cfg Config

	nonces       map[common.Address]uint64
	permitNonces map[common.Address]uint64
	approvals    map[approvalKey]uint64
}

type approvalKey struct {
	sender common.Address
	intent common.Hash
}

// New creates an origin contract.
func New(cfg Config) *Origin {
	if cfg.SendEvent == "" {
		cfg.SendEvent = events.NameSend
	}
	if cfg.FeeMismatch == nil {
		cfg.FeeMismatch = ErrAmountMismatch
	}
	if cfg.DomainName == "" {
		cfg.DomainName = DomainRequest
	}
	return &Origin{
		cfg:          cfg,
		nonces:       make(map[common.Address]uint64),
		permitNonces: make(map[common.Address]uint64),
		approvals:    make(map[approvalKey]uint64),
	}
}

// Mode returns the envelope mode this contract emits.
func (o *Origin) Mode() envelope.Mode { return o.cfg.Mode }

// DomainName returns the EIP-712 domain name of permits.
func (o *Origin) DomainName() string { return o.cfg.DomainName }

// Nonce returns the nonce the next envelope of sender will carry.
func (o *Origin) Nonce(sender common.Address) uint64 { return o.nonces[sender] }

// PermitNonce returns the nonce the next permit of sender must carry.
func (o *Origin) PermitNonce(sender common.Address) uint64 { return o.permitNonces[sender] }

// Send registers env. The caller must be env.Sender, or the app (env.Payer)
// holding an approval from the sender.
func (o *Origin) Send(ctx *chain.CallContext, env envelope.Envelope) (envelope.Envelope, error) {
	env = o.normalize(env)
	if ctx.Caller() != env.Sender {
		if err := o.consumeApproval(ctx, env); err != nil {
			return envelope.Envelope{}, err
		}
	}
	return o.send(ctx, env)
}

// Deposit forwards amount to the relayer, to be credited on the hub.
func (o *Origin) Deposit(ctx *chain.CallContext, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 || ctx.Value().Cmp(amount) != 0 {
		return ErrAmountMismatch
	}
	if !o.cfg.RetainFees {
		if err := ctx.Transfer(o.cfg.Relayer, amount); err != nil {
			return err
		}
	}
	ctx.Emit(events.NameDeposit, events.Deposit{
		User:   ctx.Caller(),
		Token:  o.cfg.FeeToken,
		Amount: new(big.Int).Set(amount),
	})
	return nil
}

// Approve lets spender debit the caller's hub balance for envelopes from this chain.
func (o *Origin) Approve(ctx *chain.CallContext, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrAmountMismatch
	}
	ctx.Emit(events.NameApprove, events.Approve{
		User:    ctx.Caller(),
		ChainID: ctx.ChainID(),
		App:     spender,
		Amount:  new(big.Int).Set(amount),
	})
	return nil
}

// ApproveSend lets env.Payer send env once on the caller's behalf.
func (o *Origin) ApproveSend(ctx *chain.CallContext, env envelope.Envelope) error {
	env = o.normalize(env)
	if ctx.Caller() != env.Sender {
		return ErrNotSender
	}
	o.grant(ctx, approvalKey{sender: env.Sender, intent: env.IntentHash()})
	return nil
}

// ApproveAndCallApp grants a one-shot approval for env, calls the app
// (env.Payer) with calldata forwarding the attached value, and requires the
// app to have consumed the approval by sending env.
func (o *Origin) ApproveAndCallApp(ctx *chain.CallContext, calldata []byte, env envelope.Envelope) error {
	env = o.normalize(env)
	if ctx.Caller() != env.Sender {
		return ErrNotSender
	}
	key := approvalKey{sender: env.Sender, intent: env.IntentHash()}
	before := o.approvals[key]
	o.grant(ctx, key)

	if _, err := ctx.Call(env.Payer, ctx.Value(), calldata); err != nil {
		return err
	}
	if o.approvals[key] != before {
		return ErrGateway
	}
	return nil
}

// Withdraw moves escrowed value or retained fees to `to`.
func (o *Origin) Withdraw(ctx *chain.CallContext, to common.Address, amount *big.Int) error {
	if ctx.Caller() != o.cfg.Owner {
		return ErrOnlyOwner
	}
	return ctx.Transfer(to, amount)
}

func (o *Origin) normalize(env envelope.Envelope) envelope.Envelope {
	env = env.Clone()
	env.Mode = o.cfg.Mode
	env.Payer = env.PayerOrSender()
	env.Nonce = 0
	return env
}

func (o *Origin) grant(ctx *chain.CallContext, key approvalKey) {
	o.approvals[key]++
	ctx.Journal(func() { o.decrement(key) })
}

func (o *Origin) decrement(key approvalKey) {
	if o.approvals[key] <= 1 {
		delete(o.approvals, key)
		return
	}
	o.approvals[key]--
}

func (o *Origin) consumeApproval(ctx *chain.CallContext, env envelope.Envelope) error {
	if ctx.Caller() != env.Payer {
		return ErrNotSender
	}
	key := approvalKey{sender: env.Sender, intent: env.IntentHash()}
	if o.approvals[key] == 0 {
		return ErrNotSender
	}
	o.decrement(key)
	ctx.Journal(func() { o.approvals[key]++ })
	return nil
}

func (o *Origin) send(ctx *chain.CallContext, env envelope.Envelope) (envelope.Envelope, error) {
	if env.InitialChainID != ctx.ChainID() {
		return envelope.Envelope{}, ErrChainMismatch
	}
	if err := env.Validate(); err != nil {
		return envelope.Envelope{}, err
	}
	if err := o.collectFee(ctx, env); err != nil {
		return envelope.Envelope{}, err
	}

	nonce := o.nonces[env.Sender]
	o.nonces[env.Sender] = nonce + 1
	ctx.Journal(func() { o.nonces[env.Sender] = nonce })
	env.Nonce = nonce

	ctx.Emit(o.cfg.SendEvent, events.Send{Envelope: env})
	return env, nil
}

func (o *Origin) collectFee(ctx *chain.CallContext, env envelope.Envelope) error {
	attached := ctx.Value()
	fee := env.FeeAmount

	switch o.cfg.Mode {
	case envelope.ModeHub:
		// Hub mode takes exactly the fee. Value is never escrowed here.
		if attached.Cmp(fee) != 0 {
			return o.cfg.FeeMismatch
		}
		if fee.Sign() == 0 {
			return nil
		}
		if err := o.forwardFee(ctx, fee); err != nil {
			return err
		}
		ctx.Emit(events.NameDeposit, events.Deposit{User: env.Payer, Token: o.cfg.FeeToken, Amount: new(big.Int).Set(fee)})
	default:
		if attached.Cmp(env.Value) < 0 {
			return ErrValueMismatch
		}
		if fee.Sign() == 0 {
			return nil
		}
		if attached.Cmp(new(big.Int).Add(fee, env.Value)) != 0 {
			return o.cfg.FeeMismatch
		}
		if err := o.forwardFee(ctx, fee); err != nil {
			return err
		}
		if o.cfg.RetainFees {
			ctx.Emit(events.NameSendFees, events.SendFees{User: env.Sender, FeeToken: o.cfg.FeeToken, Amount: new(big.Int).Set(fee)})
		}
	}
	return nil
}

func (o *Origin) forwardFee(ctx *chain.CallContext, fee *big.Int) error {
	if o.cfg.RetainFees {
		return nil
	}
	return ctx.Transfer(o.cfg.Relayer, fee)
}
