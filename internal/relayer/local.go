package relayer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"yar/internal/chain"
	"yar/internal/destination"
	"yar/internal/envelope"
)

type deliverer interface {
	Deliver(ctx *chain.CallContext, env envelope.Envelope) (destination.Result, error)
}

type crossCallReceiver interface {
	OnCrossCall(ctx *chain.CallContext, env envelope.Envelope) (destination.Result, error)
}

// ChainDestination delivers on an in-process chain through a destination or
// connector contract. The relayer account pays the delivered value.
type ChainDestination struct {
	Chain    *chain.Chain
	Contract common.Address
	// Connector, when set, receives direct-mode envelopes.
	Connector common.Address
	Relayer   common.Address
}

func (d ChainDestination) ChainID() uint64 { return d.Chain.ID() }

func (d ChainDestination) contractFor(env envelope.Envelope) common.Address {
	if env.Mode == envelope.ModeDirect && d.Connector != (common.Address{}) {
		return d.Connector
	}
	return d.Contract
}

func (d ChainDestination) Deliver(_ context.Context, env envelope.Envelope) (*Delivery, error) {
	to := d.contractFor(env)
	var result destination.Result
	receipt, err := d.Chain.Transact(d.Relayer, to, env.Value, func(ctx *chain.CallContext) error {
		var err error
		switch code := ctx.CodeAt(to).(type) {
		case deliverer:
			result, err = code.Deliver(ctx, env)
		case crossCallReceiver:
			result, err = code.OnCrossCall(ctx, env)
		default:
			err = fmt.Errorf("no delivery contract at %s on chain %d", to.Hex(), ctx.ChainID())
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Delivery{TxHash: receipt.TxHash, GasUsed: receipt.GasUsed, CallErr: result.CallErr}, nil
}

func (d ChainDestination) Delivery(_ context.Context, txHash common.Hash) (*Delivery, error) {
	receipt := d.Chain.Receipt(txHash)
	if receipt == nil {
		return nil, nil
	}
	if receipt.Status != chain.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("delivery %s failed: %w", txHash.Hex(), receipt.Err)
	}
	return &Delivery{TxHash: receipt.TxHash, GasUsed: receipt.GasUsed}, nil
}
