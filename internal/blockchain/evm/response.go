package evm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"yar/internal/destination"
	"yar/internal/envelope"
	"yar/internal/relayer"
	"yar/internal/revert"
)

var responseReverts = []*revert.Error{
	destination.ErrOnlyRelayer,
	destination.ErrTargetChainMismatch,
	destination.ErrValueMismatch,
}

// ResponseContract delivers envelopes through a YarResponse contract
type ResponseContract struct {
	client  *Client
	address common.Address
	logger  *zap.Logger
}

// NewResponseContract binds the response contract at address
func NewResponseContract(client *Client, address common.Address, logger *zap.Logger) *ResponseContract {
	return &ResponseContract{
		client:  client,
		address: address,
		logger:  logger.With(zap.String("response", address.Hex())),
	}
}

func (r *ResponseContract) ChainID() uint64 { return r.client.ChainID() }

// Deliver sends deliver(env) with env.Value attached and waits for it to be
// mined. A target revert in atomic mode fails the whole delivery.
func (r *ResponseContract) Deliver(ctx context.Context, env envelope.Envelope) (*relayer.Delivery, error) {
	data, err := responseABI.Pack("deliver", env.Tuple())
	if err != nil {
		return nil, fmt.Errorf("failed to pack deliver: %w", err)
	}
	receipt, err := r.client.SendAndWait(ctx, r.address, data, envelope.Amount(env.Value))
	if err != nil {
		err = mapRevert(err, responseReverts)
		var er *ExecutionReverted
		if errors.As(err, &er) {
			return nil, fmt.Errorf("%w: %s", destination.ErrDeliveryFailed, er.Reason)
		}
		return nil, err
	}
	return r.delivery(receipt)
}

// Delivery looks up a past deliver transaction
func (r *ResponseContract) Delivery(ctx context.Context, txHash common.Hash) (*relayer.Delivery, error) {
	receipt, err := r.client.Receipt(ctx, txHash)
	if err != nil || receipt == nil {
		return nil, err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, fmt.Errorf("delivery %s reverted", txHash.Hex())
	}
	return r.delivery(receipt)
}

// delivery reads the outcome of a mined deliver transaction. In value-first
// mode a failed target call is reported by a DeliveryFailed log.
func (r *ResponseContract) delivery(receipt *types.Receipt) (*relayer.Delivery, error) {
	d := &relayer.Delivery{TxHash: receipt.TxHash, GasUsed: receipt.GasUsed}

	failed := responseABI.Events["DeliveryFailed"]
	for _, l := range receipt.Logs {
		if l.Address != r.address || len(l.Topics) == 0 || l.Topics[0] != failed.ID {
			continue
		}
		vals, err := failed.Inputs.Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack DeliveryFailed: %w", err)
		}
		reason, _ := vals[2].(string)
		d.CallErr = fmt.Errorf("%w: %s", destination.ErrDeliveryFailed, reason)
		r.logger.Warn("Target call failed after value transfer",
			zap.String("tx_hash", receipt.TxHash.Hex()),
			zap.String("reason", reason))
	}
	return d, nil
}
