package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"yar/internal/config"
)

const (
	// GasBufferPercent is added on top of estimated gas.
	GasBufferPercent = 20
	// DefaultReceiptTimeout bounds WaitForTransaction when the caller's
	// context has no deadline.
	DefaultReceiptTimeout = 2 * time.Minute
	receiptPollInterval   = 2 * time.Second
)

// Backend is the subset of ethclient.Client the bindings use.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Client signs and sends transactions to one EVM chain as the relayer
type Client struct {
	backend     Backend
	chainID     *big.Int
	privateKey  *ecdsa.PrivateKey
	fromAddress common.Address
	logger      *zap.Logger

	// sendMu serialises nonce assignment across concurrent senders.
	sendMu sync.Mutex
	closer func()
}

// NewClient dials the chain's RPC endpoint and checks it serves the
// configured chain id
func NewClient(ctx context.Context, chainCfg config.ChainConfig, operatorPrivateKey string, logger *zap.Logger) (*Client, error) {
	ethClient, err := ethclient.DialContext(ctx, chainCfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", chainCfg.RPCEndpoint, err)
	}

	want, err := strconv.ParseUint(chainCfg.ChainID, 10, 64)
	if err != nil {
		ethClient.Close()
		return nil, fmt.Errorf("invalid chain id %q: %w", chainCfg.ChainID, err)
	}
	got, err := ethClient.ChainID(ctx)
	if err != nil {
		ethClient.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if !got.IsUint64() || got.Uint64() != want {
		ethClient.Close()
		return nil, fmt.Errorf("endpoint %s serves chain %s, want %d", chainCfg.RPCEndpoint, got, want)
	}

	c, err := NewClientWithBackend(ethClient, want, operatorPrivateKey, logger.With(zap.String("chain_name", chainCfg.Name)))
	if err != nil {
		ethClient.Close()
		return nil, err
	}
	c.closer = ethClient.Close
	return c, nil
}

// NewClientWithBackend creates a client over an existing backend
func NewClientWithBackend(backend Backend, chainID uint64, operatorPrivateKey string, logger *zap.Logger) (*Client, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(operatorPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	fromAddress := crypto.PubkeyToAddress(privateKey.PublicKey)

	logger.Info("EVM client initialized",
		zap.Uint64("chain_id", chainID),
		zap.String("operator_address", fromAddress.Hex()))

	return &Client{
		backend:     backend,
		chainID:     new(big.Int).SetUint64(chainID),
		privateKey:  privateKey,
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// ChainID returns the chain ID
func (c *Client) ChainID() uint64 {
	return c.chainID.Uint64()
}

// OperatorAddress returns the operator's address
func (c *Client) OperatorAddress() common.Address {
	return c.fromAddress
}

// BlockNumber returns the latest block number
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

// FilterLogs runs a log query
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.backend.FilterLogs(ctx, q)
}

// Call executes a read-only call against the latest block. Reverts are
// returned as revert errors.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.fromAddress, To: &to, Data: data}, nil)
	if err != nil {
		return nil, asRevert(err)
	}
	return out, nil
}

// Receipt returns the receipt of txHash, or nil while it is not mined
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt %s: %w", txHash.Hex(), err)
	}
	return receipt, nil
}

// SignAndSendTransaction estimates gas, signs with the EIP-155 signer and
// sends the transaction. A call that would revert fails at estimation with
// the decoded revert error.
func (c *Client) SignAndSendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	if value == nil {
		value = new(big.Int)
	}

	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.fromAddress,
		To:    &to,
		Data:  data,
		Value: value,
	})
	if err != nil {
		return common.Hash{}, asRevert(err)
	}
	gasLimit = gasLimit * (100 + GasBufferPercent) / 100

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to suggest gas price: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.fromAddress)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	c.logger.Info("Transaction sent",
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))

	return signedTx.Hash(), nil
}

// WaitForTransaction waits for a transaction to be mined
func (c *Client) WaitForTransaction(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultReceiptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.Receipt(ctx, txHash)
		if err != nil {
			c.logger.Warn("Receipt lookup failed", zap.String("tx_hash", txHash.Hex()), zap.Error(err))
		}
		if receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("transaction failed: %s", txHash.Hex())
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for transaction %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// SendAndWait sends a transaction and waits for its receipt
func (c *Client) SendAndWait(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	txHash, err := c.SignAndSendTransaction(ctx, to, data, value)
	if err != nil {
		return nil, err
	}
	receipt, err := c.WaitForTransaction(ctx, txHash, 0)
	if err != nil {
		return receipt, err
	}

	c.logger.Debug("Transaction confirmed",
		zap.String("tx_hash", txHash.Hex()),
		zap.Uint64("gas_used", receipt.GasUsed),
		zap.Uint64("block_number", receipt.BlockNumber.Uint64()))
	return receipt, nil
}
