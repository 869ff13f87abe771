package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"yar/internal/envelope"
	"yar/internal/eventbus"
	"yar/internal/events"
)

const (
	DefaultWatchInterval = 5 * time.Second
	DefaultWatchBatch    = 2000
)

// LogSource is what the watcher needs from a chain
type LogSource interface {
	ChainID() uint64
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// WatcherConfig configures a LogWatcher
type WatcherConfig struct {
	Contracts     []common.Address
	StartBlock    uint64
	Confirmations uint64
	PollInterval  time.Duration
	BatchSize     uint64
}

// LogWatcher polls request and connector contracts for Send, CrossCall,
// Deposit and Approve logs and publishes them to the bus in block order
type LogWatcher struct {
	src    LogSource
	cfg    WatcherConfig
	bus    eventbus.Bus
	logger *zap.Logger

	next uint64
}

// NewLogWatcher creates a watcher starting at cfg.StartBlock
func NewLogWatcher(src LogSource, cfg WatcherConfig, bus eventbus.Bus, logger *zap.Logger) *LogWatcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultWatchInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultWatchBatch
	}
	return &LogWatcher{
		src:    src,
		cfg:    cfg,
		bus:    bus,
		logger: logger.With(zap.Uint64("chain_id", src.ChainID())),
		next:   cfg.StartBlock,
	}
}

// Run polls until ctx is done
func (w *LogWatcher) Run(ctx context.Context) error {
	w.logger.Info("Log watcher started",
		zap.Int("contracts", len(w.cfg.Contracts)),
		zap.Uint64("start_block", w.next))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil {
			w.logger.Error("Log poll failed", zap.Uint64("from_block", w.next), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll publishes the logs of the next confirmed block range and returns how
// many were published. The cursor only advances once the whole range is on
// the bus.
func (w *LogWatcher) Poll(ctx context.Context) (int, error) {
	head, err := w.src.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	if head < w.cfg.Confirmations {
		return 0, nil
	}
	safe := head - w.cfg.Confirmations
	if w.next > safe {
		return 0, nil
	}
	to := min(safe, w.next+w.cfg.BatchSize-1)

	logs, err := w.src.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.next),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: w.cfg.Contracts,
		Topics:    [][]common.Hash{watchedTopics()},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to filter logs %d-%d: %w", w.next, to, err)
	}

	published := 0
	for _, l := range logs {
		if l.Removed {
			continue
		}
		rec, err := DecodeRequestLog(w.src.ChainID(), l)
		if err != nil {
			w.logger.Error("Skipping undecodable log",
				zap.String("tx_hash", l.TxHash.Hex()),
				zap.Uint("index", l.Index),
				zap.Error(err))
			continue
		}
		if err := w.bus.Publish(ctx, rec); err != nil {
			return published, fmt.Errorf("failed to publish %s: %w", rec.ID, err)
		}
		published++
	}

	w.logger.Debug("Logs published",
		zap.Uint64("from_block", w.next),
		zap.Uint64("to_block", to),
		zap.Int("count", published))
	w.next = to + 1
	return published, nil
}

// Next returns the first block not yet published
func (w *LogWatcher) Next() uint64 {
	return w.next
}

func watchedTopics() []common.Hash {
	return []common.Hash{
		requestABI.Events[events.NameSend].ID,
		requestABI.Events[events.NameCrossCall].ID,
		requestABI.Events[events.NameDeposit].ID,
		requestABI.Events[events.NameApprove].ID,
	}
}

// DecodeRequestLog converts a request or connector log into a bus record
func DecodeRequestLog(chainID uint64, l types.Log) (events.Record, error) {
	if len(l.Topics) == 0 {
		return events.Record{}, fmt.Errorf("log has no topics")
	}
	ev, err := requestABI.EventByID(l.Topics[0])
	if err != nil {
		return events.Record{}, err
	}
	vals, err := ev.Inputs.Unpack(l.Data)
	if err != nil {
		return events.Record{}, fmt.Errorf("failed to unpack %s: %w", ev.Name, err)
	}

	var payload any
	switch ev.Name {
	case events.NameSend, events.NameCrossCall:
		tuple, ok := abi.ConvertType(vals[0], new(envelope.Tuple)).(*envelope.Tuple)
		if !ok {
			return events.Record{}, fmt.Errorf("unexpected %s payload", ev.Name)
		}
		env, err := envelope.FromTuple(*tuple)
		if err != nil {
			return events.Record{}, err
		}
		payload = events.Send{Envelope: env}
	case events.NameDeposit:
		payload = events.Deposit{
			User:   vals[0].(common.Address),
			Token:  vals[1].(common.Address),
			Amount: vals[2].(*big.Int),
		}
	case events.NameApprove:
		chain := vals[1].(*big.Int)
		if !chain.IsUint64() {
			return events.Record{}, envelope.ErrTupleRange
		}
		payload = events.Approve{
			User:    vals[0].(common.Address),
			ChainID: chain.Uint64(),
			App:     vals[2].(common.Address),
			Amount:  vals[3].(*big.Int),
		}
	default:
		return events.Record{}, fmt.Errorf("unexpected event %s", ev.Name)
	}

	rec, err := events.NewRecord(chainID, l.Address, ev.Name, l.TxHash, l.Index, payload)
	if err != nil {
		return events.Record{}, err
	}
	rec.BlockNumber = l.BlockNumber
	return rec, nil
}
