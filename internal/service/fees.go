package service

import (
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"yar/internal/config"
)

// FeeService converts origin-chain deposits into hub fee units and prices
// deliveries
type FeeService struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewFeeService creates a new fee service
func NewFeeService(cfg *config.Config, logger *zap.Logger) *FeeService {
	return &FeeService{
		cfg:    cfg,
		logger: logger,
	}
}

// Quote holds the fee locked for one delivery
type Quote struct {
	TargetChainID uint64
	GasLimit      uint64
	GasPrice      *big.Int
	// Lock is GasLimit * GasPrice, capped at what the payer can spend.
	Lock   *big.Int
	Capped bool
}

func (s *FeeService) chain(chainID uint64) (config.ChainConfig, error) {
	chainCfg, ok := s.cfg.Chain(chainID)
	if !ok {
		return config.ChainConfig{}, fmt.Errorf("chain %d not configured", chainID)
	}
	return chainCfg, nil
}

// ConvertDeposit converts an amount paid on the origin chain into hub fee
// units: amount * DepositRateNum / DepositRateDen, rounded down
func (s *FeeService) ConvertDeposit(chainID uint64, amount *big.Int) (*big.Int, error) {
	chainCfg, err := s.chain(chainID)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid deposit amount %v", amount)
	}

	out := new(big.Int).Mul(amount, big.NewInt(chainCfg.DepositRateNum))
	out.Quo(out, big.NewInt(chainCfg.DepositRateDen))

	s.logger.Debug("Converted deposit",
		zap.Uint64("chain_id", chainID),
		zap.String("amount", amount.String()),
		zap.String("credited", out.String()))
	return out, nil
}

// QuoteLock prices a delivery to targetChainID. available is the most the
// payer can lock; nil means no cap.
func (s *FeeService) QuoteLock(targetChainID uint64, available *big.Int) (*Quote, error) {
	chainCfg, err := s.chain(targetChainID)
	if err != nil {
		return nil, err
	}
	price, err := chainCfg.GasPriceInt()
	if err != nil {
		return nil, err
	}

	q := &Quote{
		TargetChainID: targetChainID,
		GasLimit:      chainCfg.DeliveryGasLimit,
		GasPrice:      price,
		Lock:          new(big.Int).Mul(price, new(big.Int).SetUint64(chainCfg.DeliveryGasLimit)),
	}
	if available != nil && q.Lock.Cmp(available) > 0 {
		q.Lock = new(big.Int).Set(available)
		q.Capped = true
		s.logger.Debug("Fee lock capped at available balance",
			zap.Uint64("target_chain_id", targetChainID),
			zap.String("available", available.String()))
	}
	return q, nil
}

// Settle returns the fee consumed by a delivery that used gasUsed, capped at
// the locked amount so the hub never rejects the settlement
func (s *FeeService) Settle(targetChainID uint64, gasUsed uint64, locked *big.Int) (*big.Int, error) {
	chainCfg, err := s.chain(targetChainID)
	if err != nil {
		return nil, err
	}
	price, err := chainCfg.GasPriceInt()
	if err != nil {
		return nil, err
	}

	used := new(big.Int).Mul(price, new(big.Int).SetUint64(gasUsed))
	if locked != nil && used.Cmp(locked) > 0 {
		used = new(big.Int).Set(locked)
	}
	return used, nil
}
