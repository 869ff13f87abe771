package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"yar/internal/bridge"
	"yar/internal/events"
	"yar/internal/models"
)

// AssetStore persists issued asset addresses
type AssetStore interface {
	UpsertIssuedAsset(ctx context.Context, a *models.IssuedAsset) error
	GetIssuedAsset(ctx context.Context, chainID int64, bridge string, originChainID int64, originToken string) (*models.IssuedAsset, error)
}

// BridgeRef identifies a bridge contract on a chain
type BridgeRef struct {
	ChainID uint64
	Address common.Address
}

type assetKey struct {
	bridge        BridgeRef
	originChainID uint64
	originToken   common.Address
}

// AssetService computes and records the addresses of issued assets. The
// address only depends on the bridge, so lookups are cached.
type AssetService struct {
	store  AssetStore
	cache  *lru.Cache[assetKey, common.Address]
	logger *zap.Logger

	mu    sync.RWMutex
	kinds map[BridgeRef]bridge.Kind
}

// NewAssetService creates an asset service. store may be nil, in which case
// addresses are only computed.
func NewAssetService(store AssetStore, cacheSize int, logger *zap.Logger) (*AssetService, error) {
	cache, err := lru.New[assetKey, common.Address](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset cache: %w", err)
	}
	return &AssetService{
		store:  store,
		cache:  cache,
		logger: logger,
		kinds:  make(map[BridgeRef]bridge.Kind),
	}, nil
}

// RegisterBridge records the asset kind handled by a bridge
func (s *AssetService) RegisterBridge(ref BridgeRef, kind bridge.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds[ref] = kind
}

func (s *AssetService) kindOf(ref BridgeRef) (bridge.Kind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kind, ok := s.kinds[ref]
	if !ok {
		return 0, fmt.Errorf("bridge %s on chain %d not registered", ref.Address.Hex(), ref.ChainID)
	}
	return kind, nil
}

// IssuedAddress returns where the bridge issues (originChainID, originToken).
// This is idempotent: the first call stores the precomputed address.
func (s *AssetService) IssuedAddress(ctx context.Context, ref BridgeRef, originChainID uint64, originToken common.Address) (common.Address, error) {
	key := assetKey{bridge: ref, originChainID: originChainID, originToken: originToken}
	if addr, ok := s.cache.Get(key); ok {
		return addr, nil
	}

	kind, err := s.kindOf(ref)
	if err != nil {
		return common.Address{}, err
	}
	addr := bridge.IssuedAssetAddress(ref.Address, kind, originChainID, originToken)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("failed to compute issued address")
	}

	if s.store != nil {
		chainID, originID, err := chainIDs(ref.ChainID, originChainID)
		if err != nil {
			return common.Address{}, err
		}
		existing, err := s.store.GetIssuedAsset(ctx, chainID, ref.Address.Hex(), originID, originToken.Hex())
		if err != nil {
			return common.Address{}, fmt.Errorf("failed to query issued asset: %w", err)
		}
		if existing == nil {
			row := &models.IssuedAsset{
				ChainID:       chainID,
				Bridge:        ref.Address.Hex(),
				Kind:          models.AssetKind(kind.String()),
				OriginChainID: originID,
				OriginToken:   originToken.Hex(),
				Address:       addr.Hex(),
			}
			if err := s.store.UpsertIssuedAsset(ctx, row); err != nil {
				return common.Address{}, fmt.Errorf("failed to store issued asset: %w", err)
			}
			s.logger.Info("Computed new issued asset address",
				zap.Uint64("chain_id", ref.ChainID),
				zap.String("bridge", ref.Address.Hex()),
				zap.Uint64("origin_chain_id", originChainID),
				zap.String("origin_token", originToken.Hex()),
				zap.String("address", addr.Hex()))
		}
	}

	s.cache.Add(key, addr)
	return addr, nil
}

// HandleDeployed records an IssuedAssetDeployed event
func (s *AssetService) HandleDeployed(ctx context.Context, rec events.Record) error {
	var ev events.IssuedAssetDeployed
	if err := rec.Decode(&ev); err != nil {
		return err
	}
	ref := BridgeRef{ChainID: rec.ChainID, Address: rec.Contract}
	kind, err := s.kindOf(ref)
	if err != nil {
		return err
	}

	expected := bridge.IssuedAssetAddress(ref.Address, kind, ev.OriginalChainID, ev.OriginalToken)
	if expected != ev.Token {
		s.logger.Warn("Issued asset deployed at unexpected address",
			zap.String("expected", expected.Hex()),
			zap.String("actual", ev.Token.Hex()))
	}
	s.cache.Add(assetKey{bridge: ref, originChainID: ev.OriginalChainID, originToken: ev.OriginalToken}, ev.Token)

	if s.store == nil {
		return nil
	}
	chainID, originID, err := chainIDs(rec.ChainID, ev.OriginalChainID)
	if err != nil {
		s.logger.Warn("Skipping issued asset with unstorable chain id",
			zap.String("event", rec.ID),
			zap.Uint64("origin_chain_id", ev.OriginalChainID))
		return nil
	}
	txHash := rec.TxHash.Hex()
	return s.store.UpsertIssuedAsset(ctx, &models.IssuedAsset{
		ChainID:       chainID,
		Bridge:        rec.Contract.Hex(),
		Kind:          models.AssetKind(kind.String()),
		OriginChainID: originID,
		OriginToken:   ev.OriginalToken.Hex(),
		Address:       ev.Token.Hex(),
		Name:          ev.Name,
		Symbol:        ev.Symbol,
		Decimals:      int16(ev.Decimals),
		Deployed:      true,
		DeployTxHash:  &txHash,
	})
}

// IsDeployed reports whether a deployment was observed. Without a store it
// always reports false.
func (s *AssetService) IsDeployed(ctx context.Context, ref BridgeRef, originChainID uint64, originToken common.Address) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	chainID, originID, err := chainIDs(ref.ChainID, originChainID)
	if err != nil {
		return false, err
	}
	a, err := s.store.GetIssuedAsset(ctx, chainID, ref.Address.Hex(), originID, originToken.Hex())
	if err != nil {
		return false, fmt.Errorf("failed to query issued asset: %w", err)
	}
	return a != nil && a.Deployed, nil
}

func chainIDs(chainID, originChainID uint64) (int64, int64, error) {
	a, err := models.ChainID(chainID)
	if err != nil {
		return 0, 0, err
	}
	b, err := models.ChainID(originChainID)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

// MemoryAssetStore is an in-process AssetStore
type MemoryAssetStore struct {
	mu     sync.Mutex
	nextID int64
	assets map[string]*models.IssuedAsset
}

func NewMemoryAssetStore() *MemoryAssetStore {
	return &MemoryAssetStore{assets: make(map[string]*models.IssuedAsset)}
}

func assetRowKey(chainID int64, bridge string, originChainID int64, originToken string) string {
	return strconv.FormatInt(chainID, 10) + "/" + bridge + "/" + strconv.FormatInt(originChainID, 10) + "/" + originToken
}

func (m *MemoryAssetStore) UpsertIssuedAsset(_ context.Context, a *models.IssuedAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := assetRowKey(a.ChainID, a.Bridge, a.OriginChainID, a.OriginToken)
	if prev, ok := m.assets[k]; ok {
		a.ID = prev.ID
		a.Deployed = a.Deployed || prev.Deployed
		if a.DeployTxHash == nil {
			a.DeployTxHash = prev.DeployTxHash
		}
	} else {
		m.nextID++
		a.ID = m.nextID
	}
	row := *a
	m.assets[k] = &row
	return nil
}

func (m *MemoryAssetStore) GetIssuedAsset(_ context.Context, chainID int64, bridge string, originChainID int64, originToken string) (*models.IssuedAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[assetRowKey(chainID, bridge, originChainID, originToken)]
	if !ok {
		return nil, nil
	}
	row := *a
	return &row, nil
}
