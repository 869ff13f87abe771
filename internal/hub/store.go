package hub

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"yar/internal/envelope"
	"yar/internal/revert"
)

var (
	// ErrDuplicate is returned when a record already exists for an envelope hash.
	ErrDuplicate = revert.New(revert.KindStateMachine, "duplicate")
	// ErrStatusConflict is returned when a compare-and-set transition finds
	// the record in a different state than expected.
	ErrStatusConflict = revert.New(revert.KindStateMachine, "status conflict")
)

// Status is the lifecycle state of a transaction record.
type Status uint8

const (
	StatusNonExistent Status = iota
	StatusPending
	StatusExecuted
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExecuted:
		return "executed"
	case StatusCompleted:
		return "completed"
	default:
		return "nonexistent"
	}
}

// ParseStatus parses the String form of a status.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "pending":
		return StatusPending, true
	case "executed":
		return StatusExecuted, true
	case "completed":
		return StatusCompleted, true
	case "nonexistent":
		return StatusNonExistent, true
	}
	return StatusNonExistent, false
}

// Record is a hub transaction record keyed by envelope hash.
type Record struct {
	Hash           common.Hash       `json:"hash"`
	Envelope       envelope.Envelope `json:"envelope"`
	Status         Status            `json:"status"`
	Payer          common.Address    `json:"payer"`
	LockedFee      *big.Int          `json:"lockedFee"`
	UsedFee        *big.Int          `json:"usedFee"`
	ViaAllowance   bool              `json:"viaAllowance"`
	OriginTxHash   common.Hash       `json:"originTxHash"`
	DeliveryTxHash common.Hash       `json:"deliveryTxHash"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Envelope = r.Envelope.Clone()
	out.LockedFee = envelope.Amount(r.LockedFee)
	out.UsedFee = envelope.Amount(r.UsedFee)
	return out
}

// Store persists hub state. Update runs fn as one atomic unit: either every
// write made through tx is committed or none is.
type Store interface {
	Balance(ctx context.Context, user common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner common.Address, chainID uint64, spender common.Address) (*big.Int, error)
	// Record returns nil, nil when no record exists.
	Record(ctx context.Context, hash common.Hash) (*Record, error)
	RecordsByStatus(ctx context.Context, status Status, limit int) ([]Record, error)
	Update(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write view of a Store inside Update.
type Tx interface {
	Balance(user common.Address) (*big.Int, error)
	SetBalance(user common.Address, amount *big.Int) error
	Allowance(owner common.Address, chainID uint64, spender common.Address) (*big.Int, error)
	SetAllowance(owner common.Address, chainID uint64, spender common.Address, amount *big.Int) error
	// Record returns nil, nil when no record exists.
	Record(hash common.Hash) (*Record, error)
	// InsertRecord fails with ErrDuplicate when rec.Hash exists.
	InsertRecord(rec Record) error
	// TransitionRecord overwrites the record if its stored status is from,
	// and fails with ErrStatusConflict otherwise.
	TransitionRecord(rec Record, from Status) error
}

// AllowanceKey identifies an allowance.
type AllowanceKey struct {
	Owner   common.Address
	ChainID uint64
	Spender common.Address
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu         sync.RWMutex
	balances   map[common.Address]*big.Int
	allowances map[AllowanceKey]*big.Int
	records    map[common.Hash]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[AllowanceKey]*big.Int),
		records:    make(map[common.Hash]Record),
	}
}

func (s *MemoryStore) Balance(_ context.Context, user common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return envelope.Amount(s.balances[user]), nil
}

func (s *MemoryStore) Allowance(_ context.Context, owner common.Address, chainID uint64, spender common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return envelope.Amount(s.allowances[AllowanceKey{owner, chainID, spender}]), nil
}

func (s *MemoryStore) Record(_ context.Context, hash common.Hash) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[hash]
	if !ok {
		return nil, nil
	}
	out := rec.Clone()
	return &out, nil
}

func (s *MemoryStore) RecordsByStatus(_ context.Context, status Status, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, rec.Clone())
		}
	}
	SortRecords(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SortRecords orders records by creation time, then hash.
func SortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].Hash.Cmp(recs[j].Hash) < 0
	})
}

func (s *MemoryStore) Update(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:      s,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[AllowanceKey]*big.Int),
		records:    make(map[common.Hash]Record),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.balances {
		s.balances[k] = v
	}
	for k, v := range tx.allowances {
		s.allowances[k] = v
	}
	for k, v := range tx.records {
		s.records[k] = v
	}
	return nil
}

type memTx struct {
	store      *MemoryStore
	balances   map[common.Address]*big.Int
	allowances map[AllowanceKey]*big.Int
	records    map[common.Hash]Record
}

func (tx *memTx) Balance(user common.Address) (*big.Int, error) {
	if v, ok := tx.balances[user]; ok {
		return envelope.Amount(v), nil
	}
	return envelope.Amount(tx.store.balances[user]), nil
}

func (tx *memTx) SetBalance(user common.Address, amount *big.Int) error {
	tx.balances[user] = envelope.Amount(amount)
	return nil
}

func (tx *memTx) Allowance(owner common.Address, chainID uint64, spender common.Address) (*big.Int, error) {
	key := AllowanceKey{owner, chainID, spender}
	if v, ok := tx.allowances[key]; ok {
		return envelope.Amount(v), nil
	}
	return envelope.Amount(tx.store.allowances[key]), nil
}

func (tx *memTx) SetAllowance(owner common.Address, chainID uint64, spender common.Address, amount *big.Int) error {
	tx.allowances[AllowanceKey{owner, chainID, spender}] = envelope.Amount(amount)
	return nil
}

func (tx *memTx) Record(hash common.Hash) (*Record, error) {
	rec, ok := tx.records[hash]
	if !ok {
		rec, ok = tx.store.records[hash]
	}
	if !ok {
		return nil, nil
	}
	out := rec.Clone()
	return &out, nil
}

func (tx *memTx) InsertRecord(rec Record) error {
	existing, _ := tx.Record(rec.Hash)
	if existing != nil {
		return ErrDuplicate
	}
	tx.records[rec.Hash] = rec.Clone()
	return nil
}

func (tx *memTx) TransitionRecord(rec Record, from Status) error {
	existing, _ := tx.Record(rec.Hash)
	if existing == nil || existing.Status != from {
		return ErrStatusConflict
	}
	tx.records[rec.Hash] = rec.Clone()
	return nil
}
