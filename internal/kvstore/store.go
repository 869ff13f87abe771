// Package kvstore is an embedded hub.Store on Pebble.
//
// Key layout:
//
//	b/<user>                              balance, decimal text
//	a/<owner><chainId:8><spender>         allowance, decimal text
//	r/<hash>                              record, JSON
//	s/<status:1><createdAt:8><hash>       status index, empty value
package kvstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"yar/internal/hub"
)

var ErrClosed = errors.New("store is closed")

var (
	prefixBalance   = []byte("b/")
	prefixAllowance = []byte("a/")
	prefixRecord    = []byte("r/")
	prefixStatus    = []byte("s/")
)

// HubStore persists hub state in Pebble. Updates are serialised and each is
// committed as one batch.
type HubStore struct {
	db     *pebble.DB
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Open opens (or creates) a store at path. An empty path keeps the data in
// memory.
func Open(path string, logger *zap.Logger) (*HubStore, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 * 1024 * 1024), // 64MB
		MemTableSize: 32 * 1024 * 1024,                  // 32MB
	}
	defer opts.Cache.Unref()
	if path == "" {
		opts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store: %w", err)
	}
	logger.Info("Opened pebble hub store", zap.String("path", path))
	return &HubStore{db: db, logger: logger}, nil
}

// Close flushes and closes the database.
func (s *HubStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *HubStore) Balance(_ context.Context, user common.Address) (*big.Int, error) {
	return readAmount(s.db, balanceKey(user))
}

func (s *HubStore) Allowance(_ context.Context, owner common.Address, chainID uint64, spender common.Address) (*big.Int, error) {
	return readAmount(s.db, allowanceKey(owner, chainID, spender))
}

func (s *HubStore) Record(_ context.Context, hash common.Hash) (*hub.Record, error) {
	return readRecord(s.db, hash)
}

func (s *HubStore) RecordsByStatus(_ context.Context, status hub.Status, limit int) ([]hub.Record, error) {
	lower := append(append([]byte{}, prefixStatus...), byte(status))
	upper := append(append([]byte{}, prefixStatus...), byte(status)+1)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []hub.Record
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		hash := common.BytesToHash(key[len(key)-common.HashLength:])
		rec, err := readRecord(s.db, hash)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

func (s *HubStore) Update(_ context.Context, fn func(tx hub.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	batch := s.db.NewIndexedBatch()
	if err := fn(&kvTx{batch: batch}); err != nil {
		batch.Close()
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		batch.Close()
		return fmt.Errorf("failed to commit hub update: %w", err)
	}
	return batch.Close()
}

type kvTx struct {
	batch *pebble.Batch
}

func (tx *kvTx) Balance(user common.Address) (*big.Int, error) {
	return readAmount(tx.batch, balanceKey(user))
}

func (tx *kvTx) SetBalance(user common.Address, amount *big.Int) error {
	return tx.batch.Set(balanceKey(user), []byte(amount.Text(10)), nil)
}

func (tx *kvTx) Allowance(owner common.Address, chainID uint64, spender common.Address) (*big.Int, error) {
	return readAmount(tx.batch, allowanceKey(owner, chainID, spender))
}

func (tx *kvTx) SetAllowance(owner common.Address, chainID uint64, spender common.Address, amount *big.Int) error {
	return tx.batch.Set(allowanceKey(owner, chainID, spender), []byte(amount.Text(10)), nil)
}

func (tx *kvTx) Record(hash common.Hash) (*hub.Record, error) {
	return readRecord(tx.batch, hash)
}

func (tx *kvTx) InsertRecord(rec hub.Record) error {
	existing, err := tx.Record(rec.Hash)
	if err != nil {
		return err
	}
	if existing != nil {
		return hub.ErrDuplicate
	}
	return tx.write(rec)
}

func (tx *kvTx) TransitionRecord(rec hub.Record, from hub.Status) error {
	existing, err := tx.Record(rec.Hash)
	if err != nil {
		return err
	}
	if existing == nil || existing.Status != from {
		return hub.ErrStatusConflict
	}
	if err := tx.batch.Delete(statusKey(*existing), nil); err != nil {
		return err
	}
	return tx.write(rec)
}

func (tx *kvTx) write(rec hub.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := tx.batch.Set(recordKey(rec.Hash), raw, nil); err != nil {
		return err
	}
	return tx.batch.Set(statusKey(rec), nil, nil)
}

type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func get(r reader, key []byte) ([]byte, error) {
	value, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

func readAmount(r reader, key []byte) (*big.Int, error) {
	raw, err := get(r, key)
	if err != nil || raw == nil {
		return new(big.Int), err
	}
	v, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount at %x", key)
	}
	return v, nil
}

func readRecord(r reader, hash common.Hash) (*hub.Record, error) {
	raw, err := get(r, recordKey(hash))
	if err != nil || raw == nil {
		return nil, err
	}
	var rec hub.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", hash.Hex(), err)
	}
	return &rec, nil
}

func balanceKey(user common.Address) []byte {
	return append(append([]byte{}, prefixBalance...), user.Bytes()...)
}

func allowanceKey(owner common.Address, chainID uint64, spender common.Address) []byte {
	key := append(append([]byte{}, prefixAllowance...), owner.Bytes()...)
	key = binary.BigEndian.AppendUint64(key, chainID)
	return append(key, spender.Bytes()...)
}

func recordKey(hash common.Hash) []byte {
	return append(append([]byte{}, prefixRecord...), hash.Bytes()...)
}

func statusKey(rec hub.Record) []byte {
	key := append(append([]byte{}, prefixStatus...), byte(rec.Status))
	key = binary.BigEndian.AppendUint64(key, uint64(rec.CreatedAt.UnixNano()))
	return append(key, rec.Hash.Bytes()...)
}
