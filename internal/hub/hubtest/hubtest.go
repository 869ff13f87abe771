// Package hubtest holds the behavioural tests every hub.Store must pass.
package hubtest

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yar/internal/envelope"
	"yar/internal/hub"
)

// Record builds a pending record for a test envelope with the given nonce.
func Record(nonce uint64, createdAt time.Time) hub.Record {
	env := envelope.Envelope{
		Mode:           envelope.ModeHub,
		InitialChainID: 31337,
		Sender:         common.HexToAddress("0x1001"),
		Payer:          common.HexToAddress("0x2002"),
		TargetChainID:  111,
		Target:         common.HexToAddress("0x3003"),
		Value:          big.NewInt(1_000),
		Data:           []byte{0x01, 0x02},
		FeeAmount:      big.NewInt(7),
		Nonce:          nonce,
	}
	return hub.Record{
		Hash:         env.Hash(),
		Envelope:     env,
		Status:       hub.StatusPending,
		Payer:        env.Payer,
		LockedFee:    new(big.Int),
		UsedFee:      new(big.Int),
		OriginTxHash: common.HexToHash("0xabc"),
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

// RunStoreTests exercises a Store implementation. newStore must return an
// empty store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) hub.Store) {
	ctx := context.Background()
	user := common.HexToAddress("0xaaaa")
	app := common.HexToAddress("0xbbbb")
	base := time.Unix(1_700_000_000, 0).UTC()

	t.Run("balances", func(t *testing.T) {
		s := newStore(t)
		bal, err := s.Balance(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, "0", bal.String())

		require.NoError(t, s.Update(ctx, func(tx hub.Tx) error {
			return tx.SetBalance(user, big.NewInt(42))
		}))
		bal, err = s.Balance(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, "42", bal.String())
	})

	t.Run("failed update is discarded", func(t *testing.T) {
		s := newStore(t)
		boom := errors.New("boom")
		err := s.Update(ctx, func(tx hub.Tx) error {
			if err := tx.SetBalance(user, big.NewInt(5)); err != nil {
				return err
			}
			got, err := tx.Balance(user)
			require.NoError(t, err)
			assert.Equal(t, "5", got.String())
			if err := tx.InsertRecord(Record(0, base)); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		bal, err := s.Balance(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, "0", bal.String())
		rec, err := s.Record(ctx, Record(0, base).Hash)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("concurrent credits to a new account add up", func(t *testing.T) {
		s := newStore(t)
		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, 2*writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.Update(ctx, func(tx hub.Tx) error {
					bal, err := tx.Balance(user)
					if err != nil {
						return err
					}
					return tx.SetBalance(user, bal.Add(bal, big.NewInt(10)))
				})
				errs <- s.Update(ctx, func(tx hub.Tx) error {
					a, err := tx.Allowance(user, 1, app)
					if err != nil {
						return err
					}
					return tx.SetAllowance(user, 1, app, a.Add(a, big.NewInt(3)))
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		bal, err := s.Balance(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, "80", bal.String())
		a, err := s.Allowance(ctx, user, 1, app)
		require.NoError(t, err)
		assert.Equal(t, "24", a.String())
	})

	t.Run("allowances are keyed by chain", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Update(ctx, func(tx hub.Tx) error {
			return tx.SetAllowance(user, 1, app, big.NewInt(9))
		}))
		a, err := s.Allowance(ctx, user, 1, app)
		require.NoError(t, err)
		assert.Equal(t, "9", a.String())

		a, err = s.Allowance(ctx, user, 2, app)
		require.NoError(t, err)
		assert.Equal(t, "0", a.String())
	})

	t.Run("records round trip", func(t *testing.T) {
		s := newStore(t)
		want := Record(3, base)
		require.NoError(t, s.Update(ctx, func(tx hub.Tx) error {
			return tx.InsertRecord(want)
		}))

		got, err := s.Record(ctx, want.Hash)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.Hash, got.Hash)
		assert.Equal(t, want.Envelope.Hash(), got.Envelope.Hash())
		assert.Equal(t, hub.StatusPending, got.Status)
		assert.Equal(t, want.Payer, got.Payer)
		assert.Equal(t, want.OriginTxHash, got.OriginTxHash)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))

		missing, err := s.Record(ctx, common.HexToHash("0xdead"))
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("insert is unique", func(t *testing.T) {
		s := newStore(t)
		rec := Record(0, base)
		require.NoError(t, s.Update(ctx, func(tx hub.Tx) error { return tx.InsertRecord(rec) }))
		err := s.Update(ctx, func(tx hub.Tx) error { return tx.InsertRecord(rec) })
		assert.ErrorIs(t, err, hub.ErrDuplicate)
	})

	t.Run("transition is compare and set", func(t *testing.T) {
		s := newStore(t)
		rec := Record(0, base)
		require.NoError(t, s.Update(ctx, func(tx hub.Tx) error { return tx.InsertRecord(rec) }))

		executed := rec.Clone()
		executed.Status = hub.StatusExecuted
		executed.LockedFee = big.NewInt(100)
		executed.ViaAllowance = true

		err := s.Update(ctx, func(tx hub.Tx) error { return tx.TransitionRecord(executed, hub.StatusExecuted) })
		assert.ErrorIs(t, err, hub.ErrStatusConflict)

		require.NoError(t, s.Update(ctx, func(tx hub.Tx) error { return tx.TransitionRecord(executed, hub.StatusPending) }))
		got, err := s.Record(ctx, rec.Hash)
		require.NoError(t, err)
		assert.Equal(t, hub.StatusExecuted, got.Status)
		assert.Equal(t, "100", got.LockedFee.String())
		assert.True(t, got.ViaAllowance)

		err = s.Update(ctx, func(tx hub.Tx) error { return tx.TransitionRecord(executed, hub.StatusPending) })
		assert.ErrorIs(t, err, hub.ErrStatusConflict)

		unknown := Record(9, base)
		err = s.Update(ctx, func(tx hub.Tx) error { return tx.TransitionRecord(unknown, hub.StatusPending) })
		assert.ErrorIs(t, err, hub.ErrStatusConflict)
	})

	t.Run("records by status", func(t *testing.T) {
		s := newStore(t)
		for i := uint64(0); i < 4; i++ {
			rec := Record(i, base.Add(time.Duration(i)*time.Second))
			require.NoError(t, s.Update(ctx, func(tx hub.Tx) error { return tx.InsertRecord(rec) }))
		}
		done := Record(1, base.Add(time.Second))
		done.Status = hub.StatusExecuted
		require.NoError(t, s.Update(ctx, func(tx hub.Tx) error { return tx.TransitionRecord(done, hub.StatusPending) }))

		pending, err := s.RecordsByStatus(ctx, hub.StatusPending, 0)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, uint64(0), pending[0].Envelope.Nonce)
		assert.Equal(t, uint64(2), pending[1].Envelope.Nonce)
		assert.Equal(t, uint64(3), pending[2].Envelope.Nonce)

		limited, err := s.RecordsByStatus(ctx, hub.StatusPending, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		executed, err := s.RecordsByStatus(ctx, hub.StatusExecuted, 10)
		require.NoError(t, err)
		require.Len(t, executed, 1)
		assert.Equal(t, done.Hash, executed[0].Hash)
	})
}
