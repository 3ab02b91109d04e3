package kvstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/onecta-bridge/internal/infrastructure/database"
	"github.com/nerrad567/onecta-bridge/internal/kvstore"
	_ "github.com/nerrad567/onecta-bridge/migrations"
)

func sqliteStore(t *testing.T) kvstore.Store {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath, BusyTimeout: 5})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	require.NoError(t, db.Migrate(ctx))
	return kvstore.NewSQLiteStore(db.DB)
}

func memoryStore(t *testing.T) kvstore.Store {
	t.Helper()
	return kvstore.NewMemoryStore()
}

var implementations = map[string]func(t *testing.T) kvstore.Store{
	"sqlite": sqliteStore,
	"memory": memoryStore,
}

func TestStore_TypedRoundTrip(t *testing.T) {
	for name, newStore := range implementations {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			require.NoError(t, s.SetString(ctx, "daikin_onecta", "access_token", "abc"))
			require.NoError(t, s.SetInt(ctx, "daikin_onecta", "access_token_valid_until", 4600))
			require.NoError(t, s.SetBool(ctx, "daikin_onecta", "registered", true))

			str, err := s.GetString(ctx, "daikin_onecta", "access_token")
			require.NoError(t, err)
			assert.Equal(t, "abc", str)

			n, err := s.GetInt(ctx, "daikin_onecta", "access_token_valid_until")
			require.NoError(t, err)
			assert.Equal(t, int64(4600), n)

			b, err := s.GetBool(ctx, "daikin_onecta", "registered")
			require.NoError(t, err)
			assert.True(t, b)

			// Overwrite replaces.
			require.NoError(t, s.SetString(ctx, "daikin_onecta", "access_token", "def"))
			str, err = s.GetString(ctx, "daikin_onecta", "access_token")
			require.NoError(t, err)
			assert.Equal(t, "def", str)
		})
	}
}

func TestStore_MissingAndMismatch(t *testing.T) {
	for name, newStore := range implementations {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			_, err := s.GetString(ctx, "ns", "missing")
			assert.ErrorIs(t, err, kvstore.ErrNotFound)

			require.NoError(t, s.SetString(ctx, "ns", "k", "text"))
			_, err = s.GetInt(ctx, "ns", "k")
			assert.ErrorIs(t, err, kvstore.ErrTypeMismatch)

			require.NoError(t, s.Delete(ctx, "ns", "k"))
			_, err = s.GetString(ctx, "ns", "k")
			assert.ErrorIs(t, err, kvstore.ErrNotFound)

			// Deleting again is fine.
			assert.NoError(t, s.Delete(ctx, "ns", "k"))
		})
	}
}

func TestStore_NamespacesAreIsolated(t *testing.T) {
	for name, newStore := range implementations {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			require.NoError(t, s.SetString(ctx, "home", "refresh_token", "home-rt"))
			require.NoError(t, s.SetString(ctx, "office", "refresh_token", "office-rt"))

			v, err := s.GetString(ctx, "home", "refresh_token")
			require.NoError(t, err)
			assert.Equal(t, "home-rt", v)

			v, err = s.GetString(ctx, "office", "refresh_token")
			require.NoError(t, err)
			assert.Equal(t, "office-rt", v)
		})
	}
}

func TestStore_UpdateIsAllOrNothing(t *testing.T) {
	for name, newStore := range implementations {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			require.NoError(t, s.SetString(ctx, "ns", "access_token", "old-at"))
			require.NoError(t, s.SetString(ctx, "ns", "refresh_token", "old-rt"))

			errAbort := errors.New("abort")
			err := s.Update(ctx, func(w kvstore.Writer) error {
				require.NoError(t, w.SetString(ctx, "ns", "access_token", "new-at"))
				return errAbort
			})
			require.ErrorIs(t, err, errAbort)

			v, err := s.GetString(ctx, "ns", "access_token")
			require.NoError(t, err)
			assert.Equal(t, "old-at", v, "aborted update must not be visible")

			err = s.Update(ctx, func(w kvstore.Writer) error {
				if err := w.SetString(ctx, "ns", "access_token", "new-at"); err != nil {
					return err
				}
				return w.SetString(ctx, "ns", "refresh_token", "new-rt")
			})
			require.NoError(t, err)

			at, err := s.GetString(ctx, "ns", "access_token")
			require.NoError(t, err)
			rt, err := s.GetString(ctx, "ns", "refresh_token")
			require.NoError(t, err)
			assert.Equal(t, "new-at", at)
			assert.Equal(t, "new-rt", rt)
		})
	}
}

func TestMemoryStore_ConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	s := kvstore.NewMemoryStore()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Update(ctx, func(w kvstore.Writer) error {
				if err := w.SetInt(ctx, "ns", "a", int64(i)); err != nil {
					return err
				}
				return w.SetInt(ctx, "ns", "b", int64(i))
			})
		}(i)
	}
	wg.Wait()

	a, err := s.GetInt(ctx, "ns", "a")
	require.NoError(t, err)
	b, err := s.GetInt(ctx, "ns", "b")
	require.NoError(t, err)
	assert.Equal(t, a, b, "paired writes must land together")
}
