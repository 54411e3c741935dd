// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package adapter_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
	"github.com/stack-auth/stack-sub005/pkg/idp/adapter"
	"github.com/stack-auth/stack-sub005/pkg/idp/adapter/mocks"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backendFactory func(t *testing.T, clock *fakeClock) adapter.Backend

var backends = map[string]backendFactory{
	"memory": func(t *testing.T, clock *fakeClock) adapter.Backend {
		t.Helper()
		b := adapter.NewMemoryBackend(
			adapter.WithMemoryClock(clock.Now),
			adapter.WithMemoryCleanupInterval(time.Hour),
		)
		t.Cleanup(func() { _ = b.Close() })
		return b
	},
	"sqlite": func(t *testing.T, clock *fakeClock) adapter.Backend {
		t.Helper()
		b, err := adapter.OpenSQLite(context.Background(), ":memory:",
			adapter.WithSQLClock(clock.Now),
			adapter.WithSQLCleanupInterval(0),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	},
}

// forEachBackend runs test against an adapter over every backend.
func forEachBackend(t *testing.T, test func(t *testing.T, a *adapter.Adapter, clock *fakeClock)) {
	t.Helper()
	for name, newBackend := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			clock := newFakeClock()
			a := adapter.New(newBackend(t, clock), adapter.WithClock(clock.Now))
			test(t, a, clock)
		})
	}
}

func TestAdapter_UpsertAndFind(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, a *adapter.Adapter, _ *fakeClock) {
		ctx := context.Background()

		payload := adapter.Payload{"uid": "uid-1", "accountId": "user-1", "nested": map[string]any{"a": "b"}}
		require.NoError(t, a.Upsert(ctx, "Session", "s1", payload, time.Minute))

		got, err := a.Find(ctx, "Session", "s1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.StringValue("accountId"))
		assert.Equal(t, map[string]any{"a": "b"}, got["nested"])
		assert.False(t, got.Consumed())

		// Same id under another model is a different record.
		missing, err := a.Find(ctx, "Interaction", "s1")
		require.NoError(t, err)
		assert.Nil(t, missing)

		// Upsert replaces the payload.
		require.NoError(t, a.Upsert(ctx, "Session", "s1", adapter.Payload{"accountId": "user-2"}, time.Minute))
		got, err = a.Find(ctx, "Session", "s1")
		require.NoError(t, err)
		assert.Equal(t, "user-2", got.StringValue("accountId"))
		assert.NotContains(t, got, "uid")
	})
}

func TestAdapter_FindReturnsACopy(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, a *adapter.Adapter, _ *fakeClock) {
		ctx := context.Background()
		payload := adapter.Payload{"accountId": "user-1"}
		require.NoError(t, a.Upsert(ctx, "Session", "s1", payload, time.Minute))
		payload["accountId"] = "mutated"

		got, err := a.Find(ctx, "Session", "s1")
		require.NoError(t, err)
		got["accountId"] = "mutated again"

		got, err = a.Find(ctx, "Session", "s1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.StringValue("accountId"))
	})
}

func TestAdapter_SecondaryLookups(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, a *adapter.Adapter, _ *fakeClock) {
		ctx := context.Background()
		require.NoError(t, a.Upsert(ctx, "DeviceCode", "d1",
			adapter.Payload{"userCode": "ABCD-EFGH", "grantId": "g1"}, time.Minute))
		require.NoError(t, a.Upsert(ctx, "Session", "s1",
			adapter.Payload{"uid": "uid-1"}, time.Minute))

		got, err := a.FindByUserCode(ctx, "DeviceCode", "ABCD-EFGH")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "g1", got.StringValue("grantId"))

		got, err = a.FindByUID(ctx, "Session", "uid-1")
		require.NoError(t, err)
		require.NotNil(t, got)

		got, err = a.FindByUID(ctx, "Session", "uid-2")
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, a.RevokeByGrantID(ctx, "DeviceCode", "g1"))
		got, err = a.Find(ctx, "DeviceCode", "d1")
		require.NoError(t, err)
		assert.Nil(t, got)

		// Revoking a grant without records is not an error.
		require.NoError(t, a.RevokeByGrantID(ctx, "DeviceCode", "g1"))
	})
}

func TestAdapter_ConsumeKeepsRecord(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, a *adapter.Adapter, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, a.Upsert(ctx, "AuthorizationCode", "c1", adapter.Payload{"grantId": "g1"}, time.Minute))

		require.NoError(t, a.Consume(ctx, "AuthorizationCode", "c1"))

		got, err := a.Find(ctx, "AuthorizationCode", "c1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Consumed())
		assert.Equal(t, "g1", got.StringValue("grantId"))

		// The record still expires when it was going to.
		clock.Advance(time.Minute)
		got, err = a.Find(ctx, "AuthorizationCode", "c1")
		require.NoError(t, err)
		assert.Nil(t, got)

		// Consuming a missing record does not create one.
		require.NoError(t, a.Consume(ctx, "AuthorizationCode", "c2"))
		got, err = a.Find(ctx, "AuthorizationCode", "c2")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestAdapter_Destroy(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, a *adapter.Adapter, _ *fakeClock) {
		ctx := context.Background()
		require.NoError(t, a.Upsert(ctx, "Grant", "g1", adapter.Payload{"accountId": "user-1"}, time.Hour))
		require.NoError(t, a.Destroy(ctx, "Grant", "g1"))

		got, err := a.Find(ctx, "Grant", "g1")
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, a.Destroy(ctx, "Grant", "g1"))
	})
}

func TestAdapter_Expiry(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, a *adapter.Adapter, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, a.Upsert(ctx, "Interaction", "i1", adapter.Payload{"uid": "uid-1"}, time.Minute))

		clock.Advance(59 * time.Second)
		got, err := a.Find(ctx, "Interaction", "i1")
		require.NoError(t, err)
		assert.NotNil(t, got)

		clock.Advance(time.Second)
		got, err = a.Find(ctx, "Interaction", "i1")
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = a.FindByUID(ctx, "Interaction", "uid-1")
		require.NoError(t, err)
		assert.Nil(t, got)

		// An expired record does not count towards uniqueness and can be replaced.
		require.NoError(t, a.Upsert(ctx, "Interaction", "i2", adapter.Payload{"uid": "uid-1"}, time.Minute))
		got, err = a.FindByUID(ctx, "Interaction", "uid-1")
		require.NoError(t, err)
		assert.NotNil(t, got)

		require.NoError(t, a.Upsert(ctx, "Interaction", "i1", adapter.Payload{"uid": "uid-3"}, time.Minute))
		got, err = a.Find(ctx, "Interaction", "i1")
		require.NoError(t, err)
		assert.Equal(t, "uid-3", got.StringValue("uid"))
	})
}

func TestAdapter_UpsertLifetimeOutOfBounds(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, a *adapter.Adapter, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, a.Upsert(ctx, "Session", "negative", adapter.Payload{}, -time.Second))
		require.NoError(t, a.Upsert(ctx, "Session", "huge", adapter.Payload{}, 2*adapter.MaxExpiresIn))

		clock.Advance(23 * time.Hour)
		for _, id := range []string{"negative", "huge"} {
			got, err := a.Find(ctx, "Session", id)
			require.NoError(t, err)
			assert.NotNil(t, got, id)
		}

		clock.Advance(time.Hour)
		for _, id := range []string{"negative", "huge"} {
			got, err := a.Find(ctx, "Session", id)
			require.NoError(t, err)
			assert.Nil(t, got, id)
		}
	})
}

func TestAdapter_AtomicUpdate(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, a *adapter.Adapter, clock *fakeClock) {
		ctx := context.Background()
		expiresAt := clock.Now().Add(time.Hour)

		rec, err := a.AtomicUpdate(ctx, "Grant", adapter.ByID("g1"), func(old *adapter.Record) (*adapter.Record, error) {
			assert.Nil(t, old)
			return &adapter.Record{Payload: adapter.Payload{"count": float64(1)}, ExpiresAt: expiresAt}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, float64(1), rec.Payload["count"])

		rec, err = a.AtomicUpdate(ctx, "Grant", adapter.ByID("g1"), func(old *adapter.Record) (*adapter.Record, error) {
			require.NotNil(t, old)
			assert.True(t, old.ExpiresAt.Equal(expiresAt))
			return &adapter.Record{Payload: adapter.Payload{"count": old.Payload["count"].(float64) + 1}, ExpiresAt: old.ExpiresAt}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, float64(2), rec.Payload["count"])

		got, err := a.Find(ctx, "Grant", "g1")
		require.NoError(t, err)
		assert.Equal(t, float64(2), got["count"])

		// An updater error aborts the update.
		boom := errors.New("boom")
		_, err = a.AtomicUpdate(ctx, "Grant", adapter.ByID("g1"), func(*adapter.Record) (*adapter.Record, error) {
			return nil, boom
		})
		require.ErrorIs(t, err, boom)
		got, err = a.Find(ctx, "Grant", "g1")
		require.NoError(t, err)
		assert.Equal(t, float64(2), got["count"])

		// Returning nil deletes.
		rec, err = a.AtomicUpdate(ctx, "Grant", adapter.ByID("g1"), func(*adapter.Record) (*adapter.Record, error) {
			return nil, nil
		})
		require.NoError(t, err)
		assert.Nil(t, rec)
		got, err = a.Find(ctx, "Grant", "g1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestAdapter_IntegrityViolations(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, a *adapter.Adapter, clock *fakeClock) {
		ctx := context.Background()

		t.Run("several live matches", func(t *testing.T) {
			require.NoError(t, a.Upsert(ctx, "AccessToken", "t1", adapter.Payload{"grantId": "shared"}, time.Minute))
			require.NoError(t, a.Upsert(ctx, "AccessToken", "t2", adapter.Payload{"grantId": "shared"}, time.Minute))

			err := a.RevokeByGrantID(ctx, "AccessToken", "shared")
			require.Error(t, err)
			assert.ErrorIs(t, err, adapter.ErrIntegrityViolation)
			assert.True(t, apierrors.IsIntegrityViolation(err))

			// Nothing was deleted.
			for _, id := range []string{"t1", "t2"} {
				got, err := a.Find(ctx, "AccessToken", id)
				require.NoError(t, err)
				assert.NotNil(t, got)
			}
		})

		t.Run("insert through a secondary lookup", func(t *testing.T) {
			_, err := a.AtomicUpdate(ctx, "Session", adapter.ByProperty(adapter.PropertyUID, "nobody"),
				func(*adapter.Record) (*adapter.Record, error) {
					return &adapter.Record{Payload: adapter.Payload{"uid": "nobody"}, ExpiresAt: clock.Now().Add(time.Minute)}, nil
				})
			assert.ErrorIs(t, err, adapter.ErrIntegrityViolation)
		})
	})
}

func TestAdapter_InvalidLookups(t *testing.T) {
	t.Parallel()

	a := adapter.New(adapter.NewMemoryBackend())
	t.Cleanup(func() { _ = a.Close() })

	_, err := a.AtomicUpdate(context.Background(), "Session", adapter.ByProperty("accountId", "x"), nil)
	assert.ErrorContains(t, err, "unsupported lookup property")

	_, err = a.FindByUID(context.Background(), "Session", "")
	assert.ErrorContains(t, err, "empty value")

	err = a.Upsert(context.Background(), "Session", "", adapter.Payload{}, time.Minute)
	assert.ErrorContains(t, err, "id of Session is required")
}

func TestAdapter_UpdaterCalledExactlyOnce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		backend  func(ctx context.Context, model string, lookup adapter.Lookup, fn adapter.UpdateFunc) error
		contains string
	}{
		{
			name: "never called",
			backend: func(context.Context, string, adapter.Lookup, adapter.UpdateFunc) error {
				return nil
			},
			contains: "called 0 times",
		},
		{
			name: "called twice",
			backend: func(_ context.Context, _ string, _ adapter.Lookup, fn adapter.UpdateFunc) error {
				if _, err := fn(nil); err != nil {
					return err
				}
				_, err := fn(nil)
				return err
			},
			contains: "called more than once",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			backend := mocks.NewMockBackend(ctrl)
			backend.EXPECT().
				UpdateUnique(gomock.Any(), "Session", adapter.ByID("s1"), gomock.Any()).
				DoAndReturn(tt.backend)

			calls := 0
			a := adapter.New(backend)
			_, err := a.AtomicUpdate(context.Background(), "Session", adapter.ByID("s1"),
				func(*adapter.Record) (*adapter.Record, error) {
					calls++
					return nil, nil
				})
			require.Error(t, err)
			assert.ErrorIs(t, err, adapter.ErrIntegrityViolation)
			assert.ErrorContains(t, err, tt.contains)
			assert.LessOrEqual(t, calls, 1)
		})
	}
}

func TestAdapter_ConcurrentUpdatesAreSerialized(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, a *adapter.Adapter, clock *fakeClock) {
		ctx := context.Background()
		const workers = 20

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := a.AtomicUpdate(ctx, "Grant", adapter.ByID("counter"), func(old *adapter.Record) (*adapter.Record, error) {
					count := float64(0)
					if old != nil {
						count = old.Payload["count"].(float64)
					}
					return &adapter.Record{Payload: adapter.Payload{"count": count + 1}, ExpiresAt: clock.Now().Add(time.Hour)}, nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := a.Find(ctx, "Grant", "counter")
		require.NoError(t, err)
		assert.Equal(t, float64(workers), got["count"])
	})
}

func TestSQLBackend_Namespaces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	first, err := adapter.NewSQLBackend(ctx, db, adapter.WithNamespace("idp-a"), adapter.WithSQLCleanupInterval(0))
	require.NoError(t, err)
	second, err := adapter.NewSQLBackend(ctx, db, adapter.WithNamespace("idp-b"), adapter.WithSQLCleanupInterval(0))
	require.NoError(t, err)
	require.NoError(t, first.Health(ctx))

	a, b := adapter.New(first), adapter.New(second)
	require.NoError(t, a.Upsert(ctx, "Session", "s1", adapter.Payload{"uid": "u"}, time.Minute))

	got, err := a.Find(ctx, "Session", "s1")
	require.NoError(t, err)
	assert.NotNil(t, got)

	got, err = b.Find(ctx, "Session", "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = b.FindByUID(ctx, "Session", "u")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLBackend_DeleteExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()

	b, err := adapter.OpenSQLite(ctx, ":memory:", adapter.WithSQLClock(clock.Now), adapter.WithSQLCleanupInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	a := adapter.New(b, adapter.WithClock(clock.Now))
	require.NoError(t, a.Upsert(ctx, "Session", "short", adapter.Payload{}, time.Minute))
	require.NoError(t, a.Upsert(ctx, "Session", "long", adapter.Payload{}, time.Hour))

	clock.Advance(2 * time.Minute)
	n, err := b.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := a.Find(ctx, "Session", "long")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestMemoryBackend_Sweep(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()

	b := adapter.NewMemoryBackend(
		adapter.WithMemoryClock(clock.Now),
		adapter.WithMemoryCleanupInterval(10*time.Millisecond),
	)
	t.Cleanup(func() { _ = b.Close() })

	a := adapter.New(b, adapter.WithClock(clock.Now))
	require.NoError(t, a.Upsert(context.Background(), "Session", "s1", adapter.Payload{}, time.Minute))
	assert.Equal(t, 1, b.Len("Session"))

	clock.Advance(time.Hour)
	assert.Eventually(t, func() bool { return b.Len("Session") == 0 }, time.Second, 10*time.Millisecond)
}

func TestMemoryBackend_SweepDisabled(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()

	b := adapter.NewMemoryBackend(
		adapter.WithMemoryClock(clock.Now),
		adapter.WithMemoryCleanupInterval(0),
	)

	a := adapter.New(b, adapter.WithClock(clock.Now))
	require.NoError(t, a.Upsert(context.Background(), "Session", "s1", adapter.Payload{}, time.Minute))

	clock.Advance(time.Hour)
	got, err := a.Find(context.Background(), "Session", "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, b.Len("Session"), "nothing sweeps the expired record")

	require.NoError(t, b.Close())
}

func TestPayload(t *testing.T) {
	t.Parallel()

	type grant struct {
		AccountID string   `json:"accountId"`
		Scopes    []string `json:"scopes"`
	}

	p, err := adapter.NewPayload(grant{AccountID: "user-1", Scopes: []string{"openid"}})
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.StringValue("accountId"))
	assert.Empty(t, p.StringValue("scopes"))

	var g grant
	require.NoError(t, p.Decode(&g))
	assert.Equal(t, grant{AccountID: "user-1", Scopes: []string{"openid"}}, g)

	_, err = adapter.NewPayload([]string{"not", "an", "object"})
	assert.Error(t, err)

	assert.False(t, adapter.Payload{"consumed": false}.Consumed())
	assert.True(t, adapter.Payload{"consumed": true}.Consumed())
	assert.True(t, adapter.Payload{"consumed": float64(1700000000)}.Consumed())
}
