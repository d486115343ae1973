package webhook

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ocrgate/internal/storage"
)

func newSQLiteTestStore(t *testing.T) Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteStore(db)
}

func newRedisTestStore(t *testing.T) Store {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test")
}

func stores() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"sqlite": newSQLiteTestStore,
		"redis":  newRedisTestStore,
	}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedRegistration(t *testing.T, s Store, id, owner string, at time.Time) *Registration {
	t.Helper()
	reg := &Registration{
		ID:        id,
		Owner:     owner,
		URL:       "https://hooks.example.com/" + id,
		Secret:    "whsec_0123456789abcdef",
		Events:    []string{EventJobCompleted},
		CreatedAt: at,
	}
	require.NoError(t, s.CreateRegistration(context.Background(), reg))
	return reg
}

func TestStoreRegistrations(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			seedRegistration(t, s, "wh-1", "acme", t0)
			seedRegistration(t, s, "wh-2", "acme", t0.Add(time.Second))
			seedRegistration(t, s, "wh-3", "globex", t0.Add(2*time.Second))

			got, err := s.GetRegistration(ctx, "wh-1")
			require.NoError(t, err)
			assert.Equal(t, "acme", got.Owner)
			assert.Equal(t, "whsec_0123456789abcdef", got.Secret)
			assert.Equal(t, []string{EventJobCompleted}, got.Events)
			assert.True(t, got.CreatedAt.Equal(t0))

			_, err = s.GetRegistration(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			acme, err := s.ListRegistrations(ctx, "acme")
			require.NoError(t, err)
			require.Len(t, acme, 2)
			assert.Equal(t, "wh-1", acme[0].ID)
			assert.Equal(t, "wh-2", acme[1].ID)

			all, err := s.ListRegistrations(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			assert.ErrorIs(t, s.DeleteRegistration(ctx, "globex", "wh-1"), ErrNotFound, "other owner")
			require.NoError(t, s.DeleteRegistration(ctx, "acme", "wh-1"))
			assert.ErrorIs(t, s.DeleteRegistration(ctx, "acme", "wh-1"), ErrNotFound)

			acme, err = s.ListRegistrations(ctx, "acme")
			require.NoError(t, err)
			require.Len(t, acme, 1)
			assert.Equal(t, "wh-2", acme[0].ID)
		})
	}
}

func TestStoreDeliveries(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			seedRegistration(t, s, "wh-1", "acme", t0)

			for i := 1; i <= 3; i++ {
				outcome := OutcomeRetrying
				if i == 3 {
					outcome = OutcomeDelivered
				}
				require.NoError(t, s.RecordDelivery(ctx, Delivery{
					ID:             "att-" + string(rune('0'+i)),
					DeliveryID:     "del-1",
					RegistrationID: "wh-1",
					JobID:          "job-1",
					Event:          EventJobCompleted,
					Attempt:        i,
					Outcome:        outcome,
					StatusCode:     500 - (i/3)*300,
					AttemptedAt:    t0.Add(time.Duration(i) * time.Minute),
				}))
			}

			got, err := s.ListDeliveries(ctx, "wh-1", 10)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, 3, got[0].Attempt, "newest first")
			assert.Equal(t, OutcomeDelivered, got[0].Outcome)
			assert.Equal(t, 200, got[0].StatusCode)
			assert.Equal(t, 1, got[2].Attempt)

			limited, err := s.ListDeliveries(ctx, "wh-1", 2)
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			n, err := s.PurgeDeliveriesBefore(ctx, t0.Add(2*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err = s.ListDeliveries(ctx, "wh-1", 10)
			require.NoError(t, err)
			assert.Len(t, got, 2)

			require.NoError(t, s.DeleteRegistration(ctx, "acme", "wh-1"))
			got, err = s.ListDeliveries(ctx, "wh-1", 10)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}
