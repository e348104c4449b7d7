package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/domus-hq/domus/internal/platform/db"
)

type fakeDriftStore struct {
	drift []Drift
	count int
	scans int
}

func (f *fakeDriftStore) FindDrift(ctx context.Context, q db.DBTX, epsilon decimal.Decimal) ([]Drift, error) {
	f.scans++
	return f.drift, nil
}

func (f *fakeDriftStore) CountApartments(ctx context.Context, q db.DBTX) (int, error) {
	return f.count, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCache(t *testing.T) *Cache {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute)
}

func driftRow(cached, ledgerSum string) Drift {
	c := decimal.RequireFromString(cached)
	l := decimal.RequireFromString(ledgerSum)
	return Drift{
		ApartmentID:     uuid.New(),
		BuildingID:      uuid.New(),
		ApartmentNumber: "1A",
		CachedBalance:   c,
		LedgerBalance:   l,
		Difference:      c.Sub(l),
	}
}

func TestGetReconciliationServesFromCache(t *testing.T) {
	store := &fakeDriftStore{drift: []Drift{driftRow("-300.00", "-299.50")}, count: 4}
	svc := NewService(nil, store, testCache(t), decimal.Zero, testLogger())

	first, err := svc.GetReconciliation(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, store.scans)
	require.Equal(t, 4, first.Checked)
	require.Len(t, first.Drift, 1)
	require.False(t, first.Clean())
	require.True(t, first.Drift[0].Difference.Equal(decimal.RequireFromString("-0.50")))

	second, err := svc.GetReconciliation(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, store.scans, "second read must hit the cache")
	require.Equal(t, first.Checked, second.Checked)
}

func TestInvalidateCacheForcesRescan(t *testing.T) {
	store := &fakeDriftStore{count: 4}
	svc := NewService(nil, store, testCache(t), decimal.Zero, testLogger())

	_, err := svc.GetReconciliation(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, store.scans)

	require.NoError(t, svc.InvalidateCache(context.Background()))

	_, err = svc.GetReconciliation(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, store.scans)
}

func TestGetReconciliationWithoutRedisDegradesToPassThrough(t *testing.T) {
	store := &fakeDriftStore{count: 2}
	svc := NewService(nil, store, NewCache(nil, 0), decimal.Zero, testLogger())

	_, err := svc.GetReconciliation(context.Background())
	require.NoError(t, err)
	_, err = svc.GetReconciliation(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, store.scans)
}

func TestScanBypassesCacheAndReportsDrift(t *testing.T) {
	store := &fakeDriftStore{drift: []Drift{driftRow("0.00", "12.00")}, count: 3}
	svc := NewService(nil, store, testCache(t), decimal.Zero, testLogger())
	svc.WithNow(func() time.Time { return time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC) })

	report, err := svc.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Checked)
	require.Len(t, report.Drift, 1)
	require.Equal(t, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), report.GeneratedAt)

	_, err = svc.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, store.scans)
}

func TestDefaultEpsilonAppliedWhenZero(t *testing.T) {
	svc := NewService(nil, &fakeDriftStore{}, NewCache(nil, 0), decimal.Zero, testLogger())
	report, err := svc.Scan(context.Background())
	require.NoError(t, err)
	require.True(t, report.Epsilon.Equal(decimal.RequireFromString("0.005")))
	require.True(t, report.Clean())
}
