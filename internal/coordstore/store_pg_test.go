//go:build integration

package coordstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/sim-indexer/internal/coordstore"
)

// newPGStore connects to the Postgres instance named by SIM_INDEXER_TEST_DSN,
// skipping the test when it isn't set, so `go test ./...` never requires a
// live database unless this build tag is requested.
func newPGStore(t *testing.T) *coordstore.PGStore {
	t.Helper()
	dsn := os.Getenv("SIM_INDEXER_TEST_DSN")
	if dsn == "" {
		t.Skip("SIM_INDEXER_TEST_DSN not set")
	}

	pool, err := pgxpool.Connect(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	conns := coordstore.NewConnManager(pool, 4)
	store := coordstore.NewPGStore(conns, "integration-test-run", "environment", log.New())
	require.NoError(t, store.Prepare(context.Background()))
	return store
}

func TestPGStore_ClaimIsUniqueConstraintBacked(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	outcome, err := store.TryClaim(ctx, "batch_0000000000_0000000990.pb", 0, 990, "instance-a")
	require.NoError(t, err)
	require.Equal(t, coordstore.ClaimAcquired, outcome)

	outcome, err = store.TryClaim(ctx, "batch_0000000000_0000000990.pb", 0, 990, "instance-b")
	require.NoError(t, err)
	require.Equal(t, coordstore.ClaimAlreadyClaimed, outcome)
}

func TestPGStore_SplitGapUnderLock(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertGap(ctx, 1000, 2990))
	require.NoError(t, store.SplitGap(ctx, 1000, 2990, 2000, 2990, 10))

	gap, err := store.GetOldestPendingGap(ctx)
	require.NoError(t, err)
	require.NotNil(t, gap)
	require.EqualValues(t, 1000, gap.GapStartTick)
	require.EqualValues(t, 1990, gap.GapEndTick)
}
