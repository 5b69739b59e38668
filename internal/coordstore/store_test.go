package coordstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/sim-indexer/internal/coordstore"
)

func TestTryClaim_SecondAttemptAlreadyClaimed(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemoryStore("environment")

	outcome, err := store.TryClaim(ctx, "batch_0000000000_0000000990.pb", 0, 990, "instance-a")
	require.NoError(t, err)
	require.Equal(t, coordstore.ClaimAcquired, outcome)

	outcome, err = store.TryClaim(ctx, "batch_0000000000_0000000990.pb", 0, 990, "instance-b")
	require.NoError(t, err)
	require.Equal(t, coordstore.ClaimAlreadyClaimed, outcome)
}

func TestGetMaxCompletedTickEnd_EmptyIsMinusOne(t *testing.T) {
	store := coordstore.NewMemoryStore("environment")
	max, err := store.GetMaxCompletedTickEnd(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, -1, max)
}

func TestGetMaxCompletedTickEnd_CountsClaimedAndCompleted(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemoryStore("environment")

	_, err := store.TryClaim(ctx, "a", 0, 990, "i1")
	require.NoError(t, err)
	max, err := store.GetMaxCompletedTickEnd(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 990, max, "an in-progress claim must anchor the max, not only completed rows")

	require.NoError(t, store.MarkCompleted(ctx, "a"))
	max, err = store.GetMaxCompletedTickEnd(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 990, max)
}

func TestMarkFailed_ExcludedFromMaxOnlyByStatus(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemoryStore("environment")

	_, err := store.TryClaim(ctx, "a", 0, 990, "i1")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, "a", "read timeout"))

	max, err := store.GetMaxCompletedTickEnd(ctx)
	require.NoError(t, err)
	require.EqualValues(t, -1, max, "failed rows do not anchor the max")
}

func TestGapUpsert_CollapsesToOneRow(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemoryStore("environment")

	require.NoError(t, store.UpsertGap(ctx, 1000, 1990))
	require.NoError(t, store.UpsertGap(ctx, 1000, 1990))

	require.Len(t, store.Gaps(), 1)
}

func TestGetOldestPendingGap_SmallestStartFirst(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemoryStore("environment")

	require.NoError(t, store.UpsertGap(ctx, 3000, 3990))
	require.NoError(t, store.UpsertGap(ctx, 1000, 1990))

	gap, err := store.GetOldestPendingGap(ctx)
	require.NoError(t, err)
	require.NotNil(t, gap)
	require.EqualValues(t, 1000, gap.GapStartTick)
}

func TestGetOldestPendingGap_NilWhenNoneOrAllPermanent(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemoryStore("environment")

	gap, err := store.GetOldestPendingGap(ctx)
	require.NoError(t, err)
	require.Nil(t, gap)

	require.NoError(t, store.UpsertGap(ctx, 1000, 1990))
	require.NoError(t, store.MarkGapPermanent(ctx, 1000))

	gap, err = store.GetOldestPendingGap(ctx)
	require.NoError(t, err)
	require.Nil(t, gap)
}

func TestSplitGap_LeftSideRemainsWhenBatchEndsAtGapEnd(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemoryStore("environment")

	require.NoError(t, store.UpsertGap(ctx, 1000, 2990))
	// batch [2000,2990] lands inside [1000,2990]; left remainder [1000,1990].
	require.NoError(t, store.SplitGap(ctx, 1000, 2990, 2000, 2990, 10))

	gaps := store.Gaps()
	require.Len(t, gaps, 1)
	remaining, ok := gaps[1000]
	require.True(t, ok)
	require.EqualValues(t, 1990, remaining.GapEndTick)
}

func TestSplitGap_ZeroLengthSkipsBothInserts(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemoryStore("environment")

	require.NoError(t, store.UpsertGap(ctx, 1000, 1990))
	require.NoError(t, store.SplitGap(ctx, 1000, 1990, 1000, 1990, 10))

	require.Empty(t, store.Gaps())
}

func TestSplitGap_VanishedRowIsConflict(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemoryStore("environment")

	err := store.SplitGap(ctx, 1000, 1990, 1000, 1990, 10)
	require.ErrorIs(t, err, coordstore.ErrNoSuchGap)
}

func TestMetadata_NotFoundIsDistinguishable(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemoryStore("environment")

	has, err := store.HasMetadata(ctx, "samplingInterval")
	require.NoError(t, err)
	require.False(t, has)

	_, err = store.GetMetadata(ctx, "samplingInterval")
	require.Error(t, err)

	require.NoError(t, store.PutMetadata(ctx, "samplingInterval", "10"))
	has, err = store.HasMetadata(ctx, "samplingInterval")
	require.NoError(t, err)
	require.True(t, has)
}
