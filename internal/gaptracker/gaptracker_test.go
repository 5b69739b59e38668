package gaptracker_test

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/sim-indexer/internal/blobstore"
	"github.com/gateway-fm/sim-indexer/internal/coordstore"
	"github.com/gateway-fm/sim-indexer/internal/gaptracker"
)

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var contents []types.Object
	for key := range f.objects {
		k := key
		contents = append(contents, types.Object{Key: &k})
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, nil
}

func TestDetectAndRecord_FirstBatchNonZeroStart(t *testing.T) {
	store := coordstore.NewMemoryStore("environment")
	tr := gaptracker.New(store, nil, "run/", 10, time.Minute, log.New())

	require.NoError(t, tr.DetectAndRecord(context.Background(), -1, 1000))

	gaps := store.Gaps()
	require.Len(t, gaps, 1)
	gap, ok := gaps[0]
	require.True(t, ok)
	require.EqualValues(t, 990, gap.GapEndTick)
}

func TestDetectAndRecord_FirstBatchAtZeroRecordsNoGap(t *testing.T) {
	store := coordstore.NewMemoryStore("environment")
	tr := gaptracker.New(store, nil, "run/", 10, time.Minute, log.New())

	require.NoError(t, tr.DetectAndRecord(context.Background(), -1, 0))
	require.Empty(t, store.Gaps())
}

func TestDetectAndRecord_ContiguousBatchRecordsNoGap(t *testing.T) {
	store := coordstore.NewMemoryStore("environment")
	tr := gaptracker.New(store, nil, "run/", 10, time.Minute, log.New())

	require.NoError(t, tr.DetectAndRecord(context.Background(), 990, 1000))
	require.Empty(t, store.Gaps())
}

func TestDetectAndRecord_SkippedRangeRecordsGap(t *testing.T) {
	store := coordstore.NewMemoryStore("environment")
	tr := gaptracker.New(store, nil, "run/", 10, time.Minute, log.New())

	require.NoError(t, tr.DetectAndRecord(context.Background(), 990, 3000))
	gaps := store.Gaps()
	require.Len(t, gaps, 1)
	gap, ok := gaps[1000]
	require.True(t, ok)
	require.EqualValues(t, 2990, gap.GapEndTick)
}

func TestAttemptFill_NoPendingGapReturnsEmpty(t *testing.T) {
	store := coordstore.NewMemoryStore("environment")
	tr := gaptracker.New(store, nil, "run/", 10, time.Minute, log.New())

	result, err := tr.AttemptFill(context.Background())
	require.NoError(t, err)
	require.False(t, result.Attempted)
}

func TestAttemptFill_AgedGapBecomesPermanent(t *testing.T) {
	store := coordstore.NewMemoryStore("environment")
	require.NoError(t, store.UpsertGap(context.Background(), 1000, 1990))

	tr := gaptracker.New(store, nil, "run/", 10, time.Millisecond, log.New())
	var permanentCount int
	tr.OnPermanentGap(func() { permanentCount++ })

	time.Sleep(5 * time.Millisecond)
	result, err := tr.AttemptFill(context.Background())
	require.NoError(t, err)
	require.True(t, result.Attempted)
	require.Nil(t, result.Batch)
	require.Equal(t, 1, permanentCount)

	gaps := store.Gaps()
	require.Equal(t, coordstore.GapPermanent, gaps[1000].Status)
}

func TestAttemptFill_FindsIntersectingBatchFromStore(t *testing.T) {
	store := coordstore.NewMemoryStore("environment")
	require.NoError(t, store.UpsertGap(context.Background(), 1000, 2990))

	api := &fakeS3{objects: map[string][]byte{
		"run/batch_0000000000000002000_0000000000000002990.pb": {},
	}}
	blobs := blobstore.New(api, "bucket", log.New())

	tr := gaptracker.New(store, blobs, "run/", 10, time.Hour, log.New())
	result, err := tr.AttemptFill(context.Background())
	require.NoError(t, err)
	require.True(t, result.Attempted)
	require.NotNil(t, result.Batch)
	require.Equal(t, "run/batch_0000000000000002000_0000000000000002990.pb", result.Batch.Filename)
}

func TestSplitAfterFill_VanishedGapIsNoOp(t *testing.T) {
	store := coordstore.NewMemoryStore("environment")
	tr := gaptracker.New(store, nil, "run/", 10, time.Hour, log.New())

	err := tr.SplitAfterFill(context.Background(), 1000, 1990, 1000, 1990)
	require.NoError(t, err)
}
