package tickbuffer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/sim-indexer/internal/tickbuffer"
)

func tick(n int) tickbuffer.Record { return []byte{byte(n)} }

func TestAppend_FlushesAtSizeThreshold(t *testing.T) {
	var processedCalls int
	var completedFilenames []string

	buf := tickbuffer.New(5, time.Hour,
		func(ctx context.Context, ticks []tickbuffer.Record) error {
			processedCalls++
			require.Len(t, ticks, 5)
			return nil
		},
		func(ctx context.Context, filenames []string) error {
			completedFilenames = append(completedFilenames, filenames...)
			return nil
		},
		log.New(),
	)

	ctx := context.Background()
	require.NoError(t, buf.Append(ctx, "a", []tickbuffer.Record{tick(1), tick(2), tick(3)}))
	require.Equal(t, 0, processedCalls)
	require.NoError(t, buf.Append(ctx, "b", []tickbuffer.Record{tick(4), tick(5)}))

	require.Equal(t, 1, processedCalls)
	require.ElementsMatch(t, []string{"a", "b"}, completedFilenames)
	require.Equal(t, 0, buf.PendingTicks())
}

func TestSmallerInsertBatchSize_ProcessBatchCalledTwicePerStorageBatch(t *testing.T) {
	var processedCalls int
	buf := tickbuffer.New(500, time.Hour,
		func(ctx context.Context, ticks []tickbuffer.Record) error {
			processedCalls++
			return nil
		},
		func(ctx context.Context, filenames []string) error { return nil },
		log.New(),
	)

	ticks := make([]tickbuffer.Record, 1000)
	for i := range ticks {
		ticks[i] = tick(i)
	}
	require.NoError(t, buf.Append(context.Background(), "storage-batch-1", ticks))
	require.Equal(t, 2, processedCalls)
}

func TestLargerInsertBatchSize_ProcessBatchCalledExactlyTwiceForTenBatches(t *testing.T) {
	var processedCalls int
	var completed []string
	buf := tickbuffer.New(5000, time.Hour,
		func(ctx context.Context, ticks []tickbuffer.Record) error {
			processedCalls++
			return nil
		},
		func(ctx context.Context, filenames []string) error {
			completed = append(completed, filenames...)
			return nil
		},
		log.New(),
	)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		ticks := make([]tickbuffer.Record, 1000)
		for j := range ticks {
			ticks[j] = tick(j)
		}
		require.NoError(t, buf.Append(ctx, filename(i), ticks))
	}

	require.Equal(t, 2, processedCalls)
	require.Len(t, completed, 10)
}

func filename(i int) string {
	return "batch-" + string(rune('a'+i))
}

func TestIdleFlush_OnlyWhenNonEmptyAndIdle(t *testing.T) {
	var processedCalls int
	buf := tickbuffer.New(1000, time.Millisecond,
		func(ctx context.Context, ticks []tickbuffer.Record) error {
			processedCalls++
			return nil
		},
		func(ctx context.Context, filenames []string) error { return nil },
		log.New(),
	)

	ctx := context.Background()
	require.NoError(t, buf.MaybeIdleFlush(ctx))
	require.Equal(t, 0, processedCalls, "nothing to flush when empty")

	require.NoError(t, buf.Append(ctx, "a", []tickbuffer.Record{tick(1)}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, buf.MaybeIdleFlush(ctx))
	require.Equal(t, 1, processedCalls)
}

func TestFlush_FailedProcessLeavesNothingMarkedCompleted(t *testing.T) {
	boom := errors.New("boom")
	var completedCalls int
	buf := tickbuffer.New(1, time.Hour,
		func(ctx context.Context, ticks []tickbuffer.Record) error { return boom },
		func(ctx context.Context, filenames []string) error {
			completedCalls++
			return nil
		},
		log.New(),
	)

	err := buf.Append(context.Background(), "a", []tickbuffer.Record{tick(1)})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, completedCalls)
	require.Equal(t, 1, buf.PendingTicks(), "failed flush keeps ticks buffered for retry")
}

func TestShutdown_FlushesRemaining(t *testing.T) {
	var processedCalls int
	buf := tickbuffer.New(1000, time.Hour,
		func(ctx context.Context, ticks []tickbuffer.Record) error {
			processedCalls++
			return nil
		},
		func(ctx context.Context, filenames []string) error { return nil },
		log.New(),
	)

	require.NoError(t, buf.Append(context.Background(), "a", []tickbuffer.Record{tick(1)}))
	require.Equal(t, 0, processedCalls)
	require.NoError(t, buf.Shutdown(context.Background()))
	require.Equal(t, 1, processedCalls)
}
