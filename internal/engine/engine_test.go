package engine_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/sim-indexer/internal/blobstore"
	"github.com/gateway-fm/sim-indexer/internal/config"
	"github.com/gateway-fm/sim-indexer/internal/coordstore"
	"github.com/gateway-fm/sim-indexer/internal/engine"
	"github.com/gateway-fm/sim-indexer/internal/gaptracker"
	"github.com/gateway-fm/sim-indexer/internal/metadata"
	"github.com/gateway-fm/sim-indexer/internal/metrics"
	"github.com/gateway-fm/sim-indexer/internal/tickbuffer"
)

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var contents []types.Object
	for key := range f.objects {
		if in.StartAfter != nil && key <= *in.StartAfter {
			continue
		}
		k := key
		contents = append(contents, types.Object{Key: &k})
	}
	sortObjects(contents)
	if in.MaxKeys > 0 && int32(len(contents)) > in.MaxKeys {
		contents = contents[:in.MaxKeys]
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func sortObjects(objs []types.Object) {
	for i := 1; i < len(objs); i++ {
		for j := i; j > 0 && *objs[j].Key < *objs[j-1].Key; j-- {
			objs[j], objs[j-1] = objs[j-1], objs[j]
		}
	}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[*in.Key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func encodeTicks(n int) []byte {
	var out []byte
	for i := 0; i < n; i++ {
		rec := []byte{byte(i)}
		lenPrefix := make([]byte, 4)
		binary.BigEndian.PutUint32(lenPrefix, uint32(len(rec)))
		out = append(out, lenPrefix...)
		out = append(out, rec...)
	}
	return out
}

func newStack(t *testing.T, runID, indexerClass string, insertBatchSize int) (*engine.Indexer, *coordstore.MemoryStore, *fakeS3, *tickbuffer.Buffer) {
	t.Helper()
	logger := log.New()

	api := &fakeS3{objects: map[string][]byte{}}
	store := blobstore.New(api, "bucket", logger, blobstore.WithRetryPolicy(0, 0))

	coord := coordstore.NewMemoryStore(indexerClass)
	require.NoError(t, coord.PutMetadata(context.Background(), "samplingInterval", "10"))

	metaReader := metadata.NewReader(coord, logger)
	gapTracker := gaptracker.New(coord, store, runID+"/", 10, time.Hour, logger)
	metricsReg := metrics.New(indexerClass, "instance-1", 5)

	var flushed [][]byte
	var completedFilenames []string
	buf := tickbuffer.New(insertBatchSize, time.Hour,
		func(ctx context.Context, ticks []tickbuffer.Record) error {
			flushed = append(flushed, nil)
			_ = ticks
			return nil
		},
		func(ctx context.Context, filenames []string) error {
			completedFilenames = append(completedFilenames, filenames...)
			for _, f := range filenames {
				if err := coord.MarkCompleted(ctx, f); err != nil {
					return err
				}
			}
			return nil
		},
		logger,
	)

	cfg := config.Default()
	cfg.RunID = runID
	cfg.IndexerClass = indexerClass
	cfg.InsertBatchSize = insertBatchSize
	cfg.PollIntervalMs = 5

	idx, err := engine.New(cfg, "instance-1", engine.Deps{
		Store:      store,
		Coord:      coord,
		GapTracker: gapTracker,
		Buffer:     buf,
		MetaReader: metaReader,
		Metrics:    metricsReg,
		Logger:     logger,
	})
	require.NoError(t, err)
	return idx, coord, api, buf
}

func TestSingleIndexer_FiveBatches_AllCompletedNoGaps(t *testing.T) {
	runID := "run1"
	idx, coord, api, buf := newStack(t, runID, "environment", 500)

	for i := 0; i < 5; i++ {
		start := int64(i * 1000)
		name := runID + "/" + blobstore.FormatFilename(start, start+990)
		api.objects[name] = encodeTicks(100)
	}

	ctx := context.Background()
	require.NoError(t, idx.PrepareSchema(ctx))
	require.NoError(t, idx.WaitForMetadata(ctx))
	require.NoError(t, idx.Start(ctx))

	deadline := time.After(2 * time.Second)
	for {
		batches := coord.Batches()
		completed := 0
		for _, b := range batches {
			if b.Status == coordstore.StatusCompleted {
				completed++
			}
		}
		if completed == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for 5 completed batches, got %d", completed)
		case <-time.After(10 * time.Millisecond):
		}
	}

	require.NoError(t, idx.Stop(ctx))
	require.Empty(t, coord.Gaps())
	require.Equal(t, 0, buf.PendingTicks())
}
