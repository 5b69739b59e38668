// Package metadata polls the coordinator's metadata table until a run's
// samplingInterval is published: poll hasMetadata(runId) until present or a
// deadline expires, then cache the interval.
package metadata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ledgerwatch/log/v3"

	"github.com/gateway-fm/sim-indexer/internal/coordstore"
	"github.com/gateway-fm/sim-indexer/internal/ixerr"
)

const samplingIntervalKey = "samplingInterval"

// Reader wraps the coordinator store's metadata table with the polling
// contract the indexer base class needs before it may process any batch.
type Reader struct {
	store  coordstore.Store
	logger log.Logger
}

func NewReader(store coordstore.Store, logger log.Logger) *Reader {
	return &Reader{store: store, logger: logger}
}

// HasMetadata is a direct, non-blocking pass-through to the store.
func (r *Reader) HasMetadata(ctx context.Context, runID string) (bool, error) {
	return r.store.HasMetadata(ctx, samplingIntervalKey)
}

// SamplingInterval reads and parses the cached samplingInterval value,
// wrapping a missing row as ixerr.ErrMetadataNotFound so callers get a
// distinguishable not-found failure instead of a raw parse error.
func (r *Reader) SamplingInterval(ctx context.Context) (int64, error) {
	raw, err := r.store.GetMetadata(ctx, samplingIntervalKey)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("metadata: parsing samplingInterval %q: %w", raw, err)
	}
	return v, nil
}

// WaitForMetadata polls hasMetadata at pollInterval until it becomes true
// or maxWait elapses. On success it returns the cached samplingInterval; on
// timeout it returns ixerr.ErrMetadataNotFound so the caller can transition
// to the ERROR lifecycle state.
func (r *Reader) WaitForMetadata(ctx context.Context, runID string, pollInterval, maxWait time.Duration) (int64, error) {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		has, err := r.HasMetadata(ctx, runID)
		if err != nil {
			return 0, fmt.Errorf("metadata: polling hasMetadata: %w", err)
		}
		if has {
			interval, err := r.SamplingInterval(ctx)
			if err != nil {
				return 0, err
			}
			r.logger.Info("metadata available", "samplingInterval", interval)
			return interval, nil
		}

		if time.Now().After(deadline) {
			return 0, ixerr.Wrap(ixerr.ErrMetadataNotFound, "metadata: not available for run %q after %s", runID, maxWait)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PutSamplingInterval is a test/bootstrap convenience for writing the
// metadata row this package expects; production writes come from the
// separately-run metadata indexer.
func (r *Reader) PutSamplingInterval(ctx context.Context, value int64) error {
	return r.store.PutMetadata(ctx, samplingIntervalKey, strconv.FormatInt(value, 10))
}
