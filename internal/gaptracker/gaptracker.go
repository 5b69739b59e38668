// Package gaptracker implements the gap lifecycle state machine: detection
// on new batch, oldest-first fill attempts, the pessimistic-locked split
// operation, and the one-way pending -> permanent transition. It follows a
// reader/writer split over one type holding the store it mutates,
// generalized to hold both the coordinator store and the blob store it
// queries during a fill attempt.
package gaptracker

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerwatch/log/v3"

	"github.com/gateway-fm/sim-indexer/internal/blobstore"
	"github.com/gateway-fm/sim-indexer/internal/coordstore"
	"github.com/gateway-fm/sim-indexer/internal/ixerr"
)

// Tracker detects, fills, and splits gaps for one (run, indexerClass) pair.
type Tracker struct {
	coord              coordstore.Store
	store              *blobstore.Store
	samplingInterval   int64
	gapWarningTimeout  time.Duration
	prefix             string
	logger             log.Logger
	errs               *ixerr.Ring
	permanentCount     *counter
	splitConflictCount *counter
	fillLatency        *observer
}

// counter is a tiny dependency-free increment target so gaptracker does not
// need to import the metrics package directly; engine wires it to a real
// prometheus counter at construction.
type counter struct {
	inc func()
}

func (c *counter) Inc() {
	if c != nil && c.inc != nil {
		c.inc()
	}
}

// observer is a tiny dependency-free sample-recording target, the float
// analog of counter; engine wires it to a real prometheus summary.
type observer struct {
	observe func(float64)
}

func (o *observer) Observe(v float64) {
	if o != nil && o.observe != nil {
		o.observe(v)
	}
}

// New builds a Tracker. samplingInterval is frequently unknown at
// construction time (the metadata wait has not resolved it yet); pass 0 and
// call SetSamplingInterval once engine.Indexer.WaitForMetadata resolves the
// real value. gapWarningTimeout is config.IndexerConfig.GapWarningTimeout().
func New(coord coordstore.Store, store *blobstore.Store, prefix string, samplingInterval int64, gapWarningTimeout time.Duration, logger log.Logger) *Tracker {
	return &Tracker{
		coord:             coord,
		store:             store,
		samplingInterval:  samplingInterval,
		gapWarningTimeout: gapWarningTimeout,
		prefix:            prefix,
		logger:            logger,
		errs:              ixerr.NewRing(100),
	}
}

// SetSamplingInterval updates the interval used to compute gap boundaries
// and splits. Called once the metadata wait resolves the real value; every
// DetectAndRecord/SplitAfterFill call before that point would otherwise run
// against a stale or zero interval.
func (t *Tracker) SetSamplingInterval(samplingInterval int64) {
	t.samplingInterval = samplingInterval
}

// OnPermanentGap lets the caller observe permanent-gap transitions, to
// drive a permanent_gaps_detected counter.
func (t *Tracker) OnPermanentGap(inc func()) {
	t.permanentCount = &counter{inc: inc}
}

// OnSplitConflict lets the caller observe split no-ops, to drive a
// split_gap_conflicts counter.
func (t *Tracker) OnSplitConflict(inc func()) {
	t.splitConflictCount = &counter{inc: inc}
}

// OnFillLatency lets the caller record the gap-detection-to-fill duration
// of every successful fill, to drive a gap_fill_latency_seconds summary.
func (t *Tracker) OnFillLatency(observe func(seconds float64)) {
	t.fillLatency = &observer{observe: observe}
}

// DetectAndRecord detects a gap on a newly-discovered batch starting at
// tick s and records it if one exists.
func (t *Tracker) DetectAndRecord(ctx context.Context, maxCompletedTickEnd, s int64) error {
	var gapStart, gapEnd int64
	switch {
	case maxCompletedTickEnd == -1 && s > 0:
		gapStart, gapEnd = 0, s-t.samplingInterval
	case maxCompletedTickEnd != -1 && s != maxCompletedTickEnd+t.samplingInterval:
		gapStart, gapEnd = maxCompletedTickEnd+t.samplingInterval, s-t.samplingInterval
	default:
		return nil
	}
	if gapStart > gapEnd {
		return nil
	}
	if err := t.coord.UpsertGap(ctx, gapStart, gapEnd); err != nil {
		return fmt.Errorf("gaptracker: recording gap [%d,%d]: %w", gapStart, gapEnd, err)
	}
	t.logger.Debug("gap recorded", "gapStart", gapStart, "gapEnd", gapEnd)
	return nil
}

// FillResult is the outcome of a fill attempt: either a batch to process,
// or nothing (gap retired to permanent, or no intersecting batch yet).
type FillResult struct {
	Batch     *blobstore.BatchFile
	GapStart  int64
	GapEnd    int64
	Attempted bool
}

// AttemptFill tries to fill the oldest pending gap. It returns
// Attempted=false when there is no pending gap or no batch intersects it
// yet; a gap that has just been retired to permanent returns Attempted=true
// with a nil Batch.
func (t *Tracker) AttemptFill(ctx context.Context) (FillResult, error) {
	gap, err := t.coord.GetOldestPendingGap(ctx)
	if err != nil {
		return FillResult{}, fmt.Errorf("gaptracker: reading oldest pending gap: %w", err)
	}
	if gap == nil {
		return FillResult{}, nil
	}

	age := time.Since(gap.FirstDetected)
	if age >= t.gapWarningTimeout {
		if err := t.coord.MarkGapPermanent(ctx, gap.GapStartTick); err != nil && err != coordstore.ErrNoSuchGap {
			return FillResult{}, fmt.Errorf("gaptracker: marking gap %d permanent: %w", gap.GapStartTick, err)
		}
		t.permanentCount.Inc()
		t.errs.Record(ixerr.ErrPermanentGap, fmt.Sprintf("gap [%d,%d] aged out after %s", gap.GapStartTick, gap.GapEndTick, age))
		t.logger.Warn("gap marked permanent", "gapStart", gap.GapStartTick, "gapEnd", gap.GapEndTick, "age", age)
		return FillResult{Attempted: true, GapStart: gap.GapStartTick, GapEnd: gap.GapEndTick}, nil
	}

	found, err := t.store.ListBatchFilesInRange(ctx, t.prefix, gap.GapStartTick, gap.GapEndTick)
	if err != nil {
		return FillResult{}, err
	}
	if found == nil {
		return FillResult{}, nil
	}
	t.fillLatency.Observe(age.Seconds())
	return FillResult{Batch: found, GapStart: gap.GapStartTick, GapEnd: gap.GapEndTick, Attempted: true}, nil
}

// SplitAfterFill narrows a gap once a batch inside the captured gap range
// has been processed.
func (t *Tracker) SplitAfterFill(ctx context.Context, gapStart, gapEnd, batchStart, batchEnd int64) error {
	err := t.coord.SplitGap(ctx, gapStart, gapEnd, batchStart, batchEnd, t.samplingInterval)
	if err == coordstore.ErrNoSuchGap {
		t.errs.Record(ixerr.ErrSplitGapConflict, fmt.Sprintf("gap %d already modified", gapStart))
		t.splitConflictCount.Inc()
		t.logger.Debug("split gap conflict, no-op", "gapStart", gapStart)
		return nil
	}
	if err != nil {
		return fmt.Errorf("gaptracker: splitting gap %d: %w", gapStart, err)
	}
	return nil
}

// RecentErrors exposes this component's ring buffer for status reporting.
func (t *Tracker) RecentErrors() []ixerr.Event {
	return t.errs.Recent()
}
