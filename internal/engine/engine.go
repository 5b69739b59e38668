// Package engine composes the coordinator store, blob store, gap tracker
// and tick buffer into the batch-processing loop and indexer base class.
// The loop follows a logPrefix-tagged shape driven by a select over
// channel reads and a cancellation context. Loop progress (the continuation
// token and sampling interval) is held in memory only; after a restart the
// forward phase lists the prefix from its start again and moves past
// batches whose claim rows already exist.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerwatch/log/v3"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/sim-indexer/internal/blobstore"
	"github.com/gateway-fm/sim-indexer/internal/config"
	"github.com/gateway-fm/sim-indexer/internal/coordstore"
	"github.com/gateway-fm/sim-indexer/internal/gaptracker"
	"github.com/gateway-fm/sim-indexer/internal/ixerr"
	"github.com/gateway-fm/sim-indexer/internal/metadata"
	"github.com/gateway-fm/sim-indexer/internal/metrics"
	"github.com/gateway-fm/sim-indexer/internal/resource"
	"github.com/gateway-fm/sim-indexer/internal/tickbuffer"
)

const (
	portStorage        = "storage"
	portCoordinator    = "coordinator"
	portMetadataReader = "metadataReader"
)

// ProcessFunc is the per-indexer-class downstream write, processBatch(ticks).
// Given directly to Indexer when no tick buffer is desired (direct-process
// mode), or wrapped by a tickbuffer.Buffer otherwise.
type ProcessFunc = tickbuffer.ProcessFunc

// Indexer is the base class: run-id discovery, schema preparation,
// metadata wait, the lifecycle state machine, and resource binding
// enumeration, composed with the batch-processing loop.
type Indexer struct {
	cfg          config.IndexerConfig
	indexerClass string
	instanceID   string

	store      *blobstore.Store
	coord      coordstore.Store
	gapTracker *gaptracker.Tracker
	buffer     *tickbuffer.Buffer
	metaReader *metadata.Reader
	metricsReg *metrics.Registry
	logger     log.Logger

	bindings *resource.Bindings
	errs     *ixerr.Ring

	stateMu sync.Mutex
	state   State

	runID             string
	samplingInterval  int64
	continuationToken string

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Deps is the pure-composition argument bundle: `coord := NewCoord(db); gap
// := NewGap(meta, coord, store); idx := NewIndexer(store, coord, gap,
// buf)`.
type Deps struct {
	Store      *blobstore.Store
	Coord      coordstore.Store
	GapTracker *gaptracker.Tracker
	Buffer     *tickbuffer.Buffer
	MetaReader *metadata.Reader
	Metrics    *metrics.Registry
	Logger     log.Logger
}

// New constructs an Indexer. instanceID is generated with google/uuid when
// the caller leaves it blank.
func New(cfg config.IndexerConfig, instanceID string, deps Deps) (*Indexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	bindings := resource.NewBindings()
	bindings.Register(portStorage, resource.KindStorage)
	bindings.Register(portCoordinator, resource.KindDatabaseCoordinator)
	bindings.Register(portMetadataReader, resource.KindDatabaseMetaRead)

	idx := &Indexer{
		cfg:          cfg,
		indexerClass: cfg.IndexerClass,
		instanceID:   instanceID,
		store:        deps.Store,
		coord:        deps.Coord,
		gapTracker:   deps.GapTracker,
		buffer:       deps.Buffer,
		metaReader:   deps.MetaReader,
		metricsReg:   deps.Metrics,
		logger:       deps.Logger,
		bindings:     bindings,
		errs:         ixerr.NewRing(100),
		state:        StateStopped,
		runID:        cfg.RunID,
	}

	if deps.GapTracker != nil && deps.Metrics != nil {
		deps.GapTracker.OnPermanentGap(deps.Metrics.PermanentGaps.Inc)
		deps.GapTracker.OnSplitConflict(deps.Metrics.SplitGapConflicts.Inc)
		deps.GapTracker.OnFillLatency(deps.Metrics.FillLatencySeconds.Observe)
	}
	if deps.Buffer != nil && deps.Metrics != nil {
		deps.Buffer.OnFlush(deps.Metrics.FlushesPerformed.Inc)
	}

	return idx, nil
}

// DiscoverRunID resolves the run this instance processes: if runId is
// configured, use it; otherwise poll the blob store for the most
// recently-started run, blocking until one appears.
func (idx *Indexer) DiscoverRunID(ctx context.Context, pollInterval time.Duration) (string, error) {
	if idx.runID != "" {
		return idx.runID, nil
	}

	for {
		runs, err := idx.store.ListRunPrefixes(ctx)
		if err != nil {
			idx.bindings.Set(portStorage, resource.StateFailed)
			return "", fmt.Errorf("engine: discovering run id: %w", err)
		}

		if latest, ok := mostRecentRun(runs); ok {
			idx.runID = latest
			idx.logger.Info("run discovered", "runId", latest)
			return latest, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func mostRecentRun(runs []blobstore.RunPrefix) (string, bool) {
	sort.Slice(runs, func(i, j int) bool { return runs[i].FirstSeen.After(runs[j].FirstSeen) })
	for _, r := range runs {
		if r.FirstSeenSet {
			return r.RunID, true
		}
	}
	return "", false
}

// PrepareSchema is the schema-preparation hook. It calls Prepare on the
// coordinator store for every indexer class; Prepare is idempotent
// (CREATE TABLE IF NOT EXISTS), so every class may safely call it.
func (idx *Indexer) PrepareSchema(ctx context.Context) error {
	return idx.coord.Prepare(ctx)
}

// WaitForMetadata blocks until this run's samplingInterval metadata is
// published, or the configured wait deadline expires.
func (idx *Indexer) WaitForMetadata(ctx context.Context) error {
	idx.bindings.Set(portMetadataReader, resource.StateWaiting)
	interval, err := idx.metaReader.WaitForMetadata(ctx, idx.runID, idx.cfg.PollInterval(), idx.cfg.MaxPollDuration())
	if err != nil {
		idx.bindings.Set(portMetadataReader, resource.StateFailed)
		idx.errs.Record(err, "metadata wait timed out")
		return err
	}
	idx.samplingInterval = interval
	if idx.gapTracker != nil {
		idx.gapTracker.SetSamplingInterval(interval)
	}
	idx.bindings.Set(portMetadataReader, resource.StateActive)
	return nil
}

// Start transitions STOPPED -> RUNNING and launches the batch-processing
// loop, together with a background idle-flush ticker that gives the tick
// buffer a flush opportunity independent of the loop's own iteration
// cadence, supervised by an errgroup so both stop together on cancellation.
// It returns once both goroutines are running, not once they exit.
func (idx *Indexer) Start(ctx context.Context) error {
	if err := idx.transition(StateRunning); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	idx.cancel = cancel

	g, gctx := errgroup.WithContext(loopCtx)
	idx.group = g
	g.Go(func() error {
		idx.runLoop(gctx)
		return nil
	})
	g.Go(func() error {
		idx.idleFlushLoop(gctx)
		return nil
	})
	return nil
}

// idleFlushLoop flushes the tick buffer on a fixed cadence regardless of
// whether the main loop is finding new batches to process, so a long run of
// back-to-back forward-phase hits does not starve the idle-flush check.
func (idx *Indexer) idleFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(idx.cfg.FlushTimeout())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := idx.buffer.MaybeIdleFlush(ctx); err != nil {
				idx.logger.Error("background idle flush error", "err", err)
			}
		}
	}
}

// Pause and Resume implement the RUNNING <-> PAUSED edge; the loop itself
// checks State() at each iteration boundary. A cancel signal causes the
// loop to exit at the next iteration boundary; pause uses the same
// boundary.
func (idx *Indexer) Pause() error  { return idx.transition(StatePaused) }
func (idx *Indexer) Resume() error { return idx.transition(StateRunning) }

// Stop cancels the loop context, waits for the loop to flush and exit,
// then transitions to STOPPED.
func (idx *Indexer) Stop(ctx context.Context) error {
	if idx.cancel != nil {
		idx.cancel()
	}
	if idx.group != nil {
		_ = idx.group.Wait()
	}
	if idx.State() == StateError {
		return nil
	}
	return idx.transition(StateStopped)
}

func (idx *Indexer) fail(err error) {
	idx.errs.Record(err, "loop iteration failed")
	_ = idx.transition(StateError)
}

// runLoop is the iteration loop: gap phase, then forward phase, then idle
// handling, until the context is cancelled.
func (idx *Indexer) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			idx.shutdown(context.Background())
			return
		default:
		}

		if idx.State() == StatePaused {
			select {
			case <-ctx.Done():
				idx.shutdown(context.Background())
				return
			case <-time.After(idx.cfg.PollInterval()):
			}
			continue
		}

		processed, err := idx.iterate(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				idx.shutdown(context.Background())
				return
			}
			idx.logger.Error("iteration error", "err", err)
			idx.fail(err)
			return
		}

		if !processed {
			if err := idx.buffer.MaybeIdleFlush(ctx); err != nil {
				idx.logger.Error("idle flush error", "err", err)
			}
			select {
			case <-ctx.Done():
				idx.shutdown(context.Background())
				return
			case <-time.After(idx.cfg.PollInterval()):
			}
		}
	}
}

func (idx *Indexer) shutdown(ctx context.Context) {
	if err := idx.buffer.Shutdown(ctx); err != nil {
		idx.logger.Error("shutdown flush failed", "err", err)
	}
	if err := idx.coord.Close(ctx); err != nil {
		idx.logger.Error("closing coordinator connection failed", "err", err)
	}
}

// iterate runs exactly one loop iteration and reports whether it
// processed a batch.
func (idx *Indexer) iterate(ctx context.Context) (bool, error) {
	start := time.Now()
	defer func() { idx.metricsReg.IterationLatency.Observe(time.Since(start).Seconds()) }()

	if idx.gapTracker != nil {
		processed, err := idx.gapPhase(ctx)
		if err != nil {
			return false, err
		}
		if processed {
			return true, nil
		}
	}
	return idx.forwardPhase(ctx)
}

func (idx *Indexer) gapPhase(ctx context.Context) (bool, error) {
	result, err := idx.gapTracker.AttemptFill(ctx)
	if err != nil {
		idx.bindings.Set(portStorage, resource.StateFailed)
		return false, err
	}
	idx.bindings.Set(portStorage, resource.StateActive)
	if result.Batch == nil {
		return false, nil
	}

	outcome, err := idx.claimReadBuffer(ctx, *result.Batch)
	if err != nil {
		return false, err
	}
	if outcome != coordstore.ClaimAcquired {
		// Another instance owns this batch; leave the gap for it to split.
		return false, nil
	}

	if err := idx.gapTracker.SplitAfterFill(ctx, result.GapStart, result.GapEnd, result.Batch.TickStart, result.Batch.TickEnd); err != nil {
		return false, err
	}
	return true, nil
}

func (idx *Indexer) forwardPhase(ctx context.Context) (bool, error) {
	files, _, err := idx.store.ListBatchFiles(ctx, idx.cfg.Path(idx.runID), idx.continuationToken, 1)
	if err != nil {
		idx.bindings.Set(portStorage, resource.StateFailed)
		return false, err
	}
	idx.bindings.Set(portStorage, resource.StateActive)
	if len(files) == 0 {
		return false, nil
	}
	batch := files[0]

	if idx.gapTracker != nil {
		maxEnd, err := idx.coord.GetMaxCompletedTickEnd(ctx)
		if err != nil {
			return false, err
		}
		if err := idx.gapTracker.DetectAndRecord(ctx, maxEnd, batch.TickStart); err != nil {
			return false, err
		}
	}

	outcome, err := idx.claimReadBuffer(ctx, batch)
	if err != nil {
		return false, err
	}

	idx.continuationToken = batch.Filename

	if outcome != coordstore.ClaimAcquired {
		return false, nil
	}
	return true, nil
}

// claimReadBuffer performs the shared claim -> read -> buffer-or-process
// sequence used by both loop phases.
func (idx *Indexer) claimReadBuffer(ctx context.Context, batch blobstore.BatchFile) (coordstore.ClaimOutcome, error) {
	outcome, err := idx.coord.TryClaim(ctx, batch.Filename, batch.TickStart, batch.TickEnd, idx.instanceID)
	if err != nil {
		idx.bindings.Set(portCoordinator, resource.StateFailed)
		return outcome, err
	}
	idx.bindings.Set(portCoordinator, resource.StateActive)
	idx.bindings.RecordActivity(portCoordinator, 1)
	if outcome == coordstore.ClaimAlreadyClaimed {
		idx.metricsReg.AlreadyClaimed.Inc()
		return outcome, nil
	}

	raw, err := idx.store.ReadBatch(ctx, batch.Filename)
	if err != nil {
		idx.metricsReg.BatchReadFailed.Inc()
		if markErr := idx.coord.MarkFailed(ctx, batch.Filename, err.Error()); markErr != nil {
			return outcome, fmt.Errorf("engine: marking %s failed after read error: %w", batch.Filename, markErr)
		}
		idx.errs.Record(err, fmt.Sprintf("batch %s", batch.Filename))
		return outcome, nil
	}

	ticks, err := decodeTicks(raw)
	if err != nil {
		return outcome, fmt.Errorf("engine: decoding %s: %w", batch.Filename, err)
	}

	idx.metricsReg.TicksProcessed.Add(float64(len(ticks)))
	idx.bindings.RecordActivity(portStorage, len(ticks))

	if idx.buffer != nil {
		if err := idx.buffer.Append(ctx, batch.Filename, ticks); err != nil {
			return outcome, err
		}
	} else {
		if err := idx.coord.MarkCompleted(ctx, batch.Filename); err != nil {
			return outcome, err
		}
	}
	idx.metricsReg.BatchesProcessed.Inc()
	return outcome, nil
}

// decodeTicks reads a batch file body as a length-prefixed sequence of
// tick records.
func decodeTicks(raw []byte) ([]tickbuffer.Record, error) {
	var ticks []tickbuffer.Record
	for len(raw) > 0 {
		if len(raw) < 4 {
			return nil, fmt.Errorf("engine: truncated length prefix")
		}
		length := binary.BigEndian.Uint32(raw[:4])
		raw = raw[4:]
		if uint32(len(raw)) < length {
			return nil, fmt.Errorf("engine: truncated record, want %d bytes, have %d", length, len(raw))
		}
		ticks = append(ticks, raw[:length])
		raw = raw[length:]
	}
	return ticks, nil
}

// Status is the structured, O(1) status snapshot.
type Status struct {
	State    State
	Bindings []resource.Binding
	Metrics  metrics.Snapshot
	Errors   []ixerr.Event
}

func (idx *Indexer) Status() Status {
	return Status{
		State:    idx.State(),
		Bindings: idx.bindings.Snapshot(),
		Metrics:  idx.metricsReg.Snapshot(),
		Errors:   idx.errs.Recent(),
	}
}
