package coordstore

import (
	"context"
	"sync"
	"time"

	"github.com/gateway-fm/sim-indexer/internal/ixerr"
)

// MemoryStore is an in-memory Store used by gaptracker and engine unit
// tests, so they exercise the exact claim/gap-split semantics without a
// live Postgres instance.
type MemoryStore struct {
	mu           sync.Mutex
	indexerClass string

	batches map[string]*Batch
	gaps    map[int64]*Gap
	meta    map[string]string
}

func NewMemoryStore(indexerClass string) *MemoryStore {
	return &MemoryStore{
		indexerClass: indexerClass,
		batches:      make(map[string]*Batch),
		gaps:         make(map[int64]*Gap),
		meta:         make(map[string]string),
	}
}

func (m *MemoryStore) Prepare(ctx context.Context) error { return nil }

func (m *MemoryStore) TryClaim(ctx context.Context, batchFilename string, tickStart, tickEnd int64, instanceID string) (ClaimOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.batches[batchFilename]; exists {
		return ClaimAlreadyClaimed, nil
	}
	m.batches[batchFilename] = &Batch{
		IndexerClass:      m.indexerClass,
		BatchFilename:     batchFilename,
		TickStart:         tickStart,
		TickEnd:           tickEnd,
		IndexerInstanceID: instanceID,
		ClaimTimestamp:    time.Now(),
		Status:            StatusClaimed,
	}
	return ClaimAcquired, nil
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, batchFilename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.batches[batchFilename]; ok {
		b.Status = StatusCompleted
		b.CompletionTimestamp = time.Now()
	}
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, batchFilename string, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.batches[batchFilename]; ok {
		b.Status = StatusFailed
		b.ErrorMessage = errMessage
	}
	return nil
}

func (m *MemoryStore) GetMaxCompletedTickEnd(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := int64(-1)
	for _, b := range m.batches {
		if b.Status != StatusCompleted && b.Status != StatusClaimed {
			continue
		}
		if b.TickEnd > max {
			max = b.TickEnd
		}
	}
	return max, nil
}

func (m *MemoryStore) UpsertGap(ctx context.Context, gapStartTick, gapEndTick int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.gaps[gapStartTick]; ok {
		existing.GapEndTick = gapEndTick
		return nil
	}
	m.gaps[gapStartTick] = &Gap{
		IndexerClass:  m.indexerClass,
		GapStartTick:  gapStartTick,
		GapEndTick:    gapEndTick,
		FirstDetected: time.Now(),
		Status:        GapPending,
	}
	return nil
}

func (m *MemoryStore) GetOldestPendingGap(ctx context.Context) (*Gap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Gap
	for _, g := range m.gaps {
		if g.Status != GapPending {
			continue
		}
		if best == nil || g.GapStartTick < best.GapStartTick {
			best = g
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) MarkGapPermanent(ctx context.Context, gapStartTick int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gaps[gapStartTick]
	if !ok {
		return ErrNoSuchGap
	}
	g.Status = GapPermanent
	return nil
}

func (m *MemoryStore) SplitGap(ctx context.Context, gapStartTick, gapEndTick, batchStart, batchEnd, samplingInterval int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.gaps[gapStartTick]; !ok {
		return ErrNoSuchGap
	}
	delete(m.gaps, gapStartTick)

	if gapStartTick <= batchStart-samplingInterval {
		left := batchStart - samplingInterval
		m.gaps[gapStartTick] = &Gap{
			IndexerClass: m.indexerClass, GapStartTick: gapStartTick, GapEndTick: left,
			FirstDetected: time.Now(), Status: GapPending,
		}
	}
	if batchEnd+samplingInterval <= gapEndTick {
		start := batchEnd + samplingInterval
		m.gaps[start] = &Gap{
			IndexerClass: m.indexerClass, GapStartTick: start, GapEndTick: gapEndTick,
			FirstDetected: time.Now(), Status: GapPending,
		}
	}
	return nil
}

func (m *MemoryStore) HasMetadata(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.meta[key]
	return ok, nil
}

func (m *MemoryStore) GetMetadata(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.meta[key]
	if !ok {
		return "", ixerr.Wrap(ixerr.ErrMetadataNotFound, "coordstore: metadata key %q", key)
	}
	return v, nil
}

func (m *MemoryStore) PutMetadata(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

func (m *MemoryStore) Close(ctx context.Context) error { return nil }

// Batches exposes a snapshot for test assertions.
func (m *MemoryStore) Batches() map[string]Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Batch, len(m.batches))
	for k, v := range m.batches {
		out[k] = *v
	}
	return out
}

// Gaps exposes a snapshot for test assertions.
func (m *MemoryStore) Gaps() map[int64]Gap {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]Gap, len(m.gaps))
	for k, v := range m.gaps {
		out[k] = *v
	}
	return out
}
