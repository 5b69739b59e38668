// Package coordstore is the relational coordinator store: two tables per
// run-schema (batches, gaps) plus a metadata key/value table populated by
// the metadata indexer. It follows a reader/writer split over named table
// constants embedded into one wrapper type, generalized to a SQL
// connection rather than an embedded KV transaction, since the claim
// protocol and gap split need a real integrity-violation error code and
// row-level locking that a KV store cannot express.
package coordstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	TableBatches  = "batches"
	TableGaps     = "gaps"
	TableMetadata = "metadata"
)

// BatchStatus is the status column of a batches row.
type BatchStatus string

const (
	StatusClaimed   BatchStatus = "claimed"
	StatusCompleted BatchStatus = "completed"
	StatusFailed    BatchStatus = "failed"
)

// GapStatus is the status column of a gaps row.
type GapStatus string

const (
	GapPending   GapStatus = "pending"
	GapPermanent GapStatus = "permanent"
)

// ClaimOutcome is a result type rather than an exception-as-signal: callers
// match on the outcome rather than on a database error string.
type ClaimOutcome int

const (
	ClaimAcquired ClaimOutcome = iota
	ClaimAlreadyClaimed
)

// Batch mirrors one batches row.
type Batch struct {
	IndexerClass        string
	BatchFilename       string
	TickStart           int64
	TickEnd             int64
	IndexerInstanceID   string
	ClaimTimestamp      time.Time
	CompletionTimestamp time.Time
	Status              BatchStatus
	ErrorMessage        string
}

// Gap mirrors one gaps row.
type Gap struct {
	IndexerClass  string
	GapStartTick  int64
	GapEndTick    int64
	FirstDetected time.Time
	Status        GapStatus
}

var (
	// ErrNoSuchGap is returned by SplitGap/MarkGapPermanent when the row is
	// no longer present; callers treat this as a no-op SplitGapConflict
	// rather than a failure, since another instance already resolved it.
	ErrNoSuchGap = errors.New("coordstore: gap row not found")
)

// Store is the coordinator store's contract, implemented by the pgx-backed
// PGStore for production and by MemoryStore for unit tests (both satisfy
// this interface so gaptracker and engine never depend on pgx directly).
type Store interface {
	// Prepare issues CREATE TABLE IF NOT EXISTS for this run's schema. It
	// is idempotent and safe to call from every indexer instance.
	Prepare(ctx context.Context) error

	// TryClaim attempts an atomic claim: the first instance to insert the
	// (indexerClass, batchFilename) row wins, every later attempt observes
	// a unique-constraint violation and reports ClaimAlreadyClaimed.
	TryClaim(ctx context.Context, batchFilename string, tickStart, tickEnd int64, instanceID string) (ClaimOutcome, error)

	MarkCompleted(ctx context.Context, batchFilename string) error
	MarkFailed(ctx context.Context, batchFilename string, errMessage string) error

	// GetMaxCompletedTickEnd returns -1 when no claimed/completed row
	// exists for this indexer class.
	GetMaxCompletedTickEnd(ctx context.Context) (int64, error)

	// UpsertGap records a gap, collapsing concurrent detections of the
	// same gapStartTick to one row.
	UpsertGap(ctx context.Context, gapStartTick, gapEndTick int64) error

	// GetOldestPendingGap returns nil, nil when there is no pending gap.
	GetOldestPendingGap(ctx context.Context) (*Gap, error)

	MarkGapPermanent(ctx context.Context, gapStartTick int64) error

	// SplitGap performs the pessimistic-locked delete-plus-0-to-2-insert
	// operation that narrows a gap once part of it has been filled.
	// Returns ErrNoSuchGap if the row is already gone (SplitGapConflict).
	SplitGap(ctx context.Context, gapStartTick, gapEndTick, batchStart, batchEnd, samplingInterval int64) error

	// HasMetadata and GetMetadata implement the metadata reader contract,
	// backed by the same schema's metadata table.
	HasMetadata(ctx context.Context, key string) (bool, error)
	GetMetadata(ctx context.Context, key string) (string, error)
	PutMetadata(ctx context.Context, key, value string) error

	// Close releases any held connection. Safe to call repeatedly.
	Close(ctx context.Context) error
}

// SchemaName derives the per-run schema name from runId by a fixed-format
// transformation: lowercase, each non-alphanumeric character replaced by an
// underscore, prefixed with "run_".
func SchemaName(runID string) string {
	out := make([]rune, 0, len(runID)+4)
	out = append(out, []rune("run_")...)
	for _, r := range runID {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func qualify(schema, table string) string {
	return fmt.Sprintf("%s.%s", schema, table)
}
