// Package config holds the per-indexer-instance configuration surface, with
// its documented defaults. Loading it from a file and wiring the resource
// bindings it names is the orchestrator's job; this package only defines
// the shape and defaults.
package config

import (
	"errors"
	"time"
)

var (
	errMissingIndexerClass = errors.New("config: IndexerClass is mandatory")
	errBadInsertBatchSize  = errors.New("config: InsertBatchSize must be > 0")
	errBadFlushTimeout     = errors.New("config: FlushTimeoutMs must be > 0")
)

// IndexerConfig is the configuration surface of one indexer instance.
type IndexerConfig struct {
	// RunID pins the instance to a run if set; otherwise the run is
	// discovered (engine.DiscoverRunID).
	RunID string

	// IndexerClass names the logical kind of downstream processing
	// (environment, organism, dummy, ...). Mandatory: the coordinator
	// wrapper is built with it as a constructor parameter.
	IndexerClass string

	// PollIntervalMs is the idle sleep between loop iterations, and also
	// the metadata-wait poll interval.
	PollIntervalMs int

	// MaxPollDurationMs bounds the metadata wait.
	MaxPollDurationMs int

	// BatchPath overrides the storage prefix; defaults to "{runId}/".
	BatchPath string

	// InsertBatchSize is the tick-buffer size threshold, in ticks.
	InsertBatchSize int

	// FlushTimeoutMs is the tick-buffer idle threshold.
	FlushTimeoutMs int

	// GapWarningTimeoutMs is the pending-gap age before it is marked
	// permanent.
	GapWarningTimeoutMs int

	// MetricsWindowSeconds sizes the sliding window used for latency/rate
	// metrics.
	MetricsWindowSeconds int
}

// Default returns the configuration with every documented default applied,
// and IndexerClass/RunID left blank for the caller to fill in.
func Default() IndexerConfig {
	return IndexerConfig{
		PollIntervalMs:       1000,
		MaxPollDurationMs:    300000,
		InsertBatchSize:      1000,
		FlushTimeoutMs:       5000,
		GapWarningTimeoutMs:  60000,
		MetricsWindowSeconds: 5,
	}
}

func (c IndexerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c IndexerConfig) MaxPollDuration() time.Duration {
	return time.Duration(c.MaxPollDurationMs) * time.Millisecond
}

func (c IndexerConfig) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutMs) * time.Millisecond
}

func (c IndexerConfig) GapWarningTimeout() time.Duration {
	return time.Duration(c.GapWarningTimeoutMs) * time.Millisecond
}

// Path resolves BatchPath, defaulting to "{runId}/" as documented.
func (c IndexerConfig) Path(runID string) string {
	if c.BatchPath != "" {
		return c.BatchPath
	}
	return runID + "/"
}

// Validate checks insertBatchSize > 0, flushTimeoutMs > 0, and the
// mandatory IndexerClass.
func (c IndexerConfig) Validate() error {
	if c.IndexerClass == "" {
		return errMissingIndexerClass
	}
	if c.InsertBatchSize <= 0 {
		return errBadInsertBatchSize
	}
	if c.FlushTimeoutMs <= 0 {
		return errBadFlushTimeout
	}
	return nil
}
