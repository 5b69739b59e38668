package coordstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/ledgerwatch/log/v3"
	"golang.org/x/sync/semaphore"

	"github.com/gateway-fm/sim-indexer/internal/ixerr"
)

// pgUniqueViolation is the Postgres integrity-violation error code, per
// https://www.postgresql.org/docs/current/errcodes-appendix.html. Detected
// by code, never by matching error text.
const pgUniqueViolation = "23505"

// ConnManager bounds a shared *pgxpool.Pool with a semaphore so the
// effective number of connections in flight at once stays roughly
// constant regardless of how many indexer instances share the process.
// Each instance acquires a connection lazily and releases it between polls
// rather than holding one for its entire lifetime.
type ConnManager struct {
	pool *pgxpool.Pool
	sem  *semaphore.Weighted
}

// NewConnManager wraps an already-constructed pool. maxInFlight bounds
// concurrent acquisitions across every PGStore sharing this manager.
func NewConnManager(pool *pgxpool.Pool, maxInFlight int64) *ConnManager {
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	return &ConnManager{pool: pool, sem: semaphore.NewWeighted(maxInFlight)}
}

// withConn acquires a pool connection (waiting on the semaphore first so
// the bound applies even though pgxpool has its own internal pool), runs
// fn, and always releases both.
func (m *ConnManager) withConn(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("coordstore: acquiring connection slot: %w", err)
	}
	defer m.sem.Release(1)

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return ixerr.Wrap(ixerr.ErrCoordinatorConnectionLost, "coordstore: acquiring pool connection: %v", err)
	}
	defer conn.Release()

	return fn(conn)
}

// PGStore is the pgx-backed Store for one (runID, indexerClass) pair. It
// holds no long-lived connection of its own; every operation borrows one
// from the shared ConnManager for its duration, acquired and released per
// call rather than held for the component's lifetime.
type PGStore struct {
	conns        *ConnManager
	schema       string
	indexerClass string
	logger       log.Logger
}

// NewPGStore builds a store bound to one run's schema and one indexer
// class. indexerClass is mandatory and set once at construction rather than
// through a fluent setter called before use.
func NewPGStore(conns *ConnManager, runID, indexerClass string, logger log.Logger) *PGStore {
	return &PGStore{
		conns:        conns,
		schema:       SchemaName(runID),
		indexerClass: indexerClass,
		logger:       logger,
	}
}

func (s *PGStore) Prepare(ctx context.Context) error {
	return s.conns.withConn(ctx, func(conn *pgxpool.Conn) error {
		if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", s.schema)); err != nil {
			return fmt.Errorf("coordstore: creating schema %s: %w", s.schema, err)
		}

		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				indexer_class text NOT NULL,
				batch_filename text NOT NULL,
				tick_start bigint NOT NULL,
				tick_end bigint NOT NULL,
				indexer_instance_id text NOT NULL,
				claim_timestamp timestamptz NOT NULL,
				completion_timestamp timestamptz,
				status text NOT NULL,
				error_message text NOT NULL DEFAULT '',
				PRIMARY KEY (indexer_class, batch_filename)
			)`, qualify(s.schema, TableBatches)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				indexer_class text NOT NULL,
				gap_start_tick bigint NOT NULL,
				gap_end_tick bigint NOT NULL,
				first_detected timestamptz NOT NULL,
				status text NOT NULL,
				PRIMARY KEY (indexer_class, gap_start_tick)
			)`, qualify(s.schema, TableGaps)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				key text PRIMARY KEY,
				value text NOT NULL
			)`, qualify(s.schema, TableMetadata)),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_class_tickend_idx ON %s (indexer_class, tick_end)`,
				TableBatches, qualify(s.schema, TableBatches)),
		}
		for _, stmt := range stmts {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("coordstore: preparing schema: %w", err)
			}
		}
		s.logger.Debug("coordinator schema prepared", "schema", s.schema, "indexerClass", s.indexerClass)
		return nil
	})
}

func (s *PGStore) TryClaim(ctx context.Context, batchFilename string, tickStart, tickEnd int64, instanceID string) (ClaimOutcome, error) {
	var outcome ClaimOutcome
	err := s.conns.withConn(ctx, func(conn *pgxpool.Conn) error {
		query := fmt.Sprintf(`INSERT INTO %s
			(indexer_class, batch_filename, tick_start, tick_end, indexer_instance_id, claim_timestamp, status, error_message)
			VALUES ($1, $2, $3, $4, $5, now(), $6, '')`, qualify(s.schema, TableBatches))

		_, err := conn.Exec(ctx, query, s.indexerClass, batchFilename, tickStart, tickEnd, instanceID, string(StatusClaimed))
		if err == nil {
			outcome = ClaimAcquired
			return nil
		}

		if isUniqueViolation(err) {
			outcome = ClaimAlreadyClaimed
			return nil
		}
		return ixerr.Wrap(ixerr.ErrCoordinatorConnectionLost, "coordstore: claiming %s: %v", batchFilename, err)
	})
	return outcome, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

func (s *PGStore) MarkCompleted(ctx context.Context, batchFilename string) error {
	return s.conns.withConn(ctx, func(conn *pgxpool.Conn) error {
		query := fmt.Sprintf(`UPDATE %s SET status = $1, completion_timestamp = now()
			WHERE indexer_class = $2 AND batch_filename = $3`, qualify(s.schema, TableBatches))
		if _, err := conn.Exec(ctx, query, string(StatusCompleted), s.indexerClass, batchFilename); err != nil {
			return fmt.Errorf("coordstore: marking %s completed: %w", batchFilename, err)
		}
		return nil
	})
}

func (s *PGStore) MarkFailed(ctx context.Context, batchFilename string, errMessage string) error {
	return s.conns.withConn(ctx, func(conn *pgxpool.Conn) error {
		query := fmt.Sprintf(`UPDATE %s SET status = $1, error_message = $2
			WHERE indexer_class = $3 AND batch_filename = $4`, qualify(s.schema, TableBatches))
		if _, err := conn.Exec(ctx, query, string(StatusFailed), errMessage, s.indexerClass, batchFilename); err != nil {
			return fmt.Errorf("coordstore: marking %s failed: %w", batchFilename, err)
		}
		return nil
	})
}

func (s *PGStore) GetMaxCompletedTickEnd(ctx context.Context) (int64, error) {
	var max int64 = -1
	err := s.conns.withConn(ctx, func(conn *pgxpool.Conn) error {
		query := fmt.Sprintf(`SELECT COALESCE(MAX(tick_end), -1) FROM %s
			WHERE indexer_class = $1 AND status IN ($2, $3)`, qualify(s.schema, TableBatches))
		row := conn.QueryRow(ctx, query, s.indexerClass, string(StatusCompleted), string(StatusClaimed))
		return row.Scan(&max)
	})
	if err != nil {
		return -1, fmt.Errorf("coordstore: reading max completed tick end: %w", err)
	}
	return max, nil
}

func (s *PGStore) UpsertGap(ctx context.Context, gapStartTick, gapEndTick int64) error {
	return s.conns.withConn(ctx, func(conn *pgxpool.Conn) error {
		query := fmt.Sprintf(`INSERT INTO %s (indexer_class, gap_start_tick, gap_end_tick, first_detected, status)
			VALUES ($1, $2, $3, now(), $4)
			ON CONFLICT (indexer_class, gap_start_tick) DO UPDATE SET gap_end_tick = EXCLUDED.gap_end_tick`,
			qualify(s.schema, TableGaps))
		if _, err := conn.Exec(ctx, query, s.indexerClass, gapStartTick, gapEndTick, string(GapPending)); err != nil {
			return fmt.Errorf("coordstore: recording gap [%d,%d]: %w", gapStartTick, gapEndTick, err)
		}
		return nil
	})
}

func (s *PGStore) GetOldestPendingGap(ctx context.Context) (*Gap, error) {
	var gap *Gap
	err := s.conns.withConn(ctx, func(conn *pgxpool.Conn) error {
		query := fmt.Sprintf(`SELECT gap_start_tick, gap_end_tick, first_detected FROM %s
			WHERE indexer_class = $1 AND status = $2
			ORDER BY gap_start_tick ASC LIMIT 1`, qualify(s.schema, TableGaps))
		row := conn.QueryRow(ctx, query, s.indexerClass, string(GapPending))
		var g Gap
		if err := row.Scan(&g.GapStartTick, &g.GapEndTick, &g.FirstDetected); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		g.IndexerClass = s.indexerClass
		g.Status = GapPending
		gap = &g
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("coordstore: reading oldest pending gap: %w", err)
	}
	return gap, nil
}

func (s *PGStore) MarkGapPermanent(ctx context.Context, gapStartTick int64) error {
	return s.conns.withConn(ctx, func(conn *pgxpool.Conn) error {
		query := fmt.Sprintf(`UPDATE %s SET status = $1 WHERE indexer_class = $2 AND gap_start_tick = $3`,
			qualify(s.schema, TableGaps))
		tag, err := conn.Exec(ctx, query, string(GapPermanent), s.indexerClass, gapStartTick)
		if err != nil {
			return fmt.Errorf("coordstore: marking gap %d permanent: %w", gapStartTick, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNoSuchGap
		}
		return nil
	})
}

func (s *PGStore) SplitGap(ctx context.Context, gapStartTick, gapEndTick, batchStart, batchEnd, samplingInterval int64) error {
	return s.conns.withConn(ctx, func(conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("coordstore: beginning split transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		lockQuery := fmt.Sprintf(`SELECT gap_start_tick FROM %s WHERE indexer_class = $1 AND gap_start_tick = $2 FOR UPDATE`,
			qualify(s.schema, TableGaps))
		var locked int64
		err = tx.QueryRow(ctx, lockQuery, s.indexerClass, gapStartTick).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNoSuchGap
		}
		if err != nil {
			return fmt.Errorf("coordstore: locking gap %d: %w", gapStartTick, err)
		}

		deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE indexer_class = $1 AND gap_start_tick = $2`, qualify(s.schema, TableGaps))
		if _, err := tx.Exec(ctx, deleteQuery, s.indexerClass, gapStartTick); err != nil {
			return fmt.Errorf("coordstore: deleting gap %d: %w", gapStartTick, err)
		}

		insertQuery := fmt.Sprintf(`INSERT INTO %s (indexer_class, gap_start_tick, gap_end_tick, first_detected, status)
			VALUES ($1, $2, $3, now(), $4)`, qualify(s.schema, TableGaps))

		if gapStartTick <= batchStart-samplingInterval {
			if _, err := tx.Exec(ctx, insertQuery, s.indexerClass, gapStartTick, batchStart-samplingInterval, string(GapPending)); err != nil {
				return fmt.Errorf("coordstore: inserting left split of gap %d: %w", gapStartTick, err)
			}
		}
		if batchEnd+samplingInterval <= gapEndTick {
			if _, err := tx.Exec(ctx, insertQuery, s.indexerClass, batchEnd+samplingInterval, gapEndTick, string(GapPending)); err != nil {
				return fmt.Errorf("coordstore: inserting right split of gap %d: %w", gapStartTick, err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("coordstore: committing gap split: %w", err)
		}
		return nil
	})
}

func (s *PGStore) HasMetadata(ctx context.Context, key string) (bool, error) {
	_, err := s.GetMetadata(ctx, key)
	if err != nil {
		if errors.Is(err, ixerr.ErrMetadataNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *PGStore) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conns.withConn(ctx, func(conn *pgxpool.Conn) error {
		query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, qualify(s.schema, TableMetadata))
		row := conn.QueryRow(ctx, query, key)
		return row.Scan(&value)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ixerr.Wrap(ixerr.ErrMetadataNotFound, "coordstore: metadata key %q", key)
	}
	if err != nil {
		return "", fmt.Errorf("coordstore: reading metadata %q: %w", key, err)
	}
	return value, nil
}

func (s *PGStore) PutMetadata(ctx context.Context, key, value string) error {
	return s.conns.withConn(ctx, func(conn *pgxpool.Conn) error {
		query := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, qualify(s.schema, TableMetadata))
		_, err := conn.Exec(ctx, query, key, value)
		return err
	})
}

// Close is a no-op for PGStore: the underlying pool is shared across
// stores and closed by whoever constructed it (the composition root).
func (s *PGStore) Close(ctx context.Context) error {
	return nil
}
