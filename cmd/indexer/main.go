// Command indexer is the composition root for one indexer-class instance:
// it wires the coordinator store, blob store, gap tracker, and tick buffer
// into an engine.Indexer and runs its batch-processing loop until signalled
// to stop. Flag wiring registers the same console/file verbosity surface
// that a second CLI framework would share in a codebase straddling two of
// them; here it is cobra-only.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/ledgerwatch/log/v3"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/sim-indexer/internal/blobstore"
	"github.com/gateway-fm/sim-indexer/internal/config"
	"github.com/gateway-fm/sim-indexer/internal/coordstore"
	"github.com/gateway-fm/sim-indexer/internal/engine"
	"github.com/gateway-fm/sim-indexer/internal/gaptracker"
	"github.com/gateway-fm/sim-indexer/internal/logging"
	"github.com/gateway-fm/sim-indexer/internal/metadata"
	"github.com/gateway-fm/sim-indexer/internal/metrics"
	"github.com/gateway-fm/sim-indexer/internal/tickbuffer"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		runID               string
		indexerClass        string
		instanceID          string
		bucket              string
		s3Endpoint          string
		s3Region            string
		dsn                 string
		maxConns            int64
		pollIntervalMs      int
		maxPollDurationMs   int
		insertBatchSize     int
		flushTimeoutMs      int
		gapWarningTimeoutMs int
		metricsWindowSec    int
		metricsAddr         string
		logDir              string
		logVerbosity        string
	)

	cmd := &cobra.Command{
		Use:   "indexer",
		Short: "Run one indexer-class instance against a run's blob store and coordinator schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.IndexerConfig{
				RunID:                runID,
				IndexerClass:         indexerClass,
				PollIntervalMs:       pollIntervalMs,
				MaxPollDurationMs:    maxPollDurationMs,
				InsertBatchSize:      insertBatchSize,
				FlushTimeoutMs:       flushTimeoutMs,
				GapWarningTimeoutMs:  gapWarningTimeoutMs,
				MetricsWindowSeconds: metricsWindowSec,
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.New(logging.Options{
				Prefix:       indexerClass,
				ConsoleLevel: mustLogLevel(logVerbosity),
				DirPath:      logDir,
			})

			return run(cmd.Context(), cfg, instanceID, runOpts{
				bucket: bucket, s3Endpoint: s3Endpoint, s3Region: s3Region,
				dsn: dsn, maxConns: maxConns, metricsAddr: metricsAddr,
			}, logger)
		},
	}

	defaults := config.Default()
	flags := cmd.Flags()
	flags.StringVar(&runID, "run-id", "", "pin to a run id; discovered from the blob store if empty")
	flags.StringVar(&indexerClass, "indexer-class", "", "logical downstream (environment, organism, dummy, ...)")
	flags.StringVar(&instanceID, "instance-id", "", "stable instance id; a uuid is generated if empty")
	flags.StringVar(&bucket, "bucket", "", "blob store bucket holding batch_*.pb files")
	flags.StringVar(&s3Endpoint, "s3-endpoint", "", "S3-compatible endpoint override; empty uses AWS default resolution")
	flags.StringVar(&s3Region, "s3-region", "us-east-1", "blob store region")
	flags.StringVar(&dsn, "coordinator-dsn", "", "Postgres coordinator connection string")
	flags.Int64Var(&maxConns, "max-in-flight-conns", 16, "max coordinator connections in flight at once")
	flags.IntVar(&pollIntervalMs, "poll-interval-ms", defaults.PollIntervalMs, "idle sleep between loop iterations")
	flags.IntVar(&maxPollDurationMs, "max-poll-duration-ms", defaults.MaxPollDurationMs, "metadata wait bound")
	flags.IntVar(&insertBatchSize, "insert-batch-size", defaults.InsertBatchSize, "tick buffer flush threshold")
	flags.IntVar(&flushTimeoutMs, "flush-timeout-ms", defaults.FlushTimeoutMs, "tick buffer idle-flush threshold")
	flags.IntVar(&gapWarningTimeoutMs, "gap-warning-timeout-ms", defaults.GapWarningTimeoutMs, "pending-gap age before it is marked permanent")
	flags.IntVar(&metricsWindowSec, "metrics-window-seconds", defaults.MetricsWindowSeconds, "sliding window for latency summaries")
	flags.StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	flags.StringVar(&logDir, "log-dir", "", "rotating file log directory; console-only if empty")
	flags.StringVar(&logVerbosity, "log-verbosity", "info", "console log level: crit|error|warn|info|debug|trace")

	return cmd
}

func mustLogLevel(s string) log.Lvl {
	lvl, err := log.LvlFromString(s)
	if err != nil {
		return log.LvlInfo
	}
	return lvl
}

type runOpts struct {
	bucket     string
	s3Endpoint string
	s3Region   string
	dsn        string
	maxConns   int64

	metricsAddr string
}

// run builds every dependency in composition order - coordinator, blob
// store, gap tracker, tick buffer, engine - then drives the indexer's
// lifecycle until SIGINT/SIGTERM.
func run(ctx context.Context, cfg config.IndexerConfig, instanceID string, opts runOpts, logger log.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.Connect(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("indexer: connecting to coordinator: %w", err)
	}
	defer pool.Close()

	conns := coordstore.NewConnManager(pool, opts.maxConns)

	s3Client, err := newS3Client(ctx, opts)
	if err != nil {
		return err
	}
	store := blobstore.New(s3Client, opts.bucket, logger)

	coord := coordstore.NewPGStore(conns, cfg.RunID, cfg.IndexerClass, logger)

	idx, metricsReg, err := buildIndexer(cfg, instanceID, store, coord, logger)
	if err != nil {
		return err
	}

	if cfg.RunID == "" {
		discovered, err := idx.DiscoverRunID(ctx, cfg.PollInterval())
		if err != nil {
			return fmt.Errorf("indexer: discovering run id: %w", err)
		}
		cfg.RunID = discovered
		coord = coordstore.NewPGStore(conns, cfg.RunID, cfg.IndexerClass, logger)
		idx, metricsReg, err = buildIndexer(cfg, instanceID, store, coord, logger)
		if err != nil {
			return err
		}
	}

	if err := idx.PrepareSchema(ctx); err != nil {
		return fmt.Errorf("indexer: preparing schema: %w", err)
	}
	if err := idx.WaitForMetadata(ctx); err != nil {
		return fmt.Errorf("indexer: waiting for metadata: %w", err)
	}

	metricsServer := serveMetrics(opts.metricsAddr, metricsReg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := idx.Start(ctx); err != nil {
		return fmt.Errorf("indexer: starting: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping indexer")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return idx.Stop(stopCtx)
}

func buildIndexer(cfg config.IndexerConfig, instanceID string, store *blobstore.Store, coord coordstore.Store, logger log.Logger) (*engine.Indexer, *metrics.Registry, error) {
	metaReader := metadata.NewReader(coord, logger)
	metricsReg := metrics.New(cfg.IndexerClass, instanceID, cfg.MetricsWindowSeconds)

	// samplingInterval is unknown until WaitForMetadata resolves it; engine
	// pushes the real value into gapTracker via SetSamplingInterval once it
	// does, before the loop ever starts.
	gapTracker := gaptracker.New(coord, store, cfg.Path(cfg.RunID), 0, cfg.GapWarningTimeout(), logger)

	buffer := tickbuffer.New(cfg.InsertBatchSize, cfg.FlushTimeout(),
		func(ctx context.Context, ticks []tickbuffer.Record) error {
			return nil // downstream write sink is supplied per indexer-class deployment.
		},
		func(ctx context.Context, filenames []string) error {
			for _, f := range filenames {
				if err := coord.MarkCompleted(ctx, f); err != nil {
					return err
				}
			}
			return nil
		},
		logger,
	)

	idx, err := engine.New(cfg, instanceID, engine.Deps{
		Store:      store,
		Coord:      coord,
		GapTracker: gapTracker,
		Buffer:     buffer,
		MetaReader: metaReader,
		Metrics:    metricsReg,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return idx, metricsReg, nil
}

func newS3Client(ctx context.Context, opts runOpts) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.s3Region)}
	if os.Getenv("AWS_ACCESS_KEY_ID") != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"), os.Getenv("AWS_SESSION_TOKEN"),
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("indexer: loading AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.s3Endpoint != "" {
			o.BaseEndpoint = &opts.s3Endpoint
			o.UsePathStyle = true
		}
	}), nil
}

func serveMetrics(addr string, reg *metrics.Registry, logger log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "err", err)
		}
	}()
	return srv
}
