package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/voltstream/telemetry-core/internal/blobstore"
	"github.com/voltstream/telemetry-core/internal/datum"
	datumpg "github.com/voltstream/telemetry-core/internal/datum/postgres"
	"github.com/voltstream/telemetry-core/internal/datumimport"
	"github.com/voltstream/telemetry-core/internal/events"
	"github.com/voltstream/telemetry-core/internal/jobs"
	jobspg "github.com/voltstream/telemetry-core/internal/jobs/postgres"
	"github.com/voltstream/telemetry-core/internal/leader"
	leaderpg "github.com/voltstream/telemetry-core/internal/leader/postgres"
	"github.com/voltstream/telemetry-core/internal/publish"
	"github.com/voltstream/telemetry-core/internal/queue"
	"github.com/voltstream/telemetry-core/internal/secrets"
	"github.com/voltstream/telemetry-core/internal/stale"
	stalepg "github.com/voltstream/telemetry-core/internal/stale/postgres"
	"github.com/voltstream/telemetry-core/internal/txscope"
)

type config struct {
	postgresDSN string
	ownerID     string
	leaseName   string
	leaseTTL    time.Duration

	jobWorkers     int
	pollInterval   time.Duration
	maxRunTime     time.Duration
	jobRetention   time.Duration
	reaperInterval time.Duration

	staleInterval      time.Duration
	staleParallelism   int
	staleMaxIterations int
	staleMaxWait       time.Duration
	staleKinds         []datum.Kind
	staleRollup        bool

	blobDriver  string
	blobBucket  string
	blobPrefix  string
	blobMaxSize int64
	deleteInput bool

	queueDriver   string
	queueBrokers  []string
	queueGroup    string
	importTopic   string
	eventsTopic   string
	publishTopic  string
	publishKinds  []datum.Kind
	queueMaxBytes int
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("telemetry-worker stopped", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown", "reason", context.Cause(ctx))
}

func parseConfig(args []string) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("telemetry-worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.postgresDSN, "postgres-dsn", "", "Postgres DSN, env:NAME or aws:SECRET_ID[#field] (required)")
	fs.StringVar(&cfg.ownerID, "owner-id", "", "unique worker instance id (defaults to the hostname)")
	fs.StringVar(&cfg.leaseName, "lease-name", "telemetry-worker", "lease guarding the periodic sweeps")
	fs.DurationVar(&cfg.leaseTTL, "lease-ttl", 30*time.Second, "lease TTL")

	fs.IntVar(&cfg.jobWorkers, "job-workers", 2, "concurrent job workers")
	fs.DurationVar(&cfg.pollInterval, "job-poll-interval", 2*time.Second, "wait between claims when no job is queued")
	fs.DurationVar(&cfg.maxRunTime, "job-max-run-time", time.Hour, "time after which an active job is considered abandoned")
	fs.DurationVar(&cfg.jobRetention, "job-retention", 7*24*time.Hour, "how long finished jobs are kept (0 keeps them)")
	fs.DurationVar(&cfg.reaperInterval, "reaper-interval", time.Minute, "abandoned job sweep interval")

	fs.DurationVar(&cfg.staleInterval, "stale-interval", 10*time.Second, "stale aggregate processing interval")
	fs.IntVar(&cfg.staleParallelism, "stale-parallelism", 2, "stale aggregate workers per run")
	fs.IntVar(&cfg.staleMaxIterations, "stale-max-iterations", 1000, "markers processed per run (0 is unbounded)")
	fs.DurationVar(&cfg.staleMaxWait, "stale-max-wait", time.Minute, "wall time bound of one run (0 is unbounded)")
	staleKinds := fs.String("stale-kinds", "", "comma-separated aggregation kinds to process (default all)")
	fs.BoolVar(&cfg.staleRollup, "stale-rollup", true, "mark the parent period stale after recomputing an aggregate")

	fs.StringVar(&cfg.blobDriver, "blob-driver", blobstore.DriverS3, "import input blobstore driver: s3|memory")
	fs.StringVar(&cfg.blobBucket, "blob-bucket", "", "S3 bucket holding import inputs (required for s3)")
	fs.StringVar(&cfg.blobPrefix, "blob-prefix", "", "import input key prefix")
	fs.Int64Var(&cfg.blobMaxSize, "blob-max-size", 256<<20, "max import input size in bytes")
	fs.BoolVar(&cfg.deleteInput, "delete-input", false, "delete import inputs after a successful import")

	fs.StringVar(&cfg.queueDriver, "queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	fs.StringVar(&cfg.queueGroup, "queue-group", "telemetry-worker", "queue consumer group")
	fs.StringVar(&cfg.importTopic, "import-topic", "", "topic carrying import requests (empty disables intake)")
	fs.StringVar(&cfg.eventsTopic, "events-topic", "", "topic receiving aggregate update events (empty disables)")
	fs.StringVar(&cfg.publishTopic, "publish-topic", "", "topic receiving most recent aggregate snapshots (empty disables)")
	publishKinds := fs.String("publish-kinds", "h,d", "comma-separated aggregation kinds published downstream")
	fs.IntVar(&cfg.queueMaxBytes, "queue-max-bytes", 10<<20, "maximum kafka message size for consumer reads (bytes)")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(cfg.postgresDSN) == "" {
		return config{}, errors.New("--postgres-dsn is required")
	}
	if cfg.ownerID = strings.TrimSpace(cfg.ownerID); cfg.ownerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			return config{}, errors.New("--owner-id is required when the hostname is unknown")
		}
		cfg.ownerID = host
	}
	if cfg.leaseTTL <= 0 || cfg.pollInterval <= 0 || cfg.maxRunTime <= 0 || cfg.reaperInterval <= 0 || cfg.staleInterval <= 0 {
		return config{}, errors.New("--lease-ttl, --job-poll-interval, --job-max-run-time, --reaper-interval and --stale-interval must be > 0")
	}
	if cfg.jobWorkers <= 0 || cfg.staleParallelism <= 0 {
		return config{}, errors.New("--job-workers and --stale-parallelism must be > 0")
	}
	if cfg.jobRetention < 0 || cfg.staleMaxIterations < 0 || cfg.staleMaxWait < 0 {
		return config{}, errors.New("--job-retention, --stale-max-iterations and --stale-max-wait must be >= 0")
	}
	if cfg.blobMaxSize <= 0 || cfg.queueMaxBytes <= 0 {
		return config{}, errors.New("--blob-max-size and --queue-max-bytes must be > 0")
	}
	cfg.blobDriver = strings.ToLower(strings.TrimSpace(cfg.blobDriver))
	if cfg.blobDriver == blobstore.DriverS3 && strings.TrimSpace(cfg.blobBucket) == "" {
		return config{}, errors.New("--blob-bucket is required when --blob-driver=s3")
	}

	var err error
	if cfg.staleKinds, err = parseKinds(*staleKinds); err != nil {
		return config{}, fmt.Errorf("--stale-kinds: %w", err)
	}
	if cfg.publishKinds, err = parseKinds(*publishKinds); err != nil {
		return config{}, fmt.Errorf("--publish-kinds: %w", err)
	}
	cfg.queueBrokers = queue.SplitCommaList(*queueBrokers)
	cfg.importTopic = strings.TrimSpace(cfg.importTopic)
	cfg.eventsTopic = strings.TrimSpace(cfg.eventsTopic)
	cfg.publishTopic = strings.TrimSpace(cfg.publishTopic)
	cfg.queueDriver = queue.NormalizeDriver(cfg.queueDriver)
	if cfg.queueDriver != queue.DriverKafka && cfg.queueDriver != queue.DriverStdio {
		return config{}, fmt.Errorf("--queue-driver: unsupported driver %q", cfg.queueDriver)
	}
	if cfg.usesQueue() && cfg.queueDriver == queue.DriverKafka && len(cfg.queueBrokers) == 0 {
		return config{}, errors.New("--queue-brokers is required when a topic is set and --queue-driver=kafka")
	}
	return cfg, nil
}

func (c config) usesQueue() bool {
	return c.importTopic != "" || c.eventsTopic != "" || c.publishTopic != ""
}

func parseKinds(v string) ([]datum.Kind, error) {
	var out []datum.Kind
	for _, p := range queue.SplitCommaList(v) {
		k, err := datum.ParseKind(p)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func run(ctx context.Context, cfg config, log *slog.Logger) error {
	dsn, err := secrets.PostgresDSN(ctx, secrets.NewResolver(), cfg.postgresDSN)
	if err != nil {
		return fmt.Errorf("resolve postgres dsn: %w", err)
	}
	pgPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("init pgx pool: %w", err)
	}
	defer pgPool.Close()
	pool, err := txscope.NewPgxPool(pgPool)
	if err != nil {
		return err
	}

	jobStore, err := jobspg.New(pool)
	if err != nil {
		return fmt.Errorf("init job store: %w", err)
	}
	staleStore, err := stalepg.New(pool)
	if err != nil {
		return fmt.Errorf("init stale store: %w", err)
	}
	datumStore, err := datumpg.New(pool)
	if err != nil {
		return fmt.Errorf("init datum store: %w", err)
	}
	leaseStore, err := leaderpg.New(pool)
	if err != nil {
		return fmt.Errorf("init lease store: %w", err)
	}
	for _, s := range []struct {
		name  string
		store interface{ EnsureSchema(context.Context) error }
	}{
		{"job", jobStore},
		{"lease", leaseStore},
		{"stale", staleStore},
		{"datum", datumStore},
	} {
		if err := s.store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure %s schema: %w", s.name, err)
		}
	}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	var producer queue.Producer
	if cfg.eventsTopic != "" || cfg.publishTopic != "" {
		producer, err = queue.NewProducer(queue.ProducerConfig{
			Driver:  cfg.queueDriver,
			Brokers: cfg.queueBrokers,
		})
		if err != nil {
			return fmt.Errorf("init queue producer: %w", err)
		}
		defer func() { _ = producer.Close() }()
	}

	hub := events.NewHub(log)
	if cfg.eventsTopic != "" {
		acceptor, err := events.NewQueueAcceptor(producer, cfg.eventsTopic, "streamId")
		if err != nil {
			return err
		}
		hub.Register(acceptor)
	}
	var publisher publish.Publisher = publish.Nop{}
	if cfg.publishTopic != "" {
		publisher = publish.NewQueuePublisher(producer, cfg.publishTopic, cfg.publishKinds)
	}

	processor, err := stale.New(stale.Config{
		Kinds:             cfg.staleKinds,
		Parallelism:       cfg.staleParallelism,
		MaximumIterations: cfg.staleMaxIterations,
		MaximumWait:       cfg.staleMaxWait,
		Rollup:            cfg.staleRollup,
	}, pool, staleStore, datumStore, hub, publisher, log)
	if err != nil {
		return fmt.Errorf("init stale processor: %w", err)
	}

	executor, err := datumimport.NewExecutor(datumimport.ExecutorConfig{
		Blobs:       blobs,
		Pool:        pool,
		Streams:     datumStore,
		SQL:         datumpg.InsertRawSQL,
		Write:       datumpg.WriteRaw,
		DeleteInput: cfg.deleteInput,
	}, log)
	if err != nil {
		return fmt.Errorf("init import executor: %w", err)
	}
	runner, err := jobs.NewRunner(jobs.RunnerConfig{
		Workers:      cfg.jobWorkers,
		PollInterval: cfg.pollInterval,
		Handlers:     map[string]jobs.Handler{datumimport.Kind: executor},
		Retry:        txscope.RetryConfig{Attempts: 3},
	}, jobStore, log)
	if err != nil {
		return fmt.Errorf("init job runner: %w", err)
	}
	reaper, err := jobs.NewReaper(jobs.ReaperConfig{
		MaxRunTime: cfg.maxRunTime,
		Retention:  cfg.jobRetention,
	}, jobStore, time.Now, log)
	if err != nil {
		return fmt.Errorf("init job reaper: %w", err)
	}
	elector, err := leader.NewElector(leader.ElectorConfig{
		Name:  cfg.leaseName,
		Owner: cfg.ownerID,
		TTL:   cfg.leaseTTL,
	}, leaseStore, log)
	if err != nil {
		return fmt.Errorf("init elector: %w", err)
	}

	var (
		intake   *datumimport.Intake
		consumer queue.Consumer
	)
	if cfg.importTopic != "" {
		consumer, err = queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:        cfg.queueDriver,
			Brokers:       cfg.queueBrokers,
			Group:         cfg.queueGroup,
			Topics:        []string{cfg.importTopic},
			KafkaMaxBytes: cfg.queueMaxBytes,
		})
		if err != nil {
			return fmt.Errorf("init import consumer: %w", err)
		}
		defer func() { _ = consumer.Close() }()
		if intake, err = datumimport.NewIntake(jobStore, log); err != nil {
			return err
		}
	}

	log.Info("telemetry-worker started",
		"owner_id", cfg.ownerID,
		"lease_name", cfg.leaseName,
		"job_workers", cfg.jobWorkers,
		"stale_parallelism", cfg.staleParallelism,
		"stale_rollup", cfg.staleRollup,
		"blob_driver", cfg.blobDriver,
		"import_topic", cfg.importTopic,
		"events_topic", cfg.eventsTopic,
		"publish_topic", cfg.publishTopic,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return elector.Run(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error {
		every(gctx, cfg.reaperInterval, elector, func(ctx context.Context) {
			if _, err := reaper.Sweep(ctx); err != nil {
				log.Error("job reaper sweep", "err", err)
			}
		})
		return nil
	})
	// Markers are claimed with SKIP LOCKED, so every instance may drain them.
	g.Go(func() error {
		every(gctx, cfg.staleInterval, nil, func(ctx context.Context) {
			res, err := processor.Run(ctx)
			if err != nil {
				log.Error("stale aggregate run", "err", err, "processed", res.Processed)
				return
			}
			if res.Processed > 0 || res.TimedOut {
				log.Info("stale aggregate run", "processed", res.Processed, "timed_out", res.TimedOut)
			}
		})
		return nil
	})
	if intake != nil {
		g.Go(func() error { return intake.Run(gctx, consumer) })
	}
	return g.Wait()
}

// every calls fn each interval until ctx is done. With a non-nil elector fn
// only runs while this instance holds the lease.
func every(ctx context.Context, interval time.Duration, elector *leader.Elector, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if elector != nil && !elector.IsLeader() {
				continue
			}
			fn(ctx)
		}
	}
}

func newBlobStore(ctx context.Context, cfg config) (blobstore.Store, error) {
	bcfg := blobstore.Config{
		Driver:        cfg.blobDriver,
		Bucket:        strings.TrimSpace(cfg.blobBucket),
		Prefix:        strings.TrimSpace(cfg.blobPrefix),
		MaxObjectSize: cfg.blobMaxSize,
	}
	if bcfg.Driver == blobstore.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		bcfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return blobstore.New(bcfg)
}
