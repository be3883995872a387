// Package bootstrap assembles the send pipeline from configuration. Both the
// worker and sendctl binaries build their dependencies through it.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/sendpipeline/internal/analytics"
	"github.com/ignite/sendpipeline/internal/config"
	"github.com/ignite/sendpipeline/internal/notify"
	"github.com/ignite/sendpipeline/internal/pkg/distlock"
	"github.com/ignite/sendpipeline/internal/pkg/logger"
	"github.com/ignite/sendpipeline/internal/progress"
	"github.com/ignite/sendpipeline/internal/provider"
	"github.com/ignite/sendpipeline/internal/render"
	"github.com/ignite/sendpipeline/internal/repository/postgres"
	"github.com/ignite/sendpipeline/internal/service/campaign"
	"github.com/ignite/sendpipeline/internal/service/sending"
	"github.com/ignite/sendpipeline/internal/worker"
)

var log = logger.Component("bootstrap")

// Pipeline holds every wired component. Fields are exported so the binaries
// can reach the pieces they drive directly.
type Pipeline struct {
	Config *config.Config
	DB     *sql.DB
	Redis  *redis.Client

	Store     *postgres.Store
	Providers []provider.Config
	Router    *provider.Router
	Events    *notify.Publisher
	Tracker   *progress.Tracker
	Backend   *worker.RedisBackend

	Dispatch     *worker.DispatchQueue
	Retry        *worker.RetryCoordinator
	Backpressure *worker.BackpressureMonitor
	Recovery     *worker.QueueRecoveryWorker
	Campaigns    *campaign.Service
}

// OpenDB connects to PostgreSQL with the configured pool limits.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("database.url is required")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// OpenRedis parses the Redis URL. The returned reachable flag is false when
// the server did not answer a ping; the client is still usable and the
// pipeline falls back to in-process execution until Redis comes back.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, bool, error) {
	if cfg.URL == "" {
		return nil, false, errors.New("redis.url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, false, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable, batches will run in-process", "error", err)
		return client, false, nil
	}
	return client, true, nil
}

// Build connects to PostgreSQL and Redis and wires the pipeline. Nothing is
// started; call Run for the worker loops.
func Build(ctx context.Context, cfg *config.Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := OpenDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	client, reachable, err := OpenRedis(ctx, cfg.Redis)
	if err != nil {
		db.Close()
		return nil, err
	}

	p := &Pipeline{Config: cfg, DB: db, Redis: client}
	if err := p.wire(ctx, reachable); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) wire(ctx context.Context, redisReachable bool) error {
	cfg := p.Config
	pc := cfg.Pipeline
	prefix := cfg.Redis.KeyPrefix

	providers, err := provider.FromConfig(ctx, cfg.Providers)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	p.Providers = providers
	p.Router, err = provider.NewRouter(providers,
		provider.WithMaxRounds(pc.MaxAttemptRounds),
		provider.WithRoundBackoff(pc.RoundBackoff()))
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	var attachments render.AttachmentStore
	if cfg.Attachments.S3Bucket != "" {
		s3, err := render.NewS3AttachmentsFromConfig(ctx, cfg.Attachments.S3Bucket,
			cfg.Attachments.Region, cfg.Attachments.Endpoint)
		if err != nil {
			return fmt.Errorf("attachments: %w", err)
		}
		attachments = s3
	}

	var outcomes sending.OutcomeRecorder
	if pc.AnalyticsEnabled && cfg.Analytics.DynamoTable != "" {
		rec, err := analytics.NewDynamoRecorderFromConfig(ctx, cfg.Analytics.DynamoTable,
			cfg.Analytics.Region, cfg.Analytics.Endpoint)
		if err != nil {
			return fmt.Errorf("analytics: %w", err)
		}
		outcomes = rec
	}

	// Locks live in Redis when it answered at startup and in PostgreSQL
	// advisory locks otherwise.
	lockClient := p.Redis
	if !redisReachable {
		lockClient = nil
	}
	locks := distlock.NewFactory(lockClient, p.DB)

	p.Store = postgres.NewStore(p.DB)
	p.Events = notify.NewPublisher(p.Redis, prefix)
	p.Backend = worker.NewRedisBackend(p.Redis, prefix)
	p.Tracker = progress.NewTracker(p.Store, p.Events, progress.Options{
		PerEmailEvents: pc.PerEmailEvents,
		Batching:       pc.ProgressBatching.Enabled,
		FlushEvery:     pc.ProgressBatching.FlushEvery,
		FlushInterval:  pc.ProgressBatching.FlushInterval(),
	})

	limiter := worker.NewSendLimiter(p.Redis, prefix, pc.RateLimit.Max, pc.RateLimit.Window())
	exec := worker.NewExecutor(render.New(attachments), p.Router, p.Tracker, outcomes, limiter,
		worker.ExecutorOptions{Concurrency: pc.RecipientConcurrency, MaxRounds: pc.MaxAttemptRounds})

	p.Backpressure = worker.NewBackpressureMonitor(p.Backend, pc.MaxQueueDepth)
	p.Dispatch = worker.NewDispatchQueue(p.Backend, p.Store, exec, p.Tracker, p.Backpressure, worker.DispatchOptions{
		BatchConcurrency:     pc.BatchConcurrency,
		RecipientConcurrency: pc.RecipientConcurrency,
	})
	p.Retry = worker.NewRetryCoordinator(p.Store, exec, p.Tracker, p.Backend, locks, worker.RetryOptions{
		Ceiling:      pc.Retry.Ceiling,
		BackoffBase:  pc.Retry.BackoffBase(),
		BackoffMax:   pc.Retry.BackoffMax(),
		ScanInterval: pc.Retry.ScanInterval(),
	})
	p.Recovery = worker.NewQueueRecoveryWorker(p.Backend, 0, 0)
	p.Campaigns = campaign.NewService(p.Store, postgres.NewContactRepo(p.DB), p.Dispatch, p.Retry, p.Router,
		campaign.Options{BatchSize: pc.BatchSize, Locks: locks})

	log.Info("pipeline wired",
		"providers", p.Router.Providers(),
		"batch_size", pc.BatchSize,
		"progress_batching", pc.ProgressBatching.Enabled,
		"analytics", outcomes != nil,
		"attachments", attachments != nil)
	return nil
}

// Run starts every consumer and background loop and blocks until ctx is
// cancelled. It returns after the loops have stopped and buffered progress
// has been written.
func (p *Pipeline) Run(ctx context.Context) {
	p.Tracker.Start(ctx)
	p.Dispatch.Start(ctx)
	p.Retry.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.Backpressure.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		p.Recovery.Start(ctx)
	}()

	<-ctx.Done()
	log.Info("stopping pipeline")
	p.Dispatch.Wait()
	p.Retry.Wait()
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.Tracker.Close(flushCtx)
}

// Close releases connections and provider pools.
func (p *Pipeline) Close() {
	provider.CloseAll(p.Providers)
	if p.Redis != nil {
		p.Redis.Close()
	}
	if p.DB != nil {
		p.DB.Close()
	}
}
