package cmd

import (
	"context"
	"fmt"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/khatiwada051/WebCrawler/internal/archive"
	"github.com/khatiwada051/WebCrawler/internal/auth"
	"github.com/khatiwada051/WebCrawler/internal/clock/system"
	"github.com/khatiwada051/WebCrawler/internal/config"
	"github.com/khatiwada051/WebCrawler/internal/crawl"
	"github.com/khatiwada051/WebCrawler/internal/creds"
	"github.com/khatiwada051/WebCrawler/internal/events"
	"github.com/khatiwada051/WebCrawler/internal/fetch"
	"github.com/khatiwada051/WebCrawler/internal/handoff"
	"github.com/khatiwada051/WebCrawler/internal/hash/sha256"
	"github.com/khatiwada051/WebCrawler/internal/id/uuid"
	memorypublisher "github.com/khatiwada051/WebCrawler/internal/publisher/memory"
	gcppublisher "github.com/khatiwada051/WebCrawler/internal/publisher/pubsub"
	"github.com/khatiwada051/WebCrawler/internal/ratelimit"
	"github.com/khatiwada051/WebCrawler/internal/scheduler"
	"github.com/khatiwada051/WebCrawler/internal/session"
	"github.com/khatiwada051/WebCrawler/internal/site"
	"github.com/khatiwada051/WebCrawler/internal/storage/memory"
	"github.com/khatiwada051/WebCrawler/internal/storage/postgres"
)

// engine bundles every long-lived component a command needs, plus the
// teardown hooks for the external clients it opened.
type engine struct {
	sched   *scheduler.Scheduler
	hub     *events.Hub
	closers []func(context.Context) error
}

// buildEngine wires the full crawl stack from configuration: site loader,
// session store, governor, fetchers, auth controller, handoff pipeline,
// job store and scheduler.
func buildEngine(ctx context.Context, cfg config.Config, logger *zap.Logger) (*engine, error) {
	e := &engine{}

	sites, err := site.NewLoader(cfg.Sites.Dir)
	if err != nil {
		return nil, fmt.Errorf("load site definitions: %w", err)
	}

	clock := system.New()
	sessions := session.NewStore()
	governor := ratelimit.New(ratelimit.Config{
		RPS:                cfg.RateLimit.RPS,
		Burst:              cfg.RateLimit.Burst,
		FailureThreshold:   cfg.RateLimit.FailureThreshold,
		Window:             time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		Cooldown:           time.Duration(cfg.RateLimit.CooldownSeconds) * time.Second,
		CooldownMultiplier: cfg.RateLimit.CooldownMultiplier,
		MaxCooldown:        time.Duration(cfg.RateLimit.MaxCooldownSeconds) * time.Second,
	}, clock)

	simple := fetch.NewCollyFetcher(fetch.CollyConfig{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTPTimeout(),
	})
	var rendered crawl.Fetcher
	if cfg.Headless.Enabled {
		chromedpFetcher, err := fetch.NewChromedpFetcher(fetch.ChromedpConfig{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init rendered fetcher: %w", err)
		}
		rendered = chromedpFetcher
	}

	adapter := fetch.NewAdapter(simple, rendered, sessions, governor,
		fetch.NewChallengeDetector(nil), logger.Named("fetch"))

	credStore, err := buildCredStore(cfg)
	if err != nil {
		return nil, err
	}
	authCtrl := auth.NewController(adapter, credStore, sessions, clock, logger.Named("auth"))

	archiveStore, err := e.buildArchive(ctx, cfg)
	if err != nil {
		return nil, err
	}
	publisher, err := e.buildPublisher(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pipeline := handoff.NewForwardingPipeline(sha256.New(), archiveStore, publisher,
		cfg.PubSub.TopicName, logger.Named("handoff"))

	jobStore, err := e.buildJobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	e.hub = events.NewHub(events.HubConfig{Logger: logger.Named("events")},
		events.NewLogSink(logger.Named("crawl")))

	e.sched = scheduler.New(scheduler.Config{
		GlobalSlots:     cfg.Scheduler.GlobalSlots,
		SiteSlots:       cfg.Scheduler.SiteSlots,
		DetailWorkers:   cfg.Scheduler.DetailWorkers,
		RetryMax:        cfg.Scheduler.RetryMax,
		RetryBase:       time.Duration(cfg.Scheduler.RetryBaseMs) * time.Millisecond,
		RetryMaxBackoff: time.Duration(cfg.Scheduler.RetryMaxBackoffSec) * time.Second,
		JobTimeout:      time.Duration(cfg.Scheduler.JobTimeoutMinutes) * time.Minute,
	}, sites, adapter, authCtrl, governor, pipeline, jobStore, uuid.New(), clock,
		e.hub, logger.Named("scheduler"))

	return e, nil
}

func buildCredStore(cfg config.Config) (crawl.CredentialStore, error) {
	if cfg.Credentials.File == "" {
		return creds.NewStaticStore(nil), nil
	}
	store, err := creds.NewFileStore(cfg.Credentials.File)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return store, nil
}

func (e *engine) buildArchive(ctx context.Context, cfg config.Config) (archive.Store, error) {
	switch cfg.Archive.Provider {
	case "local":
		store, err := archive.NewLocal(archive.LocalConfig{BaseDir: cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init storage client: %w", err)
		}
		e.closers = append(e.closers, func(context.Context) error { return client.Close() })
		store, err := archive.NewGCS(client, archive.GCSConfig{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return store, nil
	default:
		return archive.Noop{}, nil
	}
}

func (e *engine) buildPublisher(ctx context.Context, cfg config.Config) (crawl.Publisher, error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		return memorypublisher.New(), nil
	}
	client, err := gcpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	e.closers = append(e.closers, func(context.Context) error { return client.Close() })
	return gcppublisher.New(client), nil
}

func (e *engine) buildJobStore(ctx context.Context, cfg config.Config) (crawl.JobStore, error) {
	if cfg.DB.DSN == "" {
		return memory.NewJobStore(), nil
	}
	store, err := postgres.NewJobStore(ctx, postgres.JobStoreConfig{
		DSN:        cfg.DB.DSN,
		JobsTable:  cfg.DB.JobsTable,
		PagesTable: cfg.DB.PagesTable,
		MaxConns:   int32(cfg.DB.MaxConns),
	})
	if err != nil {
		return nil, fmt.Errorf("init job store: %w", err)
	}
	e.closers = append(e.closers, func(context.Context) error {
		store.Close()
		return nil
	})
	return store, nil
}

// close tears the engine down: scheduler first so no runner emits after the
// hub drains, then the external clients.
func (e *engine) close(ctx context.Context, logger *zap.Logger) {
	if err := e.sched.Close(ctx); err != nil {
		logger.Warn("scheduler close", zap.Error(err))
	}
	if err := e.hub.Close(ctx); err != nil {
		logger.Warn("event hub close", zap.Error(err))
	}
	for _, closeFn := range e.closers {
		if err := closeFn(ctx); err != nil {
			logger.Warn("component close", zap.Error(err))
		}
	}
}
