// Package main wires together the incident pipeline service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jvilhena/vigia/internal/api"
	"github.com/jvilhena/vigia/internal/classify"
	"github.com/jvilhena/vigia/internal/clock/system"
	"github.com/jvilhena/vigia/internal/config"
	"github.com/jvilhena/vigia/internal/dispatcher"
	"github.com/jvilhena/vigia/internal/download"
	"github.com/jvilhena/vigia/internal/enrich"
	"github.com/jvilhena/vigia/internal/extract"
	"github.com/jvilhena/vigia/internal/feed"
	"github.com/jvilhena/vigia/internal/feed/ratelimit"
	"github.com/jvilhena/vigia/internal/geocode"
	"github.com/jvilhena/vigia/internal/id/uuid"
	"github.com/jvilhena/vigia/internal/incident"
	"github.com/jvilhena/vigia/internal/logging"
	"github.com/jvilhena/vigia/internal/metrics"
	"github.com/jvilhena/vigia/internal/queue"
	"github.com/jvilhena/vigia/internal/resolver"
	"github.com/jvilhena/vigia/internal/scheduler"
	"github.com/jvilhena/vigia/internal/sharding"
	"github.com/jvilhena/vigia/internal/stages"
	memorystore "github.com/jvilhena/vigia/internal/storage/memory"
	postgresstore "github.com/jvilhena/vigia/internal/storage/postgres"
	"github.com/jvilhena/vigia/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	var store incident.Store
	if cfg.DB.DSN != "" {
		pg, err := postgresstore.New(ctx, postgresstore.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.LifetimeMins) * time.Minute,
		})
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		store = pg
	} else {
		logger.Warn("db.dsn not set, using in-memory store")
		store = memorystore.New(clock)
	}
	defer store.Close()

	var jobQueue incident.Queue
	if cfg.Queue.Provider == "nats" {
		nq, err := queue.NewNATS(queue.NATSConfig{
			URL:     cfg.Queue.URL,
			Stream:  cfg.Queue.Stream,
			Subject: cfg.Queue.Subject,
			Durable: cfg.Queue.Durable,
		}, logger.Named("queue"))
		if err != nil {
			logger.Fatal("nats queue init failed", zap.Error(err))
		}
		jobQueue = nq
	} else {
		jobQueue = queue.NewMemory(cfg.Queue.Depth)
	}
	defer func() {
		if err := jobQueue.Close(); err != nil {
			logger.Error("queue close failed", zap.Error(err))
		}
	}()

	var gate incident.RateGate
	if cfg.Feed.DistributedGate {
		pg, ok := store.(*postgresstore.Store)
		if !ok {
			logger.Fatal("distributed rate gate requires the postgres store")
		}
		dbGate, err := ratelimit.NewPostgresGate(ctx, pg.DB(), "feed", cfg.FeedInterval())
		if err != nil {
			logger.Fatal("rate gate init failed", zap.Error(err))
		}
		gate = dbGate
	} else {
		gate = ratelimit.NewLocal(cfg.FeedInterval())
	}

	regions := cfg.Sharding.Regions
	if len(regions) == 0 {
		regions = sharding.DefaultRegions
	}
	controller := sharding.New(sharding.Config{
		When:            cfg.Sharding.When,
		SaturationCap:   cfg.Sharding.SaturationCap,
		HysteresisFloor: cfg.Sharding.HysteresisFloor,
		SourceDomains:   cfg.Sharding.SourceDomains,
	})

	feedClient := feed.New(feed.Config{
		BaseURL:      cfg.Feed.BaseURL,
		HostLanguage: cfg.Feed.HostLanguage,
		GeoLocation:  cfg.Feed.GeoLocation,
		Edition:      cfg.Feed.Edition,
		UserAgent:    cfg.Feed.UserAgent,
		Timeout:      time.Duration(cfg.Feed.TimeoutSeconds) * time.Second,
	}, logger.Named("feed"))

	linkResolver := resolver.New(resolver.Config{
		RPCEndpoint: cfg.Resolver.RPCEndpoint,
		Timeout:     time.Duration(cfg.Resolver.TimeoutSeconds) * time.Second,
	}, logger.Named("resolver"))

	fetcher := download.New(download.Config{
		UserAgent:    cfg.Download.UserAgent,
		Timeout:      time.Duration(cfg.Download.TimeoutSeconds) * time.Second,
		MinBodyChars: cfg.Download.MinBodyChars,
	}, logger.Named("download"))

	extractor := extract.New(extract.Config{
		Endpoint: cfg.Extractor.Endpoint,
		APIKey:   cfg.Extractor.APIKey,
		Timeout:  time.Duration(cfg.Extractor.TimeoutSeconds) * time.Second,
	}, logger.Named("extract"))

	geocoder := geocode.New(geocode.Config{
		Endpoint: cfg.Geocoder.Endpoint,
		APIKey:   cfg.Geocoder.APIKey,
		Timeout:  time.Duration(cfg.Geocoder.TimeoutSeconds) * time.Second,
	}, logger.Named("geocode"))

	enricher := enrich.New(enrich.Config{
		WindowDays:     cfg.Enrich.WindowDays,
		MatchThreshold: cfg.Enrich.MatchThreshold,
		LocationWeight: cfg.Enrich.LocationWeight,
		DateWeight:     cfg.Enrich.DateWeight,
		PlaceThreshold: cfg.Enrich.PlaceThreshold,
	}, store, geocoder, clock, logger.Named("enrich"))

	stageExec := stages.New(stages.Deps{
		Store:      store,
		Feed:       feedClient,
		Gate:       gate,
		Resolver:   linkResolver,
		Fetcher:    fetcher,
		Extractor:  extractor,
		Classifier: classify.NewKeyword(),
		Enricher:   enricher,
		Sharding:   controller,
		Queue:      jobQueue,
		Clock:      clock,
		IDs:        idGen,
		Logger:     logger.Named("stages"),
	})

	var workers []*worker.Worker
	for i := 0; i < cfg.Pipeline.Workers; i++ {
		workers = append(workers, worker.New(
			jobQueue,
			stageExec,
			worker.Config{},
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(jobQueue, workers)

	sched := scheduler.New(dispatch, idGen, clock, regions, scheduler.Config{
		DiscoverSchedule: cfg.Pipeline.DiscoverSchedule,
		SweepSchedule:    cfg.Pipeline.SweepSchedule,
		SweepBatch:       cfg.Pipeline.DefaultBatch,
	}, logger.Named("scheduler"))
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}
	defer sched.Stop()

	apiServer := api.NewServer(store, dispatch, idGen, clock, regions, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", len(workers)))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
