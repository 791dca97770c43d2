// Package scheduler drives the recurring pipeline work: periodic discovery
// for every region plus sweeps that re-dispatch items stranded mid-pipeline.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jvilhena/vigia/internal/dispatcher"
	"github.com/jvilhena/vigia/internal/incident"
)

// Config controls the schedules.
type Config struct {
	// DiscoverSchedule is a cron expression for region discovery runs.
	DiscoverSchedule string
	// SweepSchedule is a cron expression for stage sweeps.
	SweepSchedule string
	// SweepBatch bounds how many items one sweep re-dispatches per stage.
	SweepBatch int
}

// Scheduler enqueues recurring jobs on cron schedules.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher *dispatcher.Dispatcher
	idGen      incident.IDGenerator
	clock      incident.Clock
	regions    []string
	cfg        Config
	logger     *zap.Logger
}

// New builds a Scheduler.
func New(
	disp *dispatcher.Dispatcher,
	idGen incident.IDGenerator,
	clock incident.Clock,
	regions []string,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.DiscoverSchedule == "" {
		cfg.DiscoverSchedule = "@hourly"
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "*/15 * * * *"
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{
		cron:       c,
		dispatcher: disp,
		idGen:      idGen,
		clock:      clock,
		regions:    regions,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start registers the schedules and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.DiscoverSchedule, func() {
		s.enqueueDiscovery(ctx)
	}); err != nil {
		return fmt.Errorf("register discover schedule: %w", err)
	}

	if _, err := s.cron.AddFunc(s.cfg.SweepSchedule, func() {
		s.enqueueSweeps(ctx)
	}); err != nil {
		return fmt.Errorf("register sweep schedule: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("discover_schedule", s.cfg.DiscoverSchedule),
		zap.String("sweep_schedule", s.cfg.SweepSchedule),
		zap.Int("regions", len(s.regions)),
	)
	return nil
}

// Stop halts the cron loop and waits for running entries.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) enqueueDiscovery(ctx context.Context) {
	for _, region := range s.regions {
		if err := s.enqueue(ctx, incident.Job{
			Stage:  incident.StageDiscover,
			Region: region,
		}); err != nil {
			s.logger.Error("schedule discovery failed",
				zap.String("region", region),
				zap.Error(err),
			)
		}
	}
}

func (s *Scheduler) enqueueSweeps(ctx context.Context) {
	for _, stage := range []incident.Stage{
		incident.StageDownload, incident.StageExtract, incident.StageEnrich,
	} {
		if err := s.enqueue(ctx, incident.Job{
			Stage: stage,
			Limit: s.cfg.SweepBatch,
		}); err != nil {
			s.logger.Error("schedule sweep failed",
				zap.String("stage", string(stage)),
				zap.Error(err),
			)
		}
	}
}

func (s *Scheduler) enqueue(ctx context.Context, job incident.Job) error {
	id, err := s.idGen.NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	job.ID = id
	job.EnqueuedAt = s.clock.Now()
	return s.dispatcher.Enqueue(ctx, job)
}
