// Package stages implements the four pipeline stages. Each stage is driven by
// queue jobs, loads its input by status, and hands the item forward through a
// guarded status transition, so redelivered jobs cannot double-process or move
// a Source backward.
package stages

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jvilhena/vigia/internal/enrich"
	"github.com/jvilhena/vigia/internal/incident"
	"github.com/jvilhena/vigia/internal/metrics"
	"github.com/jvilhena/vigia/internal/sharding"
)

// ErrRetryLater tells the worker to nak the job without failing the item,
// used when a provider throttles us.
var ErrRetryLater = errors.New("retry later")

// Deps carries every collaborator the stages need.
type Deps struct {
	Store      incident.Store
	Feed       incident.FeedClient
	Gate       incident.RateGate
	Resolver   incident.Resolver
	Fetcher    incident.Fetcher
	Extractor  incident.Extractor
	Classifier incident.Classifier
	Enricher   *enrich.Engine
	Sharding   *sharding.Controller
	Queue      incident.Queue
	Clock      incident.Clock
	IDs        incident.IDGenerator
	Logger     *zap.Logger
}

// Stages executes pipeline jobs.
type Stages struct {
	d Deps
}

// New builds the stage executor.
func New(d Deps) *Stages {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Stages{d: d}
}

// Run dispatches a job to its stage handler.
func (s *Stages) Run(ctx context.Context, job incident.Job) error {
	switch job.Stage {
	case incident.StageDiscover:
		return s.Discover(ctx, job)
	case incident.StageDownload:
		return s.Download(ctx, job)
	case incident.StageExtract:
		return s.Extract(ctx, job)
	case incident.StageEnrich:
		return s.Enrich(ctx, job)
	default:
		return fmt.Errorf("unknown stage %q", job.Stage)
	}
}

// Discover runs the feed queries for one region, classifies headlines, and
// enqueues download jobs for relevant Sources. Query strategy comes from the
// region's sharding state; every observed result count is fed back into it.
func (s *Stages) Discover(ctx context.Context, job incident.Job) error {
	region := job.Region
	if region == "" {
		return fmt.Errorf("discover job %s has no region", job.ID)
	}

	stats, err := s.d.Store.WithRegionStats(ctx, region, func(*incident.RegionStats) error { return nil })
	if err != nil {
		return fmt.Errorf("load region stats for %s: %w", region, err)
	}

	queries := s.d.Sharding.QueriesFor(region, stats)
	s.d.Logger.Info("discovering region",
		zap.String("region", region),
		zap.Int("queries", len(queries)),
		zap.Bool("sharded", stats.NeedsSharding),
	)

	for _, query := range queries {
		if err := s.d.Gate.Wait(ctx); err != nil {
			return fmt.Errorf("rate gate: %w", err)
		}

		items, err := s.d.Feed.Search(ctx, query)
		if err != nil {
			if incident.IsRateLimit(err) {
				metrics.ObserveFeedRequest(region, "throttled", 0)
				return fmt.Errorf("%w: %v", ErrRetryLater, err)
			}
			metrics.ObserveFeedRequest(region, "error", 0)
			s.d.Logger.Warn("feed query failed",
				zap.String("region", region),
				zap.String("query", query),
				zap.Error(err),
			)
			continue
		}
		metrics.ObserveFeedRequest(region, "ok", len(items))

		saturated := false
		_, err = s.d.Store.WithRegionStats(ctx, region, func(st *incident.RegionStats) error {
			saturated = s.d.Sharding.RecordResult(st, len(items), s.d.Clock.Now())
			return nil
		})
		if err != nil {
			return fmt.Errorf("record result for %s: %w", region, err)
		}
		if saturated {
			metrics.ObserveSaturation()
			s.d.Logger.Warn("query saturated result cap",
				zap.String("region", region),
				zap.String("query", query),
				zap.Int("results", len(items)),
			)
		}

		for _, item := range items {
			if err := s.ingest(ctx, item, query, region); err != nil {
				return err
			}
		}
	}
	return nil
}

// ingest stores one feed item, classifies its headline, and routes it.
func (s *Stages) ingest(ctx context.Context, item incident.FeedItem, query, region string) error {
	src := incident.Source{
		FeedID:      item.FeedID,
		EncodedLink: item.EncodedLink,
		Headline:    item.Headline,
		Publisher:   item.Publisher,
		PublishedAt: item.PublishedAt,
		Query:       query,
		Region:      region,
		Status:      incident.StatusReadyForClassification,
	}
	err := s.d.Store.CreateSource(ctx, &src)
	if errors.Is(err, incident.ErrAlreadyKnown) {
		metrics.ObserveStageItem("discover", "duplicate")
		return nil
	}
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}

	cls := s.d.Classifier.Classify(src.Headline)
	update := incident.SourceUpdate{
		Relevant:                 &cls.Relevant,
		ClassificationConfidence: &cls.Confidence,
		ClassificationReasoning:  &cls.Reasoning,
	}
	target := incident.StatusDiscarded
	if cls.Relevant {
		target = incident.StatusReadyForDownload
	}
	advanced, err := s.d.Store.AdvanceSource(ctx, src.ID,
		incident.StatusReadyForClassification, target, update)
	if err != nil {
		return fmt.Errorf("classify source %d: %w", src.ID, err)
	}
	if !advanced {
		return nil
	}

	if !cls.Relevant {
		metrics.ObserveStageItem("discover", "discarded")
		return nil
	}
	metrics.ObserveStageItem("discover", "accepted")
	return s.enqueue(ctx, incident.Job{
		Stage:    incident.StageDownload,
		SourceID: src.ID,
	})
}

// Download resolves the Source's obfuscated link and fetches the article. A
// batch job (no SourceID) re-enqueues everything waiting in the entry status,
// picking up items stranded by crashes or operator retries.
func (s *Stages) Download(ctx context.Context, job incident.Job) error {
	if job.SourceID == 0 {
		return s.sweep(ctx, incident.StatusReadyForDownload, incident.StageDownload, job.Limit)
	}
	src, err := s.d.Store.GetSource(ctx, job.SourceID)
	if err != nil {
		return fmt.Errorf("load source %d: %w", job.SourceID, err)
	}
	if src.Status != incident.StatusReadyForDownload {
		// Redelivered job; a previous attempt already moved the Source on.
		metrics.ObserveStageItem("download", "skipped")
		return nil
	}

	url, err := s.d.Resolver.Resolve(ctx, src.EncodedLink)
	if err != nil {
		if incident.IsRateLimit(err) {
			return fmt.Errorf("%w: %v", ErrRetryLater, err)
		}
		return s.failSource(ctx, &src, incident.StatusFailedInDownload, "download", err)
	}

	content, err := s.d.Fetcher.Fetch(ctx, url)
	if err != nil {
		if incident.IsRateLimit(err) {
			return fmt.Errorf("%w: %v", ErrRetryLater, err)
		}
		return s.failSource(ctx, &src, incident.StatusFailedInDownload, "download", err)
	}

	advanced, err := s.d.Store.AdvanceSource(ctx, src.ID,
		incident.StatusReadyForDownload, incident.StatusReadyForExtraction,
		incident.SourceUpdate{ResolvedURL: &url, Content: &content})
	if errors.Is(err, incident.ErrAlreadyKnown) {
		// Another Source already resolved to this article.
		return s.failSource(ctx, &src, incident.StatusFailedInDownload,
			"download", incident.ErrAlreadyKnown)
	}
	if err != nil {
		return fmt.Errorf("advance source %d: %w", src.ID, err)
	}
	if !advanced {
		metrics.ObserveStageItem("download", "skipped")
		return nil
	}

	metrics.ObserveStageItem("download", "ok")
	return s.enqueue(ctx, incident.Job{
		Stage:    incident.StageExtract,
		SourceID: src.ID,
	})
}

// Extract sends the article text to the extraction service and records the
// result. The RawEvent is created before the status advances, so a crash
// between the two is healed by redelivery.
func (s *Stages) Extract(ctx context.Context, job incident.Job) error {
	if job.SourceID == 0 {
		return s.sweep(ctx, incident.StatusReadyForExtraction, incident.StageExtract, job.Limit)
	}
	src, err := s.d.Store.GetSource(ctx, job.SourceID)
	if err != nil {
		return fmt.Errorf("load source %d: %w", job.SourceID, err)
	}
	if src.Status != incident.StatusReadyForExtraction {
		metrics.ObserveStageItem("extract", "skipped")
		return nil
	}

	extraction, extractErr := s.d.Extractor.Extract(ctx, src.Headline, src.Content)
	if extractErr != nil && incident.IsRateLimit(extractErr) {
		return fmt.Errorf("%w: %v", ErrRetryLater, extractErr)
	}

	ev := incident.RawEvent{SourceID: src.ID}
	if extractErr != nil {
		ev.ExtractionSuccess = false
		ev.ExtractionError = extractErr.Error()
	} else {
		ev.ExtractionSuccess = true
		ev.ExtractionModel = extraction.Model
		ev.Fields = extraction.Fields
		ev.Payload = extraction.Payload
		ev.NeedsEnrichment = true
	}

	// Upsert: an operator retry re-extracts over the failed attempt's row.
	if err := s.d.Store.CreateRawEvent(ctx, &ev); err != nil {
		return fmt.Errorf("create raw event for source %d: %w", src.ID, err)
	}

	if extractErr != nil {
		return s.failSource(ctx, &src, incident.StatusFailedInExtraction, "extract", extractErr)
	}

	advanced, err := s.d.Store.AdvanceSource(ctx, src.ID,
		incident.StatusReadyForExtraction, incident.StatusExtracted,
		incident.SourceUpdate{})
	if err != nil {
		return fmt.Errorf("advance source %d: %w", src.ID, err)
	}
	if !advanced {
		metrics.ObserveStageItem("extract", "skipped")
		return nil
	}

	metrics.ObserveStageItem("extract", "ok")
	return s.enqueue(ctx, incident.Job{
		Stage:      incident.StageEnrich,
		SourceID:   src.ID,
		RawEventID: ev.ID,
	})
}

// Enrich attaches one RawEvent to a canonical incident. A batch job (no
// RawEventID) sweeps everything still waiting, which is how events stranded
// by crashes are picked back up.
func (s *Stages) Enrich(ctx context.Context, job incident.Job) error {
	if job.RawEventID != 0 {
		ev, err := s.d.Store.GetRawEvent(ctx, job.RawEventID)
		if err != nil {
			return fmt.Errorf("load raw event %d: %w", job.RawEventID, err)
		}
		return s.enrichOne(ctx, ev)
	}

	limit := job.Limit
	if limit <= 0 {
		limit = 100
	}
	pending, err := s.d.Store.RawEventsNeedingEnrichment(ctx, limit)
	if err != nil {
		return fmt.Errorf("list raw events needing enrichment: %w", err)
	}
	for _, ev := range pending {
		if err := s.enrichOne(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stages) enrichOne(ctx context.Context, ev incident.RawEvent) error {
	if _, err := s.d.Enricher.ProcessRawEvent(ctx, ev); err != nil {
		if incident.IsRateLimit(err) {
			return fmt.Errorf("%w: %v", ErrRetryLater, err)
		}
		metrics.ObserveStageItem("enrich", "error")
		return fmt.Errorf("enrich raw event %d: %w", ev.ID, err)
	}
	metrics.ObserveStageItem("enrich", "ok")
	return nil
}

// failSource records a terminal failure on the Source. ErrAlreadyKnown and
// decode failures are expected outcomes, logged at info; everything else
// warns.
func (s *Stages) failSource(ctx context.Context, src *incident.Source, to incident.SourceStatus, stage string, cause error) error {
	text := cause.Error()
	advanced, err := s.d.Store.AdvanceSource(ctx, src.ID, src.Status, to,
		incident.SourceUpdate{ErrorText: &text})
	if err != nil {
		return fmt.Errorf("fail source %d: %w", src.ID, err)
	}
	if !advanced {
		metrics.ObserveStageItem(stage, "skipped")
		return nil
	}

	metrics.ObserveStageItem(stage, "failed")
	log := s.d.Logger.Warn
	if errors.Is(cause, incident.ErrAlreadyKnown) {
		log = s.d.Logger.Info
	}
	log("source failed",
		zap.Int64("source_id", src.ID),
		zap.String("stage", stage),
		zap.String("status", string(to)),
		zap.Error(cause),
	)
	return nil
}

// sweep re-enqueues per-item jobs for every Source sitting in status.
func (s *Stages) sweep(ctx context.Context, status incident.SourceStatus, stage incident.Stage, limit int) error {
	if limit <= 0 {
		limit = 100
	}
	sources, err := s.d.Store.SourcesByStatus(ctx, status, limit)
	if err != nil {
		return fmt.Errorf("list sources in %s: %w", status, err)
	}
	for _, src := range sources {
		if err := s.enqueue(ctx, incident.Job{Stage: stage, SourceID: src.ID}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stages) enqueue(ctx context.Context, job incident.Job) error {
	id, err := s.d.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	job.ID = id
	job.EnqueuedAt = s.d.Clock.Now()
	if err := s.d.Queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s job: %w", job.Stage, err)
	}
	return nil
}
