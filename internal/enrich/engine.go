// Package enrich deduplicates extracted events into canonical incidents and
// geocodes the result. Two reports of the same death arrive hours apart from
// different publishers with slightly different place spellings; the engine's
// job is to recognize them as one incident.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jvilhena/vigia/internal/incident"
	"github.com/jvilhena/vigia/internal/metrics"
)

// Config tunes the matching behavior.
type Config struct {
	// WindowDays bounds the date distance between matchable events.
	WindowDays int
	// MatchThreshold is the minimum combined score for a merge.
	MatchThreshold float64
	// LocationWeight and DateWeight split the combined score. They should
	// sum to 1.
	LocationWeight float64
	DateWeight     float64
	// PlaceThreshold is the minimum bigram similarity for two place names
	// to count as the same place.
	PlaceThreshold float64
}

// DefaultConfig matches the tuning the matcher was validated with.
func DefaultConfig() Config {
	return Config{
		WindowDays:     1,
		MatchThreshold: 0.55,
		LocationWeight: 0.7,
		DateWeight:     0.3,
		PlaceThreshold: 0.8,
	}
}

// Engine implements the dedup-and-enrich stage.
type Engine struct {
	cfg      Config
	store    incident.Store
	geocoder incident.Geocoder
	clock    incident.Clock
	logger   *zap.Logger
}

// New builds an Engine. Every zero-valued knob falls back to its default
// independently, so partial configs never disable a guard.
func New(cfg Config, store incident.Store, geocoder incident.Geocoder, clock incident.Clock, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.WindowDays == 0 {
		cfg.WindowDays = def.WindowDays
	}
	if cfg.MatchThreshold == 0 {
		cfg.MatchThreshold = def.MatchThreshold
	}
	if cfg.LocationWeight == 0 && cfg.DateWeight == 0 {
		cfg.LocationWeight = def.LocationWeight
		cfg.DateWeight = def.DateWeight
	}
	if cfg.PlaceThreshold == 0 {
		cfg.PlaceThreshold = def.PlaceThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, store: store, geocoder: geocoder, clock: clock, logger: logger}
}

// ProcessRawEvent attaches one RawEvent to a canonical incident, creating a
// new one when no existing incident matches. Safe to call more than once for
// the same RawEvent: an already-linked event is a no-op unless it is flagged
// for another enrichment pass.
func (e *Engine) ProcessRawEvent(ctx context.Context, raw incident.RawEvent) (int64, error) {
	if raw.UniqueEventID != nil && !raw.NeedsEnrichment {
		// Redelivered job; the link already exists.
		return *raw.UniqueEventID, nil
	}
	if !raw.ExtractionSuccess {
		return 0, fmt.Errorf("raw event %d has no successful extraction", raw.ID)
	}

	if raw.UniqueEventID != nil {
		// Already linked but flagged: the link stands, only geocoding is
		// retried.
		ueID := *raw.UniqueEventID
		e.finishEnrichment(ctx, raw.ID, ueID)
		return ueID, nil
	}

	var ueID int64
	// The find/decide/write sequence holds a per-place lock so two workers
	// enriching reports of the same incident cannot both see zero candidates
	// and create two incidents.
	err := e.store.WithDedupLock(ctx, normalizePlace(raw.Fields.City), func(ctx context.Context) error {
		match, err := e.findMatch(ctx, raw)
		if err != nil {
			return err
		}
		if match == nil {
			ueID, err = e.createFrom(ctx, &raw)
			if err != nil {
				return err
			}
			metrics.ObserveUniqueEvent("created")
			return nil
		}
		merged := e.merge(*match, raw)
		if err := e.store.MergeRawEventInto(ctx, &raw, merged); err != nil {
			return fmt.Errorf("merge raw event %d into incident %d: %w", raw.ID, match.ID, err)
		}
		ueID = match.ID
		metrics.ObserveUniqueEvent("merged")
		e.logger.Info("merged into existing incident",
			zap.Int64("raw_event_id", raw.ID),
			zap.Int64("unique_event_id", ueID),
			zap.Int("source_count", merged.SourceCount),
		)
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.finishEnrichment(ctx, raw.ID, ueID)
	return ueID, nil
}

// finishEnrichment runs best-effort geocoding and settles the enrichment
// flags: cleared on success, re-set on both rows on failure so the scheduled
// sweep picks the pair up again.
func (e *Engine) finishEnrichment(ctx context.Context, rawID, ueID int64) {
	if err := e.geocodeIfNeeded(ctx, ueID); err != nil {
		// Geocoding is best-effort; the incident is already linked.
		e.logger.Warn("geocoding failed",
			zap.Int64("unique_event_id", ueID),
			zap.Error(err),
		)
		if markErr := e.store.MarkEnrichmentRetry(ctx, rawID, ueID); markErr != nil {
			e.logger.Warn("flag enrichment retry",
				zap.Int64("unique_event_id", ueID),
				zap.Error(markErr),
			)
		}
		return
	}
	if err := e.store.ClearRawEventEnrichment(ctx, rawID); err != nil {
		e.logger.Warn("clear enrichment flag",
			zap.Int64("raw_event_id", rawID),
			zap.Error(err),
		)
	}
}

// findMatch scores every incident within the date window and returns the best
// one above the merge threshold, or nil when the event stands alone.
func (e *Engine) findMatch(ctx context.Context, raw incident.RawEvent) (*incident.UniqueEvent, error) {
	if raw.Fields.EventDate == nil || raw.Fields.City == "" {
		// Without a date and a city there is no basis for matching.
		return nil, nil
	}

	window := time.Duration(e.cfg.WindowDays) * 24 * time.Hour
	candidates, err := e.store.CandidateUniqueEvents(ctx, *raw.Fields.EventDate, window)
	if err != nil {
		return nil, fmt.Errorf("load dedup candidates: %w", err)
	}

	var (
		best       *incident.UniqueEvent
		bestScore  float64
		contenders int
	)
	for i := range candidates {
		cand := &candidates[i]
		score := e.score(raw.Fields, cand.Fields)
		if score < e.cfg.MatchThreshold {
			continue
		}
		contenders++
		// Exact ties go to the older incident (lowest id), keeping the
		// outcome stable across candidate orderings.
		if best == nil || score > bestScore || (score == bestScore && cand.ID < best.ID) {
			best, bestScore = cand, score
		}
	}

	if contenders > 1 {
		e.logger.Warn("ambiguous dedup match",
			zap.Int64("raw_event_id", raw.ID),
			zap.Int64("chosen_unique_event_id", best.ID),
			zap.Int("candidates_above_threshold", contenders),
			zap.Float64("score", bestScore),
		)
	}
	return best, nil
}

// score combines location and date proximity into [0, 1].
func (e *Engine) score(a, b incident.EventFields) float64 {
	if !samePlace(a.City, b.City, e.cfg.PlaceThreshold) {
		return 0
	}

	loc := 0.6 // same city
	switch {
	case a.Neighborhood != "" && b.Neighborhood != "" &&
		samePlace(a.Neighborhood, b.Neighborhood, e.cfg.PlaceThreshold):
		loc = 1.0
	case a.Neighborhood != "" && b.Neighborhood != "":
		// Both named a neighborhood and they differ: likely distinct events.
		loc = 0.2
	}

	date := 0.0
	if a.EventDate != nil && b.EventDate != nil {
		days := a.EventDate.Sub(*b.EventDate).Hours() / 24
		if days < 0 {
			days = -days
		}
		switch {
		case days < 0.5:
			date = 1.0
		case days <= float64(e.cfg.WindowDays):
			date = 0.5
		}
	}

	return e.cfg.LocationWeight*loc + e.cfg.DateWeight*date
}

// createFrom seeds a new canonical incident from a RawEvent.
func (e *Engine) createFrom(ctx context.Context, raw *incident.RawEvent) (int64, error) {
	now := e.clock.Now()
	ue := incident.UniqueEvent{
		Fields:          raw.Fields,
		MergedData:      clonePayload(raw.Payload),
		SourceCount:     1,
		NeedsEnrichment: false,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	id, err := e.store.CreateUniqueEventFrom(ctx, raw, &ue)
	if err != nil {
		return 0, fmt.Errorf("create incident from raw event %d: %w", raw.ID, err)
	}
	e.logger.Info("created incident",
		zap.Int64("raw_event_id", raw.ID),
		zap.Int64("unique_event_id", id),
		zap.String("city", raw.Fields.City),
	)
	return id, nil
}

// merge reconciles a new report into an existing incident. The incident keeps
// what it already knows; the report fills gaps. Counts take the maximum, since
// later reporting tends to identify more of the victims.
func (e *Engine) merge(ue incident.UniqueEvent, raw incident.RawEvent) incident.UniqueEvent {
	f := &ue.Fields
	r := raw.Fields

	fillString(&f.IncidentType, r.IncidentType)
	fillString(&f.DeathMethod, r.DeathMethod)
	fillString(&f.DatePrecision, r.DatePrecision)
	fillString(&f.TimeOfDay, r.TimeOfDay)
	fillString(&f.State, r.State)
	fillString(&f.Neighborhood, r.Neighborhood)
	fillString(&f.Street, r.Street)
	fillString(&f.VictimsSummary, r.VictimsSummary)
	fillString(&f.Title, r.Title)
	if f.EventDate == nil {
		f.EventDate = r.EventDate
	}
	f.VictimCount = maxIntPtr(f.VictimCount, r.VictimCount)
	f.IdentifiedVictimCount = maxIntPtr(f.IdentifiedVictimCount, r.IdentifiedVictimCount)
	f.PerpetratorCount = maxIntPtr(f.PerpetratorCount, r.PerpetratorCount)
	if f.SecurityForceInvolved == nil {
		f.SecurityForceInvolved = r.SecurityForceInvolved
	}

	// The longer chronology usually comes from the fuller article.
	if len(strings.TrimSpace(r.ChronologicalDescription)) > len(strings.TrimSpace(f.ChronologicalDescription)) {
		f.ChronologicalDescription = r.ChronologicalDescription
	}

	if ue.MergedData == nil {
		ue.MergedData = map[string]any{}
	}
	for k, v := range raw.Payload {
		if _, exists := ue.MergedData[k]; !exists {
			ue.MergedData[k] = v
		}
	}

	ue.SourceCount++
	ue.UpdatedAt = e.clock.Now()
	return ue
}

// geocodeIfNeeded geocodes an incident that has an address but no coordinates
// yet, or one flagged for another pass, consulting the cache first.
func (e *Engine) geocodeIfNeeded(ctx context.Context, ueID int64) error {
	ue, err := e.store.GetUniqueEvent(ctx, ueID)
	if err != nil {
		return err
	}
	if ue.HasCoordinates() && !ue.NeedsEnrichment {
		return nil
	}
	address := buildAddress(ue.Fields)
	if address == "" {
		return nil
	}

	key := cacheKey(address)
	res, cached, err := e.store.CachedGeocode(ctx, key)
	if err != nil {
		return fmt.Errorf("geocode cache lookup: %w", err)
	}
	if !cached {
		res, err = e.geocoder.Geocode(ctx, address)
		if err != nil {
			return err
		}
		if err := e.store.SaveGeocode(ctx, key, res); err != nil {
			e.logger.Warn("save geocode cache entry", zap.String("address", address), zap.Error(err))
		}
	}
	return e.store.UpdateUniqueEventGeocode(ctx, ueID, res)
}

// cacheKey normalizes an address so case and whitespace variants from
// different publishers share one cache entry.
func cacheKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// buildAddress assembles the most specific address the fields allow.
func buildAddress(f incident.EventFields) string {
	var parts []string
	for _, p := range []string{f.Street, f.Neighborhood, f.City, f.State} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if f.City == "" {
		// Coordinates without at least a city are worse than none.
		return ""
	}
	return strings.Join(parts, ", ")
}

func fillString(dst *string, src string) {
	if *dst == "" {
		*dst = src
	}
}

func maxIntPtr(a, b *int) *int {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b > *a:
		return b
	}
	return a
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
