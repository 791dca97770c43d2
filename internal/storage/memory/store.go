// Package memory provides an in-memory Store for development and testing. It
// enforces the same uniqueness and forward-only status rules as the Postgres
// implementation, so pipeline tests exercise real semantics.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jvilhena/vigia/internal/incident"
)

// Store implements incident.Store with maps under a single mutex.
type Store struct {
	mu sync.RWMutex

	dedupMu    sync.Mutex
	dedupLocks map[string]*sync.Mutex

	clock incident.Clock

	nextSourceID int64
	nextRawID    int64
	nextUniqueID int64

	sources      map[int64]incident.Source
	byFeedID     map[string]int64
	byResolved   map[string]int64
	rawEvents    map[int64]incident.RawEvent
	rawBySource  map[int64]int64
	uniqueEvents map[int64]incident.UniqueEvent
	regionStats  map[string]incident.RegionStats
	geocodeCache map[string]incident.GeocodeResult
}

// New constructs a Store. The clock stamps created/updated times; pass a fake
// in tests for determinism.
func New(clock incident.Clock) *Store {
	return &Store{
		clock:        clock,
		dedupLocks:   make(map[string]*sync.Mutex),
		sources:      make(map[int64]incident.Source),
		byFeedID:     make(map[string]int64),
		byResolved:   make(map[string]int64),
		rawEvents:    make(map[int64]incident.RawEvent),
		rawBySource:  make(map[int64]int64),
		uniqueEvents: make(map[int64]incident.UniqueEvent),
		regionStats:  make(map[string]incident.RegionStats),
		geocodeCache: make(map[string]incident.GeocodeResult),
	}
}

// CreateSource inserts a Source, enforcing feed-id and resolved-URL
// uniqueness.
func (s *Store) CreateSource(_ context.Context, src *incident.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byFeedID[src.FeedID]; exists {
		return incident.ErrAlreadyKnown
	}
	if src.ResolvedURL != "" {
		if _, exists := s.byResolved[src.ResolvedURL]; exists {
			return incident.ErrAlreadyKnown
		}
	}

	s.nextSourceID++
	src.ID = s.nextSourceID
	now := s.clock.Now()
	if src.FetchedAt.IsZero() {
		src.FetchedAt = now
	}
	src.UpdatedAt = now
	if src.Status == "" {
		src.Status = incident.StatusReadyForClassification
	}

	s.sources[src.ID] = *src
	s.byFeedID[src.FeedID] = src.ID
	if src.ResolvedURL != "" {
		s.byResolved[src.ResolvedURL] = src.ID
	}
	return nil
}

// GetSource fetches a Source by ID.
func (s *Store) GetSource(_ context.Context, id int64) (incident.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return incident.Source{}, incident.ErrNotFound
	}
	return src, nil
}

// SourcesByStatus lists Sources in a status, oldest first.
func (s *Store) SourcesByStatus(_ context.Context, status incident.SourceStatus, limit int) ([]incident.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []incident.Source
	for _, src := range s.sources {
		if src.Status == status {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecentSources lists the most recently fetched Sources.
func (s *Store) RecentSources(_ context.Context, limit int) ([]incident.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]incident.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AdvanceSource applies a guarded status transition.
func (s *Store) AdvanceSource(_ context.Context, id int64, from, to incident.SourceStatus, update incident.SourceUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[id]
	if !ok {
		return false, incident.ErrNotFound
	}
	if src.Status != from {
		return false, nil
	}

	if update.ResolvedURL != nil && *update.ResolvedURL != "" {
		if other, exists := s.byResolved[*update.ResolvedURL]; exists && other != id {
			return false, incident.ErrAlreadyKnown
		}
	}

	applyUpdate(&src, update, s.byResolved, id)
	src.Status = to
	src.UpdatedAt = s.clock.Now()
	s.sources[id] = src
	return true, nil
}

// ResetSourceForRetry moves a failed Source back to the entry state of the
// stage that failed it.
func (s *Store) ResetSourceForRetry(_ context.Context, id int64) (incident.SourceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[id]
	if !ok {
		return "", incident.ErrNotFound
	}

	var target incident.SourceStatus
	switch src.Status {
	case incident.StatusFailedInDownload:
		target = incident.StatusReadyForDownload
	case incident.StatusFailedInExtraction:
		target = incident.StatusReadyForExtraction
	default:
		return "", incident.ErrInvalidRetry
	}

	src.Status = target
	src.ErrorText = ""
	src.UpdatedAt = s.clock.Now()
	s.sources[id] = src
	return target, nil
}

// CreateRawEvent records the extraction result for a Source, one row per
// Source. A re-extraction overwrites the extraction fields of the existing
// row, keeping its identity and incident link.
func (s *Store) CreateRawEvent(_ context.Context, ev *incident.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if existing, ok := s.rawBySource[ev.SourceID]; ok {
		prev := s.rawEvents[existing]
		ev.ID = prev.ID
		ev.CreatedAt = prev.CreatedAt
		ev.UniqueEventID = prev.UniqueEventID
		ev.UpdatedAt = now
		s.rawEvents[existing] = *ev
		return nil
	}

	s.nextRawID++
	ev.ID = s.nextRawID
	ev.CreatedAt = now
	ev.UpdatedAt = now

	s.rawEvents[ev.ID] = *ev
	s.rawBySource[ev.SourceID] = ev.ID
	return nil
}

// GetRawEvent fetches a RawEvent by ID.
func (s *Store) GetRawEvent(_ context.Context, id int64) (incident.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.rawEvents[id]
	if !ok {
		return incident.RawEvent{}, incident.ErrNotFound
	}
	return ev, nil
}

// RawEventsNeedingEnrichment lists flagged successful extractions, linked or
// not, so the sweep also picks up incidents awaiting a geocoding retry.
func (s *Store) RawEventsNeedingEnrichment(_ context.Context, limit int) ([]incident.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []incident.RawEvent
	for _, ev := range s.rawEvents {
		if ev.NeedsEnrichment && ev.ExtractionSuccess {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CandidateUniqueEvents lists UniqueEvents whose event date falls inside the
// window around date.
func (s *Store) CandidateUniqueEvents(_ context.Context, date time.Time, window time.Duration) ([]incident.UniqueEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []incident.UniqueEvent
	for _, ue := range s.uniqueEvents {
		if ue.Fields.EventDate == nil {
			continue
		}
		d := ue.Fields.EventDate.Sub(date)
		if d < 0 {
			d = -d
		}
		if d <= window {
			out = append(out, ue)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetUniqueEvent fetches a UniqueEvent by ID.
func (s *Store) GetUniqueEvent(_ context.Context, id int64) (incident.UniqueEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ue, ok := s.uniqueEvents[id]
	if !ok {
		return incident.UniqueEvent{}, incident.ErrNotFound
	}
	return ue, nil
}

// CreateUniqueEventFrom inserts a UniqueEvent and links the RawEvent to it.
func (s *Store) CreateUniqueEventFrom(_ context.Context, raw *incident.RawEvent, ue *incident.UniqueEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.rawEvents[raw.ID]
	if !ok {
		return 0, incident.ErrNotFound
	}

	s.nextUniqueID++
	ue.ID = s.nextUniqueID
	now := s.clock.Now()
	ue.CreatedAt = now
	ue.UpdatedAt = now
	if ue.SourceCount == 0 {
		ue.SourceCount = 1
	}
	s.uniqueEvents[ue.ID] = *ue

	ev.UniqueEventID = &ue.ID
	ev.NeedsEnrichment = false
	ev.UpdatedAt = now
	s.rawEvents[raw.ID] = ev
	raw.UniqueEventID = &ue.ID
	raw.NeedsEnrichment = false
	return ue.ID, nil
}

// MergeRawEventInto applies the reconciled UniqueEvent and links the RawEvent.
func (s *Store) MergeRawEventInto(_ context.Context, raw *incident.RawEvent, merged incident.UniqueEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.uniqueEvents[merged.ID]; !ok {
		return incident.ErrNotFound
	}
	ev, ok := s.rawEvents[raw.ID]
	if !ok {
		return incident.ErrNotFound
	}

	now := s.clock.Now()
	merged.UpdatedAt = now
	s.uniqueEvents[merged.ID] = merged

	ev.UniqueEventID = &merged.ID
	ev.NeedsEnrichment = false
	ev.UpdatedAt = now
	s.rawEvents[raw.ID] = ev
	raw.UniqueEventID = &merged.ID
	raw.NeedsEnrichment = false
	return nil
}

// UpdateUniqueEventGeocode writes geocoding results onto a UniqueEvent and
// clears its enrichment flag.
func (s *Store) UpdateUniqueEventGeocode(_ context.Context, id int64, geo incident.GeocodeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ue, ok := s.uniqueEvents[id]
	if !ok {
		return incident.ErrNotFound
	}
	lat, lng, conf := geo.Latitude, geo.Longitude, geo.Confidence
	ue.Latitude = &lat
	ue.Longitude = &lng
	ue.FormattedAddress = geo.FormattedAddress
	ue.LocationPrecision = geo.Precision
	ue.GeocodingConfidence = &conf
	ue.GeocodingProvider = geo.Provider
	ue.NeedsEnrichment = false
	ue.UpdatedAt = s.clock.Now()
	s.uniqueEvents[id] = ue
	return nil
}

// ClearRawEventEnrichment marks a RawEvent's enrichment as settled.
func (s *Store) ClearRawEventEnrichment(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.rawEvents[id]
	if !ok {
		return incident.ErrNotFound
	}
	ev.NeedsEnrichment = false
	ev.UpdatedAt = s.clock.Now()
	s.rawEvents[id] = ev
	return nil
}

// MarkEnrichmentRetry flags a linked RawEvent and its incident for another
// enrichment pass.
func (s *Store) MarkEnrichmentRetry(_ context.Context, rawID, ueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.rawEvents[rawID]
	if !ok {
		return incident.ErrNotFound
	}
	ue, ok := s.uniqueEvents[ueID]
	if !ok {
		return incident.ErrNotFound
	}
	now := s.clock.Now()
	ev.NeedsEnrichment = true
	ev.UpdatedAt = now
	s.rawEvents[rawID] = ev
	ue.NeedsEnrichment = true
	ue.UpdatedAt = now
	s.uniqueEvents[ueID] = ue
	return nil
}

// WithDedupLock serializes fn against other callers holding the same key.
// Locks are per key so enrichment of unrelated places proceeds in parallel.
func (s *Store) WithDedupLock(ctx context.Context, key string, fn func(context.Context) error) error {
	s.dedupMu.Lock()
	l, ok := s.dedupLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.dedupLocks[key] = l
	}
	s.dedupMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// WithRegionStats runs fn against the lazily created stats row for a region.
func (s *Store) WithRegionStats(_ context.Context, region string, fn func(*incident.RegionStats) error) (incident.RegionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, ok := s.regionStats[region]
	if !ok {
		now := s.clock.Now()
		stats = incident.RegionStats{Region: region, CreatedAt: now, UpdatedAt: now}
	}
	if err := fn(&stats); err != nil {
		return incident.RegionStats{}, err
	}
	stats.UpdatedAt = s.clock.Now()
	s.regionStats[region] = stats
	return stats, nil
}

// ListRegionStats lists all region stats rows, sorted by region.
func (s *Store) ListRegionStats(_ context.Context) ([]incident.RegionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]incident.RegionStats, 0, len(s.regionStats))
	for _, st := range s.regionStats {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Region < out[j].Region })
	return out, nil
}

// ResetRegionSharding clears the sticky sharding flag for a region.
func (s *Store) ResetRegionSharding(_ context.Context, region string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, ok := s.regionStats[region]
	if !ok {
		return incident.ErrNotFound
	}
	stats.NeedsSharding = false
	stats.UpdatedAt = s.clock.Now()
	s.regionStats[region] = stats
	return nil
}

// CachedGeocode looks up a cached geocoding result by the exact address key.
// Key normalization belongs to the caller so both stores behave alike.
func (s *Store) CachedGeocode(_ context.Context, address string) (incident.GeocodeResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.geocodeCache[address]
	return res, ok, nil
}

// SaveGeocode caches a geocoding result.
func (s *Store) SaveGeocode(_ context.Context, address string, res incident.GeocodeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.geocodeCache[address] = res
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}

func applyUpdate(src *incident.Source, u incident.SourceUpdate, byResolved map[string]int64, id int64) {
	if u.ResolvedURL != nil {
		src.ResolvedURL = *u.ResolvedURL
		if *u.ResolvedURL != "" {
			byResolved[*u.ResolvedURL] = id
		}
	}
	if u.Content != nil {
		src.Content = *u.Content
	}
	if u.Relevant != nil {
		src.Relevant = u.Relevant
	}
	if u.ClassificationConfidence != nil {
		src.ClassificationConfidence = *u.ClassificationConfidence
	}
	if u.ClassificationReasoning != nil {
		src.ClassificationReasoning = *u.ClassificationReasoning
	}
	if u.ErrorText != nil {
		src.ErrorText = *u.ErrorText
	}
}
