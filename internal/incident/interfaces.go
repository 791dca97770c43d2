package incident

import (
	"context"
	"time"
)

// SourceUpdate carries the optional field writes that accompany a status
// transition. Nil pointers leave the column untouched.
type SourceUpdate struct {
	ResolvedURL              *string
	Content                  *string
	Relevant                 *bool
	ClassificationConfidence *string
	ClassificationReasoning  *string
	ErrorText                *string
}

// Store persists all pipeline state. Implementations must enforce the
// uniqueness and forward-only status constraints at the storage layer, not
// just in application code.
type Store interface {
	// CreateSource inserts a new Source. Returns ErrAlreadyKnown when the
	// feed id (or a non-empty resolved URL) collides with an existing row.
	CreateSource(ctx context.Context, src *Source) error
	GetSource(ctx context.Context, id int64) (Source, error)
	SourcesByStatus(ctx context.Context, status SourceStatus, limit int) ([]Source, error)
	RecentSources(ctx context.Context, limit int) ([]Source, error)

	// AdvanceSource moves a Source from one status to another, applying the
	// update atomically. It returns false (and no error) when the Source is
	// not currently in `from`, which is how stage idempotency is enforced.
	// ErrAlreadyKnown is returned when the update's resolved URL collides
	// with another Source.
	AdvanceSource(ctx context.Context, id int64, from, to SourceStatus, update SourceUpdate) (bool, error)

	// ResetSourceForRetry moves a failed Source back to the entry state of
	// the stage that failed it. This operator-initiated reset is the only
	// permitted backward move.
	ResetSourceForRetry(ctx context.Context, id int64) (SourceStatus, error)

	// CreateRawEvent records the extraction result for a Source. A Source
	// has at most one RawEvent: when one already exists its extraction
	// fields are overwritten in place (re-extraction changes content, never
	// identity) and the existing row's ID is written back into ev.ID.
	CreateRawEvent(ctx context.Context, ev *RawEvent) error
	GetRawEvent(ctx context.Context, id int64) (RawEvent, error)
	RawEventsNeedingEnrichment(ctx context.Context, limit int) ([]RawEvent, error)

	// ClearRawEventEnrichment marks a RawEvent's enrichment as settled.
	ClearRawEventEnrichment(ctx context.Context, id int64) error

	// MarkEnrichmentRetry flags a linked RawEvent and its incident for
	// another enrichment pass, putting the pair back in the sweep's reach.
	MarkEnrichmentRetry(ctx context.Context, rawID, ueID int64) error

	// CandidateUniqueEvents returns UniqueEvents whose event date lies within
	// the window around date. City filtering is left to the caller so the
	// engine controls normalization and fuzzy matching.
	CandidateUniqueEvents(ctx context.Context, date time.Time, window time.Duration) ([]UniqueEvent, error)
	GetUniqueEvent(ctx context.Context, id int64) (UniqueEvent, error)

	// CreateUniqueEventFrom inserts a new UniqueEvent seeded from the
	// RawEvent and links the RawEvent to it, all in one transaction.
	CreateUniqueEventFrom(ctx context.Context, raw *RawEvent, ue *UniqueEvent) (int64, error)

	// MergeRawEventInto applies the reconciled UniqueEvent, increments its
	// source count, and links the RawEvent, all in one transaction with at
	// least read-committed isolation.
	MergeRawEventInto(ctx context.Context, raw *RawEvent, merged UniqueEvent) error

	// UpdateUniqueEventGeocode writes geocoding results and clears the
	// incident's enrichment flag.
	UpdateUniqueEventGeocode(ctx context.Context, id int64, geo GeocodeResult) error

	// WithDedupLock serializes fn against other callers holding the same
	// key. The enrichment engine's read-candidates/decide/write sequence
	// runs under it so two workers enriching reports of the same incident
	// cannot both see zero candidates and create two incidents.
	WithDedupLock(ctx context.Context, key string, fn func(context.Context) error) error

	// WithRegionStats runs fn against the (lazily created) stats row for a
	// region as a single read-modify-write transaction, persisting whatever
	// fn mutates. Serializes concurrent workers fetching the same region.
	WithRegionStats(ctx context.Context, region string, fn func(*RegionStats) error) (RegionStats, error)
	ListRegionStats(ctx context.Context) ([]RegionStats, error)

	// ResetRegionSharding clears the sticky sharding flag. Operator-only.
	ResetRegionSharding(ctx context.Context, region string) error

	// Geocode cache, keyed by the address string that was geocoded.
	CachedGeocode(ctx context.Context, address string) (GeocodeResult, bool, error)
	SaveGeocode(ctx context.Context, address string, res GeocodeResult) error

	Close()
}

// FeedClient queries the external search feed. The returned slice length is
// the observed result count the sharding controller feeds on.
type FeedClient interface {
	Search(ctx context.Context, query string) ([]FeedItem, error)
}

// Resolver turns an opaque feed identifier into a real article URL.
type Resolver interface {
	Resolve(ctx context.Context, encodedLink string) (string, error)
}

// Fetcher downloads an article and returns its cleaned body text.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Extractor sends article text to the external structured-extraction service.
type Extractor interface {
	Extract(ctx context.Context, headline, content string) (Extraction, error)
}

// Geocoder resolves an address to coordinates plus confidence.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (GeocodeResult, error)
}

// Classifier decides whether a headline describes a relevant event.
type Classifier interface {
	Classify(headline string) Classification
}

// RateGate paces outbound feed calls. A single shared gate covers all
// discovery-stage requests across workers.
type RateGate interface {
	Wait(ctx context.Context) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
