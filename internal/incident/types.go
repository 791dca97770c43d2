// Package incident defines core types shared across subsystems.
package incident

import (
	"time"
)

// Source is one fetched feed item, prior to knowing whether it describes a
// relevant event. Rows are never deleted; they are the audit trail of
// everything the discovery stage has ever seen.
type Source struct {
	ID          int64        `json:"id"`
	FeedID      string       `json:"feed_id"`
	EncodedLink string       `json:"encoded_link"`
	ResolvedURL string       `json:"resolved_url,omitempty"`
	Headline    string       `json:"headline,omitempty"`
	Publisher   string       `json:"publisher,omitempty"`
	Content     string       `json:"content,omitempty"`
	PublishedAt *time.Time   `json:"published_at,omitempty"`
	Query       string       `json:"query,omitempty"`
	Region      string       `json:"region,omitempty"`
	Status      SourceStatus `json:"status"`

	// Headline classification results.
	Relevant                 *bool  `json:"relevant,omitempty"`
	ClassificationConfidence string `json:"classification_confidence,omitempty"`
	ClassificationReasoning  string `json:"classification_reasoning,omitempty"`

	ErrorText string    `json:"error_text,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventFields holds the structured fields shared by RawEvent and UniqueEvent.
// Pointers mark fields the extraction service may legitimately omit.
type EventFields struct {
	IncidentType             string     `json:"incident_type,omitempty"`
	DeathMethod              string     `json:"death_method,omitempty"`
	EventDate                *time.Time `json:"event_date,omitempty"`
	DatePrecision            string     `json:"date_precision,omitempty"`
	TimeOfDay                string     `json:"time_of_day,omitempty"`
	State                    string     `json:"state,omitempty"`
	City                     string     `json:"city,omitempty"`
	Neighborhood             string     `json:"neighborhood,omitempty"`
	Street                   string     `json:"street,omitempty"`
	VictimCount              *int       `json:"victim_count,omitempty"`
	IdentifiedVictimCount    *int       `json:"identified_victim_count,omitempty"`
	PerpetratorCount         *int       `json:"perpetrator_count,omitempty"`
	SecurityForceInvolved    *bool      `json:"security_force_involved,omitempty"`
	VictimsSummary           string     `json:"victims_summary,omitempty"`
	Title                    string     `json:"title,omitempty"`
	ChronologicalDescription string     `json:"chronological_description,omitempty"`
}

// RawEvent is one structured extraction attempt from a Source. Exactly one
// RawEvent exists per successfully extracted Source; re-extraction overwrites
// the existing row rather than creating a new identity.
type RawEvent struct {
	ID       int64 `json:"id"`
	SourceID int64 `json:"source_id"`

	// Weak reference to the canonical incident; nil until enriched.
	UniqueEventID *int64 `json:"unique_event_id,omitempty"`

	ExtractionSuccess bool   `json:"extraction_success"`
	ExtractionError   string `json:"extraction_error,omitempty"`
	ExtractionModel   string `json:"extraction_model,omitempty"`

	Fields EventFields `json:"fields"`

	// Payload keeps the extraction service's raw response for forward
	// compatibility with schema changes.
	Payload map[string]any `json:"payload,omitempty"`

	NeedsEnrichment bool      `json:"needs_enrichment"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// UniqueEvent is the canonical, deduplicated incident record merging one or
// more RawEvents. SourceCount is a cached aggregate maintained transactionally
// alongside RawEvent links; it must always equal the number of RawEvents whose
// UniqueEventID points here.
type UniqueEvent struct {
	ID     int64       `json:"id"`
	Fields EventFields `json:"fields"`

	// MergedData combines the payloads of all contributing RawEvents.
	MergedData  map[string]any `json:"merged_data,omitempty"`
	SourceCount int            `json:"source_count"`

	Latitude            *float64 `json:"latitude,omitempty"`
	Longitude           *float64 `json:"longitude,omitempty"`
	FormattedAddress    string   `json:"formatted_address,omitempty"`
	LocationPrecision   string   `json:"location_precision,omitempty"`
	GeocodingConfidence *float64 `json:"geocoding_confidence,omitempty"`
	GeocodingProvider   string   `json:"geocoding_provider,omitempty"`

	Confirmed       bool      `json:"confirmed"`
	NeedsEnrichment bool      `json:"needs_enrichment"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HasCoordinates reports whether the event has been geocoded.
func (u *UniqueEvent) HasCoordinates() bool {
	return u.Latitude != nil && u.Longitude != nil
}

// RegionStats is the per-region adaptive state governing query strategy.
// NeedsSharding is sticky: once set it is never cleared automatically, only
// through an explicit operator reset.
type RegionStats struct {
	Region          string     `json:"region"`
	NeedsSharding   bool       `json:"needs_sharding"`
	HitLimitCount   int        `json:"hit_limit_count"`
	LastResultCount int        `json:"last_result_count"`
	LastFetchAt     *time.Time `json:"last_fetch_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// FeedItem is a single entry returned by the search feed.
type FeedItem struct {
	FeedID      string
	EncodedLink string
	Headline    string
	Publisher   string
	PublishedAt *time.Time
}

// Extraction is the structured result of one extraction-service call.
type Extraction struct {
	Fields  EventFields
	Payload map[string]any
	Model   string
}

// GeocodeResult is the geocoding collaborator's answer for one address.
type GeocodeResult struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	FormattedAddress string  `json:"formatted_address"`
	Precision        string  `json:"precision"`
	Confidence       float64 `json:"confidence"`
	Provider         string  `json:"provider"`
}

// Classification is the outcome of headline classification during discovery.
type Classification struct {
	Relevant   bool
	Confidence string
	Reasoning  string
}
