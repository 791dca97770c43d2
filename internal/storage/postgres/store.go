// Package postgres provides the Postgres-backed incident.Store. All
// uniqueness and forward-only status rules are enforced by the schema and
// guarded UPDATEs, so concurrent workers behave under redelivery.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jvilhena/vigia/internal/incident"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements incident.Store on Postgres.
type Store struct {
	db pool
}

// New connects a pool and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: p}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(p pool) *Store {
	return &Store{db: p}
}

// DB exposes the pool for collaborators that share the database, like the
// store-backed feed rate gate.
func (s *Store) DB() interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
} {
	return s.db
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

const sourceColumns = `id, feed_id, encoded_link, resolved_url, headline, publisher, content,
published_at, query, region, status, relevant, classification_confidence,
classification_reasoning, error_text, fetched_at, updated_at`

// CreateSource inserts a Source. Unique violations on feed_id or resolved_url
// surface as ErrAlreadyKnown.
func (s *Store) CreateSource(ctx context.Context, src *incident.Source) error {
	if src.Status == "" {
		src.Status = incident.StatusReadyForClassification
	}
	err := s.db.QueryRow(ctx, `
INSERT INTO sources (
	feed_id, encoded_link, resolved_url, headline, publisher, content,
	published_at, query, region, status, relevant,
	classification_confidence, classification_reasoning, error_text
) VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING id, fetched_at, updated_at`,
		src.FeedID, src.EncodedLink, src.ResolvedURL, src.Headline, src.Publisher,
		src.Content, src.PublishedAt, src.Query, src.Region, string(src.Status),
		src.Relevant, src.ClassificationConfidence, src.ClassificationReasoning,
		src.ErrorText,
	).Scan(&src.ID, &src.FetchedAt, &src.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return incident.ErrAlreadyKnown
		}
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// GetSource fetches a Source by ID.
func (s *Store) GetSource(ctx context.Context, id int64) (incident.Source, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	return scanSource(row)
}

// SourcesByStatus lists Sources in a status, oldest first.
func (s *Store) SourcesByStatus(ctx context.Context, status incident.SourceStatus, limit int) ([]incident.Source, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+sourceColumns+` FROM sources WHERE status = $1 ORDER BY id LIMIT $2`,
		string(status), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query sources by status: %w", err)
	}
	defer rows.Close()
	return collectSources(rows)
}

// RecentSources lists the most recently created Sources.
func (s *Store) RecentSources(ctx context.Context, limit int) ([]incident.Source, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+sourceColumns+` FROM sources ORDER BY id DESC LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent sources: %w", err)
	}
	defer rows.Close()
	return collectSources(rows)
}

// AdvanceSource applies a guarded status transition. The WHERE clause on the
// current status is what makes redelivered jobs no-ops.
func (s *Store) AdvanceSource(ctx context.Context, id int64, from, to incident.SourceStatus, u incident.SourceUpdate) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE sources SET
	status = $3,
	resolved_url = COALESCE(NULLIF($4,''), resolved_url),
	content = COALESCE($5, content),
	relevant = COALESCE($6, relevant),
	classification_confidence = COALESCE($7, classification_confidence),
	classification_reasoning = COALESCE($8, classification_reasoning),
	error_text = COALESCE($9, error_text),
	updated_at = now()
WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
		strOrEmpty(u.ResolvedURL), u.Content, u.Relevant,
		u.ClassificationConfidence, u.ClassificationReasoning, u.ErrorText)
	if err != nil {
		if isUniqueViolation(err) {
			return false, incident.ErrAlreadyKnown
		}
		return false, fmt.Errorf("advance source %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Distinguish "wrong status" from "no such row".
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sources WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check source %d: %w", id, err)
	}
	if !exists {
		return false, incident.ErrNotFound
	}
	return false, nil
}

// ResetSourceForRetry moves a failed Source back to the entry state of the
// stage that failed it.
func (s *Store) ResetSourceForRetry(ctx context.Context, id int64) (incident.SourceStatus, error) {
	var status string
	err := s.db.QueryRow(ctx, `SELECT status FROM sources WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", incident.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load source %d: %w", id, err)
	}

	var target incident.SourceStatus
	switch incident.SourceStatus(status) {
	case incident.StatusFailedInDownload:
		target = incident.StatusReadyForDownload
	case incident.StatusFailedInExtraction:
		target = incident.StatusReadyForExtraction
	default:
		return "", incident.ErrInvalidRetry
	}

	tag, err := s.db.Exec(ctx, `
UPDATE sources SET status = $3, error_text = '', updated_at = now()
WHERE id = $1 AND status = $2`, id, status, string(target))
	if err != nil {
		return "", fmt.Errorf("reset source %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Raced with another operator; re-read would show the new status.
		return "", incident.ErrInvalidRetry
	}
	return target, nil
}

const rawEventColumns = `id, source_id, unique_event_id, extraction_success, extraction_error,
extraction_model, incident_type, death_method, event_date, date_precision,
time_of_day, state, city, neighborhood, street, victim_count,
identified_victim_count, perpetrator_count, security_force_involved,
victims_summary, title, chronological_description, payload, needs_enrichment,
created_at, updated_at`

// CreateRawEvent records the extraction result for a Source, one row per
// Source. A re-extraction after an operator retry overwrites the extraction
// fields of the existing row, keeping its identity and incident link.
func (s *Store) CreateRawEvent(ctx context.Context, ev *incident.RawEvent) error {
	payload, err := marshalJSON(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	f := ev.Fields
	err = s.db.QueryRow(ctx, `
INSERT INTO raw_events (
	source_id, extraction_success, extraction_error, extraction_model,
	incident_type, death_method, event_date, date_precision, time_of_day,
	state, city, neighborhood, street, victim_count, identified_victim_count,
	perpetrator_count, security_force_involved, victims_summary, title,
	chronological_description, payload, needs_enrichment
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
ON CONFLICT (source_id) DO UPDATE SET
	extraction_success = EXCLUDED.extraction_success,
	extraction_error = EXCLUDED.extraction_error,
	extraction_model = EXCLUDED.extraction_model,
	incident_type = EXCLUDED.incident_type,
	death_method = EXCLUDED.death_method,
	event_date = EXCLUDED.event_date,
	date_precision = EXCLUDED.date_precision,
	time_of_day = EXCLUDED.time_of_day,
	state = EXCLUDED.state,
	city = EXCLUDED.city,
	neighborhood = EXCLUDED.neighborhood,
	street = EXCLUDED.street,
	victim_count = EXCLUDED.victim_count,
	identified_victim_count = EXCLUDED.identified_victim_count,
	perpetrator_count = EXCLUDED.perpetrator_count,
	security_force_involved = EXCLUDED.security_force_involved,
	victims_summary = EXCLUDED.victims_summary,
	title = EXCLUDED.title,
	chronological_description = EXCLUDED.chronological_description,
	payload = EXCLUDED.payload,
	needs_enrichment = EXCLUDED.needs_enrichment,
	updated_at = now()
RETURNING id, created_at, updated_at`,
		ev.SourceID, ev.ExtractionSuccess, ev.ExtractionError, ev.ExtractionModel,
		f.IncidentType, f.DeathMethod, f.EventDate, f.DatePrecision, f.TimeOfDay,
		f.State, f.City, f.Neighborhood, f.Street, f.VictimCount,
		f.IdentifiedVictimCount, f.PerpetratorCount, f.SecurityForceInvolved,
		f.VictimsSummary, f.Title, f.ChronologicalDescription, payload,
		ev.NeedsEnrichment,
	).Scan(&ev.ID, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert raw event: %w", err)
	}
	return nil
}

// GetRawEvent fetches a RawEvent by ID.
func (s *Store) GetRawEvent(ctx context.Context, id int64) (incident.RawEvent, error) {
	row := s.db.QueryRow(ctx, `SELECT `+rawEventColumns+` FROM raw_events WHERE id = $1`, id)
	return scanRawEvent(row)
}

// RawEventsNeedingEnrichment lists flagged successful extractions, linked or
// not, so the sweep also picks up incidents awaiting a geocoding retry.
func (s *Store) RawEventsNeedingEnrichment(ctx context.Context, limit int) ([]incident.RawEvent, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+rawEventColumns+` FROM raw_events
WHERE needs_enrichment AND extraction_success
ORDER BY id LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query raw events needing enrichment: %w", err)
	}
	defer rows.Close()

	var out []incident.RawEvent
	for rows.Next() {
		ev, err := scanRawEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const uniqueEventColumns = `id, incident_type, death_method, event_date, date_precision, time_of_day,
state, city, neighborhood, street, victim_count, identified_victim_count,
perpetrator_count, security_force_involved, victims_summary, title,
chronological_description, merged_data, source_count, latitude, longitude,
formatted_address, location_precision, geocoding_confidence,
geocoding_provider, confirmed, needs_enrichment, created_at, updated_at`

// CandidateUniqueEvents lists UniqueEvents with an event date inside the
// window around date.
func (s *Store) CandidateUniqueEvents(ctx context.Context, date time.Time, window time.Duration) ([]incident.UniqueEvent, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+uniqueEventColumns+` FROM unique_events
WHERE event_date BETWEEN $1 AND $2
ORDER BY id`, date.Add(-window), date.Add(window))
	if err != nil {
		return nil, fmt.Errorf("query candidate unique events: %w", err)
	}
	defer rows.Close()

	var out []incident.UniqueEvent
	for rows.Next() {
		ue, err := scanUniqueEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ue)
	}
	return out, rows.Err()
}

// GetUniqueEvent fetches a UniqueEvent by ID.
func (s *Store) GetUniqueEvent(ctx context.Context, id int64) (incident.UniqueEvent, error) {
	row := s.db.QueryRow(ctx, `SELECT `+uniqueEventColumns+` FROM unique_events WHERE id = $1`, id)
	return scanUniqueEvent(row)
}

// CreateUniqueEventFrom inserts a UniqueEvent and links the RawEvent to it in
// one transaction.
func (s *Store) CreateUniqueEventFrom(ctx context.Context, raw *incident.RawEvent, ue *incident.UniqueEvent) (int64, error) {
	merged, err := marshalJSON(ue.MergedData)
	if err != nil {
		return 0, fmt.Errorf("marshal merged data: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer rollback(ctx, tx)

	f := ue.Fields
	err = tx.QueryRow(ctx, `
INSERT INTO unique_events (
	incident_type, death_method, event_date, date_precision, time_of_day,
	state, city, neighborhood, street, victim_count, identified_victim_count,
	perpetrator_count, security_force_involved, victims_summary, title,
	chronological_description, merged_data, source_count, needs_enrichment
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
RETURNING id`,
		f.IncidentType, f.DeathMethod, f.EventDate, f.DatePrecision, f.TimeOfDay,
		f.State, f.City, f.Neighborhood, f.Street, f.VictimCount,
		f.IdentifiedVictimCount, f.PerpetratorCount, f.SecurityForceInvolved,
		f.VictimsSummary, f.Title, f.ChronologicalDescription, merged,
		ue.SourceCount, ue.NeedsEnrichment,
	).Scan(&ue.ID)
	if err != nil {
		return 0, fmt.Errorf("insert unique event: %w", err)
	}

	if err := linkRawEvent(ctx, tx, raw.ID, ue.ID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	raw.UniqueEventID = &ue.ID
	raw.NeedsEnrichment = false
	return ue.ID, nil
}

// MergeRawEventInto applies the reconciled UniqueEvent and links the RawEvent
// in one transaction.
func (s *Store) MergeRawEventInto(ctx context.Context, raw *incident.RawEvent, merged incident.UniqueEvent) error {
	mergedData, err := marshalJSON(merged.MergedData)
	if err != nil {
		return fmt.Errorf("marshal merged data: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer rollback(ctx, tx)

	f := merged.Fields
	tag, err := tx.Exec(ctx, `
UPDATE unique_events SET
	incident_type = $2, death_method = $3, event_date = $4, date_precision = $5,
	time_of_day = $6, state = $7, city = $8, neighborhood = $9, street = $10,
	victim_count = $11, identified_victim_count = $12, perpetrator_count = $13,
	security_force_involved = $14, victims_summary = $15, title = $16,
	chronological_description = $17, merged_data = $18, source_count = $19,
	updated_at = now()
WHERE id = $1`,
		merged.ID, f.IncidentType, f.DeathMethod, f.EventDate, f.DatePrecision,
		f.TimeOfDay, f.State, f.City, f.Neighborhood, f.Street, f.VictimCount,
		f.IdentifiedVictimCount, f.PerpetratorCount, f.SecurityForceInvolved,
		f.VictimsSummary, f.Title, f.ChronologicalDescription, mergedData,
		merged.SourceCount)
	if err != nil {
		return fmt.Errorf("update unique event %d: %w", merged.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrNotFound
	}

	if err := linkRawEvent(ctx, tx, raw.ID, merged.ID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	raw.UniqueEventID = &merged.ID
	raw.NeedsEnrichment = false
	return nil
}

// UpdateUniqueEventGeocode writes geocoding results onto a UniqueEvent and
// clears its enrichment flag.
func (s *Store) UpdateUniqueEventGeocode(ctx context.Context, id int64, geo incident.GeocodeResult) error {
	tag, err := s.db.Exec(ctx, `
UPDATE unique_events SET
	latitude = $2, longitude = $3, formatted_address = $4,
	location_precision = $5, geocoding_confidence = $6, geocoding_provider = $7,
	needs_enrichment = FALSE, updated_at = now()
WHERE id = $1`,
		id, geo.Latitude, geo.Longitude, geo.FormattedAddress,
		geo.Precision, geo.Confidence, geo.Provider)
	if err != nil {
		return fmt.Errorf("update geocode for unique event %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrNotFound
	}
	return nil
}

// ClearRawEventEnrichment marks a RawEvent's enrichment as settled.
func (s *Store) ClearRawEventEnrichment(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `
UPDATE raw_events SET needs_enrichment = FALSE, updated_at = now()
WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear enrichment flag for raw event %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrNotFound
	}
	return nil
}

// MarkEnrichmentRetry flags a linked RawEvent and its incident for another
// enrichment pass, so the scheduled sweep retries the geocoding.
func (s *Store) MarkEnrichmentRetry(ctx context.Context, rawID, ueID int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer rollback(ctx, tx)

	tag, err := tx.Exec(ctx, `
UPDATE raw_events SET needs_enrichment = TRUE, updated_at = now()
WHERE id = $1`, rawID)
	if err != nil {
		return fmt.Errorf("flag raw event %d: %w", rawID, err)
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrNotFound
	}

	tag, err = tx.Exec(ctx, `
UPDATE unique_events SET needs_enrichment = TRUE, updated_at = now()
WHERE id = $1`, ueID)
	if err != nil {
		return fmt.Errorf("flag unique event %d: %w", ueID, err)
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrNotFound
	}
	return tx.Commit(ctx)
}

// WithDedupLock serializes fn across workers via a transaction-scoped
// advisory lock on the key. The transaction exists only to hold the lock; fn
// runs its statements against the pool as usual.
func (s *Store) WithDedupLock(ctx context.Context, key string, fn func(context.Context) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer rollback(ctx, tx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("acquire dedup lock: %w", err)
	}
	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("release dedup lock: %w", err)
	}
	return nil
}

// WithRegionStats runs fn against the row for a region under a row lock.
func (s *Store) WithRegionStats(ctx context.Context, region string, fn func(*incident.RegionStats) error) (incident.RegionStats, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return incident.RegionStats{}, fmt.Errorf("begin: %w", err)
	}
	defer rollback(ctx, tx)

	if _, err := tx.Exec(ctx, `
INSERT INTO region_stats (region) VALUES ($1) ON CONFLICT (region) DO NOTHING`, region); err != nil {
		return incident.RegionStats{}, fmt.Errorf("ensure region stats row: %w", err)
	}

	var st incident.RegionStats
	err = tx.QueryRow(ctx, `
SELECT region, needs_sharding, hit_limit_count, last_result_count,
	last_fetch_at, created_at, updated_at
FROM region_stats WHERE region = $1 FOR UPDATE`, region).Scan(
		&st.Region, &st.NeedsSharding, &st.HitLimitCount, &st.LastResultCount,
		&st.LastFetchAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return incident.RegionStats{}, fmt.Errorf("lock region stats: %w", err)
	}

	if err := fn(&st); err != nil {
		return incident.RegionStats{}, err
	}

	if _, err := tx.Exec(ctx, `
UPDATE region_stats SET
	needs_sharding = $2, hit_limit_count = $3, last_result_count = $4,
	last_fetch_at = $5, updated_at = now()
WHERE region = $1`,
		region, st.NeedsSharding, st.HitLimitCount, st.LastResultCount, st.LastFetchAt); err != nil {
		return incident.RegionStats{}, fmt.Errorf("update region stats: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return incident.RegionStats{}, fmt.Errorf("commit: %w", err)
	}
	return st, nil
}

// ListRegionStats lists all region stats rows.
func (s *Store) ListRegionStats(ctx context.Context) ([]incident.RegionStats, error) {
	rows, err := s.db.Query(ctx, `
SELECT region, needs_sharding, hit_limit_count, last_result_count,
	last_fetch_at, created_at, updated_at
FROM region_stats ORDER BY region`)
	if err != nil {
		return nil, fmt.Errorf("query region stats: %w", err)
	}
	defer rows.Close()

	var out []incident.RegionStats
	for rows.Next() {
		var st incident.RegionStats
		if err := rows.Scan(&st.Region, &st.NeedsSharding, &st.HitLimitCount,
			&st.LastResultCount, &st.LastFetchAt, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan region stats: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ResetRegionSharding clears the sticky sharding flag for a region.
func (s *Store) ResetRegionSharding(ctx context.Context, region string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE region_stats SET needs_sharding = FALSE, updated_at = now()
WHERE region = $1`, region)
	if err != nil {
		return fmt.Errorf("reset sharding for %s: %w", region, err)
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrNotFound
	}
	return nil
}

// CachedGeocode looks up a cached geocoding result by address.
func (s *Store) CachedGeocode(ctx context.Context, address string) (incident.GeocodeResult, bool, error) {
	var res incident.GeocodeResult
	err := s.db.QueryRow(ctx, `
SELECT latitude, longitude, formatted_address, precision, confidence, provider
FROM geocode_cache WHERE address = $1`, address).Scan(
		&res.Latitude, &res.Longitude, &res.FormattedAddress,
		&res.Precision, &res.Confidence, &res.Provider)
	if errors.Is(err, pgx.ErrNoRows) {
		return incident.GeocodeResult{}, false, nil
	}
	if err != nil {
		return incident.GeocodeResult{}, false, fmt.Errorf("lookup geocode cache: %w", err)
	}
	return res, true, nil
}

// SaveGeocode caches a geocoding result, keeping the first write on conflict.
func (s *Store) SaveGeocode(ctx context.Context, address string, res incident.GeocodeResult) error {
	if _, err := s.db.Exec(ctx, `
INSERT INTO geocode_cache (
	address, latitude, longitude, formatted_address, precision, confidence, provider
) VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (address) DO NOTHING`,
		address, res.Latitude, res.Longitude, res.FormattedAddress,
		res.Precision, res.Confidence, res.Provider); err != nil {
		return fmt.Errorf("save geocode cache entry: %w", err)
	}
	return nil
}

func linkRawEvent(ctx context.Context, tx pgx.Tx, rawID, ueID int64) error {
	tag, err := tx.Exec(ctx, `
UPDATE raw_events SET unique_event_id = $2, needs_enrichment = FALSE, updated_at = now()
WHERE id = $1`, rawID, ueID)
	if err != nil {
		return fmt.Errorf("link raw event %d: %w", rawID, err)
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrNotFound
	}
	return nil
}

func rollback(ctx context.Context, tx pgx.Tx) {
	// Rollback after commit returns ErrTxClosed, which is fine.
	_ = tx.Rollback(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func strOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func scanSource(row pgx.Row) (incident.Source, error) {
	var (
		src                                           incident.Source
		resolvedURL, headline, publisher, content     *string
		query, region, confidence, reasoning, errText *string
		status                                        string
	)
	err := row.Scan(&src.ID, &src.FeedID, &src.EncodedLink, &resolvedURL,
		&headline, &publisher, &content, &src.PublishedAt, &query, &region,
		&status, &src.Relevant, &confidence, &reasoning, &errText,
		&src.FetchedAt, &src.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return incident.Source{}, incident.ErrNotFound
	}
	if err != nil {
		return incident.Source{}, fmt.Errorf("scan source: %w", err)
	}
	src.Status = incident.SourceStatus(status)
	src.ResolvedURL = strOrEmpty(resolvedURL)
	src.Headline = strOrEmpty(headline)
	src.Publisher = strOrEmpty(publisher)
	src.Content = strOrEmpty(content)
	src.Query = strOrEmpty(query)
	src.Region = strOrEmpty(region)
	src.ClassificationConfidence = strOrEmpty(confidence)
	src.ClassificationReasoning = strOrEmpty(reasoning)
	src.ErrorText = strOrEmpty(errText)
	return src, nil
}

func collectSources(rows pgx.Rows) ([]incident.Source, error) {
	var out []incident.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func scanRawEvent(row pgx.Row) (incident.RawEvent, error) {
	var (
		ev                                           incident.RawEvent
		extractionError, extractionModel             *string
		incidentType, deathMethod, datePrecision     *string
		timeOfDay, state, city, neighborhood, street *string
		victimsSummary, title, chronological         *string
		payload                                      []byte
	)
	err := row.Scan(&ev.ID, &ev.SourceID, &ev.UniqueEventID,
		&ev.ExtractionSuccess, &extractionError, &extractionModel,
		&incidentType, &deathMethod, &ev.Fields.EventDate, &datePrecision,
		&timeOfDay, &state, &city, &neighborhood, &street,
		&ev.Fields.VictimCount, &ev.Fields.IdentifiedVictimCount,
		&ev.Fields.PerpetratorCount, &ev.Fields.SecurityForceInvolved,
		&victimsSummary, &title, &chronological, &payload,
		&ev.NeedsEnrichment, &ev.CreatedAt, &ev.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return incident.RawEvent{}, incident.ErrNotFound
	}
	if err != nil {
		return incident.RawEvent{}, fmt.Errorf("scan raw event: %w", err)
	}
	ev.ExtractionError = strOrEmpty(extractionError)
	ev.ExtractionModel = strOrEmpty(extractionModel)
	ev.Fields.IncidentType = strOrEmpty(incidentType)
	ev.Fields.DeathMethod = strOrEmpty(deathMethod)
	ev.Fields.DatePrecision = strOrEmpty(datePrecision)
	ev.Fields.TimeOfDay = strOrEmpty(timeOfDay)
	ev.Fields.State = strOrEmpty(state)
	ev.Fields.City = strOrEmpty(city)
	ev.Fields.Neighborhood = strOrEmpty(neighborhood)
	ev.Fields.Street = strOrEmpty(street)
	ev.Fields.VictimsSummary = strOrEmpty(victimsSummary)
	ev.Fields.Title = strOrEmpty(title)
	ev.Fields.ChronologicalDescription = strOrEmpty(chronological)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return incident.RawEvent{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return ev, nil
}

func scanUniqueEvent(row pgx.Row) (incident.UniqueEvent, error) {
	var (
		ue                                            incident.UniqueEvent
		incidentType, deathMethod, datePrecision      *string
		timeOfDay, state, city, neighborhood, street  *string
		victimsSummary, title, chronological          *string
		formattedAddress, locationPrecision, provider *string
		mergedData                                    []byte
	)
	err := row.Scan(&ue.ID, &incidentType, &deathMethod, &ue.Fields.EventDate,
		&datePrecision, &timeOfDay, &state, &city, &neighborhood, &street,
		&ue.Fields.VictimCount, &ue.Fields.IdentifiedVictimCount,
		&ue.Fields.PerpetratorCount, &ue.Fields.SecurityForceInvolved,
		&victimsSummary, &title, &chronological, &mergedData, &ue.SourceCount,
		&ue.Latitude, &ue.Longitude, &formattedAddress, &locationPrecision,
		&ue.GeocodingConfidence, &provider, &ue.Confirmed, &ue.NeedsEnrichment,
		&ue.CreatedAt, &ue.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return incident.UniqueEvent{}, incident.ErrNotFound
	}
	if err != nil {
		return incident.UniqueEvent{}, fmt.Errorf("scan unique event: %w", err)
	}
	ue.Fields.IncidentType = strOrEmpty(incidentType)
	ue.Fields.DeathMethod = strOrEmpty(deathMethod)
	ue.Fields.DatePrecision = strOrEmpty(datePrecision)
	ue.Fields.TimeOfDay = strOrEmpty(timeOfDay)
	ue.Fields.State = strOrEmpty(state)
	ue.Fields.City = strOrEmpty(city)
	ue.Fields.Neighborhood = strOrEmpty(neighborhood)
	ue.Fields.Street = strOrEmpty(street)
	ue.Fields.VictimsSummary = strOrEmpty(victimsSummary)
	ue.Fields.Title = strOrEmpty(title)
	ue.Fields.ChronologicalDescription = strOrEmpty(chronological)
	ue.FormattedAddress = strOrEmpty(formattedAddress)
	ue.LocationPrecision = strOrEmpty(locationPrecision)
	ue.GeocodingProvider = strOrEmpty(provider)
	if len(mergedData) > 0 {
		if err := json.Unmarshal(mergedData, &ue.MergedData); err != nil {
			return incident.UniqueEvent{}, fmt.Errorf("unmarshal merged data: %w", err)
		}
	}
	return ue, nil
}
