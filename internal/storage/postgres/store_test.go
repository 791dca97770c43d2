package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvilhena/vigia/internal/incident"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithPool(mock), mock
}

func TestCreateSourceInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	src := incident.Source{
		FeedID:      "feed-1",
		EncodedLink: "ENCODED",
		Headline:    "Homem é morto a tiros",
		Publisher:   "G1",
		Query:       "Rio de Janeiro RJ when:1h",
		Region:      "Rio de Janeiro RJ",
	}

	mock.ExpectQuery("INSERT INTO sources").
		WithArgs(
			src.FeedID, src.EncodedLink, src.ResolvedURL, src.Headline,
			src.Publisher, src.Content, src.PublishedAt, src.Query, src.Region,
			string(incident.StatusReadyForClassification), src.Relevant,
			src.ClassificationConfidence, src.ClassificationReasoning,
			src.ErrorText,
		).
		WillReturnRows(pgxmock.NewRows([]string{"id", "fetched_at", "updated_at"}).
			AddRow(int64(42), now, now))

	require.NoError(t, store.CreateSource(context.Background(), &src))
	assert.Equal(t, int64(42), src.ID)
	assert.Equal(t, incident.StatusReadyForClassification, src.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSourceDuplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO sources").
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "sources_feed_id_key"})

	src := incident.Source{FeedID: "feed-1"}
	err := store.CreateSource(context.Background(), &src)
	assert.ErrorIs(t, err, incident.ErrAlreadyKnown)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceSourceGuardedUpdate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	url := "https://g1.globo.com/noticia.ghtml"
	content := "texto da matéria"

	mock.ExpectExec("UPDATE sources SET").
		WithArgs(
			int64(7),
			string(incident.StatusReadyForDownload),
			string(incident.StatusReadyForExtraction),
			url, &content,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.AdvanceSource(context.Background(), 7,
		incident.StatusReadyForDownload, incident.StatusReadyForExtraction,
		incident.SourceUpdate{ResolvedURL: &url, Content: &content})
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceSourceWrongStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE sources SET").
		WithArgs(
			int64(7), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.AdvanceSource(context.Background(), 7,
		incident.StatusReadyForDownload, incident.StatusReadyForExtraction,
		incident.SourceUpdate{})
	require.NoError(t, err, "wrong current status is a no-op, not a failure")
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceSourceMissingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE sources SET").
		WithArgs(
			int64(999), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(999)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := store.AdvanceSource(context.Background(), 999,
		incident.StatusReadyForDownload, incident.StatusReadyForExtraction,
		incident.SourceUpdate{})
	assert.ErrorIs(t, err, incident.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetSourceForRetry(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT status FROM sources").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).
			AddRow(string(incident.StatusFailedInDownload)))
	mock.ExpectExec("UPDATE sources SET status").
		WithArgs(int64(7), string(incident.StatusFailedInDownload),
			string(incident.StatusReadyForDownload)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	status, err := store.ResetSourceForRetry(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusReadyForDownload, status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetSourceForRetryInvalidStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT status FROM sources").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).
			AddRow(string(incident.StatusExtracted)))

	_, err := store.ResetSourceForRetry(context.Background(), 7)
	assert.ErrorIs(t, err, incident.ErrInvalidRetry)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRawEventUpsertsOnRetry(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	args := make([]any, 22)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	// A conflicting source_id takes the DO UPDATE branch and still returns
	// the existing row's identity.
	mock.ExpectQuery(`INSERT INTO raw_events(?s:.+)ON CONFLICT \(source_id\) DO UPDATE SET`).
		WithArgs(args...).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(int64(11), now, now))

	ev := incident.RawEvent{SourceID: 5, ExtractionSuccess: true}
	require.NoError(t, store.CreateRawEvent(context.Background(), &ev))
	assert.Equal(t, int64(11), ev.ID, "existing identity must be surfaced")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUniqueEventGeocodeClearsFlag(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE unique_events SET(?s:.+)needs_enrichment = FALSE`).
		WithArgs(int64(3), -22.9711, -43.1822, "Copacabana, Rio de Janeiro - RJ",
			"neighborhood", 0.92, "test").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateUniqueEventGeocode(context.Background(), 3, incident.GeocodeResult{
		Latitude:         -22.9711,
		Longitude:        -43.1822,
		FormattedAddress: "Copacabana, Rio de Janeiro - RJ",
		Precision:        "neighborhood",
		Confidence:       0.92,
		Provider:         "test",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkEnrichmentRetryFlagsBothRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE raw_events SET needs_enrichment = TRUE").
		WithArgs(int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE unique_events SET needs_enrichment = TRUE").
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.MarkEnrichmentRetry(context.Background(), 9, 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithDedupLockHoldsAdvisoryLock(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("rio de janeiro").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectCommit()

	var ran bool
	err := store.WithDedupLock(context.Background(), "rio de janeiro",
		func(context.Context) error {
			ran = true
			return nil
		})
	require.NoError(t, err)
	assert.True(t, ran)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithDedupLockReleasesOnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("niterói").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectRollback()

	err := store.WithDedupLock(context.Background(), "niterói",
		func(context.Context) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSourceNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM sources WHERE id").
		WithArgs(int64(999)).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "feed_id", "encoded_link", "resolved_url", "headline",
			"publisher", "content", "published_at", "query", "region", "status",
			"relevant", "classification_confidence", "classification_reasoning",
			"error_text", "fetched_at", "updated_at",
		}))

	_, err := store.GetSource(context.Background(), 999)
	assert.ErrorIs(t, err, incident.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRegionStatsLocksAndPersists(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	region := "Rio de Janeiro RJ"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO region_stats").
		WithArgs(region).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT region, needs_sharding(.+)FOR UPDATE").
		WithArgs(region).
		WillReturnRows(pgxmock.NewRows([]string{
			"region", "needs_sharding", "hit_limit_count", "last_result_count",
			"last_fetch_at", "created_at", "updated_at",
		}).AddRow(region, false, 0, 0, nil, now, now))
	mock.ExpectExec("UPDATE region_stats").
		WithArgs(region, true, 1, 100, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	got, err := store.WithRegionStats(context.Background(), region,
		func(st *incident.RegionStats) error {
			st.NeedsSharding = true
			st.HitLimitCount = 1
			st.LastResultCount = 100
			fetched := now
			st.LastFetchAt = &fetched
			return nil
		})
	require.NoError(t, err)
	assert.True(t, got.NeedsSharding)
	assert.Equal(t, 1, got.HitLimitCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetRegionShardingNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE region_stats SET needs_sharding").
		WithArgs("nowhere").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.ResetRegionSharding(context.Background(), "nowhere")
	assert.ErrorIs(t, err, incident.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedGeocode(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT latitude, longitude(.+)FROM geocode_cache").
		WithArgs("copacabana, rio de janeiro").
		WillReturnRows(pgxmock.NewRows([]string{
			"latitude", "longitude", "formatted_address", "precision",
			"confidence", "provider",
		}).AddRow(-22.9711, -43.1822, "Copacabana, Rio de Janeiro - RJ", "neighborhood", 0.92, "test"))

	res, found, err := store.CachedGeocode(context.Background(), "copacabana, rio de janeiro")
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, -22.9711, res.Latitude, 1e-9)
	assert.Equal(t, "test", res.Provider)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedGeocodeMiss(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT latitude, longitude(.+)FROM geocode_cache").
		WithArgs("tijuca, rio de janeiro").
		WillReturnRows(pgxmock.NewRows([]string{
			"latitude", "longitude", "formatted_address", "precision",
			"confidence", "provider",
		}))

	_, found, err := store.CachedGeocode(context.Background(), "tijuca, rio de janeiro")
	require.NoError(t, err, "a cache miss is not an error")
	assert.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUniqueEventFromTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	insertArgs := make([]any, 19)
	for i := range insertArgs {
		insertArgs[i] = pgxmock.AnyArg()
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO unique_events").
		WithArgs(insertArgs...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectExec("UPDATE raw_events SET unique_event_id").
		WithArgs(int64(9), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	raw := incident.RawEvent{ID: 9, SourceID: 5}
	ue := incident.UniqueEvent{
		Fields:      incident.EventFields{City: "Rio de Janeiro"},
		SourceCount: 1,
	}
	id, err := store.CreateUniqueEventFrom(context.Background(), &raw, &ue)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
	require.NotNil(t, raw.UniqueEventID)
	assert.Equal(t, int64(3), *raw.UniqueEventID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeRawEventIntoMissingIncident(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	updateArgs := make([]any, 19)
	for i := range updateArgs {
		updateArgs[i] = pgxmock.AnyArg()
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE unique_events SET").
		WithArgs(updateArgs...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	raw := incident.RawEvent{ID: 9}
	err := store.MergeRawEventInto(context.Background(), &raw, incident.UniqueEvent{ID: 404})
	assert.ErrorIs(t, err, incident.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
