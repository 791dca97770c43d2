package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvilhena/vigia/internal/incident"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newStore() (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)}
	return New(clock), clock
}

func strPtr(s string) *string { return &s }

func TestCreateSourceEnforcesFeedIDUniqueness(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	first := incident.Source{FeedID: "feed-1", Headline: "a"}
	require.NoError(t, s.CreateSource(ctx, &first))
	assert.NotZero(t, first.ID)
	assert.Equal(t, incident.StatusReadyForClassification, first.Status)

	dup := incident.Source{FeedID: "feed-1", Headline: "b"}
	assert.ErrorIs(t, s.CreateSource(ctx, &dup), incident.ErrAlreadyKnown)
}

func TestAdvanceSourceGuardedTransition(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	src := incident.Source{FeedID: "feed-1"}
	require.NoError(t, s.CreateSource(ctx, &src))

	ok, err := s.AdvanceSource(ctx, src.ID,
		incident.StatusReadyForClassification, incident.StatusReadyForDownload,
		incident.SourceUpdate{})
	require.NoError(t, err)
	assert.True(t, ok)

	// Same transition again: wrong current status, no error.
	ok, err = s.AdvanceSource(ctx, src.ID,
		incident.StatusReadyForClassification, incident.StatusReadyForDownload,
		incident.SourceUpdate{})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.AdvanceSource(ctx, 999,
		incident.StatusReadyForClassification, incident.StatusReadyForDownload,
		incident.SourceUpdate{})
	assert.ErrorIs(t, err, incident.ErrNotFound)
}

func TestAdvanceSourceResolvedURLCollision(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	a := incident.Source{FeedID: "feed-a", Status: incident.StatusReadyForDownload}
	b := incident.Source{FeedID: "feed-b", Status: incident.StatusReadyForDownload}
	require.NoError(t, s.CreateSource(ctx, &a))
	require.NoError(t, s.CreateSource(ctx, &b))

	url := "https://g1.globo.com/noticia.ghtml"
	ok, err := s.AdvanceSource(ctx, a.ID,
		incident.StatusReadyForDownload, incident.StatusReadyForExtraction,
		incident.SourceUpdate{ResolvedURL: &url})
	require.NoError(t, err)
	require.True(t, ok)

	// Two feed entries resolving to the same article are one Source.
	_, err = s.AdvanceSource(ctx, b.ID,
		incident.StatusReadyForDownload, incident.StatusReadyForExtraction,
		incident.SourceUpdate{ResolvedURL: &url})
	assert.ErrorIs(t, err, incident.ErrAlreadyKnown)
}

func TestAdvanceSourceAppliesUpdate(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	src := incident.Source{FeedID: "feed-1"}
	require.NoError(t, s.CreateSource(ctx, &src))

	relevant := true
	ok, err := s.AdvanceSource(ctx, src.ID,
		incident.StatusReadyForClassification, incident.StatusReadyForDownload,
		incident.SourceUpdate{
			Relevant:                 &relevant,
			ClassificationConfidence: strPtr("high"),
			ClassificationReasoning:  strPtr("strong keyword"),
		})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusReadyForDownload, got.Status)
	require.NotNil(t, got.Relevant)
	assert.True(t, *got.Relevant)
	assert.Equal(t, "high", got.ClassificationConfidence)
}

func TestResetSourceForRetry(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	failed := incident.Source{FeedID: "feed-1", Status: incident.StatusFailedInDownload, ErrorText: "boom"}
	require.NoError(t, s.CreateSource(ctx, &failed))

	status, err := s.ResetSourceForRetry(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusReadyForDownload, status)

	got, err := s.GetSource(ctx, failed.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ErrorText)

	extractionFailed := incident.Source{FeedID: "feed-2", Status: incident.StatusFailedInExtraction}
	require.NoError(t, s.CreateSource(ctx, &extractionFailed))
	status, err = s.ResetSourceForRetry(ctx, extractionFailed.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusReadyForExtraction, status)

	healthy := incident.Source{FeedID: "feed-3", Status: incident.StatusExtracted}
	require.NoError(t, s.CreateSource(ctx, &healthy))
	_, err = s.ResetSourceForRetry(ctx, healthy.ID)
	assert.ErrorIs(t, err, incident.ErrInvalidRetry)

	_, err = s.ResetSourceForRetry(ctx, 999)
	assert.ErrorIs(t, err, incident.ErrNotFound)
}

func TestCreateRawEventOverwritesOnRetry(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	src := incident.Source{FeedID: "feed-1"}
	require.NoError(t, s.CreateSource(ctx, &src))

	failed := incident.RawEvent{
		SourceID:          src.ID,
		ExtractionSuccess: false,
		ExtractionError:   "model timeout",
	}
	require.NoError(t, s.CreateRawEvent(ctx, &failed))
	require.NotZero(t, failed.ID)

	retried := incident.RawEvent{
		SourceID:          src.ID,
		ExtractionSuccess: true,
		NeedsEnrichment:   true,
		Fields:            incident.EventFields{City: "Niterói"},
	}
	require.NoError(t, s.CreateRawEvent(ctx, &retried))
	assert.Equal(t, failed.ID, retried.ID, "a retry keeps the row's identity")

	got, err := s.GetRawEvent(ctx, failed.ID)
	require.NoError(t, err)
	assert.True(t, got.ExtractionSuccess, "the retry's fields must replace the failure")
	assert.Empty(t, got.ExtractionError)
	assert.Equal(t, "Niterói", got.Fields.City)
	assert.True(t, got.NeedsEnrichment)
}

func TestCreateRawEventOverwriteKeepsIncidentLink(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	src := incident.Source{FeedID: "feed-1"}
	require.NoError(t, s.CreateSource(ctx, &src))

	raw := incident.RawEvent{SourceID: src.ID, ExtractionSuccess: true}
	require.NoError(t, s.CreateRawEvent(ctx, &raw))
	ue := incident.UniqueEvent{SourceCount: 1}
	ueID, err := s.CreateUniqueEventFrom(ctx, &raw, &ue)
	require.NoError(t, err)

	again := incident.RawEvent{SourceID: src.ID, ExtractionSuccess: true}
	require.NoError(t, s.CreateRawEvent(ctx, &again))

	got, err := s.GetRawEvent(ctx, raw.ID)
	require.NoError(t, err)
	require.NotNil(t, got.UniqueEventID)
	assert.Equal(t, ueID, *got.UniqueEventID, "re-extraction must not sever the link")
}

func TestRawEventsNeedingEnrichment(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	mk := func(feedID string, ev incident.RawEvent) incident.RawEvent {
		src := incident.Source{FeedID: feedID}
		require.NoError(t, s.CreateSource(ctx, &src))
		ev.SourceID = src.ID
		require.NoError(t, s.CreateRawEvent(ctx, &ev))
		return ev
	}

	flagged := mk("a", incident.RawEvent{ExtractionSuccess: true, NeedsEnrichment: true})
	mk("b", incident.RawEvent{ExtractionSuccess: false, NeedsEnrichment: true})
	mk("c", incident.RawEvent{ExtractionSuccess: true, NeedsEnrichment: false})

	// Linked but flagged again: the sweep must still see it.
	linked := mk("d", incident.RawEvent{ExtractionSuccess: true, NeedsEnrichment: true})
	ue := incident.UniqueEvent{SourceCount: 1}
	ueID, err := s.CreateUniqueEventFrom(ctx, &linked, &ue)
	require.NoError(t, err)
	require.NoError(t, s.MarkEnrichmentRetry(ctx, linked.ID, ueID))

	pending, err := s.RawEventsNeedingEnrichment(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, flagged.ID, pending[0].ID)
	assert.Equal(t, linked.ID, pending[1].ID)
}

func TestMarkEnrichmentRetryFlagsBothRows(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	src := incident.Source{FeedID: "a"}
	require.NoError(t, s.CreateSource(ctx, &src))
	raw := incident.RawEvent{SourceID: src.ID, ExtractionSuccess: true, NeedsEnrichment: true}
	require.NoError(t, s.CreateRawEvent(ctx, &raw))
	ue := incident.UniqueEvent{SourceCount: 1}
	ueID, err := s.CreateUniqueEventFrom(ctx, &raw, &ue)
	require.NoError(t, err)

	require.NoError(t, s.MarkEnrichmentRetry(ctx, raw.ID, ueID))

	gotRaw, err := s.GetRawEvent(ctx, raw.ID)
	require.NoError(t, err)
	assert.True(t, gotRaw.NeedsEnrichment)
	gotUE, err := s.GetUniqueEvent(ctx, ueID)
	require.NoError(t, err)
	assert.True(t, gotUE.NeedsEnrichment)

	require.NoError(t, s.ClearRawEventEnrichment(ctx, raw.ID))
	gotRaw, err = s.GetRawEvent(ctx, raw.ID)
	require.NoError(t, err)
	assert.False(t, gotRaw.NeedsEnrichment)
}

func TestCandidateUniqueEventsWindow(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	mk := func(feedID string, day int) {
		src := incident.Source{FeedID: feedID}
		require.NoError(t, s.CreateSource(ctx, &src))
		raw := incident.RawEvent{SourceID: src.ID, ExtractionSuccess: true}
		require.NoError(t, s.CreateRawEvent(ctx, &raw))
		d := time.Date(2025, 6, day, 0, 0, 0, 0, time.UTC)
		ue := incident.UniqueEvent{Fields: incident.EventFields{EventDate: &d}}
		_, err := s.CreateUniqueEventFrom(ctx, &raw, &ue)
		require.NoError(t, err)
	}
	mk("a", 1)
	mk("b", 2)
	mk("c", 10)

	got, err := s.CandidateUniqueEvents(ctx,
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), 24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMergeRawEventIntoLinksAndClears(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	srcA := incident.Source{FeedID: "a"}
	require.NoError(t, s.CreateSource(ctx, &srcA))
	rawA := incident.RawEvent{SourceID: srcA.ID, ExtractionSuccess: true, NeedsEnrichment: true}
	require.NoError(t, s.CreateRawEvent(ctx, &rawA))

	ue := incident.UniqueEvent{SourceCount: 1}
	ueID, err := s.CreateUniqueEventFrom(ctx, &rawA, &ue)
	require.NoError(t, err)
	require.NotNil(t, rawA.UniqueEventID)

	srcB := incident.Source{FeedID: "b"}
	require.NoError(t, s.CreateSource(ctx, &srcB))
	rawB := incident.RawEvent{SourceID: srcB.ID, ExtractionSuccess: true, NeedsEnrichment: true}
	require.NoError(t, s.CreateRawEvent(ctx, &rawB))

	merged := ue
	merged.SourceCount = 2
	require.NoError(t, s.MergeRawEventInto(ctx, &rawB, merged))

	got, err := s.GetUniqueEvent(ctx, ueID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SourceCount)

	linked, err := s.GetRawEvent(ctx, rawB.ID)
	require.NoError(t, err)
	require.NotNil(t, linked.UniqueEventID)
	assert.Equal(t, ueID, *linked.UniqueEventID)
	assert.False(t, linked.NeedsEnrichment)
}

func TestWithRegionStatsLazyCreateAndReset(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	stats, err := s.WithRegionStats(ctx, "Niterói RJ", func(st *incident.RegionStats) error {
		st.NeedsSharding = true
		st.HitLimitCount++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, stats.NeedsSharding)
	assert.Equal(t, 1, stats.HitLimitCount)

	all, err := s.ListRegionStats(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.ResetRegionSharding(ctx, "Niterói RJ"))
	all, err = s.ListRegionStats(ctx)
	require.NoError(t, err)
	assert.False(t, all[0].NeedsSharding)

	assert.ErrorIs(t, s.ResetRegionSharding(ctx, "nowhere"), incident.ErrNotFound)
}

func TestGeocodeCacheExactKey(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	res := incident.GeocodeResult{Latitude: -22.9, Longitude: -43.2, Provider: "test"}
	require.NoError(t, s.SaveGeocode(ctx, "copacabana, rio de janeiro", res))

	got, ok, err := s.CachedGeocode(ctx, "copacabana, rio de janeiro")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res, got)

	// Key normalization is the enrichment engine's job, not the store's.
	_, ok, err = s.CachedGeocode(ctx, "Copacabana, Rio de Janeiro")
	require.NoError(t, err)
	assert.False(t, ok)
}
