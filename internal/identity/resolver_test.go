package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaduty/duty-engine/internal/model"
	"github.com/pharmaduty/duty-engine/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedRegion(t *testing.T, st *store.SQLiteStore) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertRegion(ctx, model.Region{
		ID: "reg-ist", ProvinceSlug: "istanbul", Name: "İstanbul", ExpectedUnitCount: 39,
	}))
	return "reg-ist"
}

type recordingReporter struct {
	calls int
	last  []string
}

func (r *recordingReporter) ReportAmbiguity(_ context.Context, _, _ string, candidateIDs []string) {
	r.calls++
	r.last = candidateIDs
}

func raw(name, district string) model.RawExtractedRecord {
	return model.RawExtractedRecord{
		Name:      name,
		District:  district,
		Phone:     "0212 555 0001",
		FetchedAt: time.Now().UTC(),
	}
}

func TestResolve_CreatesOnFirstSighting(t *testing.T) {
	st := newTestStore(t)
	regionID := seedRegion(t, st)
	r := NewResolver(st, nil)

	p, created, err := r.Resolve(context.Background(), regionID, raw("Şifa Eczanesi", "Kadıköy"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "SIFA", p.NormalizedName)
	assert.Equal(t, "KADIKOY", p.District)
	assert.Equal(t, "Şifa Eczanesi", p.CanonicalName)
}

func TestResolve_Idempotent(t *testing.T) {
	st := newTestStore(t)
	regionID := seedRegion(t, st)
	r := NewResolver(st, nil)
	ctx := context.Background()

	first, created, err := r.Resolve(ctx, regionID, raw("Şifa Eczanesi", "Kadıköy"))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := r.Resolve(ctx, regionID, raw("Şifa Eczanesi", "Kadıköy"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestResolve_MatchesAcrossSpellingVariants(t *testing.T) {
	st := newTestStore(t)
	regionID := seedRegion(t, st)
	r := NewResolver(st, nil)
	ctx := context.Background()

	first, _, err := r.Resolve(ctx, regionID, raw("Şifa Eczanesi", "Kadıköy"))
	require.NoError(t, err)

	// Diacritic-free rendering from a different source is the same claim.
	second, created, err := r.Resolve(ctx, regionID, raw("SIFA ECZANESI", "KADIKOY"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestResolve_FuzzyMatchWithinDistrict(t *testing.T) {
	st := newTestStore(t)
	regionID := seedRegion(t, st)
	r := NewResolver(st, nil)
	ctx := context.Background()

	first, _, err := r.Resolve(ctx, regionID, raw("Lokman Hekim Eczanesi", "Kadıköy"))
	require.NoError(t, err)

	// One-character typo still resolves to the same pharmacy.
	second, created, err := r.Resolve(ctx, regionID, raw("Lokman Hekin Eczanesi", "Kadıköy"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestResolve_NoCrossDistrictFuzzyMatch(t *testing.T) {
	st := newTestStore(t)
	regionID := seedRegion(t, st)
	r := NewResolver(st, nil)
	ctx := context.Background()

	first, _, err := r.Resolve(ctx, regionID, raw("Lokman Hekim Eczanesi", "Kadıköy"))
	require.NoError(t, err)

	second, created, err := r.Resolve(ctx, regionID, raw("Lokman Hekims Eczanesi", "Beşiktaş"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestResolve_AmbiguityCreatesNewAndReports(t *testing.T) {
	st := newTestStore(t)
	regionID := seedRegion(t, st)
	rep := &recordingReporter{}
	r := NewResolver(st, rep)
	ctx := context.Background()

	// Two existing pharmacies equally one edit away from the new
	// sighting, seeded directly so the second does not fuzzy-match the
	// first during setup.
	now := time.Now().UTC()
	for _, norm := range []string{"ALTUNIZADE", "ALTUNIZADS"} {
		require.NoError(t, st.CreatePharmacy(ctx, model.Pharmacy{
			ID:             "ph-" + norm,
			RegionID:       regionID,
			District:       "USKUDAR",
			CanonicalName:  norm,
			NormalizedName: norm,
			CreatedAt:      now,
			UpdatedAt:      now,
		}))
	}
	p, created, err := r.Resolve(ctx, regionID, raw("Altunizadx Eczanesi", "Üsküdar"))
	require.NoError(t, err)
	assert.True(t, created, "ambiguous match must create a new identity, not guess")
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, 1, rep.calls)
	assert.Len(t, rep.last, 2)
}

func TestResolve_MissingName(t *testing.T) {
	st := newTestStore(t)
	regionID := seedRegion(t, st)
	r := NewResolver(st, nil)

	_, _, err := r.Resolve(context.Background(), regionID, raw("   ", "Kadıköy"))
	require.ErrorIs(t, err, ErrMissingName)
}
