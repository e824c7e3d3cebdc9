package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaduty/duty-engine/internal/model"
	"github.com/pharmaduty/duty-engine/internal/registry"
	"github.com/pharmaduty/duty-engine/internal/store"
)

type staticProbe struct{ degraded bool }

func (p staticProbe) IsDegraded(context.Context, string) (bool, error) {
	return p.degraded, nil
}

type fixture struct {
	st       *store.SQLiteStore
	reg      *registry.SourceRegistry
	region   model.Region
	pharmacy model.Pharmacy
	record   *model.DutyRecord
	now      time.Time
}

const dutyDate = "2026-02-14"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "reconcile.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		st:  st,
		reg: registry.New(st),
		now: time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC),
	}

	f.region = model.Region{
		ID:           uuid.New().String(),
		ProvinceSlug: "istanbul",
		District:     "KADIKOY",
		Name:         "Kadıköy",
	}
	require.NoError(t, st.UpsertRegion(ctx, f.region))

	f.pharmacy = model.Pharmacy{
		ID:             uuid.New().String(),
		RegionID:       f.region.ID,
		District:       "KADIKOY",
		CanonicalName:  "Merkez Eczanesi",
		NormalizedName: "MERKEZ",
		CreatedAt:      f.now,
		UpdatedAt:      f.now,
	}
	require.NoError(t, st.CreatePharmacy(ctx, f.pharmacy))

	f.record, err = st.EnsureDutyRecord(ctx, f.pharmacy.ID, dutyDate)
	require.NoError(t, err)
	return f
}

func (f *fixture) addSource(t *testing.T, name string, weight int, primary bool) model.Source {
	t.Helper()
	ctx := context.Background()
	src := model.Source{
		ID:              uuid.New().String(),
		RegionID:        f.region.ID,
		Name:            name,
		Type:            model.SourceTypeChamber,
		AuthorityWeight: weight,
		Enabled:         true,
	}
	require.NoError(t, f.st.UpsertSource(ctx, src))
	require.NoError(t, f.st.UpsertEndpoint(ctx, model.SourceEndpoint{
		ID:          uuid.New().String(),
		SourceID:    src.ID,
		EndpointURL: "https://" + src.ID + ".example.org/nobet.json",
		ParserKey:   "json_roster",
		IsPrimary:   primary,
		Enabled:     true,
	}))
	f.reg.Invalidate(f.region.ID)
	return src
}

func (f *fixture) addEvidence(t *testing.T, sourceID string, fetchedAt time.Time, payload map[string]any) {
	t.Helper()
	require.NoError(t, f.st.ReplaceDutyEvidence(context.Background(), model.DutyEvidence{
		DutyRecordID: f.record.ID,
		SourceID:     sourceID,
		Payload:      payload,
		FetchedAt:    fetchedAt,
	}))
}

func (f *fixture) engine(probe DegradedProbe) *Engine {
	e := New(f.st, f.reg, probe, DefaultConfig())
	e.nowFunc = func() time.Time { return f.now }
	return e
}

func claimPayload(phone string) map[string]any {
	return map[string]any{
		"name":       "Merkez Eczanesi",
		"district":   "Kadıköy",
		"address":    "Bahariye Cad. 12",
		"phone":      phone,
		"duty_hours": "08:00-08:00",
	}
}

func TestDisagreeingSourcesPickHeavier(t *testing.T) {
	f := newFixture(t)
	srcA := f.addSource(t, "İstanbul Eczacı Odası", 90, true)
	srcB := f.addSource(t, "Belediye Portalı", 80, false)

	f.addEvidence(t, srcA.ID, f.now.Add(-time.Hour), claimPayload("555-0001"))
	f.addEvidence(t, srcB.ID, f.now.Add(-time.Hour), claimPayload("555-0002"))

	rec, err := f.engine(nil).Reconcile(context.Background(), f.region.ID, f.pharmacy.ID, dutyDate)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, "555-0001", rec.Phone)
	assert.Equal(t, 53, rec.ConfidenceScore) // round(90/170*100)
	assert.Equal(t, 1, rec.VerificationSourceCount)
	assert.Equal(t, "İstanbul Eczacı Odası", rec.Source)
	assert.False(t, rec.IsDegraded)

	// contact details propagate to the canonical pharmacy
	p, err := f.st.GetPharmacy(context.Background(), f.pharmacy.ID)
	require.NoError(t, err)
	assert.Equal(t, "555-0001", p.Phone)
}

func TestAgreeingSourcesVerifyEachOther(t *testing.T) {
	f := newFixture(t)
	srcA := f.addSource(t, "İstanbul Eczacı Odası", 90, true)
	srcB := f.addSource(t, "Belediye Portalı", 80, false)

	f.addEvidence(t, srcA.ID, f.now.Add(-time.Hour), claimPayload("555-0001"))
	f.addEvidence(t, srcB.ID, f.now.Add(-2*time.Hour), claimPayload("555-0001"))

	rec, err := f.engine(nil).Reconcile(context.Background(), f.region.ID, f.pharmacy.ID, dutyDate)
	require.NoError(t, err)

	assert.Equal(t, 100, rec.ConfidenceScore)
	assert.Equal(t, 2, rec.VerificationSourceCount)
	assert.GreaterOrEqual(t, rec.ConfidenceScore, 0)
	assert.LessOrEqual(t, rec.ConfidenceScore, 100)
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	srcA := f.addSource(t, "İstanbul Eczacı Odası", 90, true)
	srcB := f.addSource(t, "Belediye Portalı", 80, false)

	f.addEvidence(t, srcA.ID, f.now.Add(-time.Hour), claimPayload("555-0001"))
	f.addEvidence(t, srcB.ID, f.now.Add(-time.Hour), claimPayload("555-0002"))

	e := f.engine(nil)
	ctx := context.Background()
	first, err := e.Reconcile(ctx, f.region.ID, f.pharmacy.ID, dutyDate)
	require.NoError(t, err)

	// same evidence replayed from the same source changes nothing
	f.addEvidence(t, srcA.ID, f.now.Add(-time.Hour), claimPayload("555-0001"))
	second, err := e.Reconcile(ctx, f.region.ID, f.pharmacy.ID, dutyDate)
	require.NoError(t, err)

	assert.Equal(t, first.ConfidenceScore, second.ConfidenceScore)
	assert.Equal(t, first.VerificationSourceCount, second.VerificationSourceCount)
	assert.Equal(t, first.Phone, second.Phone)
	assert.Equal(t, first.Source, second.Source)

	// still exactly one record row
	recs, err := f.st.ListDutyRecordsByRegion(ctx, f.region.ID, dutyDate)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestManualOverrideWinsRegardlessOfWeight(t *testing.T) {
	f := newFixture(t)
	srcA := f.addSource(t, "İstanbul Eczacı Odası", 90, true)

	f.addEvidence(t, srcA.ID, f.now.Add(-time.Hour), claimPayload("555-0001"))
	f.addEvidence(t, model.ManualSourceID, f.now.Add(-30*time.Minute), map[string]any{
		"manual_override": true,
		"updated_by":      "oncall",
		"phone":           "555-9999",
		"address":         "Moda Cad. 3",
		"duty_hours":      "08:00-08:00",
	})

	rec, err := f.engine(nil).Reconcile(context.Background(), f.region.ID, f.pharmacy.ID, dutyDate)
	require.NoError(t, err)

	assert.Equal(t, model.ManualOverrideSource, rec.Source)
	assert.Equal(t, 99, rec.ConfidenceScore)
	assert.Equal(t, 1, rec.VerificationSourceCount)
	assert.Equal(t, "555-9999", rec.Phone)
	assert.Equal(t, "Moda Cad. 3", rec.Address)

	// fresher automatic evidence does not displace the override
	f.addEvidence(t, srcA.ID, f.now, claimPayload("555-0001"))
	rec, err = f.engine(nil).Reconcile(context.Background(), f.region.ID, f.pharmacy.ID, dutyDate)
	require.NoError(t, err)
	assert.Equal(t, model.ManualOverrideSource, rec.Source)
	assert.Equal(t, 99, rec.ConfidenceScore)
}

func TestStaleEvidenceLeavesRecordUntouched(t *testing.T) {
	f := newFixture(t)
	srcA := f.addSource(t, "İstanbul Eczacı Odası", 90, true)

	e := f.engine(nil)
	ctx := context.Background()

	f.addEvidence(t, srcA.ID, f.now.Add(-time.Hour), claimPayload("555-0001"))
	rec, err := e.Reconcile(ctx, f.region.ID, f.pharmacy.ID, dutyDate)
	require.NoError(t, err)
	require.Equal(t, "555-0001", rec.Phone)

	// evidence ages past the freshness window: no regression to empty
	f.addEvidence(t, srcA.ID, f.now.Add(-13*time.Hour), claimPayload("555-0002"))
	rec, err = e.Reconcile(ctx, f.region.ID, f.pharmacy.ID, dutyDate)
	require.NoError(t, err)
	assert.Equal(t, "555-0001", rec.Phone)
	assert.Equal(t, 100, rec.ConfidenceScore)
}

func TestTieBreakByRecencyThenPrimary(t *testing.T) {
	f := newFixture(t)
	srcA := f.addSource(t, "İstanbul Eczacı Odası", 80, true)
	srcB := f.addSource(t, "Belediye Portalı", 80, false)

	// equal weights: fresher claim wins
	f.addEvidence(t, srcA.ID, f.now.Add(-2*time.Hour), claimPayload("555-0001"))
	f.addEvidence(t, srcB.ID, f.now.Add(-time.Hour), claimPayload("555-0002"))

	rec, err := f.engine(nil).Reconcile(context.Background(), f.region.ID, f.pharmacy.ID, dutyDate)
	require.NoError(t, err)
	assert.Equal(t, "555-0002", rec.Phone)
	assert.Equal(t, 50, rec.ConfidenceScore)

	// equal weight and recency: the primary endpoint's source wins
	f.addEvidence(t, srcA.ID, f.now.Add(-time.Hour), claimPayload("555-0001"))
	rec, err = f.engine(nil).Reconcile(context.Background(), f.region.ID, f.pharmacy.ID, dutyDate)
	require.NoError(t, err)
	assert.Equal(t, "555-0001", rec.Phone)
}

func TestDegradedFlagMirrorsRegionState(t *testing.T) {
	f := newFixture(t)
	srcA := f.addSource(t, "İstanbul Eczacı Odası", 90, true)
	f.addEvidence(t, srcA.ID, f.now.Add(-time.Hour), claimPayload("555-0001"))

	ctx := context.Background()
	rec, err := f.engine(staticProbe{degraded: true}).Reconcile(ctx, f.region.ID, f.pharmacy.ID, dutyDate)
	require.NoError(t, err)
	assert.True(t, rec.IsDegraded)

	// the flag clears on the next reconciliation once the region recovers
	rec, err = f.engine(staticProbe{degraded: false}).Reconcile(ctx, f.region.ID, f.pharmacy.ID, dutyDate)
	require.NoError(t, err)
	assert.False(t, rec.IsDegraded)
}

func TestReconcileMissingRecord(t *testing.T) {
	f := newFixture(t)
	rec, err := f.engine(nil).Reconcile(context.Background(), f.region.ID, "no-such-pharmacy", dutyDate)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestKeyedMutexSerializes(t *testing.T) {
	km := newKeyedMutex()

	unlock := km.lock("p1")
	acquired := make(chan struct{})
	go func() {
		u := km.lock("p1")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
}
