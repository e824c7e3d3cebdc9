package staleness

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaduty/duty-engine/internal/accuracy"
	"github.com/pharmaduty/duty-engine/internal/alerting"
	"github.com/pharmaduty/duty-engine/internal/dutywindow"
	"github.com/pharmaduty/duty-engine/internal/model"
	"github.com/pharmaduty/duty-engine/internal/store"
)

type fixture struct {
	st       *store.SQLiteStore
	province model.Region
	endpoint model.SourceEndpoint
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "staleness.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		st: st,
		// 10:00 Istanbul wall clock, well inside the duty day
		now: time.Date(2026, 2, 14, 7, 0, 0, 0, time.UTC),
	}

	f.province = model.Region{
		ID:                uuid.New().String(),
		ProvinceSlug:      "istanbul",
		Name:              "İstanbul",
		ExpectedUnitCount: 2,
	}
	require.NoError(t, st.UpsertRegion(ctx, f.province))

	src := model.Source{
		ID:              uuid.New().String(),
		RegionID:        f.province.ID,
		Name:            "İstanbul Eczacı Odası",
		Type:            model.SourceTypeChamber,
		AuthorityWeight: 90,
		Enabled:         true,
	}
	require.NoError(t, st.UpsertSource(ctx, src))

	f.endpoint = model.SourceEndpoint{
		ID:          uuid.New().String(),
		SourceID:    src.ID,
		EndpointURL: "https://eo.example.org/nobet.json",
		ParserKey:   "json_roster",
		IsPrimary:   true,
		Enabled:     true,
	}
	require.NoError(t, st.UpsertEndpoint(ctx, f.endpoint))
	return f
}

func (f *fixture) recordRun(t *testing.T, status model.RunStatus, finishedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	run := model.IngestionRun{
		ID:         uuid.New().String(),
		EndpointID: f.endpoint.ID,
		RegionID:   f.province.ID,
		Status:     model.RunStatusFailed,
		StartedAt:  finishedAt.Add(-time.Minute),
	}
	require.NoError(t, f.st.InsertIngestionRun(ctx, run))
	run.Status = status
	run.FinishedAt = &finishedAt
	require.NoError(t, f.st.CompleteIngestionRun(ctx, run))
}

func (f *fixture) monitor(t *testing.T, alerts *alerting.Manager, floorPct int) *Monitor {
	t.Helper()
	m := New(f.st, accuracy.New(f.st), alerts, dutywindow.MustNew(dutywindow.DefaultTimezone),
		Config{Window: 90 * time.Minute, CoverageFloorPct: floorPct})
	m.nowFunc = func() time.Time { return f.now }
	return m
}

func TestDegradedWhenPrimaryNeverSucceeded(t *testing.T) {
	f := newFixture(t)
	status, err := f.monitor(t, nil, 0).Check(context.Background(), f.province)
	require.NoError(t, err)
	assert.True(t, status.Degraded)
	assert.Nil(t, status.LastPrimarySuccess)
}

func TestDegradedFlipsWithPrimaryRecency(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, nil, 0)
	ctx := context.Background()

	f.recordRun(t, model.RunStatusSuccess, f.now.Add(-2*time.Hour))
	status, err := m.Check(ctx, f.province)
	require.NoError(t, err)
	assert.True(t, status.Degraded)
	assert.Equal(t, 120, status.StaleMinutes)

	// one fresh success flips the region back without manual action
	f.recordRun(t, model.RunStatusSuccess, f.now.Add(-10*time.Minute))
	status, err = m.Check(ctx, f.province)
	require.NoError(t, err)
	assert.False(t, status.Degraded)
	assert.Equal(t, 10, status.StaleMinutes)

	degraded, err := m.IsDegraded(ctx, f.province.ID)
	require.NoError(t, err)
	assert.False(t, degraded)
}

func TestFailedRunsDoNotRefreshWindow(t *testing.T) {
	f := newFixture(t)
	f.recordRun(t, model.RunStatusSuccess, f.now.Add(-3*time.Hour))
	f.recordRun(t, model.RunStatusFailed, f.now.Add(-5*time.Minute))

	status, err := f.monitor(t, nil, 0).Check(context.Background(), f.province)
	require.NoError(t, err)
	assert.True(t, status.Degraded)
}

func TestCoverageFloorDegrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// two districts configured, duty records in only one
	districtIDs := make([]string, 2)
	for i := range districtIDs {
		districtIDs[i] = uuid.New().String()
		require.NoError(t, f.st.UpsertRegion(ctx, model.Region{
			ID:           districtIDs[i],
			ProvinceSlug: "istanbul",
			District:     fmt.Sprintf("DISTRICT%d", i),
			Name:         fmt.Sprintf("District %d", i),
		}))
	}
	p := model.Pharmacy{
		ID:             uuid.New().String(),
		RegionID:       districtIDs[0],
		District:       "DISTRICT0",
		CanonicalName:  "Merkez Eczanesi",
		NormalizedName: "MERKEZ",
		CreatedAt:      f.now,
		UpdatedAt:      f.now,
	}
	require.NoError(t, f.st.CreatePharmacy(ctx, p))
	win := dutywindow.MustNew(dutywindow.DefaultTimezone).Resolve(f.now)
	_, err := f.st.EnsureDutyRecord(ctx, p.ID, win.DutyDate)
	require.NoError(t, err)

	f.recordRun(t, model.RunStatusSuccess, f.now.Add(-10*time.Minute))

	// 50% coverage is below a 60% floor
	status, err := f.monitor(t, nil, 60).Check(ctx, f.province)
	require.NoError(t, err)
	assert.True(t, status.Degraded)
	assert.Equal(t, 50, status.CoveragePct)

	// and healthy with a 40% floor
	status, err = f.monitor(t, nil, 40).Check(ctx, f.province)
	require.NoError(t, err)
	assert.False(t, status.Degraded)
}

func TestSweepRaisesAndAutoResolves(t *testing.T) {
	f := newFixture(t)
	alerts := alerting.NewManager(f.st, nil)
	m := f.monitor(t, alerts, 0)
	ctx := context.Background()

	require.NoError(t, m.Sweep(ctx))
	open, err := alerts.Open(ctx, f.province.ID, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.AlertRegionDegraded, open[0].Type)
	assert.Equal(t, model.SeverityCritical, open[0].Severity)

	// a second sweep while still degraded does not duplicate
	require.NoError(t, m.Sweep(ctx))
	open, err = alerts.Open(ctx, f.province.ID, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// recovery resolves the alert automatically
	f.recordRun(t, model.RunStatusSuccess, f.now.Add(-5*time.Minute))
	require.NoError(t, m.Sweep(ctx))
	open, err = alerts.Open(ctx, f.province.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, open)
}
