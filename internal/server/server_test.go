package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaduty/duty-engine/internal/accuracy"
	"github.com/pharmaduty/duty-engine/internal/alerting"
	"github.com/pharmaduty/duty-engine/internal/dutywindow"
	"github.com/pharmaduty/duty-engine/internal/identity"
	"github.com/pharmaduty/duty-engine/internal/model"
	"github.com/pharmaduty/duty-engine/internal/override"
	"github.com/pharmaduty/duty-engine/internal/reconcile"
	"github.com/pharmaduty/duty-engine/internal/registry"
	"github.com/pharmaduty/duty-engine/internal/retryqueue"
	"github.com/pharmaduty/duty-engine/internal/staleness"
	"github.com/pharmaduty/duty-engine/internal/store"
)

type fixture struct {
	st       *store.SQLiteStore
	srv      *httptest.Server
	alerts   *alerting.Manager
	province model.Region
	district model.Region
	pharmacy model.Pharmacy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { st.Close() })

	f := &fixture{st: st}

	f.province = model.Region{
		ID:           uuid.New().String(),
		ProvinceSlug: "istanbul",
		Name:         "İstanbul",
	}
	require.NoError(t, st.UpsertRegion(ctx, f.province))

	f.district = model.Region{
		ID:           uuid.New().String(),
		ProvinceSlug: "istanbul",
		District:     "KADIKOY",
		Name:         "Kadıköy",
	}
	require.NoError(t, st.UpsertRegion(ctx, f.district))

	f.pharmacy = model.Pharmacy{
		ID:             uuid.New().String(),
		RegionID:       f.district.ID,
		District:       "KADIKOY",
		CanonicalName:  "Merkez Eczanesi",
		NormalizedName: identity.NormalizeName("Merkez Eczanesi"),
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.CreatePharmacy(ctx, f.pharmacy))

	windows, err := dutywindow.New("Europe/Istanbul")
	require.NoError(t, err)

	acc := accuracy.New(st)
	f.alerts = alerting.NewManager(st, nil)
	monitor := staleness.New(st, acc, f.alerts, windows, staleness.Config{})
	reg := registry.New(st)
	engine := reconcile.New(st, reg, monitor, reconcile.DefaultConfig())
	overrides := override.NewHandler(st, identity.NewResolver(st, f.alerts), engine, windows)
	retries := retryqueue.New(st, f.alerts, retryqueue.Config{})

	srv := New(st, overrides, f.alerts, monitor, acc, retries, windows)
	f.srv = httptest.NewServer(srv.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) post(t *testing.T, path string, body, out any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]string
	require.Equal(t, http.StatusOK, f.get(t, "/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRegionDuty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.st.EnsureDutyRecord(ctx, f.pharmacy.ID, "2026-02-14")
	require.NoError(t, err)
	rec.Address = "Moda Cad. 12"
	rec.Source = "İstanbul Eczacı Odası"
	rec.ConfidenceScore = 85
	rec.UpdatedAt = time.Now().UTC()
	require.NoError(t, f.st.UpdateDutyRecord(ctx, *rec))

	created, err := f.alerts.Raise(ctx, model.IngestionAlert{
		RegionID: f.province.ID,
		Type:     model.AlertRegionDegraded,
		Severity: model.SeverityCritical,
		Message:  "primary source has never succeeded",
	})
	require.NoError(t, err)
	require.True(t, created)

	var body dutyResponse
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/regions/istanbul/duty?date=2026-02-14", &body))
	assert.Equal(t, "istanbul", body.Province)
	assert.Equal(t, "2026-02-14", body.DutyDate)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "Merkez Eczanesi", body.Entries[0].Pharmacy)
	assert.Equal(t, "KADIKOY", body.Entries[0].District)
	assert.Equal(t, 85, body.Entries[0].Record.ConfidenceScore)
	require.NotNil(t, body.LastUpdate)

	// no primary source has ever succeeded for this province
	assert.Equal(t, "degraded", body.Status)
	require.NotNil(t, body.DegradedInfo)
	assert.Nil(t, body.DegradedInfo.LastSuccessfulUpdate)
	assert.Zero(t, body.DegradedInfo.StaleMinutes)
	assert.NotEmpty(t, body.DegradedInfo.Hint)
	require.NotNil(t, body.DegradedInfo.RecentAlert)
	assert.Equal(t, model.AlertRegionDegraded, body.DegradedInfo.RecentAlert.Type)
}

func TestRegionDutyHealthy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := model.Source{
		ID:              uuid.New().String(),
		RegionID:        f.province.ID,
		Name:            "İstanbul Eczacı Odası",
		Type:            model.SourceTypeChamber,
		AuthorityWeight: 90,
		Enabled:         true,
	}
	require.NoError(t, f.st.UpsertSource(ctx, src))
	ep := model.SourceEndpoint{
		ID:          uuid.New().String(),
		SourceID:    src.ID,
		EndpointURL: "https://oda.example.org/nobet.json",
		ParserKey:   "json_roster",
		IsPrimary:   true,
		Enabled:     true,
	}
	require.NoError(t, f.st.UpsertEndpoint(ctx, ep))

	started := time.Now().UTC().Add(-2 * time.Minute)
	run := model.IngestionRun{
		ID:         uuid.New().String(),
		EndpointID: ep.ID,
		RegionID:   f.province.ID,
		Status:     model.RunStatusFailed,
		StartedAt:  started,
	}
	require.NoError(t, f.st.InsertIngestionRun(ctx, run))
	finished := started.Add(30 * time.Second)
	run.Status = model.RunStatusSuccess
	run.RecordCount = 1
	run.FinishedAt = &finished
	require.NoError(t, f.st.CompleteIngestionRun(ctx, run))

	var body dutyResponse
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/regions/istanbul/duty?date=2026-02-14", &body))
	assert.Equal(t, "ok", body.Status)
	assert.Nil(t, body.DegradedInfo)
}

func TestRegionDutyDistrictFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.st.EnsureDutyRecord(ctx, f.pharmacy.ID, "2026-02-14")
	require.NoError(t, err)

	var body dutyResponse
	require.Equal(t, http.StatusOK,
		f.get(t, "/api/v1/regions/istanbul/duty?date=2026-02-14&district=USKUDAR", &body))
	assert.Empty(t, body.Entries)

	require.Equal(t, http.StatusOK,
		f.get(t, "/api/v1/regions/istanbul/duty?date=2026-02-14&district=KADIKOY", &body))
	assert.Len(t, body.Entries, 1)
}

func TestRegionDutyUnknownSlug(t *testing.T) {
	f := newFixture(t)
	var body errorResponse
	require.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/regions/nowhere/duty", &body))
	assert.Contains(t, body.Error, "nowhere")
}

func TestRegionDutyBadDate(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/regions/istanbul/duty?date=14.02.2026", nil))
}

func TestRegionCoverage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.st.EnsureDutyRecord(ctx, f.pharmacy.ID, "2026-02-14")
	require.NoError(t, err)

	var stat model.AccuracyStat
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/regions/istanbul/coverage?date=2026-02-14", &stat))
	assert.Equal(t, 1, stat.ExpectedCount)
	assert.Equal(t, 1, stat.ActualCount)
	assert.Equal(t, 100, stat.ConfidencePct)

	require.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/regions/nowhere/coverage", nil))
}

func TestRegionStatus(t *testing.T) {
	f := newFixture(t)
	var status staleness.Status
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/regions/istanbul/status", &status))
	assert.True(t, status.Degraded)
}

func TestRegionRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := model.Source{
		ID:              uuid.New().String(),
		RegionID:        f.district.ID,
		Name:            "İstanbul Eczacı Odası",
		Type:            model.SourceTypeChamber,
		AuthorityWeight: 90,
		Enabled:         true,
	}
	require.NoError(t, f.st.UpsertSource(ctx, src))
	ep := model.SourceEndpoint{
		ID:          uuid.New().String(),
		SourceID:    src.ID,
		EndpointURL: "https://oda.example.org/nobet.json",
		ParserKey:   "json_roster",
		IsPrimary:   true,
		Enabled:     true,
	}
	require.NoError(t, f.st.UpsertEndpoint(ctx, ep))

	var body recoverResponse
	require.Equal(t, http.StatusAccepted, f.post(t, "/api/v1/regions/istanbul/recover", struct{}{}, &body))
	assert.Equal(t, 1, body.Requested)

	due, err := f.st.DuePendingRetries(ctx, time.Now().UTC().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, ep.ID, due[0].EndpointID)

	require.Equal(t, http.StatusNotFound, f.post(t, "/api/v1/regions/nowhere/recover", struct{}{}, nil))
}

func TestOverrideEndpoint(t *testing.T) {
	f := newFixture(t)

	req := override.Request{
		RegionID:   f.district.ID,
		PharmacyID: f.pharmacy.ID,
		DutyDate:   "2026-02-14",
		Address:    "Moda Cad. 12",
		UpdatedBy:  "ops@example.org",
	}

	var rec model.DutyRecord
	require.Equal(t, http.StatusOK, f.post(t, "/api/v1/overrides", req, &rec))
	assert.Equal(t, model.ManualOverrideSource, rec.Source)
	assert.Equal(t, "Moda Cad. 12", rec.Address)

	req.UpdatedBy = ""
	var errBody errorResponse
	require.Equal(t, http.StatusBadRequest, f.post(t, "/api/v1/overrides", req, &errBody))
	assert.Contains(t, errBody.Error, "updated_by")
}

func TestAlertsListAndResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.alerts.Raise(ctx, model.IngestionAlert{
		RegionID: f.district.ID,
		Type:     model.AlertFetchFailure,
		Severity: model.SeverityWarning,
		Message:  "connection refused",
	})
	require.NoError(t, err)
	require.True(t, created)

	var list struct {
		Alerts []model.IngestionAlert `json:"alerts"`
		Total  int                    `json:"total"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/alerts?region_id="+f.district.ID, &list))
	require.Equal(t, 1, list.Total)
	alertID := list.Alerts[0].ID

	var resolved resolveAlertResponse
	require.Equal(t, http.StatusOK,
		f.post(t, "/api/v1/alerts/"+alertID+"/resolve", resolveAlertRequest{ResolvedBy: "ops"}, &resolved))
	assert.True(t, resolved.Resolved)

	// second resolve is a no-op
	require.Equal(t, http.StatusOK,
		f.post(t, "/api/v1/alerts/"+alertID+"/resolve", resolveAlertRequest{ResolvedBy: "ops"}, &resolved))
	assert.False(t, resolved.Resolved)

	require.Equal(t, http.StatusBadRequest,
		f.post(t, "/api/v1/alerts/"+alertID+"/resolve", resolveAlertRequest{}, nil))
}

func TestAlertsBadLimit(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/alerts?limit=zero", nil))
}
