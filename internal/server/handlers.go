package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pharmaduty/duty-engine/internal/accuracy"
	"github.com/pharmaduty/duty-engine/internal/model"
	"github.com/pharmaduty/duty-engine/internal/override"
	"github.com/pharmaduty/duty-engine/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// dutyEntry joins a duty record with its pharmacy identity for the
// public lookup.
type dutyEntry struct {
	Pharmacy string           `json:"pharmacy"`
	District string           `json:"district,omitempty"`
	Record   model.DutyRecord `json:"record"`
}

// degradedInfo explains why a region is serving stale data.
type degradedInfo struct {
	LastSuccessfulUpdate *time.Time            `json:"last_successful_update"`
	StaleMinutes         int                   `json:"stale_minutes"`
	RecentAlert          *model.IngestionAlert `json:"recent_alert,omitempty"`
	Hint                 string                `json:"hint,omitempty"`
}

type dutyResponse struct {
	Province     string        `json:"province"`
	Status       string        `json:"status"`
	DutyDate     string        `json:"duty_date"`
	LastUpdate   *time.Time    `json:"last_update"`
	DegradedInfo *degradedInfo `json:"degraded_info"`
	Entries      []dutyEntry   `json:"entries"`
}

// handleRegionDuty answers "which pharmacies are on duty" for a
// province. The degraded flag is computed live so a stale cache never
// hides an outage.
func (s *Server) handleRegionDuty(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := chi.URLParam(r, "slug")

	province, err := s.st.GetRegionBySlug(ctx, slug)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if province == nil {
		writeError(w, http.StatusNotFound, "unknown region "+slug)
		return
	}

	dutyDate := r.URL.Query().Get("date")
	if dutyDate == "" {
		dutyDate = s.windows.DutyDate(s.nowFunc())
	} else if _, err := time.Parse("2006-01-02", dutyDate); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	status, err := s.monitor.Check(ctx, *province)
	if err != nil {
		s.internalError(w, err)
		return
	}

	districtFilter := r.URL.Query().Get("district")
	regions, err := s.dutyRegions(ctx, *province, districtFilter)
	if err != nil {
		s.internalError(w, err)
		return
	}

	lastUpdate, err := s.st.LastDutyUpdate(ctx, province.ProvinceSlug, dutyDate)
	if err != nil {
		s.internalError(w, err)
		return
	}

	resp := dutyResponse{
		Province:   slug,
		Status:     "ok",
		DutyDate:   dutyDate,
		LastUpdate: lastUpdate,
		Entries:    []dutyEntry{},
	}
	if status.Degraded {
		resp.Status = "degraded"
		info := &degradedInfo{
			LastSuccessfulUpdate: status.LastPrimarySuccess,
			StaleMinutes:         status.StaleMinutes,
			Hint:                 strings.Join(status.Reasons, "; "),
		}
		if alert, err := s.st.LatestOpenAlertForRegion(ctx, province.ID); err != nil {
			s.internalError(w, err)
			return
		} else if alert != nil {
			info.RecentAlert = alert
		}
		resp.DegradedInfo = info
	}
	for _, region := range regions {
		pharmacies, err := s.st.ListPharmaciesByRegion(ctx, region.ID)
		if err != nil {
			s.internalError(w, err)
			return
		}
		names := make(map[string]model.Pharmacy, len(pharmacies))
		for _, p := range pharmacies {
			names[p.ID] = p
		}

		records, err := s.st.ListDutyRecordsByRegion(ctx, region.ID, dutyDate)
		if err != nil {
			s.internalError(w, err)
			return
		}
		for _, rec := range records {
			entry := dutyEntry{Record: rec, District: region.District}
			if p, ok := names[rec.PharmacyID]; ok {
				entry.Pharmacy = p.CanonicalName
			}
			resp.Entries = append(resp.Entries, entry)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// dutyRegions returns the province's district regions, optionally
// narrowed to one district. Sources occasionally attach to the
// province row itself, so it is always included.
func (s *Server) dutyRegions(ctx context.Context, province model.Region, district string) ([]model.Region, error) {
	districts, err := s.st.ListDistricts(ctx, province.ProvinceSlug)
	if err != nil {
		return nil, err
	}

	regions := make([]model.Region, 0, len(districts)+1)
	if district == "" {
		regions = append(regions, province)
	}
	for _, d := range districts {
		if district != "" && d.District != district {
			continue
		}
		regions = append(regions, d)
	}
	return regions, nil
}

func (s *Server) handleRegionCoverage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := chi.URLParam(r, "slug")

	dutyDate := r.URL.Query().Get("date")
	if dutyDate == "" {
		dutyDate = s.windows.DutyDate(s.nowFunc())
	}

	stat, err := s.acc.Coverage(ctx, slug, dutyDate)
	if err != nil {
		if errors.Is(err, accuracy.ErrUnknownRegion) {
			writeError(w, http.StatusNotFound, "unknown region "+slug)
			return
		}
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stat)
}

func (s *Server) handleRegionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := chi.URLParam(r, "slug")

	province, err := s.st.GetRegionBySlug(ctx, slug)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if province == nil {
		writeError(w, http.StatusNotFound, "unknown region "+slug)
		return
	}

	status, err := s.monitor.Check(ctx, *province)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type recoverResponse struct {
	Province  string `json:"province"`
	Requested int    `json:"requested"`
}

// handleRegionRecover queues an immediate re-ingestion of every
// enabled endpoint in the province, skipping the backoff schedule.
func (s *Server) handleRegionRecover(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := chi.URLParam(r, "slug")

	province, err := s.st.GetRegionBySlug(ctx, slug)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if province == nil {
		writeError(w, http.StatusNotFound, "unknown region "+slug)
		return
	}

	regions, err := s.dutyRegions(ctx, *province, "")
	if err != nil {
		s.internalError(w, err)
		return
	}

	requested := 0
	for _, region := range regions {
		endpoints, err := s.st.ListEnabledEndpoints(ctx, region.ID)
		if err != nil {
			s.internalError(w, err)
			return
		}
		for _, ep := range endpoints {
			if err := s.retries.RequestImmediate(ctx, region.ID, ep.ID); err != nil {
				s.internalError(w, err)
				return
			}
			requested++
		}
	}

	s.log.Info("recovery requested", zap.String("province", slug), zap.Int("endpoints", requested))
	writeJSON(w, http.StatusAccepted, recoverResponse{Province: slug, Requested: requested})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req override.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := s.overrides.Apply(r.Context(), req)
	if err != nil {
		if errors.Is(err, override.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	alerts, err := s.st.ListOpenAlerts(r.Context(), store.AlertFilter{
		RegionID: r.URL.Query().Get("region_id"),
		Limit:    limit,
	})
	if err != nil {
		s.internalError(w, err)
		return
	}
	if alerts == nil {
		alerts = []model.IngestionAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "total": len(alerts)})
}

type resolveAlertRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

type resolveAlertResponse struct {
	ID       string `json:"id"`
	Resolved bool   `json:"resolved"`
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ResolvedBy == "" {
		writeError(w, http.StatusBadRequest, "resolved_by is required")
		return
	}

	// resolving an already-resolved alert reports resolved: false
	resolved, err := s.alerts.Resolve(r.Context(), id, req.ResolvedBy)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveAlertResponse{ID: id, Resolved: resolved})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
