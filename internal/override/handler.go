// Package override applies admin corrections to duty records. An
// override is stored as manual evidence so the audit trail and the
// reconciliation path stay uniform with automated sources.
package override

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pharmaduty/duty-engine/internal/identity"
	"github.com/pharmaduty/duty-engine/internal/model"
	"github.com/pharmaduty/duty-engine/internal/reconcile"
	"github.com/pharmaduty/duty-engine/internal/store"
)

// ErrInvalidRequest flags caller mistakes, as opposed to store or
// reconcile failures.
var ErrInvalidRequest = eris.New("override: invalid request")

// Request is one admin correction. PharmacyID targets a known
// pharmacy directly; otherwise PharmacyName (with optional District)
// is resolved inside the region, creating the pharmacy when it is
// genuinely new.
type Request struct {
	RegionID     string `json:"region_id"`
	PharmacyID   string `json:"pharmacy_id,omitempty"`
	PharmacyName string `json:"pharmacy_name,omitempty"`
	District     string `json:"district,omitempty"`

	// DutyDate defaults to the current duty window when empty.
	DutyDate string `json:"duty_date,omitempty"`

	Address   string `json:"address,omitempty"`
	Phone     string `json:"phone,omitempty"`
	DutyHours string `json:"duty_hours,omitempty"`

	UpdatedBy string `json:"updated_by"`
}

func (r Request) validate() error {
	if strings.TrimSpace(r.UpdatedBy) == "" {
		return eris.Wrap(ErrInvalidRequest, "updated_by is required")
	}
	if r.RegionID == "" {
		return eris.Wrap(ErrInvalidRequest, "region_id is required")
	}
	if r.PharmacyID == "" && strings.TrimSpace(r.PharmacyName) == "" {
		return eris.Wrap(ErrInvalidRequest, "pharmacy_id or pharmacy_name is required")
	}
	if r.Address == "" && r.Phone == "" && r.DutyHours == "" {
		return eris.Wrap(ErrInvalidRequest, "at least one of address, phone, duty_hours is required")
	}
	if r.DutyDate != "" {
		if _, err := time.Parse("2006-01-02", r.DutyDate); err != nil {
			return eris.Wrap(ErrInvalidRequest, "duty_date must be YYYY-MM-DD")
		}
	}
	return nil
}

// DateResolver supplies the current duty date for requests that omit
// one.
type DateResolver interface {
	DutyDate(now time.Time) string
}

// Handler validates and applies overrides.
type Handler struct {
	st       store.Store
	resolver *identity.Resolver
	engine   *reconcile.Engine
	windows  DateResolver
	log      *zap.Logger

	nowFunc func() time.Time
}

// NewHandler wires a Handler.
func NewHandler(st store.Store, resolver *identity.Resolver, engine *reconcile.Engine, windows DateResolver) *Handler {
	return &Handler{
		st:       st,
		resolver: resolver,
		engine:   engine,
		windows:  windows,
		log:      zap.L().With(zap.String("component", "override")),
		nowFunc:  func() time.Time { return time.Now().UTC() },
	}
}

// Apply records the correction as manual evidence and reconciles the
// record. Repeating the same request replaces the previous manual
// evidence in place, so Apply is idempotent.
func (h *Handler) Apply(ctx context.Context, req Request) (*model.DutyRecord, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	region, err := h.st.GetRegion(ctx, req.RegionID)
	if err != nil {
		return nil, eris.Wrapf(err, "override: load region %s", req.RegionID)
	}
	if region == nil {
		return nil, eris.Wrapf(ErrInvalidRequest, "unknown region %s", req.RegionID)
	}

	pharmacy, err := h.targetPharmacy(ctx, req)
	if err != nil {
		return nil, err
	}

	now := h.nowFunc()
	dutyDate := req.DutyDate
	if dutyDate == "" {
		dutyDate = h.windows.DutyDate(now)
	}

	rec, err := h.st.EnsureDutyRecord(ctx, pharmacy.ID, dutyDate)
	if err != nil {
		return nil, eris.Wrap(err, "override: ensure duty record")
	}

	err = h.st.ReplaceDutyEvidence(ctx, model.DutyEvidence{
		DutyRecordID: rec.ID,
		SourceID:     model.ManualSourceID,
		Payload: map[string]any{
			"manual_override": true,
			"updated_by":      req.UpdatedBy,
			"name":            pharmacy.CanonicalName,
			"address":         req.Address,
			"phone":           req.Phone,
			"duty_hours":      req.DutyHours,
		},
		FetchedAt: now,
	})
	if err != nil {
		return nil, eris.Wrap(err, "override: store manual evidence")
	}

	updated, err := h.engine.Reconcile(ctx, req.RegionID, pharmacy.ID, dutyDate)
	if err != nil {
		return nil, err
	}

	h.log.Info("override applied",
		zap.String("region_id", req.RegionID),
		zap.String("pharmacy_id", pharmacy.ID),
		zap.String("duty_date", dutyDate),
		zap.String("updated_by", req.UpdatedBy),
	)
	return updated, nil
}

func (h *Handler) targetPharmacy(ctx context.Context, req Request) (*model.Pharmacy, error) {
	if req.PharmacyID != "" {
		p, err := h.st.GetPharmacy(ctx, req.PharmacyID)
		if err != nil {
			return nil, eris.Wrapf(err, "override: load pharmacy %s", req.PharmacyID)
		}
		if p == nil {
			return nil, eris.Wrapf(ErrInvalidRequest, "unknown pharmacy %s", req.PharmacyID)
		}
		if p.RegionID != req.RegionID {
			return nil, eris.Wrapf(ErrInvalidRequest, "pharmacy %s belongs to another region", req.PharmacyID)
		}
		return p, nil
	}

	p, created, err := h.resolver.Resolve(ctx, req.RegionID, model.RawExtractedRecord{
		Name:     req.PharmacyName,
		District: req.District,
		Address:  req.Address,
		Phone:    req.Phone,
	})
	if err != nil {
		return nil, eris.Wrap(err, "override: resolve pharmacy by name")
	}
	if created {
		h.log.Info("override created pharmacy",
			zap.String("pharmacy_id", p.ID),
			zap.String("name", p.CanonicalName),
		)
	}
	return p, nil
}
