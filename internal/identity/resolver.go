package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pharmaduty/duty-engine/internal/model"
	"github.com/pharmaduty/duty-engine/internal/store"
)

// ErrMissingName is returned when a raw record carries no usable name.
var ErrMissingName = eris.New("identity: raw record has no name")

// AmbiguityReporter receives identity-ambiguity notifications. Wired to
// the alert manager; nil disables reporting.
type AmbiguityReporter interface {
	ReportAmbiguity(ctx context.Context, regionID, rawName string, candidateIDs []string)
}

// Resolver maps raw extracted records to canonical pharmacies within a
// region. Matching never crosses region boundaries, and fuzzy matching
// is further restricted to the sighting's district.
type Resolver struct {
	store   store.Store
	reports AmbiguityReporter
	log     *zap.Logger
}

// NewResolver creates a Resolver. reporter may be nil.
func NewResolver(st store.Store, reporter AmbiguityReporter) *Resolver {
	return &Resolver{
		store:   st,
		reports: reporter,
		log:     zap.L().With(zap.String("component", "identity")),
	}
}

// maxEditDistance bounds the fuzzy pass relative to the normalized name
// length. Short names get almost no slack: "ADA" and "ODA" are
// different pharmacies.
func maxEditDistance(normalized string) int {
	switch n := len([]rune(normalized)); {
	case n <= 4:
		return 0
	case n <= 10:
		return 1
	default:
		return 2
	}
}

// Resolve returns the canonical pharmacy for a raw sighting, creating
// one when no safe match exists. It is idempotent: the same raw record
// resolves to the same pharmacy on every call.
func (r *Resolver) Resolve(ctx context.Context, regionID string, raw model.RawExtractedRecord) (*model.Pharmacy, bool, error) {
	normalized := NormalizeName(raw.Name)
	if normalized == "" {
		return nil, false, ErrMissingName
	}
	district := NormalizeName(raw.District)

	existing, err := r.store.ListPharmaciesByRegion(ctx, regionID)
	if err != nil {
		return nil, false, eris.Wrap(err, "identity: list pharmacies")
	}

	// Exact normalized-name match within the district scope.
	for i := range existing {
		if existing[i].NormalizedName != normalized {
			continue
		}
		if district != "" && existing[i].District != "" && existing[i].District != district {
			continue
		}
		return &existing[i], false, nil
	}

	// Bounded fuzzy pass, same district only.
	maxDist := maxEditDistance(normalized)
	if maxDist > 0 {
		best := maxDist + 1
		var candidates []*model.Pharmacy
		for i := range existing {
			if existing[i].District != district {
				continue
			}
			d := editDistance(normalized, existing[i].NormalizedName, maxDist)
			if d > maxDist {
				continue
			}
			switch {
			case d < best:
				best = d
				candidates = candidates[:0]
				candidates = append(candidates, &existing[i])
			case d == best:
				candidates = append(candidates, &existing[i])
			}
		}

		if len(candidates) == 1 {
			return candidates[0], false, nil
		}
		if len(candidates) > 1 {
			// Equally close candidates: creating a new identity is safer
			// than guessing and silently merging two pharmacies.
			ids := make([]string, len(candidates))
			for i, c := range candidates {
				ids[i] = c.ID
			}
			r.log.Warn("ambiguous identity match, creating new pharmacy",
				zap.String("region_id", regionID),
				zap.String("raw_name", raw.Name),
				zap.Strings("candidates", ids),
			)
			if r.reports != nil {
				r.reports.ReportAmbiguity(ctx, regionID, raw.Name, ids)
			}
		}
	}

	now := time.Now().UTC()
	p := model.Pharmacy{
		ID:             uuid.New().String(),
		RegionID:       regionID,
		District:       district,
		CanonicalName:  canonicalName(raw.Name),
		NormalizedName: normalized,
		Address:        raw.Address,
		Phone:          raw.Phone,
		Lat:            raw.Lat,
		Lng:            raw.Lng,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.CreatePharmacy(ctx, p); err != nil {
		return nil, false, eris.Wrap(err, "identity: create pharmacy")
	}
	r.log.Debug("created canonical pharmacy",
		zap.String("pharmacy_id", p.ID),
		zap.String("normalized_name", normalized),
	)
	return &p, true, nil
}
