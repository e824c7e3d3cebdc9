// Package accuracy computes read-time district coverage per province.
// Coverage is a breadth metric (how many districts have any duty
// record today) and is deliberately separate from the per-record
// confidence score, which measures source agreement.
package accuracy

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"github.com/pharmaduty/duty-engine/internal/model"
	"github.com/pharmaduty/duty-engine/internal/store"
)

// ErrUnknownRegion is returned for coverage queries against provinces
// that are not configured.
var ErrUnknownRegion = eris.New("unknown region")

// Aggregator derives coverage stats from duty records.
type Aggregator struct {
	st store.Store
}

// New creates an Aggregator over st.
func New(st store.Store) *Aggregator {
	return &Aggregator{st: st}
}

// Coverage reports district coverage for a province on a duty date.
// Expected is the number of configured district rows, falling back to
// the province's expected_unit_count when no districts are seeded yet.
func (a *Aggregator) Coverage(ctx context.Context, provinceSlug, dutyDate string) (*model.AccuracyStat, error) {
	province, err := a.st.GetRegionBySlug(ctx, provinceSlug)
	if err != nil {
		return nil, err
	}
	if province == nil {
		return nil, eris.Wrapf(ErrUnknownRegion, "accuracy: province %s", provinceSlug)
	}

	districts, err := a.st.ListDistricts(ctx, provinceSlug)
	if err != nil {
		return nil, err
	}
	expected := len(districts)
	if expected == 0 {
		expected = province.ExpectedUnitCount
	}

	actual, err := a.st.CountDutyDistricts(ctx, provinceSlug, dutyDate)
	if err != nil {
		return nil, err
	}

	lastUpdate, err := a.st.LastDutyUpdate(ctx, provinceSlug, dutyDate)
	if err != nil {
		return nil, err
	}

	return &model.AccuracyStat{
		RegionID:      province.ID,
		DutyDate:      dutyDate,
		ExpectedCount: expected,
		ActualCount:   actual,
		ConfidencePct: coveragePct(actual, expected),
		LastUpdate:    lastUpdate,
	}, nil
}

func coveragePct(actual, expected int) int {
	if expected <= 0 {
		return 0
	}
	pct := int(math.Round(float64(actual) / float64(expected) * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
