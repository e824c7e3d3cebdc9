// Package staleness watches region freshness. A region is degraded
// when its primary source has not succeeded within the rolling window,
// or when district coverage falls below the configured floor. The
// degraded state is recomputed, never latched: one fresh successful
// primary run flips the region back to healthy.
package staleness

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pharmaduty/duty-engine/internal/accuracy"
	"github.com/pharmaduty/duty-engine/internal/alerting"
	"github.com/pharmaduty/duty-engine/internal/dutywindow"
	"github.com/pharmaduty/duty-engine/internal/model"
	"github.com/pharmaduty/duty-engine/internal/store"
)

// Config tunes degraded detection.
type Config struct {
	// Window is the rolling interval within which the primary source
	// must have succeeded.
	Window time.Duration

	// CoverageFloorPct degrades the region when district coverage
	// drops below it. Zero disables the coverage check.
	CoverageFloorPct int
}

// DefaultConfig returns the production staleness settings.
func DefaultConfig() Config {
	return Config{Window: 90 * time.Minute, CoverageFloorPct: 50}
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 90 * time.Minute
	}
	return c
}

// Status is the computed freshness of one region.
type Status struct {
	RegionID           string     `json:"region_id"`
	Degraded           bool       `json:"degraded"`
	Reasons            []string   `json:"reasons,omitempty"`
	LastPrimarySuccess *time.Time `json:"last_primary_success,omitempty"`
	StaleMinutes       int        `json:"stale_minutes"`
	CoveragePct        int        `json:"coverage_pct"`
}

// Monitor computes region staleness and keeps degraded alerts in sync.
type Monitor struct {
	st      store.Store
	acc     *accuracy.Aggregator
	alerts  *alerting.Manager
	windows *dutywindow.Resolver
	cfg     Config
	log     *zap.Logger

	nowFunc func() time.Time
}

// New creates a Monitor. alerts may be nil when only probing is needed.
func New(st store.Store, acc *accuracy.Aggregator, alerts *alerting.Manager, windows *dutywindow.Resolver, cfg Config) *Monitor {
	return &Monitor{
		st:      st,
		acc:     acc,
		alerts:  alerts,
		windows: windows,
		cfg:     cfg.withDefaults(),
		log:     zap.L().With(zap.String("component", "staleness")),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Check computes the current freshness status of one province.
func (m *Monitor) Check(ctx context.Context, province model.Region) (*Status, error) {
	now := m.nowFunc()
	status := &Status{RegionID: province.ID}

	lastPrimary, err := m.st.LastSuccessfulPrimaryRun(ctx, province.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "staleness: last primary run for %s", province.ProvinceSlug)
	}
	status.LastPrimarySuccess = lastPrimary
	if lastPrimary == nil {
		status.Reasons = append(status.Reasons, "primary source has never succeeded")
	} else {
		status.StaleMinutes = int(now.Sub(*lastPrimary).Minutes())
		if now.Sub(*lastPrimary) > m.cfg.Window {
			status.Reasons = append(status.Reasons, "primary source stale since "+lastPrimary.Format(time.RFC3339))
		}
	}

	if m.cfg.CoverageFloorPct > 0 {
		dutyDate := m.windows.Resolve(now).DutyDate
		stat, err := m.acc.Coverage(ctx, province.ProvinceSlug, dutyDate)
		if err != nil {
			return nil, err
		}
		status.CoveragePct = stat.ConfidencePct
		if stat.ExpectedCount > 0 && stat.ConfidencePct < m.cfg.CoverageFloorPct {
			status.Reasons = append(status.Reasons, "district coverage below floor")
		}
	}

	status.Degraded = len(status.Reasons) > 0
	return status, nil
}

// IsDegraded is the reconciliation engine's probe. Unknown regions are
// reported healthy; they cannot serve stale data they never had.
func (m *Monitor) IsDegraded(ctx context.Context, regionID string) (bool, error) {
	region, err := m.st.GetRegion(ctx, regionID)
	if err != nil {
		return false, err
	}
	if region == nil {
		return false, nil
	}
	status, err := m.Check(ctx, *region)
	if err != nil {
		return false, err
	}
	return status.Degraded, nil
}

// Sweep checks every province, raising a degraded alert for newly
// stale regions and auto-resolving the alert once a region recovers.
func (m *Monitor) Sweep(ctx context.Context) error {
	provinces, err := m.st.ListProvinces(ctx)
	if err != nil {
		return eris.Wrap(err, "staleness: list provinces")
	}

	for _, province := range provinces {
		status, err := m.Check(ctx, province)
		if err != nil {
			m.log.Error("staleness check failed",
				zap.String("province", province.ProvinceSlug),
				zap.Error(err),
			)
			continue
		}
		if err := m.syncAlert(ctx, province, status); err != nil {
			m.log.Error("degraded alert sync failed",
				zap.String("province", province.ProvinceSlug),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (m *Monitor) syncAlert(ctx context.Context, province model.Region, status *Status) error {
	if m.alerts == nil {
		return nil
	}

	if status.Degraded {
		_, err := m.alerts.Raise(ctx, model.IngestionAlert{
			RegionID: province.ID,
			Type:     model.AlertRegionDegraded,
			Severity: model.SeverityCritical,
			Message:  province.Name + " degraded: " + strings.Join(status.Reasons, "; "),
			Payload: map[string]any{
				"province":     province.ProvinceSlug,
				"coverage_pct": status.CoveragePct,
				"reasons":      status.Reasons,
			},
		})
		return err
	}

	// recovered: close any open degraded alert
	open, err := m.alerts.Open(ctx, province.ID, 0)
	if err != nil {
		return err
	}
	for _, alert := range open {
		if alert.Type != model.AlertRegionDegraded {
			continue
		}
		if _, err := m.alerts.Resolve(ctx, alert.ID, "auto-recovery"); err != nil {
			return err
		}
		m.log.Info("region recovered",
			zap.String("province", province.ProvinceSlug),
			zap.String("alert_id", alert.ID),
		)
	}
	return nil
}
