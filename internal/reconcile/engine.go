// Package reconcile merges per-source duty evidence into one canonical
// duty record per pharmacy per duty date, with trust-weighted
// confidence scoring.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pharmaduty/duty-engine/internal/identity"
	"github.com/pharmaduty/duty-engine/internal/model"
	"github.com/pharmaduty/duty-engine/internal/registry"
	"github.com/pharmaduty/duty-engine/internal/store"
)

// DegradedProbe reports whether a region is currently serving stale
// data. The staleness monitor implements it.
type DegradedProbe interface {
	IsDegraded(ctx context.Context, regionID string) (bool, error)
}

// Config tunes the reconciliation engine.
type Config struct {
	// EvidenceFreshness excludes evidence fetched longer ago than this
	// from scoring. Manual overrides are exempt.
	EvidenceFreshness time.Duration

	// OverrideCeiling is the confidence stamped on manual overrides.
	OverrideCeiling int

	// Now overrides the engine clock. Leave nil outside tests.
	Now func() time.Time
}

// DefaultConfig returns the production reconciliation settings.
func DefaultConfig() Config {
	return Config{
		EvidenceFreshness: 12 * time.Hour,
		OverrideCeiling:   99,
	}
}

func (c Config) withDefaults() Config {
	if c.EvidenceFreshness <= 0 {
		c.EvidenceFreshness = 12 * time.Hour
	}
	if c.OverrideCeiling <= 0 || c.OverrideCeiling > 100 {
		c.OverrideCeiling = 99
	}
	return c
}

// Engine recomputes canonical duty records from evidence. Writes for a
// given pharmacy are serialized through a per-pharmacy mutex so
// concurrent endpoint runs and manual overrides cannot race.
type Engine struct {
	st    store.Store
	reg   *registry.SourceRegistry
	probe DegradedProbe
	cfg   Config
	locks *keyedMutex
	log   *zap.Logger

	nowFunc func() time.Time
}

// New creates an Engine. probe may be nil, in which case records are
// never marked degraded.
func New(st store.Store, reg *registry.SourceRegistry, probe DegradedProbe, cfg Config) *Engine {
	nowFunc := cfg.Now
	if nowFunc == nil {
		nowFunc = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		st:      st,
		reg:     reg,
		probe:   probe,
		cfg:     cfg.withDefaults(),
		locks:   newKeyedMutex(),
		log:     zap.L().With(zap.String("component", "reconcile")),
		nowFunc: nowFunc,
	}
}

// claim is one source's latest statement about a duty record.
type claim struct {
	sourceID  string
	evidence  model.DutyEvidence
	name      string
	district  string
	address   string
	phone     string
	dutyHours string
}

// key identifies the externally visible fields a consumer would treat
// as "the same answer". Two sources agreeing on all of them verify
// each other.
func (c claim) key() string {
	return strings.Join([]string{
		identity.NormalizeName(c.name),
		strings.ToUpper(strings.TrimSpace(c.address)),
		identity.NormalizePhone(c.phone),
		strings.TrimSpace(c.dutyHours),
	}, "|")
}

type cluster struct {
	claims      []claim
	totalWeight int
	latest      time.Time
	hasPrimary  bool
}

// Reconcile recomputes the canonical duty record for one pharmacy and
// duty date from its current evidence set. The write is all-or-nothing:
// either the full recomputed record lands or nothing changes. When no
// fresh evidence survives filtering the existing record is left
// untouched and returned as-is.
func (e *Engine) Reconcile(ctx context.Context, regionID, pharmacyID, dutyDate string) (*model.DutyRecord, error) {
	unlock := e.locks.lock(pharmacyID)
	defer unlock()

	rec, err := e.st.GetDutyRecord(ctx, pharmacyID, dutyDate)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: load record %s/%s", pharmacyID, dutyDate)
	}
	if rec == nil {
		return nil, nil
	}

	evidence, err := e.st.ListDutyEvidence(ctx, rec.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: load evidence for %s", rec.ID)
	}
	if len(evidence) == 0 {
		return rec, nil
	}

	degraded := false
	if e.probe != nil {
		degraded, err = e.probe.IsDegraded(ctx, regionID)
		if err != nil {
			return nil, eris.Wrapf(err, "reconcile: staleness probe for region %s", regionID)
		}
	}

	// A manual override, once present, wins outright. Only a newer
	// override replaces it, so pick the latest.
	if override := latestOverride(evidence); override != nil {
		return e.applyOverride(ctx, rec, *override, degraded)
	}

	rs, err := e.reg.ForRegion(ctx, regionID)
	if err != nil {
		return nil, err
	}

	claims := e.freshClaims(evidence)
	if len(claims) == 0 {
		e.log.Debug("no fresh evidence, record left untouched",
			zap.String("pharmacy_id", pharmacyID),
			zap.String("duty_date", dutyDate),
		)
		return rec, nil
	}

	selected, totalWeight := selectCluster(claims, rs)

	updated := *rec
	winner := bestClaim(selected, rs)
	updated.Address = winner.address
	updated.Phone = winner.phone
	updated.DutyHours = winner.dutyHours
	updated.Source = sourceName(winner.sourceID, rs)
	updated.ConfidenceScore = confidenceScore(selected.totalWeight, totalWeight)
	updated.VerificationSourceCount = len(selected.claims)
	updated.IsDegraded = degraded
	updated.UpdatedAt = e.nowFunc()

	if err := e.st.UpdateDutyRecord(ctx, updated); err != nil {
		return nil, eris.Wrapf(err, "reconcile: update record %s", rec.ID)
	}

	// Winning contact details flow back onto the canonical pharmacy.
	if winner.address != "" || winner.phone != "" {
		if err := e.st.UpdatePharmacyContact(ctx, pharmacyID, winner.address, winner.phone, updated.UpdatedAt); err != nil {
			return nil, eris.Wrapf(err, "reconcile: update pharmacy contact %s", pharmacyID)
		}
	}

	e.log.Debug("record reconciled",
		zap.String("pharmacy_id", pharmacyID),
		zap.String("duty_date", dutyDate),
		zap.Int("confidence", updated.ConfidenceScore),
		zap.Int("sources", updated.VerificationSourceCount),
		zap.String("selected_source", updated.Source),
	)
	return &updated, nil
}

func (e *Engine) applyOverride(ctx context.Context, rec *model.DutyRecord, ev model.DutyEvidence, degraded bool) (*model.DutyRecord, error) {
	updated := *rec
	updated.Address = payloadString(ev.Payload, "address")
	updated.Phone = payloadString(ev.Payload, "phone")
	updated.DutyHours = payloadString(ev.Payload, "duty_hours")
	updated.Source = model.ManualOverrideSource
	updated.ConfidenceScore = e.cfg.OverrideCeiling
	updated.VerificationSourceCount = 1
	updated.IsDegraded = degraded
	updated.UpdatedAt = e.nowFunc()

	if err := e.st.UpdateDutyRecord(ctx, updated); err != nil {
		return nil, eris.Wrapf(err, "reconcile: apply override to %s", rec.ID)
	}

	e.log.Info("manual override applied",
		zap.String("duty_record_id", rec.ID),
		zap.String("updated_by", payloadString(ev.Payload, "updated_by")),
	)
	return &updated, nil
}

// freshClaims filters out stale evidence and reduces the rest to one
// claim per source (latest fetched_at wins).
func (e *Engine) freshClaims(evidence []model.DutyEvidence) []claim {
	cutoff := e.nowFunc().Add(-e.cfg.EvidenceFreshness)

	latestBySource := make(map[string]model.DutyEvidence)
	for _, ev := range evidence {
		if ev.ManualOverride() {
			continue
		}
		if ev.FetchedAt.Before(cutoff) {
			continue
		}
		if cur, ok := latestBySource[ev.SourceID]; !ok || ev.FetchedAt.After(cur.FetchedAt) {
			latestBySource[ev.SourceID] = ev
		}
	}

	claims := make([]claim, 0, len(latestBySource))
	for sourceID, ev := range latestBySource {
		claims = append(claims, claim{
			sourceID:  sourceID,
			evidence:  ev,
			name:      payloadString(ev.Payload, "name"),
			district:  payloadString(ev.Payload, "district"),
			address:   payloadString(ev.Payload, "address"),
			phone:     payloadString(ev.Payload, "phone"),
			dutyHours: payloadString(ev.Payload, "duty_hours"),
		})
	}
	// map iteration order must not leak into tie-breaking
	sort.Slice(claims, func(i, j int) bool { return claims[i].sourceID < claims[j].sourceID })
	return claims
}

// selectCluster groups claims by agreement and picks the canonical
// cluster. Returns the winner and the total weight of all responding
// sources.
func selectCluster(claims []claim, rs *registry.RegionSources) (cluster, int) {
	primarySourceID := ""
	if ep := rs.PrimaryEndpoint(); ep != nil {
		primarySourceID = ep.SourceID
	}

	totalWeight := 0
	byKey := make(map[string]*cluster)
	var order []string
	for _, c := range claims {
		w := sourceWeight(c.sourceID, rs)
		totalWeight += w

		k := c.key()
		cl := byKey[k]
		if cl == nil {
			cl = &cluster{}
			byKey[k] = cl
			order = append(order, k)
		}
		cl.claims = append(cl.claims, c)
		cl.totalWeight += w
		if c.evidence.FetchedAt.After(cl.latest) {
			cl.latest = c.evidence.FetchedAt
		}
		if primarySourceID != "" && c.sourceID == primarySourceID {
			cl.hasPrimary = true
		}
	}

	var selected *cluster
	for _, k := range order {
		cl := byKey[k]
		if selected == nil || clusterLess(selected, cl) {
			selected = cl
		}
	}
	return *selected, totalWeight
}

// clusterLess reports whether b beats a: higher weight, then more
// recent evidence, then primary-endpoint presence.
func clusterLess(a, b *cluster) bool {
	if b.totalWeight != a.totalWeight {
		return b.totalWeight > a.totalWeight
	}
	if !b.latest.Equal(a.latest) {
		return b.latest.After(a.latest)
	}
	return b.hasPrimary && !a.hasPrimary
}

// bestClaim picks the representative claim within the selected
// cluster: highest source weight, then latest fetched_at.
func bestClaim(cl cluster, rs *registry.RegionSources) claim {
	best := cl.claims[0]
	bestWeight := sourceWeight(best.sourceID, rs)
	for _, c := range cl.claims[1:] {
		w := sourceWeight(c.sourceID, rs)
		if w > bestWeight || (w == bestWeight && c.evidence.FetchedAt.After(best.evidence.FetchedAt)) {
			best = c
			bestWeight = w
		}
	}
	return best
}

func confidenceScore(selected, total int) int {
	if total <= 0 {
		return 0
	}
	score := int(math.Round(float64(selected) / float64(total) * 100))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func sourceWeight(sourceID string, rs *registry.RegionSources) int {
	if s := rs.SourceByID(sourceID); s != nil {
		return s.AuthorityWeight
	}
	return 0
}

func sourceName(sourceID string, rs *registry.RegionSources) string {
	if s := rs.SourceByID(sourceID); s != nil {
		return s.Name
	}
	return "unknown"
}

func latestOverride(evidence []model.DutyEvidence) *model.DutyEvidence {
	var latest *model.DutyEvidence
	for i := range evidence {
		if !evidence[i].ManualOverride() {
			continue
		}
		if latest == nil || evidence[i].FetchedAt.After(latest.FetchedAt) {
			latest = &evidence[i]
		}
	}
	return latest
}

func payloadString(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	if v, ok := p[key].(string); ok {
		return v
	}
	if v, ok := p[key]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
