// Package registry caches the per-region source and endpoint
// configuration. Ingestion touches this on every run while admins
// change it rarely, so reads are served from an in-memory snapshot
// that is invalidated on writes.
package registry

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pharmaduty/duty-engine/internal/model"
	"github.com/pharmaduty/duty-engine/internal/store"
)

// RegionSources is the cached source configuration for one region.
type RegionSources struct {
	Sources   []model.Source
	Endpoints []model.SourceEndpoint

	sourcesByID map[string]*model.Source
}

// SourceByID returns the source with the given ID, or nil.
func (rs *RegionSources) SourceByID(id string) *model.Source {
	return rs.sourcesByID[id]
}

// SourceForEndpoint returns the source owning the endpoint, or nil.
func (rs *RegionSources) SourceForEndpoint(ep model.SourceEndpoint) *model.Source {
	return rs.sourcesByID[ep.SourceID]
}

// PrimaryEndpoint returns the region's primary endpoint, or nil when
// none is configured.
func (rs *RegionSources) PrimaryEndpoint() *model.SourceEndpoint {
	for i := range rs.Endpoints {
		if rs.Endpoints[i].IsPrimary {
			return &rs.Endpoints[i]
		}
	}
	return nil
}

// TotalAuthorityWeight sums the weights of all enabled sources: the
// weight a fully responding region would score against. Scoring itself
// uses the responding-sources total, which can be lower.
func (rs *RegionSources) TotalAuthorityWeight() int {
	total := 0
	for _, s := range rs.Sources {
		if s.Enabled {
			total += s.AuthorityWeight
		}
	}
	return total
}

// SourceRegistry serves cached RegionSources snapshots.
type SourceRegistry struct {
	st  store.Store
	log *zap.Logger

	mu      sync.RWMutex
	regions map[string]*RegionSources
}

// New creates a SourceRegistry over st.
func New(st store.Store) *SourceRegistry {
	return &SourceRegistry{
		st:      st,
		log:     zap.L().With(zap.String("component", "registry")),
		regions: make(map[string]*RegionSources),
	}
}

// ForRegion returns the source configuration for regionID, loading and
// caching it on first access.
func (r *SourceRegistry) ForRegion(ctx context.Context, regionID string) (*RegionSources, error) {
	r.mu.RLock()
	rs := r.regions[regionID]
	r.mu.RUnlock()
	if rs != nil {
		return rs, nil
	}

	sources, err := r.st.ListSourcesByRegion(ctx, regionID)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: load sources for region %s", regionID)
	}
	endpoints, err := r.st.ListEnabledEndpoints(ctx, regionID)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: load endpoints for region %s", regionID)
	}

	rs = &RegionSources{
		Sources:     sources,
		Endpoints:   endpoints,
		sourcesByID: make(map[string]*model.Source, len(sources)),
	}
	for i := range sources {
		rs.sourcesByID[sources[i].ID] = &sources[i]
	}

	r.mu.Lock()
	// another goroutine may have raced the load; last write wins,
	// both snapshots came from the same store state
	r.regions[regionID] = rs
	r.mu.Unlock()

	r.log.Debug("region sources loaded",
		zap.String("region_id", regionID),
		zap.Int("sources", len(sources)),
		zap.Int("endpoints", len(endpoints)),
	)
	return rs, nil
}

// Invalidate drops the cached snapshot for regionID. Call after any
// admin change to sources or endpoints.
func (r *SourceRegistry) Invalidate(regionID string) {
	r.mu.Lock()
	delete(r.regions, regionID)
	r.mu.Unlock()
}

// InvalidateAll drops every cached snapshot.
func (r *SourceRegistry) InvalidateAll() {
	r.mu.Lock()
	r.regions = make(map[string]*RegionSources)
	r.mu.Unlock()
}
