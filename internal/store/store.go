// Package store persists the reconciliation engine's state. Two
// implementations exist: SQLite (modernc.org/sqlite) for single-node
// deployments and Postgres (pgx) for shared ones.
package store

import (
	"context"
	"time"

	"github.com/pharmaduty/duty-engine/internal/model"
)

// AlertFilter narrows open-alert listings.
type AlertFilter struct {
	RegionID string
	Limit    int
}

// Store defines the persistence interface for the duty reconciliation
// engine.
type Store interface {
	// Regions
	GetRegion(ctx context.Context, id string) (*model.Region, error)
	GetRegionBySlug(ctx context.Context, slug string) (*model.Region, error)
	ListProvinces(ctx context.Context) ([]model.Region, error)
	ListDistricts(ctx context.Context, provinceSlug string) ([]model.Region, error)
	UpsertRegion(ctx context.Context, region model.Region) error

	// Sources and endpoints
	ListSourcesByRegion(ctx context.Context, regionID string) ([]model.Source, error)
	GetSource(ctx context.Context, id string) (*model.Source, error)
	UpsertSource(ctx context.Context, src model.Source) error
	ListEnabledEndpoints(ctx context.Context, regionID string) ([]model.SourceEndpoint, error)
	GetEndpoint(ctx context.Context, id string) (*model.SourceEndpoint, error)
	UpsertEndpoint(ctx context.Context, endpoint model.SourceEndpoint) error

	// Ingestion runs (append-only history)
	InsertIngestionRun(ctx context.Context, run model.IngestionRun) error
	CompleteIngestionRun(ctx context.Context, run model.IngestionRun) error
	LastSuccessfulPrimaryRun(ctx context.Context, regionID string) (*time.Time, error)
	ListIngestionRuns(ctx context.Context, endpointID string, limit int) ([]model.IngestionRun, error)
	DeleteIngestionRunsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Pharmacies
	ListPharmaciesByRegion(ctx context.Context, regionID string) ([]model.Pharmacy, error)
	GetPharmacy(ctx context.Context, id string) (*model.Pharmacy, error)
	CreatePharmacy(ctx context.Context, p model.Pharmacy) error
	UpdatePharmacyContact(ctx context.Context, id, address, phone string, updatedAt time.Time) error
	DeletePharmacy(ctx context.Context, id string) error

	// Duty records and evidence
	EnsureDutyRecord(ctx context.Context, pharmacyID, dutyDate string) (*model.DutyRecord, error)
	GetDutyRecord(ctx context.Context, pharmacyID, dutyDate string) (*model.DutyRecord, error)
	UpdateDutyRecord(ctx context.Context, rec model.DutyRecord) error
	ListDutyRecordsByRegion(ctx context.Context, regionID, dutyDate string) ([]model.DutyRecord, error)
	ReplaceDutyEvidence(ctx context.Context, ev model.DutyEvidence) error
	ListDutyEvidence(ctx context.Context, dutyRecordID string) ([]model.DutyEvidence, error)

	// Alerts (at most one unresolved per (region, endpoint, type))
	InsertAlertIfAbsent(ctx context.Context, alert model.IngestionAlert) (bool, error)
	ResolveAlert(ctx context.Context, id, resolvedBy string) (bool, error)
	ListOpenAlerts(ctx context.Context, filter AlertFilter) ([]model.IngestionAlert, error)
	LatestOpenAlertForRegion(ctx context.Context, regionID string) (*model.IngestionAlert, error)

	// Retry queue
	EnqueueRetry(ctx context.Context, entry model.RetryQueueEntry) (bool, error)
	DuePendingRetries(ctx context.Context, now time.Time, limit int) ([]model.RetryQueueEntry, error)
	UpdateRetryEntry(ctx context.Context, entry model.RetryQueueEntry) error

	// Coverage
	CountDutyDistricts(ctx context.Context, provinceSlug, dutyDate string) (int, error)
	LastDutyUpdate(ctx context.Context, provinceSlug, dutyDate string) (*time.Time, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
