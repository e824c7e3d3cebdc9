// Package model defines the domain entities shared across the duty
// reconciliation engine.
package model

import "time"

// Region is a static province/district reference entry. Districts are
// modelled as child regions of a province; ExpectedUnitCount is the
// number of districts a province is expected to cover.
type Region struct {
	ID                string `json:"id"`
	ProvinceSlug      string `json:"province_slug"`
	District          string `json:"district,omitempty"`
	Name              string `json:"name"`
	ExpectedUnitCount int    `json:"expected_unit_count"`
}

// SourceType describes the kind of upstream publisher.
type SourceType string

const (
	SourceTypeChamber      SourceType = "chamber"       // pharmacist chamber site
	SourceTypeMunicipality SourceType = "municipality"  // municipal portal
	SourceTypeHealthDir    SourceType = "health_dir"    // provincial health directorate
	SourceTypeAggregator   SourceType = "aggregator"    // third-party listing
	SourceTypeManual       SourceType = "manual"        // admin-entered corrections
)

// ManualOverrideSource is the reserved source name stamped onto duty
// records whose selected evidence is an admin correction.
const ManualOverrideSource = "Manual Override"

// ManualSourceID is the reserved evidence source_id for admin
// corrections. The evidence replacement key (duty_record, source)
// makes a second override for the same record update in place.
const ManualSourceID = "manual"

// Source is a configured upstream publisher with an admin-assigned
// trust score.
type Source struct {
	ID              string     `json:"id"`
	RegionID        string     `json:"region_id"`
	Name            string     `json:"name"`
	Type            SourceType `json:"type"`
	AuthorityWeight int        `json:"authority_weight"` // 1..100
	BaseURL         string     `json:"base_url"`
	Enabled         bool       `json:"enabled"`
}

// SourceEndpoint is one fetchable URL belonging to a source. A source
// may expose several endpoints (mirrors, per-district pages); exactly
// one endpoint per region is primary for coverage accounting.
type SourceEndpoint struct {
	ID           string `json:"id"`
	SourceID     string `json:"source_id"`
	EndpointURL  string `json:"endpoint_url"`
	Format       string `json:"format"`
	ParserKey    string `json:"parser_key"`
	IsPrimary    bool   `json:"is_primary"`
	PollSchedule string `json:"poll_schedule,omitempty"`
	Enabled      bool   `json:"enabled"`
}

// RunStatus classifies the outcome of one ingestion attempt.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// IngestionRun is the append-only record of a single fetch+parse+validate
// attempt against an endpoint. Immutable once finished.
type IngestionRun struct {
	ID           string     `json:"id"`
	EndpointID   string     `json:"endpoint_id"`
	RegionID     string     `json:"region_id"`
	Status       RunStatus  `json:"status"`
	RecordCount  int        `json:"record_count"`
	DroppedCount int        `json:"dropped_count"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Pharmacy is a canonical deduplicated identity. Contact fields are
// mutable by reconciliation; the identity itself is stable.
type Pharmacy struct {
	ID             string    `json:"id"`
	RegionID       string    `json:"region_id"`
	District       string    `json:"district,omitempty"`
	CanonicalName  string    `json:"canonical_name"`
	NormalizedName string    `json:"normalized_name"`
	Address        string    `json:"address,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	Lat            float64   `json:"lat,omitempty"`
	Lng            float64   `json:"lng,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DutyRecord is the canonical answer for one pharmacy on one duty date.
// Exactly one row exists per (pharmacy_id, duty_date).
type DutyRecord struct {
	ID                      string    `json:"id"`
	PharmacyID              string    `json:"pharmacy_id"`
	DutyDate                string    `json:"duty_date"` // YYYY-MM-DD
	Address                 string    `json:"address,omitempty"`
	Phone                   string    `json:"phone,omitempty"`
	DutyHours               string    `json:"duty_hours,omitempty"`
	Source                  string    `json:"source"`
	ConfidenceScore         int       `json:"confidence_score"` // 0..100
	VerificationSourceCount int       `json:"verification_source_count"`
	IsDegraded              bool      `json:"is_degraded"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// DutyEvidence is one source's current claim about a duty record. At
// most one row per (duty_record, source); newer observations replace
// older ones rather than accumulating.
type DutyEvidence struct {
	ID           string         `json:"id"`
	DutyRecordID string         `json:"duty_record_id"`
	SourceID     string         `json:"source_id"`
	SourceURL    string         `json:"source_url,omitempty"`
	Payload      map[string]any `json:"payload"`
	FetchedAt    time.Time      `json:"fetched_at"`
}

// ManualOverride reports whether this evidence row is an admin
// correction.
func (e DutyEvidence) ManualOverride() bool {
	v, ok := e.Payload["manual_override"].(bool)
	return ok && v
}

// RawExtractedRecord is the adapter-facing contract: one pharmacy
// sighting as extracted from an endpoint's raw content.
type RawExtractedRecord struct {
	Name      string    `json:"name"`
	District  string    `json:"district,omitempty"`
	Address   string    `json:"address,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Lat       float64   `json:"lat,omitempty"`
	Lng       float64   `json:"lng,omitempty"`
	DutyHours string    `json:"duty_hours,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// RetryStatus is the lifecycle state of a retry queue entry.
type RetryStatus string

const (
	RetryStatusPending   RetryStatus = "pending"
	RetryStatusDone      RetryStatus = "done"
	RetryStatusAbandoned RetryStatus = "abandoned"
)

// RetryQueueEntry schedules a re-attempt of a failed endpoint ingestion.
// Manual recovery inserts an immediate entry (NextAttemptAt = now) that
// bypasses backoff timing but not the attempt ceiling.
type RetryQueueEntry struct {
	ID            string      `json:"id"`
	RegionID      string      `json:"region_id"`
	EndpointID    string      `json:"endpoint_id"`
	Status        RetryStatus `json:"status"`
	AttemptCount  int         `json:"attempt_count"`
	Manual        bool        `json:"manual"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// AccuracyStat is the derived per-region coverage view shown on
// dashboards. Recomputed on read, never authoritative.
type AccuracyStat struct {
	RegionID      string     `json:"region_id"`
	DutyDate      string     `json:"duty_date"`
	ExpectedCount int        `json:"expected_count"`
	ActualCount   int        `json:"actual_count"`
	ConfidencePct int        `json:"confidence_pct"`
	LastUpdate    *time.Time `json:"last_update,omitempty"`
}
