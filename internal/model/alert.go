package model

import "time"

// AlertType identifies the kind of operational alert.
type AlertType string

const (
	AlertFetchFailure      AlertType = "fetch_failure"
	AlertParseFailure      AlertType = "parse_failure"
	AlertPartialIngestion  AlertType = "partial_ingestion"
	AlertRegionDegraded    AlertType = "region_degraded"
	AlertRetryAbandoned    AlertType = "retry_abandoned"
	AlertIdentityAmbiguity AlertType = "identity_ambiguity"
	AlertPersistence       AlertType = "persistence_failure"
)

// AlertSeverity orders alerts for operator triage.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityLow      AlertSeverity = "low"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// IngestionAlert is a deduplicated operational alert. At most one
// unresolved alert exists per (region, source_endpoint_id, alert_type);
// region-level alerts leave SourceEndpointID empty.
type IngestionAlert struct {
	ID               string         `json:"id"`
	RegionID         string         `json:"region_id"`
	SourceEndpointID string         `json:"source_endpoint_id"`
	Type             AlertType      `json:"alert_type"`
	Severity         AlertSeverity  `json:"severity"`
	Message          string         `json:"message"`
	Payload          map[string]any `json:"payload,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy       string         `json:"resolved_by,omitempty"`
}

// Resolved reports whether the alert has been closed.
func (a IngestionAlert) Resolved() bool {
	return a.ResolvedAt != nil
}
