// Package alerting raises and resolves deduplicated operational
// alerts. At most one unresolved alert exists per endpoint and alert
// type; re-raising an open alert is a no-op.
package alerting

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pharmaduty/duty-engine/internal/model"
	"github.com/pharmaduty/duty-engine/internal/store"
)

// Notifier delivers a freshly raised alert out-of-band. Delivery
// failures never fail the raise; the alert row is already persisted.
type Notifier interface {
	Notify(ctx context.Context, alert model.IngestionAlert)
}

// Manager persists alerts and fans them out to an optional Notifier.
type Manager struct {
	st       store.Store
	notifier Notifier
	log      *zap.Logger
}

// NewManager creates a Manager. notifier may be nil.
func NewManager(st store.Store, notifier Notifier) *Manager {
	return &Manager{
		st:       st,
		notifier: notifier,
		log:      zap.L().With(zap.String("component", "alerting")),
	}
}

// Raise opens an alert unless one of the same type is already open for
// the endpoint. Returns true when a new alert row was created.
func (m *Manager) Raise(ctx context.Context, alert model.IngestionAlert) (bool, error) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	if alert.Severity == "" {
		alert.Severity = model.SeverityWarning
	}

	created, err := m.st.InsertAlertIfAbsent(ctx, alert)
	if err != nil {
		return false, eris.Wrapf(err, "alerting: raise %s", alert.Type)
	}
	if !created {
		m.log.Debug("alert already open, skipping",
			zap.String("endpoint_id", alert.SourceEndpointID),
			zap.String("type", string(alert.Type)),
		)
		return false, nil
	}

	m.log.Warn("alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("region_id", alert.RegionID),
		zap.String("endpoint_id", alert.SourceEndpointID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message),
	)

	// low-severity alerts stay in the store; the webhook is for
	// conditions an operator should look at
	if m.notifier != nil && alert.Severity != model.SeverityLow {
		m.notifier.Notify(ctx, alert)
	}
	return true, nil
}

// Resolve closes the alert with the given ID. Returns false when the
// alert does not exist or is already resolved.
func (m *Manager) Resolve(ctx context.Context, id, resolvedBy string) (bool, error) {
	resolved, err := m.st.ResolveAlert(ctx, id, resolvedBy)
	if err != nil {
		return false, eris.Wrapf(err, "alerting: resolve %s", id)
	}
	if resolved {
		m.log.Info("alert resolved",
			zap.String("alert_id", id),
			zap.String("resolved_by", resolvedBy),
		)
	}
	return resolved, nil
}

// Open lists unresolved alerts, optionally filtered by region.
func (m *Manager) Open(ctx context.Context, regionID string, limit int) ([]model.IngestionAlert, error) {
	alerts, err := m.st.ListOpenAlerts(ctx, store.AlertFilter{RegionID: regionID, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "alerting: list open")
	}
	return alerts, nil
}

// ReportAmbiguity raises an identity_ambiguity alert for a raw name
// that matched multiple pharmacies equally well. Satisfies the
// identity resolver's reporter hook.
func (m *Manager) ReportAmbiguity(ctx context.Context, regionID, rawName string, candidateIDs []string) {
	_, err := m.Raise(ctx, model.IngestionAlert{
		RegionID: regionID,
		Type:     model.AlertIdentityAmbiguity,
		Severity: model.SeverityLow,
		Message:  "pharmacy name matched multiple existing records: " + rawName,
		Payload: map[string]any{
			"raw_name":      rawName,
			"candidate_ids": candidateIDs,
		},
	})
	if err != nil {
		m.log.Error("ambiguity alert failed", zap.Error(err))
	}
}
