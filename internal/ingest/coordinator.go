package ingest

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pharmaduty/duty-engine/internal/alerting"
	"github.com/pharmaduty/duty-engine/internal/dutywindow"
	"github.com/pharmaduty/duty-engine/internal/identity"
	"github.com/pharmaduty/duty-engine/internal/model"
	"github.com/pharmaduty/duty-engine/internal/reconcile"
	"github.com/pharmaduty/duty-engine/internal/registry"
	"github.com/pharmaduty/duty-engine/internal/resilience"
	"github.com/pharmaduty/duty-engine/internal/retryqueue"
	"github.com/pharmaduty/duty-engine/internal/store"
)

// CoordinatorConfig tunes endpoint runs.
type CoordinatorConfig struct {
	// FetchTimeout bounds one endpoint's download including in-process
	// retries.
	FetchTimeout time.Duration

	// Backoff governs in-process fetch retries. Cross-run retries live
	// in the persistent retry queue.
	Backoff resilience.BackoffPolicy

	// Concurrency bounds parallel endpoint runs in RunRegion.
	Concurrency int
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	return c
}

// Coordinator executes the fetch-parse-reconcile cycle for endpoints.
// Every attempt leaves an ingestion run row behind, success or not.
type Coordinator struct {
	st       store.Store
	reg      *registry.SourceRegistry
	resolver *identity.Resolver
	engine   *reconcile.Engine
	windows  *dutywindow.Resolver
	alerts   *alerting.Manager
	retries  *retryqueue.Scheduler
	fetcher  Fetcher
	parsers  *ParserRegistry
	breakers *resilience.HostBreakers
	cfg      CoordinatorConfig
	log      *zap.Logger

	nowFunc func() time.Time
}

// NewCoordinator wires a Coordinator. alerts and retries may be nil in
// tests.
func NewCoordinator(
	st store.Store,
	reg *registry.SourceRegistry,
	resolver *identity.Resolver,
	engine *reconcile.Engine,
	windows *dutywindow.Resolver,
	alerts *alerting.Manager,
	retries *retryqueue.Scheduler,
	fetcher Fetcher,
	parsers *ParserRegistry,
	breakers *resilience.HostBreakers,
	cfg CoordinatorConfig,
) *Coordinator {
	return &Coordinator{
		st:       st,
		reg:      reg,
		resolver: resolver,
		engine:   engine,
		windows:  windows,
		alerts:   alerts,
		retries:  retries,
		fetcher:  fetcher,
		parsers:  parsers,
		breakers: breakers,
		cfg:      cfg.withDefaults(),
		log:      zap.L().With(zap.String("component", "ingest")),
		nowFunc:  func() time.Time { return time.Now().UTC() },
	}
}

var _ retryqueue.Runner = (*Coordinator)(nil)

// RunEndpoint executes one full ingestion attempt for an endpoint.
func (c *Coordinator) RunEndpoint(ctx context.Context, endpointID string) error {
	ep, err := c.st.GetEndpoint(ctx, endpointID)
	if err != nil {
		return eris.Wrapf(err, "ingest: load endpoint %s", endpointID)
	}
	if ep == nil {
		return eris.Errorf("ingest: unknown endpoint %s", endpointID)
	}
	if !ep.Enabled {
		c.log.Info("endpoint disabled, skipping", zap.String("endpoint_id", endpointID))
		return nil
	}

	src, err := c.st.GetSource(ctx, ep.SourceID)
	if err != nil {
		return eris.Wrapf(err, "ingest: load source %s", ep.SourceID)
	}
	if src == nil {
		return eris.Errorf("ingest: endpoint %s has unknown source %s", endpointID, ep.SourceID)
	}

	now := c.nowFunc()
	// provisional status: a crash mid-run truthfully reads as failed
	run := model.IngestionRun{
		ID:         uuid.New().String(),
		EndpointID: ep.ID,
		RegionID:   src.RegionID,
		Status:     model.RunStatusFailed,
		StartedAt:  now,
	}
	if err := c.st.InsertIngestionRun(ctx, run); err != nil {
		return eris.Wrap(err, "ingest: record run start")
	}

	host := hostOf(ep.EndpointURL)
	if err := c.breakers.Allow(host); err != nil {
		return c.failRun(ctx, run, *ep, model.AlertFetchFailure, err)
	}

	data, fetchErr := c.fetch(ctx, ep.EndpointURL)
	c.breakers.Record(host, fetchErr)
	if fetchErr != nil {
		return c.failRun(ctx, run, *ep, model.AlertFetchFailure, fetchErr)
	}

	parser, err := c.parsers.Lookup(ep.ParserKey)
	if err != nil {
		return c.failRun(ctx, run, *ep, model.AlertParseFailure, err)
	}
	records, parseErr := parser(ctx, data, now)
	if parseErr != nil {
		return c.failRun(ctx, run, *ep, model.AlertParseFailure, parseErr)
	}

	dutyDate := c.windows.Resolve(now).DutyDate
	persisted, dropped := c.persistRecords(ctx, src, ep, records, dutyDate, now)

	run.RecordCount = persisted
	run.DroppedCount = dropped
	finished := c.nowFunc()
	run.FinishedAt = &finished

	switch {
	case persisted == 0 && len(records) > 0:
		// everything extracted, nothing landed
		run.Error = fmt.Sprintf("all %d records dropped or failed to persist", len(records))
		return c.failRun(ctx, run, *ep, model.AlertPersistence, eris.New(run.Error))
	case dropped > 0:
		run.Status = model.RunStatusPartial
		run.Error = fmt.Sprintf("%d of %d records dropped", dropped, len(records))
	default:
		run.Status = model.RunStatusSuccess
	}

	if err := c.st.CompleteIngestionRun(ctx, run); err != nil {
		return eris.Wrap(err, "ingest: record run finish")
	}

	if run.Status == model.RunStatusPartial {
		c.raise(ctx, src.RegionID, ep.ID, model.AlertPartialIngestion, model.SeverityLow, run.Error)
		// a partial run re-runs later like a failed one
		if err := c.retries.Schedule(ctx, src.RegionID, ep.ID, 0); err != nil {
			c.log.Error("schedule retry after partial run",
				zap.String("endpoint_id", ep.ID), zap.Error(err))
		}
	}

	c.log.Info("endpoint run finished",
		zap.String("endpoint_id", ep.ID),
		zap.String("status", string(run.Status)),
		zap.Int("persisted", persisted),
		zap.Int("dropped", dropped),
		zap.String("duty_date", dutyDate),
	)
	return nil
}

func (c *Coordinator) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	var data []byte
	err := resilience.Retry(fetchCtx, c.cfg.Backoff, func(ctx context.Context) error {
		d, err := c.fetcher.Fetch(ctx, rawURL)
		if err != nil {
			return err
		}
		data = d
		return nil
	})
	return data, err
}

// persistRecords maps extracted records onto canonical pharmacies and
// replaces this source's evidence. Individual record failures are
// dropped and counted, never fatal to the run.
func (c *Coordinator) persistRecords(ctx context.Context, src *model.Source, ep *model.SourceEndpoint, records []model.RawExtractedRecord, dutyDate string, now time.Time) (persisted, dropped int) {
	for _, raw := range records {
		if raw.Name == "" {
			dropped++
			continue
		}

		pharmacy, _, err := c.resolver.Resolve(ctx, src.RegionID, raw)
		if err != nil {
			dropped++
			c.log.Warn("record dropped",
				zap.String("endpoint_id", ep.ID),
				zap.String("raw_name", raw.Name),
				zap.Error(err),
			)
			continue
		}

		rec, err := c.st.EnsureDutyRecord(ctx, pharmacy.ID, dutyDate)
		if err != nil {
			dropped++
			c.log.Error("duty record ensure failed", zap.String("pharmacy_id", pharmacy.ID), zap.Error(err))
			continue
		}

		err = c.st.ReplaceDutyEvidence(ctx, model.DutyEvidence{
			DutyRecordID: rec.ID,
			SourceID:     src.ID,
			SourceURL:    ep.EndpointURL,
			Payload: map[string]any{
				"name":       raw.Name,
				"district":   raw.District,
				"address":    raw.Address,
				"phone":      raw.Phone,
				"duty_hours": raw.DutyHours,
			},
			FetchedAt: now,
		})
		if err != nil {
			dropped++
			c.log.Error("evidence write failed", zap.String("pharmacy_id", pharmacy.ID), zap.Error(err))
			continue
		}

		if _, err := c.engine.Reconcile(ctx, src.RegionID, pharmacy.ID, dutyDate); err != nil {
			dropped++
			c.log.Error("reconcile failed", zap.String("pharmacy_id", pharmacy.ID), zap.Error(err))
			continue
		}
		persisted++
	}
	return persisted, dropped
}

// failRun finishes the run as failed, raises the alert, and enqueues a
// persistent retry.
func (c *Coordinator) failRun(ctx context.Context, run model.IngestionRun, ep model.SourceEndpoint, alertType model.AlertType, cause error) error {
	run.Status = model.RunStatusFailed
	run.Error = cause.Error()
	if run.FinishedAt == nil {
		finished := c.nowFunc()
		run.FinishedAt = &finished
	}
	if err := c.st.CompleteIngestionRun(ctx, run); err != nil {
		c.log.Error("run completion failed", zap.String("run_id", run.ID), zap.Error(err))
	}

	c.raise(ctx, run.RegionID, ep.ID, alertType, model.SeverityWarning, cause.Error())

	if c.retries != nil {
		if err := c.retries.Schedule(ctx, run.RegionID, ep.ID, 0); err != nil {
			c.log.Error("retry scheduling failed", zap.String("endpoint_id", ep.ID), zap.Error(err))
		}
	}

	c.log.Warn("endpoint run failed",
		zap.String("endpoint_id", ep.ID),
		zap.String("alert_type", string(alertType)),
		zap.Error(cause),
	)
	return eris.Wrapf(cause, "ingest: endpoint %s", ep.ID)
}

func (c *Coordinator) raise(ctx context.Context, regionID, endpointID string, alertType model.AlertType, severity model.AlertSeverity, message string) {
	if c.alerts == nil {
		return
	}
	_, err := c.alerts.Raise(ctx, model.IngestionAlert{
		RegionID:         regionID,
		SourceEndpointID: endpointID,
		Type:             alertType,
		Severity:         severity,
		Message:          message,
	})
	if err != nil {
		c.log.Error("alert raise failed", zap.Error(err))
	}
}

// RunRegion ingests every enabled endpoint of a region concurrently.
// Endpoint failures are isolated; the returned counts cover the batch.
func (c *Coordinator) RunRegion(ctx context.Context, regionID string) (succeeded, failed int, err error) {
	rs, err := c.reg.ForRegion(ctx, regionID)
	if err != nil {
		return 0, 0, err
	}

	var okCount, failCount atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, ep := range rs.Endpoints {
		g.Go(func() error {
			if runErr := c.RunEndpoint(gctx, ep.ID); runErr != nil {
				failCount.Add(1)
			} else {
				okCount.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(okCount.Load()), int(failCount.Load()), err
	}
	return int(okCount.Load()), int(failCount.Load()), nil
}

// PruneRuns deletes ingestion run rows started before the retention
// cutoff.
func (c *Coordinator) PruneRuns(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := c.nowFunc().Add(-retention)
	n, err := c.st.DeleteIngestionRunsBefore(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "ingest: prune runs")
	}
	if n > 0 {
		c.log.Info("old ingestion runs pruned", zap.Int("deleted", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
