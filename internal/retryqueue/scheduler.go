// Package retryqueue persists and replays failed endpoint ingestions.
// Failures re-enter with exponential backoff until an attempt ceiling;
// manual recovery requests jump the backoff but not the ceiling.
package retryqueue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pharmaduty/duty-engine/internal/alerting"
	"github.com/pharmaduty/duty-engine/internal/model"
	"github.com/pharmaduty/duty-engine/internal/resilience"
	"github.com/pharmaduty/duty-engine/internal/store"
)

// Runner re-executes the ingestion for one endpoint. The ingest
// coordinator implements it.
type Runner interface {
	RunEndpoint(ctx context.Context, endpointID string) error
}

// Config tunes retry scheduling.
type Config struct {
	// MaxAttempts is the abandon ceiling, counting the original failed
	// run's follow-ups.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// PollInterval is how often the worker looks for due entries.
	PollInterval time.Duration

	// Concurrency bounds parallel retry executions per poll.
	Concurrency int
}

// DefaultConfig returns the production retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 5 * time.Minute,
		MaxDelay:     2 * time.Hour,
		PollInterval: time.Minute,
		Concurrency:  3,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 5 * time.Minute
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Hour
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	return c
}

// Scheduler owns the retry queue.
type Scheduler struct {
	st     store.Store
	alerts *alerting.Manager
	cfg    Config
	policy resilience.BackoffPolicy
	log    *zap.Logger

	nowFunc func() time.Time
}

// New creates a Scheduler. alerts may be nil in tests.
func New(st store.Store, alerts *alerting.Manager, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		st:     st,
		alerts: alerts,
		cfg:    cfg,
		// no jitter: scheduled next-attempt times stay deterministic
		policy: resilience.BackoffPolicy{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: cfg.InitialDelay,
			MaxDelay:     cfg.MaxDelay,
			Multiplier:   2.0,
		},
		log:     zap.L().With(zap.String("component", "retryqueue")),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Schedule enqueues a retry for a failed endpoint run. attemptCount is
// the number of attempts already spent; the next attempt is delayed by
// the backoff for that position.
func (s *Scheduler) Schedule(ctx context.Context, regionID, endpointID string, attemptCount int) error {
	now := s.nowFunc()
	_, err := s.st.EnqueueRetry(ctx, model.RetryQueueEntry{
		ID:            uuid.New().String(),
		RegionID:      regionID,
		EndpointID:    endpointID,
		Status:        model.RetryStatusPending,
		AttemptCount:  attemptCount,
		NextAttemptAt: now.Add(s.policy.Delay(attemptCount)),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	return eris.Wrapf(err, "retryqueue: schedule %s", endpointID)
}

// RequestImmediate enqueues a manual recovery attempt due now. An
// existing pending entry is pulled forward instead of duplicated.
func (s *Scheduler) RequestImmediate(ctx context.Context, regionID, endpointID string) error {
	now := s.nowFunc()
	_, err := s.st.EnqueueRetry(ctx, model.RetryQueueEntry{
		ID:            uuid.New().String(),
		RegionID:      regionID,
		EndpointID:    endpointID,
		Status:        model.RetryStatusPending,
		Manual:        true,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	return eris.Wrapf(err, "retryqueue: request immediate %s", endpointID)
}

// ProcessDue executes every due pending entry through runner. Entry
// failures are isolated; the returned counts cover this batch.
func (s *Scheduler) ProcessDue(ctx context.Context, runner Runner) (succeeded, failed int, err error) {
	due, err := s.st.DuePendingRetries(ctx, s.nowFunc(), 0)
	if err != nil {
		return 0, 0, eris.Wrap(err, "retryqueue: load due entries")
	}
	if len(due) == 0 {
		return 0, 0, nil
	}

	var okCount, failCount atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, entry := range due {
		g.Go(func() error {
			if s.processEntry(gctx, runner, entry) {
				okCount.Add(1)
			} else {
				failCount.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(okCount.Load()), int(failCount.Load()), err
	}
	return int(okCount.Load()), int(failCount.Load()), nil
}

func (s *Scheduler) processEntry(ctx context.Context, runner Runner, entry model.RetryQueueEntry) bool {
	now := s.nowFunc()
	entry.AttemptCount++
	entry.UpdatedAt = now

	runErr := runner.RunEndpoint(ctx, entry.EndpointID)
	if runErr == nil {
		entry.Status = model.RetryStatusDone
		if err := s.st.UpdateRetryEntry(ctx, entry); err != nil {
			s.log.Error("retry entry update failed", zap.String("entry_id", entry.ID), zap.Error(err))
		}
		s.log.Info("retry succeeded",
			zap.String("endpoint_id", entry.EndpointID),
			zap.Int("attempt", entry.AttemptCount),
			zap.Bool("manual", entry.Manual),
		)
		return true
	}

	if entry.AttemptCount >= s.cfg.MaxAttempts {
		entry.Status = model.RetryStatusAbandoned
		if err := s.st.UpdateRetryEntry(ctx, entry); err != nil {
			s.log.Error("retry entry update failed", zap.String("entry_id", entry.ID), zap.Error(err))
		}
		s.abandonAlert(ctx, entry, runErr)
		return false
	}

	// back off; a manual jump was consumed by this attempt
	entry.Manual = false
	entry.NextAttemptAt = now.Add(s.policy.Delay(entry.AttemptCount))
	if err := s.st.UpdateRetryEntry(ctx, entry); err != nil {
		s.log.Error("retry entry update failed", zap.String("entry_id", entry.ID), zap.Error(err))
	}
	s.log.Warn("retry failed, rescheduled",
		zap.String("endpoint_id", entry.EndpointID),
		zap.Int("attempt", entry.AttemptCount),
		zap.Time("next_attempt_at", entry.NextAttemptAt),
		zap.Error(runErr),
	)
	return false
}

func (s *Scheduler) abandonAlert(ctx context.Context, entry model.RetryQueueEntry, runErr error) {
	s.log.Error("retry abandoned",
		zap.String("endpoint_id", entry.EndpointID),
		zap.Int("attempts", entry.AttemptCount),
		zap.Error(runErr),
	)
	if s.alerts == nil {
		return
	}
	_, err := s.alerts.Raise(ctx, model.IngestionAlert{
		RegionID:         entry.RegionID,
		SourceEndpointID: entry.EndpointID,
		Type:             model.AlertRetryAbandoned,
		Severity:         model.SeverityCritical,
		Message:          "endpoint abandoned after retry ceiling: " + runErr.Error(),
		Payload: map[string]any{
			"attempts": entry.AttemptCount,
		},
	})
	if err != nil {
		s.log.Error("abandon alert failed", zap.Error(err))
	}
}

// Run polls for due entries until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, runner Runner) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Info("retry worker started", zap.Duration("poll_interval", s.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("retry worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := s.ProcessDue(ctx, runner); err != nil {
				s.log.Error("retry batch failed", zap.Error(err))
			}
		}
	}
}
