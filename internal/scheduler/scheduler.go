// Package scheduler implements the at-most-once cron/heartbeat trigger
// scheduler (spec §4.7): a single-leader polling loop that scans due trigger
// subscriptions, enqueues idempotent run-jobs keyed to the scheduled
// instant, and advances each subscription's schedule.
//
// Grounded in registry/health_tracker.go's distributed ticker/ping-loop idiom
// (jittered polling interval, single active leader at a time), replacing the
// teacher's rmap-based leader election with a kv.Store TryReserve lock —
// the same TTL idiom internal/executorregistry generalizes for liveness.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/kv"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/queue"
	"github.com/flowbase/core/internal/store"
	"github.com/flowbase/core/internal/telemetry"
)

const (
	leaderKey = "scheduler:leader"

	// DefaultPollInterval is the base tick period; an instance sleeps this
	// long plus up to half again in jitter between ticks.
	DefaultPollInterval = 5 * time.Second

	// DefaultBatchSize bounds how many due subscriptions one tick processes.
	DefaultBatchSize = 100

	// invalidCronDefer is how far an unparsable cron expression pushes
	// nextFireAt out, to avoid a tight re-evaluation loop (spec §4.7).
	invalidCronDefer = 5 * time.Minute

	// defaultRunMaxAttempts seeds WorkflowRun.MaxAttempts; the engine reads
	// it as the run's attempt bound and never changes it.
	defaultRunMaxAttempts = 1
)

// standardParser fixes the 5-field order to minute-hour-dom-month-dow
// explicitly, the way cklxx-elephant.ai's scheduler constructs its
// cron.Parser. The explicit field mask admits no seconds field and no
// "@hourly"-style descriptors, so "*/5 * * * *" always means every five
// minutes.
var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler scans store.Triggers for due subscriptions and enqueues run-jobs.
type Scheduler struct {
	triggers     store.Triggers
	runs         store.Runs
	queue        queue.Queue
	leaderKV     kv.Store
	pollInterval time.Duration
	batchSize    int
	retryPolicy  queue.RetryPolicy
	logger       telemetry.Logger
	now          func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.pollInterval = d }
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) { s.batchSize = n }
}

// WithRetryPolicy sets the retry policy applied to enqueued run-jobs.
func WithRetryPolicy(p queue.RetryPolicy) Option {
	return func(s *Scheduler) { s.retryPolicy = p }
}

// WithLogger attaches a telemetry.Logger; defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New constructs a Scheduler. triggers and runs may be the same store.Store.
func New(triggers store.Triggers, runs store.Runs, q queue.Queue, leaderKV kv.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		triggers:     triggers,
		runs:         runs,
		queue:        q,
		leaderKV:     leaderKV,
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		retryPolicy:  queue.RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: 30 * time.Second},
		logger:       telemetry.NewNoopLogger(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is cancelled, returning ctx.Err() on exit.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if s.acquireLeader(ctx) {
			if err := s.tick(ctx); err != nil {
				s.logger.Warn(ctx, "scheduler tick failed", "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.jitteredInterval()):
		}
	}
}

func (s *Scheduler) jitteredInterval() time.Duration {
	half := int64(s.pollInterval / 2)
	if half <= 0 {
		return s.pollInterval
	}
	return s.pollInterval + time.Duration(rand.Int63n(half))
}

// acquireLeader reserves exclusive leadership for one tick using a
// capacity-1 kv.Store entry: the winner runs the tick then releases
// immediately so the next tick is open to any instance, while the TTL
// bounds how long a dead leader can block others.
func (s *Scheduler) acquireLeader(ctx context.Context) bool {
	ok, err := s.leaderKV.TryReserve(ctx, leaderKey, 1, s.pollInterval*2)
	if err != nil {
		s.logger.Warn(ctx, "scheduler leader election failed", "err", err)
		return false
	}
	return ok
}

func (s *Scheduler) tick(ctx context.Context) error {
	defer func() {
		if err := s.leaderKV.Release(ctx, leaderKey); err != nil {
			s.logger.Warn(ctx, "scheduler leader release failed", "err", err)
		}
	}()

	now := s.now().UTC()
	due, err := s.triggers.DueTriggers(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("scheduler: list due triggers: %w", err)
	}
	for _, sub := range due {
		if err := s.fire(ctx, sub, now); err != nil {
			s.logger.Warn(ctx, "scheduler: fire trigger failed", "subscriptionId", sub.ID, "err", err)
		}
	}
	return nil
}

// fire evaluates one due subscription: it creates the run for this slot
// (idempotent on (org, workflow, triggerKey)), enqueues it unless the slot
// already fired, and advances the subscription's schedule.
func (s *Scheduler) fire(ctx context.Context, sub model.TriggerSubscription, now time.Time) error {
	slotTime := sub.NextFireAt
	triggerKey := fmt.Sprintf("%s:%s:%s", sub.Type, sub.ID, formatSlot(slotTime))

	nextFireAt, lastErr := s.computeNext(sub, slotTime, now)
	lastErrCode := ""
	if lastErr != nil {
		lastErrCode = string(coreerr.InvalidCronExpression)
		nextFireAt = now.Add(invalidCronDefer)
	}

	runID := uuid.NewString()
	run := model.WorkflowRun{
		OrgID:       sub.OrgID,
		WorkflowID:  sub.WorkflowID,
		ID:          runID,
		Status:      model.RunQueued,
		MaxAttempts: defaultRunMaxAttempts,
		TriggerKey:  triggerKey,
		TriggeredAt: &slotTime,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	duplicate := false
	if err := s.runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrConflict) {
			duplicate = true
		} else {
			return fmt.Errorf("scheduler: create run for trigger %s: %w", sub.ID, err)
		}
	}

	if !duplicate {
		job := queue.Job{
			ID:      runID,
			Kind:    queue.KindRunStep,
			OrgID:   sub.OrgID,
			Payload: []byte(fmt.Sprintf(`{"runId":%q}`, runID)),
		}
		if err := s.queue.Enqueue(ctx, job, s.retryPolicy); err != nil {
			// Compensate: delete the run so the slot is free for the next
			// tick to retry cleanly (spec §4.7 "trigger_queue_unavailable").
			if delErr := s.runs.DeleteRun(ctx, sub.OrgID, runID); delErr != nil {
				s.logger.Warn(ctx, "scheduler: compensating delete failed", "runId", runID, "err", delErr)
			}
			s.logger.Warn(ctx, "trigger_queue_unavailable", "subscriptionId", sub.ID, "runId", runID, "err", err)
			return nil
		}
	}

	sub.NextFireAt = nextFireAt
	sub.LastTriggeredAt = &slotTime
	sub.LastTriggerKey = triggerKey
	sub.LastError = lastErrCode
	sub.UpdatedAt = now
	if err := s.triggers.UpdateTriggerSchedule(ctx, sub); err != nil {
		return fmt.Errorf("scheduler: update schedule for trigger %s: %w", sub.ID, err)
	}
	return nil
}

// computeNext derives the subscription's next nextFireAt per spec §4.7.
func (s *Scheduler) computeNext(sub model.TriggerSubscription, slotTime, now time.Time) (time.Time, error) {
	switch sub.Type {
	case model.TriggerCron:
		next, err := nextCronFire(sub.CronExpr, slotTime)
		if err != nil {
			return time.Time{}, coreerr.Wrap(coreerr.InvalidCronExpression, err, err.Error())
		}
		return next, nil
	case model.TriggerHeartbeat:
		base := slotTime
		if sub.MaxSkew > 0 && now.Sub(slotTime) > sub.MaxSkew {
			base = now
		}
		jitter := time.Duration(0)
		if sub.Jitter > 0 {
			jitter = time.Duration(rand.Int63n(int64(sub.Jitter)))
		}
		return base.Add(sub.HeartbeatInterval).Add(jitter), nil
	default:
		return time.Time{}, fmt.Errorf("scheduler: trigger type %q is not clock-scheduled", sub.Type)
	}
}

// formatSlot renders slotTime the way triggerKey requires: millisecond
// precision, UTC, trailing Z (spec §8 example:
// "2026-02-16T12:05:00.000Z").
func formatSlot(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// nextCronFire computes the next firing time after `after`, applying POSIX
// either/or day-field semantics: when both day-of-month and day-of-week are
// restricted (non-"*"), the slot matches if *either* field matches. Rather
// than relying on the parser's own day matching, it parses two variants of
// the expression, each wildcarding one of the two day fields, and takes the
// earlier of the two computed times.
func nextCronFire(expr string, after time.Time) (time.Time, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		sched, err := standardParser.Parse(expr)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(after), nil
	}

	dom, dow := fields[2], fields[4]
	if dom == "*" || dow == "*" {
		sched, err := standardParser.Parse(expr)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(after), nil
	}

	domOnly := strings.Join([]string{fields[0], fields[1], fields[2], fields[3], "*"}, " ")
	dowOnly := strings.Join([]string{fields[0], fields[1], "*", fields[3], fields[4]}, " ")

	schedDom, err := standardParser.Parse(domOnly)
	if err != nil {
		return time.Time{}, err
	}
	schedDow, err := standardParser.Parse(dowOnly)
	if err != nil {
		return time.Time{}, err
	}

	nextDom := schedDom.Next(after)
	nextDow := schedDow.Next(after)
	if nextDom.Before(nextDow) {
		return nextDom, nil
	}
	return nextDow, nil
}
