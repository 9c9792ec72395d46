package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowbase/core/internal/kv/memkv"
	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/queue"
	qmem "github.com/flowbase/core/internal/queue/memory"
	"github.com/flowbase/core/internal/store/memory"
)

func TestFire_CronAtMostOnce(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	q := qmem.New()
	sched := New(st, st, q, memkv.New())

	slot := time.Date(2026, 2, 16, 12, 5, 0, 0, time.UTC)
	sub := model.TriggerSubscription{
		ID: "sub1", OrgID: "org1", WorkflowID: "wf1",
		Type: model.TriggerCron, CronExpr: "*/5 * * * *", NextFireAt: slot,
	}
	st.PutTrigger(sub)

	require.NoError(t, sched.tick(ctx))

	got, err := st.GetTrigger(ctx, "org1", "sub1")
	require.NoError(t, err)
	require.Equal(t, "cron:sub1:2026-02-16T12:05:00.000Z", got.LastTriggerKey)
	require.Equal(t, time.Date(2026, 2, 16, 12, 10, 0, 0, time.UTC), got.NextFireAt)
	require.Empty(t, got.LastError)

	_, err = q.Claim(ctx, "worker1", time.Minute)
	require.NoError(t, err, "exactly one run job should have been enqueued")

	// A second tick for the same slot must not create a duplicate run.
	// UpdateTriggerSchedule already advanced nextFireAt to the next slot, so
	// simulate the race by resetting nextFireAt back to slot.
	sub2, err := st.GetTrigger(ctx, "org1", "sub1")
	require.NoError(t, err)
	sub2.NextFireAt = slot
	st.PutTrigger(sub2)
	require.NoError(t, sched.tick(ctx))

	_, err = q.Claim(ctx, "worker1", time.Minute)
	require.ErrorIs(t, err, queue.ErrEmpty, "duplicate slot must not enqueue a second job")
}

func TestComputeNext_CronPosixEitherOr(t *testing.T) {
	sched := New(nil, nil, nil, nil)
	sub := model.TriggerSubscription{Type: model.TriggerCron, CronExpr: "0 0 1 * MON"}
	slot := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)

	next, err := sched.computeNext(sub, slot, slot)
	require.NoError(t, err)
	// Monday 2026-02-16 is itself a Monday but Next() looks strictly after
	// slot, so the earliest of "day 1 of month" or "next Monday" should win.
	require.True(t, next.After(slot))
	require.True(t, next.Weekday() == time.Monday || next.Day() == 1)
}

func TestComputeNext_HeartbeatCatchUp(t *testing.T) {
	sched := New(nil, nil, nil, nil)
	sub := model.TriggerSubscription{
		Type:              model.TriggerHeartbeat,
		HeartbeatInterval: time.Minute,
		MaxSkew:           10 * time.Second,
	}
	slot := time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC)
	now := slot.Add(time.Hour) // far past maxSkew: catch up from now

	next, err := sched.computeNext(sub, slot, now)
	require.NoError(t, err)
	require.True(t, !next.Before(now.Add(time.Minute)))
}

func TestComputeNext_InvalidCronDefersSchedule(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	q := qmem.New()
	sched := New(st, st, q, memkv.New())

	slot := time.Now().Add(-time.Minute)
	st.PutTrigger(model.TriggerSubscription{
		ID: "badcron", OrgID: "org1", WorkflowID: "wf1",
		Type: model.TriggerCron, CronExpr: "not a cron expr", NextFireAt: slot,
	})

	require.NoError(t, sched.tick(ctx))

	got, err := st.GetTrigger(ctx, "org1", "badcron")
	require.NoError(t, err)
	require.Equal(t, "INVALID_CRON_EXPRESSION", got.LastError)
	require.True(t, got.NextFireAt.After(time.Now().Add(4*time.Minute)))
}
