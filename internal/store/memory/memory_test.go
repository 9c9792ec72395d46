package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/store"
)

func TestCreateRun_TriggerKeyIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateOrg(ctx, model.Organization{ID: "org1", Slug: "org1"}))

	run := model.WorkflowRun{
		OrgID: "org1", WorkflowID: "wf1", ID: "run1",
		Status: model.RunQueued, MaxAttempts: 1, TriggerKey: "2026-07-31T00:00:00Z",
	}
	require.NoError(t, s.CreateRun(ctx, run))

	dup := run
	dup.ID = "run2"
	err := s.CreateRun(ctx, dup)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestGetRun_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateRun(ctx, model.WorkflowRun{OrgID: "org1", ID: "run1", Status: model.RunQueued}))

	_, err := s.GetRun(ctx, "org2", "run1")
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.GetRun(ctx, "org1", "run1")
	require.NoError(t, err)
	require.Equal(t, "run1", got.ID)
}

func TestAppendEvent_SeqMonotonic(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateRun(ctx, model.WorkflowRun{OrgID: "org1", ID: "run1", Status: model.RunQueued}))

	for i := 0; i < 3; i++ {
		seq, err := s.AppendEvent(ctx, model.WorkflowRunEvent{OrgID: "org1", RunID: "run1", EventType: model.EventNodeStarted})
		require.NoError(t, err)
		require.Equal(t, int64(i+1), seq)
	}

	evts, err := s.ListEvents(ctx, "org1", "run1")
	require.NoError(t, err)
	require.Len(t, evts, 3)
}

func TestPublishWorkflow_ImmutableOnRevisionMismatch(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateWorkflow(ctx, model.Workflow{
		OrgID: "org1", ID: "wf1", Status: model.WorkflowDraft, DSL: []byte(`{"v":1}`), DSLVer: model.DSLVersionV3,
	}))
	require.NoError(t, s.PublishWorkflow(ctx, "org1", "wf1", []byte(`{"v":1}`), model.DSLVersionV3))

	err := s.PublishWorkflow(ctx, "org1", "wf1", []byte(`{"v":2}`), model.DSLVersionV3)
	require.ErrorIs(t, err, store.ErrImmutable)
}

func TestFindEventByKey_ExactlyOnceLookup(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.AppendEvent(ctx, model.WorkflowRunEvent{
		OrgID: "org1", RunID: "run1", Attempt: 1, NodeID: "n1", EventType: model.EventNodeSucceeded,
	})
	require.NoError(t, err)

	found, err := s.FindEventByKey(ctx, "org1", "run1", 1, "n1", model.EventNodeSucceeded)
	require.NoError(t, err)
	require.NotNil(t, found)

	missing, err := s.FindEventByKey(ctx, "org1", "run1", 2, "n1", model.EventNodeSucceeded)
	require.NoError(t, err)
	require.Nil(t, missing)
}
