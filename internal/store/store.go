// Package store defines the persistence layer interface for tenant-scoped
// entities (spec §3, §6). Implementations must enforce row-level isolation:
// every read/write is scoped by org id and must never return rows belonging
// to a different organization.
//
// Available implementations:
//   - postgres: production store backed by lib/pq, using a transaction-local
//     "app.current_org" GUC plus row security policies for defense in depth
//     alongside explicit WHERE org_id = $1 predicates.
//   - memory: in-memory store for unit tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowbase/core/internal/model"
)

// ErrNotFound is returned when a tenant-scoped row does not exist (or exists
// under a different org, which must be indistinguishable to the caller).
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on unique constraint violations, e.g. a duplicate
// (org, workflow, triggerKey) or (org, connector, name) pair.
var ErrConflict = errors.New("conflict")

// ErrImmutable is returned when attempting to modify a published workflow's
// DSL within the scope of its current revision.
var ErrImmutable = errors.New("immutable")

// Store is the full tenant-scoped persistence surface consumed by the
// engine, agent loop, scheduler, and gateway. Org scoping is explicit on
// every method so callers cannot forget it.
type Store interface {
	Orgs
	Workflows
	Runs
	Triggers
	Sessions
	ExecutorRoutes
	Secrets

	// WithTx runs fn within a single transaction, committing on nil error and
	// rolling back otherwise. Implementations bind the transaction to the
	// context so calls made with the returned context participate in it.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Orgs manages organizations and memberships.
type Orgs interface {
	CreateOrg(ctx context.Context, org model.Organization) error
	GetOrg(ctx context.Context, orgID string) (model.Organization, error)
	UpsertMembership(ctx context.Context, m model.Membership) error
}

// Secrets manages encrypted connector credentials. Plaintext never round-trips.
type Secrets interface {
	PutSecret(ctx context.Context, s model.Secret) error
	GetSecret(ctx context.Context, orgID, connectorID, name string) (model.Secret, error)
	DeleteSecret(ctx context.Context, orgID, connectorID, name string) error
}

// Workflows manages workflow definitions.
type Workflows interface {
	CreateWorkflow(ctx context.Context, wf model.Workflow) error
	GetWorkflow(ctx context.Context, orgID, workflowID string) (model.Workflow, error)
	// PublishWorkflow transitions a draft to published at its current revision.
	// Returns ErrImmutable if the workflow is already published at this revision
	// and the DSL differs from what is stored.
	PublishWorkflow(ctx context.Context, orgID, workflowID string, dsl []byte, ver model.DSLVersion) error
}

// Runs manages workflow run rows and their append-only event streams.
type Runs interface {
	// CreateRun inserts a new run. Returns ErrConflict if (org, workflow,
	// triggerKey) already exists and triggerKey is non-empty (idempotent
	// enqueue, spec §3, §4.7).
	CreateRun(ctx context.Context, run model.WorkflowRun) error
	GetRun(ctx context.Context, orgID, runID string) (model.WorkflowRun, error)
	// DeleteRun removes a run and its events outright. Used only to compensate
	// a run created for a trigger slot whose enqueue then failed (spec §4.7),
	// freeing the (org, workflow, triggerKey) slot for the next poll to retry.
	DeleteRun(ctx context.Context, orgID, runID string) error
	// UpdateRun persists the full run row (status, attempt count, cursor,
	// runtime, output). Callers must hold the run within a transaction
	// started by WithTx when the update must be atomic with event append.
	UpdateRun(ctx context.Context, run model.WorkflowRun) error

	// AppendEvent appends a run event, assigning the next seq for the run in
	// the same transaction as the caller's state transition. Seq assignment
	// must be monotonic and gapless per runID.
	AppendEvent(ctx context.Context, evt model.WorkflowRunEvent) (seq int64, err error)
	ListEvents(ctx context.Context, orgID, runID string) ([]model.WorkflowRunEvent, error)

	// FindEventByKey looks up a node_succeeded (or node_failed) event for
	// (runID, attempt, nodeID) to support the exactly-once idempotency check
	// in spec §4.2.
	FindEventByKey(ctx context.Context, orgID, runID string, attempt int, nodeID string, eventType model.RunEventType) (*model.WorkflowRunEvent, error)
}

// Triggers manages trigger subscriptions for the scheduler.
type Triggers interface {
	// DueTriggers returns subscriptions with nextFireAt <= now, bounded by
	// limit. System-role callers bypass RLS (spec §5); regular callers only
	// see their own org's subscriptions.
	DueTriggers(ctx context.Context, now time.Time, limit int) ([]model.TriggerSubscription, error)
	GetTrigger(ctx context.Context, orgID, id string) (model.TriggerSubscription, error)
	UpdateTriggerSchedule(ctx context.Context, sub model.TriggerSubscription) error
}

// Sessions manages agent sessions and their event streams.
type Sessions interface {
	UpsertSession(ctx context.Context, s model.AgentSession) error
	GetSession(ctx context.Context, orgID, sessionID string) (model.AgentSession, error)
	AppendSessionEvent(ctx context.Context, evt model.SessionEvent) (seq int64, err error)

	// FindSessionEventByIdempotencyKey looks up a previously-appended event
	// by (sessionID, idempotencyKey) so a resent session_send message can be
	// recognized as a duplicate rather than re-run (spec §6).
	FindSessionEventByIdempotencyKey(ctx context.Context, orgID, sessionID, idempotencyKey string) (*model.SessionEvent, error)
}

// ExecutorRoutes persists executor route metadata for the dispatch selector.
// Most route state (in-flight counts, liveness) lives in the KV store for
// speed; the durable store retains route identity/labels for audit/recovery.
type ExecutorRoutes interface {
	UpsertExecutorRoute(ctx context.Context, r model.ExecutorRoute) error
	GetExecutorRoute(ctx context.Context, executorID string) (model.ExecutorRoute, error)
}
