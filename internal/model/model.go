// Package model defines the tenant-scoped domain entities shared across the
// durable store, workflow engine, agent loop, and gateway (spec §3). Types
// here are persistence-agnostic; internal/store binds them to Postgres rows.
package model

import (
	"encoding/json"
	"time"
)

// Role is a membership role within an organization.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Organization owns every tenant-scoped row.
type Organization struct {
	ID        string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Membership binds a user to an organization with a role. Unique per (org, user).
type Membership struct {
	OrgID     string
	UserID    string
	Role      Role
	CreatedAt time.Time
}

// Secret stores connector credentials. Plaintext is never returned after
// creation; only ciphertext and the key-encryption-key id are persisted.
type Secret struct {
	OrgID       string
	ConnectorID string
	Name        string
	Ciphertext  []byte
	KEKID       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkflowStatus is the publication lifecycle of a Workflow.
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "draft"
	WorkflowPublished WorkflowStatus = "published"
)

// DSLVersion identifies which graph shape a workflow's DSL uses.
type DSLVersion string

const (
	DSLVersionV2 DSLVersion = "v2"
	DSLVersionV3 DSLVersion = "v3"
)

// Workflow is a versioned graph definition owned by an organization.
// Published workflows are immutable w.r.t. DSL within the scope of a revision.
type Workflow struct {
	OrgID     string
	ID        string
	Status    WorkflowStatus
	Revision  int
	DSL       json.RawMessage
	DSLVer    DSLVersion
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunStatus is the lifecycle state of a WorkflowRun (spec §3, §4.2).
type RunStatus string

const (
	RunQueued          RunStatus = "queued"
	RunRunning         RunStatus = "running"
	RunBlocked         RunStatus = "blocked"
	RunQueuedForRetry  RunStatus = "queued_for_retry"
	RunSucceeded       RunStatus = "succeeded"
	RunFailed          RunStatus = "failed"
)

// RunOutput is the accumulated output of a run: one step per succeeded node,
// plus the id of the node that caused failure, if any.
type RunOutput struct {
	Steps        []RunStep `json:"steps"`
	FailedNodeID string    `json:"failedNodeId,omitempty"`
}

// RunStep records a single node's output in execution order.
type RunStep struct {
	NodeID string          `json:"nodeId"`
	Output json.RawMessage `json:"output,omitempty"`
}

// RunRuntime is the resumable execution state of a run: agent-loop subtrees
// keyed by node id, plus the pending remote result awaiting consumption after
// a blocked→running transition (spec §4.2, §4.4).
type RunRuntime struct {
	AgentRuns          map[string]*AgentRunState `json:"agentRuns,omitempty"`
	PendingRemoteResult *RemoteResult            `json:"pendingRemoteResult,omitempty"`
}

// WorkflowRun is one execution instance of a Workflow (spec §3).
type WorkflowRun struct {
	OrgID            string
	WorkflowID       string
	ID               string
	Status           RunStatus
	AttemptCount     int
	MaxAttempts      int
	CursorNodeIndex  int      // v2 resume cursor
	Frontier         []string // v3 ready-set snapshot at last checkpoint
	BlockedRequestID string
	Runtime          RunRuntime
	Output           RunOutput
	Input            json.RawMessage
	TriggerKey       string
	TriggeredAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EventLevel is the severity of a WorkflowRunEvent.
type EventLevel string

const (
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// RunEventType enumerates the append-only event vocabulary emitted by the run
// state machine (spec §4.2, §8).
type RunEventType string

const (
	EventRunStarted    RunEventType = "run_started"
	EventRunSucceeded  RunEventType = "run_succeeded"
	EventRunFailed     RunEventType = "run_failed"
	EventRunRetried    RunEventType = "run_retried"
	EventNodeStarted   RunEventType = "node_started"
	EventNodeSucceeded RunEventType = "node_succeeded"
	EventNodeFailed    RunEventType = "node_failed"
	EventNodeDispatched RunEventType = "node_dispatched"
	EventAgentToolCall   RunEventType = "agent_tool_call"
	EventAgentToolResult RunEventType = "agent_tool_result"
)

// WorkflowRunEvent is an append-only, tenant-scoped, totally ordered event on
// a run's timeline (spec §3, §5).
type WorkflowRunEvent struct {
	OrgID     string
	RunID     string
	Seq       int64
	NodeID    string
	NodeType  string
	Attempt   int
	EventType RunEventType
	Level     EventLevel
	Message   string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// TriggerType enumerates the kinds of trigger subscriptions (spec §3, §4.7).
type TriggerType string

const (
	TriggerCron      TriggerType = "cron"
	TriggerHeartbeat TriggerType = "heartbeat"
	TriggerChannel   TriggerType = "channel"
	TriggerManual    TriggerType = "manual"
)

// TriggerSubscription is a schedule that produces triggerKey-identified run
// slots (spec §3, §4.7).
type TriggerSubscription struct {
	ID                string
	OrgID             string
	WorkflowID        string
	Type              TriggerType
	CronExpr          string
	HeartbeatInterval time.Duration
	Jitter            time.Duration
	MaxSkew           time.Duration
	NextFireAt        time.Time
	LastTriggeredAt   *time.Time
	LastTriggerKey    string
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AgentSessionStatus is the lifecycle state of an AgentSession.
type AgentSessionStatus string

const (
	AgentSessionActive AgentSessionStatus = "active"
	AgentSessionEnded  AgentSessionStatus = "ended"
)

// AgentSession is a long-lived WebSocket-addressable conversation container
// (spec §3, §6).
type AgentSession struct {
	OrgID          string
	ID             string
	EngineID       string
	Model          string
	Status         AgentSessionStatus
	PinnedExecutor string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SessionEvent is an append-only event on a session's stream, ordered by
// (sessionID, seq). IdempotencyKey, when set, lets a resent client message
// (spec §6 session_send.idempotencyKey) be recognized and skipped rather
// than re-appended and re-run through the agent loop.
type SessionEvent struct {
	OrgID          string
	SessionID      string
	Seq            int64
	EventType      string
	Level          EventLevel
	Payload        json.RawMessage
	IdempotencyKey string
	CreatedAt      time.Time
}

// Pool distinguishes platform-hosted from bring-your-own-node executors.
type Pool string

const (
	PoolManaged Pool = "managed"
	PoolBYON    Pool = "byon"
)

// ExecutorRoute describes a live executor connection available for dispatch
// (spec §3, §4.6, §6).
type ExecutorRoute struct {
	ExecutorID   string
	EdgeID       string
	Pool         Pool
	OrgID        string
	Labels       map[string]string
	MaxInFlight  int
	Kinds        []string
	LastSeenAtMs int64
	LastUsedAtMs int64
	InFlight     int
}

// PendingRequest addresses a dispatched payload to an executor (spec §3, §4.6).
type PendingRequest struct {
	RequestID    string
	OrgID        string
	RunID        string
	NodeID       string
	ToolCallIdx  *int
	CreatedAt    time.Time
}

// RemoteResultStatus is the terminal status reported by an executor for a
// dispatched request.
type RemoteResultStatus string

const (
	RemoteSucceeded    RemoteResultStatus = "succeeded"
	RemoteFailed       RemoteResultStatus = "failed"
	RemoteDisconnected RemoteResultStatus = "disconnected"
)

// RemoteResult is the stored result envelope for a PendingRequest, keyed by
// requestId with a TTL (spec §3, §4.6, §4.8).
type RemoteResult struct {
	RequestID string             `json:"requestId"`
	Status    RemoteResultStatus `json:"status"`
	Output    json.RawMessage    `json:"output,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// AgentRunState is the resumable runtime subtree of a WorkflowRun driving the
// agent loop for a single node (spec §3, §4.4).
type AgentRunState struct {
	ToolCalls            int                      `json:"toolCalls"`
	Turns                int                      `json:"turns"`
	History              []HistoryEntry           `json:"history"`
	ToolResultsByCallIdx map[int]json.RawMessage  `json:"toolResultsByCallIndex,omitempty"`
	PendingToolCall      *PendingToolCall         `json:"pendingToolCall,omitempty"`
}

// HistoryEntry is one message in the agent loop's bounded conversation
// history (system/user/assistant/tool_result roles).
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PendingToolCall is the single concurrent mutator of a run's runtime: it
// marks the in-flight tool call a blocked node is waiting to resume from
// (spec §4.4, §5, §8).
type PendingToolCall struct {
	CallIndex  int             `json:"callIndex"`
	ToolID     string          `json:"toolId"`
	Input      json.RawMessage `json:"input"`
	RequestID  string          `json:"requestId,omitempty"`
}
