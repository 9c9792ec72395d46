// Package postgres implements store.Store on top of PostgreSQL via
// database/sql and lib/pq, following the teacher's store-adapter shape
// (registry/store/mongo) but against a relational backend with row-level
// isolation as spec §3/§5 require.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/store"
)

// Store is a PostgreSQL-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL using the given DSN. Callers should run
// schema.sql once (e.g. via a migration tool) before using the store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *sql.DB.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

type txKey struct{}

// querier abstracts *sql.DB / *sql.Tx so every method works both inside and
// outside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithTx runs fn within a single transaction. The org GUC set by
// setCurrentOrg is transaction-local (set_config with is_local = true): inside
// WithTx it holds for the rest of fn's queries, while outside WithTx it lasts
// only for the set_config statement's own implicit transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// setCurrentOrg sets the app.current_org GUC used by row security policies.
// It is best-effort defense in depth: every query below also predicates on
// org_id explicitly (spec §5 "narrow paths... bypass RLS" is the only
// sanctioned exception, applied by callers using a system-role connection).
func setCurrentOrg(ctx context.Context, q querier, orgID string) error {
	_, err := q.ExecContext(ctx, `SELECT set_config('app.current_org', $1, true)`, orgID)
	return err
}

// --- Orgs ---

func (s *Store) CreateOrg(ctx context.Context, org model.Organization) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO organizations (id, slug) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`,
		org.ID, org.Slug)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetOrg(ctx context.Context, orgID string) (model.Organization, error) {
	var o model.Organization
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, slug, created_at, updated_at FROM organizations WHERE id = $1`, orgID).
		Scan(&o.ID, &o.Slug, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Organization{}, store.ErrNotFound
	}
	return o, err
}

func (s *Store) UpsertMembership(ctx context.Context, m model.Membership) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO memberships (org_id, user_id, role) VALUES ($1, $2, $3)
		 ON CONFLICT (org_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		m.OrgID, m.UserID, string(m.Role))
	return err
}

// --- Secrets ---

func (s *Store) PutSecret(ctx context.Context, sec model.Secret) error {
	if err := setCurrentOrg(ctx, s.q(ctx), sec.OrgID); err != nil {
		return err
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO secrets (org_id, connector_id, name, ciphertext, kek_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (org_id, connector_id, name)
		 DO UPDATE SET ciphertext = EXCLUDED.ciphertext, kek_id = EXCLUDED.kek_id, updated_at = now()`,
		sec.OrgID, sec.ConnectorID, sec.Name, sec.Ciphertext, sec.KEKID)
	return err
}

func (s *Store) GetSecret(ctx context.Context, orgID, connectorID, name string) (model.Secret, error) {
	if err := setCurrentOrg(ctx, s.q(ctx), orgID); err != nil {
		return model.Secret{}, err
	}
	var sec model.Secret
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT org_id, connector_id, name, ciphertext, kek_id, created_at, updated_at
		 FROM secrets WHERE org_id = $1 AND connector_id = $2 AND name = $3`,
		orgID, connectorID, name).
		Scan(&sec.OrgID, &sec.ConnectorID, &sec.Name, &sec.Ciphertext, &sec.KEKID, &sec.CreatedAt, &sec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Secret{}, store.ErrNotFound
	}
	return sec, err
}

func (s *Store) DeleteSecret(ctx context.Context, orgID, connectorID, name string) error {
	if err := setCurrentOrg(ctx, s.q(ctx), orgID); err != nil {
		return err
	}
	res, err := s.q(ctx).ExecContext(ctx,
		`DELETE FROM secrets WHERE org_id = $1 AND connector_id = $2 AND name = $3`,
		orgID, connectorID, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Workflows ---

func (s *Store) CreateWorkflow(ctx context.Context, wf model.Workflow) error {
	if err := setCurrentOrg(ctx, s.q(ctx), wf.OrgID); err != nil {
		return err
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO workflows (org_id, id, status, revision, dsl, dsl_ver)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		wf.OrgID, wf.ID, string(wf.Status), wf.Revision, []byte(wf.DSL), string(wf.DSLVer))
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, orgID, workflowID string) (model.Workflow, error) {
	if err := setCurrentOrg(ctx, s.q(ctx), orgID); err != nil {
		return model.Workflow{}, err
	}
	var wf model.Workflow
	var status, ver string
	var dsl []byte
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT org_id, id, status, revision, dsl, dsl_ver, created_at, updated_at
		 FROM workflows WHERE org_id = $1 AND id = $2`, orgID, workflowID).
		Scan(&wf.OrgID, &wf.ID, &status, &wf.Revision, &dsl, &ver, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Workflow{}, store.ErrNotFound
	}
	wf.Status = model.WorkflowStatus(status)
	wf.DSLVer = model.DSLVersion(ver)
	wf.DSL = json.RawMessage(dsl)
	return wf, err
}

func (s *Store) PublishWorkflow(ctx context.Context, orgID, workflowID string, dsl []byte, ver model.DSLVersion) error {
	existing, err := s.GetWorkflow(ctx, orgID, workflowID)
	if err != nil {
		return err
	}
	if existing.Status == model.WorkflowPublished && string(existing.DSL) != string(dsl) {
		return store.ErrImmutable
	}
	_, err = s.q(ctx).ExecContext(ctx,
		`UPDATE workflows SET status = $3, dsl = $4, dsl_ver = $5, updated_at = now()
		 WHERE org_id = $1 AND id = $2`,
		orgID, workflowID, string(model.WorkflowPublished), dsl, string(ver))
	return err
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, run model.WorkflowRun) error {
	if err := setCurrentOrg(ctx, s.q(ctx), run.OrgID); err != nil {
		return err
	}
	runtime, _ := json.Marshal(run.Runtime)
	output, _ := json.Marshal(run.Output)
	frontier, _ := json.Marshal(run.Frontier)
	var triggerKey any
	if run.TriggerKey != "" {
		triggerKey = run.TriggerKey
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO workflow_runs
		 (org_id, workflow_id, id, status, attempt_count, max_attempts, cursor_node_index,
		  frontier, blocked_request_id, runtime, output, input, trigger_key, triggered_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		run.OrgID, run.WorkflowID, run.ID, string(run.Status), run.AttemptCount, run.MaxAttempts,
		run.CursorNodeIndex, frontier, nullStr(run.BlockedRequestID), runtime, output,
		[]byte(run.Input), triggerKey, run.TriggeredAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetRun(ctx context.Context, orgID, runID string) (model.WorkflowRun, error) {
	if err := setCurrentOrg(ctx, s.q(ctx), orgID); err != nil {
		return model.WorkflowRun{}, err
	}
	var run model.WorkflowRun
	var status string
	var frontier, runtime, output, input []byte
	var blockedReqID sql.NullString
	var triggerKey sql.NullString
	var triggeredAt sql.NullTime
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT org_id, workflow_id, id, status, attempt_count, max_attempts, cursor_node_index,
		        frontier, blocked_request_id, runtime, output, input, trigger_key, triggered_at,
		        created_at, updated_at
		 FROM workflow_runs WHERE org_id = $1 AND id = $2`, orgID, runID).
		Scan(&run.OrgID, &run.WorkflowID, &run.ID, &status, &run.AttemptCount, &run.MaxAttempts,
			&run.CursorNodeIndex, &frontier, &blockedReqID, &runtime, &output, &input,
			&triggerKey, &triggeredAt, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowRun{}, store.ErrNotFound
	}
	if err != nil {
		return model.WorkflowRun{}, err
	}
	run.Status = model.RunStatus(status)
	run.BlockedRequestID = blockedReqID.String
	run.TriggerKey = triggerKey.String
	if triggeredAt.Valid {
		t := triggeredAt.Time
		run.TriggeredAt = &t
	}
	_ = json.Unmarshal(frontier, &run.Frontier)
	_ = json.Unmarshal(runtime, &run.Runtime)
	_ = json.Unmarshal(output, &run.Output)
	run.Input = json.RawMessage(input)
	return run, nil
}

func (s *Store) DeleteRun(ctx context.Context, orgID, runID string) error {
	if err := setCurrentOrg(ctx, s.q(ctx), orgID); err != nil {
		return err
	}
	res, err := s.q(ctx).ExecContext(ctx,
		`DELETE FROM workflow_runs WHERE org_id=$1 AND id=$2`, orgID, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	_, err = s.q(ctx).ExecContext(ctx,
		`DELETE FROM workflow_run_events WHERE org_id=$1 AND run_id=$2`, orgID, runID)
	return err
}

func (s *Store) UpdateRun(ctx context.Context, run model.WorkflowRun) error {
	if err := setCurrentOrg(ctx, s.q(ctx), run.OrgID); err != nil {
		return err
	}
	runtime, _ := json.Marshal(run.Runtime)
	output, _ := json.Marshal(run.Output)
	frontier, _ := json.Marshal(run.Frontier)
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE workflow_runs SET status=$3, attempt_count=$4, cursor_node_index=$5,
		   frontier=$6, blocked_request_id=$7, runtime=$8, output=$9, updated_at=now()
		 WHERE org_id=$1 AND id=$2`,
		run.OrgID, run.ID, string(run.Status), run.AttemptCount, run.CursorNodeIndex,
		frontier, nullStr(run.BlockedRequestID), runtime, output)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, evt model.WorkflowRunEvent) (int64, error) {
	if err := setCurrentOrg(ctx, s.q(ctx), evt.OrgID); err != nil {
		return 0, err
	}
	var seq int64
	err := s.q(ctx).QueryRowContext(ctx,
		`INSERT INTO workflow_run_events (org_id, run_id, seq, node_id, node_type, attempt,
		   event_type, level, message, payload)
		 VALUES ($1, $2,
		   COALESCE((SELECT MAX(seq) FROM workflow_run_events WHERE org_id=$1 AND run_id=$2), 0) + 1,
		   $3, $4, $5, $6, $7, $8, $9)
		 RETURNING seq`,
		evt.OrgID, evt.RunID, nullStr(evt.NodeID), nullStr(evt.NodeType), evt.Attempt,
		string(evt.EventType), string(evt.Level), evt.Message, []byte(evt.Payload)).
		Scan(&seq)
	return seq, err
}

func (s *Store) ListEvents(ctx context.Context, orgID, runID string) ([]model.WorkflowRunEvent, error) {
	if err := setCurrentOrg(ctx, s.q(ctx), orgID); err != nil {
		return nil, err
	}
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT org_id, run_id, seq, node_id, node_type, attempt, event_type, level, message, payload, created_at
		 FROM workflow_run_events WHERE org_id = $1 AND run_id = $2 ORDER BY seq ASC`, orgID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.WorkflowRunEvent
	for rows.Next() {
		var e model.WorkflowRunEvent
		var nodeID, nodeType sql.NullString
		var eventType, level string
		var payload []byte
		if err := rows.Scan(&e.OrgID, &e.RunID, &e.Seq, &nodeID, &nodeType, &e.Attempt,
			&eventType, &level, &e.Message, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.NodeType = nodeType.String
		e.EventType = model.RunEventType(eventType)
		e.Level = model.EventLevel(level)
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) FindEventByKey(ctx context.Context, orgID, runID string, attempt int, nodeID string, eventType model.RunEventType) (*model.WorkflowRunEvent, error) {
	if err := setCurrentOrg(ctx, s.q(ctx), orgID); err != nil {
		return nil, err
	}
	var e model.WorkflowRunEvent
	var payload []byte
	var level string
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT org_id, run_id, seq, node_id, attempt, event_type, level, payload, created_at
		 FROM workflow_run_events
		 WHERE org_id=$1 AND run_id=$2 AND attempt=$3 AND node_id=$4 AND event_type=$5
		 ORDER BY seq DESC LIMIT 1`,
		orgID, runID, attempt, nodeID, string(eventType)).
		Scan(&e.OrgID, &e.RunID, &e.Seq, &e.NodeID, &e.Attempt, &e.EventType, &level, &payload, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Level = model.EventLevel(level)
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

// --- Triggers ---

func (s *Store) DueTriggers(ctx context.Context, now time.Time, limit int) ([]model.TriggerSubscription, error) {
	// System-role scan: intentionally not org-scoped (spec §5 "scheduler...
	// bypass RLS only in narrow paths"). Callers must log event=rls_bypass.
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT id, org_id, workflow_id, type, cron_expr, heartbeat_interval, jitter, max_skew,
		        next_fire_at, last_triggered_at, last_trigger_key, last_error
		 FROM trigger_subscriptions WHERE next_fire_at <= $1 ORDER BY next_fire_at ASC LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TriggerSubscription
	for rows.Next() {
		var t model.TriggerSubscription
		var typ string
		var cronExpr, lastTriggerKey, lastError sql.NullString
		var heartbeat, jitter, maxSkew sql.NullInt64
		var lastTriggeredAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.OrgID, &t.WorkflowID, &typ, &cronExpr, &heartbeat, &jitter,
			&maxSkew, &t.NextFireAt, &lastTriggeredAt, &lastTriggerKey, &lastError); err != nil {
			return nil, err
		}
		t.Type = model.TriggerType(typ)
		t.CronExpr = cronExpr.String
		t.HeartbeatInterval = time.Duration(heartbeat.Int64)
		t.Jitter = time.Duration(jitter.Int64)
		t.MaxSkew = time.Duration(maxSkew.Int64)
		t.LastTriggerKey = lastTriggerKey.String
		t.LastError = lastError.String
		if lastTriggeredAt.Valid {
			lt := lastTriggeredAt.Time
			t.LastTriggeredAt = &lt
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetTrigger(ctx context.Context, orgID, id string) (model.TriggerSubscription, error) {
	if err := setCurrentOrg(ctx, s.q(ctx), orgID); err != nil {
		return model.TriggerSubscription{}, err
	}
	var t model.TriggerSubscription
	var typ string
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, org_id, workflow_id, type, next_fire_at FROM trigger_subscriptions
		 WHERE org_id = $1 AND id = $2`, orgID, id).
		Scan(&t.ID, &t.OrgID, &t.WorkflowID, &typ, &t.NextFireAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TriggerSubscription{}, store.ErrNotFound
	}
	t.Type = model.TriggerType(typ)
	return t, err
}

func (s *Store) UpdateTriggerSchedule(ctx context.Context, sub model.TriggerSubscription) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`UPDATE trigger_subscriptions
		 SET next_fire_at=$3, last_triggered_at=$4, last_trigger_key=$5, last_error=$6, updated_at=now()
		 WHERE org_id=$1 AND id=$2`,
		sub.OrgID, sub.ID, sub.NextFireAt, sub.LastTriggeredAt, nullStr(sub.LastTriggerKey), nullStr(sub.LastError))
	return err
}

// --- Sessions ---

func (s *Store) UpsertSession(ctx context.Context, sess model.AgentSession) error {
	if err := setCurrentOrg(ctx, s.q(ctx), sess.OrgID); err != nil {
		return err
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO agent_sessions (org_id, id, engine_id, model, status, pinned_executor)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (org_id, id) DO UPDATE SET
		   engine_id=EXCLUDED.engine_id, model=EXCLUDED.model, status=EXCLUDED.status,
		   pinned_executor=EXCLUDED.pinned_executor, updated_at=now()`,
		sess.OrgID, sess.ID, sess.EngineID, sess.Model, string(sess.Status), sess.PinnedExecutor)
	return err
}

func (s *Store) GetSession(ctx context.Context, orgID, sessionID string) (model.AgentSession, error) {
	if err := setCurrentOrg(ctx, s.q(ctx), orgID); err != nil {
		return model.AgentSession{}, err
	}
	var sess model.AgentSession
	var status string
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT org_id, id, engine_id, model, status, pinned_executor, created_at, updated_at
		 FROM agent_sessions WHERE org_id=$1 AND id=$2`, orgID, sessionID).
		Scan(&sess.OrgID, &sess.ID, &sess.EngineID, &sess.Model, &status, &sess.PinnedExecutor,
			&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AgentSession{}, store.ErrNotFound
	}
	sess.Status = model.AgentSessionStatus(status)
	return sess, err
}

func (s *Store) AppendSessionEvent(ctx context.Context, evt model.SessionEvent) (int64, error) {
	if err := setCurrentOrg(ctx, s.q(ctx), evt.OrgID); err != nil {
		return 0, err
	}
	var idempotencyKey *string
	if evt.IdempotencyKey != "" {
		idempotencyKey = &evt.IdempotencyKey
	}
	var seq int64
	err := s.q(ctx).QueryRowContext(ctx,
		`INSERT INTO session_events (org_id, session_id, seq, event_type, level, payload, idempotency_key)
		 VALUES ($1, $2,
		   COALESCE((SELECT MAX(seq) FROM session_events WHERE org_id=$1 AND session_id=$2), 0) + 1,
		   $3, $4, $5, $6)
		 RETURNING seq`,
		evt.OrgID, evt.SessionID, string(evt.EventType), string(evt.Level), []byte(evt.Payload), idempotencyKey).
		Scan(&seq)
	return seq, err
}

// FindSessionEventByIdempotencyKey looks up a previously-appended event by
// (sessionID, idempotencyKey), backed by session_events_idempotency_key
// (spec §6 session_send.idempotencyKey).
func (s *Store) FindSessionEventByIdempotencyKey(ctx context.Context, orgID, sessionID, idempotencyKey string) (*model.SessionEvent, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	if err := setCurrentOrg(ctx, s.q(ctx), orgID); err != nil {
		return nil, err
	}
	var evt model.SessionEvent
	var level string
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT org_id, session_id, seq, event_type, level, payload, idempotency_key, created_at
		 FROM session_events WHERE org_id=$1 AND session_id=$2 AND idempotency_key=$3`,
		orgID, sessionID, idempotencyKey).
		Scan(&evt.OrgID, &evt.SessionID, &evt.Seq, &evt.EventType, &level, &evt.Payload, &evt.IdempotencyKey, &evt.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	evt.Level = model.EventLevel(level)
	return &evt, nil
}

// --- Executor routes ---

func (s *Store) UpsertExecutorRoute(ctx context.Context, r model.ExecutorRoute) error {
	labels, _ := json.Marshal(r.Labels)
	kinds, _ := json.Marshal(r.Kinds)
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO executor_routes (executor_id, edge_id, pool, org_id, labels, max_in_flight, kinds, last_seen_ms)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (executor_id) DO UPDATE SET
		   edge_id=EXCLUDED.edge_id, pool=EXCLUDED.pool, org_id=EXCLUDED.org_id, labels=EXCLUDED.labels,
		   max_in_flight=EXCLUDED.max_in_flight, kinds=EXCLUDED.kinds, last_seen_ms=EXCLUDED.last_seen_ms,
		   updated_at=now()`,
		r.ExecutorID, r.EdgeID, string(r.Pool), r.OrgID, labels, r.MaxInFlight, kinds, r.LastSeenAtMs)
	return err
}

func (s *Store) GetExecutorRoute(ctx context.Context, executorID string) (model.ExecutorRoute, error) {
	var r model.ExecutorRoute
	var pool string
	var labels, kinds []byte
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT executor_id, edge_id, pool, org_id, labels, max_in_flight, kinds, last_seen_ms
		 FROM executor_routes WHERE executor_id = $1`, executorID).
		Scan(&r.ExecutorID, &r.EdgeID, &pool, &r.OrgID, &labels, &r.MaxInFlight, &kinds, &r.LastSeenAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ExecutorRoute{}, store.ErrNotFound
	}
	r.Pool = model.Pool(pool)
	_ = json.Unmarshal(labels, &r.Labels)
	_ = json.Unmarshal(kinds, &r.Kinds)
	return r, err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
