// Package memory implements store.Store in process memory for unit tests.
// It enforces the same org-scoping contract as the Postgres implementation
// so tests exercise real tenant-isolation behavior, not a relaxed stand-in.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowbase/core/internal/model"
	"github.com/flowbase/core/internal/store"
)

// Store is an in-memory, mutex-guarded implementation of store.Store.
type Store struct {
	mu sync.Mutex

	orgs          map[string]model.Organization
	memberships   map[string]model.Membership // key: orgID+"/"+userID
	secrets       map[string]model.Secret     // key: orgID+"/"+connectorID+"/"+name
	workflows     map[string]model.Workflow   // key: orgID+"/"+id
	runs          map[string]model.WorkflowRun // key: orgID+"/"+id
	runTriggerKey map[string]string            // key: orgID+"/"+workflowID+"/"+triggerKey -> runID
	events        map[string][]model.WorkflowRunEvent // key: orgID+"/"+runID
	triggers      map[string]model.TriggerSubscription
	sessions      map[string]model.AgentSession
	sessionEvents map[string][]model.SessionEvent
	routes        map[string]model.ExecutorRoute
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		orgs:          make(map[string]model.Organization),
		memberships:   make(map[string]model.Membership),
		secrets:       make(map[string]model.Secret),
		workflows:     make(map[string]model.Workflow),
		runs:          make(map[string]model.WorkflowRun),
		runTriggerKey: make(map[string]string),
		events:        make(map[string][]model.WorkflowRunEvent),
		triggers:      make(map[string]model.TriggerSubscription),
		sessions:      make(map[string]model.AgentSession),
		sessionEvents: make(map[string][]model.SessionEvent),
		routes:        make(map[string]model.ExecutorRoute),
	}
}

// WithTx runs fn directly; the in-memory store holds a single global lock per
// call so there is no partial-visibility window to simulate.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func key(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}

// --- Orgs ---

func (s *Store) CreateOrg(ctx context.Context, org model.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; ok {
		return store.ErrConflict
	}
	now := time.Now()
	org.CreatedAt, org.UpdatedAt = now, now
	s.orgs[org.ID] = org
	return nil
}

func (s *Store) GetOrg(ctx context.Context, orgID string) (model.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[orgID]
	if !ok {
		return model.Organization{}, store.ErrNotFound
	}
	return o, nil
}

func (s *Store) UpsertMembership(ctx context.Context, m model.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.memberships[key(m.OrgID, m.UserID)] = m
	return nil
}

// --- Secrets ---

func (s *Store) PutSecret(ctx context.Context, sec model.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	k := key(sec.OrgID, sec.ConnectorID, sec.Name)
	if existing, ok := s.secrets[k]; ok {
		sec.CreatedAt = existing.CreatedAt
	} else {
		sec.CreatedAt = now
	}
	sec.UpdatedAt = now
	s.secrets[k] = sec
	return nil
}

func (s *Store) GetSecret(ctx context.Context, orgID, connectorID, name string) (model.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.secrets[key(orgID, connectorID, name)]
	if !ok {
		return model.Secret{}, store.ErrNotFound
	}
	return sec, nil
}

func (s *Store) DeleteSecret(ctx context.Context, orgID, connectorID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(orgID, connectorID, name)
	if _, ok := s.secrets[k]; !ok {
		return store.ErrNotFound
	}
	delete(s.secrets, k)
	return nil
}

// --- Workflows ---

func (s *Store) CreateWorkflow(ctx context.Context, wf model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(wf.OrgID, wf.ID)
	if _, ok := s.workflows[k]; ok {
		return store.ErrConflict
	}
	now := time.Now()
	wf.CreatedAt, wf.UpdatedAt = now, now
	s.workflows[k] = wf
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, orgID, workflowID string) (model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[key(orgID, workflowID)]
	if !ok || wf.OrgID != orgID {
		return model.Workflow{}, store.ErrNotFound
	}
	return wf, nil
}

func (s *Store) PublishWorkflow(ctx context.Context, orgID, workflowID string, dsl []byte, ver model.DSLVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(orgID, workflowID)
	wf, ok := s.workflows[k]
	if !ok {
		return store.ErrNotFound
	}
	if wf.Status == model.WorkflowPublished && string(wf.DSL) != string(dsl) {
		return store.ErrImmutable
	}
	wf.Status = model.WorkflowPublished
	wf.DSL = dsl
	wf.DSLVer = ver
	wf.UpdatedAt = time.Now()
	s.workflows[k] = wf
	return nil
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, run model.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(run.OrgID, run.ID)
	if _, ok := s.runs[k]; ok {
		return store.ErrConflict
	}
	if run.TriggerKey != "" {
		tk := key(run.OrgID, run.WorkflowID, run.TriggerKey)
		if _, ok := s.runTriggerKey[tk]; ok {
			return store.ErrConflict
		}
		s.runTriggerKey[tk] = run.ID
	}
	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	s.runs[k] = run
	return nil
}

func (s *Store) GetRun(ctx context.Context, orgID, runID string) (model.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[key(orgID, runID)]
	if !ok || run.OrgID != orgID {
		return model.WorkflowRun{}, store.ErrNotFound
	}
	return run, nil
}

func (s *Store) DeleteRun(ctx context.Context, orgID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(orgID, runID)
	run, ok := s.runs[k]
	if !ok || run.OrgID != orgID {
		return store.ErrNotFound
	}
	if run.TriggerKey != "" {
		delete(s.runTriggerKey, key(orgID, run.WorkflowID, run.TriggerKey))
	}
	delete(s.runs, k)
	delete(s.events, k)
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run model.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(run.OrgID, run.ID)
	existing, ok := s.runs[k]
	if !ok || existing.OrgID != run.OrgID {
		return store.ErrNotFound
	}
	run.CreatedAt = existing.CreatedAt
	run.UpdatedAt = time.Now()
	s.runs[k] = run
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, evt model.WorkflowRunEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(evt.OrgID, evt.RunID)
	seq := int64(len(s.events[k]) + 1)
	evt.Seq = seq
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	s.events[k] = append(s.events[k], evt)
	return seq, nil
}

func (s *Store) ListEvents(ctx context.Context, orgID, runID string) ([]model.WorkflowRunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evts := s.events[key(orgID, runID)]
	out := make([]model.WorkflowRunEvent, len(evts))
	copy(out, evts)
	return out, nil
}

func (s *Store) FindEventByKey(ctx context.Context, orgID, runID string, attempt int, nodeID string, eventType model.RunEventType) (*model.WorkflowRunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evts := s.events[key(orgID, runID)]
	for i := len(evts) - 1; i >= 0; i-- {
		e := evts[i]
		if e.Attempt == attempt && e.NodeID == nodeID && e.EventType == eventType {
			cp := e
			return &cp, nil
		}
	}
	return nil, nil
}

// --- Triggers ---

func (s *Store) DueTriggers(ctx context.Context, now time.Time, limit int) ([]model.TriggerSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []model.TriggerSubscription
	for _, t := range s.triggers {
		if !t.NextFireAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextFireAt.Before(due[j].NextFireAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) GetTrigger(ctx context.Context, orgID, id string) (model.TriggerSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok || t.OrgID != orgID {
		return model.TriggerSubscription{}, store.ErrNotFound
	}
	return t, nil
}

func (s *Store) UpdateTriggerSchedule(ctx context.Context, sub model.TriggerSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.UpdatedAt = time.Now()
	s.triggers[sub.ID] = sub
	return nil
}

// PutTrigger is a test helper for seeding a trigger subscription directly,
// since Triggers has no Create method (subscriptions are created alongside
// workflow publication in the store's caller, not through this interface).
func (s *Store) PutTrigger(sub model.TriggerSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[sub.ID] = sub
}

// --- Sessions ---

func (s *Store) UpsertSession(ctx context.Context, sess model.AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(sess.OrgID, sess.ID)
	now := time.Now()
	if existing, ok := s.sessions[k]; ok {
		sess.CreatedAt = existing.CreatedAt
	} else {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	s.sessions[k] = sess
	return nil
}

func (s *Store) GetSession(ctx context.Context, orgID, sessionID string) (model.AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key(orgID, sessionID)]
	if !ok || sess.OrgID != orgID {
		return model.AgentSession{}, store.ErrNotFound
	}
	return sess, nil
}

func (s *Store) AppendSessionEvent(ctx context.Context, evt model.SessionEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(evt.OrgID, evt.SessionID)
	seq := int64(len(s.sessionEvents[k]) + 1)
	evt.Seq = seq
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	s.sessionEvents[k] = append(s.sessionEvents[k], evt)
	return seq, nil
}

func (s *Store) FindSessionEventByIdempotencyKey(ctx context.Context, orgID, sessionID, idempotencyKey string) (*model.SessionEvent, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.sessionEvents[key(orgID, sessionID)] {
		if e.IdempotencyKey == idempotencyKey {
			cp := e
			return &cp, nil
		}
	}
	return nil, nil
}

// --- Executor routes ---

func (s *Store) UpsertExecutorRoute(ctx context.Context, r model.ExecutorRoute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[r.ExecutorID] = r
	return nil
}

func (s *Store) GetExecutorRoute(ctx context.Context, executorID string) (model.ExecutorRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[executorID]
	if !ok {
		return model.ExecutorRoute{}, store.ErrNotFound
	}
	return r, nil
}
