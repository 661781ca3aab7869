package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
)

// MemoryStore implements Store in memory.
// Thread-safe via RWMutex; records are copied on the way in and out.
type MemoryStore struct {
	mu         sync.RWMutex
	agents     map[string]*contracts.Agent
	verified   map[string]*contracts.VerifiedAgent
	sessions   map[string]*contracts.VerificationSession
	spotChecks map[string]*contracts.SpotCheck
	audit      []*contracts.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:     make(map[string]*contracts.Agent),
		verified:   make(map[string]*contracts.VerifiedAgent),
		sessions:   make(map[string]*contracts.VerificationSession),
		spotChecks: make(map[string]*contracts.SpotCheck),
	}
}

func (s *MemoryStore) GetAgent(ctx context.Context, agentID string) (*contracts.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	val := *a
	return &val, nil
}

func (s *MemoryStore) UpsertAgent(ctx context.Context, agent *contracts.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.agents[agent.ID]; ok {
		existing.Username = agent.Username
		existing.Model = agent.Model
		existing.WebhookURL = agent.WebhookURL
		return nil
	}
	val := *agent
	s.agents[agent.ID] = &val
	return nil
}

func (s *MemoryStore) SaveTrustState(ctx context.Context, agentID string, state contracts.TrustState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	a.Trust = state
	return nil
}

func (s *MemoryStore) GetAgentStats(ctx context.Context, agentID string) (*contracts.AgentStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	return statsOf(a.Trust), nil
}

func (s *MemoryStore) SaveVerifiedAgent(ctx context.Context, v *contracts.VerifiedAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *v
	s.verified[v.AgentID] = &val
	return nil
}

func (s *MemoryStore) DeleteVerifiedAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.verified, agentID)
	return nil
}

func (s *MemoryStore) ListVerifiedAgents(ctx context.Context, afterID string, limit int) ([]*contracts.VerifiedAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.verified))
	for id := range s.verified {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*contracts.VerifiedAgent, 0, len(ids))
	for _, id := range ids {
		val := *s.verified[id]
		out = append(out, &val)
	}
	return out, nil
}

func (s *MemoryStore) SaveSession(ctx context.Context, sess *contracts.VerificationSession) error {
	val, err := clone(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = val
	return nil
}

func (s *MemoryStore) LoadSession(ctx context.Context, sessionID string) (*contracts.VerificationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return clone(sess)
}

func (s *MemoryStore) SaveSpotCheck(ctx context.Context, sc *contracts.SpotCheck) error {
	val, err := clone(sc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spotChecks[sc.ID] = val
	return nil
}

func (s *MemoryStore) LoadSpotCheck(ctx context.Context, id string) (*contracts.SpotCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.spotChecks[id]
	if !ok {
		return nil, nil
	}
	return clone(sc)
}

func (s *MemoryStore) LoadPendingSpotChecks(ctx context.Context, agentID string) ([]*contracts.SpotCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.SpotCheck
	for _, sc := range s.spotChecks {
		if sc.AgentID != agentID || sc.Consumed() {
			continue
		}
		val, err := clone(sc)
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	return out, nil
}

func (s *MemoryStore) AppendAuditEntry(ctx context.Context, e *contracts.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *e
	s.audit = append(s.audit, &val)
	return nil
}

func (s *MemoryStore) LastAuditEntry(ctx context.Context) (*contracts.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *contracts.AuditEntry
	for _, e := range s.audit {
		if last == nil || e.Sequence > last.Sequence {
			last = e
		}
	}
	if last == nil {
		return nil, nil
	}
	val := *last
	return &val, nil
}

func (s *MemoryStore) ListAuditEntries(ctx context.Context, afterSequence uint64, limit int) ([]*contracts.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.AuditEntry, 0)
	for _, e := range s.audit {
		if e.Sequence > afterSequence {
			val := *e
			out = append(out, &val)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AuditEntries returns a snapshot of the appended audit entries in order.
func (s *MemoryStore) AuditEntries() []*contracts.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}
