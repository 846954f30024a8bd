package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"parrotd/internal/graph"
	"parrotd/internal/semvar"
	"parrotd/pkg/types"
)

// CreateSession opens a session and returns its id.
func (m *Manager) CreateSession() int {
	ctx, cancel := context.WithCancel(m.base)
	m.mu.Lock()
	m.nextSession++
	s := &Session{
		ID:         m.nextSession,
		graph:      graph.New(),
		ctx:        ctx,
		cancel:     cancel,
		sem:        semaphore.NewWeighted(m.cfg.MaxInflightChains),
		vars:       make(map[string]*semvar.Var),
		lastActive: time.Now(),
	}
	s.live.Store(true)
	m.sessions[s.ID] = s
	m.mu.Unlock()
	liveSessions.Inc()
	m.publish("session_created", s.ID)
	m.log.Info().Int("session_id", s.ID).Msg("session created")
	return s.ID
}

// Session looks up an open session.
func (m *Manager) Session(id int) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, sessionNotFoundError{id: id}
	}
	return s, nil
}

// CloseSession marks the session dead. Its queued tasks are dropped at the
// next dispatch and chains still waiting for inputs give up; chains already
// running on an engine complete.
func (m *Manager) CloseSession(id int) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return sessionNotFoundError{id: id}
	}
	s.live.Store(false)
	s.cancel()
	liveSessions.Dec()
	m.kick()
	m.publish("session_closed", id)
	m.log.Info().Int("session_id", id).Msg("session closed")
	return nil
}

func (m *Manager) expireSessions(now time.Time) {
	if m.cfg.SessionTTL <= 0 {
		return
	}
	m.mu.RLock()
	var idle []int
	for id, s := range m.sessions {
		if s.inflight.Load() == 0 && now.Sub(s.idleSince()) > m.cfg.SessionTTL {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range idle {
		if err := m.CloseSession(id); err == nil {
			m.publish("session_expired", id)
		}
	}
}

// SetVar assigns content to a session variable, creating it if needed.
func (m *Manager) SetVar(sessionID int, name, content string) (types.VarResponse, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return types.VarResponse{}, err
	}
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	if !ok {
		v = semvar.New(name)
		s.vars[v.Name] = v
	}
	if v.Ready() {
		return types.VarResponse{}, varConflictError{name: v.Name, reason: "already set"}
	}
	if _, ok := s.graph.Producer(v.ID); ok {
		return types.VarResponse{}, varConflictError{name: v.Name, reason: "produced by a generation"}
	}
	v.Assign(content)
	return varResponse(v), nil
}

// GetVar returns a session variable. With wait set it blocks until the
// variable is ready or ctx is done.
func (m *Manager) GetVar(ctx context.Context, sessionID int, name string, wait bool) (types.VarResponse, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return types.VarResponse{}, err
	}
	s.touch()
	s.mu.Lock()
	v, ok := s.vars[name]
	s.mu.Unlock()
	if !ok {
		return types.VarResponse{}, varNotFoundError{name: name}
	}
	if wait {
		if _, err := v.Get(ctx); err != nil && ctx.Err() != nil {
			return types.VarResponse{}, ctx.Err()
		}
	}
	return varResponse(v), nil
}

func varResponse(v *semvar.Var) types.VarResponse {
	out := types.VarResponse{Name: v.Name, ID: v.ID, Ready: v.Ready()}
	if content, ok := v.Peek(); ok {
		out.Content = content
	}
	if err := v.Err(); err != nil {
		out.Error = err.Error()
	}
	return out
}

// Submit builds a request chain from its wire form and starts executing it.
// Variables are resolved by name within the session; unknown names create
// new variables, which are only kept when the request is accepted. A request
// whose chains would overflow the pending queue is rejected up front.
func (m *Manager) Submit(sessionID int, req types.SubmitRequest) (types.SubmitResponse, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return types.SubmitResponse{}, err
	}
	s.touch()
	if len(req.Chains) == 0 {
		return types.SubmitResponse{}, invalidRequestError{msg: "no chains"}
	}
	if err := m.disp.CheckRoom(len(req.Chains)); err != nil {
		return types.SubmitResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	created := map[string]*semvar.Var{}
	lookup := func(name string) *semvar.Var {
		if v, ok := s.vars[name]; ok && name != "" {
			return v
		}
		if v, ok := created[name]; ok && name != "" {
			return v
		}
		v := semvar.New(name)
		created[v.Name] = v
		return v
	}

	rc := graph.NewRequestChain(uuid.NewString())
	resp := types.SubmitResponse{RequestID: rc.ID, Vars: map[string]string{}}
	for ci, cs := range req.Chains {
		if len(cs.Nodes) == 0 {
			return types.SubmitResponse{}, invalidRequestError{msg: fmt.Sprintf("chain %d has no nodes", ci)}
		}
		chain := rc.AddChain(cs.Models, cs.RequestsUpperbound)
		for ni, ns := range cs.Nodes {
			switch ns.Kind {
			case "fill":
				var v *semvar.Var
				if ns.Text != "" {
					if _, taken := s.vars[ns.Var]; (taken || created[ns.Var] != nil) && ns.Var != "" {
						return types.SubmitResponse{}, varConflictError{name: ns.Var, reason: "constant text for an existing variable"}
					}
					v = semvar.NewReady(ns.Var, ns.Text)
					created[v.Name] = v
				} else {
					if ns.Var == "" {
						return types.SubmitResponse{}, invalidRequestError{msg: fmt.Sprintf("chain %d node %d: fill needs var or text", ci, ni)}
					}
					v = lookup(ns.Var)
				}
				chain.Fill(v)
				resp.Vars[v.Name] = v.ID
			case "gen":
				v := lookup(ns.Var)
				var sc types.SamplingConfig
				if ns.Sampling != nil {
					sc = *ns.Sampling
				}
				chain.Gen(v, sc)
				resp.Vars[v.Name] = v.ID
			default:
				return types.SubmitResponse{}, invalidRequestError{msg: fmt.Sprintf("chain %d node %d: unknown kind %q", ci, ni, ns.Kind)}
			}
		}
	}

	if err := m.AddRequest(s, rc); err != nil {
		if graph.IsConflictingProducer(err) {
			return types.SubmitResponse{}, err
		}
		return types.SubmitResponse{}, invalidRequestError{msg: err.Error()}
	}
	for name, v := range created {
		s.vars[name] = v
	}
	return resp, nil
}

// NumSessions reports open sessions.
func (m *Manager) NumSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
