// Package registry tracks live connections per session, tagged by role and a
// ready flag. It owns connection lifetime; sessions only look connections up.
package registry

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"partyquiz/internal/project"
	"partyquiz/internal/types"
)

const outboxSize = 16

// Conn is one live socket. Ready and Answered are guarded by the registry
// mutex; the Outbox is drained by the connection's writer goroutine and closed
// exactly once by the registry.
type Conn struct {
	ID          string
	SessionCode string
	Role        project.Role
	PlayerID    string
	Name        string

	ready    bool
	answered bool
	closed   bool
	outbox   chan types.ServerMessage
}

// Outbox is the channel the transport writer drains. It is closed when the
// connection is removed or dropped.
func (c *Conn) Outbox() <-chan types.ServerMessage { return c.outbox }

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Conn
	byID     map[string]*Conn
	log      *zap.Logger
}

func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]map[string]*Conn),
		byID:     make(map[string]*Conn),
		log:      log,
	}
}

// Admit registers a connection for a session. The caller has already resolved
// the session and the identity; late joiners are admitted in any live phase so
// reconnects work.
func (r *Registry) Admit(code string, role project.Role, playerID, name string) *Conn {
	c := &Conn{
		ID:          uuid.NewString(),
		SessionCode: code,
		Role:        role,
		PlayerID:    playerID,
		Name:        name,
		outbox:      make(chan types.ServerMessage, outboxSize),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[code] == nil {
		r.sessions[code] = make(map[string]*Conn)
	}
	r.sessions[code][c.ID] = c
	r.byID[c.ID] = c
	r.log.Info("client admitted",
		zap.String("session", code),
		zap.String("role", string(role)),
		zap.String("conn_id", c.ID))
	return c
}

func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[connID]
	if !ok {
		return
	}
	r.dropLocked(c)
}

// dropLocked closes the outbox and deletes the connection. Callers hold mu.
func (r *Registry) dropLocked(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.outbox)
	delete(r.byID, c.ID)
	if conns, ok := r.sessions[c.SessionCode]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(r.sessions, c.SessionCode)
		}
	}
	r.log.Info("client removed",
		zap.String("session", c.SessionCode),
		zap.String("conn_id", c.ID))
}

func (r *Registry) MarkReady(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[connID]
	if !ok {
		return false
	}
	c.ready = true
	return true
}

func (r *Registry) SetAnswered(code, playerID string, answered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.sessions[code] {
		if c.Role == project.RolePlayer && c.PlayerID == playerID {
			c.answered = answered
		}
	}
}

// ResetAnswered clears the per-connection answered flags when a new round
// opens.
func (r *Registry) ResetAnswered(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.sessions[code] {
		c.answered = false
	}
}

// Filter narrows a broadcast or member query to one role.
type Filter struct {
	OnlyRole   project.Role
	ExceptRole project.Role
}

func (f Filter) match(c *Conn) bool {
	if f.OnlyRole != "" && c.Role != f.OnlyRole {
		return false
	}
	if f.ExceptRole != "" && c.Role == f.ExceptRole {
		return false
	}
	return true
}

func (r *Registry) Members(code string, f Filter) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.sessions[code] {
		if f.match(c) {
			out = append(out, c)
		}
	}
	return out
}

// ReadyPlayers reports how many admitted player connections have signalled
// ready, plus the total. Used by the sequencer's ready barrier.
func (r *Registry) ReadyPlayers(code string) (ready, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.sessions[code] {
		if c.Role != project.RolePlayer {
			continue
		}
		total++
		if c.ready {
			ready++
		}
	}
	return ready, total
}

// Send queues msg without blocking. A connection with a full outbox is
// dropped; a dead client must not be able to stall the session.
func (r *Registry) Send(connID string, msg types.ServerMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[connID]
	if !ok || c.closed {
		return false
	}
	select {
	case c.outbox <- msg:
		return true
	default:
		r.log.Warn("dropping slow client",
			zap.String("session", c.SessionCode),
			zap.String("conn_id", c.ID))
		r.dropLocked(c)
		return false
	}
}

// Broadcast fans msg out to every matching connection in the session.
func (r *Registry) Broadcast(code string, msg types.ServerMessage, f Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.sessions[code] {
		if !f.match(c) || c.closed {
			continue
		}
		select {
		case c.outbox <- msg:
		default:
			r.log.Warn("dropping slow client",
				zap.String("session", c.SessionCode),
				zap.String("conn_id", c.ID))
			r.dropLocked(c)
		}
	}
}

// CloseSession drops every connection for a session; used when the session
// reaches its terminal state.
func (r *Registry) CloseSession(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.sessions[code] {
		r.dropLocked(c)
	}
}

func (r *Registry) Stats(code string) types.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var st types.Stats
	for _, c := range r.sessions[code] {
		st.TotalConnections++
		switch c.Role {
		case project.RoleHost:
			st.HostClients++
		case project.RolePlayer:
			st.PlayerClients++
			if c.ready {
				st.ReadyPlayers++
			}
			if c.answered {
				st.AnsweredPlayers++
			}
		}
	}
	return st
}
