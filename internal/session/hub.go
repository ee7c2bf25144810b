package session

import (
	"context"
	"strings"

	"partyquiz/internal/game"
)

type HubMsg interface{ isHubMsg() }

// CreateSession registers a session for a pre-built initial state. If the
// code is already taken the existing session is returned, so creation is
// idempotent under a retried request.
type CreateSession struct {
	State game.State
	Reply chan *Session
}

type GetSession struct {
	Code  string
	Reply chan *Session // nil when unknown or expired
}

type RemoveSession struct {
	Code string
}

type ShutdownHub struct{}

func (CreateSession) isHubMsg() {}
func (GetSession) isHubMsg()    {}
func (RemoveSession) isHubMsg() {}
func (ShutdownHub) isHubMsg()   {}

// Hub is the session table. It is itself an actor: session lookup and
// creation are serialized here, while each session runs independently.
type Hub struct {
	inbox    chan HubMsg
	sessions map[string]*Session
	deps     Deps
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewHub(parent context.Context, deps Deps) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		sessions: make(map[string]*Session),
		deps:     deps.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// NormalizeCode makes session codes case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateSession:
				code := NormalizeCode(msg.State.Code)
				if sess := h.sessions[code]; sess != nil {
					msg.Reply <- sess
					break
				}
				state := msg.State
				state.Code = code
				sess := New(h.ctx, state, h.deps, h.dropLater)
				h.sessions[code] = sess
				msg.Reply <- sess

			case GetSession:
				msg.Reply <- h.sessions[NormalizeCode(msg.Code)]

			case RemoveSession:
				delete(h.sessions, NormalizeCode(msg.Code))

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

// dropLater is handed to each session as its onClose callback. It must not
// block a terminating session if the hub is gone.
func (h *Hub) dropLater(code string) {
	select {
	case h.inbox <- RemoveSession{Code: code}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) shutdown() {
	for _, sess := range h.sessions {
		select {
		case sess.Inbox() <- Shutdown{}:
		default:
		}
	}
	clear(h.sessions)
	h.cancel()
}
