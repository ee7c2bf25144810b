package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"partyquiz/internal/project"
	"partyquiz/internal/registry"
	"partyquiz/internal/session"
	"partyquiz/internal/types"
)

const (
	writeTimeout = 3 * time.Second
	readTimeout  = 60 * time.Second
)

// Handler upgrades the request and bridges the socket to the session actor.
// Query params: code (required), role (host|web|player|mobile), player_id and
// name for players.
func Handler(h *session.Hub, reg *registry.Registry, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		code := session.NormalizeCode(r.URL.Query().Get("code"))
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		role, ok := parseRole(r.URL.Query().Get("role"))
		if !ok {
			http.Error(w, "bad role", http.StatusBadRequest)
			return
		}
		playerID := r.URL.Query().Get("player_id")
		if role == project.RolePlayer && playerID == "" {
			http.Error(w, "missing player_id", http.StatusBadRequest)
			return
		}

		reply := make(chan *session.Session, 1)
		h.Inbox() <- session.GetSession{Code: code, Reply: reply}
		sess := <-reply
		if sess == nil {
			http.Error(w, session.ErrNotFound.Error(), http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"http://localhost:*", "http://127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		c := reg.Admit(code, role, playerID, r.URL.Query().Get("name"))
		select {
		case sess.Inbox() <- session.Join{Conn: c}:
		case <-sess.Done():
			// Session terminated between lookup and join.
			reg.Remove(c.ID)
			return
		}
		defer func() {
			select {
			case sess.Inbox() <- session.Leave{Conn: c}:
			case <-sess.Done():
				reg.Remove(c.ID)
			}
		}()

		// Writer goroutine: drains the outbox until the registry closes it.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for msg := range c.Outbox() {
				payload, err := json.Marshal(msg)
				if err != nil {
					log.Error("marshal server message", zap.Error(err))
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				_ = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
			}
			// Outbox closed: the session ended or dropped us.
			conn.Close(websocket.StatusNormalClosure, "session closed")
		}()

		// Reader loop
		for {
			ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				// Timeout or broken pipe; Leave in the defer cleans up.
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				_ = conn.Write(r.Context(), websocket.MessageText,
					[]byte(`{"type":"error","error":"bad json"}`))
				continue
			}

			select {
			case sess.Inbox() <- session.ClientEvent{Conn: c, Msg: cm}:
			case <-sess.Done():
				return
			}
		}
	}
}

// parseRole maps the wire role names onto the two projection roles. Web
// displays are hosts; mobile controllers are players.
func parseRole(role string) (project.Role, bool) {
	switch role {
	case "host", "web":
		return project.RoleHost, true
	case "player", "mobile":
		return project.RolePlayer, true
	default:
		return "", false
	}
}
