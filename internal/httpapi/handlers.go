package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"partyquiz/internal/game"
	"partyquiz/internal/registry"
	"partyquiz/internal/session"
	"partyquiz/internal/store"
	"partyquiz/internal/types"
)

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

type createSessionRequest struct {
	Mode      string            `json:"mode"`
	QuizID    string            `json:"quiz_id"`
	Questions []questionPayload `json:"questions"`
}

type questionPayload struct {
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	Difficulty   string   `json:"difficulty"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
	CorrectText  string   `json:"correct_text"`
}

// CreateSession allocates an unused code and starts the session actor.
// Questions come inline with the request, or are loaded from the store by
// quiz_id; a load failure still yields a session, just an empty one.
func CreateSession(h *session.Hub, st store.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}

		mode := game.ModeTrivia
		if req.Mode == string(game.ModeBuzzer) {
			mode = game.ModeBuzzer
		}

		questions := make([]game.Question, 0, len(req.Questions))
		for _, q := range req.Questions {
			questions = append(questions, game.Question{
				ID:           q.ID,
				Text:         q.Text,
				Difficulty:   game.Difficulty(q.Difficulty),
				Options:      q.Options,
				CorrectIndex: q.CorrectIndex,
				CorrectText:  q.CorrectText,
			})
		}
		if len(questions) == 0 && req.QuizID != "" {
			loaded, err := st.LoadQuestions(r.Context(), req.QuizID)
			if err != nil {
				log.Warn("question load failed", zap.String("quiz_id", req.QuizID), zap.Error(err))
			} else {
				questions = loaded
			}
		}

		var code string
		for {
			c, err := GenerateCode()
			if err != nil {
				http.Error(w, "failed to generate code", http.StatusInternalServerError)
				return
			}
			reply := make(chan *session.Session, 1)
			h.Inbox() <- session.GetSession{Code: c, Reply: reply}
			if <-reply == nil {
				code = c
				break
			}
			log.Info("collision on code, regenerating")
		}

		reply := make(chan *session.Session, 1)
		h.Inbox() <- session.CreateSession{
			State: game.NewState(code, mode, questions),
			Reply: reply,
		}
		if <-reply == nil {
			http.Error(w, "failed to create session", http.StatusInternalServerError)
			return
		}
		log.Info("session created",
			zap.String("session", code),
			zap.String("mode", string(mode)),
			zap.Int("questions", len(questions)))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(struct {
			Code string `json:"code"`
		}{Code: code})
	}
}

type statsResponse struct {
	Code        string      `json:"code"`
	Phase       string      `json:"phase"`
	Round       int         `json:"round"`
	TotalRounds int         `json:"total_rounds"`
	IsStarted   bool        `json:"is_started"`
	Players     int         `json:"players"`
	Connections types.Stats `json:"connections"`
}

// SessionStats reports the live phase and connection counts for one session.
func SessionStats(h *session.Hub, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := session.NormalizeCode(chi.URLParam(r, "code"))

		reply := make(chan *session.Session, 1)
		h.Inbox() <- session.GetSession{Code: code, Reply: reply}
		sess := <-reply
		if sess == nil {
			http.Error(w, session.ErrNotFound.Error(), http.StatusNotFound)
			return
		}

		// The actor can terminate between the lookup and the send; never
		// block the handler on a dead inbox.
		view := make(chan session.View, 1)
		select {
		case sess.Inbox() <- session.GetView{Reply: view}:
		case <-sess.Done():
			http.Error(w, session.ErrNotFound.Error(), http.StatusNotFound)
			return
		}
		var v session.View
		select {
		case v = <-view:
		case <-sess.Done():
			select {
			case v = <-view:
			default:
				http.Error(w, session.ErrNotFound.Error(), http.StatusNotFound)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statsResponse{
			Code:        code,
			Phase:       string(v.State.Phase),
			Round:       v.State.QuestionIndex,
			TotalRounds: len(v.State.Questions),
			IsStarted:   v.State.Started,
			Players:     len(v.State.Players),
			Connections: reg.Stats(code),
		})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
