// Package session owns the authoritative in-memory state of live quiz
// sessions. Each session runs one goroutine with a typed inbox, so all
// transitions for a code are serialized while different sessions proceed
// fully in parallel.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"partyquiz/internal/game"
	"partyquiz/internal/project"
	"partyquiz/internal/registry"
	"partyquiz/internal/sequencer"
	"partyquiz/internal/store"
	"partyquiz/internal/types"
)

var ErrNotFound = errors.New("session not found")
var ErrClosed = errors.New("session closed")

// Config holds the session timers. Zero values take the defaults.
type Config struct {
	Countdown    time.Duration
	QuestionTime time.Duration
	IdleTimeout  time.Duration
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Countdown <= 0 {
		c.Countdown = 3 * time.Second
	}
	if c.QuestionTime <= 0 {
		c.QuestionTime = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 3 * time.Second
	}
	return c
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Registry  *registry.Registry
	Sequencer *sequencer.Sequencer
	Store     store.Store
	Clock     clockwork.Clock
	Config    Config
	Log       *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	d.Config = d.Config.withDefaults()
	return d
}

type Session struct {
	inbox   chan Msg
	state   game.State
	version int
	gen     int // timer generation; stale fires are dropped

	round       *sequencer.Round
	roundCancel context.CancelFunc

	deps    Deps
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	onClose func(code string)
}

// New starts the session actor for an initial state. onClose is called once
// when the session terminates, so the owner can drop its reference.
func New(parent context.Context, initial game.State, deps Deps, onClose func(code string)) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		inbox:   make(chan Msg, 64),
		state:   initial,
		deps:    deps.withDefaults(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.loop()
	return s
}

func (s *Session) Inbox() chan<- Msg { return s.inbox }

func (s *Session) Code() string { return s.state.Code }

// Done is closed when the actor terminates. Senders select on it so a send to
// a dead session can never block.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) loop() {
	idle := s.deps.Clock.NewTimer(s.deps.Config.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case <-idle.Chan():
			s.deps.Log.Info("session idle, closing", zap.String("session", s.state.Code))
			if s.state.Phase != game.PhaseFinished {
				if s.apply(game.Event{Type: game.EvtEndGame}, nil) {
					return
				}
			}
			s.shutdown()
			return

		case m := <-s.inbox:
			if !idle.Stop() {
				select {
				case <-idle.Chan():
				default:
				}
			}
			idle.Reset(s.deps.Config.IdleTimeout)
			var stop bool
			switch msg := m.(type) {
			case Join:
				stop = s.handleJoin(msg.Conn)
			case Leave:
				s.handleLeave(msg.Conn)
			case ClientEvent:
				stop = s.handleClientEvent(msg.Conn, msg.Msg)
			case TimerFired:
				if msg.Gen != s.gen {
					break // superseded timer
				}
				stop = s.apply(game.Event{Type: msg.Event}, nil)
			case SequenceDone:
				s.handleSequenceDone(msg.Index)
			case GetView:
				msg.Reply <- View{
					Version:  s.version,
					NumConns: len(s.deps.Registry.Members(s.state.Code, registry.Filter{})),
					State:    s.state,
				}
			case Shutdown:
				s.shutdown()
				return
			}
			if stop {
				return
			}
		}
	}
}

func (s *Session) handleJoin(c *registry.Conn) bool {
	if s.state.Phase == game.PhaseFinished {
		s.deps.Registry.Send(c.ID, types.ServerMessage{
			Type:        types.MsgError,
			SessionCode: s.state.Code,
			Error:       ErrClosed.Error(),
		})
		s.deps.Registry.Remove(c.ID)
		return false
	}

	if c.Role == project.RolePlayer {
		// Registers the player in the scoreboard; reconnects are a no-op and
		// keep the existing score.
		if s.apply(game.Event{Type: game.EvtPlayerJoined, PlayerID: c.PlayerID}, c) {
			return true
		}
	}

	// A client connecting mid-rollout is replayed from the round's last
	// committed step: the critical game_started first, then the question in
	// the initial view once that step committed. Nothing is replayed from a
	// step the rollout has not reached, and a closed round replays nothing.
	if r := s.currentRound(); r != nil && r.Committed() >= sequencer.StepStarted {
		s.deps.Registry.Send(c.ID, types.ServerMessage{
			Type:        types.MsgGameStarted,
			SessionCode: s.state.Code,
			Critical:    true,
			Payload:     types.GameStartedPayload{Round: r.Index, TotalRounds: r.Total},
		})
	}

	s.deps.Registry.Send(c.ID, types.ServerMessage{
		Type:        types.MsgJoined,
		SessionCode: s.state.Code,
		Payload:     s.initialView(c),
	})
	return false
}

// currentRound returns the live rollout, or nil when no question is active or
// the rollout belongs to a superseded round.
func (s *Session) currentRound() *sequencer.Round {
	if s.state.Phase != game.PhaseQuestionActive ||
		s.round == nil ||
		s.round.Index != s.state.QuestionIndex {
		return nil
	}
	return s.round
}

// initialView reflects the current committed state only. A client connecting
// after a round closed sees the closed/results phase, never the stale active
// payload.
func (s *Session) initialView(c *registry.Conn) types.JoinedPayload {
	payload := types.JoinedPayload{
		Phase:           string(s.state.Phase),
		Round:           s.state.QuestionIndex,
		TotalRounds:     len(s.state.Questions),
		Players:         s.state.Scores(),
		IsStarted:       s.state.Started,
		ConnectionStats: s.deps.Registry.Stats(s.state.Code),
	}
	if r := s.currentRound(); r != nil && r.Committed() >= sequencer.StepQuestion {
		q := s.deps.Sequencer.ProjectFor(r, c.Role)
		payload.Question = &q
	}
	return payload
}

func (s *Session) handleLeave(c *registry.Conn) {
	s.deps.Registry.Remove(c.ID)
	if c.Role == project.RolePlayer {
		s.deps.Registry.Broadcast(s.state.Code, types.ServerMessage{
			Type:        types.MsgPlayerLeft,
			SessionCode: s.state.Code,
			Payload:     types.PlayerPayload{PlayerID: c.PlayerID, Name: c.Name},
		}, registry.Filter{OnlyRole: project.RoleHost})
	}
}

func (s *Session) handleClientEvent(c *registry.Conn, msg types.ClientMessage) bool {
	switch msg.Type {
	case "ping":
		s.deps.Registry.Send(c.ID, types.ServerMessage{Type: types.MsgPong, SessionCode: s.state.Code})
		return false

	case "ready":
		s.deps.Registry.MarkReady(c.ID)
		return false

	case "submit_answer":
		if c.Role != project.RolePlayer {
			return s.reject(c, "players only")
		}
		return s.apply(game.Event{Type: game.EvtSubmitAnswer, PlayerID: c.PlayerID, Answer: msg.Answer}, c)

	case "buzz":
		if c.Role != project.RolePlayer {
			return s.reject(c, "players only")
		}
		return s.apply(game.Event{Type: game.EvtBuzz, PlayerID: c.PlayerID}, c)

	case "start_game":
		return s.hostEvent(c, game.EvtStartGame)
	case "next_question":
		return s.hostEvent(c, game.EvtNextQuestion)
	case "show_results":
		return s.hostEvent(c, game.EvtShowResults)
	case "end_game":
		return s.hostEvent(c, game.EvtEndGame)

	default:
		return s.reject(c, "unknown type")
	}
}

func (s *Session) hostEvent(c *registry.Conn, evt game.EventType) bool {
	if c.Role != project.RoleHost {
		return s.reject(c, "host only")
	}
	return s.apply(game.Event{Type: evt}, c)
}

func (s *Session) reject(c *registry.Conn, reason string) bool {
	s.deps.Registry.Send(c.ID, types.ServerMessage{
		Type:        types.MsgError,
		SessionCode: s.state.Code,
		Error:       reason,
	})
	return false
}

// apply runs one state machine transition. On rejection the state is
// untouched and only the originating connection hears about it. Returns true
// when the session reached its terminal state and the loop must stop.
func (s *Session) apply(ev game.Event, origin *registry.Conn) bool {
	fx, next, err := game.Apply(s.state, ev)
	if err != nil {
		s.deps.Log.Warn("transition rejected",
			zap.String("session", s.state.Code),
			zap.String("event", string(ev.Type)),
			zap.String("phase", string(s.state.Phase)),
			zap.Error(err))
		if origin != nil {
			s.reject(origin, err.Error())
		}
		return false
	}
	s.state = next
	if len(fx) > 0 {
		s.version++
	}
	return s.runEffects(fx, origin)
}

func (s *Session) runEffects(fx []game.Effect, origin *registry.Conn) bool {
	code := s.state.Code
	for _, f := range fx {
		switch f.Type {
		case game.FxPlayerJoined:
			name := ""
			if origin != nil {
				name = origin.Name
			}
			s.deps.Registry.Broadcast(code, types.ServerMessage{
				Type:        types.MsgPlayerJoined,
				SessionCode: code,
				Payload:     types.PlayerPayload{PlayerID: f.PlayerID, Name: name},
			}, registry.Filter{OnlyRole: project.RoleHost})

		case game.FxPhaseChanged:
			s.cancelRound()
			switch f.Phase {
			case game.PhaseCountdown:
				s.broadcastPhase(f.Phase)
				s.armTimer(s.deps.Config.Countdown, game.EvtCountdownDone)
			case game.PhaseFinished:
				s.deps.Registry.Broadcast(code, types.ServerMessage{
					Type:        types.MsgGameEnded,
					SessionCode: code,
					Payload: types.ResultsPayload{
						Round:  s.state.QuestionIndex,
						Scores: s.state.Scores(),
					},
				}, registry.Filter{})
			default:
				s.broadcastPhase(f.Phase)
			}

		case game.FxStartRound:
			s.startRound(f.RoundIndex)

		case game.FxPlayerAnswered:
			s.deps.Registry.SetAnswered(code, f.PlayerID, true)
			name := ""
			if origin != nil {
				name = origin.Name
			}
			s.deps.Registry.Broadcast(code, types.ServerMessage{
				Type:        types.MsgPlayerAnswered,
				SessionCode: code,
				Payload: types.AnsweredPayload{
					PlayerID:        f.PlayerID,
					Name:            name,
					PlayersAnswered: len(s.state.Answered),
					PlayersTotal:    len(s.state.Players),
				},
			}, registry.Filter{OnlyRole: project.RoleHost})
			if origin != nil {
				s.deps.Registry.Send(origin.ID, types.ServerMessage{
					Type:        types.MsgAnswerSubmitted,
					SessionCode: code,
				})
			}
			if f.AllAnswered {
				if s.apply(game.Event{Type: game.EvtCloseQuestion}, nil) {
					return true
				}
			}

		case game.FxBuzzerWinner:
			name := ""
			if origin != nil {
				name = origin.Name
			}
			s.deps.Registry.Broadcast(code, types.ServerMessage{
				Type:        types.MsgBuzzerWinner,
				SessionCode: code,
				Payload:     types.BuzzerPayload{PlayerID: f.PlayerID, Name: name},
			}, registry.Filter{})

		case game.FxBuzzerWrong:
			frozen := make([]string, 0, len(s.state.Buzzer.Frozen))
			for id := range s.state.Buzzer.Frozen {
				frozen = append(frozen, id)
			}
			s.deps.Registry.Broadcast(code, types.ServerMessage{
				Type:        types.MsgBuzzerWrong,
				SessionCode: code,
				Payload:     types.BuzzerPayload{PlayerID: f.PlayerID, Frozen: frozen},
			}, registry.Filter{})

		case game.FxScoreDelta:
			s.saveScoreAsync(f.PlayerID, f.Delta)

		case game.FxResults:
			correct := ""
			if f.RoundIndex >= 0 && f.RoundIndex < len(s.state.Questions) {
				correct = s.state.Questions[f.RoundIndex].CorrectAnswer()
			}
			s.deps.Registry.Broadcast(code, types.ServerMessage{
				Type:        types.MsgResults,
				SessionCode: code,
				Payload: types.ResultsPayload{
					Round:         f.RoundIndex,
					CorrectAnswer: correct,
					Scores:        s.state.Scores(),
				},
			}, registry.Filter{})

		case game.FxArchive:
			s.archiveAsync()
			s.shutdown()
			return true
		}
	}
	return false
}

func (s *Session) broadcastPhase(phase game.Phase) {
	s.deps.Registry.Broadcast(s.state.Code, types.ServerMessage{
		Type:        types.MsgPhase,
		SessionCode: s.state.Code,
		Payload:     types.PhasePayload{Phase: string(phase)},
	}, registry.Filter{})
}

// startRound launches the broadcast rollout for one question in its own
// goroutine; the actor is never blocked on client delivery.
func (s *Session) startRound(index int) {
	s.cancelRound()
	q, ok := s.state.CurrentQuestion()
	if !ok {
		return
	}
	s.deps.Registry.ResetAnswered(s.state.Code)

	r := &sequencer.Round{
		SessionCode: s.state.Code,
		Index:       index,
		Total:       len(s.state.Questions),
		Question:    q,
		Mode:        s.state.Mode,
		Nonce:       int64(index),
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.round = r
	s.roundCancel = cancel

	inbox := s.inbox
	go s.deps.Sequencer.Run(ctx, r, func(i int) {
		select {
		case inbox <- SequenceDone{Index: i}:
		case <-ctx.Done():
		}
	})
}

func (s *Session) handleSequenceDone(index int) {
	if s.state.Phase != game.PhaseQuestionActive || index != s.state.QuestionIndex {
		return // a later transition superseded this round
	}
	s.armTimer(s.deps.Config.QuestionTime, game.EvtCloseQuestion)
}

// cancelRound stops any in-flight rollout so no message belonging to a
// superseded round is delivered after a later round's messages.
func (s *Session) cancelRound() {
	if s.roundCancel != nil {
		s.roundCancel()
		s.roundCancel = nil
	}
}

func (s *Session) armTimer(d time.Duration, evt game.EventType) {
	s.gen++
	gen := s.gen
	inbox := s.inbox
	go func() {
		select {
		case <-s.ctx.Done():
		case <-s.deps.Clock.After(d):
			select {
			case inbox <- TimerFired{Gen: gen, Event: evt}:
			case <-s.ctx.Done():
			}
		}
	}()
}

func (s *Session) saveScoreAsync(playerID string, delta int) {
	code := s.state.Code
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.StoreTimeout)
		defer cancel()
		if err := s.deps.Store.SaveScore(ctx, code, playerID, delta); err != nil {
			s.deps.Log.Warn("score save failed", zap.String("session", code), zap.Error(err))
		}
	}()
}

func (s *Session) archiveAsync() {
	final := store.FinalState{
		Phase:          s.state.Phase,
		Scores:         s.state.Scores(),
		QuestionsAsked: s.state.QuestionIndex,
		EndedAt:        s.deps.Clock.Now(),
	}
	code := s.state.Code
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.StoreTimeout)
		defer cancel()
		if err := s.deps.Store.ArchiveSession(ctx, code, final); err != nil {
			s.deps.Log.Warn("archive failed", zap.String("session", code), zap.Error(err))
		}
	}()
}

func (s *Session) shutdown() {
	s.cancelRound()
	s.deps.Registry.CloseSession(s.state.Code)
	if s.onClose != nil {
		s.onClose(s.state.Code)
		s.onClose = nil
	}
	s.cancel()
	// Only the actor goroutine calls shutdown, so the guard is race-free.
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
