// Package sequencer converts one question_active transition into an ordered,
// role-partitioned multicast with explicit timing barriers. Broadcasting
// everything at once races with client-side navigation, so the rollout is:
// ready barrier -> game_started -> settle delay -> question payloads ->
// status delay -> status heartbeat.
package sequencer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"partyquiz/internal/game"
	"partyquiz/internal/project"
	"partyquiz/internal/registry"
	"partyquiz/internal/types"
)

// Config holds the rollout delays. These are tunables, not constants: tests
// run with zeros, production uses the defaults.
type Config struct {
	ReadyTimeout time.Duration
	SettleDelay  time.Duration
	StatusDelay  time.Duration
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReadyTimeout: 2 * time.Second,
		SettleDelay:  500 * time.Millisecond,
		StatusDelay:  200 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
	}
}

// Step is the last fully-committed rollout step for a round. Reconnecting
// clients are replayed from here, never from a stale earlier step.
type Step int32

const (
	StepNone Step = iota
	StepStarted
	StepQuestion
	StepStatus
)

// Round is one question rollout. The session executor owns it and cancels its
// context when a later transition supersedes it.
type Round struct {
	SessionCode string
	Index       int
	Total       int
	Question    game.Question
	Mode        game.Mode
	Nonce       int64

	step atomic.Int32
}

func (r *Round) Committed() Step { return Step(r.step.Load()) }

func (r *Round) commit(s Step) { r.step.Store(int32(s)) }

func (r *Round) Seed() project.Seed {
	return project.Seed{SessionCode: r.SessionCode, QuestionID: r.Question.ID, Nonce: r.Nonce}
}

type Sequencer struct {
	reg   *registry.Registry
	clock clockwork.Clock
	cfg   Config
	log   *zap.Logger
}

func New(reg *registry.Registry, clock clockwork.Clock, cfg Config, log *zap.Logger) *Sequencer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Sequencer{reg: reg, clock: clock, cfg: cfg, log: log}
}

// Run executes the rollout for r. It blocks until the sequence completes or
// ctx is canceled, so callers run it in its own goroutine; done is invoked
// only on full completion.
func (s *Sequencer) Run(ctx context.Context, r *Round, done func(index int)) {
	if !s.awaitReady(ctx, r.SessionCode) {
		return
	}

	// Step 1: the critical control message. Clients gate navigation on it, so
	// it must precede any question content.
	s.reg.Broadcast(r.SessionCode, types.ServerMessage{
		Type:        types.MsgGameStarted,
		SessionCode: r.SessionCode,
		Critical:    true,
		Payload:     types.GameStartedPayload{Round: r.Index, TotalRounds: r.Total},
	}, registry.Filter{})
	r.commit(StepStarted)

	// Step 2: question payloads, after the settle delay that lets clients
	// finish the navigation triggered by game_started.
	if !s.wait(ctx, s.cfg.SettleDelay) {
		return
	}
	s.broadcastQuestion(r)
	r.commit(StepQuestion)

	// Step 3: status heartbeat for UI reconciliation.
	if !s.wait(ctx, s.cfg.StatusDelay) {
		return
	}
	answered := s.reg.Stats(r.SessionCode).AnsweredPlayers
	_, total := s.reg.ReadyPlayers(r.SessionCode)
	s.reg.Broadcast(r.SessionCode, types.ServerMessage{
		Type:        types.MsgStatus,
		SessionCode: r.SessionCode,
		Payload: types.StatusPayload{
			Phase:           string(game.PhaseQuestionActive),
			Round:           r.Index,
			TotalRounds:     r.Total,
			TimerStartMs:    s.clock.Now().UnixMilli(),
			PlayersAnswered: answered,
			PlayersTotal:    total,
		},
	}, registry.Filter{})
	r.commit(StepStatus)

	if done != nil {
		done(r.Index)
	}
}

// ProjectFor builds the role view for r, logging the downgrade when the
// projector falls back on malformed content. Exposed so the session executor
// can replay the question step to reconnecting clients.
func (s *Sequencer) ProjectFor(r *Round, role project.Role) project.ProjectedQuestion {
	var p project.ProjectedQuestion
	if r.Mode == game.ModeBuzzer {
		p = project.ProjectBuzzer(r.Question, role, r.Seed())
	} else {
		p = project.Project(r.Question, role, r.Seed())
	}
	p.Round = r.Index
	p.TotalRounds = r.Total
	if p.Fallback {
		s.log.Warn("projection fallback",
			zap.String("session", r.SessionCode),
			zap.String("question_id", r.Question.ID))
	}
	return p
}

func (s *Sequencer) broadcastQuestion(r *Round) {
	for _, role := range []project.Role{project.RoleHost, project.RolePlayer} {
		payload := s.ProjectFor(r, role)
		s.reg.Broadcast(r.SessionCode, types.ServerMessage{
			Type:        types.MsgQuestion,
			SessionCode: r.SessionCode,
			Payload:     payload,
		}, registry.Filter{OnlyRole: role})
	}
}

// awaitReady polls the registry until every admitted player is ready or the
// timeout elapses. A slow client can delay a round by at most ReadyTimeout
// and never stalls anything else.
func (s *Sequencer) awaitReady(ctx context.Context, code string) bool {
	ready, total := s.reg.ReadyPlayers(code)
	if total == 0 || ready >= total {
		return ctx.Err() == nil
	}

	deadline := s.clock.After(s.cfg.ReadyTimeout)
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			ready, total = s.reg.ReadyPlayers(code)
			s.log.Warn("delivery timeout on ready barrier",
				zap.String("session", code),
				zap.Int("ready", ready),
				zap.Int("total", total))
			return true
		case <-s.clock.After(s.cfg.PollInterval):
			ready, total = s.reg.ReadyPlayers(code)
			if total == 0 || ready >= total {
				return true
			}
		}
	}
}

func (s *Sequencer) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}
