package game

import (
	"errors"
	"strings"
)

var ErrInvalidTransition = errors.New("invalid transition")
var ErrUnknownPlayer = errors.New("unknown player")
var ErrAlreadyAnswered = errors.New("player already answered")
var ErrBuzzerLocked = errors.New("buzzer locked")
var ErrUnsupportedEvent = errors.New("unsupported event")

type Phase string

const (
	PhaseLobby          Phase = "lobby"
	PhaseCountdown      Phase = "countdown"
	PhaseQuestionActive Phase = "question_active"
	PhaseQuestionClosed Phase = "question_closed"
	PhaseResults        Phase = "results"
	PhaseFinished       Phase = "finished"
)

type Mode string

const (
	ModeTrivia Mode = "trivia"
	ModeBuzzer Mode = "buzzer"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Question is the canonical record. Options are in authored order;
// CorrectIndex points into that order. Open-response questions have no
// options and carry CorrectText instead.
type Question struct {
	ID           string
	Text         string
	Difficulty   Difficulty
	Options      []string
	CorrectIndex int
	CorrectText  string
}

// CorrectAnswer returns the canonical answer text for grading and for the
// post-round results reveal.
func (q Question) CorrectAnswer() string {
	if q.CorrectText != "" {
		return q.CorrectText
	}
	if q.CorrectIndex >= 0 && q.CorrectIndex < len(q.Options) {
		return q.Options[q.CorrectIndex]
	}
	return ""
}

type State struct {
	Code          string
	Mode          Mode
	Phase         Phase
	Started       bool
	QuestionIndex int
	Questions     []Question
	Players       map[string]int  // player_id -> score
	Answered      map[string]bool // player_id -> answered current question
	Buzzer        BuzzerState
}

type BuzzerState struct {
	Winner string
	Frozen map[string]bool
}

type EventType string

const (
	EvtPlayerJoined  EventType = "PlayerJoined"
	EvtStartGame     EventType = "StartGame"
	EvtCountdownDone EventType = "CountdownDone"
	EvtSubmitAnswer  EventType = "SubmitAnswer"
	EvtBuzz          EventType = "Buzz"
	EvtCloseQuestion EventType = "CloseQuestion"
	EvtShowResults   EventType = "ShowResults"
	EvtNextQuestion  EventType = "NextQuestion"
	EvtEndGame       EventType = "EndGame"
)

type Event struct {
	Type     EventType
	PlayerID string
	Answer   string
}

type EffectType string

const (
	FxPhaseChanged   EffectType = "PhaseChanged"
	FxStartRound     EffectType = "StartRound"
	FxPlayerJoined   EffectType = "PlayerJoined"
	FxPlayerAnswered EffectType = "PlayerAnswered"
	FxBuzzerWinner   EffectType = "BuzzerWinner"
	FxBuzzerWrong    EffectType = "BuzzerWrong"
	FxScoreDelta     EffectType = "ScoreDelta"
	FxResults        EffectType = "Results"
	FxArchive        EffectType = "Archive"
)

// Effect is an instruction to the session executor; Apply itself never
// touches the network, the clock, or storage.
type Effect struct {
	Type        EffectType
	Phase       Phase
	PlayerID    string
	Delta       int
	Correct     bool
	AllAnswered bool
	RoundIndex  int
}

// Apply validates ev against s and returns the effects to run plus the next
// state. On error the returned state is s unchanged. Pure: the input state is
// never mutated, so a failed transition leaves the caller's copy intact.
func Apply(s State, ev Event) ([]Effect, State, error) {
	if s.Phase == PhaseFinished && ev.Type != EvtPlayerJoined {
		return nil, s, ErrInvalidTransition
	}

	switch ev.Type {
	case EvtPlayerJoined:
		return applyPlayerJoined(s, ev)

	case EvtStartGame:
		if s.Phase != PhaseLobby || len(s.Players) == 0 {
			return nil, s, ErrInvalidTransition
		}
		ns := s
		ns.Phase = PhaseCountdown
		ns.Started = true
		ns.QuestionIndex = 0
		return []Effect{{Type: FxPhaseChanged, Phase: PhaseCountdown}}, ns, nil

	case EvtCountdownDone:
		if s.Phase != PhaseCountdown {
			return nil, s, ErrInvalidTransition
		}
		if len(s.Questions) == 0 {
			return finish(s)
		}
		return openQuestion(s, s.QuestionIndex)

	case EvtSubmitAnswer:
		return applySubmitAnswer(s, ev)

	case EvtBuzz:
		return applyBuzz(s, ev)

	case EvtCloseQuestion:
		if s.Phase == PhaseQuestionClosed {
			// Duplicate timer fire; already closed.
			return nil, s, nil
		}
		if s.Phase != PhaseQuestionActive {
			return nil, s, ErrInvalidTransition
		}
		ns := s
		ns.Phase = PhaseQuestionClosed
		return []Effect{{Type: FxPhaseChanged, Phase: PhaseQuestionClosed}}, ns, nil

	case EvtShowResults:
		if s.Phase == PhaseResults {
			// Idempotent: a duplicate fire re-yields the same observable
			// state and applies no score deltas.
			return nil, s, nil
		}
		if s.Phase != PhaseQuestionClosed {
			return nil, s, ErrInvalidTransition
		}
		ns := s
		ns.Phase = PhaseResults
		return []Effect{{Type: FxResults, Phase: PhaseResults, RoundIndex: s.QuestionIndex}}, ns, nil

	case EvtNextQuestion:
		if s.Phase != PhaseResults {
			return nil, s, ErrInvalidTransition
		}
		next := s.QuestionIndex + 1
		if next >= len(s.Questions) {
			return finish(s)
		}
		return openQuestion(s, next)

	case EvtEndGame:
		return finish(s)

	default:
		return nil, s, ErrUnsupportedEvent
	}
}

func applyPlayerJoined(s State, ev Event) ([]Effect, State, error) {
	if ev.PlayerID == "" {
		return nil, s, ErrUnknownPlayer
	}
	if _, ok := s.Players[ev.PlayerID]; ok {
		// Reconnect; score survives.
		return nil, s, nil
	}
	if s.Phase == PhaseFinished {
		return nil, s, ErrInvalidTransition
	}
	ns := s
	ns.Players = clonePlayers(s.Players)
	ns.Players[ev.PlayerID] = 0
	return []Effect{{Type: FxPlayerJoined, PlayerID: ev.PlayerID}}, ns, nil
}

func applySubmitAnswer(s State, ev Event) ([]Effect, State, error) {
	if s.Phase != PhaseQuestionActive {
		return nil, s, ErrInvalidTransition
	}
	if _, ok := s.Players[ev.PlayerID]; !ok {
		return nil, s, ErrUnknownPlayer
	}
	if s.Answered[ev.PlayerID] {
		return nil, s, ErrAlreadyAnswered
	}
	if s.Mode == ModeBuzzer && s.Buzzer.Winner != ev.PlayerID {
		return nil, s, ErrBuzzerLocked
	}

	q := s.Questions[s.QuestionIndex]
	correct := gradeAnswer(q, ev.Answer)

	ns := s
	if s.Mode == ModeBuzzer && !correct {
		// Wrong buzz: freeze the player, reopen the buzzer. The player may
		// answer again on a later buzz, so Answered is left alone.
		ns.Buzzer = BuzzerState{Winner: "", Frozen: cloneFrozen(s.Buzzer.Frozen)}
		ns.Buzzer.Frozen[ev.PlayerID] = true
		if len(ns.Buzzer.Frozen) >= len(ns.Players) {
			// Everyone missed; unfreeze for another round of buzzing.
			ns.Buzzer.Frozen = map[string]bool{}
		}
		fx := []Effect{{Type: FxBuzzerWrong, PlayerID: ev.PlayerID}}
		return fx, ns, nil
	}

	ns.Answered = cloneAnswered(s.Answered)
	ns.Answered[ev.PlayerID] = true
	all := len(ns.Answered) >= len(ns.Players)
	if s.Mode == ModeBuzzer && correct {
		// A correct buzz ends the round for everyone.
		all = true
		ns.Buzzer = BuzzerState{Frozen: map[string]bool{}}
	}

	fx := []Effect{{Type: FxPlayerAnswered, PlayerID: ev.PlayerID, Correct: correct, AllAnswered: all}}
	if correct {
		ns.Players = clonePlayers(ns.Players)
		ns.Players[ev.PlayerID]++
		fx = append(fx, Effect{Type: FxScoreDelta, PlayerID: ev.PlayerID, Delta: 1})
	}
	return fx, ns, nil
}

func applyBuzz(s State, ev Event) ([]Effect, State, error) {
	if s.Mode != ModeBuzzer || s.Phase != PhaseQuestionActive {
		return nil, s, ErrInvalidTransition
	}
	if _, ok := s.Players[ev.PlayerID]; !ok {
		return nil, s, ErrUnknownPlayer
	}
	if s.Buzzer.Winner != "" || s.Buzzer.Frozen[ev.PlayerID] {
		return nil, s, ErrBuzzerLocked
	}
	ns := s
	ns.Buzzer = BuzzerState{Winner: ev.PlayerID, Frozen: cloneFrozen(s.Buzzer.Frozen)}
	return []Effect{{Type: FxBuzzerWinner, PlayerID: ev.PlayerID}}, ns, nil
}

// openQuestion moves to question_active at index. There is no phase broadcast
// here: the broadcast sequencer's game_started message is the externally
// visible signal, so clients never learn of the new round before the rollout
// fires.
func openQuestion(s State, index int) ([]Effect, State, error) {
	ns := s
	ns.Phase = PhaseQuestionActive
	ns.QuestionIndex = index
	ns.Answered = map[string]bool{}
	ns.Buzzer = BuzzerState{Frozen: map[string]bool{}}
	return []Effect{{Type: FxStartRound, RoundIndex: index}}, ns, nil
}

func finish(s State) ([]Effect, State, error) {
	if s.Phase == PhaseFinished {
		return nil, s, ErrInvalidTransition
	}
	ns := s
	ns.Phase = PhaseFinished
	return []Effect{
		{Type: FxPhaseChanged, Phase: PhaseFinished},
		{Type: FxArchive},
	}, ns, nil
}

func gradeAnswer(q Question, answer string) bool {
	want := q.CorrectAnswer()
	if want == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(want))
}
