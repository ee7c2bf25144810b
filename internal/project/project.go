// Package project derives the role-specific, client-safe view of a question.
// All visibility rules live here so delivery code never branches on role.
package project

import (
	"hash/fnv"
	"math/rand"
	"strconv"
	"strings"

	"partyquiz/internal/game"
)

type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

type UIMode string

const (
	UIModeMultipleChoice UIMode = "multiple_choice"
	UIModeTextInput      UIMode = "text_input"
	UIModeBuzzer         UIMode = "buzzer"
)

// Seed keys the deterministic option shuffle. Every recipient of the same
// round in the same session sees the same ordering regardless of when it
// connected.
type Seed struct {
	SessionCode string
	QuestionID  string
	Nonce       int64
}

// ProjectedQuestion is computed fresh per delivery and never cached across
// roles. CorrectIndex is only populated for the host/display role.
type ProjectedQuestion struct {
	QuestionID     string   `json:"question_id"`
	Text           string   `json:"text"`
	Round          int      `json:"round"`
	TotalRounds    int      `json:"total_rounds"`
	UIMode         UIMode   `json:"ui_mode"`
	DisplayOptions []string `json:"display_options,omitempty"`
	CorrectIndex   *int     `json:"correct_index,omitempty"`
	Fallback       bool     `json:"-"`
}

// Project computes the view of q for role. Malformed questions degrade to
// text_input rather than failing the delivery; the caller should log when
// Fallback is set.
func Project(q game.Question, role Role, seed Seed) ProjectedQuestion {
	p := ProjectedQuestion{
		QuestionID: q.ID,
		Text:       strings.TrimSpace(q.Text),
		UIMode:     uiMode(q),
	}
	if malformed(q) {
		p.UIMode = UIModeTextInput
		p.Fallback = true
		return p
	}

	if p.UIMode == UIModeMultipleChoice {
		if role == RoleHost {
			// Hosts render the canonical order and may show the answer.
			p.DisplayOptions = append([]string(nil), q.Options...)
			idx := q.CorrectIndex
			p.CorrectIndex = &idx
		} else {
			p.DisplayOptions = shuffle(q.Options, seed)
		}
	}
	return p
}

// ProjectBuzzer is the buzzer-mode variant: players get a buzzer control and
// no option list, hosts get the full trivia view for display.
func ProjectBuzzer(q game.Question, role Role, seed Seed) ProjectedQuestion {
	if role == RoleHost {
		return Project(q, RoleHost, seed)
	}
	p := Project(q, RolePlayer, seed)
	p.UIMode = UIModeBuzzer
	p.DisplayOptions = nil
	return p
}

func uiMode(q game.Question) UIMode {
	if len(q.Options) == 0 || q.Difficulty == game.DifficultyHard {
		return UIModeTextInput
	}
	switch q.Difficulty {
	case game.DifficultyEasy, game.DifficultyMedium:
		return UIModeMultipleChoice
	}
	return UIModeTextInput
}

func malformed(q game.Question) bool {
	if strings.TrimSpace(q.Text) == "" {
		return true
	}
	for _, opt := range q.Options {
		if strings.TrimSpace(opt) == "" {
			return true
		}
	}
	if len(q.Options) > 0 && q.CorrectText == "" {
		if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
			return true
		}
	}
	return false
}

func shuffle(options []string, seed Seed) []string {
	out := append([]string(nil), options...)
	h := fnv.New64a()
	h.Write([]byte(seed.SessionCode))
	h.Write([]byte{0})
	h.Write([]byte(seed.QuestionID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(seed.Nonce, 10)))
	r := rand.New(rand.NewSource(int64(h.Sum64())))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
