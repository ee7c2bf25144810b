// Package store is the persistence collaborator. It is never on the hot
// broadcast path: the session executor calls it best-effort with short
// timeouts, and failures degrade to in-memory only.
package store

import (
	"context"
	"time"

	"partyquiz/internal/game"
)

type FinalState struct {
	Phase          game.Phase
	Scores         map[string]int
	QuestionsAsked int
	EndedAt        time.Time
}

type Store interface {
	// LoadQuestions returns the ordered question list assigned to a session
	// code.
	LoadQuestions(ctx context.Context, code string) ([]game.Question, error)
	// SaveScore applies a score delta for a player. Fire-and-forget callers
	// log failures and move on.
	SaveScore(ctx context.Context, code, playerID string, delta int) error
	// ArchiveSession records the terminal state of a finished session.
	ArchiveSession(ctx context.Context, code string, final FinalState) error
}
