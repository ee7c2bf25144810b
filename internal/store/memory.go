package store

import (
	"context"
	"sync"

	"partyquiz/internal/game"
)

// Memory is the degraded-mode store used when no database is configured, and
// the test double.
type Memory struct {
	mu        sync.Mutex
	questions map[string][]game.Question
	scores    map[string]map[string]int
	archives  map[string]FinalState
}

func NewMemory() *Memory {
	return &Memory{
		questions: make(map[string][]game.Question),
		scores:    make(map[string]map[string]int),
		archives:  make(map[string]FinalState),
	}
}

// SeedQuestions assigns a question list to a session code.
func (m *Memory) SeedQuestions(code string, questions []game.Question) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questions[code] = append([]game.Question(nil), questions...)
}

func (m *Memory) LoadQuestions(_ context.Context, code string) ([]game.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]game.Question(nil), m.questions[code]...), nil
}

func (m *Memory) SaveScore(_ context.Context, code, playerID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scores[code] == nil {
		m.scores[code] = make(map[string]int)
	}
	m.scores[code][playerID] += delta
	return nil
}

func (m *Memory) ArchiveSession(_ context.Context, code string, final FinalState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[code] = final
	return nil
}

// Score reports the persisted score for assertions in tests.
func (m *Memory) Score(code, playerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scores[code][playerID]
}

// Archived returns the recorded final state, if any.
func (m *Memory) Archived(code string) (FinalState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.archives[code]
	return f, ok
}
