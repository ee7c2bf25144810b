package game

// NewState builds a fresh lobby-phase state for a session code.
func NewState(code string, mode Mode, questions []Question) State {
	if mode == "" {
		mode = ModeTrivia
	}
	return State{
		Code:          code,
		Mode:          mode,
		Phase:         PhaseLobby,
		QuestionIndex: 0,
		Questions:     questions,
		Players:       map[string]int{},
		Answered:      map[string]bool{},
		Buzzer:        BuzzerState{Frozen: map[string]bool{}},
	}
}

// CurrentQuestion returns the canonical question for the current index.
func (s State) CurrentQuestion() (Question, bool) {
	if s.QuestionIndex < 0 || s.QuestionIndex >= len(s.Questions) {
		return Question{}, false
	}
	return s.Questions[s.QuestionIndex], true
}

// Scores returns a copy of the scoreboard safe to hand to other goroutines.
func (s State) Scores() map[string]int {
	return clonePlayers(s.Players)
}

func ContainsEffect(fx []Effect, t EffectType) bool {
	for _, f := range fx {
		if f.Type == t {
			return true
		}
	}
	return false
}

func clonePlayers(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnswered(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneFrozen(m map[string]bool) map[string]bool {
	return cloneAnswered(m)
}
