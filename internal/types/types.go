package types

import "partyquiz/internal/project"

// Client -> Server
// Types: "ready" | "submit_answer" | "buzz" | "start_game" | "next_question" |
// "show_results" | "end_game" | "ping". The last four are host-only.
type ClientMessage struct {
	Type       string `json:"type"`
	Answer     string `json:"answer,omitempty"`
	QuestionID string `json:"question_id,omitempty"`
}

// Server -> Client. Payload is role-filtered before it gets here: a question
// payload built for a player never contains the correct index. Critical marks
// messages clients use to gate local navigation (game_started).
type ServerMessage struct {
	Type        string `json:"type"`
	SessionCode string `json:"session_code"`
	Critical    bool   `json:"critical,omitempty"`
	Payload     any    `json:"payload,omitempty"`
	Error       string `json:"error,omitempty"`
}

const (
	MsgJoined          = "joined"
	MsgPlayerJoined    = "player_joined"
	MsgPlayerLeft      = "player_left"
	MsgPlayerAnswered  = "player_answered"
	MsgAnswerSubmitted = "answer_submitted"
	MsgBuzzerWinner    = "buzzer_winner"
	MsgBuzzerWrong     = "incorrect_answer"
	MsgGameStarted     = "game_started"
	MsgQuestion        = "question"
	MsgStatus          = "status"
	MsgPhase           = "phase"
	MsgResults         = "results"
	MsgGameEnded       = "game_ended"
	MsgPong            = "pong"
	MsgError           = "error"
)

// JoinedPayload is the initial view sent to a connecting client. Question is
// nil unless the session is mid-round and the rollout for that round has
// already committed its question step.
type JoinedPayload struct {
	Phase           string                     `json:"phase"`
	Round           int                        `json:"round"`
	TotalRounds     int                        `json:"total_rounds"`
	Players         map[string]int             `json:"players"`
	Question        *project.ProjectedQuestion `json:"question,omitempty"`
	IsStarted       bool                       `json:"is_started"`
	ConnectionStats Stats                      `json:"connection_stats"`
}

type Stats struct {
	TotalConnections int `json:"total_connections"`
	HostClients      int `json:"host_clients"`
	PlayerClients    int `json:"player_clients"`
	ReadyPlayers     int `json:"ready_players"`
	AnsweredPlayers  int `json:"answered_players"`
}

type PlayerPayload struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name,omitempty"`
}

type AnsweredPayload struct {
	PlayerID        string `json:"player_id"`
	Name            string `json:"name,omitempty"`
	PlayersAnswered int    `json:"players_answered"`
	PlayersTotal    int    `json:"players_total"`
}

type BuzzerPayload struct {
	PlayerID string   `json:"player_id"`
	Name     string   `json:"name,omitempty"`
	Frozen   []string `json:"frozen_players,omitempty"`
}

type GameStartedPayload struct {
	Round       int `json:"round"`
	TotalRounds int `json:"total_rounds"`
}

type StatusPayload struct {
	Phase           string `json:"phase"`
	Round           int    `json:"round"`
	TotalRounds     int    `json:"total_rounds"`
	TimerStartMs    int64  `json:"timer_start_ms"`
	PlayersAnswered int    `json:"players_answered"`
	PlayersTotal    int    `json:"players_total"`
}

type ResultsPayload struct {
	Round         int            `json:"round"`
	CorrectAnswer string         `json:"correct_answer"`
	Scores        map[string]int `json:"scores"`
}

type PhasePayload struct {
	Phase string `json:"phase"`
}
