package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partyquiz/internal/game"
	"partyquiz/internal/project"
	"partyquiz/internal/registry"
	"partyquiz/internal/sequencer"
	"partyquiz/internal/store"
	"partyquiz/internal/types"
)

func testQuestions() []game.Question {
	return []game.Question{
		{ID: "q1", Text: "Capital of France?", Difficulty: game.DifficultyEasy, Options: []string{"Paris", "Lyon", "Nice", "Lille"}, CorrectIndex: 0},
		{ID: "q2", Text: "Name a prime number", Difficulty: game.DifficultyHard, CorrectText: "7"},
	}
}

type fixture struct {
	reg  *registry.Registry
	mem  *store.Memory
	sess *Session
}

func newFixture(t *testing.T, cfg Config) *fixture {
	return newFixtureRollout(t, cfg, sequencer.Config{PollInterval: time.Millisecond})
}

func newFixtureRollout(t *testing.T, cfg Config, seqCfg sequencer.Config) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := registry.New(nil)
	mem := store.NewMemory()
	seq := sequencer.New(reg, nil, seqCfg, nil)

	st := game.NewState("ABC123", game.ModeTrivia, testQuestions())
	sess := New(ctx, st, Deps{
		Registry:  reg,
		Sequencer: seq,
		Store:     mem,
		Config:    cfg,
	}, nil)
	return &fixture{reg: reg, mem: mem, sess: sess}
}

// recvMsg receives one message with a timeout so tests never hang.
func recvMsg(t *testing.T, ch <-chan types.ServerMessage, within time.Duration) types.ServerMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatalf("outbox closed unexpectedly")
		}
		return msg
	case <-time.After(within):
		t.Fatalf("timed out waiting for message")
		return types.ServerMessage{}
	}
}

// awaitType skips unrelated broadcasts until one of the wanted type arrives.
func awaitType(t *testing.T, ch <-chan types.ServerMessage, msgType string, within time.Duration) types.ServerMessage {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatalf("outbox closed while waiting for %q", msgType)
			}
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", msgType)
		}
	}
}

func view(t *testing.T, sess *Session) View {
	t.Helper()
	reply := make(chan View, 1)
	sess.Inbox() <- GetView{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{}
	}
}

func (f *fixture) joinPlayer(t *testing.T, playerID, name string) *registry.Conn {
	t.Helper()
	c := f.reg.Admit("ABC123", project.RolePlayer, playerID, name)
	f.sess.Inbox() <- Join{Conn: c}
	return c
}

func (f *fixture) joinHost(t *testing.T) *registry.Conn {
	t.Helper()
	c := f.reg.Admit("ABC123", project.RoleHost, "", "")
	f.sess.Inbox() <- Join{Conn: c}
	return c
}

func TestSession_JoinInLobbyCarriesNoQuestion(t *testing.T) {
	f := newFixture(t, Config{})
	p1 := f.joinPlayer(t, "p1", "Ana")

	joined := recvMsg(t, p1.Outbox(), time.Second)
	require.Equal(t, types.MsgJoined, joined.Type)
	payload, ok := joined.Payload.(types.JoinedPayload)
	require.True(t, ok)
	assert.Equal(t, string(game.PhaseLobby), payload.Phase)
	assert.Nil(t, payload.Question)
	assert.False(t, payload.IsStarted)
}

func TestSession_HostSeesPlayerJoinAndLeave(t *testing.T) {
	f := newFixture(t, Config{})
	host := f.joinHost(t)
	_ = awaitType(t, host.Outbox(), types.MsgJoined, time.Second)

	p1 := f.joinPlayer(t, "p1", "Ana")
	joinNote := awaitType(t, host.Outbox(), types.MsgPlayerJoined, time.Second)
	pp, ok := joinNote.Payload.(types.PlayerPayload)
	require.True(t, ok)
	assert.Equal(t, "p1", pp.PlayerID)

	f.sess.Inbox() <- Leave{Conn: p1}
	_ = awaitType(t, host.Outbox(), types.MsgPlayerLeft, time.Second)
}

func TestSession_StartGameRejectedWithoutPlayers(t *testing.T) {
	f := newFixture(t, Config{})
	host := f.joinHost(t)
	_ = awaitType(t, host.Outbox(), types.MsgJoined, time.Second)

	f.sess.Inbox() <- ClientEvent{Conn: host, Msg: types.ClientMessage{Type: "start_game"}}
	errMsg := awaitType(t, host.Outbox(), types.MsgError, time.Second)
	assert.Contains(t, errMsg.Error, "invalid transition")

	v := view(t, f.sess)
	assert.Equal(t, game.PhaseLobby, v.State.Phase)
	assert.Equal(t, 0, v.Version)
}

func TestSession_HostOnlyCommandsRejectedForPlayers(t *testing.T) {
	f := newFixture(t, Config{})
	p1 := f.joinPlayer(t, "p1", "Ana")
	_ = awaitType(t, p1.Outbox(), types.MsgJoined, time.Second)

	f.sess.Inbox() <- ClientEvent{Conn: p1, Msg: types.ClientMessage{Type: "start_game"}}
	errMsg := awaitType(t, p1.Outbox(), types.MsgError, time.Second)
	assert.Equal(t, "host only", errMsg.Error)

	v := view(t, f.sess)
	assert.Equal(t, game.PhaseLobby, v.State.Phase)
}

func TestSession_FullRound(t *testing.T) {
	f := newFixture(t, Config{Countdown: 5 * time.Millisecond, QuestionTime: time.Minute})
	host := f.joinHost(t)
	p1 := f.joinPlayer(t, "p1", "Ana")
	p2 := f.joinPlayer(t, "p2", "Ben")
	_ = awaitType(t, host.Outbox(), types.MsgJoined, time.Second)
	_ = awaitType(t, p1.Outbox(), types.MsgJoined, time.Second)
	_ = awaitType(t, p2.Outbox(), types.MsgJoined, time.Second)

	f.sess.Inbox() <- ClientEvent{Conn: p1, Msg: types.ClientMessage{Type: "ready"}}
	f.sess.Inbox() <- ClientEvent{Conn: p2, Msg: types.ClientMessage{Type: "ready"}}
	f.sess.Inbox() <- ClientEvent{Conn: host, Msg: types.ClientMessage{Type: "start_game"}}

	// Everyone observes the countdown, then the ordered rollout: the critical
	// control message strictly precedes question content.
	for _, c := range []*registry.Conn{host, p1, p2} {
		phase := awaitType(t, c.Outbox(), types.MsgPhase, time.Second)
		assert.Equal(t, types.PhasePayload{Phase: string(game.PhaseCountdown)}, phase.Payload)

		started := awaitType(t, c.Outbox(), types.MsgGameStarted, time.Second)
		assert.True(t, started.Critical)

		q := recvMsg(t, c.Outbox(), time.Second)
		require.Equal(t, types.MsgQuestion, q.Type, "question must immediately follow game_started")
	}

	// Host view carries the answer, player views do not, and both players see
	// the same shuffled order.
	_ = awaitType(t, host.Outbox(), types.MsgStatus, time.Second)
	_ = awaitType(t, p1.Outbox(), types.MsgStatus, time.Second)
	_ = awaitType(t, p2.Outbox(), types.MsgStatus, time.Second)

	f.sess.Inbox() <- ClientEvent{Conn: p1, Msg: types.ClientMessage{Type: "submit_answer", Answer: "Paris"}}
	ack := awaitType(t, p1.Outbox(), types.MsgAnswerSubmitted, time.Second)
	assert.Equal(t, "ABC123", ack.SessionCode)
	answered := awaitType(t, host.Outbox(), types.MsgPlayerAnswered, time.Second)
	ap, ok := answered.Payload.(types.AnsweredPayload)
	require.True(t, ok)
	assert.Equal(t, 1, ap.PlayersAnswered)
	assert.Equal(t, 2, ap.PlayersTotal)

	// Second answer completes the round: question_closed fires automatically.
	f.sess.Inbox() <- ClientEvent{Conn: p2, Msg: types.ClientMessage{Type: "submit_answer", Answer: "Lyon"}}
	closed := awaitType(t, p1.Outbox(), types.MsgPhase, time.Second)
	assert.Equal(t, types.PhasePayload{Phase: string(game.PhaseQuestionClosed)}, closed.Payload)

	f.sess.Inbox() <- ClientEvent{Conn: host, Msg: types.ClientMessage{Type: "show_results"}}
	results := awaitType(t, p1.Outbox(), types.MsgResults, time.Second)
	rp, ok := results.Payload.(types.ResultsPayload)
	require.True(t, ok)
	assert.Equal(t, "Paris", rp.CorrectAnswer)
	assert.Equal(t, map[string]int{"p1": 1, "p2": 0}, rp.Scores)

	// The score delta is persisted best-effort off the hot path.
	require.Eventually(t, func() bool { return f.mem.Score("ABC123", "p1") == 1 },
		time.Second, 5*time.Millisecond)

	// Next question opens round 1 with a fresh rollout.
	f.sess.Inbox() <- ClientEvent{Conn: host, Msg: types.ClientMessage{Type: "next_question"}}
	started := awaitType(t, p2.Outbox(), types.MsgGameStarted, time.Second)
	sp, ok := started.Payload.(types.GameStartedPayload)
	require.True(t, ok)
	assert.Equal(t, 1, sp.Round)

	// End the game: everyone hears game_ended and the session archives.
	f.sess.Inbox() <- ClientEvent{Conn: host, Msg: types.ClientMessage{Type: "end_game"}}
	_ = awaitType(t, host.Outbox(), types.MsgGameEnded, time.Second)
	require.Eventually(t, func() bool {
		final, ok := f.mem.Archived("ABC123")
		return ok && final.Phase == game.PhaseFinished
	}, time.Second, 5*time.Millisecond)
}

func TestSession_LateJoinerDuringActiveRoundGetsCurrentQuestion(t *testing.T) {
	f := newFixture(t, Config{Countdown: time.Millisecond, QuestionTime: time.Minute})
	host := f.joinHost(t)
	p1 := f.joinPlayer(t, "p1", "Ana")
	_ = awaitType(t, host.Outbox(), types.MsgJoined, time.Second)
	_ = awaitType(t, p1.Outbox(), types.MsgJoined, time.Second)

	f.sess.Inbox() <- ClientEvent{Conn: p1, Msg: types.ClientMessage{Type: "ready"}}
	f.sess.Inbox() <- ClientEvent{Conn: host, Msg: types.ClientMessage{Type: "start_game"}}
	_ = awaitType(t, p1.Outbox(), types.MsgStatus, time.Second) // rollout fully committed

	// A reconnecting player is replayed the committed question, redacted.
	p2 := f.joinPlayer(t, "p2", "Ben")
	joined := awaitType(t, p2.Outbox(), types.MsgJoined, time.Second)
	payload, ok := joined.Payload.(types.JoinedPayload)
	require.True(t, ok)
	assert.Equal(t, string(game.PhaseQuestionActive), payload.Phase)
	require.NotNil(t, payload.Question)
	assert.Nil(t, payload.Question.CorrectIndex)

	// A host display gets the same round with the canonical view.
	host2 := f.joinHost(t)
	joined = awaitType(t, host2.Outbox(), types.MsgJoined, time.Second)
	payload, ok = joined.Payload.(types.JoinedPayload)
	require.True(t, ok)
	require.NotNil(t, payload.Question)
	assert.NotNil(t, payload.Question.CorrectIndex)
}

func TestSession_JoinDuringSettleWindowReplaysGameStarted(t *testing.T) {
	f := newFixtureRollout(t,
		Config{Countdown: time.Millisecond, QuestionTime: time.Minute},
		sequencer.Config{SettleDelay: 300 * time.Millisecond, PollInterval: time.Millisecond})
	host := f.joinHost(t)
	p1 := f.joinPlayer(t, "p1", "Ana")
	_ = awaitType(t, host.Outbox(), types.MsgJoined, time.Second)
	_ = awaitType(t, p1.Outbox(), types.MsgJoined, time.Second)

	f.sess.Inbox() <- ClientEvent{Conn: p1, Msg: types.ClientMessage{Type: "ready"}}
	f.sess.Inbox() <- ClientEvent{Conn: host, Msg: types.ClientMessage{Type: "start_game"}}
	_ = awaitType(t, p1.Outbox(), types.MsgGameStarted, time.Second)

	// p2 connects inside the settle window: game_started has committed but the
	// question has not. The control message must reach p2 before any question
	// content does.
	p2 := f.joinPlayer(t, "p2", "Ben")
	first := recvMsg(t, p2.Outbox(), time.Second)
	require.Equal(t, types.MsgGameStarted, first.Type)
	assert.True(t, first.Critical)
	sp, ok := first.Payload.(types.GameStartedPayload)
	require.True(t, ok)
	assert.Equal(t, 0, sp.Round)

	joined := recvMsg(t, p2.Outbox(), time.Second)
	require.Equal(t, types.MsgJoined, joined.Type)
	payload, ok := joined.Payload.(types.JoinedPayload)
	require.True(t, ok)
	assert.Nil(t, payload.Question, "question step has not committed yet")

	// The rollout's own question broadcast still reaches p2.
	q := awaitType(t, p2.Outbox(), types.MsgQuestion, time.Second)
	qp, ok := q.Payload.(project.ProjectedQuestion)
	require.True(t, ok)
	assert.Nil(t, qp.CorrectIndex)
}

func TestSession_ActivityDefersIdleClose(t *testing.T) {
	f := newFixture(t, Config{IdleTimeout: 100 * time.Millisecond})
	p1 := f.joinPlayer(t, "p1", "Ana")
	_ = awaitType(t, p1.Outbox(), types.MsgJoined, time.Second)

	// Regular pings keep the session alive well past the idle timeout.
	for i := 0; i < 8; i++ {
		time.Sleep(25 * time.Millisecond)
		f.sess.Inbox() <- ClientEvent{Conn: p1, Msg: types.ClientMessage{Type: "ping"}}
		_ = awaitType(t, p1.Outbox(), types.MsgPong, time.Second)
	}
	v := view(t, f.sess)
	assert.Equal(t, game.PhaseLobby, v.State.Phase)

	// Silence lets the timer fire.
	_ = awaitType(t, p1.Outbox(), types.MsgGameEnded, time.Second)
}

func TestSession_DoneSignalsTermination(t *testing.T) {
	f := newFixture(t, Config{})
	select {
	case <-f.sess.Done():
		t.Fatal("done closed before shutdown")
	default:
	}

	f.sess.Inbox() <- Shutdown{}
	select {
	case <-f.sess.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after shutdown")
	}
}

func TestSession_ReconnectAfterCloseNeverSeesActivePayload(t *testing.T) {
	f := newFixture(t, Config{Countdown: time.Millisecond, QuestionTime: time.Minute})
	host := f.joinHost(t)
	p1 := f.joinPlayer(t, "p1", "Ana")
	_ = awaitType(t, host.Outbox(), types.MsgJoined, time.Second)
	_ = awaitType(t, p1.Outbox(), types.MsgJoined, time.Second)

	f.sess.Inbox() <- ClientEvent{Conn: p1, Msg: types.ClientMessage{Type: "ready"}}
	f.sess.Inbox() <- ClientEvent{Conn: host, Msg: types.ClientMessage{Type: "start_game"}}
	_ = awaitType(t, p1.Outbox(), types.MsgStatus, time.Second)

	f.sess.Inbox() <- ClientEvent{Conn: p1, Msg: types.ClientMessage{Type: "submit_answer", Answer: "Paris"}}
	_ = awaitType(t, p1.Outbox(), types.MsgPhase, time.Second) // question_closed

	// Simulate the player dropping and reconnecting mid-round.
	f.sess.Inbox() <- Leave{Conn: p1}
	again := f.joinPlayer(t, "p1", "Ana")
	joined := awaitType(t, again.Outbox(), types.MsgJoined, time.Second)
	payload, ok := joined.Payload.(types.JoinedPayload)
	require.True(t, ok)
	assert.Equal(t, string(game.PhaseQuestionClosed), payload.Phase)
	assert.Nil(t, payload.Question, "closed rounds must not replay the active payload")
}

func TestSession_QuestionTimerClosesRound(t *testing.T) {
	f := newFixture(t, Config{Countdown: time.Millisecond, QuestionTime: 20 * time.Millisecond})
	host := f.joinHost(t)
	p1 := f.joinPlayer(t, "p1", "Ana")
	_ = awaitType(t, host.Outbox(), types.MsgJoined, time.Second)
	_ = awaitType(t, p1.Outbox(), types.MsgJoined, time.Second)

	f.sess.Inbox() <- ClientEvent{Conn: p1, Msg: types.ClientMessage{Type: "ready"}}
	f.sess.Inbox() <- ClientEvent{Conn: host, Msg: types.ClientMessage{Type: "start_game"}}
	_ = awaitType(t, p1.Outbox(), types.MsgStatus, time.Second)

	// Nobody answers; the global timer closes the round.
	closed := awaitType(t, p1.Outbox(), types.MsgPhase, time.Second)
	assert.Equal(t, types.PhasePayload{Phase: string(game.PhaseQuestionClosed)}, closed.Payload)
}

func TestSession_IdleTimeoutArchivesAndCloses(t *testing.T) {
	f := newFixture(t, Config{IdleTimeout: 20 * time.Millisecond})
	p1 := f.joinPlayer(t, "p1", "Ana")
	_ = awaitType(t, p1.Outbox(), types.MsgJoined, time.Second)

	// No further traffic: the session ends itself and drops its connections.
	_ = awaitType(t, p1.Outbox(), types.MsgGameEnded, time.Second)
	require.Eventually(t, func() bool {
		_, ok := f.mem.Archived("ABC123")
		return ok
	}, time.Second, 5*time.Millisecond)

	for range p1.Outbox() {
	}
}
