package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voicekit-dev/go-voicekit/pkg/audio"
	"github.com/voicekit-dev/go-voicekit/pkg/broker"
	"github.com/voicekit-dev/go-voicekit/pkg/store"
	"github.com/voicekit-dev/go-voicekit/pkg/transport"
)

type mockMinter struct {
	cred  broker.Credential
	err   error
	gate  chan struct{}
	calls atomic.Int32

	mu      sync.Mutex
	lastReq broker.MintRequest
}

func (m *mockMinter) Mint(ctx context.Context, req broker.MintRequest) (broker.Credential, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastReq = req
	m.mu.Unlock()

	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return broker.Credential{}, ctx.Err()
		}
	}
	if m.err != nil {
		return broker.Credential{}, m.err
	}
	return m.cred, nil
}

type fixture struct {
	ctrl   *Controller
	tr     *transport.Mock
	minter *mockMinter
	mem    *store.MemoryStore
	bridge *store.Bridge
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	mem := store.NewMemory()
	bridge := store.NewBridge(mem)
	t.Cleanup(func() { bridge.Close() })

	tr := transport.NewMock()
	minter := &mockMinter{cred: broker.Credential{Token: "ek_test"}}

	ctrl := New(minter, tr, bridge, opts...)
	return &fixture{ctrl: ctrl, tr: tr, minter: minter, mem: mem, bridge: bridge}
}

// connect starts the controller and completes the configuration
// handshake.
func (f *fixture) connect(t *testing.T) {
	t.Helper()
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	f.tr.Events.PushJSON(map[string]string{"type": "session.created"})
	waitFor(t, "session.update sent", func() bool {
		for _, typ := range f.tr.Events.SentTypes() {
			if typ == "session.update" {
				return true
			}
		}
		return false
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) turns(t *testing.T) []*store.Turn {
	t.Helper()
	turns, err := f.mem.ListTurns(context.Background(), f.ctrl.ID())
	if err != nil {
		t.Fatalf("list turns failed: %v", err)
	}
	return turns
}

func TestStartHandshake(t *testing.T) {
	t.Run("no configuration sent before session.created", func(t *testing.T) {
		f := newFixture(t, WithInstructions("be brief"))
		if err := f.ctrl.Start(context.Background()); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		defer f.ctrl.End()

		time.Sleep(50 * time.Millisecond)
		if types := f.tr.Events.SentTypes(); len(types) != 0 {
			t.Fatalf("events sent before session.created: %v", types)
		}

		f.tr.Events.PushJSON(map[string]string{"type": "session.created"})
		waitFor(t, "session.update", func() bool {
			return len(f.tr.Events.SentTypes()) == 1
		})
		if typ := f.tr.Events.SentTypes()[0]; typ != "session.update" {
			t.Errorf("expected session.update first, got %s", typ)
		}
	})

	t.Run("update carries instructions and omits unset prompt", func(t *testing.T) {
		f := newFixture(t, WithInstructions("You are a test agent."))
		f.connect(t)
		defer f.ctrl.End()

		payload := string(f.tr.Events.Sent()[0])
		if !strings.Contains(payload, `"instructions":"You are a test agent."`) {
			t.Errorf("instructions missing: %s", payload)
		}
		if strings.Contains(payload, "prompt") {
			t.Errorf("unset prompt should be absent: %s", payload)
		}
	})

	t.Run("update carries prompt reference when set", func(t *testing.T) {
		f := newFixture(t, WithPromptID("pmpt_1"))
		f.connect(t)
		defer f.ctrl.End()

		payload := string(f.tr.Events.Sent()[0])
		if !strings.Contains(payload, `"prompt":{"id":"pmpt_1"}`) {
			t.Errorf("prompt reference missing: %s", payload)
		}
	})

	t.Run("credential request carries session settings", func(t *testing.T) {
		f := newFixture(t, WithVoice("marin"), WithModel("gpt-realtime"))
		f.connect(t)
		defer f.ctrl.End()

		f.minter.mu.Lock()
		req := f.minter.lastReq
		f.minter.mu.Unlock()
		if req.Voice != "marin" || req.Model != "gpt-realtime" {
			t.Errorf("unexpected mint request %+v", req)
		}
		if f.tr.LastCred().Token != "ek_test" {
			t.Errorf("transport did not receive minted token")
		}
	})

	t.Run("second start is rejected", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		defer f.ctrl.End()

		if err := f.ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
			t.Errorf("expected ErrAlreadyStarted, got %v", err)
		}
	})

	t.Run("refused capture device surfaces permission denial", func(t *testing.T) {
		f := newFixture(t)
		f.tr.OpenErr = audio.ErrPermissionDenied

		err := f.ctrl.Start(context.Background())
		if !errors.Is(err, ErrConnectFailed) {
			t.Fatalf("expected ErrConnectFailed, got %v", err)
		}
		if !IsPermissionDenied(err) {
			t.Errorf("permission denial lost from error chain: %v", err)
		}
		if f.ctrl.Status() != StatusEnded {
			t.Errorf("expected ended, got %s", f.ctrl.Status())
		}
	})

	t.Run("mint failure surfaces credential error", func(t *testing.T) {
		f := newFixture(t)
		f.minter.err = errors.New("broker down")

		err := f.ctrl.Start(context.Background())
		if !errors.Is(err, ErrCredential) {
			t.Fatalf("expected ErrCredential, got %v", err)
		}
		if f.ctrl.Status() != StatusEnded {
			t.Errorf("expected ended after failed start, got %s", f.ctrl.Status())
		}
		if f.tr.OpenCount() != 0 {
			t.Errorf("transport should not open after mint failure")
		}
	})
}

func TestTranscriptAggregation(t *testing.T) {
	t.Run("deltas fold into one persisted turn", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		defer f.ctrl.End()

		f.tr.Events.PushJSON(map[string]string{"type": "response.audio_transcript.delta", "delta": "Hel"})
		f.tr.Events.PushJSON(map[string]string{"type": "response.audio_transcript.delta", "delta": "lo"})
		f.tr.Events.PushJSON(map[string]any{
			"type": "response.done",
			"response": map[string]any{
				"id": "resp_1",
				"usage": map[string]any{
					"input_tokens": 5, "output_tokens": 3, "total_tokens": 8,
				},
			},
		})

		waitFor(t, "turn persisted", func() bool { return len(f.turns(t)) == 1 })
		turn := f.turns(t)[0]
		if turn.Index != 0 {
			t.Errorf("expected index 0, got %d", turn.Index)
		}
		if turn.AgentText != "Hello" {
			t.Errorf("expected agent text Hello, got %q", turn.AgentText)
		}
		if turn.OutputTokens != 3 || turn.TotalTokens != 8 {
			t.Errorf("unexpected token counts %+v", turn)
		}

		waitFor(t, "totals updated", func() bool {
			sess, err := f.mem.GetSession(context.Background(), f.ctrl.ID())
			return err == nil && sess.TurnCount == 1 && sess.OutputTokens == 3
		})
	})

	t.Run("observer sees partials then a final with the same id", func(t *testing.T) {
		f := newFixture(t)

		var mu sync.Mutex
		var msgs []Message
		f.ctrl.OnMessage(func(m Message) {
			mu.Lock()
			msgs = append(msgs, m)
			mu.Unlock()
		})

		f.connect(t)
		defer f.ctrl.End()

		f.tr.Events.PushJSON(map[string]string{"type": "response.audio_transcript.delta", "delta": "Hel"})
		f.tr.Events.PushJSON(map[string]string{"type": "response.audio_transcript.delta", "delta": "lo"})
		f.tr.Events.PushJSON(map[string]any{"type": "response.done", "response": map[string]any{"id": "resp_1"}})

		waitFor(t, "final message", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(msgs) == 3 && !msgs[2].IsPartial
		})

		mu.Lock()
		defer mu.Unlock()
		if msgs[0].Content != "Hel" || !msgs[0].IsPartial {
			t.Errorf("unexpected first partial %+v", msgs[0])
		}
		if msgs[1].Content != "Hello" || !msgs[1].IsPartial {
			t.Errorf("unexpected second partial %+v", msgs[1])
		}
		if msgs[2].Content != "Hello" || msgs[2].Role != RoleAgent {
			t.Errorf("unexpected final %+v", msgs[2])
		}
		if msgs[0].ID != msgs[2].ID {
			t.Errorf("partial and final should share an id")
		}
	})

	t.Run("buffers reset between turns", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		defer f.ctrl.End()

		f.tr.Events.PushJSON(map[string]string{"type": "response.audio_transcript.delta", "delta": "first"})
		f.tr.Events.PushJSON(map[string]any{"type": "response.done", "response": map[string]any{}})
		f.tr.Events.PushJSON(map[string]string{"type": "response.audio_transcript.delta", "delta": "second"})
		f.tr.Events.PushJSON(map[string]any{"type": "response.done", "response": map[string]any{}})

		waitFor(t, "two turns", func() bool { return len(f.turns(t)) == 2 })
		turns := f.turns(t)
		if turns[0].AgentText != "first" || turns[1].AgentText != "second" {
			t.Errorf("turn text leaked across turns: %q, %q", turns[0].AgentText, turns[1].AgentText)
		}
		if turns[0].Index != 0 || turns[1].Index != 1 {
			t.Errorf("unexpected indices %d, %d", turns[0].Index, turns[1].Index)
		}
	})

	t.Run("user transcript completed replaces deltas", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		defer f.ctrl.End()

		f.tr.Events.PushJSON(map[string]string{
			"type": "conversation.item.input_audio_transcription.delta", "delta": "wat",
		})
		f.tr.Events.PushJSON(map[string]string{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "What time is it?",
		})
		f.tr.Events.PushJSON(map[string]any{"type": "response.done", "response": map[string]any{}})

		waitFor(t, "turn persisted", func() bool { return len(f.turns(t)) == 1 })
		if got := f.turns(t)[0].UserText; got != "What time is it?" {
			t.Errorf("expected completed transcript, got %q", got)
		}
	})

	t.Run("empty completed transcript still replaces deltas", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		defer f.ctrl.End()

		f.tr.Events.PushJSON(map[string]string{
			"type": "conversation.item.input_audio_transcription.delta", "delta": "garbled",
		})
		f.tr.Events.PushJSON(map[string]string{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "",
		})
		f.tr.Events.PushJSON(map[string]string{"type": "response.audio_transcript.delta", "delta": "Sorry?"})
		f.tr.Events.PushJSON(map[string]any{"type": "response.done", "response": map[string]any{}})

		waitFor(t, "turn persisted", func() bool { return len(f.turns(t)) == 1 })
		turn := f.turns(t)[0]
		if turn.UserText != "" {
			t.Errorf("deltas survived an empty completed transcript: %q", turn.UserText)
		}
		if turn.AgentText != "Sorry?" {
			t.Errorf("unexpected agent text %q", turn.AgentText)
		}
	})

	t.Run("empty turn is suppressed and consumes no index", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		defer f.ctrl.End()

		f.tr.Events.PushJSON(map[string]any{"type": "response.done", "response": map[string]any{}})
		f.tr.Events.PushJSON(map[string]string{"type": "response.audio_transcript.delta", "delta": "real"})
		f.tr.Events.PushJSON(map[string]any{"type": "response.done", "response": map[string]any{}})

		waitFor(t, "turn persisted", func() bool { return len(f.turns(t)) == 1 })
		turn := f.turns(t)[0]
		if turn.Index != 0 || turn.AgentText != "real" {
			t.Errorf("suppressed turn consumed an index: %+v", turn)
		}
	})
}

func TestFailedWriteKeepsIndexing(t *testing.T) {
	f := newFixture(t)

	// System messages double as processing markers: when the marker
	// arrives, every event pushed before it has been dispatched.
	var markerMu sync.Mutex
	markers := 0
	f.ctrl.OnMessage(func(m Message) {
		if m.Role == RoleSystem {
			markerMu.Lock()
			markers++
			markerMu.Unlock()
		}
	})
	waitMarker := func(n int) {
		waitFor(t, "processing marker", func() bool {
			markerMu.Lock()
			defer markerMu.Unlock()
			return markers == n
		})
	}
	flush := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := f.bridge.Flush(ctx); err != nil {
			t.Fatalf("flush failed: %v", err)
		}
	}

	f.connect(t)
	defer f.ctrl.End()

	push := func(text string) {
		f.tr.Events.PushJSON(map[string]string{"type": "response.audio_transcript.delta", "delta": text})
		f.tr.Events.PushJSON(map[string]any{"type": "response.done", "response": map[string]any{
			"usage": map[string]any{"input_tokens": 1, "output_tokens": 1, "total_tokens": 2},
		}})
		f.tr.Events.PushJSON(map[string]any{
			"type": "error", "error": map[string]string{"message": "marker"},
		})
	}

	push("one")
	waitMarker(1)
	flush()

	f.mem.FailInsertTurn = errors.New("disk full")
	push("two")
	waitMarker(2)
	flush()
	f.mem.FailInsertTurn = nil

	push("three")
	waitMarker(3)
	flush()

	waitFor(t, "surviving turns", func() bool { return len(f.turns(t)) == 2 })

	turns := f.turns(t)
	if turns[0].Index != 0 || turns[1].Index != 2 {
		t.Errorf("indices should stay dense across failures, got %d and %d",
			turns[0].Index, turns[1].Index)
	}

	// The failed write must not advance the committed totals.
	waitFor(t, "totals reflect two turns", func() bool {
		sess, err := f.mem.GetSession(context.Background(), f.ctrl.ID())
		return err == nil && sess.TurnCount == 2 && sess.TotalTokens == 4
	})
}

func TestEnd(t *testing.T) {
	t.Run("end is idempotent", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)

		if err := f.ctrl.End(); err != nil {
			t.Fatalf("first end failed: %v", err)
		}
		if err := f.ctrl.End(); err != nil {
			t.Fatalf("second end failed: %v", err)
		}
		if f.tr.CloseCount() != 1 {
			t.Errorf("transport closed %d times, want 1", f.tr.CloseCount())
		}

		sess, err := f.mem.GetSession(context.Background(), f.ctrl.ID())
		if err != nil {
			t.Fatalf("get session failed: %v", err)
		}
		if sess.Status != store.StatusCompleted {
			t.Errorf("expected completed status, got %s", sess.Status)
		}
		if sess.DurationMs < 0 {
			t.Errorf("negative duration %d", sess.DurationMs)
		}
	})

	t.Run("end during credential mint aborts before transport", func(t *testing.T) {
		f := newFixture(t)
		f.minter.gate = make(chan struct{})

		startErr := make(chan error, 1)
		go func() { startErr <- f.ctrl.Start(context.Background()) }()

		waitFor(t, "mint in flight", func() bool { return f.minter.calls.Load() == 1 })
		if err := f.ctrl.End(); err != nil {
			t.Fatalf("end failed: %v", err)
		}

		select {
		case err := <-startErr:
			if !errors.Is(err, ErrSessionEnded) {
				t.Errorf("expected ErrSessionEnded, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("start did not return after end")
		}

		if f.tr.OpenCount() != 0 {
			t.Errorf("transport opened %d times, want 0", f.tr.OpenCount())
		}
		if f.ctrl.Status() != StatusEnded {
			t.Errorf("expected ended, got %s", f.ctrl.Status())
		}
	})

	t.Run("start after end is rejected", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.End()
		if err := f.ctrl.Start(context.Background()); !errors.Is(err, ErrSessionEnded) {
			t.Errorf("expected ErrSessionEnded, got %v", err)
		}
	})

	t.Run("remote close ends the session", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)

		f.tr.Events.CloseRecv()
		waitFor(t, "session ended", func() bool { return f.ctrl.Status() == StatusEnded })
	})
}

func TestSendText(t *testing.T) {
	t.Run("before connect reports not connected", func(t *testing.T) {
		f := newFixture(t)
		if err := f.ctrl.SendText("hi"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("sends item then response request", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		defer f.ctrl.End()

		if err := f.ctrl.SendText("hello there"); err != nil {
			t.Fatalf("send text failed: %v", err)
		}

		types := f.tr.Events.SentTypes()
		if len(types) != 3 || types[1] != "conversation.item.create" || types[2] != "response.create" {
			t.Fatalf("unexpected wire sequence %v", types)
		}

		var item struct {
			Item struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"item"`
		}
		json.Unmarshal(f.tr.Events.Sent()[1], &item)
		if len(item.Item.Content) != 1 || item.Item.Content[0].Text != "hello there" {
			t.Errorf("unexpected item payload %s", f.tr.Events.Sent()[1])
		}
	})

	t.Run("surfaces the text to the observer immediately", func(t *testing.T) {
		f := newFixture(t)

		var mu sync.Mutex
		var msgs []Message
		f.ctrl.OnMessage(func(m Message) {
			mu.Lock()
			msgs = append(msgs, m)
			mu.Unlock()
		})

		f.connect(t)
		defer f.ctrl.End()

		if err := f.ctrl.SendText("hello"); err != nil {
			t.Fatalf("send text failed: %v", err)
		}

		mu.Lock()
		defer mu.Unlock()
		if len(msgs) != 1 || msgs[0].Role != RoleUser || msgs[0].Content != "hello" || msgs[0].IsPartial {
			t.Errorf("unexpected observer messages %+v", msgs)
		}
	})

	t.Run("cancel requires connection", func(t *testing.T) {
		f := newFixture(t)
		if err := f.ctrl.CancelResponse(); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})
}

func TestSpeakingSignal(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var edges []bool
	f.ctrl.OnSpeaking(func(on bool) {
		mu.Lock()
		edges = append(edges, on)
		mu.Unlock()
	})

	f.connect(t)
	defer f.ctrl.End()

	f.tr.Events.PushJSON(map[string]string{"type": "response.audio.delta", "delta": "AAAA"})
	f.tr.Events.PushJSON(map[string]string{"type": "response.audio.delta", "delta": "AAAA"})
	f.tr.Events.PushJSON(map[string]string{"type": "response.audio.done"})

	waitFor(t, "speaking edges", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(edges) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if !edges[0] || edges[1] {
		t.Errorf("expected rising then falling edge, got %v", edges)
	}
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var seen []Status
	f.ctrl.OnStatus(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	f.connect(t)
	f.ctrl.End()

	waitFor(t, "status history", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusConnecting, StatusConnected, StatusEnded}
	for i, s := range want {
		if seen[i] != s {
			t.Errorf("transition %d: expected %s, got %s", i, s, seen[i])
		}
	}
}

func TestErrorEventReachesObserver(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var msgs []Message
	f.ctrl.OnMessage(func(m Message) {
		mu.Lock()
		msgs = append(msgs, m)
		mu.Unlock()
	})

	f.connect(t)
	defer f.ctrl.End()

	f.tr.Events.PushJSON(map[string]any{
		"type":  "error",
		"error": map[string]string{"code": "rate_limited", "message": "slow down"},
	})

	waitFor(t, "system message", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(msgs) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if msgs[0].Role != RoleSystem || !strings.Contains(msgs[0].Content, "slow down") {
		t.Errorf("unexpected system message %+v", msgs[0])
	}
}
