package session

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voicekit-dev/go-voicekit/pkg/protocol"
	"github.com/voicekit-dev/go-voicekit/pkg/store"
)

// aggregator folds streamed transcript deltas into whole turns and
// hands them to the persistence bridge. Turn indices are assigned on
// the event loop goroutine, so they stay dense even when a write later
// fails; session totals only advance once the turn actually lands in
// the store.
type aggregator struct {
	sessionID string
	bridge    *store.Bridge
	log       *slog.Logger

	// Event loop state, only touched from the processor goroutine.
	index        int
	userBuf      strings.Builder
	userFinal    string
	userFinalSet bool
	agentBuf     strings.Builder

	// totals is shared with the bridge worker via the insert hook.
	totalsMu sync.Mutex
	totals   store.Counters
}

func newAggregator(sessionID string, bridge *store.Bridge, logger *slog.Logger) *aggregator {
	return &aggregator{
		sessionID: sessionID,
		bridge:    bridge,
		log:       logger,
	}
}

// addUserDelta accumulates a partial user transcript.
func (a *aggregator) addUserDelta(delta string) {
	a.userBuf.WriteString(delta)
}

// setUserFinal records the authoritative user transcript for the turn,
// replacing whatever the deltas accumulated. An empty transcript still
// replaces the deltas.
func (a *aggregator) setUserFinal(transcript string) {
	a.userFinal = transcript
	a.userFinalSet = true
}

// addAgentDelta accumulates a partial agent transcript.
func (a *aggregator) addAgentDelta(delta string) {
	a.agentBuf.WriteString(delta)
}

// userText returns the current user transcript, final when available.
func (a *aggregator) userText() string {
	if a.userFinalSet {
		return a.userFinal
	}
	return a.userBuf.String()
}

// agentText returns the accumulated agent transcript.
func (a *aggregator) agentText() string {
	return a.agentBuf.String()
}

// completeTurn closes the current turn and resets the buffers. A turn
// with no text on either side and no usage is dropped without
// consuming an index.
func (a *aggregator) completeTurn(usage *protocol.Usage) {
	userText := a.userText()
	agentText := a.agentBuf.String()
	a.reset()

	if userText == "" && agentText == "" && usage == nil {
		a.log.Debug("empty turn suppressed", "session_id", a.sessionID)
		return
	}

	turn := &store.Turn{
		SessionID: a.sessionID,
		Index:     a.index,
		UserText:  userText,
		AgentText: agentText,
		CreatedAt: time.Now(),
	}
	if usage != nil {
		turn.InputTokens = usage.InputTokens
		turn.OutputTokens = usage.OutputTokens
		turn.TotalTokens = usage.TotalTokens
		turn.CachedTokens = usage.InputTokenDetails.CachedTokens
	}
	a.index++

	a.bridge.InsertTurn(turn, func(err error) {
		if err != nil {
			return
		}
		a.totalsMu.Lock()
		a.totals.Add(store.Counters{
			TurnCount:    1,
			InputTokens:  turn.InputTokens,
			OutputTokens: turn.OutputTokens,
			TotalTokens:  turn.TotalTokens,
			CachedTokens: turn.CachedTokens,
		})
		totals := a.totals
		a.totalsMu.Unlock()

		a.bridge.UpdateSessionTotals(a.sessionID, totals)
	})
}

// reset clears the per-turn buffers.
func (a *aggregator) reset() {
	a.userBuf.Reset()
	a.userFinal = ""
	a.userFinalSet = false
	a.agentBuf.Reset()
}

// snapshot returns the committed session totals.
func (a *aggregator) snapshot() store.Counters {
	a.totalsMu.Lock()
	defer a.totalsMu.Unlock()
	return a.totals
}
