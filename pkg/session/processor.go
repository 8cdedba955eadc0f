package session

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voicekit-dev/go-voicekit/pkg/protocol"
)

// processor consumes the event channel on a single goroutine and
// dispatches every event in arrival order. All aggregator access
// happens here, so the aggregator needs no locking of its own for
// transcript state.
type processor struct {
	update protocol.SessionUpdate
	send   func(v any) error
	agg    *aggregator
	log    *slog.Logger

	// Callbacks into the controller. All invoked from the processor
	// goroutine.
	emit     func(Message)
	speaking func(bool)
	onClosed func()

	// Per-turn message identity, reset after each response.done.
	userMsgID  string
	agentMsgID string

	isSpeaking bool
	done       chan struct{}
}

func newProcessor(update protocol.SessionUpdate, send func(v any) error, agg *aggregator, logger *slog.Logger) *processor {
	return &processor{
		update: update,
		send:   send,
		agg:    agg,
		log:    logger,
		done:   make(chan struct{}),
	}
}

// run drains recv until it closes. The session.update carrying the
// configuration is only sent after session.created arrives; sending it
// earlier races the endpoint's own session setup.
func (p *processor) run(recv <-chan []byte) {
	defer close(p.done)

	for data := range recv {
		ev, err := protocol.ParseServerEvent(data)
		if err != nil {
			p.log.Warn("unparseable event dropped", "error", err)
			continue
		}
		p.handle(ev)
	}

	p.setSpeaking(false)
	if p.onClosed != nil {
		p.onClosed()
	}
}

func (p *processor) handle(ev protocol.ServerEvent) {
	switch ev.Type {
	case protocol.EventSessionCreated:
		p.log.Debug("session created")
		if err := p.send(p.update); err != nil {
			p.log.Error("session update failed", "error", err)
		}

	case protocol.EventSessionUpdated:
		p.log.Debug("session configuration applied")

	case protocol.EventInputTranscriptionDelta:
		p.agg.addUserDelta(ev.Delta)
		p.emitUser(p.agg.userText(), true)

	case protocol.EventInputTranscriptionCompleted:
		p.agg.setUserFinal(ev.Transcript)
		p.emitUser(ev.Transcript, false)

	case protocol.EventResponseTextDelta, protocol.EventResponseAudioTranscriptDelta:
		p.agg.addAgentDelta(ev.Delta)
		p.emitAgent(p.agg.agentText(), true)

	case protocol.EventResponseAudioDelta:
		p.setSpeaking(true)

	case protocol.EventResponseAudioDone:
		p.setSpeaking(false)

	case protocol.EventResponseDone:
		p.setSpeaking(false)
		if text := p.agg.agentText(); text != "" {
			p.emitAgent(text, false)
		}
		var usage *protocol.Usage
		if ev.Response != nil {
			usage = ev.Response.Usage
		}
		p.agg.completeTurn(usage)
		p.userMsgID = ""
		p.agentMsgID = ""

	case protocol.EventError:
		p.log.Warn("endpoint error", "detail", ev.Error.String())
		if p.emit != nil {
			p.emit(Message{
				ID:        uuid.NewString(),
				Role:      RoleSystem,
				Content:   ev.Error.String(),
				Timestamp: time.Now(),
			})
		}

	default:
		// Unknown tags are fine; the vocabulary grows server-side.
		p.log.Debug("ignoring event", "type", ev.Type)
	}
}

func (p *processor) emitUser(content string, partial bool) {
	if p.emit == nil || content == "" {
		return
	}
	if p.userMsgID == "" {
		p.userMsgID = uuid.NewString()
	}
	p.emit(Message{
		ID:        p.userMsgID,
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now(),
		IsPartial: partial,
	})
}

func (p *processor) emitAgent(content string, partial bool) {
	if p.emit == nil || content == "" {
		return
	}
	if p.agentMsgID == "" {
		p.agentMsgID = uuid.NewString()
	}
	p.emit(Message{
		ID:        p.agentMsgID,
		Role:      RoleAgent,
		Content:   content,
		Timestamp: time.Now(),
		IsPartial: partial,
	})
}

func (p *processor) setSpeaking(on bool) {
	if p.isSpeaking == on {
		return
	}
	p.isSpeaking = on
	if p.speaking != nil {
		p.speaking(on)
	}
}
