// Package protocol defines the JSON event vocabulary spoken over the session's
// event channel: the server events the processor dispatches on, and the client
// events it sends back.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Server event tags. Anything outside this set is ignored by the processor.
const (
	EventSessionCreated               = "session.created"
	EventSessionUpdated               = "session.updated"
	EventInputTranscriptionDelta      = "conversation.item.input_audio_transcription.delta"
	EventInputTranscriptionCompleted  = "conversation.item.input_audio_transcription.completed"
	EventResponseTextDelta            = "response.text.delta"
	EventResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	EventResponseAudioDelta           = "response.audio.delta"
	EventResponseAudioDone            = "response.audio.done"
	EventResponseDone                 = "response.done"
	EventError                        = "error"
)

// ServerEvent is one inbound message from the inference endpoint.
type ServerEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Response   *Response    `json:"response,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

// Response is the payload of response.* lifecycle events.
type Response struct {
	ID    string `json:"id,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
}

// Usage is the endpoint's per-turn token accounting.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	TotalTokens       int `json:"total_tokens"`
	InputTokenDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_token_details"`
}

// ErrorDetail is the endpoint's error payload.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ErrorDetail) String() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return e.Message
}

// ParseServerEvent decodes one inbound event. Unknown tags decode fine; the
// caller decides whether it cares about the type.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("protocol: parse event: %w", err)
	}
	if ev.Type == "" {
		return ServerEvent{}, fmt.Errorf("protocol: event missing type tag")
	}
	return ev, nil
}
