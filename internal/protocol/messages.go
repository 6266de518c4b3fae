// Package protocol holds the wire payloads of the identification stream and
// the meeting lifecycle websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypeSessionEvent  MessageType = "session_event"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
)

// Client control actions accepted on the lifecycle socket.
const (
	ActionPing  = "ping"
	ActionClose = "close"
)

// SSE event names on the identification stream.
const (
	EventProgress = "progress"
	EventDone     = "done"
	EventError    = "error"
)

// Identification stages reported in progress events.
const (
	StageTranscribing = "transcribing"
	StageConverting   = "converting"
	StageAnalyzing    = "analyzing"
	StageMatching     = "matching"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	MeetingID string      `json:"meeting_id"`
	Action    string      `json:"action"`
}

type SessionEvent struct {
	Type      MessageType `json:"type"`
	MeetingID string      `json:"meeting_id"`
	Event     string      `json:"event"`
	State     string      `json:"state"`
	Speaker   string      `json:"speaker,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	At        time.Time   `json:"at"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	MeetingID string      `json:"meeting_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	MeetingID string      `json:"meeting_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
}

type Progress struct {
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
}

type Candidate struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// SpeakerResult is the per-speaker part of an identification result.
type SpeakerResult struct {
	MeetingSpeakerID  string      `json:"meeting_speaker_id"`
	Confidence        string      `json:"confidence"`
	Candidates        []Candidate `json:"candidates"`
	TopScore          float64     `json:"top_score"`
	Margin            float64     `json:"margin"`
	AssignedName      string      `json:"assigned_name,omitempty"`
	SuggestedName     string      `json:"suggested_name,omitempty"`
	NeedsConfirmation bool        `json:"needs_confirmation"`
	NeedsNaming       bool        `json:"needs_naming"`
	SpeechMS          int64       `json:"speech_ms"`
	LowQuality        bool        `json:"low_speech_quality"`
	Segments          []Segment   `json:"segments"`
	LongestMS         int64       `json:"longest_utterance_ms"`
}

type Segment struct {
	StartMS int64 `json:"start_ms"`
	EndMS   int64 `json:"end_ms"`
}

type LabeledUtterance struct {
	Speaker     string `json:"speaker"`
	DisplayName string `json:"display_name"`
	Text        string `json:"text"`
	StartMS     int64  `json:"start_ms"`
	EndMS       int64  `json:"end_ms"`
}

// IdentifyResult is the payload of the final done event. MeetingID is nil
// when the recording produced no transcript and no session was kept.
type IdentifyResult struct {
	MeetingID  *string            `json:"meeting_id"`
	Speakers   []SpeakerResult    `json:"speakers"`
	Utterances []LabeledUtterance `json:"utterances"`
	DurationMS int64              `json:"duration_ms"`
	Language   string             `json:"language,omitempty"`
}

type StreamError struct {
	Error string `json:"error"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionPing, ActionClose:
		default:
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// WriteSSE writes one server-sent event frame.
func WriteSSE(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// WriteSSEComment writes a comment frame, used for keepalives.
func WriteSSEComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
