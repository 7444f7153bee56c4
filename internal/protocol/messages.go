package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants exchanged with the
// device shell.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"

	TypeSessionState          MessageType = "session_state"
	TypeTranscriptPartial     MessageType = "transcript_partial"
	TypeMessageAppended       MessageType = "message_appended"
	TypeSpeakRequest          MessageType = "speak_request"
	TypeSessionSaved          MessageType = "session_saved"
	TypeCheckinPrompt         MessageType = "checkin_prompt"
	TypeNotificationScheduled MessageType = "notification_scheduled"
	TypeSystemEvent           MessageType = "system_event"
	TypeErrorEvent            MessageType = "error_event"
)

// Control actions the shell can send.
const (
	ActionStartListening     = "start_listening"
	ActionStopListening      = "stop_listening"
	ActionEndSession         = "end_session"
	ActionSpeechFinished     = "speech_finished"
	ActionSetTone            = "set_tone"
	ActionAppState           = "app_state"
	ActionNotificationTapped = "notification_tapped"
)

// App lifecycle states reported by the shell.
const (
	AppStateActive     = "active"
	AppStateBackground = "background"
	AppStateInactive   = "inactive"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	// Action-specific fields; unrelated actions leave them zero.
	Tone         string               `json:"tone,omitempty"`
	AppState     string               `json:"app_state,omitempty"`
	UtteranceID  string               `json:"utterance_id,omitempty"`
	Notification *NotificationPayload `json:"notification,omitempty"`
}

type SessionState struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	State        string      `json:"state"`
	HasResponded bool        `json:"has_responded"`
	RecordOnly   bool        `json:"record_only"`
}

type TranscriptPartial struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type MessageAppended struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ID        string      `json:"id"`
	Role      string      `json:"role"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type SpeakRequest struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id"`
	Text        string      `json:"text"`
	Pitch       float64     `json:"pitch"`
	Rate        float64     `json:"rate"`
}

type SessionSaved struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	EntryID   int         `json:"entry_id"`
}

type CheckinPrompt struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Mode      string      `json:"conversation_mode"`
}

type NotificationScheduled struct {
	Type     MessageType         `json:"type"`
	FireAtMs int64               `json:"fire_at_ms"`
	Payload  NotificationPayload `json:"payload"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
	Hint      string      `json:"hint,omitempty"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		if err := validateControl(msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func validateControl(msg ClientControl) error {
	switch msg.Action {
	case ActionStartListening, ActionStopListening, ActionEndSession, ActionSpeechFinished:
		return nil
	case ActionSetTone:
		if msg.Tone == "" {
			return errors.New("set_tone requires tone")
		}
		return nil
	case ActionAppState:
		switch msg.AppState {
		case AppStateActive, AppStateBackground, AppStateInactive:
			return nil
		}
		return fmt.Errorf("invalid app_state %q", msg.AppState)
	case ActionNotificationTapped:
		if msg.Notification == nil {
			return errors.New("notification_tapped requires notification payload")
		}
		return msg.Notification.Validate()
	default:
		return fmt.Errorf("unknown control action %q", msg.Action)
	}
}
