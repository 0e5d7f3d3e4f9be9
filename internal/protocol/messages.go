package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/dextora/dextora/internal/profiler"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserText          MessageType = "user_text"
	TypeClientControl     MessageType = "client_control"
	TypeTurnState         MessageType = "turn_state"
	TypeAssistantText     MessageType = "assistant_text"
	TypeAssistantSentence MessageType = "assistant_sentence"
	TypeAssistantAudio    MessageType = "assistant_audio"
	TypeSpeakNative       MessageType = "speak_native"
	TypeAudioSilence      MessageType = "audio_silence"
	TypeTranscriptWord    MessageType = "transcript_word"
	TypeAssistantTurnEnd  MessageType = "assistant_turn_end"
	TypeSystemEvent       MessageType = "system_event"
	TypeErrorEvent        MessageType = "error_event"
	TypeLatencyReport     MessageType = "latency_report"
)

// Client control actions.
const (
	ActionStop         = "stop"
	ActionMute         = "mute"
	ActionUnmute       = "unmute"
	ActionCapabilities = "capabilities"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// UserText carries typed input or a final speech-recognition transcript.
type UserText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type ClientControl struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	Action       string      `json:"action"`
	NativeSpeech *bool       `json:"native_speech,omitempty"`
	TSMs         int64       `json:"ts_ms,omitempty"`
}

type TurnState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	State     string      `json:"state"`
}

// AssistantText is the cumulative assistant reply so far.
type AssistantText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      string      `json:"text"`
}

type AssistantSentence struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Index     int         `json:"index"`
	Text      string      `json:"text"`
}

type AssistantAudio struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
	DurationMS  int64       `json:"duration_ms"`
}

// SpeakNative asks the browser to voice Text with its own synthesiser.
type SpeakNative struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Seq       int         `json:"seq"`
	Text      string      `json:"text"`
}

type AudioSilence struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type TranscriptWord struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Sentence  int         `json:"sentence"`
	Word      string      `json:"word"`
	Index     int         `json:"index"`
	Total     int         `json:"total"`
}

type AssistantTurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
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
}

type LatencyReport struct {
	Type    MessageType      `json:"type"`
	Entries []profiler.Entry `json:"entries"`
}

// Encode serialises an outbound message.
func Encode(msg any) ([]byte, error) {
	return sonic.Marshal(msg)
}

// Decode unmarshals raw into v.
func Decode(raw []byte, v any) error {
	return sonic.Unmarshal(raw, v)
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserText:
		var msg UserText
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid user_text")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		switch msg.Action {
		case ActionStop, ActionMute, ActionUnmute:
		case ActionCapabilities:
			if msg.NativeSpeech == nil {
				return nil, errors.New("invalid client_control: capabilities without native_speech")
			}
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
