package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestParseClientMessageUserText(t *testing.T) {
	raw := []byte(`{"type":"user_text","session_id":"s1","text":"Explain photosynthesis","ts_ms":123}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	text, ok := msg.(UserText)
	if !ok {
		t.Fatalf("message type = %T, want UserText", msg)
	}
	if text.SessionID != "s1" || text.Text != "Explain photosynthesis" || text.TSMs != 123 {
		t.Fatalf("unexpected user text: %+v", text)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"STOP","ts_ms":456}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.SessionID != "s1" || control.Action != ActionStop {
		t.Fatalf("unexpected client control: %+v", control)
	}
	if control.TSMs != 456 {
		t.Fatalf("TSMs = %d, want %d", control.TSMs, 456)
	}
}

func TestParseClientMessageCapabilities(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"capabilities","native_speech":false}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	control := msg.(ClientControl)
	if control.NativeSpeech == nil || *control.NativeSpeech {
		t.Fatalf("NativeSpeech = %v, want false", control.NativeSpeech)
	}

	if _, err := ParseClientMessage([]byte(`{"type":"client_control","session_id":"s1","action":"capabilities"}`)); err == nil {
		t.Fatalf("expected error for capabilities without native_speech")
	}
}

func TestParseClientMessageRejectsInvalid(t *testing.T) {
	for _, raw := range []string{
		`{"type":"user_text","session_id":"","text":"hi"}`,
		`{"type":"client_control","session_id":"s1","action":"dance"}`,
		`{"type":"client_control","session_id":"s1"}`,
		`not json`,
	} {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) expected error", raw)
		}
	}
}

func TestEncodeUsesWireNames(t *testing.T) {
	raw, err := Encode(AssistantAudio{
		Type:        TypeAssistantAudio,
		SessionID:   "s1",
		TurnID:      "t1",
		Seq:         2,
		Format:      "audio/wav",
		AudioBase64: "UklGRg==",
		DurationMS:  1200,
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	for _, want := range []string{`"type":"assistant_audio"`, `"audio_base64":"UklGRg=="`, `"duration_ms":1200`} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("Encode() = %s, missing %s", raw, want)
		}
	}

	var back AssistantAudio
	if err := Decode(raw, &back); err != nil || back.Seq != 2 {
		t.Fatalf("Decode() = %+v, %v", back, err)
	}
}

func BenchmarkParseClientMessageUserText(b *testing.B) {
	raw := []byte(`{"type":"user_text","session_id":"s1","text":"What is the derivative of x squared?","ts_ms":123456}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(UserText); !ok {
			b.Fatalf("message type = %T, want UserText", msg)
		}
	}
}
