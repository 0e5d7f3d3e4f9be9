package httpapi

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dextora/dextora/internal/audio"
	"github.com/dextora/dextora/internal/observability"
	"github.com/dextora/dextora/internal/playback"
	"github.com/dextora/dextora/internal/protocol"
)

func drainOutbox(box *outbox) []protocol.MessageType {
	var types []protocol.MessageType
	for {
		select {
		case msg := <-box.ch:
			if mt, ok := messageTypeOf(msg); ok {
				types = append(types, mt)
			}
		default:
			return types
		}
	}
}

func TestStopInsideOnStartSendsNoAudio(t *testing.T) {
	box := newOutbox(context.Background(), observability.NewMetrics("test_ws_stop"))
	output := newBrowserOutput("s-1", box, 1)

	done := make(chan struct{}, 2)
	var q *playback.Queue
	q = playback.NewQueue(output, playback.Options{
		Logger:     zerolog.Nop(),
		OnItemDone: func(playback.Item, error) { done <- struct{}{} },
	})
	q.Enqueue(playback.AudioItem(audio.SilenceWAV(16000, 1600), "audio/wav", func(time.Duration) { q.Stop() }))
	q.Enqueue(playback.TextItem("never voiced", nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("item never finished")
	}
	time.Sleep(20 * time.Millisecond)

	types := drainOutbox(box)
	for _, mt := range types {
		if mt == protocol.TypeAssistantAudio || mt == protocol.TypeSpeakNative {
			t.Fatalf("%s sent after Stop: %v", mt, types)
		}
	}
	if len(types) == 0 || types[0] != protocol.TypeAudioSilence {
		t.Fatalf("outbox = %v, want audio_silence", types)
	}
}

func TestBrowserOutputCancelledContextSendsNothing(t *testing.T) {
	box := newOutbox(context.Background(), observability.NewMetrics("test_ws_cancel"))
	output := newBrowserOutput("s-1", box, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	clip, err := audio.Decode(audio.SilenceWAV(16000, 160), "audio/wav")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if err := output.PlayAudio(ctx, clip); err == nil {
		t.Fatalf("PlayAudio() on cancelled context returned nil")
	}
	if err := output.Speak(ctx, "hello"); err == nil {
		t.Fatalf("Speak() on cancelled context returned nil")
	}
	if types := drainOutbox(box); len(types) != 0 {
		t.Fatalf("outbox = %v, want empty", types)
	}
}

func (e *testEnv) liveCount() int {
	e.srv.mu.Lock()
	defer e.srv.mu.Unlock()
	return len(e.srv.live)
}

func TestCloseLiveClosesConnectionsAndRefusesNew(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t)
	conn := env.dial(t, "/v1/chat/session/ws?session_id="+sessionID, nil)

	send := map[string]any{"type": "user_text", "session_id": sessionID, "text": "what is inertia"}
	if err := conn.WriteJSON(send); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for env.liveCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := env.srv.CloseLive(ctx); err != nil {
		t.Fatalf("CloseLive() error = %v", err)
	}
	if n := env.liveCount(); n != 0 {
		t.Fatalf("live connections after CloseLive = %d, want 0", n)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				t.Fatalf("connection still open after CloseLive")
			}
			break
		}
	}

	late := env.dial(t, "/v1/chat/session/ws?session_id="+env.createSession(t), nil)
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := late.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("late connection read error = %v, want going away close", err)
	}
	if n := env.liveCount(); n != 0 {
		t.Fatalf("late connection registered during shutdown")
	}
}
