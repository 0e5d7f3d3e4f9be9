package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dextora/dextora/internal/audio"
	"github.com/dextora/dextora/internal/chat"
	"github.com/dextora/dextora/internal/config"
	"github.com/dextora/dextora/internal/llm"
	"github.com/dextora/dextora/internal/observability"
	"github.com/dextora/dextora/internal/profiler"
	"github.com/dextora/dextora/internal/protocol"
	"github.com/dextora/dextora/internal/session"
	"github.com/dextora/dextora/internal/transcript"
	"github.com/dextora/dextora/internal/tts"
)

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	sessions *session.Manager
	prof     *profiler.Profiler
	store    transcript.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clip := audio.SilenceWAV(16000, 800)
	ttsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(clip)
	}))
	t.Cleanup(ttsSrv.Close)

	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		MetricsNamespace:         "test_httpapi",
		LLMProvider:              "mock",
		NativeMSPerChar:          1,
		RevealFallbackDuration:   20 * time.Millisecond,
	}
	prof := profiler.New(zerolog.Nop())
	store := transcript.NewInMemoryStore()
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	srv := New(cfg, sessions, chat.Deps{
		LLM: &llm.MockClient{Delay: time.Millisecond},
		TTS: tts.NewClient(tts.Options{
			URL:         ttsSrv.URL,
			Timeout:     time.Second,
			MaxInFlight: 2,
			Profiler:    prof,
			Logger:      zerolog.Nop(),
		}),
		Store:    store,
		Sessions: sessions,
		Metrics:  observability.NewMetrics(cfg.MetricsNamespace),
		Profiler: prof,
		Logger:   zerolog.Nop(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, sessions: sessions, prof: prof, store: store}
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"user_id": "user-1"})
	res, err := http.Post(e.ts.URL+"/v1/chat/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	return sessionID
}

func (e *testEnv) dial(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
	conn, res, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		t.Fatalf("dial %s error = %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireMessage struct {
	Type   protocol.MessageType `json:"type"`
	Text   string               `json:"text"`
	Reason string               `json:"reason"`
	Code   string               `json:"code"`
	Word   string               `json:"word"`
	Format string               `json:"format"`
	State  string               `json:"state"`
}

func readUntil(t *testing.T, conn *websocket.Conn, stop protocol.MessageType) []wireMessage {
	t.Helper()
	var got []wireMessage
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read error = %v after %d messages", err, len(got))
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		got = append(got, msg)
		if msg.Type == stop {
			return got
		}
	}
}

func TestCreateAndEndSession(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t)

	endRes, err := http.Post(env.ts.URL+"/v1/chat/session/"+sessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	missing, err := http.Post(env.ts.URL+"/v1/chat/session/nope/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end missing session error = %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("end missing status = %d, want 404", missing.StatusCode)
	}
}

func TestSessionWebSocketTurn(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t)
	conn := env.dial(t, "/v1/chat/session/ws?session_id="+sessionID, nil)

	send := map[string]any{"type": "user_text", "session_id": sessionID, "text": "what is inertia"}
	if err := conn.WriteJSON(send); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	msgs := readUntil(t, conn, protocol.TypeAssistantTurnEnd)

	var order []protocol.MessageType
	words := 0
	for _, m := range msgs {
		switch m.Type {
		case protocol.TypeSpeakNative, protocol.TypeAssistantAudio:
			order = append(order, m.Type)
		case protocol.TypeTranscriptWord:
			words++
		case protocol.TypeErrorEvent:
			t.Fatalf("unexpected error event: %+v", m)
		}
	}
	if len(order) != 2 || order[0] != protocol.TypeSpeakNative || order[1] != protocol.TypeAssistantAudio {
		t.Fatalf("playback order = %v, want speak_native then assistant_audio", order)
	}
	if words == 0 {
		t.Fatalf("no transcript words revealed")
	}
	if last := msgs[len(msgs)-1]; last.Reason != chat.ReasonCompleted {
		t.Fatalf("turn end reason = %q, want completed", last.Reason)
	}

	names := map[string]bool{}
	for _, e := range env.prof.Report() {
		names[strings.SplitN(e.Name, ":", 2)[0]] = true
	}
	for _, want := range []string{"Pipeline_Total", "TTS_Fetch"} {
		if !names[want] {
			t.Fatalf("profiler entries %v missing %s", names, want)
		}
	}
}

func TestSessionWebSocketRejectsBadMessages(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t)
	conn := env.dial(t, "/v1/chat/session/ws?session_id="+sessionID, nil)

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_audio_chunk"}`))
	msgs := readUntil(t, conn, protocol.TypeErrorEvent)
	if msgs[len(msgs)-1].Code != "invalid_client_message" {
		t.Fatalf("error code = %q", msgs[len(msgs)-1].Code)
	}

	_ = conn.WriteJSON(map[string]any{"type": "user_text", "session_id": "other", "text": "hi"})
	msgs = readUntil(t, conn, protocol.TypeErrorEvent)
	if msgs[len(msgs)-1].Code != "session_mismatch" {
		t.Fatalf("error code = %q", msgs[len(msgs)-1].Code)
	}
}

func TestSessionWebSocketNativeSpeechUnavailable(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t)
	conn := env.dial(t, "/v1/chat/session/ws?session_id="+sessionID, nil)

	_ = conn.WriteJSON(map[string]any{"type": "client_control", "session_id": sessionID, "action": "capabilities", "native_speech": false})
	_ = conn.WriteJSON(map[string]any{"type": "user_text", "session_id": sessionID, "text": "hello"})
	msgs := readUntil(t, conn, protocol.TypeAssistantTurnEnd)

	notice := false
	for _, m := range msgs {
		if m.Type == protocol.TypeSpeakNative {
			t.Fatalf("speak_native sent to a client without native speech")
		}
		if m.Type == protocol.TypeSystemEvent && m.Code == "native_speech_unavailable" {
			notice = true
		}
	}
	if !notice {
		t.Fatalf("missing native_speech_unavailable notice")
	}
}

func TestSessionWebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t)
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/chat/session/ws?session_id=" + sessionID
	_, res, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	if err == nil {
		t.Fatalf("dial from foreign origin succeeded")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin response = %v, want 403", res)
	}
}

func TestCompleteAndPreview(t *testing.T) {
	env := newTestEnv(t)

	res, err := http.Post(env.ts.URL+"/v1/chat/complete", "application/json", strings.NewReader(`{"message":"gravity"}`))
	if err != nil {
		t.Fatalf("POST /v1/chat/complete error = %v", err)
	}
	var body completeResponse
	_ = json.NewDecoder(res.Body).Decode(&body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || !strings.Contains(body.Response, `I heard you say: "gravity".`) {
		t.Fatalf("complete = %d %q", res.StatusCode, body.Response)
	}

	empty, _ := http.Post(env.ts.URL+"/v1/chat/complete", "application/json", strings.NewReader(`{"message":"  "}`))
	empty.Body.Close()
	if empty.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty complete status = %d, want 400", empty.StatusCode)
	}

	preview, err := http.Post(env.ts.URL+"/v1/tts/preview", "application/json", strings.NewReader(`{"message":"Hello student."}`))
	if err != nil {
		t.Fatalf("POST /v1/tts/preview error = %v", err)
	}
	data, _ := io.ReadAll(preview.Body)
	preview.Body.Close()
	if preview.StatusCode != http.StatusOK || preview.Header.Get("Content-Type") != "audio/wav" || !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Fatalf("preview = %d %s %d bytes", preview.StatusCode, preview.Header.Get("Content-Type"), len(data))
	}
}

func TestPerfLatencyEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.prof.Start("LLM_Request_Start")
	env.prof.End("LLM_Request_Start", nil)
	env.prof.Log("LLM_First_Byte", map[string]any{"provider": "http"})

	res, err := http.Get(env.ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	var payload struct {
		Entries []map[string]any `json:"entries"`
		Summary []map[string]any `json:"summary"`
	}
	_ = json.NewDecoder(res.Body).Decode(&payload)
	res.Body.Close()
	if len(payload.Entries) != 2 || len(payload.Summary) != 2 {
		t.Fatalf("latency payload = %+v", payload)
	}
	if payload.Entries[1]["provider"] != "http" {
		t.Fatalf("metadata not flattened: %+v", payload.Entries[1])
	}

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/v1/perf/latency", nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/perf/latency error = %v", err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent || len(env.prof.Report()) != 0 {
		t.Fatalf("DELETE status = %d, entries left = %d", del.StatusCode, len(env.prof.Report()))
	}
}

func TestPerfLatencyWebSocket(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/v1/perf/latency/ws", nil)

	first := readReport(t, conn)
	if len(first.Entries) != 0 {
		t.Fatalf("initial report = %+v, want empty", first)
	}

	env.prof.Log("Pipeline_Test", map[string]any{"step": 1})
	got := readReport(t, conn)
	if len(got.Entries) != 1 || got.Entries[0]["name"] != "Pipeline_Test" {
		t.Fatalf("report after log = %+v", got)
	}
}

type wireReport struct {
	Type    protocol.MessageType `json:"type"`
	Entries []map[string]any     `json:"entries"`
}

func readReport(t *testing.T, conn *websocket.Conn) wireReport {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read report error = %v", err)
	}
	var r wireReport
	if err := json.Unmarshal(raw, &r); err != nil || r.Type != protocol.TypeLatencyReport {
		t.Fatalf("decode report %s: %v", raw, err)
	}
	return r
}
