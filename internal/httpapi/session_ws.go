package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dextora/dextora/internal/audio"
	"github.com/dextora/dextora/internal/chat"
	"github.com/dextora/dextora/internal/observability"
	"github.com/dextora/dextora/internal/playback"
	"github.com/dextora/dextora/internal/protocol"
	"github.com/dextora/dextora/internal/session"
)

const (
	outboxSize   = 512
	writeTimeout = 10 * time.Second
	readTimeout  = 120 * time.Second
	pingInterval = 30 * time.Second
)

// outbox queues messages for the single websocket writer. Send never
// blocks; a saturated outbox drops the message.
type outbox struct {
	ctx     context.Context
	ch      chan any
	metrics *observability.Metrics
}

func newOutbox(ctx context.Context, metrics *observability.Metrics) *outbox {
	return &outbox{ctx: ctx, ch: make(chan any, outboxSize), metrics: metrics}
}

func (o *outbox) Send(msg any) {
	if o.ctx.Err() != nil {
		return
	}
	select {
	case o.ch <- msg:
	default:
		t, _ := messageTypeOf(msg)
		o.metrics.WSMessages.WithLabelValues("outbound_dropped", string(t)).Inc()
	}
}

// browserOutput plays queue items on the connected browser. Audio is
// pushed as one message and paced here by its duration; text is voiced by
// the browser's own synthesiser.
type browserOutput struct {
	sessionID string
	out       *outbox
	msPerChar int
	turnID    func() string

	seq    atomic.Int64
	native atomic.Bool
}

func newBrowserOutput(sessionID string, out *outbox, msPerChar int) *browserOutput {
	b := &browserOutput{sessionID: sessionID, out: out, msPerChar: msPerChar, turnID: func() string { return "" }}
	b.native.Store(true)
	return b
}

func (b *browserOutput) SetNativeSpeech(ok bool) { b.native.Store(ok) }

func (b *browserOutput) PlayAudio(ctx context.Context, clip audio.Clip) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, format, err := clip.Playable()
	if err != nil {
		return err
	}
	b.out.Send(protocol.AssistantAudio{
		Type:        protocol.TypeAssistantAudio,
		SessionID:   b.sessionID,
		TurnID:      b.turnID(),
		Seq:         int(b.seq.Add(1)),
		Format:      format,
		AudioBase64: base64.StdEncoding.EncodeToString(data),
		DurationMS:  clip.Duration.Milliseconds(),
	})
	return sleepCtx(ctx, clip.Duration)
}

func (b *browserOutput) Speak(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.native.Load() {
		return playback.ErrSpeechUnsupported
	}
	b.out.Send(protocol.SpeakNative{
		Type:      protocol.TypeSpeakNative,
		SessionID: b.sessionID,
		TurnID:    b.turnID(),
		Seq:       int(b.seq.Add(1)),
		Text:      text,
	})
	return sleepCtx(ctx, playback.NativeEstimate(text, b.msPerChar))
}

func (b *browserOutput) Silence() {
	b.out.Send(protocol.AudioSilence{Type: protocol.TypeAudioSilence, SessionID: b.sessionID})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.deps.LLM == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "llm client not configured")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusGone, "session_ended", "session has ended")
		return
	}

	s.mu.Lock()
	_, busy := s.live[sessionID]
	s.mu.Unlock()
	if busy {
		respondError(w, http.StatusConflict, "session_busy", "session already has a live connection")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	box := newOutbox(ctx, s.metrics)
	output := newBrowserOutput(sessionID, box, s.deps.NativeMSPerChar)
	ctrl := chat.NewController(sessionID, output, box, s.deps)
	output.turnID = ctrl.TurnID
	if sess.Muted {
		ctrl.SetMuted(true)
	}

	lc := &liveConn{ctrl: ctrl, close: func() {
		cancel()
		_ = conn.Close()
	}}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ctrl.Close()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting_down"),
			time.Now().Add(time.Second))
		return
	}
	if _, taken := s.live[sessionID]; taken {
		s.mu.Unlock()
		ctrl.Close()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session_busy"),
			time.Now().Add(time.Second))
		return
	}
	s.live[sessionID] = lc
	s.handlers.Add(1)
	s.mu.Unlock()
	defer s.handlers.Done()

	log := s.log.With().Str("session_id", sessionID).Logger()
	log.Info().Msg("chat connection opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					cancel()
					return
				}
			case msg := <-box.ch:
				raw, err := protocol.Encode(msg)
				if err != nil {
					log.Error().Err(err).Msg("encode outbound message")
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(maxRequestBody)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			box.Send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		s.dispatch(ctrl, output, box, sessionID, parsed)
	}

	cancel()
	ctrl.Close()
	<-writerDone
	s.mu.Lock()
	if s.live[sessionID] == lc {
		delete(s.live, sessionID)
	}
	s.mu.Unlock()
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	log.Info().Msg("chat connection closed")
}

func (s *Server) dispatch(ctrl *chat.Controller, output *browserOutput, box *outbox, sessionID string, msg any) {
	var msgSession string
	switch m := msg.(type) {
	case protocol.UserText:
		msgSession = m.SessionID
	case protocol.ClientControl:
		msgSession = m.SessionID
	}
	if msgSession != sessionID {
		box.Send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "session_mismatch",
			Source:    "gateway",
			Detail:    "message session_id does not match the connection",
		})
		return
	}
	if err := s.sessions.Touch(sessionID); errors.Is(err, session.ErrNotFound) {
		return
	}

	switch m := msg.(type) {
	case protocol.UserText:
		if _, err := ctrl.Send(m.Text); err != nil {
			box.Send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "turn_rejected",
				Source:    "gateway",
				Detail:    err.Error(),
			})
		}
	case protocol.ClientControl:
		switch m.Action {
		case protocol.ActionStop:
			ctrl.Stop()
		case protocol.ActionMute:
			ctrl.SetMuted(true)
		case protocol.ActionUnmute:
			ctrl.SetMuted(false)
		case protocol.ActionCapabilities:
			output.SetNativeSpeech(*m.NativeSpeech)
		}
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.UserText:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.TurnState:
		return m.Type, true
	case protocol.AssistantText:
		return m.Type, true
	case protocol.AssistantSentence:
		return m.Type, true
	case protocol.AssistantAudio:
		return m.Type, true
	case protocol.SpeakNative:
		return m.Type, true
	case protocol.AudioSilence:
		return m.Type, true
	case protocol.TranscriptWord:
		return m.Type, true
	case protocol.AssistantTurnEnd:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.LatencyReport:
		return m.Type, true
	default:
		return "", false
	}
}
