package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dextora/dextora/internal/llm"
	"github.com/dextora/dextora/internal/observability"
	"github.com/dextora/dextora/internal/playback"
	"github.com/dextora/dextora/internal/policy"
	"github.com/dextora/dextora/internal/profiler"
	"github.com/dextora/dextora/internal/protocol"
	"github.com/dextora/dextora/internal/reliability"
	"github.com/dextora/dextora/internal/reveal"
	"github.com/dextora/dextora/internal/session"
	"github.com/dextora/dextora/internal/transcript"
	"github.com/dextora/dextora/internal/tts"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the turn state of a chat session.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateSpeaking  State = "speaking"
)

// Turn end reasons.
const (
	ReasonCompleted   = "completed"
	ReasonInterrupted = "interrupted"
	ReasonSuperseded  = "superseded"
	ReasonError       = "error"
)

const (
	pipelineLabel  = "Pipeline_Total"
	persistTimeout = 5 * time.Second
)

// Sink receives outbound protocol messages. Send must not block.
type Sink interface {
	Send(msg any)
}

// Deps are the collaborators shared by every Controller.
type Deps struct {
	LLM      llm.Client
	TTS      *tts.Client
	Store    transcript.Store
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Profiler *profiler.Profiler
	Logger   zerolog.Logger

	NativeMSPerChar int
	RevealFallback  time.Duration
}

type turn struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	// Guarded by Controller.mu.
	full       string
	sentences  int
	streamDone bool
	firstAudio bool
}

// Controller runs the chat pipeline of one session: LLM stream, sentence
// synthesis, ordered playback and word reveal.
type Controller struct {
	sessionID string
	deps      Deps
	sink      Sink
	log       zerolog.Logger
	prof      *profiler.Profiler

	queue   *playback.Queue
	speaker *tts.Speaker
	reveal  *reveal.Scheduler

	mu          sync.Mutex
	state       State
	turn        *turn
	closed      bool
	nativeWarns int

	bg sync.WaitGroup
}

// NewController wires a session pipeline rendering to out and reporting to
// sink.
func NewController(sessionID string, out playback.Output, sink Sink, deps Deps) *Controller {
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics("dextora")
	}
	prof := deps.Profiler
	if prof == nil {
		prof = profiler.Default
	}
	c := &Controller{
		sessionID: sessionID,
		deps:      deps,
		sink:      sink,
		log:       deps.Logger.With().Str("component", "chat").Str("session_id", sessionID).Logger(),
		prof:      prof,
		reveal:    reveal.New(deps.RevealFallback),
		state:     StateIdle,
	}
	c.queue = playback.NewQueue(out, playback.Options{
		NativeMSPerChar: deps.NativeMSPerChar,
		Logger:          c.log,
		OnDrain:         c.onDrain,
		OnItemDone:      c.onItemDone,
	})
	if deps.TTS != nil {
		c.speaker = deps.TTS.ForQueue(c.queue)
	}
	return c
}

func (c *Controller) SessionID() string { return c.sessionID }

// State reports the current turn state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TurnID reports the active turn, or "" when idle.
func (c *Controller) TurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == nil {
		return ""
	}
	return c.turn.id
}

// Send starts a turn for text. Blank text is ignored. A turn already in
// progress is stopped first. It returns the new turn id.
func (c *Controller) Send(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	if c.deps.LLM == nil {
		return "", errors.New("chat: no llm client")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", errors.New("chat: controller closed")
	}
	prev := c.turn
	c.mu.Unlock()
	if prev != nil {
		c.interrupt(ReasonSuperseded)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &turn{id: uuid.NewString(), ctx: ctx, cancel: cancel, started: time.Now()}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return "", errors.New("chat: controller closed")
	}
	c.turn = t
	c.setStateLocked(t, StateSending)
	c.mu.Unlock()

	c.prof.Start(pipelineLabel)
	c.withSession(func(m *session.Manager) error { return m.StartTurn(c.sessionID, t.id) })
	c.persist(t.id, transcript.RoleUser, text)

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.run(t, text)
	}()
	return t.id, nil
}

// Stop abandons the active turn: the LLM request is cancelled, queued
// speech is dropped and pending words are not revealed. Stopping an idle
// controller is a no-op.
func (c *Controller) Stop() {
	c.interrupt(ReasonInterrupted)
}

// SetMuted silences or restores assistant audio. Muted playback keeps its
// pacing.
func (c *Controller) SetMuted(muted bool) {
	c.queue.SetMuted(muted)
	c.withSession(func(m *session.Manager) error { return m.SetMuted(c.sessionID, muted) })
}

func (c *Controller) Muted() bool { return c.queue.Muted() }

// Close stops any turn and waits for background work.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.interrupt(ReasonInterrupted)
	c.bg.Wait()
}

func (c *Controller) run(t *turn, text string) {
	err := llm.StreamResponse(t.ctx, c.deps.LLM, text, llm.Callbacks{
		OnFullTextUpdate: func(full string) { c.onFullText(t, full) },
		OnSentence:       func(sentence string) { c.onSentence(t, sentence) },
		OnComplete:       func() { c.onComplete(t) },
	})
	if err != nil {
		c.onStreamError(t, err)
	}
}

func (c *Controller) onFullText(t *turn, full string) {
	c.mu.Lock()
	if c.turn != t {
		c.mu.Unlock()
		return
	}
	first := c.state == StateSending
	t.full = full
	if first {
		c.setStateLocked(t, StateStreaming)
	}
	c.mu.Unlock()

	if first {
		c.deps.Metrics.Stages.Observe(observability.StageSendToFirstText, sinceMS(t.started))
	}
	c.sink.Send(protocol.AssistantText{
		Type:      protocol.TypeAssistantText,
		SessionID: c.sessionID,
		TurnID:    t.id,
		Text:      full,
	})
}

func (c *Controller) onSentence(t *turn, sentence string) {
	display := strings.TrimSpace(strings.Replace(sentence, tts.NativeMarker, "", 1))

	c.mu.Lock()
	if c.turn != t {
		c.mu.Unlock()
		return
	}
	idx := t.sentences
	t.sentences++
	if c.state == StateSending {
		c.setStateLocked(t, StateStreaming)
	}
	c.mu.Unlock()

	if idx == 0 {
		c.deps.Metrics.Stages.Observe(observability.StageSendToFirstSentence, sinceMS(t.started))
	}
	c.sink.Send(protocol.AssistantSentence{
		Type:      protocol.TypeAssistantSentence,
		SessionID: c.sessionID,
		TurnID:    t.id,
		Index:     idx,
		Text:      display,
	})

	onStart := func(d time.Duration) { c.onPlaybackStart(t, idx, display, d) }
	if c.speaker != nil {
		c.speaker.Speak(t.ctx, sentence, onStart)
		return
	}
	if display != "" {
		c.queue.Enqueue(playback.TextItem(display, onStart))
	}
}

func (c *Controller) onPlaybackStart(t *turn, idx int, display string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn != t {
		return
	}
	if !t.firstAudio {
		t.firstAudio = true
		c.deps.Metrics.ObserveFirstAudioLatency(time.Since(t.started))
	}
	if d <= 0 {
		d = c.textRevealDuration(display)
	}
	c.reveal.Reveal(display, d, func(w reveal.Word) {
		c.sink.Send(protocol.TranscriptWord{
			Type:      protocol.TypeTranscriptWord,
			SessionID: c.sessionID,
			TurnID:    t.id,
			Sentence:  idx,
			Word:      w.Text,
			Index:     w.Index,
			Total:     w.Total,
		})
	})
}

// textRevealDuration is the reveal window of a natively voiced sentence: the
// reveal fallback, capped at the time the queue gives the item before moving
// on.
func (c *Controller) textRevealDuration(display string) time.Duration {
	fallback := c.deps.RevealFallback
	if fallback <= 0 {
		fallback = reveal.DefaultFallback
	}
	return min(fallback, playback.NativeEstimate(display, c.deps.NativeMSPerChar))
}

func (c *Controller) onComplete(t *turn) {
	c.mu.Lock()
	if c.turn != t {
		c.mu.Unlock()
		return
	}
	t.streamDone = true
	full := t.full
	c.setStateLocked(t, StateSpeaking)
	idle := !c.queue.Playing()
	c.mu.Unlock()

	c.persist(t.id, transcript.RoleAssistant, full)
	if idle {
		c.finish(t, ReasonCompleted)
	}
}

func (c *Controller) onStreamError(t *turn, err error) {
	kind := reliability.Classify(err)
	c.mu.Lock()
	current := c.turn == t
	c.mu.Unlock()
	if !current || kind == reliability.KindCancelled {
		return
	}

	c.log.Error().Err(err).Str("turn_id", t.id).Str("kind", string(kind)).Msg("llm stream failed")
	c.deps.Metrics.ProviderErrors.WithLabelValues("llm", string(kind)).Inc()
	c.sink.Send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.sessionID,
		Code:      "llm_failed",
		Source:    "llm",
		Retryable: reliability.Retryable(err),
		Detail:    err.Error(),
	})
	c.abort(t, ReasonError)
}

// onDrain runs on the queue consumer when it runs out of items. The turn
// only ends once the stream has completed too.
func (c *Controller) onDrain() {
	c.mu.Lock()
	t := c.turn
	done := t != nil && t.streamDone && !c.queue.Playing()
	c.mu.Unlock()
	if done {
		c.finish(t, ReasonCompleted)
	}
}

func (c *Controller) onItemDone(item playback.Item, err error) {
	outcome := "ok"
	switch reliability.Classify(err) {
	case reliability.KindNone:
	case reliability.KindCancelled:
		outcome = "cancelled"
	case reliability.KindUnsupported:
		outcome = "unsupported"
		c.noteNativeUnsupported()
	case reliability.KindDecode:
		outcome = "undecodable"
	default:
		outcome = "error"
	}
	c.deps.Metrics.PlaybackItems.WithLabelValues(item.Kind.String(), outcome).Inc()
}

func (c *Controller) noteNativeUnsupported() {
	c.mu.Lock()
	c.nativeWarns++
	first := c.nativeWarns == 1
	c.mu.Unlock()
	if !first {
		return
	}
	c.sink.Send(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: c.sessionID,
		Code:      "native_speech_unavailable",
		Detail:    "This browser cannot speak fallback sentences aloud; they are shown as text only.",
	})
}

func (c *Controller) interrupt(reason string) {
	c.mu.Lock()
	t := c.turn
	c.mu.Unlock()
	if t == nil {
		return
	}
	c.withSession(func(m *session.Manager) error { return m.Interrupt(c.sessionID) })
	c.deps.Metrics.Stages.Count(reason)
	c.abort(t, reason)
}

// abort ends t without waiting for playback.
func (c *Controller) abort(t *turn, reason string) {
	c.mu.Lock()
	if c.turn != t {
		c.mu.Unlock()
		return
	}
	c.turn = nil
	c.setStateLocked(t, StateIdle)
	c.mu.Unlock()

	t.cancel()
	c.queue.Stop()
	c.reveal.Cancel()
	c.endTurn(t, reason)
}

func (c *Controller) finish(t *turn, reason string) {
	c.mu.Lock()
	if c.turn != t {
		c.mu.Unlock()
		return
	}
	c.turn = nil
	c.setStateLocked(t, StateIdle)
	c.mu.Unlock()

	t.cancel()
	c.withSession(func(m *session.Manager) error { return m.CompleteTurn(c.sessionID, t.id) })
	c.deps.Metrics.Stages.Observe(observability.StageTurnTotal, sinceMS(t.started))
	c.endTurn(t, reason)
}

func (c *Controller) endTurn(t *turn, reason string) {
	c.prof.End(pipelineLabel, map[string]any{"turn_id": t.id, "reason": reason})
	c.sink.Send(protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		SessionID: c.sessionID,
		TurnID:    t.id,
		Reason:    reason,
	})
}

func (c *Controller) setStateLocked(t *turn, s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.sink.Send(protocol.TurnState{
		Type:      protocol.TypeTurnState,
		SessionID: c.sessionID,
		TurnID:    t.id,
		State:     string(s),
	})
}

func (c *Controller) persist(turnID, role, content string) {
	if c.deps.Store == nil || strings.TrimSpace(content) == "" {
		return
	}
	redacted, changed := policy.RedactPII(content)
	msg := transcript.Message{
		SessionID: c.sessionID,
		TurnID:    turnID,
		Role:      role,
		Content:   redacted,
		Redacted:  changed,
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := c.deps.Store.SaveMessage(ctx, msg); err != nil {
			c.log.Warn().Err(err).Str("role", role).Msg("transcript save failed")
		}
	}()
}

func (c *Controller) withSession(fn func(*session.Manager) error) {
	if c.deps.Sessions == nil {
		return
	}
	if err := fn(c.deps.Sessions); err != nil && !errors.Is(err, session.ErrNotFound) {
		c.log.Warn().Err(err).Msg("session update failed")
	}
}

func sinceMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
