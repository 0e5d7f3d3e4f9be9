package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dextora/dextora/internal/profiler"
	"github.com/dextora/dextora/internal/segment"
	"github.com/rs/zerolog"
)

// SystemPrompt is the persona used by providers that accept one.
const SystemPrompt = "You are Dextora AI, an advanced AI mentorship platform designed for students from Class 1 to 12, as well as those preparing for competitive exams like IIT-JEE and NEET. " +
	"Your goal is to provide personalized guidance, research-backed study methods, and 24/7 adaptive support. " +
	"You are helpful, encouraging, and knowledgeable. " +
	"Keep your responses concise and spoken-friendly, as they may be read out loud."

var (
	// ErrAborted marks a stream stopped by its context. It is joined with
	// the context error.
	ErrAborted = errors.New("llm: stream aborted")
	// ErrEmptyInput rejects blank user text.
	ErrEmptyInput = errors.New("llm: empty input")
	// ErrFirstByteTimeout reports a backend that accepted the request but
	// never started the body.
	ErrFirstByteTimeout = errors.New("llm: first byte timeout")
)

// StatusError reports a non-2xx chat response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("llm status %d", e.StatusCode)
	}
	return fmt.Sprintf("llm status %d: %s", e.StatusCode, e.Body)
}

// EventKind tags an Event.
type EventKind int

const (
	EventFullText EventKind = iota
	EventSentence
	EventComplete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventFullText:
		return "full_text"
	case EventSentence:
		return "sentence"
	case EventComplete:
		return "complete"
	default:
		return "error"
	}
}

// Event is one item of a response stream. FullText carries the cumulative
// response so far; Sentence carries one speakable group; Error carries Err.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Client streams a reply for one user message. The returned channel ends
// with exactly one Complete or Error event and is then closed. Callers must
// drain it.
type Client interface {
	Stream(ctx context.Context, userText string) (<-chan Event, error)
}

// Callbacks mirror the three stream hooks a UI consumer needs.
type Callbacks struct {
	OnSentence       func(sentence string)
	OnComplete       func()
	OnFullTextUpdate func(text string)
}

// StreamResponse runs one request and dispatches its events to cb. It
// returns the terminal error, if any; OnComplete never fires on error.
func StreamResponse(ctx context.Context, client Client, userText string, cb Callbacks) error {
	events, err := client.Stream(ctx, userText)
	if err != nil {
		return err
	}
	var streamErr error
	for ev := range events {
		if streamErr != nil {
			continue
		}
		if ev.Kind != EventError && ctx.Err() != nil {
			streamErr = abortError(ctx)
			continue
		}
		switch ev.Kind {
		case EventFullText:
			if cb.OnFullTextUpdate != nil {
				cb.OnFullTextUpdate(ev.Text)
			}
		case EventSentence:
			if cb.OnSentence != nil {
				cb.OnSentence(ev.Text)
			}
		case EventComplete:
			if cb.OnComplete != nil {
				cb.OnComplete()
			}
		case EventError:
			streamErr = ev.Err
		}
	}
	return streamErr
}

// Collect returns the full reply text without streaming it anywhere.
func Collect(ctx context.Context, client Client, userText string, prof *profiler.Profiler) (string, error) {
	if prof == nil {
		prof = profiler.Default
	}
	prof.Start("LLM_Response_Total")
	var full string
	err := StreamResponse(ctx, client, userText, Callbacks{
		OnFullTextUpdate: func(text string) { full = text },
		OnComplete: func() {
			prof.End("LLM_Response_Total", map[string]any{"chars": len(full)})
		},
	})
	if err != nil {
		return "", err
	}
	return full, nil
}

// Config selects and tunes a provider.
type Config struct {
	Provider         string
	ChatURL          string
	Timeout          time.Duration
	FirstByteTimeout time.Duration
	OpenAIAPIKey     string
	OpenAIModel      string
	OpenAIBaseURL    string
	SegmentMinChars  int
	Profiler         *profiler.Profiler
	Logger           zerolog.Logger
}

// NewClient builds the provider named by cfg.Provider. "auto" prefers
// OpenAI when an API key is set and the chat service otherwise.
func NewClient(cfg Config) (Client, error) {
	if cfg.Profiler == nil {
		cfg.Profiler = profiler.Default
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if mode == "" || mode == "auto" {
		mode = "http"
		if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
			mode = "openai"
		}
	}

	switch mode {
	case "http":
		if strings.TrimSpace(cfg.ChatURL) == "" {
			return nil, errors.New("llm chat url is required for http mode")
		}
		return NewHTTPClient(cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("OPENAI_API_KEY is required for openai mode")
		}
		return NewOpenAIClient(cfg), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

func abortError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}

func newSegmenter(minChars int) *segment.Segmenter {
	if minChars <= 0 {
		minChars = segment.DefaultMinChars
	}
	return segment.New(minChars)
}
