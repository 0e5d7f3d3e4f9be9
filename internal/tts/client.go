package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dextora/dextora/internal/playback"
	"github.com/dextora/dextora/internal/profiler"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// NativeMarker forces a sentence onto the client's native voice without a
// synthesis request.
const NativeMarker = "[NATIVE]"

const maxAudioBytes = 16 << 20

// ErrNothingToSay is returned when a sentence has no speakable text left
// after sanitising.
var ErrNothingToSay = errors.New("tts: nothing speakable")

// StatusError reports a non-2xx synthesis response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tts status %d", e.StatusCode)
	}
	return fmt.Sprintf("tts status %d: %s", e.StatusCode, e.Body)
}

// Options configure a Client.
type Options struct {
	URL         string
	Timeout     time.Duration
	MaxInFlight int
	HTTPClient  *http.Client
	Profiler    *profiler.Profiler
	Logger      zerolog.Logger

	// OnFallback is called when a sentence falls back to native speech.
	OnFallback func(err error)
}

// Client talks to the remote synthesis endpoint. It is shared by all
// sessions; Speaker binds it to one playback queue.
type Client struct {
	url        string
	http       *http.Client
	sem        *semaphore.Weighted
	prof       *profiler.Profiler
	log        zerolog.Logger
	onFallback func(error)
	fetches    atomic.Int64
}

// NewClient builds a Client from opts.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	prof := opts.Profiler
	if prof == nil {
		prof = profiler.Default
	}
	return &Client{
		url:        strings.TrimSpace(opts.URL),
		http:       httpClient,
		sem:        semaphore.NewWeighted(int64(opts.MaxInFlight)),
		prof:       prof,
		log:        opts.Logger.With().Str("component", "tts").Logger(),
		onFallback: opts.OnFallback,
	}
}

type synthesisRequest struct {
	Message string `json:"message"`
}

// Synthesize fetches audio for text and returns the bytes with the
// response Content-Type.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	speech := SanitizeSpeechText(text)
	if speech == "" {
		return nil, "", ErrNothingToSay
	}
	if c.url == "" {
		return nil, "", errors.New("tts url is not configured")
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, "", err
	}
	defer c.sem.Release(1)

	label := "TTS_Fetch:" + strconv.FormatInt(c.fetches.Add(1), 10)
	c.prof.Start(label)

	payload, err := sonic.Marshal(synthesisRequest{Message: speech})
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.prof.End(label, map[string]any{"ok": false})
		return nil, "", fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.prof.End(label, map[string]any{"ok": false, "status": resp.StatusCode})
		return nil, "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		c.prof.End(label, map[string]any{"ok": false})
		return nil, "", fmt.Errorf("tts read: %w", err)
	}
	c.prof.End(label, map[string]any{"ok": true, "bytes": len(data), "chars": len(speech)})
	if len(data) == 0 {
		return nil, "", errors.New("tts returned an empty body")
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Speaker routes sentences into one session's playback queue.
type Speaker struct {
	client *Client
	queue  *playback.Queue
}

// ForQueue binds the client to q.
func (c *Client) ForQueue(q *playback.Queue) *Speaker {
	return &Speaker{client: c, queue: q}
}

// Speak gets sentence into the queue. Marker sentences are enqueued as
// native text at once. Others reserve their queue position before the
// synthesis request starts, so a slow or failed request cannot reorder
// output; failures are voiced natively with the original text. Speak does
// not wait for synthesis.
func (s *Speaker) Speak(ctx context.Context, sentence string, onStart func(time.Duration)) {
	text := strings.TrimSpace(sentence)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, NativeMarker) {
		clean := strings.TrimSpace(strings.Replace(text, NativeMarker, "", 1))
		if clean != "" {
			s.queue.Enqueue(playback.TextItem(clean, onStart))
		}
		return
	}

	slot := s.queue.Reserve(onStart)
	go func() {
		data, contentType, err := s.client.Synthesize(ctx, text)
		if err != nil {
			if ctx.Err() == nil {
				s.client.log.Warn().Err(err).Str("sentence", truncate(text, 60)).Msg("tts fetch failed, using native voice")
				if s.client.onFallback != nil {
					s.client.onFallback(err)
				}
			}
			slot.Fill(playback.TextItem(text, nil))
			return
		}
		slot.Fill(playback.AudioItem(data, contentType, nil))
	}()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
