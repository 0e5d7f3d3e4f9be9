package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dextora/dextora/internal/profiler"
	"github.com/rs/zerolog"
)

// HTTPClient streams raw text chunks from the chat service's POST endpoint.
type HTTPClient struct {
	url              string
	client           *http.Client
	timeout          time.Duration
	firstByteTimeout time.Duration
	minChars         int
	prof             *profiler.Profiler
	log              zerolog.Logger
}

// NewHTTPClient builds an HTTPClient from cfg.
func NewHTTPClient(cfg Config) *HTTPClient {
	prof := cfg.Profiler
	if prof == nil {
		prof = profiler.Default
	}
	return &HTTPClient{
		url:              strings.TrimSpace(cfg.ChatURL),
		client:           &http.Client{},
		timeout:          cfg.Timeout,
		firstByteTimeout: cfg.FirstByteTimeout,
		minChars:         cfg.SegmentMinChars,
		prof:             prof,
		log:              cfg.Logger.With().Str("component", "llm-http").Logger(),
	}
}

type chatRequest struct {
	Message string `json:"message"`
}

// Stream posts userText and returns once the response headers arrive.
// Transport failures and non-2xx statuses are returned directly.
func (c *HTTPClient) Stream(ctx context.Context, userText string) (<-chan Event, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, ErrEmptyInput
	}

	var (
		reqCtx context.Context
		cancel context.CancelFunc
	)
	if c.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}

	var firstByteExpired atomic.Bool
	var firstByteTimer *time.Timer
	if c.firstByteTimeout > 0 {
		firstByteTimer = time.AfterFunc(c.firstByteTimeout, func() {
			firstByteExpired.Store(true)
			cancel()
		})
	}
	stopFirstByte := func() {
		if firstByteTimer != nil {
			firstByteTimer.Stop()
		}
	}
	failEarly := func(err error) error {
		stopFirstByte()
		cancel()
		switch {
		case firstByteExpired.Load():
			return ErrFirstByteTimeout
		case ctx.Err() != nil:
			return abortError(ctx)
		}
		return err
	}

	payload, err := sonic.Marshal(chatRequest{Message: userText})
	if err != nil {
		return nil, failEarly(fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, failEarly(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	c.prof.Start("LLM_Request_Start")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, failEarly(fmt.Errorf("send request: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, failEarly(&StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	out := make(chan Event, 8)
	go func() {
		defer close(out)
		defer cancel()
		defer stopFirstByte()
		defer resp.Body.Close()

		em := newEmitter(ctx, out, c.minChars)
		var dec utf8Splitter
		buf := make([]byte, 4096)
		first := true
		for {
			n, readErr := resp.Body.Read(buf)
			if first && (n > 0 || readErr != nil) {
				first = false
				stopFirstByte()
				c.prof.End("LLM_Request_Start", nil)
				c.prof.Log("LLM_First_Byte", nil)
			}
			if n > 0 && !em.chunk(dec.decode(buf[:n])) {
				em.fail(abortError(ctx))
				return
			}
			if readErr == nil {
				continue
			}
			switch {
			case ctx.Err() != nil:
				em.fail(abortError(ctx))
			case firstByteExpired.Load():
				em.fail(ErrFirstByteTimeout)
			case errors.Is(readErr, io.EOF):
				if !em.chunk(dec.flush()) || !em.finish() {
					em.fail(abortError(ctx))
				}
			default:
				c.log.Warn().Err(readErr).Msg("chat stream interrupted")
				em.fail(fmt.Errorf("stream read: %w", readErr))
			}
			return
		}
	}()
	return out, nil
}
