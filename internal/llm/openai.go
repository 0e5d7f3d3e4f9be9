package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dextora/dextora/internal/profiler"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIClient streams chat completions from an OpenAI-compatible API.
type OpenAIClient struct {
	client           *openai.Client
	model            string
	minChars         int
	timeout          time.Duration
	firstByteTimeout time.Duration
	prof             *profiler.Profiler
	log              zerolog.Logger
}

// NewOpenAIClient builds an OpenAIClient from cfg.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	oc := openai.DefaultConfig(strings.TrimSpace(cfg.OpenAIAPIKey))
	if base := strings.TrimSpace(cfg.OpenAIBaseURL); base != "" {
		oc.BaseURL = base
	}
	model := strings.TrimSpace(cfg.OpenAIModel)
	if model == "" {
		model = defaultOpenAIModel
	}
	prof := cfg.Profiler
	if prof == nil {
		prof = profiler.Default
	}
	return &OpenAIClient{
		client:           openai.NewClientWithConfig(oc),
		model:            model,
		minChars:         cfg.SegmentMinChars,
		timeout:          cfg.Timeout,
		firstByteTimeout: cfg.FirstByteTimeout,
		prof:             prof,
		log:              cfg.Logger.With().Str("component", "llm-openai").Logger(),
	}
}

// Stream opens a streaming completion with the persona system prompt. The
// request and first-byte timeouts apply as for HTTPClient.
func (c *OpenAIClient) Stream(ctx context.Context, userText string) (<-chan Event, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, ErrEmptyInput
	}
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userText},
		},
		Stream: true,
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
	// deadlineErr reports why reqCtx ended when the caller did not stop it.
	deadlineErr := func() error {
		switch {
		case firstByteExpired.Load():
			return ErrFirstByteTimeout
		case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
			return fmt.Errorf("llm: request timeout: %w", context.DeadlineExceeded)
		}
		return nil
	}

	c.prof.Start("LLM_Request_Start")
	stream, err := c.client.CreateChatCompletionStream(reqCtx, req)
	if err != nil {
		stopFirstByte()
		cancel()
		if ctx.Err() != nil {
			return nil, abortError(ctx)
		}
		if dErr := deadlineErr(); dErr != nil {
			return nil, dErr
		}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &StatusError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
			return nil, &StatusError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
		}
		return nil, fmt.Errorf("create completion stream: %w", err)
	}

	out := make(chan Event, 8)
	go func() {
		defer close(out)
		defer cancel()
		defer stopFirstByte()
		defer stream.Close()

		em := newEmitter(ctx, out, c.minChars)
		first := true
		for {
			resp, err := stream.Recv()
			if first {
				first = false
				stopFirstByte()
				c.prof.End("LLM_Request_Start", nil)
				c.prof.Log("LLM_First_Byte", map[string]any{"provider": "openai"})
			}
			if err != nil {
				switch dErr := deadlineErr(); {
				case ctx.Err() != nil:
					em.fail(abortError(ctx))
				case dErr != nil:
					em.fail(dErr)
				case errors.Is(err, io.EOF):
					if !em.finish() {
						em.fail(abortError(ctx))
					}
				default:
					c.log.Warn().Err(err).Msg("completion stream interrupted")
					em.fail(fmt.Errorf("stream read: %w", err))
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if !em.chunk(resp.Choices[0].Delta.Content) {
				em.fail(abortError(ctx))
				return
			}
		}
	}()
	return out, nil
}
