package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dextora/dextora/internal/chat"
	"github.com/dextora/dextora/internal/config"
	"github.com/dextora/dextora/internal/httpapi"
	"github.com/dextora/dextora/internal/llm"
	"github.com/dextora/dextora/internal/observability"
	"github.com/dextora/dextora/internal/profiler"
	"github.com/dextora/dextora/internal/reliability"
	"github.com/dextora/dextora/internal/session"
	"github.com/dextora/dextora/internal/transcript"
	"github.com/dextora/dextora/internal/tts"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Profiler *profiler.Profiler
	Store    transcript.Store

	// LLMProvider is the backend NewClient resolved "auto" to.
	LLMProvider string

	// Cleanup closes live chat connections, then releases external
	// resources (DB pool, cron job) on shutdown.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	prof := profiler.Default
	prof.SetLogger(log)

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	llmClient, err := llm.NewClient(llm.Config{
		Provider:         cfg.LLMProvider,
		ChatURL:          cfg.LLMChatURL,
		Timeout:          cfg.LLMTimeout,
		FirstByteTimeout: cfg.LLMFirstByteTimeout,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenAIModel:      cfg.OpenAIModel,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		SegmentMinChars:  cfg.SegmentMinChars,
		Profiler:         prof,
		Logger:           log,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("llm client init failed: %w", err)
	}

	ttsClient := tts.NewClient(tts.Options{
		URL:         cfg.TTSURL,
		Timeout:     cfg.TTSTimeout,
		MaxInFlight: cfg.TTSMaxInFlight,
		Profiler:    prof,
		Logger:      log,
		OnFallback: func(err error) {
			kind := string(reliability.Classify(err))
			metrics.TTSFallbacks.WithLabelValues(kind).Inc()
			metrics.ProviderErrors.WithLabelValues("tts", kind).Inc()
			metrics.Stages.Count("tts_fallback")
		},
	})

	stopSummary, err := profiler.StartSummaryJob(prof, cfg.ProfilerReportSchedule, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	api := httpapi.New(cfg, sessions, chat.Deps{
		LLM:             llmClient,
		TTS:             ttsClient,
		Store:           store,
		Sessions:        sessions,
		Metrics:         metrics,
		Profiler:        prof,
		Logger:          log,
		NativeMSPerChar: cfg.NativeMSPerChar,
		RevealFallback:  cfg.RevealFallbackDuration,
	})
	sessions.SetExpireHook(func(s *session.Session) {
		api.ExpireSession(s.ID)
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	cleanup := func() error {
		var errs []string
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		// Live turns persist through the store, so they go first.
		if err := api.CloseLive(closeCtx); err != nil {
			errs = append(errs, "close live connections: "+err.Error())
		}
		stopSummary()
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Sessions:    sessions,
		Metrics:     metrics,
		Profiler:    prof,
		Store:       store,
		LLMProvider: providerName(llmClient),
		Cleanup:     cleanup,
	}, nil
}

func providerName(c llm.Client) string {
	switch c.(type) {
	case *llm.OpenAIClient:
		return "openai"
	case *llm.MockClient:
		return "mock"
	default:
		return "http"
	}
}
