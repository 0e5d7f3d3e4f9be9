package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dextora/dextora/internal/llm"
	"github.com/dextora/dextora/internal/reliability"
	"github.com/dextora/dextora/internal/tts"
)

type messageRequest struct {
	Message string `json:"message"`
}

type completeResponse struct {
	Response string `json:"response"`
}

// handleComplete answers a message without streaming or speech.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if s.deps.LLM == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "llm client not configured")
		return
	}
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "empty_message", "message is required")
		return
	}

	text, err := llm.Collect(r.Context(), s.deps.LLM, req.Message, s.prof)
	if err != nil {
		kind := reliability.Classify(err)
		if kind == reliability.KindCancelled {
			return
		}
		s.metrics.ProviderErrors.WithLabelValues("llm", string(kind)).Inc()
		respondError(w, http.StatusBadGateway, "llm_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, completeResponse{Response: text})
}

// handlePreviewTTS returns the synthesized audio for a message as is.
func (s *Server) handlePreviewTTS(w http.ResponseWriter, r *http.Request) {
	if s.deps.TTS == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "tts client not configured")
		return
	}
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	data, contentType, err := s.deps.TTS.Synthesize(r.Context(), req.Message)
	switch {
	case errors.Is(err, tts.ErrNothingToSay):
		respondError(w, http.StatusBadRequest, "empty_message", "message has no speakable text")
		return
	case err != nil:
		kind := reliability.Classify(err)
		s.metrics.ProviderErrors.WithLabelValues("tts", string(kind)).Inc()
		respondError(w, http.StatusBadGateway, "tts_failed", err.Error())
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
