package reliability

import (
	"context"
	"errors"
	"net"

	"github.com/dextora/dextora/internal/audio"
	"github.com/dextora/dextora/internal/llm"
	"github.com/dextora/dextora/internal/playback"
	"github.com/dextora/dextora/internal/tts"
)

// Kind is the failure class of a pipeline error.
type Kind string

const (
	KindNone        Kind = ""
	KindTransport   Kind = "transport"
	KindCancelled   Kind = "cancelled"
	KindDecode      Kind = "decode"
	KindUnsupported Kind = "unsupported"
	KindUnknown     Kind = "unknown"
)

// Classify maps err onto the pipeline failure classes. Cancellation wins
// over everything else so an aborted request is never reported as a fault.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, llm.ErrAborted) || errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, playback.ErrSpeechUnsupported) {
		return KindUnsupported
	}
	if errors.Is(err, audio.ErrUndecodable) {
		return KindDecode
	}
	var llmStatus *llm.StatusError
	var ttsStatus *tts.StatusError
	var netErr net.Error
	switch {
	case errors.As(err, &llmStatus), errors.As(err, &ttsStatus):
		return KindTransport
	case errors.Is(err, llm.ErrFirstByteTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTransport
	case errors.As(err, &netErr):
		return KindTransport
	}
	return KindUnknown
}

// StatusCode returns the upstream HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var llmStatus *llm.StatusError
	if errors.As(err, &llmStatus) {
		return llmStatus.StatusCode
	}
	var ttsStatus *tts.StatusError
	if errors.As(err, &ttsStatus) {
		return ttsStatus.StatusCode
	}
	return 0
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Retryable reports whether the user may reasonably resend the same turn.
// Nothing is retried automatically.
func Retryable(err error) bool {
	if Classify(err) != KindTransport {
		return false
	}
	if code := StatusCode(err); code != 0 {
		return IsRetryableHTTPStatus(code)
	}
	return true
}
