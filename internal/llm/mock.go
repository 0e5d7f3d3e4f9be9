package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const nativeMarker = "[NATIVE]"

// MockClient answers without a backend: a natively voiced acknowledgement
// of the user text followed by the persona introduction.
type MockClient struct {
	Delay time.Duration
}

// NewMockClient returns a MockClient with a 50ms dispatch delay.
func NewMockClient() *MockClient {
	return &MockClient{Delay: 50 * time.Millisecond}
}

// Stream emits the canned sentences. Sentence events keep the native
// marker; FullText drops it.
func (m *MockClient) Stream(ctx context.Context, userText string) (<-chan Event, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, ErrEmptyInput
	}
	sentences := []string{
		fmt.Sprintf(`%s I heard you say: "%s".`, nativeMarker, strings.TrimSpace(userText)),
		"I am Dextora AI, here to help you excel in your studies! How can I guide you today?",
	}

	out := make(chan Event, 4)
	go func() {
		defer close(out)
		em := &emitter{ctx: ctx, out: out}
		var full strings.Builder
		for _, s := range sentences {
			t := time.NewTimer(m.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				em.fail(abortError(ctx))
				return
			case <-t.C:
			}
			if !em.send(Event{Kind: EventSentence, Text: s}) {
				em.fail(abortError(ctx))
				return
			}
			full.WriteString(strings.TrimPrefix(s, nativeMarker+" "))
			full.WriteByte(' ')
			if !em.send(Event{Kind: EventFullText, Text: strings.TrimSpace(full.String())}) {
				em.fail(abortError(ctx))
				return
			}
		}
		if !em.send(Event{Kind: EventComplete}) {
			em.fail(abortError(ctx))
		}
	}()
	return out, nil
}
