package llm

import (
	"context"
	"unicode/utf8"

	"github.com/dextora/dextora/internal/segment"
)

// emitter turns decoded text chunks into stream events. It stops sending
// content as soon as ctx is done.
type emitter struct {
	ctx  context.Context
	out  chan<- Event
	seg  *segment.Segmenter
	full []byte
}

func newEmitter(ctx context.Context, out chan<- Event, minChars int) *emitter {
	return &emitter{ctx: ctx, out: out, seg: newSegmenter(minChars)}
}

func (e *emitter) send(ev Event) bool {
	if e.ctx.Err() != nil {
		return false
	}
	select {
	case e.out <- ev:
		return e.ctx.Err() == nil
	case <-e.ctx.Done():
		return false
	}
}

// chunk publishes the cumulative text, then any sentences the chunk
// completed.
func (e *emitter) chunk(text string) bool {
	if text == "" {
		return true
	}
	e.full = append(e.full, text...)
	if !e.send(Event{Kind: EventFullText, Text: string(e.full)}) {
		return false
	}
	for _, s := range e.seg.Push(text) {
		if !e.send(Event{Kind: EventSentence, Text: s}) {
			return false
		}
	}
	return true
}

// finish flushes the segmenter and sends Complete.
func (e *emitter) finish() bool {
	for _, s := range e.seg.Flush() {
		if !e.send(Event{Kind: EventSentence, Text: s}) {
			return false
		}
	}
	return e.send(Event{Kind: EventComplete})
}

// fail delivers the terminal error. Callers drain the channel, so this
// blocking send always completes.
func (e *emitter) fail(err error) {
	e.out <- Event{Kind: EventError, Err: err}
}

// utf8Splitter holds back a trailing partial rune until the rest of it
// arrives in a later read.
type utf8Splitter struct {
	carry []byte
}

func (u *utf8Splitter) decode(p []byte) string {
	b := append(u.carry, p...)
	u.carry = nil
	cut := len(b)
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				cut = i
			}
			break
		}
	}
	if cut < len(b) {
		u.carry = append([]byte(nil), b[cut:]...)
	}
	return string(b[:cut])
}

// flush returns any leftover bytes; invalid sequences become U+FFFD.
func (u *utf8Splitter) flush() string {
	if len(u.carry) == 0 {
		return ""
	}
	s := string([]rune(string(u.carry)))
	u.carry = nil
	return s
}
