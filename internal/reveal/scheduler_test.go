package reveal

import (
	"sync"
	"testing"
	"time"
)

type capture struct {
	mu    sync.Mutex
	words []Word
	at    []time.Duration
	start time.Time
	done  chan struct{}
}

func newCapture() *capture {
	return &capture{start: time.Now(), done: make(chan struct{})}
}

func (c *capture) emit(w Word) {
	c.mu.Lock()
	c.words = append(c.words, w)
	c.at = append(c.at, time.Since(c.start))
	last := w.Index == w.Total-1
	c.mu.Unlock()
	if last {
		close(c.done)
	}
}

func TestRevealPacesWordsToDuration(t *testing.T) {
	s := New(DefaultFallback)
	c := newCapture()
	s.Reveal("Gravity pulls objects together always", time.Second, c.emit)

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("reveal did not finish")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.words) != 5 {
		t.Fatalf("revealed %d words, want 5", len(c.words))
	}
	if c.words[0].Text != "Gravity" || c.words[4].Text != "always" {
		t.Fatalf("words = %+v", c.words)
	}
	if c.at[0] > 50*time.Millisecond {
		t.Fatalf("first word after %s, want immediate", c.at[0])
	}
	if c.at[4] > 1050*time.Millisecond {
		t.Fatalf("last word after %s, want within ~1s", c.at[4])
	}
	const interval = 200 * time.Millisecond
	for i := 1; i < len(c.at); i++ {
		gap := c.at[i] - c.at[i-1]
		if gap < interval/2 || gap > interval*2 {
			t.Fatalf("gap %d = %s, want about %s", i, gap, interval)
		}
	}
}

func TestRevealFallbackDuration(t *testing.T) {
	s := New(300 * time.Millisecond)
	c := newCapture()
	s.Reveal("one two three", 0, c.emit)

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("reveal did not finish")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.at[2] < 150*time.Millisecond || c.at[2] > 400*time.Millisecond {
		t.Fatalf("last word after %s, want ~200ms of a 300ms fallback", c.at[2])
	}
}

func TestCancelStopsPendingWords(t *testing.T) {
	s := New(DefaultFallback)
	c := newCapture()
	s.Reveal("a b c d", 400*time.Millisecond, c.emit)
	s.Cancel()

	time.Sleep(500 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.words) != 1 {
		t.Fatalf("revealed %d words after Cancel, want only the first", len(c.words))
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending() = %d after Cancel", s.Pending())
	}
}

func TestRevealAfterCancelStillWorks(t *testing.T) {
	s := New(DefaultFallback)
	s.Cancel()
	c := newCapture()
	s.Reveal("hello world", 20*time.Millisecond, c.emit)
	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatalf("reveal after Cancel did not run")
	}
}

func TestRevealIgnoresBlankSentence(t *testing.T) {
	s := New(DefaultFallback)
	called := false
	s.Reveal("   ", time.Second, func(Word) { called = true })
	if called || s.Pending() != 0 {
		t.Fatalf("blank sentence scheduled work")
	}
}
