package reveal

import (
	"strings"
	"sync"
	"time"
)

// DefaultFallback paces sentences whose audio duration is unknown.
const DefaultFallback = 1500 * time.Millisecond

// Word is one revealed transcript word.
type Word struct {
	Text  string
	Index int
	Total int
}

// Scheduler reveals sentences word by word, paced to their audio.
type Scheduler struct {
	fallback time.Duration

	mu     sync.Mutex
	gen    uint64
	nextID uint64
	timers map[uint64]*time.Timer
}

// New returns a Scheduler using fallback when a duration is not positive.
func New(fallback time.Duration) *Scheduler {
	if fallback <= 0 {
		fallback = DefaultFallback
	}
	return &Scheduler{fallback: fallback, timers: make(map[uint64]*time.Timer)}
}

// Reveal emits the first word of sentence at once and the rest at even
// intervals of duration/words, so the last word lands before the audio
// ends. emit is never called concurrently for one Scheduler.
func (s *Scheduler) Reveal(sentence string, duration time.Duration, emit func(Word)) {
	words := strings.Fields(sentence)
	if len(words) == 0 || emit == nil {
		return
	}
	if duration <= 0 {
		duration = s.fallback
	}
	delay := duration / time.Duration(len(words))

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	var step func(i int, id uint64)
	schedule := func(i int) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return
		}
		s.nextID++
		id := s.nextID
		s.timers[id] = time.AfterFunc(delay, func() { step(i, id) })
	}
	step = func(i int, id uint64) {
		s.mu.Lock()
		delete(s.timers, id)
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		emit(Word{Text: words[i], Index: i, Total: len(words)})
		s.mu.Unlock()
		if i+1 < len(words) {
			schedule(i + 1)
		}
	}
	step(0, 0)
}

// Cancel stops every pending reveal. No emit runs after Cancel returns.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending reports scheduled timers, for tests and diagnostics.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
