package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMinChars is the accumulator length that must be exceeded before a
// group of short sentences is released.
const DefaultMinChars = 10

// Segmenter turns a stream of text chunks into speakable sentence groups.
// It performs no I/O and is not safe for concurrent use.
type Segmenter struct {
	MinChars int

	buf     string
	scanPos int
	pending string
}

// New returns a Segmenter; a negative minChars is treated as zero.
func New(minChars int) *Segmenter {
	if minChars < 0 {
		minChars = 0
	}
	return &Segmenter{MinChars: minChars}
}

// Push appends chunk and returns every sentence group that became complete.
//
// A terminal run (one or more of . ? !) is a boundary when it is followed by
// whitespace or a closing quote. A run sitting at the very end of the buffer
// is held until the next chunk or Flush decides it, so the way a text is
// split into chunks never changes the output.
func (s *Segmenter) Push(chunk string) []string {
	if chunk == "" {
		return nil
	}
	// scanPos short of the buffer end means a terminal run is parked there;
	// whitespace alone can settle it.
	held := s.scanPos < len(s.buf)
	s.buf += chunk
	if strings.TrimSpace(chunk) == "" && !held {
		return nil
	}
	return s.extract(false)
}

// Flush ends the stream: any held boundary is resolved, trailing text without
// a terminal joins the accumulator and whatever is pending is emitted
// regardless of its length.
func (s *Segmenter) Flush() []string {
	out := s.extract(true)
	if rest := strings.TrimSpace(s.buf); rest != "" {
		s.pending += rest
	}
	if last := strings.TrimSpace(s.pending); last != "" {
		out = append(out, last)
	}
	s.Reset()
	return out
}

// Reset discards all buffered state.
func (s *Segmenter) Reset() {
	s.buf = ""
	s.scanPos = 0
	s.pending = ""
}

// Buffered reports text not yet emitted, for diagnostics.
func (s *Segmenter) Buffered() string {
	return strings.TrimSpace(s.pending + s.buf)
}

func (s *Segmenter) extract(final bool) []string {
	var out []string
	for {
		end, ok := s.nextBoundary(final)
		if !ok {
			return out
		}
		sentence := strings.TrimSpace(s.buf[:end])
		s.buf = strings.TrimLeftFunc(s.buf[end:], unicode.IsSpace)
		s.scanPos = 0
		if sentence == "" {
			continue
		}
		s.pending += sentence + " "
		if utf8.RuneCountInString(s.pending) > s.MinChars {
			out = append(out, strings.TrimSpace(s.pending))
			s.pending = ""
		}
	}
}

// nextBoundary finds the byte offset just past the next complete sentence in
// s.buf. When the scan reaches a run it cannot decide yet, scanPos is parked
// on it so the next call resumes there.
func (s *Segmenter) nextBoundary(final bool) (int, bool) {
	i := s.scanPos
	for i < len(s.buf) {
		if !isTerminal(s.buf[i]) {
			i++
			continue
		}
		runStart := i
		for i < len(s.buf) && isTerminal(s.buf[i]) {
			i++
		}
		j := i
		for j < len(s.buf) {
			r, size := utf8.DecodeRuneInString(s.buf[j:])
			if !isClosingQuote(r) {
				break
			}
			j += size
		}
		if j == len(s.buf) {
			if final {
				return j, true
			}
			s.scanPos = runStart
			return 0, false
		}
		if j > i {
			return j, true
		}
		r, _ := utf8.DecodeRuneInString(s.buf[j:])
		if unicode.IsSpace(r) {
			return j, true
		}
	}
	s.scanPos = len(s.buf)
	return 0, false
}

func isTerminal(b byte) bool {
	return b == '.' || b == '?' || b == '!'
}

func isClosingQuote(r rune) bool {
	return r == '"' || r == '”'
}
