package playback

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dextora/dextora/internal/audio"
	"github.com/rs/zerolog"
)

// ErrSpeechUnsupported is returned by an Output that cannot voice text.
// The queue resolves such items immediately.
var ErrSpeechUnsupported = errors.New("playback: native speech unsupported")

// DefaultNativeMSPerChar estimates native speech time for muted text items.
const DefaultNativeMSPerChar = 60

// Kind distinguishes the two item variants.
type Kind int

const (
	KindAudio Kind = iota
	KindText
)

func (k Kind) String() string {
	if k == KindText {
		return "text"
	}
	return "audio"
}

// Item is one unit of queued speech.
type Item struct {
	Kind   Kind
	Audio  []byte
	Format string
	Text   string

	// OnStart fires on the consumer goroutine when the item begins playing.
	// Text items report zero.
	OnStart func(time.Duration)
}

// AudioItem builds an item carrying synthesized audio.
func AudioItem(data []byte, format string, onStart func(time.Duration)) Item {
	return Item{Kind: KindAudio, Audio: data, Format: format, OnStart: onStart}
}

// TextItem builds an item voiced by the client's native synthesizer.
func TextItem(text string, onStart func(time.Duration)) Item {
	return Item{Kind: KindText, Text: text, OnStart: onStart}
}

// Output renders items. PlayAudio and Speak block until the item has
// finished or ctx is cancelled.
type Output interface {
	PlayAudio(ctx context.Context, clip audio.Clip) error
	Speak(ctx context.Context, text string) error
	Silence()
}

// Options tune a Queue.
type Options struct {
	NativeMSPerChar int
	Logger          zerolog.Logger

	// OnDrain runs after the consumer empties the queue.
	OnDrain func()

	// OnItemDone reports every consumed item and its playback error, if any.
	OnItemDone func(item Item, err error)
}

// Slot is a reserved queue position that is filled later.
type Slot struct {
	q       *Queue
	gen     uint64
	onStart func(time.Duration)
	filled  bool
	item    Item
}

// Fill places item in the reserved position. If the queue was stopped after
// the reservation the item is dropped. Filling twice is a no-op.
func (s *Slot) Fill(item Item) {
	q := s.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if s.filled || s.gen != q.gen {
		return
	}
	if item.OnStart == nil {
		item.OnStart = s.onStart
	}
	s.item = item
	s.filled = true
	q.broadcastLocked()
}

// Queue plays items strictly one at a time in enqueue order.
type Queue struct {
	out             Output
	log             zerolog.Logger
	nativeMSPerChar int
	onDrain         func()
	onItemDone      func(Item, error)

	mu      sync.Mutex
	slots   []*Slot
	playing bool
	muted   bool
	gen     uint64
	cancel  context.CancelFunc
	changed chan struct{}
}

// NewQueue returns an idle queue rendering to out.
func NewQueue(out Output, opts Options) *Queue {
	if opts.NativeMSPerChar <= 0 {
		opts.NativeMSPerChar = DefaultNativeMSPerChar
	}
	return &Queue{
		out:             out,
		log:             opts.Logger.With().Str("component", "playback").Logger(),
		nativeMSPerChar: opts.NativeMSPerChar,
		onDrain:         opts.OnDrain,
		onItemDone:      opts.OnItemDone,
		changed:         make(chan struct{}),
	}
}

// Enqueue appends item and starts the consumer if it is idle. It never
// blocks on playback.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.slots = append(q.slots, &Slot{q: q, gen: q.gen, filled: true, item: item})
	q.broadcastLocked()
	q.startLocked()
}

// Reserve appends an empty slot whose position is kept until Fill. The
// consumer waits on an unfilled head slot.
func (q *Queue) Reserve(onStart func(time.Duration)) *Slot {
	q.mu.Lock()
	defer q.mu.Unlock()
	slot := &Slot{q: q, gen: q.gen, onStart: onStart}
	q.slots = append(q.slots, slot)
	q.startLocked()
	return slot
}

// SetMuted toggles audible output. Muting silences the current item at once;
// muted items still occupy their playback time.
func (q *Queue) SetMuted(muted bool) {
	q.mu.Lock()
	was := q.muted
	q.muted = muted
	q.mu.Unlock()
	if muted && !was {
		q.out.Silence()
	}
}

// Stop empties the queue, abandons the item in flight and resets the
// consumer. Items still waiting never fire OnStart.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.gen++
	q.slots = nil
	q.playing = false
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.broadcastLocked()
	q.mu.Unlock()
	q.out.Silence()
}

// Len reports queued items, including reserved slots.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}

// Playing reports whether a consumer is active.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Muted reports the mute flag.
func (q *Queue) Muted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.muted
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) startLocked() {
	if q.playing {
		return
	}
	q.playing = true
	go q.consume(q.gen)
}

func (q *Queue) consume(gen uint64) {
	for {
		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return
		}
		if len(q.slots) == 0 {
			q.playing = false
			drain := q.onDrain
			q.mu.Unlock()
			if drain != nil {
				drain()
			}
			return
		}
		head := q.slots[0]
		if !head.filled {
			changed := q.changed
			q.mu.Unlock()
			<-changed
			continue
		}
		q.slots[0] = nil
		q.slots = q.slots[1:]
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		q.mu.Unlock()

		err := q.play(ctx, gen, head.item)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrSpeechUnsupported) {
			q.log.Warn().Err(err).Str("kind", head.item.Kind.String()).Msg("playback item failed")
		}
		if q.onItemDone != nil {
			q.onItemDone(head.item, err)
		}
	}
}

func (q *Queue) play(ctx context.Context, gen uint64, item Item) error {
	var clip audio.Clip
	if item.Kind == KindAudio {
		var err error
		if clip, err = audio.Decode(item.Audio, item.Format); err != nil {
			return err
		}
	}

	if _, ok := q.current(ctx, gen); !ok {
		return context.Canceled
	}

	// OnStart may stop the queue, so the generation is checked again before
	// anything reaches the output.
	switch item.Kind {
	case KindText:
		if item.OnStart != nil {
			item.OnStart(0)
		}
		muted, ok := q.current(ctx, gen)
		if !ok {
			return context.Canceled
		}
		if muted {
			return wait(ctx, NativeEstimate(item.Text, q.nativeMSPerChar))
		}
		return q.out.Speak(ctx, item.Text)
	default:
		if item.OnStart != nil {
			item.OnStart(clip.Duration)
		}
		muted, ok := q.current(ctx, gen)
		if !ok {
			return context.Canceled
		}
		if muted {
			return wait(ctx, clip.Duration)
		}
		return q.out.PlayAudio(ctx, clip)
	}
}

// current reports the mute flag and whether gen is still the live
// generation.
func (q *Queue) current(ctx context.Context, gen uint64) (muted bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gen != gen || ctx.Err() != nil {
		return false, false
	}
	return q.muted, true
}

// NativeEstimate is the time budget given to natively voiced text.
func NativeEstimate(text string, msPerChar int) time.Duration {
	if msPerChar <= 0 {
		msPerChar = DefaultNativeMSPerChar
	}
	return time.Duration(utf8.RuneCountInString(text)*msPerChar) * time.Millisecond
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
