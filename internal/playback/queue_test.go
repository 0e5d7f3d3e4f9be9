package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dextora/dextora/internal/audio"
	"github.com/rs/zerolog"
)

type fakeOutput struct {
	mu       sync.Mutex
	played   []time.Duration
	spoken   []string
	silences int
	active   int
	overlap  bool
	speakErr error
}

func (f *fakeOutput) enter() {
	f.mu.Lock()
	f.active++
	if f.active > 1 {
		f.overlap = true
	}
	f.mu.Unlock()
}

func (f *fakeOutput) leave() {
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

func (f *fakeOutput) PlayAudio(ctx context.Context, clip audio.Clip) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	f.played = append(f.played, clip.Duration)
	f.mu.Unlock()
	return wait(ctx, clip.Duration)
}

func (f *fakeOutput) Speak(ctx context.Context, text string) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	err := f.speakErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return wait(ctx, 10*time.Millisecond)
}

func (f *fakeOutput) Silence() {
	f.mu.Lock()
	f.silences++
	f.mu.Unlock()
}

func (f *fakeOutput) snapshot() (played int, spoken []string, silences int, overlap bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.played), append([]string(nil), f.spoken...), f.silences, f.overlap
}

// clipOf returns a 16 kHz WAV lasting d.
func clipOf(d time.Duration) []byte {
	return audio.SilenceWAV(16000, int(d.Milliseconds())*16)
}

type startLog struct {
	mu     sync.Mutex
	names  []string
	at     []time.Time
	values []time.Duration
	ch     chan string
}

func newStartLog() *startLog {
	return &startLog{ch: make(chan string, 64)}
}

func (l *startLog) hook(name string) func(time.Duration) {
	return func(d time.Duration) {
		l.mu.Lock()
		l.names = append(l.names, name)
		l.at = append(l.at, time.Now())
		l.values = append(l.values, d)
		l.mu.Unlock()
		l.ch <- name
	}
}

func (l *startLog) await(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-l.ch:
		if got != want {
			t.Fatalf("OnStart order: got %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for OnStart(%q)", want)
	}
}

func newTestQueue(out Output, opts Options) *Queue {
	opts.Logger = zerolog.Nop()
	return NewQueue(out, opts)
}

func TestQueuePlaysInFIFOOrderWithoutOverlap(t *testing.T) {
	out := &fakeOutput{}
	drained := make(chan struct{}, 1)
	q := newTestQueue(out, Options{OnDrain: func() { drained <- struct{}{} }})
	starts := newStartLog()

	for _, name := range []string{"A", "B", "C"} {
		q.Enqueue(AudioItem(clipOf(30*time.Millisecond), "audio/wav", starts.hook(name)))
	}
	for _, name := range []string{"A", "B", "C"} {
		starts.await(t, name)
	}
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnDrain never fired")
	}

	played, _, _, overlap := out.snapshot()
	if played != 3 || overlap {
		t.Fatalf("played=%d overlap=%v, want 3 sequential items", played, overlap)
	}
	starts.mu.Lock()
	defer starts.mu.Unlock()
	for i := 1; i < len(starts.at); i++ {
		if gap := starts.at[i].Sub(starts.at[i-1]); gap < 25*time.Millisecond {
			t.Fatalf("item %d started %s after previous, want >= clip duration", i, gap)
		}
	}
	if q.Playing() {
		t.Fatalf("Playing() = true after drain")
	}
}

func TestReservedSlotKeepsPosition(t *testing.T) {
	out := &fakeOutput{}
	drained := make(chan struct{}, 1)
	q := newTestQueue(out, Options{OnDrain: func() { drained <- struct{}{} }})
	starts := newStartLog()

	slot := q.Reserve(starts.hook("first"))
	q.Enqueue(TextItem("second", starts.hook("second")))

	time.Sleep(40 * time.Millisecond)
	if got := len(starts.ch); got != 0 {
		t.Fatalf("%d items started before the head slot was filled", got)
	}

	slot.Fill(TextItem("first", nil))
	starts.await(t, "first")
	starts.await(t, "second")
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnDrain never fired")
	}

	_, spoken, _, _ := out.snapshot()
	if len(spoken) != 2 || spoken[0] != "first" || spoken[1] != "second" {
		t.Fatalf("spoken = %q, want [first second]", spoken)
	}
}

func TestStopClearsPendingWork(t *testing.T) {
	out := &fakeOutput{}
	q := newTestQueue(out, Options{})
	starts := newStartLog()

	q.Enqueue(AudioItem(clipOf(300*time.Millisecond), "", starts.hook("1")))
	q.Enqueue(AudioItem(clipOf(300*time.Millisecond), "", starts.hook("2")))
	late := q.Reserve(starts.hook("3"))
	starts.await(t, "1")

	q.Stop()
	late.Fill(TextItem("late", nil))
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after Stop, want 0", q.Len())
	}

	time.Sleep(400 * time.Millisecond)
	if got := len(starts.ch); got != 0 {
		t.Fatalf("%d items started after Stop", got)
	}
	_, _, silences, _ := out.snapshot()
	if silences == 0 {
		t.Fatalf("Stop did not silence output")
	}

	q.Enqueue(TextItem("again", starts.hook("again")))
	starts.await(t, "again")
}

func TestMutePreservesPacing(t *testing.T) {
	out := &fakeOutput{}
	q := newTestQueue(out, Options{})
	starts := newStartLog()

	q.SetMuted(true)
	q.Enqueue(AudioItem(clipOf(150*time.Millisecond), "", starts.hook("muted")))
	q.Enqueue(TextItem("next", starts.hook("next")))
	starts.await(t, "muted")
	starts.await(t, "next")

	starts.mu.Lock()
	gap := starts.at[1].Sub(starts.at[0])
	first := starts.values[0]
	starts.mu.Unlock()
	if first != 150*time.Millisecond {
		t.Fatalf("OnStart duration = %s, want 150ms", first)
	}
	if gap < 140*time.Millisecond {
		t.Fatalf("next item started %s after muted item, want ~150ms", gap)
	}

	played, spoken, silences, _ := out.snapshot()
	if played != 0 || len(spoken) != 0 {
		t.Fatalf("muted queue reached output: played=%d spoken=%q", played, spoken)
	}
	if silences != 1 {
		t.Fatalf("silences = %d, want 1", silences)
	}
	if !q.Muted() {
		t.Fatalf("Muted() = false")
	}
}

func TestMutedTextUsesNativeEstimate(t *testing.T) {
	q := newTestQueue(&fakeOutput{}, Options{NativeMSPerChar: 10})
	starts := newStartLog()
	q.SetMuted(true)

	q.Enqueue(TextItem("ten chars!", starts.hook("text")))
	q.Enqueue(TextItem("x", starts.hook("after")))
	starts.await(t, "text")
	starts.await(t, "after")

	starts.mu.Lock()
	defer starts.mu.Unlock()
	if starts.values[0] != 0 {
		t.Fatalf("text OnStart duration = %s, want 0", starts.values[0])
	}
	if gap := starts.at[1].Sub(starts.at[0]); gap < 90*time.Millisecond {
		t.Fatalf("gap = %s, want ~100ms native estimate", gap)
	}
}

func TestBadItemIsSkipped(t *testing.T) {
	var mu sync.Mutex
	var errs []error
	q := newTestQueue(&fakeOutput{}, Options{OnItemDone: func(_ Item, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}})
	starts := newStartLog()

	q.Enqueue(AudioItem([]byte("<html>bad gateway</html>"), "text/html", starts.hook("bad")))
	q.Enqueue(AudioItem(clipOf(10*time.Millisecond), "", starts.hook("good")))
	starts.await(t, "good")

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 2 || !errors.Is(errs[0], audio.ErrUndecodable) || errs[1] != nil {
		t.Fatalf("item errors = %v, want [undecodable nil]", errs)
	}
}

func TestUnsupportedSpeechResolvesImmediately(t *testing.T) {
	out := &fakeOutput{speakErr: ErrSpeechUnsupported}
	q := newTestQueue(out, Options{})
	starts := newStartLog()

	began := time.Now()
	q.Enqueue(TextItem("a fairly long sentence that would take a while", starts.hook("1")))
	q.Enqueue(TextItem("second", starts.hook("2")))
	starts.await(t, "1")
	starts.await(t, "2")
	if elapsed := time.Since(began); elapsed > 500*time.Millisecond {
		t.Fatalf("unsupported speech took %s", elapsed)
	}
}

func TestNativeEstimate(t *testing.T) {
	if got := NativeEstimate("héllo", 0); got != 300*time.Millisecond {
		t.Fatalf("NativeEstimate() = %s, want 300ms", got)
	}
}

func TestStopInsideOnStartSkipsOutput(t *testing.T) {
	cases := []struct {
		name string
		item func(onStart func(time.Duration)) Item
	}{
		{"audio", func(onStart func(time.Duration)) Item {
			return AudioItem(clipOf(50*time.Millisecond), "audio/wav", onStart)
		}},
		{"text", func(onStart func(time.Duration)) Item {
			return TextItem("hello there", onStart)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := &fakeOutput{}
			done := make(chan error, 1)
			var q *Queue
			q = newTestQueue(out, Options{OnItemDone: func(_ Item, err error) { done <- err }})
			q.Enqueue(tc.item(func(time.Duration) { q.Stop() }))

			select {
			case err := <-done:
				if !errors.Is(err, context.Canceled) {
					t.Fatalf("item error = %v, want context.Canceled", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("item never finished")
			}
			played, spoken, silences, _ := out.snapshot()
			if played != 0 || len(spoken) != 0 {
				t.Fatalf("output reached after Stop: played=%d spoken=%q", played, spoken)
			}
			if silences == 0 {
				t.Fatalf("Stop did not silence output")
			}
		})
	}
}
