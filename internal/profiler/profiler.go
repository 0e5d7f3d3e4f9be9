package profiler

import (
	"math"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

// Entry is one recorded metric. Entries are never modified after they are
// appended.
type Entry struct {
	Name      string
	Timestamp time.Time
	Duration  *float64 // ms, set only for intervals closed by End
	Meta      map[string]any
}

// MarshalJSON flattens metadata next to the name, timestamp and duration
// fields so dashboards can read entries as plain objects.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Meta)+3)
	for k, v := range e.Meta {
		out[k] = v
	}
	out["name"] = e.Name
	out["timestamp"] = e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	if e.Duration != nil {
		out["duration"] = *e.Duration
	}
	return sonic.Marshal(out)
}

// Listener receives a copy of the full entry list after every mutation.
type Listener func([]Entry)

// Profiler records named intervals and point events.
type Profiler struct {
	mu        sync.Mutex
	entries   []Entry
	marks     map[string]time.Time
	listeners map[uint64]Listener
	nextID    uint64
	log       zerolog.Logger
	now       func() time.Time
}

// Default is the process-wide profiler.
var Default = New(zerolog.Nop())

// New returns an empty profiler that echoes entries to log at debug level.
func New(log zerolog.Logger) *Profiler {
	return &Profiler{
		marks:     make(map[string]time.Time),
		listeners: make(map[uint64]Listener),
		log:       log.With().Str("component", "latency").Logger(),
		now:       time.Now,
	}
}

// SetLogger replaces the debug echo logger.
func (p *Profiler) SetLogger(log zerolog.Logger) {
	p.mu.Lock()
	p.log = log.With().Str("component", "latency").Logger()
	p.mu.Unlock()
}

// Start records a mark for label, replacing any earlier mark with the same
// label.
func (p *Profiler) Start(label string) {
	p.mu.Lock()
	p.marks[label] = p.now()
	p.mu.Unlock()
}

// End closes the interval opened by Start(label) and appends an entry with
// its duration. Without a matching mark it warns and records nothing.
func (p *Profiler) End(label string, meta map[string]any) (Entry, bool) {
	p.mu.Lock()
	started, ok := p.marks[label]
	if !ok {
		log := p.log
		p.mu.Unlock()
		log.Warn().Str("label", label).Msg("no start mark")
		return Entry{}, false
	}
	delete(p.marks, label)
	elapsed := p.now().Sub(started)
	ms := math.Round(float64(elapsed)/float64(time.Millisecond)*100) / 100
	entry := p.appendLocked(label, meta, &ms)
	return entry, true
}

// Log appends a point event.
func (p *Profiler) Log(name string, data map[string]any) Entry {
	p.mu.Lock()
	return p.appendLocked(name, data, nil)
}

// appendLocked must be called with p.mu held; it releases the lock before
// notifying listeners.
func (p *Profiler) appendLocked(name string, data map[string]any, duration *float64) Entry {
	meta := make(map[string]any, len(data))
	for k, v := range data {
		meta[k] = v
	}
	entry := Entry{Name: name, Timestamp: p.now(), Duration: duration, Meta: meta}
	p.entries = append(p.entries, entry)
	snapshot, listeners := p.snapshotLocked()
	log := p.log
	p.mu.Unlock()

	ev := log.Debug().Str("name", name)
	if duration != nil {
		ev = ev.Float64("duration_ms", *duration)
	}
	ev.Fields(meta).Msg("latency")

	notify(listeners, snapshot)
	return entry
}

// Report returns a copy of every entry in insertion order.
func (p *Profiler) Report() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Entry(nil), p.entries...)
}

// Clear drops all entries and open marks.
func (p *Profiler) Clear() {
	p.mu.Lock()
	p.entries = nil
	p.marks = make(map[string]time.Time)
	snapshot, listeners := p.snapshotLocked()
	p.mu.Unlock()
	notify(listeners, snapshot)
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (p *Profiler) Subscribe(fn Listener) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

func (p *Profiler) snapshotLocked() ([]Entry, []Listener) {
	snapshot := append([]Entry(nil), p.entries...)
	listeners := make([]Listener, 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	return snapshot, listeners
}

func notify(listeners []Listener, snapshot []Entry) {
	for _, fn := range listeners {
		fn(snapshot)
	}
}
