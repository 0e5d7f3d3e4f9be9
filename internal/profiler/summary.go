package profiler

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Stat aggregates entries sharing a name.
type Stat struct {
	Name   string  `json:"name"`
	Count  int     `json:"count"`
	Timed  int     `json:"timed"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// Summarize groups entries by name. Numbered labels such as TTS_Fetch:3
// collapse into their prefix.
func Summarize(entries []Entry) []Stat {
	byName := make(map[string]*Stat)
	sums := make(map[string]float64)
	for _, e := range entries {
		name := e.Name
		if i := strings.IndexByte(name, ':'); i > 0 {
			name = name[:i]
		}
		st, ok := byName[name]
		if !ok {
			st = &Stat{Name: name}
			byName[name] = st
		}
		st.Count++
		if e.Duration != nil {
			st.Timed++
			sums[name] += *e.Duration
			st.MaxMS = math.Max(st.MaxMS, *e.Duration)
		}
	}

	out := make([]Stat, 0, len(byName))
	for name, st := range byName {
		if st.Timed > 0 {
			st.MeanMS = math.Round(sums[name]/float64(st.Timed)*100) / 100
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StartSummaryJob logs a summary of p on the given cron schedule. An empty
// schedule disables the job and returns a no-op stop function.
func StartSummaryJob(p *Profiler, schedule string, log zerolog.Logger) (stop func(), err error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return func() {}, nil
	}
	log = log.With().Str("component", "latency-summary").Logger()

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		stats := Summarize(p.Report())
		if len(stats) == 0 {
			return
		}
		for _, st := range stats {
			log.Info().
				Str("name", st.Name).
				Int("count", st.Count).
				Float64("mean_ms", st.MeanMS).
				Float64("max_ms", st.MaxMS).
				Msg("latency summary")
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid profiler schedule %q: %w", schedule, err)
	}
	c.Start()
	return func() {
		<-c.Stop().Done()
	}, nil
}
