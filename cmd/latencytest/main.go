package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/dextora/dextora/internal/chat"
	"github.com/dextora/dextora/internal/observability"
	"github.com/dextora/dextora/internal/profiler"
	"github.com/dextora/dextora/internal/protocol"
	"github.com/dextora/dextora/internal/session"
)

// options is also the shape of a scenario file.
type options struct {
	BaseURL        string        `yaml:"base_url"`
	UserID         string        `yaml:"user_id"`
	Turns          int           `yaml:"turns"`
	Texts          []string      `yaml:"utterances"`
	StartDelay     time.Duration `yaml:"start_delay"`
	InterTurnDelay time.Duration `yaml:"inter_turn_delay"`
	TurnTimeout    time.Duration `yaml:"turn_timeout"`
	Muted          bool          `yaml:"muted"`
	NativeSpeech   bool          `yaml:"native_speech"`
	ResetProfiler  bool          `yaml:"reset_profiler"`
	Verbose        bool          `yaml:"verbose"`
}

type wsEnvelope struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`
	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type wsEvent struct {
	env wsEnvelope
	at  time.Time
}

type latencyReport struct {
	Summary []profiler.Stat             `json:"summary"`
	Stages  observability.StageSnapshot `json:"stages"`
}

var defaultUtterances = []string{
	"Explain photosynthesis in two sentences.",
	"What is the Pythagorean theorem?",
	"Give me one tip for memorising vocabulary.",
	"Why is the sky blue?",
}

func defaultOptions() options {
	return options{
		BaseURL:        "http://127.0.0.1:8080",
		UserID:         "latency-test",
		Turns:          4,
		Texts:          append([]string(nil), defaultUtterances...),
		StartDelay:     200 * time.Millisecond,
		InterTurnDelay: 300 * time.Millisecond,
		TurnTimeout:    30 * time.Second,
		NativeSpeech:   true,
		Verbose:        true,
	}
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "latencytest: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "latencytest: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags applies defaults, then the scenario file, then any flag set
// explicitly on the command line.
func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("latencytest", flag.ContinueOnError)
	var (
		scenarioPath string
		flagOpts     = defaultOptions()
		textsRaw     string
	)
	fs.StringVar(&scenarioPath, "scenario", "", "YAML scenario file (optional)")
	fs.StringVar(&flagOpts.BaseURL, "base-url", flagOpts.BaseURL, "gateway base URL")
	fs.StringVar(&flagOpts.UserID, "user-id", flagOpts.UserID, "user_id for the synthetic session")
	fs.IntVar(&flagOpts.Turns, "turns", flagOpts.Turns, "number of turns to replay")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|'")
	fs.DurationVar(&flagOpts.StartDelay, "start-delay", flagOpts.StartDelay, "delay before the first turn")
	fs.DurationVar(&flagOpts.InterTurnDelay, "inter-turn", flagOpts.InterTurnDelay, "delay between turns")
	fs.DurationVar(&flagOpts.TurnTimeout, "turn-timeout", flagOpts.TurnTimeout, "timeout waiting for assistant_turn_end")
	fs.BoolVar(&flagOpts.Muted, "muted", flagOpts.Muted, "create the session muted")
	fs.BoolVar(&flagOpts.NativeSpeech, "native-speech", flagOpts.NativeSpeech, "advertise browser speech synthesis")
	fs.BoolVar(&flagOpts.ResetProfiler, "reset", flagOpts.ResetProfiler, "clear the server latency log before replaying")
	fs.BoolVar(&flagOpts.Verbose, "verbose", flagOpts.Verbose, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts := defaultOptions()
	if scenarioPath != "" {
		loaded, err := loadScenario(scenarioPath, opts)
		if err != nil {
			return options{}, err
		}
		opts = loaded
	}

	var textsErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "base-url":
			opts.BaseURL = flagOpts.BaseURL
		case "user-id":
			opts.UserID = flagOpts.UserID
		case "turns":
			opts.Turns = flagOpts.Turns
		case "texts":
			opts.Texts, textsErr = splitTexts(textsRaw)
		case "start-delay":
			opts.StartDelay = flagOpts.StartDelay
		case "inter-turn":
			opts.InterTurnDelay = flagOpts.InterTurnDelay
		case "turn-timeout":
			opts.TurnTimeout = flagOpts.TurnTimeout
		case "muted":
			opts.Muted = flagOpts.Muted
		case "native-speech":
			opts.NativeSpeech = flagOpts.NativeSpeech
		case "reset":
			opts.ResetProfiler = flagOpts.ResetProfiler
		case "verbose":
			opts.Verbose = flagOpts.Verbose
		}
	})
	if textsErr != nil {
		return options{}, textsErr
	}
	return opts.validate()
}

func loadScenario(path string, base options) (options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return options{}, fmt.Errorf("read scenario: %w", err)
	}
	return parseScenario(raw, base)
}

// parseScenario overlays the YAML document on base; keys the document
// omits keep their base value.
func parseScenario(raw []byte, base options) (options, error) {
	out := base
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return options{}, fmt.Errorf("parse scenario: %w", err)
	}
	return out, nil
}

func splitTexts(raw string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("texts produced no non-empty utterances")
	}
	return out, nil
}

func (o options) validate() (options, error) {
	o.BaseURL = strings.TrimRight(strings.TrimSpace(o.BaseURL), "/")
	if o.BaseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if o.Turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	texts := o.Texts[:0:0]
	for _, t := range o.Texts {
		if t = strings.TrimSpace(t); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		return options{}, fmt.Errorf("scenario has no utterances")
	}
	o.Texts = texts
	if o.StartDelay < 0 {
		o.StartDelay = 0
	}
	if o.InterTurnDelay < 0 {
		o.InterTurnDelay = 0
	}
	if o.TurnTimeout < time.Second {
		o.TurnTimeout = time.Second
	}
	if strings.TrimSpace(o.UserID) == "" {
		o.UserID = "latency-test"
	}
	return o, nil
}

func run(ctx context.Context, opts options, w io.Writer) error {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	if opts.ResetProfiler {
		if err := clearLatency(ctx, httpClient, opts.BaseURL); err != nil {
			return fmt.Errorf("reset latency log: %w", err)
		}
	}

	sessionID, err := createSession(ctx, httpClient, opts)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, opts.BaseURL, sessionID)
	}()
	if opts.Verbose {
		fmt.Fprintf(w, "latencytest: session=%s turns=%d muted=%t native_speech=%t\n",
			sessionID, opts.Turns, opts.Muted, opts.NativeSpeech)
	}

	wsURL, err := wsURLForSession(opts.BaseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	events := make(chan wsEvent, 512)
	readErrCh := make(chan error, 1)
	go readLoop(readCtx, conn, events, readErrCh)

	native := opts.NativeSpeech
	if err := writeMessage(conn, protocol.ClientControl{
		Type:         protocol.TypeClientControl,
		SessionID:    sessionID,
		Action:       protocol.ActionCapabilities,
		NativeSpeech: &native,
		TSMs:         time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("send capabilities: %w", err)
	}

	if opts.StartDelay > 0 {
		time.Sleep(opts.StartDelay)
	}

	results := make([]turnResult, 0, opts.Turns)
	for i := 0; i < opts.Turns; i++ {
		text := opts.Texts[i%len(opts.Texts)]
		if opts.Verbose {
			fmt.Fprintf(w, "latencytest: turn %d/%d text=%q\n", i+1, opts.Turns, text)
		}
		tracker := newTurnTracker(i+1, text, time.Now())
		if err := writeMessage(conn, protocol.UserText{
			Type:      protocol.TypeUserText,
			SessionID: sessionID,
			Text:      text,
			TSMs:      tracker.sent.UnixMilli(),
		}); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		if err := awaitTurnEnd(ctx, tracker, events, readErrCh, opts.TurnTimeout); err != nil {
			return fmt.Errorf("turn %d await assistant_turn_end: %w", i+1, err)
		}
		results = append(results, tracker.result)
		if opts.InterTurnDelay > 0 && i < opts.Turns-1 {
			time.Sleep(opts.InterTurnDelay)
		}
	}

	printResults(w, results)

	report, err := fetchLatency(ctx, httpClient, opts.BaseURL)
	if err != nil {
		return fmt.Errorf("fetch latency report: %w", err)
	}
	printReport(w, report)
	return nil
}

func writeMessage(conn *websocket.Conn, msg any) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func createSession(ctx context.Context, client *http.Client, opts options) (string, error) {
	payload, err := sonic.Marshal(session.CreateRequest{UserID: opts.UserID, Muted: opts.Muted})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.BaseURL+"/v1/chat/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	body, status, err := do(client, req)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	var out session.CreateResponse
	if err := sonic.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	_, _, err = do(client, req)
	return err
}

func clearLatency(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	body, status, err := do(client, req)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	return nil
}

func fetchLatency(ctx context.Context, client *http.Client, baseURL string) (latencyReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return latencyReport{}, err
	}
	body, status, err := do(client, req)
	if err != nil {
		return latencyReport{}, err
	}
	if status != http.StatusOK {
		return latencyReport{}, fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	var out latencyReport
	if err := sonic.Unmarshal(body, &out); err != nil {
		return latencyReport{}, err
	}
	return out, nil
}

func do(client *http.Client, req *http.Request) ([]byte, int, error) {
	res, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, res.StatusCode, err
	}
	return body, res.StatusCode, nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(ctx context.Context, conn *websocket.Conn, events chan<- wsEvent, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		at := time.Now()
		var env wsEnvelope
		if err := sonic.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case events <- wsEvent{env: env, at: at}:
		case <-ctx.Done():
			return
		}
	}
}

func awaitTurnEnd(ctx context.Context, tracker *turnTracker, events <-chan wsEvent, readErrCh <-chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			if tracker.observe(ev.env, ev.at) {
				return nil
			}
		case err := <-readErrCh:
			return err
		case <-timer.C:
			return fmt.Errorf("timeout after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// turnResult holds client-side latencies measured from the moment the
// user_text left the client. Zero means the event never arrived.
type turnResult struct {
	Index         int
	Text          string
	TurnID        string
	FirstText     time.Duration
	FirstSentence time.Duration
	FirstAudio    time.Duration
	FirstWord     time.Duration
	Total         time.Duration
	Sentences     int
	Clips         int
	Reason        string
	Errors        []string
}

type turnTracker struct {
	sent   time.Time
	result turnResult
}

func newTurnTracker(index int, text string, sent time.Time) *turnTracker {
	return &turnTracker{sent: sent, result: turnResult{Index: index, Text: text}}
}

// observe folds one server event into the result and reports whether the
// turn is over. Events of other turns are ignored; the turn id is learned
// from the first "sending" state after the send.
func (t *turnTracker) observe(env wsEnvelope, at time.Time) bool {
	if env.TurnID != "" {
		switch {
		case t.result.TurnID == "" && env.Type == string(protocol.TypeTurnState) && env.State == string(chat.StateSending):
			t.result.TurnID = env.TurnID
		case env.TurnID != t.result.TurnID:
			return false
		}
	}
	elapsed := at.Sub(t.sent)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	first := func(d *time.Duration) {
		if *d == 0 {
			*d = elapsed
		}
	}

	switch protocol.MessageType(env.Type) {
	case protocol.TypeAssistantText:
		first(&t.result.FirstText)
	case protocol.TypeAssistantSentence:
		first(&t.result.FirstSentence)
		t.result.Sentences++
	case protocol.TypeAssistantAudio, protocol.TypeSpeakNative:
		first(&t.result.FirstAudio)
		t.result.Clips++
	case protocol.TypeTranscriptWord:
		first(&t.result.FirstWord)
	case protocol.TypeErrorEvent:
		t.result.Errors = append(t.result.Errors, env.Code)
		if t.result.TurnID == "" && env.Code == "turn_rejected" {
			t.result.Total = elapsed
			t.result.Reason = "rejected"
			return true
		}
	case protocol.TypeAssistantTurnEnd:
		if t.result.TurnID == "" {
			return false
		}
		t.result.Total = elapsed
		t.result.Reason = env.Reason
		return true
	}
	return false
}

func printResults(w io.Writer, results []turnResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TURN\tFIRST_TEXT\tFIRST_SENTENCE\tFIRST_AUDIO\tFIRST_WORD\tTOTAL\tSENTENCES\tREASON\tERRORS")
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Index, fmtMS(r.FirstText), fmtMS(r.FirstSentence), fmtMS(r.FirstAudio),
			fmtMS(r.FirstWord), fmtMS(r.Total), r.Sentences, r.Reason, strings.Join(r.Errors, ","))
	}
	_ = tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tN\tP50\tMAX")
	for _, m := range []struct {
		name string
		pick func(turnResult) time.Duration
	}{
		{"first_text", func(r turnResult) time.Duration { return r.FirstText }},
		{"first_sentence", func(r turnResult) time.Duration { return r.FirstSentence }},
		{"first_audio", func(r turnResult) time.Duration { return r.FirstAudio }},
		{"first_word", func(r turnResult) time.Duration { return r.FirstWord }},
		{"total", func(r turnResult) time.Duration { return r.Total }},
	} {
		n, p50, slowest := summarize(results, m.pick)
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", m.name, n, fmtMS(p50), fmtMS(slowest))
	}
	_ = tw.Flush()
}

func printReport(w io.Writer, report latencyReport) {
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER_LABEL\tCOUNT\tMEAN_MS\tMAX_MS")
	for _, st := range report.Summary {
		fmt.Fprintf(tw, "%s\t%d\t%.1f\t%.1f\n", st.Name, st.Count, st.MeanMS, st.MaxMS)
	}
	_ = tw.Flush()

	if len(report.Stages.Stages) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSAMPLES\tP50_MS\tP95_MS\tTARGET_P95_MS")
	for _, st := range report.Stages.Stages {
		fmt.Fprintf(tw, "%s\t%d\t%.1f\t%.1f\t%.0f\n", st.Stage, st.Samples, st.P50MS, st.P95MS, st.TargetP95MS)
	}
	_ = tw.Flush()
}

// summarize returns the count, median and max of the non-zero samples.
func summarize(results []turnResult, pick func(turnResult) time.Duration) (int, time.Duration, time.Duration) {
	var samples []time.Duration
	for _, r := range results {
		if d := pick(r); d > 0 {
			samples = append(samples, d)
		}
	}
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return len(samples), samples[(len(samples)-1)/2], samples[len(samples)-1]
}

func fmtMS(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1fms", float64(d.Microseconds())/1000)
}
