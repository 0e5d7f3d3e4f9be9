package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dextora/dextora/internal/observability"
	"github.com/dextora/dextora/internal/profiler"
	"github.com/dextora/dextora/internal/protocol"
)

type latencyResponse struct {
	Entries []profiler.Entry            `json:"entries"`
	Summary []profiler.Stat             `json:"summary"`
	Stages  observability.StageSnapshot `json:"stages"`
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	entries := s.prof.Report()
	respondJSON(w, http.StatusOK, latencyResponse{
		Entries: entries,
		Summary: profiler.Summarize(entries),
		Stages:  s.metrics.Stages.Snapshot(),
	})
}

func (s *Server) handleClearPerfLatency(w http.ResponseWriter, _ *http.Request) {
	s.prof.Clear()
	s.metrics.Stages.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// handlePerfLatencyWS streams the profiler log. Every change pushes the full
// list; a slow reader only sees the newest list.
func (s *Server) handlePerfLatencyWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates := make(chan []profiler.Entry, 1)
	push := func(entries []profiler.Entry) {
		for {
			select {
			case updates <- entries:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	}
	unsubscribe := s.prof.Subscribe(push)
	defer unsubscribe()
	push(s.prof.Report())

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case entries := <-updates:
			if entries == nil {
				entries = []profiler.Entry{}
			}
			raw, err := protocol.Encode(protocol.LatencyReport{Type: protocol.TypeLatencyReport, Entries: entries})
			if err != nil {
				s.log.Error().Err(err).Msg("encode latency report")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
			s.metrics.WSMessages.WithLabelValues("outbound", string(protocol.TypeLatencyReport)).Inc()
		}
	}
}
