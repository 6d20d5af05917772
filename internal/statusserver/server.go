package statusserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

// statusResponse is the wire shape of GET /status.
type statusResponse struct {
	ActiveWorkers   []uint64 `json:"activeWorkers"`
	InactiveWorkers []uint64 `json:"inactiveWorkers"`
}

// eventLine is one line of the GET /events stream.
type eventLine struct {
	Event string       `json:"event"`
	Data  MonitorEvent `json:"data"`
}

// Server serves the status/events HTTP surface over a Registry, grounded
// on omni-tokenbridge-monitor's chi-based presenter: a bare chi.Mux with
// request-ID and recoverer middleware, handlers that write JSON directly
// rather than through a templating layer.
type Server struct {
	registry *Registry
	router   chi.Router
	lggr     logger.Logger
}

func NewServer(registry *Registry, lggr logger.Logger) *Server {
	s := &Server{registry: registry, router: chi.NewMux(), lggr: lggr}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/events", s.handleEvents)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving the status surface on addr until the
// listener fails or the process is killed; cmd/relayer runs it in its
// own goroutine alongside the per-chain workers.
func (s *Server) ListenAndServe(addr string) error {
	s.lggr.Infow("statusserver: listening", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, inactive := s.registry.Snapshot()
	resp := statusResponse{
		ActiveWorkers:   toUint64s(active),
		InactiveWorkers: toUint64s(inactive),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.lggr.Warnw("statusserver: failed to encode status response", "error", err)
	}
}

// handleEvents streams MonitorEvents as newline-delimited JSON until the
// client disconnects, flushing after every line so a long-poll or curl
// client sees each event as it is published rather than buffered.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := s.registry.Subscribe()
	defer s.registry.Unsubscribe(ch)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := enc.Encode(eventLine{Event: "monitor", Data: ev}); err != nil {
				s.lggr.Warnw("statusserver: failed to write event line", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func toUint64s[T ~uint64](ids []T) []uint64 {
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = uint64(id)
	}
	return out
}
