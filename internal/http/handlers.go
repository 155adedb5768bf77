// Package httpapi implements the operational HTTP surface that rides
// alongside the WebSocket listener: the health probe, a Prometheus text
// metrics page, and a rate-limited export of the in-memory history ring.
package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/taranbis/digital-twin/internal/history"
	"github.com/taranbis/digital-twin/internal/logging"
	"github.com/taranbis/digital-twin/internal/protocol"
	"github.com/taranbis/digital-twin/internal/simulation"
)

// SessionCounter reports how many dashboard clients are currently connected.
type SessionCounter interface {
	Len() int
}

// EngineStats reports the engine's live telemetry for the /metrics page.
type EngineStats interface {
	Snapshot() protocol.StatePayload
}

// RateLimiter gates how frequently a sensitive operation may be invoked.
type RateLimiter interface {
	Allow() bool
	Remaining() int
}

// Options configures a HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Sessions    SessionCounter
	Engine      EngineStats
	TickMonitor *simulation.TickMonitor
	History     *history.Ring
	RateLimiter RateLimiter
	StartedAt   time.Time
	TimeSource  func() time.Time
}

// HandlerSet bundles the server's operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	sessions    SessionCounter
	engine      EngineStats
	tickMonitor *simulation.TickMonitor
	history     *history.Ring
	rateLimiter RateLimiter
	startedAt   time.Time
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	startedAt := opts.StartedAt
	if startedAt.IsZero() {
		startedAt = now()
	}
	return &HandlerSet{
		logger:      logger,
		sessions:    opts.Sessions,
		engine:      opts.Engine,
		tickMonitor: opts.TickMonitor,
		history:     opts.History,
		rateLimiter: opts.RateLimiter,
		startedAt:   startedAt,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/health", h.HealthHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/history", h.HistoryHandler())
}

// HealthHandler matches the original backend's plain-text health probe:
// 200 OK, body "ok", with the same server identity and CORS headers so
// existing dashboard clients see no contract change.
func (h *HandlerSet) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "DigitalTwin/1.0")
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// MetricsHandler emits Prometheus-compatible text metrics for the current
// session count, tick timing, and live mechanism state.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		clients := 0
		if h.sessions != nil {
			clients = h.sessions.Len()
		}
		fmt.Fprintf(w, "# HELP twin_clients Current connected dashboard clients.\n")
		fmt.Fprintf(w, "# TYPE twin_clients gauge\n")
		fmt.Fprintf(w, "twin_clients %d\n", clients)

		fmt.Fprintf(w, "# HELP twin_uptime_seconds Server uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE twin_uptime_seconds gauge\n")
		fmt.Fprintf(w, "twin_uptime_seconds %.0f\n", h.now().Sub(h.startedAt).Seconds())

		if h.tickMonitor != nil {
			snap := h.tickMonitor.Snapshot()
			fmt.Fprintf(w, "# HELP twin_tick_fps Average tick rate observed by the tick driver.\n")
			fmt.Fprintf(w, "# TYPE twin_tick_fps gauge\n")
			fmt.Fprintf(w, "twin_tick_fps %.2f\n", snap.AverageFPS())
			fmt.Fprintf(w, "# HELP twin_tick_max_seconds Worst observed tick duration.\n")
			fmt.Fprintf(w, "# TYPE twin_tick_max_seconds gauge\n")
			fmt.Fprintf(w, "twin_tick_max_seconds %.6f\n", snap.Max.Seconds())
		}

		if h.engine != nil {
			state := h.engine.Snapshot()
			fmt.Fprintf(w, "# HELP twin_rpm Current mechanism RPM.\n")
			fmt.Fprintf(w, "# TYPE twin_rpm gauge\n")
			fmt.Fprintf(w, "twin_rpm %.2f\n", state.Rpm)
			fmt.Fprintf(w, "# HELP twin_stress_factor Normalized centrifugal stress, 0 to 1.\n")
			fmt.Fprintf(w, "# TYPE twin_stress_factor gauge\n")
			fmt.Fprintf(w, "twin_stress_factor %.6f\n", state.StressFactor)
		}
	}
}

// HistoryHandler exports the in-memory history ring as a JSON array of
// StatePayload samples, oldest first. It never touches disk — the ring is
// read in place and serialized directly into the response — so it carries
// no durable telemetry storage. Supports optional "?format=snappy" and
// "?format=zstd" compression of the JSON body, and is gated by the
// configured RateLimiter.
func (h *HandlerSet) HistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.rateLimiter != nil {
			allowed := h.rateLimiter.Allow()
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(h.rateLimiter.Remaining()))
			if !allowed {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
		}
		if h.history == nil {
			writeJSON(w, http.StatusOK, []protocol.StatePayload{})
			return
		}

		samples := make([]protocol.StatePayload, 0, h.history.Size())
		h.history.ForEach(func(sample protocol.StatePayload, index int) {
			samples = append(samples, sample)
		})

		body, err := json.Marshal(samples)
		if err != nil {
			h.logger.Error("history export marshal failed", logging.Error(err))
			http.Error(w, "failed to export history", http.StatusInternalServerError)
			return
		}

		switch r.URL.Query().Get("format") {
		case "snappy":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Encoding", "snappy")
			_, _ = w.Write(snappy.Encode(nil, body))
		case "zstd":
			encoded, err := encodeZstd(body)
			if err != nil {
				h.logger.Error("history export zstd encode failed", logging.Error(err))
				http.Error(w, "failed to export history", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Encoding", "zstd")
			_, _ = w.Write(encoded)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(body)
		}
	}
}

func encodeZstd(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(body); err != nil {
		_ = enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
