package server

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ordsync/internal/server/middleware"
	"ordsync/internal/transport"
)

// Stats is what /debug/stats reports. The station simulator satisfies it.
type Stats interface {
	Frames() int
	Sessions() int
}

func NewMux(h *transport.Handlers, stats Stats) http.Handler {
	mux := http.NewServeMux()

	// Frame transports
	mux.HandleFunc(transport.FramePath, h.HandleFrame)
	mux.HandleFunc(transport.WebSocketPath, h.HandleWS)
	mux.Handle(h.ConnectHandler())

	// Ops
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if stats != nil {
		mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]int{
				"frames":   stats.Frames(),
				"sessions": stats.Sessions(),
			})
		})
	}

	return middleware.CORS(mux)
}
