// Package server provides HTTP server construction for htsp-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/htsp-sync/internal/config"
)

// LastSyncer reports when the last complete sync pass finished.
type LastSyncer interface {
	LastSync() time.Time
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys       []config.APIKeyEntry
	MCPHandler http.Handler
	Logger     *slog.Logger

	// Status is optional. When set, /healthz includes the last sync time.
	Status  LastSyncer
	Version string
}

// NewMux builds the HTTP mux with an unauthenticated health endpoint and
// the MCP endpoint behind API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth(cfg.Status, cfg.Version))

	authMiddleware := APIKeyMiddleware(cfg.Keys, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

type healthResponse struct {
	Status   string     `json:"status"`
	Version  string     `json:"version,omitempty"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

func handleHealth(status LastSyncer, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			w.WriteHeader(http.StatusMethodNotAllowed)

			return
		}

		resp := healthResponse{Status: "ok", Version: version}

		if status != nil {
			if t := status.LastSync(); !t.IsZero() {
				resp.LastSync = &t
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
