package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router wraps the standard library mux; the API surface is small enough
// that a third-party router buys nothing.
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Register wires the full API surface.
func (r *Router) Register(h *Handlers) {
	r.mux.HandleFunc("/api/devices", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Devices(w, req)
	})

	r.mux.HandleFunc("/api/samples/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		deviceID := strings.TrimPrefix(req.URL.Path, "/api/samples/")
		if deviceID == "" || strings.Contains(deviceID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.Samples(w, req, deviceID)
	})

	r.mux.HandleFunc("/api/runs/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		deviceID := strings.TrimPrefix(req.URL.Path, "/api/runs/")
		if deviceID == "" || strings.Contains(deviceID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.Runs(w, req, deviceID)
	})

	r.mux.HandleFunc("/api/control/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		deviceID := strings.TrimPrefix(req.URL.Path, "/api/control/")
		if deviceID == "" || strings.Contains(deviceID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.Control(w, req, deviceID)
	})

	r.mux.HandleFunc("/api/session/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/api/session/")
		deviceID, action := rest, ""
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			deviceID, action = rest[:i], rest[i+1:]
		}
		if deviceID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch {
		case action == "" && req.Method == http.MethodGet:
			h.SessionStatus(w, req, deviceID)
		case action == "start" && req.Method == http.MethodPost:
			h.SessionStart(w, req, deviceID)
		case action == "stop" && req.Method == http.MethodPost:
			h.SessionStop(w, req, deviceID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	r.mux.HandleFunc("/api/live/recent", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.LiveRecent(w, req)
	})

	r.mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		h.Health(w, req)
	})
}
