// Package admin serves the bridge's operator HTTP surface: a JSON status
// API, tsweb debug pages with parameter charts, and a gRPC health service.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/facebridge/internal/console"
	"github.com/banshee-data/facebridge/internal/health"
	"github.com/banshee-data/facebridge/internal/monitoring"
	"github.com/banshee-data/facebridge/internal/rules"
	"github.com/banshee-data/facebridge/internal/version"
)

// RouteAttacher adds its own pages to the debug handler.
type RouteAttacher interface {
	AttachAdminRoutes(debug *tsweb.DebugHandler) error
}

// Config contains configuration options for the admin server.
type Config struct {
	Status    func() console.Status
	History   *History
	Attachers []RouteAttacher
}

// Server is the admin HTTP server.
type Server struct {
	cfg Config
}

func NewServer(cfg Config) *Server {
	if cfg.History == nil {
		cfg.History = NewHistory(0)
	}
	if cfg.Status == nil {
		cfg.Status = func() console.Status { return console.Status{Time: time.Now()} }
	}
	return &Server{cfg: cfg}
}

// StatusResponse is the body of /api/status.
type StatusResponse struct {
	Time       time.Time         `json:"time"`
	Version    string            `json:"version"`
	Pipeline   string            `json:"pipeline"`
	RulesPath  string            `json:"rules_path"`
	Healthy    bool              `json:"healthy"`
	Services   []health.Snapshot `json:"services"`
	Parameters []rules.Parameter `json:"parameters"`
}

// Handler builds the admin routes.
func (s *Server) Handler() (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)

	debug := tsweb.Debugger(mux)
	debug.KV("Bridge", version.String())
	debug.KVFunc("Pipeline", func() any { return s.cfg.Status().Pipeline })
	debug.Handle("status", "Bridge status", http.HandlerFunc(s.handleStatusText))
	debug.Handle("params", "Forwarded parameter history (chart)", http.HandlerFunc(s.handleParamsChart))
	debug.Handle("params.png", "Forwarded parameter history (PNG)", http.HandlerFunc(s.handleParamsPNG))

	for _, a := range s.cfg.Attachers {
		if err := a.AttachAdminRoutes(debug); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	st := s.cfg.Status()
	services := []health.Snapshot{st.Tracking, st.Sink, st.Engine}
	healthy := true
	for _, snap := range services {
		healthy = healthy && snap.IsHealthy
	}
	params := st.Parameters
	if params == nil {
		params = []rules.Parameter{}
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Time:       st.Time,
		Version:    version.Version,
		Pipeline:   st.Pipeline,
		RulesPath:  st.RulesPath,
		Healthy:    healthy,
		Services:   services,
		Parameters: params,
	})
}

func (s *Server) handleStatusText(w http.ResponseWriter, r *http.Request) {
	f := console.Formatter{Settings: console.Settings{Tracking: console.Detailed, Sink: console.Detailed}}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(w, f.Format(s.cfg.Status()))
}

// ListenAndServe serves the admin routes on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves the admin routes on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	h, err := s.Handler()
	if err != nil {
		lis.Close()
		return err
	}
	server := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		monitoring.Diagf("Admin server listening on %s", lis.Addr())
		errCh <- server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Opsf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Opsf("HTTP server force close error: %v", err)
		}
	}
	return nil
}
