package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"meshtrust/internal/debuglog"
)

var ErrPublicBind = errors.New("admin address must be loopback")

// Options configures the operator endpoint. Metrics is mounted at /metrics,
// Status at /status. pprof is mounted when MESHTRUST_PPROF=1.
type Options struct {
	Addr        string
	AllowPublic bool
	Metrics     http.Handler
	Status      http.Handler
	Logger      *slog.Logger
}

type Server struct {
	srv *http.Server
	ln  net.Listener
	log *slog.Logger
}

// Start binds the endpoint. It refuses non-loopback addresses unless
// AllowPublic or MESHTRUST_ADMIN_ALLOW_PUBLIC=1.
func Start(opts Options) (*Server, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, nil
	}
	allowPublic := opts.AllowPublic || strings.TrimSpace(os.Getenv("MESHTRUST_ADMIN_ALLOW_PUBLIC")) == "1"
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("%w: %s", ErrPublicBind, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen failed: %w", err)
	}
	s := &Server{
		ln:  ln,
		log: debuglog.OrDiscard(opts.Logger),
		srv: &http.Server{
			Handler:           mux(opts),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	s.log.Info("admin endpoint enabled", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin endpoint stopped", "err", err)
		}
	}()
	return s, nil
}

func mux(opts Options) *http.ServeMux {
	m := http.NewServeMux()
	if opts.Metrics != nil {
		m.Handle("/metrics", opts.Metrics)
	}
	if opts.Status != nil {
		m.Handle("/status", opts.Status)
	}
	if strings.TrimSpace(os.Getenv("MESHTRUST_PPROF")) == "1" {
		m.HandleFunc("/debug/pprof/", pprof.Index)
		m.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		m.HandleFunc("/debug/pprof/profile", pprof.Profile)
		m.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		m.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return m
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
