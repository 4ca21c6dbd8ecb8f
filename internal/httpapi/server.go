package httpapi

import (
	"context"
	logx "deptnotify/pkg/logx"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// ServerConfig controls the listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address requires AllowInsecure; the API carries the
//     signed-in user's inbox.
type ServerConfig struct {
	Addr          string
	Pprof         bool
	AllowInsecure bool
	// AllowedOrigins are the view origins granted CORS access. Empty means
	// same-origin only.
	AllowedOrigins []string

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

const DefaultAddr = "127.0.0.1:8787"

// Server runs the API on its own listener and can be restarted in place on
// config reload.
type Server struct {
	api *API
	log logx.Logger

	mu       sync.Mutex
	cfg      ServerConfig
	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func NewServer(api *API, cfg ServerConfig) *Server {
	return &Server{api: api, cfg: cfg, log: api.log.With(logx.String("comp", "httpapi.server"))}
}

// Addr is the bound address, empty when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) handler(cfg ServerConfig) http.Handler {
	r := mux.NewRouter()
	if cfg.Pprof {
		p := r.PathPrefix("/debug/pprof").Subrouter()
		p.HandleFunc("/cmdline", hpprof.Cmdline)
		p.HandleFunc("/profile", hpprof.Profile)
		p.HandleFunc("/symbol", hpprof.Symbol)
		p.HandleFunc("/trace", hpprof.Trace)
		p.PathPrefix("/").HandlerFunc(hpprof.Index)
	}
	r.PathPrefix("/").Handler(s.api.Handler(cfg.AllowedOrigins...))
	return r
}

// Start listens and serves in the background. Bind errors are returned.
func (s *Server) Start(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return nil
		}
		// Wait for an in-progress stop to avoid a double listen.
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		cur := s.cfg
		s.mu.Unlock()

		addr := strings.TrimSpace(cur.Addr)
		if addr == "" {
			addr = DefaultAddr
		}
		if !cur.AllowInsecure && !isLoopbackAddr(addr) {
			return fmt.Errorf("httpapi: refusing non-loopback addr %q without allow_insecure", addr)
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("httpapi: listen %s: %w", addr, err)
		}
		srv := &http.Server{
			Handler:           s.handler(cur),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cur.ReadTimeout,
			IdleTimeout:       cur.IdleTimeout,
			// No WriteTimeout: the event stream is long-lived.
		}

		s.mu.Lock()
		s.ln = ln
		s.srv = srv
		s.mu.Unlock()

		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("http server stopped with error", logx.Err(err))
			}
		}()
		s.log.Info("http api started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cur.Pprof))
		return nil
	}
}

// Stop shuts the server down, waiting at most until ctx is done. Open event
// streams are cut when ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("http api stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Reconfigure applies cfg, restarting the listener when it changed.
func (s *Server) Reconfigure(ctx context.Context, cfg ServerConfig) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && reflect.DeepEqual(prev, cfg) {
		return nil
	}
	if running {
		s.Stop(ctx)
	}
	return s.Start(ctx)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
