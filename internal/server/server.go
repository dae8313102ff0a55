// Package server exposes the multiplexing proxy over WebSocket plus the
// DevTools discovery endpoints (/json/version, /json/list, ...).
package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hostview/cdpmux/internal/events"
	"github.com/hostview/cdpmux/internal/proxy"
	"github.com/hostview/cdpmux/internal/target"
)

// AuthHeader carries the token required for non-loopback requests.
const AuthHeader = "x-cdpmux-token"

const shutdownTimeout = 5 * time.Second

// Options configures the server.
type Options struct {
	Host string
	Port int
	// AuthToken protects the /json endpoints and the CDP socket. Generated
	// when empty.
	AuthToken      string
	Version        proxy.Version
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

// Server hosts at most one external CDP client over the shared provider.
type Server struct {
	mu sync.Mutex

	opts     Options
	provider target.Provider
	bus      *events.Subject
	upgrader websocket.Upgrader

	httpServer *http.Server
	client     *client
	stopped    bool
	logger     *slog.Logger
}

type client struct {
	id     string
	ws     *websocket.Conn
	proxy  *proxy.Proxy
	sub    events.Subscription
	cancel context.CancelFunc
}

func New(provider target.Provider, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AuthToken == "" {
		tokenBytes := make([]byte, 32)
		if _, err := rand.Read(tokenBytes); err != nil {
			return nil, err
		}
		opts.AuthToken = base64.URLEncoding.EncodeToString(tokenBytes)
	}
	if opts.Version == (proxy.Version{}) {
		opts.Version = proxy.DefaultVersion()
	}

	return &Server{
		opts:     opts,
		provider: provider,
		// Sync delivery serializes all WebSocket writes in the bus's single
		// delivery goroutine, preserving response/event order.
		bus:    events.NewSubject(events.WithSyncDelivery(), events.WithBufferSize(256), events.WithLogger(opts.Logger)),
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if u, err := url.Parse(origin); err == nil && isLoopbackHost(u.Hostname()) {
					return true
				}
				return false
			},
		},
	}, nil
}

// Handler returns the route tree, mountable on an existing server.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Get("/", s.handleRoot)
	router.Head("/", s.handleRoot)
	router.Get("/status", s.handleStatus)
	router.Get("/json/version", s.handleJSONVersion)
	router.Get("/json", s.handleJSONList)
	router.Get("/json/list", s.handleJSONList)
	router.Get("/json/activate/{targetId}", s.handleJSONActivate)
	router.Get("/json/close/{targetId}", s.handleJSONClose)
	router.HandleFunc("/cdp", s.handleCDP)
	router.HandleFunc("/cdp/browser", s.handleCDPBrowser)
	router.HandleFunc("/cdp/page/{targetId}", s.handleCDPPage)
	return router
}

// Start listens and serves until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("cdp server listening", "addr", addr, "ws_url", s.CDPWebSocketURL())
	if err := srv.Serve(listener); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop disconnects the client, shuts down HTTP, and completes the bus.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	c := s.client
	s.client = nil
	srv := s.httpServer
	s.mu.Unlock()

	if c != nil {
		s.teardownClient(c)
	}
	events.Complete(s.bus)

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}

// AuthToken returns the token required for non-loopback access.
func (s *Server) AuthToken() string { return s.opts.AuthToken }

// CDPWebSocketURL returns the browser-mode WebSocket URL for clients.
func (s *Server) CDPWebSocketURL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d/cdp/browser", s.opts.Port)
}

// ClientConnected reports whether an external CDP client is attached.
func (s *Server) ClientConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

func (s *Server) checkAuth(w http.ResponseWriter, req *http.Request) bool {
	remoteIP := req.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}

	token := req.Header.Get(AuthHeader)
	if isLoopbackIP(remoteIP) {
		// Loopback: allow if token is empty or matches.
		if token == "" || token == s.opts.AuthToken {
			return true
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}

	if token != s.opts.AuthToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func isLoopbackHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	return h == "localhost" || h == "127.0.0.1" || h == "0.0.0.0" ||
		h == "[::1]" || h == "::1" || h == "[::]" || h == "::"
}

func isLoopbackIP(ip string) bool {
	if ip == "127.0.0.1" || strings.HasPrefix(ip, "127.") {
		return true
	}
	if ip == "::1" || strings.HasPrefix(ip, "::ffff:127.") {
		return true
	}
	return false
}
