package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hostview/cdpmux/internal/cdp"
	"github.com/hostview/cdpmux/internal/events"
	"github.com/hostview/cdpmux/internal/proxy"
)

// handleCDP accepts a bare root connection: the client must issue
// Target.attachToBrowserTarget or Target.attachToTarget before page traffic.
func (s *Server) handleCDP(w http.ResponseWriter, req *http.Request) {
	s.serveCDP(w, req, proxy.ModeBare, "")
}

func (s *Server) handleCDPBrowser(w http.ResponseWriter, req *http.Request) {
	s.serveCDP(w, req, proxy.ModeBrowser, "")
}

func (s *Server) handleCDPPage(w http.ResponseWriter, req *http.Request) {
	s.serveCDP(w, req, proxy.ModePage, chi.URLParam(req, "targetId"))
}

func (s *Server) serveCDP(w http.ResponseWriter, req *http.Request, mode proxy.Mode, targetID string) {
	remoteIP := req.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}
	if !isLoopbackIP(remoteIP) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	token := req.Header.Get(AuthHeader)
	if token != "" && token != s.opts.AuthToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		http.Error(w, "Server stopped", http.StatusServiceUnavailable)
		return
	}
	if s.client != nil {
		s.mu.Unlock()
		http.Error(w, "CDP client already connected", http.StatusConflict)
		return
	}
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Debug("cdp upgrade failed", "error", err)
		return
	}

	clientID := uuid.NewString()
	topic := events.ClientTopic(clientID)
	ctx, cancel := context.WithCancel(req.Context())

	p := proxy.New(s.provider, s.bus, topic, proxy.Options{
		Mode:           mode,
		TargetID:       targetID,
		CommandTimeout: s.opts.CommandTimeout,
		Version:        s.opts.Version,
		Logger:         s.logger,
	})

	// The subscription handler runs in the bus's single delivery goroutine,
	// so ws writes are serialized and ordered.
	sub := events.Subscribe[any](s.bus, topic, func(_ context.Context, msg any) error {
		if _, ok := msg.(proxy.CloseNotice); ok {
			return ws.Close()
		}
		return ws.WriteJSON(msg)
	})

	c := &client{id: clientID, ws: ws, proxy: p, sub: sub, cancel: cancel}
	s.mu.Lock()
	if s.client != nil || s.stopped {
		s.mu.Unlock()
		sub.Unsubscribe()
		cancel()
		ws.Close()
		return
	}
	s.client = c
	s.mu.Unlock()

	if err := p.Start(ctx); err != nil {
		s.logger.Warn("proxy start failed", "client_id", clientID, "error", err)
		s.dropClient(c)
		return
	}
	s.logger.Info("cdp client connected", "client_id", clientID)

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			s.logger.Debug("cdp client read error", "client_id", clientID, "error", err)
			break
		}

		var cmd cdp.Request
		if err := json.Unmarshal(message, &cmd); err != nil {
			s.logger.Debug("unparseable cdp frame dropped", "client_id", clientID, "error", err)
			continue
		}
		go s.dispatch(ctx, c, &cmd)
	}

	s.logger.Info("cdp client disconnected", "client_id", clientID)
	s.dropClient(c)
}

// dispatch handles one request and emits its response on the client topic,
// after any events the handler emitted while running.
func (s *Server) dispatch(ctx context.Context, c *client, cmd *cdp.Request) {
	result, err := c.proxy.SendMessage(ctx, cmd.Method, cmd.Params, cmd.SessionID)

	resp := &cdp.Response{ID: cmd.ID, SessionID: cmd.SessionID}
	if err != nil {
		resp.Error = cdp.WrapError(err)
	} else {
		resp.Result = result
	}

	if err := events.Emit[any](s.bus, c.proxy.Topic(), resp); err != nil {
		s.logger.Warn("response emit failed", "client_id", c.id, "error", err)
	}
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	if s.client == c {
		s.client = nil
	}
	s.mu.Unlock()
	s.teardownClient(c)
}

// teardownClient disposes the proxy, which synthesizes detachedFromTarget
// for every live session. Delivery of those final events is best-effort: the
// wire may already be gone.
func (s *Server) teardownClient(c *client) {
	c.cancel()
	c.proxy.Close()
	c.sub.Unsubscribe()
	c.ws.Close()
}
