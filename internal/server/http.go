package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const listInfoTimeout = 5 * time.Second

func (s *Server) handleRoot(w http.ResponseWriter, req *http.Request) {
	w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"connected": s.ClientConnected(),
		"port":      s.opts.Port,
		"targets":   len(s.provider.Targets()),
	})
}

func (s *Server) handleJSONVersion(w http.ResponseWriter, req *http.Request) {
	if !s.checkAuth(w, req) {
		return
	}

	payload := map[string]any{
		"Browser":              s.opts.Version.Product,
		"Protocol-Version":     s.opts.Version.ProtocolVersion,
		"User-Agent":           s.opts.Version.UserAgent,
		"V8-Version":           s.opts.Version.JSVersion,
		"webSocketDebuggerUrl": s.CDPWebSocketURL(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleJSONList(w http.ResponseWriter, req *http.Request) {
	if !s.checkAuth(w, req) {
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), listInfoTimeout)
	defer cancel()

	list := make([]map[string]string, 0)
	for _, h := range s.provider.Targets() {
		info, err := h.Info(ctx)
		if err != nil {
			s.logger.Debug("target info fetch failed", "target_id", h.TargetID(), "error", err)
			continue
		}
		list = append(list, map[string]string{
			"id":                   info.TargetID,
			"type":                 info.Type,
			"title":                info.Title,
			"url":                  info.URL,
			"webSocketDebuggerUrl": s.pageWebSocketURL(info.TargetID),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

func (s *Server) handleJSONActivate(w http.ResponseWriter, req *http.Request) {
	if !s.checkAuth(w, req) {
		return
	}
	targetID := chi.URLParam(req, "targetId")
	if targetID == "" {
		http.Error(w, "targetId required", http.StatusBadRequest)
		return
	}
	// Activation is a no-op: the host controls view focus.
	w.Write([]byte("OK"))
}

func (s *Server) handleJSONClose(w http.ResponseWriter, req *http.Request) {
	if !s.checkAuth(w, req) {
		return
	}
	targetID := chi.URLParam(req, "targetId")
	if targetID == "" {
		http.Error(w, "targetId required", http.StatusBadRequest)
		return
	}

	for _, h := range s.provider.Targets() {
		if h.TargetID() == targetID {
			if err := s.provider.Close(req.Context(), h); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Write([]byte("Target is closing"))
			return
		}
	}
	http.Error(w, "No such target id: "+targetID, http.StatusNotFound)
}

func (s *Server) pageWebSocketURL(targetID string) string {
	return fmt.Sprintf("ws://127.0.0.1:%d/cdp/page/%s", s.opts.Port, targetID)
}
