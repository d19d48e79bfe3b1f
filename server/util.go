package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// getUpgrader creates a WebSocket upgrader with origin checking from config
func (s *Server) getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// No origin header means a direct (non-browser) client
			if origin == "" {
				return true
			}
			return s.originAllowed(origin)
		},
	}
}

// originAllowed validates an Origin header against configured allowed
// origins. Prefix matching allows any port number on an allowed host.
func (s *Server) originAllowed(origin string) bool {
	allowed := s.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}
	for _, a := range allowed {
		if strings.HasPrefix(origin, a) {
			return true
		}
	}
	return false
}
