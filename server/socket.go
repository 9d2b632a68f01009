package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/kilnworks/kiln/logger"
)

// handleSocket authenticates, upgrades, and hands the connection to the
// hub. Auth happens before the upgrade so rejected dials get a plain 401.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no origin.
			return origin == "" || s.originAllowed(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debugw("Socket upgrade rejected", logger.FieldError, err)
		return
	}

	client := newClient(s.hub, s.store, conn, user, s.log)
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}
