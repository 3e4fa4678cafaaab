package server

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/jackc/pglogrepl"

	"github.com/vibestack/syncd/internal/transport"
	"github.com/vibestack/syncd/pkg/lsn"
)

// handleSync accepts a streaming client on GET /sync?clientId=...&lsn=...
// and runs its session until the connection ends. The lsn parameter is the
// client's last known position; replay never rewinds past the persisted
// cursor regardless of what the client asks for.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		writeErr(w, http.StatusBadRequest, errValidation, "clientId is required")
		return
	}

	var requested pglogrepl.LSN
	if raw := r.URL.Query().Get("lsn"); raw != "" {
		v, err := lsn.Parse(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, errValidation, "malformed lsn")
			return
		}
		requested = v
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow cross-origin for dev.
	})
	if err != nil {
		s.logger.Err(err).Str("client", clientID).Msg("ws accept")
		return
	}
	conn.SetReadLimit(4 * 1024 * 1024)

	sess, err := s.dispatcher.Register(r.Context(), clientID, requested, transport.NewWSConn(conn))
	if err != nil {
		s.logger.Err(err).Str("client", clientID).Msg("session register")
		conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}

	sess.Run(r.Context())
}
