package api

import (
	"fmt"
	"net/http"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/api/middleware"
	ws "github.com/Trustflow-Network-Labs/settlement-node/internal/api/websocket"
)

// handleWebSocket subscribes a client to settlement events. An admin token
// in ?token= receives every event, otherwise ?user_id= selects one user.
func (s *APIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	userID := query.Get("user_id")

	if token := query.Get("token"); token != "" {
		claims, err := s.jwtManager.ValidateToken(token)
		if err != nil || claims.Role != middleware.RoleAdmin {
			s.logger.Warn(fmt.Sprintf("WebSocket authentication failed: %v", err), "api")
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}
		userID = ""
	} else if userID == "" {
		http.Error(w, "user_id or an admin token is required", http.StatusBadRequest)
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(fmt.Sprintf("WebSocket upgrade failed: %v", err), "api")
		return
	}

	client := ws.NewClient(conn, s.services.Hub, userID)
	if !s.services.Hub.RegisterClient(client) {
		conn.Close()
		return
	}

	client.Start()
}
