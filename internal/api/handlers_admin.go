package api

import (
	"fmt"
	"net/http"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/api/middleware"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
)

// ReconcileRequest records an operator's verdict on a fiat checkout
type ReconcileRequest struct {
	RequestID string `json:"request_id" validate:"required"`
	Paid      *bool  `json:"paid" validate:"required"`
}

// ReconcileResponse reports the request state after reconciliation
type ReconcileResponse struct {
	RequestID  string                          `json:"request_id"`
	Status     string                          `json:"status"`
	Activation *payment.SubscriptionActivation `json:"activation,omitempty"`
}

// WalletResponse describes a treasury wallet without key material
type WalletResponse struct {
	WalletID  string                 `json:"wallet_id"`
	Family    payment.ProtocolFamily `json:"family"`
	Address   string                 `json:"address"`
	CreatedAt int64                  `json:"created_at"`
	Balance   *payment.WalletBalance `json:"balance,omitempty"`
}

// handleReconcile settles a fiat payment request
func (s *APIServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var body ReconcileRequest
	if err := s.decodeBody(w, r, &body); err != nil {
		s.sendServiceError(w, err)
		return
	}

	operator := "unknown"
	if claims, err := middleware.GetClaims(r); err == nil {
		operator = claims.Subject
	}

	activation, err := s.services.Payments.Reconcile(r.Context(), body.RequestID, *body.Paid)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.logger.Info(fmt.Sprintf("Operator %s reconciled payment request %s (paid=%t)", operator, body.RequestID, *body.Paid), "api")

	req, err := s.services.Payments.Get(r.Context(), body.RequestID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, ReconcileResponse{
		RequestID:  body.RequestID,
		Status:     req.Status,
		Activation: activation,
	})
}

// handleListWallets lists treasury wallets. With ?network=<id> each wallet
// of that network's family also reports its balance.
func (s *APIServer) handleListWallets(w http.ResponseWriter, r *http.Request) {
	if s.services.Wallets == nil {
		s.sendError(w, "Wallet manager not available", http.StatusServiceUnavailable)
		return
	}

	networkID := r.URL.Query().Get("network")
	var family payment.ProtocolFamily
	if networkID != "" {
		network, err := s.services.Catalog.Describe(networkID)
		if err != nil {
			s.sendServiceError(w, err)
			return
		}
		family = network.Family
	}

	wallets := s.services.Wallets.ListWallets()
	response := make([]WalletResponse, 0, len(wallets))
	for _, wallet := range wallets {
		resp := WalletResponse{
			WalletID:  wallet.ID,
			Family:    wallet.Family,
			Address:   wallet.Address,
			CreatedAt: wallet.CreatedAt,
		}

		if networkID != "" && wallet.Family == family {
			balance, err := s.services.Wallets.GetBalance(r.Context(), wallet.ID, networkID, s.services.Adapters)
			if err != nil {
				s.logger.Warn(fmt.Sprintf("Failed to read balance of wallet %s on %s: %v", wallet.ID, networkID, err), "api")
			} else {
				resp.Balance = balance
			}
		}

		response = append(response, resp)
	}

	s.sendJSON(w, http.StatusOK, response)
}
