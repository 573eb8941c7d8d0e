package api

import (
	"errors"
	"net/http"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
)

// CreatePaymentRequest opens a subscription payment. The price is never
// taken from the caller.
type CreatePaymentRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
	Plan   string `json:"plan" validate:"required,oneof=pro premium"`
}

// SubmitPaymentRequest asks the node to send the transfer from a wallet it
// holds a signer for. Amount, when given, is the human amount the client
// displayed and must match the server price.
type SubmitPaymentRequest struct {
	NetworkID   string `json:"network_id" validate:"required"`
	UserAddress string `json:"user_address"`
	Amount      string `json:"amount" validate:"omitempty,number"`
}

// AttachTransactionRequest records a transfer the client broadcast itself
type AttachTransactionRequest struct {
	NetworkID string `json:"network_id" validate:"required"`
	TxRef     string `json:"tx_ref" validate:"required,max=256"`
}

// PaymentResponse is a payment request with its explorer link
type PaymentResponse struct {
	Payment     *payment.PaymentRequest `json:"payment"`
	ExplorerURL string                  `json:"explorer_url,omitempty"`
}

// SubmitResponse is returned after a transfer was sent
type SubmitResponse struct {
	RequestID   string        `json:"request_id"`
	TxRef       payment.TxRef `json:"tx_ref"`
	ExplorerURL string        `json:"explorer_url,omitempty"`
}

// ConfirmResponse reports the outcome of a confirmation attempt
type ConfirmResponse struct {
	RequestID  string                          `json:"request_id"`
	Status     string                          `json:"status"`
	Activation *payment.SubscriptionActivation `json:"activation,omitempty"`
}

// handleCreatePayment opens a new payment request
func (s *APIServer) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var body CreatePaymentRequest
	if err := s.decodeBody(w, r, &body); err != nil {
		s.sendServiceError(w, err)
		return
	}

	plan, err := payment.ParsePlan(body.Plan)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	req, err := s.services.Payments.Create(r.Context(), body.UserID, plan)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusCreated, PaymentResponse{Payment: req})
}

// handleGetPayment returns one payment request
func (s *APIServer) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	req, err := s.services.Payments.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, s.paymentResponse(req))
}

// handleSubmitPayment sends the transfer for a payment request
func (s *APIServer) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	var body SubmitPaymentRequest
	if err := s.decodeBody(w, r, &body); err != nil {
		s.sendServiceError(w, err)
		return
	}

	var opts []payment.SubmitOption
	if body.Amount != "" {
		network, err := s.services.Catalog.Describe(body.NetworkID)
		if err != nil {
			s.sendServiceError(w, err)
			return
		}
		claimed, err := payment.ParseAmount(body.Amount, network.AssetDecimals)
		if err != nil {
			s.sendServiceError(w, err)
			return
		}
		opts = append(opts, payment.WithClaimedAmount(claimed))
	}

	requestID := r.PathValue("id")
	ref, err := s.services.Payments.Submit(r.Context(), requestID, body.NetworkID, body.UserAddress, opts...)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusAccepted, SubmitResponse{
		RequestID:   requestID,
		TxRef:       ref,
		ExplorerURL: s.explorerURL(body.NetworkID, ref),
	})
}

// handleAttachTransaction records an externally signed transfer
func (s *APIServer) handleAttachTransaction(w http.ResponseWriter, r *http.Request) {
	var body AttachTransactionRequest
	if err := s.decodeBody(w, r, &body); err != nil {
		s.sendServiceError(w, err)
		return
	}

	requestID := r.PathValue("id")
	ref := payment.TxRef(body.TxRef)
	if err := s.services.Payments.AttachTransaction(r.Context(), requestID, body.NetworkID, ref); err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusAccepted, SubmitResponse{
		RequestID:   requestID,
		TxRef:       ref,
		ExplorerURL: s.explorerURL(body.NetworkID, ref),
	})
}

// handleConfirmPayment verifies the attached transfer. A transfer that is
// not final yet answers 202 so the client polls again.
func (s *APIServer) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")

	activation, err := s.services.Payments.Confirm(r.Context(), requestID)
	if errors.Is(err, payment.ErrNotYetFinal) {
		s.sendJSON(w, http.StatusAccepted, ConfirmResponse{RequestID: requestID, Status: payment.NotYetFinal.String()})
		return
	}
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, ConfirmResponse{
		RequestID:  requestID,
		Status:     payment.Verified.String(),
		Activation: activation,
	})
}

// handleListUserPayments returns a user's payment history, newest first
func (s *APIServer) handleListUserPayments(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	requests, err := s.services.Payments.ListByUser(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	response := make([]PaymentResponse, 0, len(requests))
	for _, req := range requests {
		response = append(response, s.paymentResponse(req))
	}
	s.sendJSON(w, http.StatusOK, response)
}

// handleGetSubscription returns the user's active plan
func (s *APIServer) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")

	sub, err := s.services.Subscriptions.Subscription(r.Context(), userID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	if sub == nil {
		s.sendJSON(w, http.StatusOK, map[string]string{"user_id": userID, "plan": string(payment.PlanFree)})
		return
	}
	s.sendJSON(w, http.StatusOK, sub)
}

func (s *APIServer) paymentResponse(req *payment.PaymentRequest) PaymentResponse {
	resp := PaymentResponse{Payment: req}
	if req.TxRef != "" {
		resp.ExplorerURL = s.explorerURL(req.NetworkID, payment.TxRef(req.TxRef))
	}
	return resp
}

func (s *APIServer) explorerURL(networkID string, ref payment.TxRef) string {
	if s.services.Adapters == nil {
		return ""
	}
	_, adapter, err := s.services.Adapters.Resolve(networkID)
	if err != nil {
		return ""
	}
	return adapter.BlockExplorerURL(ref)
}
