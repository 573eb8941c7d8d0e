package api

import (
	"net/http"
	"time"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
)

// RewardBody asks for the reward of one finished conversation. Amount is
// in base units of the reward token.
type RewardBody struct {
	UserID             string `json:"user_id" validate:"required,max=128"`
	WalletAddress      string `json:"wallet_address" validate:"required"`
	BaseAmount         int64  `json:"base_amount"`
	ConversationID     string `json:"conversation_id" validate:"required,max=256"`
	ConversationLength int    `json:"conversation_length"`
	// Timestamp is unix seconds, defaults to now
	Timestamp int64 `json:"timestamp" validate:"gte=0"`
}

// RewardResponse is a reward record with explorer links for both transfers
type RewardResponse struct {
	Reward          *payment.RewardTransaction `json:"reward"`
	UserExplorerURL string                     `json:"user_explorer_url,omitempty"`
	BurnExplorerURL string                     `json:"burn_explorer_url,omitempty"`
}

// handleReward pays a conversation reward. Amount and length checks are left
// to the engine so they keep their order.
func (s *APIServer) handleReward(w http.ResponseWriter, r *http.Request) {
	var body RewardBody
	if err := s.decodeBody(w, r, &body); err != nil {
		s.sendServiceError(w, err)
		return
	}

	timestamp := time.Now().UTC()
	if body.Timestamp > 0 {
		timestamp = time.Unix(body.Timestamp, 0).UTC()
	}

	record, err := s.services.Rewards.Reward(r.Context(), payment.RewardRequest{
		UserID:             body.UserID,
		WalletAddress:      body.WalletAddress,
		BaseAmount:         body.BaseAmount,
		ConversationID:     body.ConversationID,
		ConversationLength: body.ConversationLength,
		Timestamp:          timestamp,
	})
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, s.rewardResponse(record))
}

// handleGetReward returns the reward paid for a conversation
func (s *APIServer) handleGetReward(w http.ResponseWriter, r *http.Request) {
	record, err := s.services.Rewards.Lookup(r.Context(), r.PathValue("conversation_id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, s.rewardResponse(record))
}

// handleListUserRewards returns a user's rewards, newest first
func (s *APIServer) handleListUserRewards(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	records, err := s.services.Rewards.ListByUser(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	response := make([]RewardResponse, 0, len(records))
	for _, record := range records {
		response = append(response, s.rewardResponse(record))
	}
	s.sendJSON(w, http.StatusOK, response)
}

func (s *APIServer) rewardResponse(record *payment.RewardTransaction) RewardResponse {
	resp := RewardResponse{Reward: record}
	if record.UserTxRef != "" {
		resp.UserExplorerURL = s.explorerURL(record.NetworkID, payment.TxRef(record.UserTxRef))
	}
	if record.BurnTxRef != "" {
		resp.BurnExplorerURL = s.explorerURL(record.NetworkID, payment.TxRef(record.BurnTxRef))
	}
	return resp
}
