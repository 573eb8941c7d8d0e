package api

import (
	"net/http"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
)

// NetworkResponse is a catalog entry plus the plan prices on that network
type NetworkResponse struct {
	payment.NetworkDescriptor
	// Available is false when the node has no adapter for the network
	Available bool              `json:"available"`
	Prices    map[string]string `json:"prices,omitempty"`
}

// handleListNetworks returns the network catalog sorted by id
func (s *APIServer) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	networks := s.services.Catalog.List()
	response := make([]NetworkResponse, 0, len(networks))

	for _, network := range networks {
		resp := NetworkResponse{NetworkDescriptor: network, Prices: make(map[string]string)}
		if s.services.Adapters != nil {
			_, _, err := s.services.Adapters.Resolve(network.ID)
			resp.Available = err == nil
		}

		for _, plan := range []payment.Plan{payment.PlanPro, payment.PlanPremium} {
			cents, err := payment.PriceFor(plan)
			if err != nil {
				continue
			}
			amount, err := payment.CentsToBaseUnits(cents, network.AssetDecimals)
			if err != nil {
				continue
			}
			resp.Prices[string(plan)] = payment.FormatAmount(amount, network.AssetDecimals)
		}

		response = append(response, resp)
	}

	s.sendJSON(w, http.StatusOK, response)
}
