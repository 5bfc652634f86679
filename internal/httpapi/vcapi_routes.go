package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trustfabric/exchange-engine/internal/exchange"
)

type vcapiPostBody struct {
	VerifiablePresentation exchange.JSON `json:"verifiablePresentation,omitempty"`
}

// handleVCAPIPost implements the §6 Exchange POST (VC-API) operation.
func (s *Server) handleVCAPIPost(w http.ResponseWriter, r *http.Request) {
	wf, workflowIDLocal, err := s.loadWorkflow(r)
	if err != nil {
		writeVCAPIError(w, err)
		return
	}
	exchangeID := mux.Vars(r)["exchangeId"]

	var body vcapiPostBody
	if r.ContentLength != 0 {
		if err := readJSON(r, &body); err != nil {
			writeVCAPIError(w, err)
			return
		}
	}

	result, err := s.VCAPI.HandlePost(r.Context(), wf, workflowIDLocal, exchangeID, body.VerifiablePresentation)
	if err != nil {
		writeVCAPIError(w, err)
		return
	}
	if result == nil {
		writeJSON(w, http.StatusOK, exchange.JSON{})
		return
	}
	writeJSON(w, http.StatusOK, result)
}
