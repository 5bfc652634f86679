package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trustfabric/exchange-engine/internal/invite"
)

func (s *Server) handleInviteResponse(w http.ResponseWriter, r *http.Request) {
	wf, workflowIDLocal, err := s.loadWorkflow(r)
	if err != nil {
		writeVCAPIError(w, err)
		return
	}

	var req invite.Request
	if err := readJSON(r, &req); err != nil {
		writeVCAPIError(w, err)
		return
	}

	resp, err := s.Invite.HandleResponse(r.Context(), wf, workflowIDLocal, mux.Vars(r)["exchangeId"], req)
	if err != nil {
		writeVCAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
