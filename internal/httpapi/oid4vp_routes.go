package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trustfabric/exchange-engine/internal/oid4vp"
)

func (s *Server) handleOID4VPAuthorizationRequest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	wf, workflowIDLocal, err := s.loadWorkflow(r)
	if err != nil {
		writeOIDError(w, err)
		return
	}

	authReq, err := s.OID4VP.GetAuthorizationRequest(r.Context(), wf, workflowIDLocal, vars["exchangeId"], vars["clientProfileId"])
	if err != nil {
		writeOIDError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/oauth-authz-req+jwt")
	writeJSON(w, http.StatusOK, authReq)
}

func (s *Server) handleOID4VPAuthorizationResponse(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	wf, workflowIDLocal, err := s.loadWorkflow(r)
	if err != nil {
		writeOIDError(w, err)
		return
	}

	body := oid4vp.AuthorizationResponse{}
	if err := r.ParseForm(); err != nil {
		writeOIDError(w, err)
		return
	}
	if response := r.FormValue("response"); response != "" {
		body.Response = response
	} else {
		body.VPToken = r.FormValue("vp_token")
		body.PresentationSubmission = r.FormValue("presentation_submission")
		body.State = r.FormValue("state")
	}

	result, err := s.OID4VP.ProcessAuthorizationResponse(r.Context(), wf, workflowIDLocal, vars["exchangeId"], vars["clientProfileId"], body)
	if err != nil {
		writeOIDError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
