package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/trustfabric/exchange-engine/internal/oid4vci"
)

func (s *Server) handleOID4VCIMetadata(w http.ResponseWriter, r *http.Request) {
	wf, workflowIDLocal, err := s.loadWorkflow(r)
	if err != nil {
		writeOIDError(w, err)
		return
	}
	rec, err := s.Exchanges.Get(r.Context(), workflowIDLocal, mux.Vars(r)["exchangeId"], false)
	if err != nil {
		writeOIDError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, oid4vci.Metadata(wf, &rec.Exchange, s.BaseURI))
}

func (s *Server) handleOID4VCIJWKS(w http.ResponseWriter, r *http.Request) {
	_, workflowIDLocal, err := s.loadWorkflow(r)
	if err != nil {
		writeOIDError(w, err)
		return
	}
	rec, err := s.Exchanges.Get(r.Context(), workflowIDLocal, mux.Vars(r)["exchangeId"], false)
	if err != nil {
		writeOIDError(w, err)
		return
	}
	body, err := s.OID4VCI.HandleJWKS(&rec.Exchange)
	if err != nil {
		writeOIDError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleOID4VCIToken(w http.ResponseWriter, r *http.Request) {
	wf, workflowIDLocal, err := s.loadWorkflow(r)
	if err != nil {
		writeOIDError(w, err)
		return
	}
	exchangeID := mux.Vars(r)["exchangeId"]
	rec, err := s.Exchanges.Get(r.Context(), workflowIDLocal, exchangeID, false)
	if err != nil {
		writeOIDError(w, err)
		return
	}

	if err := r.ParseForm(); err != nil {
		writeOIDError(w, err)
		return
	}
	grantType := r.FormValue("grant_type")
	code := r.FormValue("pre-authorized_code")

	resp, err := s.OID4VCI.HandleToken(r.Context(), wf, workflowIDLocal, &rec.Exchange, rec.Meta, grantType, code)
	if err != nil {
		writeOIDError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// credentialRequestBody is the wallet-submitted shape before normalization
// (§4.8: "normalize credential_definition.types → type").
type credentialRequestBody struct {
	Format               string `json:"format"`
	Type                 []string `json:"type,omitempty"`
	CredentialDefinition *struct {
		Types []string `json:"types,omitempty"`
		Type  []string `json:"type,omitempty"`
	} `json:"credential_definition,omitempty"`
	Context []string `json:"@context,omitempty"`
	Proof   *struct {
		JWT string `json:"jwt,omitempty"`
	} `json:"proof,omitempty"`
}

func (b credentialRequestBody) normalize() oid4vci.CredentialRequest {
	types := b.Type
	if b.CredentialDefinition != nil {
		if len(b.CredentialDefinition.Type) > 0 {
			types = b.CredentialDefinition.Type
		} else if len(b.CredentialDefinition.Types) > 0 {
			types = b.CredentialDefinition.Types
		}
	}
	proofJWT := ""
	if b.Proof != nil {
		proofJWT = b.Proof.JWT
	}
	return oid4vci.CredentialRequest{
		Format:   b.Format,
		Type:     types,
		Context:  b.Context,
		ProofJWT: proofJWT,
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	return strings.TrimPrefix(h, "Bearer ")
}

func (s *Server) handleOID4VCICredential(w http.ResponseWriter, r *http.Request) {
	s.handleOID4VCICredentialRequests(w, r, false)
}

func (s *Server) handleOID4VCIBatchCredential(w http.ResponseWriter, r *http.Request) {
	s.handleOID4VCICredentialRequests(w, r, true)
}

func (s *Server) handleOID4VCICredentialRequests(w http.ResponseWriter, r *http.Request, batch bool) {
	wf, workflowIDLocal, err := s.loadWorkflow(r)
	if err != nil {
		writeOIDError(w, err)
		return
	}
	exchangeID := mux.Vars(r)["exchangeId"]
	rec, err := s.Exchanges.Get(r.Context(), workflowIDLocal, exchangeID, false)
	if err != nil {
		writeOIDError(w, err)
		return
	}
	ex := &rec.Exchange

	stepName := ex.Step
	if stepName == "" {
		stepName = wf.InitialStep
	}
	step := wf.StepByName(stepName)

	var requests []oid4vci.CredentialRequest
	if batch {
		var body struct {
			CredentialRequests []credentialRequestBody `json:"credential_requests"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeOIDError(w, err)
			return
		}
		for _, b := range body.CredentialRequests {
			requests = append(requests, b.normalize())
		}
	} else {
		var body credentialRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeOIDError(w, err)
			return
		}
		requests = []oid4vci.CredentialRequest{body.normalize()}
	}

	result, err := s.OID4VCI.HandleCredential(r.Context(), wf, workflowIDLocal, ex, step, stepName, bearerToken(r), requests)
	if err != nil {
		writeOIDError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleOID4VCICredentialOffer(w http.ResponseWriter, r *http.Request) {
	wf, workflowIDLocal, err := s.loadWorkflow(r)
	if err != nil {
		writeOIDError(w, err)
		return
	}
	rec, err := s.Exchanges.Get(r.Context(), workflowIDLocal, mux.Vars(r)["exchangeId"], false)
	if err != nil {
		writeOIDError(w, err)
		return
	}

	stepName := rec.Exchange.Step
	if stepName == "" {
		stepName = wf.InitialStep
	}
	step := wf.StepByName(stepName)

	var ids []string
	if step != nil {
		for _, t := range wf.CredentialTemplates {
			ids = append(ids, t.ID)
		}
	}

	offer := s.OID4VCI.HandleCredentialOffer(wf, &rec.Exchange, s.BaseURI, ids)
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleOID4VCINonce(w http.ResponseWriter, r *http.Request) {
	_, workflowIDLocal, err := s.loadWorkflow(r)
	if err != nil {
		writeOIDError(w, err)
		return
	}
	rec, err := s.Exchanges.Get(r.Context(), workflowIDLocal, mux.Vars(r)["exchangeId"], false)
	if err != nil {
		writeOIDError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.OID4VCI.HandleNonce(&rec.Exchange))
}
