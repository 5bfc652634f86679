package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/oid4vci"
	"github.com/trustfabric/exchange-engine/internal/workflow"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := workflowID(s, mux.Vars(r)["workflowId"])
	wf, err := s.Workflows.Get(r.Context(), id)
	if err != nil {
		writeVCAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handlePutWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf exchange.Workflow
	if err := readJSON(r, &wf); err != nil {
		writeVCAPIError(w, err)
		return
	}
	id := workflowID(s, mux.Vars(r)["workflowId"])
	if wf.ID == "" {
		wf.ID = id
	}
	if err := workflow.Validate(&wf, s.BaseURI, s.RoutePrefix); err != nil {
		writeVCAPIError(w, err)
		return
	}
	if err := s.Workflows.Put(r.Context(), &wf); err != nil {
		writeVCAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := workflowID(s, mux.Vars(r)["workflowId"])
	if err := s.Workflows.Delete(r.Context(), id); err != nil {
		writeVCAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadWorkflow(r *http.Request) (*exchange.Workflow, string, error) {
	localID := mux.Vars(r)["workflowId"]
	wf, err := s.Workflows.Get(r.Context(), workflowID(s, localID))
	if err != nil {
		return nil, "", err
	}
	return wf, localID, nil
}

// handleCreateExchange implements the §6 exchange-creation operation.
func (s *Server) handleCreateExchange(w http.ResponseWriter, r *http.Request) {
	wf, workflowIDLocal, err := s.loadWorkflow(r)
	if err != nil {
		writeVCAPIError(w, err)
		return
	}

	var req workflow.CreateExchangeRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeVCAPIError(w, err)
			return
		}
	}
	if err := workflow.ValidateCreateExchange(wf, &req); err != nil {
		writeVCAPIError(w, err)
		return
	}

	now := time.Now()
	expires, err := workflow.ResolveExpires(&req, now)
	if err != nil {
		writeVCAPIError(w, err)
		return
	}

	exchangeID, err := exchange.NewLocalID()
	if err != nil {
		writeVCAPIError(w, err)
		return
	}
	ex := &exchange.Exchange{
		ID:        exchangeID,
		State:     exchange.StatePending,
		Step:      req.Step,
		Expires:   expires,
		Variables: req.Variables,
		OpenID:    req.OpenID,
	}
	if ex.Variables == nil {
		ex.Variables = exchange.JSON{}
	}
	if err := resolveOpenIDKeyPair(ex); err != nil {
		writeVCAPIError(w, err)
		return
	}

	if _, err := s.Exchanges.Insert(r.Context(), workflowIDLocal, ex); err != nil {
		writeVCAPIError(w, err)
		return
	}

	w.Header().Set("Location", wf.ID+"/exchanges/"+ex.ID)
	w.WriteHeader(http.StatusNoContent)
}

func resolveOpenIDKeyPair(ex *exchange.Exchange) error {
	if ex.OpenID == nil || ex.OpenID.OAuth2 == nil {
		return nil
	}
	oauth2 := ex.OpenID.OAuth2
	if oauth2.GenerateKeyPair != nil {
		kp, err := oid4vci.GenerateKeyPair(oauth2.GenerateKeyPair.Algorithm)
		if err != nil {
			return err
		}
		oauth2.KeyPair = kp
		oauth2.GenerateKeyPair = nil
		return nil
	}
	if oauth2.KeyPair != nil {
		if oauth2.KeyPair.PrivateKeyJWK == nil {
			return xerr.New(xerr.DataError, "the provided keyPair must be importable (privateKeyJwk required)")
		}
		return nil
	}
	return xerr.New(xerr.DataError, "openId.oauth2 requires either keyPair or generateKeyPair")
}

// handleGetExchange implements the §6 Exchange GET operation, redacting
// the private signing key.
func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	_, workflowIDLocal, err := s.loadWorkflow(r)
	if err != nil {
		writeVCAPIError(w, err)
		return
	}
	rec, err := s.Exchanges.Get(r.Context(), workflowIDLocal, vars["exchangeId"], false)
	if err != nil {
		writeVCAPIError(w, err)
		return
	}
	redacted := redactExchange(rec.Exchange)
	writeJSON(w, http.StatusOK, map[string]interface{}{"exchange": redacted})
}

func redactExchange(ex exchange.Exchange) exchange.Exchange {
	if ex.OpenID != nil && ex.OpenID.OAuth2 != nil && ex.OpenID.OAuth2.KeyPair != nil {
		clone := *ex.OpenID.OAuth2.KeyPair
		clone.PrivateKeyJWK = nil
		oauth2Clone := *ex.OpenID.OAuth2
		oauth2Clone.KeyPair = &clone
		openIDClone := *ex.OpenID
		openIDClone.OAuth2 = &oauth2Clone
		ex.OpenID = &openIDClone
	}
	return ex
}
