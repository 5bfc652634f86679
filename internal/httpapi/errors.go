package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// oidErrorBody is the OAuth2-style envelope OID4VCI/OID4VP endpoints emit
// (§6: "OID4 endpoints emit OAuth2-style {error, error_description, details?}").
type oidErrorBody struct {
	Error            string                 `json:"error"`
	ErrorDescription string                 `json:"error_description,omitempty"`
	Details          map[string]interface{} `json:"details,omitempty"`
	CNonce           string                 `json:"c_nonce,omitempty"`
	CNonceExpiresIn  int64                  `json:"c_nonce_expires_in,omitempty"`
	AuthorizationRequest interface{}        `json:"authorization_request,omitempty"`
}

// vcAPIErrorBody is the envelope VC-API endpoints emit (§6:
// "{name, message, details:{httpStatusCode, public, …}}").
type vcAPIErrorBody struct {
	Name    string                 `json:"name"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details"`
}

// oidExtra lets a specific-purpose error (e.g. oid4vci's
// invalid_or_missing_proof / presentation_required responses, §4.8) carry
// the extra fields those two OID4 error bodies need beyond name+description.
type oidExtra interface {
	OIDError() string
	OIDExtraFields() (cNonce string, cNonceExpiresIn int64, authorizationRequest interface{})
}

func writeOIDError(w http.ResponseWriter, err error) {
	status := xerr.StatusOf(err)
	body := oidErrorBody{
		Error:            xerr.SnakeCase(string(xerr.KindOf(err))),
		ErrorDescription: err.Error(),
	}

	if e, ok := err.(*xerr.Error); ok {
		body.Details = e.Details
		body.ErrorDescription = e.Message
	}

	if extra, ok := err.(oidExtra); ok {
		body.Error = extra.OIDError()
		body.CNonce, body.CNonceExpiresIn, body.AuthorizationRequest = extra.OIDExtraFields()
		status = http.StatusBadRequest
	}

	writeJSON(w, status, body)
}

func writeVCAPIError(w http.ResponseWriter, err error) {
	status := xerr.StatusOf(err)
	sanitized := xerr.StripStackTrace(err)

	details := map[string]interface{}{"httpStatusCode": status, "public": true}
	message := err.Error()
	var e *xerr.Error
	if as, ok := sanitized.(*xerr.Error); ok {
		e = as
		message = e.Message
		for k, v := range e.Details {
			details[k] = v
		}
	}

	body := vcAPIErrorBody{
		Name:    string(xerr.KindOf(err)),
		Message: message,
		Details: details,
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(v); err != nil {
		return xerr.Wrap(xerr.DataError, "invalid JSON body", err)
	}
	return nil
}
