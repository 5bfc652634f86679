// Package httpapi wires the gorilla/mux router that exposes the engine's
// four wire protocols (VC-API, OID4VCI, OID4VP, invite-request) plus
// workflow/exchange CRUD, grounded on the teacher's
// cmd/walletd/server.Server shape.
package httpapi

import (
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/invite"
	"github.com/trustfabric/exchange-engine/internal/obslog"
	"github.com/trustfabric/exchange-engine/internal/oid4vci"
	"github.com/trustfabric/exchange-engine/internal/oid4vp"
	"github.com/trustfabric/exchange-engine/internal/vcapi"
	"github.com/trustfabric/exchange-engine/internal/workflow"
)

// Server is the HTTP front door for the exchange engine.
type Server struct {
	Workflows  workflow.Store
	Exchanges  exchange.Store
	VCAPI      *vcapi.Adapter
	OID4VCI    *oid4vci.Adapter
	OID4VP     *oid4vp.Adapter
	Invite     *invite.Adapter
	BaseURI    string
	RoutePrefix string
	Log        *obslog.Logger

	router *mux.Router
}

// NewServer constructs a Server and wires its routes and middleware.
func NewServer(workflows workflow.Store, exchanges exchange.Store, vcapiAdapter *vcapi.Adapter, oid4vciAdapter *oid4vci.Adapter, oid4vpAdapter *oid4vp.Adapter, inviteAdapter *invite.Adapter, baseURI, routePrefix string) *Server {
	s := &Server{
		Workflows:   workflows,
		Exchanges:   exchanges,
		VCAPI:       vcapiAdapter,
		OID4VCI:     oid4vciAdapter,
		OID4VP:      oid4vpAdapter,
		Invite:      inviteAdapter,
		BaseURI:     baseURI,
		RoutePrefix: routePrefix,
		Log:         obslog.New("httpapi"),
		router:      mux.NewRouter(),
	}
	s.setupRoutes()
	s.setupMiddleware()
	return s
}

// Router returns the configured HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	wf := s.router.PathPrefix(s.RoutePrefix).Subrouter()

	wf.HandleFunc("/{workflowId}", s.handleGetWorkflow).Methods("GET")
	wf.HandleFunc("/{workflowId}", s.handlePutWorkflow).Methods("PUT")
	wf.HandleFunc("/{workflowId}", s.handleDeleteWorkflow).Methods("DELETE")

	wf.HandleFunc("/{workflowId}/exchanges", s.handleCreateExchange).Methods("POST")
	wf.HandleFunc("/{workflowId}/exchanges/{exchangeId}", s.handleGetExchange).Methods("GET")
	wf.HandleFunc("/{workflowId}/exchanges/{exchangeId}", s.handleVCAPIPost).Methods("POST")

	// OID4VCI: duplicate well-known paths for the two spec wordings (§6).
	for _, base := range []string{
		"/{workflowId}/exchanges/{exchangeId}/openid-credential-issuer",
		"/{workflowId}/exchanges/{exchangeId}/.well-known/openid-credential-issuer",
	} {
		wf.HandleFunc(base, s.handleOID4VCIMetadata).Methods("GET")
	}
	wf.HandleFunc("/{workflowId}/exchanges/{exchangeId}/openid/jwks", s.handleOID4VCIJWKS).Methods("GET")
	wf.HandleFunc("/{workflowId}/exchanges/{exchangeId}/openid/token", s.handleOID4VCIToken).Methods("POST")
	wf.HandleFunc("/{workflowId}/exchanges/{exchangeId}/openid/credential", s.handleOID4VCICredential).Methods("POST")
	wf.HandleFunc("/{workflowId}/exchanges/{exchangeId}/openid/batch_credential", s.handleOID4VCIBatchCredential).Methods("POST")
	wf.HandleFunc("/{workflowId}/exchanges/{exchangeId}/openid/credential-offer", s.handleOID4VCICredentialOffer).Methods("GET")
	wf.HandleFunc("/{workflowId}/exchanges/{exchangeId}/openid/nonce", s.handleOID4VCINonce).Methods("POST")

	// OID4VP.
	wf.HandleFunc("/{workflowId}/exchanges/{exchangeId}/openid/client/authorization/request", s.handleOID4VPAuthorizationRequest).Methods("GET")
	wf.HandleFunc("/{workflowId}/exchanges/{exchangeId}/openid/clients/{clientProfileId}/authorization/request", s.handleOID4VPAuthorizationRequest).Methods("GET")
	wf.HandleFunc("/{workflowId}/exchanges/{exchangeId}/openid/client/authorization/response", s.handleOID4VPAuthorizationResponse).Methods("POST")
	wf.HandleFunc("/{workflowId}/exchanges/{exchangeId}/openid/clients/{clientProfileId}/authorization/response", s.handleOID4VPAuthorizationResponse).Methods("POST")

	// Invite-request.
	wf.HandleFunc("/{workflowId}/exchanges/{exchangeId}/invite-request/response", s.handleInviteResponse).Methods("POST")
}

func (s *Server) setupMiddleware() {
	corsHandler := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	s.router.Use(corsHandler)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return handlers.LoggingHandler(os.Stdout, next)
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.Log.Error("panic recovered in handler")
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func workflowID(s *Server, localID string) string {
	return s.BaseURI + s.RoutePrefix + "/" + localID
}
