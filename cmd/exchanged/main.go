package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/trustfabric/exchange-engine/internal/capability"
	"github.com/trustfabric/exchange-engine/internal/crypto"
	"github.com/trustfabric/exchange-engine/internal/did"
	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/httpapi"
	"github.com/trustfabric/exchange-engine/internal/invite"
	"github.com/trustfabric/exchange-engine/internal/issuance"
	"github.com/trustfabric/exchange-engine/internal/jsonschema"
	"github.com/trustfabric/exchange-engine/internal/obslog"
	"github.com/trustfabric/exchange-engine/internal/oid4vci"
	"github.com/trustfabric/exchange-engine/internal/oid4vp"
	"github.com/trustfabric/exchange-engine/internal/store"
	"github.com/trustfabric/exchange-engine/internal/template"
	"github.com/trustfabric/exchange-engine/internal/vcapi"
	"github.com/trustfabric/exchange-engine/internal/verification"
	"github.com/trustfabric/exchange-engine/internal/workflow"
)

var (
	port          = flag.String("port", "8080", "HTTP server port")
	host          = flag.String("host", "127.0.0.1", "HTTP server host")
	baseURI       = flag.String("base-uri", "http://localhost:8080", "public base URI the engine is reachable at")
	routePrefix   = flag.String("route-prefix", "/workflows", "URL path prefix under which workflows are mounted")
	sqlitePath    = flag.String("sqlite-path", "", "path to the sqlite exchange store (defaults to in-memory)")
	evictionEvery = flag.Duration("eviction-interval", time.Minute, "how often expired exchanges are swept")
	dev           = flag.Bool("dev", false, "use a development logger instead of production JSON logging")
)

func main() {
	flag.Parse()

	zl, err := buildLogger(*dev)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()
	rootLog := obslog.Wrap("exchanged", zl)

	exchangeStore, closeStore, err := buildExchangeStore(*sqlitePath)
	if err != nil {
		log.Fatalf("failed to open exchange store: %v", err)
	}
	defer closeStore()

	workflowStore := workflow.NewMemoryStore()

	templates := template.NewEngine(map[string]template.Evaluator{
		"jsonata": template.NewJSONataEvaluator(),
	})

	resolver := did.NewMultiDIDResolver()
	schemas := jsonschema.NewValidator()

	serviceAgentKeyPair, err := crypto.NewEd25519KeyPair()
	if err != nil {
		log.Fatalf("failed to generate service-agent key pair: %v", err)
	}
	signingAgent := capability.NewEd25519SigningAgent(serviceAgentKeyPair, "exchanged#service-agent")
	capabilityClient := capability.NewClient(nil, signingAgent)
	challengeClient := capability.NewChallengeClient(capabilityClient)

	verificationGateway := verification.NewGateway(capabilityClient, resolver, schemas)
	issuanceEngine := issuance.NewEngine(templates, capabilityClient)

	clientBase := func(workflowID, exchangeID string) string {
		return oid4vci.ExchangePath(workflowID, exchangeID)
	}

	vcapiAdapter := vcapi.NewAdapter(store.NewInstrumentedStore(exchangeStore, "vcapi"), templates, verificationGateway, issuanceEngine, nil, challengeClient, schemas)
	oid4vciAdapter := oid4vci.NewAdapter(store.NewInstrumentedStore(exchangeStore, "oid4vci"), templates, verificationGateway, issuanceEngine, nil)
	oid4vpAdapter := oid4vp.NewAdapter(store.NewInstrumentedStore(exchangeStore, "oid4vp"), templates, verificationGateway, schemas, oid4vp.JWXDecrypter{}, clientBase)
	inviteAdapter := invite.NewAdapter(store.NewInstrumentedStore(exchangeStore, "invite"), templates)

	server := httpapi.NewServer(workflowStore, exchangeStore, vcapiAdapter, oid4vciAdapter, oid4vpAdapter, inviteAdapter, *baseURI, *routePrefix)

	evictor := store.NewEvictor(exchangeStore, *evictionEvery, rootLog.With(zap.String("subcomponent", "evictor")))
	evictorCtx, stopEvictor := context.WithCancel(context.Background())
	evictor.Start(evictorCtx)
	defer stopEvictor()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", *host, *port),
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		rootLog.Info("starting exchanged http server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	rootLog.Info("shutting down exchanged")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		rootLog.Error("error during server shutdown", zap.Error(err))
	}
	evictor.Stop()

	rootLog.Info("exchanged stopped")
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildExchangeStore(path string) (exchange.Store, func(), error) {
	if path == "" {
		return store.NewMemoryExchangeStore(), func() {}, nil
	}
	s, err := store.NewSQLiteExchangeStore(store.SQLiteConfig{Path: path})
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}
