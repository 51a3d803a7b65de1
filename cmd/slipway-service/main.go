package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/slipway-ml/slipway/internal/approval"
	"github.com/slipway-ml/slipway/internal/artifacts"
	"github.com/slipway-ml/slipway/internal/auth"
	"github.com/slipway-ml/slipway/internal/compute"
	"github.com/slipway-ml/slipway/internal/config"
	"github.com/slipway-ml/slipway/internal/deploy"
	"github.com/slipway-ml/slipway/internal/events"
	"github.com/slipway-ml/slipway/internal/httpserver"
	"github.com/slipway-ml/slipway/internal/pipeline"
	"github.com/slipway-ml/slipway/internal/poller"
	"github.com/slipway-ml/slipway/internal/registry"
	"github.com/slipway-ml/slipway/internal/serving"
	"github.com/slipway-ml/slipway/internal/signing"
	"github.com/slipway-ml/slipway/internal/store"
	"github.com/slipway-ml/slipway/internal/traffic"
)

func enforceProdGuardrails() {
	nodeEnv := os.Getenv("NODE_ENV")
	if nodeEnv == "" {
		nodeEnv = "development"
	}
	if nodeEnv == "production" && strings.EqualFold(os.Getenv("SLIPWAY_ALLOW_DEBUG_TOKEN"), "true") {
		log.Fatalf("[startup] SLIPWAY_ALLOW_DEBUG_TOKEN=true is forbidden in production")
	}
}

func main() {
	runWorker := flag.Bool("run-worker", false, "start the release pipeline worker")
	runStreamer := flag.Bool("run-streamer", false, "start the release event streamer")
	flag.Parse()

	enforceProdGuardrails()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("db ping: %v", err)
	}

	st := store.NewPGStore(db)
	signer, err := signing.NewEd25519SignerFromB64(cfg.SignerKeyB64, cfg.SignerID)
	if err != nil {
		log.Fatalf("signer init: %v", err)
	}
	eventLog := events.NewPGLog(db)
	recorder := events.NewRecorder(eventLog, signer)

	servingClient, err := serving.NewHTTPClient(serving.HTTPClientConfig{
		BaseURL: cfg.ServingURL,
		APIKey:  cfg.RemoteAPIKey,
		Retries: 2,
	})
	if err != nil {
		log.Fatalf("serving client init: %v", err)
	}
	guard := serving.NewGuard()
	allocator := traffic.NewAllocator(servingClient, guard, recorder)
	deploys := deploy.NewManager(servingClient, guard, recorder)

	var approvals approval.Source
	var broker *approval.Broker
	switch cfg.ApprovalMode {
	case config.ApprovalModeAPI:
		broker = approval.NewBroker()
		approvals = broker
	case config.ApprovalModeAuto:
		approvals = approval.Static{Approve: true, By: "auto-approver", Reason: "auto approval enabled"}
	case config.ApprovalModeRemote:
		approvals = &approval.HTTPSource{BaseURL: cfg.ApprovalURL, APIKey: cfg.RemoteAPIKey}
	}

	cancels := pipeline.NewCancelRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if shouldRun(*runWorker, "SLIPWAY_RUN_WORKER") {
		computeClient, err := compute.NewHTTPClient(compute.HTTPClientConfig{
			BaseURL: cfg.ComputeURL,
			APIKey:  cfg.RemoteAPIKey,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("compute client init: %v", err)
		}
		registryClient, err := registry.NewHTTPClient(registry.HTTPClientConfig{
			BaseURL: cfg.RegistryURL,
			APIKey:  cfg.RemoteAPIKey,
		})
		if err != nil {
			log.Fatalf("registry client init: %v", err)
		}
		locator, err := artifacts.NewS3Locator(ctx)
		if err != nil {
			log.Fatalf("artifact locator init: %v", err)
		}
		var manifests registry.ManifestArchiver
		if cfg.ArtifactBucket != "" {
			ms, err := artifacts.NewManifestStore(ctx, cfg.ArtifactBucket, "")
			if err != nil {
				log.Fatalf("manifest store init: %v", err)
			}
			manifests = ms
		}
		registrar := registry.NewRegistrar(registryClient, locator, manifests, st)

		p, err := poller.New(computeClient, poller.Config{
			Interval:    cfg.PollInterval,
			MaxDuration: cfg.PollMaxDuration,
			RetryBudget: cfg.StatusRetryBudget,
		})
		if err != nil {
			log.Fatalf("poller init: %v", err)
		}
		gate := pipeline.NewGate(st, computeClient, p, approvals, registrar, recorder, pipeline.GateConfig{
			ApprovalTimeout: cfg.ApprovalTimeout,
		})
		log.Printf("[startup] starting pipeline worker (approval mode %s)", cfg.ApprovalMode)
		go pipeline.RunWorker(ctx, gate, st, cancels, pipeline.WorkerConfig{})
	}

	if shouldRun(*runStreamer, "SLIPWAY_RUN_STREAMER") {
		if len(cfg.KafkaBrokers) == 0 {
			log.Fatalf("[startup] SLIPWAY_KAFKA_BROKERS required with -run-streamer")
		}
		producer, err := events.NewKafkaProducer(events.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka producer init: %v", err)
		}
		var archiver events.Archiver
		if cfg.EventsBucket != "" {
			a, err := events.NewS3Archiver(ctx, cfg.EventsBucket, cfg.EventsPrefix)
			if err != nil {
				log.Fatalf("event archiver init: %v", err)
			}
			archiver = a
		}
		streamer := events.NewStreamer(eventLog, producer, archiver, events.StreamerConfig{})
		go func() {
			if err := streamer.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[startup] streamer stopped: %v", err)
			}
		}()
	}

	server := httpserver.New(cfg, httpserver.Deps{
		Store:     st,
		Verifier:  auth.NewVerifier(cfg),
		Broker:    broker,
		Cancels:   cancels,
		Allocator: allocator,
		Deploys:   deploys,
		EventLog:  eventLog,
		Recorder:  recorder,
	})
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("[startup] slipway control plane listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func shouldRun(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if v := os.Getenv(envKey); v != "" {
		enabled, err := strconv.ParseBool(v)
		return err == nil && enabled
	}
	return false
}
