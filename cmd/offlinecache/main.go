package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/agentworkforce/offlinecache/internal/httpapi"
	"github.com/agentworkforce/offlinecache/internal/manifest"
	"github.com/agentworkforce/offlinecache/internal/offlinecache"
)

type config struct {
	Addr             string        `env:"OFFLINECACHE_ADDR" envDefault:":8090"`
	BackendURL       string        `env:"OFFLINECACHE_BACKEND_URL" envDefault:"http://127.0.0.1:8080"`
	BackendToken     string        `env:"OFFLINECACHE_BACKEND_TOKEN"`
	ManifestPath     string        `env:"OFFLINECACHE_MANIFEST" envDefault:"manifest.json"`
	DataDir          string        `env:"OFFLINECACHE_DATA_DIR" envDefault:".offlinecache"`
	RecordStoreDSN   string        `env:"OFFLINECACHE_RECORD_STORE_DSN"`
	RecordBudget     int           `env:"OFFLINECACHE_RECORD_BUDGET_BYTES"`
	QueueCapacity    int           `env:"OFFLINECACHE_QUEUE_CAPACITY" envDefault:"1024"`
	DynamicBound     int           `env:"OFFLINECACHE_DYNAMIC_BOUND" envDefault:"50"`
	ReceiptTTL       time.Duration `env:"OFFLINECACHE_RECEIPT_TTL" envDefault:"5m"`
	ActivateOnDeploy bool          `env:"OFFLINECACHE_ACTIVATE_ON_DEPLOY" envDefault:"true"`
	MaxBodyBytes     int64         `env:"OFFLINECACHE_MAX_BODY_BYTES"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse config: %v", err)
	}
	if cfg.RecordStoreDSN == "" {
		cfg.RecordStoreDSN = "bolt://" + cfg.DataDir + "/records.db"
	}
	logger := log.New(os.Stderr, "offlinecache ", log.LstdFlags)

	records, err := offlinecache.BuildRecordStoreFromDSN(cfg.RecordStoreDSN, cfg.RecordBudget)
	if err != nil {
		logger.Fatalf("record store: %v", err)
	}
	defer records.Close()

	caches, err := offlinecache.NewNamespaceManager(
		offlinecache.NewJSONFileCacheBackend(cfg.DataDir+"/caches.json"), logger)
	if err != nil {
		logger.Fatalf("namespace manager: %v", err)
	}

	client := offlinecache.NewBackendClient(cfg.BackendURL, cfg.BackendToken, nil)
	coordinator, err := offlinecache.NewSyncCoordinator(offlinecache.SyncCoordinatorOptions{
		Backend:   client,
		QueueFile: cfg.DataDir + "/write-queue.json",
		Capacity:  cfg.QueueCapacity,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatalf("sync coordinator: %v", err)
	}

	man, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		logger.Fatalf("load manifest %s: %v", cfg.ManifestPath, err)
	}

	hub := httpapi.NewEventHub()
	agent, err := offlinecache.NewAgent(offlinecache.AgentOptions{
		Caches:       caches,
		Records:      records,
		Transport:    client,
		Sync:         coordinator,
		Manifest:     man,
		DynamicBound: cfg.DynamicBound,
		ReceiptTTL:   cfg.ReceiptTTL,
		Logger:       logger,
		Events:       hub,
		OnQuotaExceeded: func(err error) {
			logger.Printf("storage quota exceeded, records may be stale: %v", err)
		},
	})
	if err != nil {
		logger.Fatalf("agent: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Install(ctx); err != nil {
		logger.Fatalf("install version %s: %v", man.Version, err)
	}
	if err := agent.Activate(ctx); err != nil {
		logger.Fatalf("activate version %s: %v", man.Version, err)
	}

	watcher := manifest.NewWatcher(cfg.ManifestPath, man.Version, func(next manifest.Manifest) {
		logger.Printf("deploy detected: version %s", next.Version)
		if err := agent.Deploy(ctx, next, cfg.ActivateOnDeploy); err != nil {
			logger.Printf("deploy of version %s failed: %v", next.Version, err)
		}
	}, logger)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("manifest watcher stopped: %v", err)
		}
	}()

	server := httpapi.NewServerWithConfig(agent, hub, logger, httpapi.ServerConfig{
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	httpServer := &http.Server{Addr: cfg.Addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Printf("serving version %s on %s (backend %s)", man.Version, cfg.Addr, client.BaseURL())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server failed: %v", err)
	}
}
