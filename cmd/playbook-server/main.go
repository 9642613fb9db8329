// Package main runs the playbook engine HTTP server together with its
// generation workers and audit retention loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang/glog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/seoforge/playbook-engine/pkg/audit"
	"github.com/seoforge/playbook-engine/pkg/authz"
	"github.com/seoforge/playbook-engine/pkg/cache"
	"github.com/seoforge/playbook-engine/pkg/ha"
	"github.com/seoforge/playbook-engine/pkg/jobs"
	"github.com/seoforge/playbook-engine/pkg/playbook/api"
	"github.com/seoforge/playbook-engine/pkg/playbook/apply"
	"github.com/seoforge/playbook-engine/pkg/playbook/approvals"
	"github.com/seoforge/playbook-engine/pkg/playbook/catalogstore"
	"github.com/seoforge/playbook-engine/pkg/playbook/drafts"
	"github.com/seoforge/playbook-engine/pkg/playbook/generation"
	"github.com/seoforge/playbook-engine/pkg/playbook/ledger"
	"github.com/seoforge/playbook-engine/pkg/playbook/rules"
	"github.com/seoforge/playbook-engine/pkg/playbook/service"
	"github.com/seoforge/playbook-engine/pkg/playbook/suggest"
	"github.com/seoforge/playbook-engine/pkg/providers/openai"
	"github.com/seoforge/playbook-engine/pkg/providers/shopify"
)

func main() {
	var (
		listenAddr       string
		databaseType     string
		databaseDSN      string
		governancePath   string
		presetsPath      string
		allowedOrigins   string
		shutdownDeadline time.Duration
	)

	flag.StringVar(&listenAddr, "listen", envOrDefault("PLAYBOOK_LISTEN", ":8080"), "Address to listen on")
	flag.StringVar(&databaseType, "db-type", envOrDefault("DATABASE_TYPE", "postgres"), "Database type (postgres, mysql or sqlite)")
	flag.StringVar(&databaseDSN, "db-dsn", os.Getenv("DATABASE_DSN"), "Database connection string")
	flag.StringVar(&governancePath, "governance-config", os.Getenv("PLAYBOOK_GOVERNANCE_CONFIG"), "Path to the per-project governance policy YAML")
	flag.StringVar(&presetsPath, "rules-presets", os.Getenv("PLAYBOOK_RULES_PRESETS"), "Path to the rule preset YAML")
	flag.StringVar(&allowedOrigins, "cors-origins", os.Getenv("PLAYBOOK_CORS_ORIGINS"), "Comma separated CORS origins (default any)")
	flag.DurationVar(&shutdownDeadline, "shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	flag.Parse()

	// glog reports fatal startup errors.
	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	db, err := setupDatabase(databaseType, databaseDSN)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}

	haCfg := ha.HAConfigFromEnv()
	catalog := catalogstore.NewStore(db)
	draftStore := drafts.NewStore(db)
	approvalStore := approvals.NewStore(db)
	ledgerStore := ledger.New(db)
	auditStore := audit.NewStore(db)
	jobStore := jobs.NewJobStore(db)

	migrate := func() error {
		for name, m := range map[string]interface{ AutoMigrate() error }{
			"catalog":   catalog,
			"drafts":    draftStore,
			"approvals": approvalStore,
			"ledger":    ledgerStore,
			"audit":     auditStore,
			"jobs":      jobStore,
		} {
			if err := m.AutoMigrate(); err != nil {
				return fmt.Errorf("migrate %s: %w", name, err)
			}
		}
		return nil
	}
	if haCfg.MigrationLockEnabled {
		err = ha.NewMigrationLocker(db, haCfg.Identity).WithLock(ctx, migrate)
	} else {
		err = migrate()
	}
	if err != nil {
		glog.Fatalf("Failed to migrate database: %v", err)
	}

	locker, err := ha.NewKeyLocker(haCfg, db, logger)
	if err != nil {
		glog.Fatalf("Failed to create lock backend: %v", err)
	}
	logger.Info("using lock backend", "backend", haCfg.LockBackend, "identity", haCfg.Identity)

	var policies approvals.PolicySource = approvals.NewStaticPolicies(approvals.Policy{}, nil)
	if governancePath != "" {
		filePolicies, err := approvals.OpenPolicies(governancePath)
		if err != nil {
			glog.Fatalf("Failed to load governance policies: %v", err)
		}
		if err := filePolicies.Watch(ctx, logger); err != nil {
			logger.Warn("governance policies will not hot-reload", "path", governancePath, "error", err)
		}
		policies = filePolicies
	}
	presets := rules.NewPresets(nil)
	if presetsPath != "" {
		if presets, err = rules.LoadPresets(presetsPath); err != nil {
			glog.Fatalf("Failed to load rule presets: %v", err)
		}
		if err := presets.Watch(ctx, logger); err != nil {
			logger.Warn("rule presets will not hot-reload", "path", presetsPath, "error", err)
		}
	}

	aiCfg := openai.ConfigFromEnv()
	if aiCfg.APIKey == "" {
		logger.Warn("no AI provider key configured; generation will leave drafts pending")
	}
	generator := suggest.NewGenerator(openai.New(aiCfg, nil), suggest.ConfigFromEnv(), logger)

	writer, err := assetWriter(catalog, logger)
	if err != nil {
		glog.Fatalf("Failed to configure storefront writer: %v", err)
	}

	cacheCfg := cache.CacheConfigFromEnv()
	cacheManager := cache.NewCacheManager(cacheCfg)
	previews := cache.NewLRUCache[*generation.Preview](cacheCfg.MaxSize, cacheCfg.PreviewTTL)

	auditCfg := audit.AuditConfigFromEnv()
	svc := service.New(service.Options{
		Catalog:     catalog,
		Drafts:      draftStore,
		Coordinator: generation.NewCoordinator(draftStore, generator, locker, previews, generation.ConfigFromEnv(), logger),
		Executor:    apply.NewExecutor(writer, ledgerStore, draftStore, locker, apply.ConfigFromEnv(), logger),
		Approvals:   approvalStore,
		Policies:    policies,
		Presets:     presets,
		Jobs:        jobStore,
		Recorder:    audit.NewRecorder(auditStore, logger),
		Cache:       cacheManager,
		Logger:      logger,
	})

	authzCfg := authz.AuthzConfigFromEnv()
	verifier, err := authz.NewTokenVerifier(authzCfg)
	if err != nil {
		glog.Fatalf("Failed to configure token verification: %v", err)
	}
	logger.Info("auth configured", "mode", authzCfg.Mode)

	var workers sync.WaitGroup
	jobCfg := jobs.JobConfigFromEnv()
	if jobCfg.Enabled {
		pool := jobs.NewWorkerPool(jobStore, svc, jobCfg, logger)
		svc.SetNotifier(pool)
		workers.Add(1)
		go func() {
			defer workers.Done()
			pool.Run(ctx)
		}()
	}
	if auditCfg.Enabled {
		retention := audit.NewRetentionWorker(auditStore, auditCfg, logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			retention.Run(ctx)
		}()
	}

	var origins []string
	for _, o := range strings.Split(allowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	router := api.NewRouter(api.Options{
		Service:        svc,
		Jobs:           jobStore,
		Audit:          auditStore,
		AuditConfig:    auditCfg,
		Authorizer:     authz.NewAuthorizer(authzCfg),
		Verifier:       verifier,
		Cache:          cacheManager,
		AllowedOrigins: origins,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()
	logger.Info("playbook server ready", "listen", listenAddr, "basePath", api.BasePath, "asyncJobs", jobCfg.Enabled)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	workers.Wait()
	logger.Info("playbook server stopped")
}

// assetWriter returns the storefront writer. Without Shopify credentials
// only the local asset mirror is updated.
func assetWriter(catalog *catalogstore.Store, logger *slog.Logger) (apply.AssetWriter, error) {
	cfg := shopify.ConfigFromEnv()
	if cfg.AccessToken == "" && cfg.ShopDomain == "" {
		logger.Warn("no Shopify credentials configured; apply writes to the local asset mirror only")
		return catalog, nil
	}
	upstream, err := shopify.NewWriter(cfg, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	return catalogstore.MirrorWriter{Upstream: upstream, Local: catalog}, nil
}

func setupDatabase(dbType, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required (use -db-dsn flag or DATABASE_DSN environment variable)")
	}

	var dialector gorm.Dialector
	switch dbType {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type %q (expected postgres, mysql or sqlite)", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dbType, err)
	}
	if dbType == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
