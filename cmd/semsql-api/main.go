package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/semsql/semsql/internal/api"
	"github.com/semsql/semsql/internal/audit"
	auditpostgres "github.com/semsql/semsql/internal/audit/postgres"
	audits3 "github.com/semsql/semsql/internal/audit/s3"
	"github.com/semsql/semsql/internal/auth"
	"github.com/semsql/semsql/internal/config"
	"github.com/semsql/semsql/internal/keypool"
	"github.com/semsql/semsql/internal/llm"
	"github.com/semsql/semsql/internal/nl2sql"
	"github.com/semsql/semsql/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("semsql-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)
	if err := cfg.RequireAPIKeys(); err != nil {
		logger.Error("refusing to start", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := keypool.New(cfg.LLM.APIKeys, keypool.WithCooldown(cfg.LLM.KeyCooldown))
	if err != nil {
		logger.Error("failed to build key pool", slog.Any("error", err))
		os.Exit(1)
	}
	if err := observability.RegisterKeyPoolGauges(prometheus.DefaultRegisterer, func() (int, int) {
		status := pool.Status()
		return status.AvailableKeys, len(status.RateLimited)
	}); err != nil {
		logger.Error("failed to register key pool metrics", slog.Any("error", err))
		os.Exit(1)
	}

	client, err := llm.NewClient(llm.ClientConfig{
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, pool)
	if err != nil {
		logger.Error("failed to initialize llm client", slog.Any("error", err))
		os.Exit(1)
	}
	executor, err := llm.NewExecutor(client, pool, llm.ExecutorOptions{
		MaxAttempts: cfg.LLM.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to initialize llm executor", slog.Any("error", err))
		os.Exit(1)
	}

	orgContext, err := readOrgContext(cfg.Pipeline.OrgContextFile)
	if err != nil {
		logger.Error("failed to read organizational context", slog.Any("error", err))
		os.Exit(1)
	}

	accessControl, err := readAccessControl(cfg.Pipeline.AccessControlFile)
	if err != nil {
		logger.Error("failed to read access control catalog", slog.Any("error", err))
		os.Exit(1)
	}
	if accessControl == nil {
		logger.Warn("access control catalog not configured; permission checks use request-supplied rules")
	}

	deps := api.Dependencies{
		Logger:            logger,
		Keys:              pool,
		DependencyTimeout: time.Second,
	}
	readiness := []api.ReadinessCheck{api.CheckKeyPool(pool)}

	var sinks audit.Fanout
	if cfg.Audit.DSN != "" {
		auditDB, err := auditpostgres.Open(context.Background(), auditpostgres.DBConfig{
			DSN:             cfg.Audit.DSN,
			MaxOpenConns:    cfg.Audit.MaxOpenConns,
			MaxIdleConns:    cfg.Audit.MaxIdleConns,
			ConnMaxIdleTime: cfg.Audit.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Audit.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open audit db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = auditDB.Close() }()
		repo := auditpostgres.NewRepository(auditDB)
		sinks = append(sinks, repo)
		deps.Denials = repo
		readiness = append(readiness, api.CheckAuditStore(repo))
	} else {
		logger.Warn("audit dsn not configured; permission failures are not persisted to postgres")
	}
	if cfg.Archive.Enabled {
		archive, err := audits3.New(context.Background(), audits3.Config{
			Endpoint:         cfg.Archive.Endpoint,
			Region:           cfg.Archive.Region,
			Bucket:           cfg.Archive.Bucket,
			AccessKeyID:      cfg.Archive.AccessKeyID,
			SecretAccessKey:  cfg.Archive.SecretAccessKey,
			UseSSL:           cfg.Archive.UseSSL,
			Prefix:           cfg.Archive.Prefix,
			AutoCreateBucket: cfg.Archive.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize audit archive", slog.Any("error", err))
			os.Exit(1)
		}
		sinks = append(sinks, archive)
		deps.Archive = archive
	}

	var auditWriter audit.Writer = audit.Discard
	if len(sinks) > 0 {
		retrying, err := audit.NewRetrying(sinks, audit.RetryOptions{Logger: logger})
		if err != nil {
			logger.Error("failed to initialize audit writer", slog.Any("error", err))
			os.Exit(1)
		}
		auditWriter = retrying
	}

	service, err := nl2sql.NewService(nl2sql.ServiceConfig{
		Executor:              executor,
		Audit:                 auditWriter,
		Logger:                logger,
		OrganizationalContext: orgContext,
		AccessControl:         accessControl,
	})
	if err != nil {
		logger.Error("failed to initialize pipeline", slog.Any("error", err))
		os.Exit(1)
	}
	deps.Generator = service
	deps.Readiness = api.CombineReadinessChecks(readiness...)

	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator, api.PublicPaths...)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.Int("api_keys", pool.Size()),
			slog.Int("audit_sinks", len(sinks)),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func readOrgContext(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func readAccessControl(path string) (map[string]nl2sql.TableAccess, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	catalog, err := nl2sql.ParseAccessControl(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return catalog, nil
}
