package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"toolgate.local/gateway/internal/config"
	"toolgate.local/gateway/internal/dispatch"
	"toolgate.local/gateway/internal/engine"
	"toolgate.local/gateway/internal/httpapi"
	"toolgate.local/gateway/internal/messenger"
	"toolgate.local/gateway/internal/notify"
	"toolgate.local/gateway/internal/policy"
	"toolgate.local/gateway/internal/registry"
	"toolgate.local/gateway/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway config file")
	permissionsPath := flag.String("permissions", "", "path to the permissions file (default: permissions.yaml beside the config)")
	flag.Parse()

	logger := log.New(os.Stdout, "toolgate ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	permsPath := *permissionsPath
	if permsPath == "" {
		permsPath = filepath.Join(filepath.Dir(*configPath), "permissions.yaml")
	}
	perms, err := config.LoadPermissions(permsPath)
	if err != nil {
		logger.Fatalf("load permissions: %v", err)
	}
	policyEngine, err := policy.New(perms)
	if err != nil {
		logger.Fatalf("invalid permissions: %v", err)
	}

	reg, err := registry.New(cfg.Services)
	if err != nil {
		logger.Fatalf("load tool registry: %v", err)
	}

	st, err := store.NewGormStore(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("failed to initialize store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Printf("store close error: %v", err)
		}
	}()

	executor, err := dispatch.NewExecutor(cfg.Services, reg, logger)
	if err != nil {
		logger.Fatalf("failed to initialize service handlers: %v", err)
	}
	defer func() {
		if err := executor.Close(); err != nil {
			logger.Printf("handler close error: %v", err)
		}
	}()

	subs := []notify.Subscriber{notify.NewLoggingSubscriber(logger)}
	for idx, webhookURL := range cfg.Audit.WebhookURLs {
		subs = append(subs, notify.NewWebhookSubscriber(webhookSubscriberName(idx, webhookURL), webhookURL, logger))
	}
	notifier := notify.NewDispatcher(logger, subs)

	adapter := messenger.NewDiscordAdapter(*cfg.Messenger.Discord, logger)
	if err := adapter.Start(); err != nil {
		logger.Fatalf("failed to start messenger: %v", err)
	}
	defer func() {
		if err := adapter.Stop(); err != nil {
			logger.Printf("messenger stop error: %v", err)
		}
	}()

	eng := engine.New(engine.Config{
		AgentToken:           cfg.Agent.Token,
		ApprovalTimeout:      cfg.ApprovalTimeout,
		MaxPendingApprovals:  cfg.RateLimit.MaxPendingApprovals,
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
	}, reg, policyEngine, executor, st, adapter, notifier, logger)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := eng.Start(startCtx); err != nil {
		startCancel()
		logger.Fatalf("engine startup: %v", err)
	}
	startCancel()

	srv := httpapi.NewServer(logger, cfg.Gateway.Addr(), eng)
	go func() {
		var err error
		if cfg.Gateway.TLS != nil {
			logger.Printf("listening on %s (tls)", cfg.Gateway.Addr())
			err = srv.ListenAndServeTLS(cfg.Gateway.TLS.Cert, cfg.Gateway.TLS.Key)
		} else {
			logger.Printf("listening on %s (insecure)", cfg.Gateway.Addr())
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server crashed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Printf("shutting down")
	eng.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}
}

func webhookSubscriberName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil {
		host := strings.TrimSpace(parsed.Host)
		if host != "" {
			return host
		}
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
