package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/agentworkforce/pagerelay/internal/logging"
	"github.com/agentworkforce/pagerelay/internal/relay"
)

func main() {
	_ = flag.Set("logtostderr", "true")
	flag.Parse()
	defer logging.Flush()

	addr := os.Getenv("PAGERELAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger := logging.Glog{Tag: "relay"}

	registry := relay.NewRegistry()
	backend, err := buildStateBackendFromEnv()
	if err != nil {
		glog.Exitf("failed to initialize state backend: %v", err)
	}
	var checkpointer *relay.Checkpointer
	if backend != nil {
		checkpointer = relay.NewCheckpointer(registry, backend, logger)
		restored, err := checkpointer.Restore()
		if err != nil {
			glog.Exitf("failed to restore state: %v", err)
		}
		glog.Infof("restored %d projects", restored)
		schedule := "@every " + durationEnv("PAGERELAY_CHECKPOINT_INTERVAL", 30*time.Second).String()
		if err := checkpointer.Start(schedule); err != nil {
			glog.Exitf("failed to schedule checkpoints: %v", err)
		}
	}

	server := relay.NewServerWithConfig(registry, relay.ServerConfig{
		JWTSecret:       os.Getenv("PAGERELAY_JWT_SECRET"),
		MaxBodyBytes:    int64Env("PAGERELAY_MAX_BODY_BYTES", 0),
		MaxMessageBytes: int64Env("PAGERELAY_MAX_MESSAGE_BYTES", 0),
		OriginPatterns:  listEnv("PAGERELAY_ORIGIN_PATTERNS"),
		WriteTimeout:    durationEnv("PAGERELAY_WRITE_TIMEOUT", 0),
		SendQueue:       intEnv("PAGERELAY_SEND_QUEUE", 0),
		RateLimitMax:    intEnv("PAGERELAY_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("PAGERELAY_RATE_LIMIT_WINDOW", time.Minute),
		Logger:          logger,
	})
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("PAGERELAY_SHUTDOWN_TIMEOUT", 10*time.Second))
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			glog.Warningf("shutdown: %v", err)
		}
	}()

	glog.Infof("pagerelay listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Exitf("server failed: %v", err)
	}
	if checkpointer != nil {
		if err := checkpointer.Stop(); err != nil {
			glog.Errorf("final checkpoint failed: %v", err)
		}
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func listEnv(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func buildStateBackendFromEnv() (relay.StateBackend, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	stateBackendDSN := strings.TrimSpace(os.Getenv("PAGERELAY_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("PAGERELAY_STATE_FILE"))
	switch {
	case stateBackendDSN != "":
		return relay.BuildStateBackendFromDSN(stateBackendDSN)
	case stateFile != "":
		return relay.BuildStateBackendFromDSN(stateFile)
	case profileDSN != "":
		return relay.BuildStateBackendFromDSN(profileDSN)
	default:
		return nil, nil
	}
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("PAGERELAY_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("PAGERELAY_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".pagerelay"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("PAGERELAY_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("PAGERELAY_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("PAGERELAY_PRODUCTION_DSN or PAGERELAY_POSTGRES_DSN is required when PAGERELAY_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	case "sqlite-local", "local-sqlite":
		return "sqlite://" + filepath.Join(dataDir, "state.db"), nil
	default:
		return "", fmt.Errorf("unsupported PAGERELAY_BACKEND_PROFILE: %s", profile)
	}
}
