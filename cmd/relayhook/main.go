package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relayhook/internal/hookstore"
	"github.com/agentworkforce/relayhook/internal/httpapi"
)

func main() {
	addr := os.Getenv("RELAYHOOK_ADDR")
	if addr == "" {
		addr = ":8000"
	}
	backend, err := buildBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize storage backend: %v", err)
	}

	store := hookstore.NewStoreWithOptions(hookstore.StoreOptions{
		Backend:                backend,
		MaxRequestsPerEndpoint: intEnv("RELAYHOOK_MAX_REQUESTS_PER_ENDPOINT", 0),
	})
	defer store.Close()
	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		BaseURL:         os.Getenv("RELAYHOOK_BASE_URL"),
		JWTSecret:       os.Getenv("RELAYHOOK_JWT_SECRET"),
		RateLimitMax:    intEnv("RELAYHOOK_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("RELAYHOOK_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("RELAYHOOK_MAX_BODY_BYTES", 0),
		HubBuffer:       intEnv("RELAYHOOK_HUB_BUFFER", 0),
		Logger:          log.Default(),
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-rootCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("relayhook listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
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
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
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
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

// buildBackendFromEnv prefers an explicit RELAYHOOK_STORE_DSN over the
// profile default. No DSN and no profile means in-memory storage.
func buildBackendFromEnv() (hookstore.Backend, error) {
	profileDSN, err := storageProfileDSNFromEnv()
	if err != nil {
		return nil, err
	}
	if dsn := strings.TrimSpace(os.Getenv("RELAYHOOK_STORE_DSN")); dsn != "" {
		return hookstore.BuildBackendFromDSN(dsn)
	}
	return hookstore.BuildBackendFromDSN(profileDSN)
}

func storageProfileDSNFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("RELAYHOOK_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("RELAYHOOK_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".relayhook"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("RELAYHOOK_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("RELAYHOOK_POSTGRES_DSN is required when RELAYHOOK_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	case "durable-local", "local-durable":
		// A bare path, so relative data dirs are not read as a URL host.
		return filepath.Join(dataDir, "hooks.json"), nil
	default:
		return "", fmt.Errorf("unsupported RELAYHOOK_BACKEND_PROFILE: %s", profile)
	}
}
