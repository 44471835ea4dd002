// Chat Gate - authenticated chat gateway
//
// This is the main entry point for the Chat Gate service. Chat Gate fronts
// a language-model endpoint with device-code authentication against an
// OAuth 2.0 identity provider: users sign in on a second device, the
// service manages their session and silent token renewal, and every chat
// request is forwarded with the user's own credential.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/kestrelworks/chatgate/migrations"

	"github.com/kestrelworks/chatgate/internal/api"
	"github.com/kestrelworks/chatgate/internal/authflow"
	"github.com/kestrelworks/chatgate/internal/authz"
	"github.com/kestrelworks/chatgate/internal/chat"
	"github.com/kestrelworks/chatgate/internal/history"
	"github.com/kestrelworks/chatgate/internal/idp"
	"github.com/kestrelworks/chatgate/internal/infrastructure/config"
	"github.com/kestrelworks/chatgate/internal/infrastructure/database"
	"github.com/kestrelworks/chatgate/internal/infrastructure/influxdb"
	"github.com/kestrelworks/chatgate/internal/infrastructure/logging"
	"github.com/kestrelworks/chatgate/internal/refresh"
	"github.com/kestrelworks/chatgate/internal/session"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Chat Gate",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Role mapping, validated at startup so a configuration typo fails fast
	mapping, err := authz.NewMapping(cfg.Auth.RoleMappings, cfg.Auth.AllowedRoles)
	if err != nil {
		return fmt.Errorf("building role mapping: %w", err)
	}
	gate := authz.NewGate(mapping)
	log.Info("role mapping loaded",
		"mappings", len(cfg.Auth.RoleMappings),
		"allowed_roles", cfg.Auth.AllowedRoles,
	)

	// Session store
	store := session.NewStore()
	store.SetLogger(log)

	// Identity provider client
	provider := idp.New(cfg.IdP)
	log.Info("identity provider configured",
		"authority", cfg.IdP.Authority,
		"tenant_id", cfg.IdP.TenantID,
	)

	// Token refresh scheduler
	scheduler := refresh.NewScheduler(store, provider, mapping, influxClient, refresh.Config{
		Buffer:        time.Duration(cfg.Auth.RefreshBufferMinutes) * time.Minute,
		CheckInterval: time.Duration(cfg.Auth.RefreshCheckIntervalSeconds) * time.Second,
		MaxRetries:    cfg.IdP.MaxPollRetries,
	})
	scheduler.SetLogger(log)
	defer func() {
		log.Info("stopping refresh scheduler")
		scheduler.Close()
	}()

	// Login flow controller
	flow := authflow.NewController(store, provider, mapping, scheduler, influxClient, authflow.Config{
		DefaultPollInterval: cfg.IdP.DefaultPollInterval,
		MaxPollRetries:      cfg.IdP.MaxPollRetries,
	})
	flow.SetLogger(log)
	defer func() {
		log.Info("stopping login flow controller")
		flow.Close()
	}()

	// Session expiry sweep. Removed sessions release their poll and
	// refresh resources through the controller.
	store.StartSweeper(ctx,
		time.Duration(cfg.Auth.SweepIntervalSeconds)*time.Second,
		time.Duration(cfg.Auth.RetentionMinutes)*time.Minute,
		func(ids []string) {
			flow.HandleRemoved(ids)
			influxClient.WriteSweepCount(len(ids))
			influxClient.WriteActiveSessions(store.CountAuthenticated())
		},
	)

	// Chat gateway and transcript store
	chatClient := chat.New(cfg.Chat, influxClient)
	historyRepo := history.NewRepository(db.DB)

	// API server
	server, err := api.New(api.Deps{
		Config:    cfg.Server,
		WS:        cfg.WebSocket,
		Auth:      cfg.Auth,
		Chat:      cfg.Chat,
		Logger:    log,
		Store:     store,
		Flow:      flow,
		Scheduler: scheduler,
		Gate:      gate,
		ChatLLM:   chatClient,
		History:   historyRepo,
		Metrics:   influxClient,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "host", cfg.Server.Host, "port", cfg.Server.Port)

	// Tell live WebSocket clients when their session expires.
	scheduler.SetOnExpired(server.NotifySessionExpired)

	// Verify connections are healthy
	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. API server (stops accepting requests)
	// 2. Flow controller and refresh scheduler (stop per-session goroutines)
	// 3. InfluxDB (if enabled)
	// 4. Database

	log.Info("Chat Gate stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses CHATGATE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("CHATGATE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
