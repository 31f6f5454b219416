package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/config"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/database"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/gitlab"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/hashing"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/storage/memory"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/storage/postgres"
	redisstore "github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/storage/redis"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/transport"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/upstream"
	httprouter "github.com/manorfm/gitlab-mcp-proxy/internal/interfaces/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is overridden at build time with -ldflags
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "gitlab-mcp-proxy",
	Short: "OAuth2 authorization proxy in front of a GitLab MCP server",
	Long: `Presents a single OAuth2 authorization server to MCP clients while delegating
every login and token exchange to one upstream GitLab OAuth application.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gitlab-mcp-proxy version %s\n", Version)
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open store", zap.String("driver", cfg.StorageDriver), zap.Error(err))
		return err
	}
	defer store.Close()

	clients := transport.NewProvider(30 * time.Second)
	defer clients.CloseIdle()

	router := httprouter.NewRouter(httprouter.Dependencies{
		Store:    store,
		Hasher:   newTokenHasher(cfg),
		Upstream: upstream.NewGitLab(cfg.Upstream(), clients.Client(cfg.GitLabTokenURL), logger),
		GitLab:   gitlab.NewClient(cfg.GitLabBaseURL, clients.Client(cfg.GitLabBaseURL), logger),
		Version:  Version,
	}, cfg, logger)
	defer router.Close()

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	router.Start(sweepCtx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		// /poll holds the response open for the whole login wait
		WriteTimeout: cfg.LoginWaitTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.Int("port", cfg.ServerPort),
			zap.String("issuer", cfg.BaseURL+cfg.PathPrefix),
			zap.String("storage", cfg.StorageDriver),
			zap.String("token_hash", cfg.TokenHash))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		if err != nil {
			logger.Error("Server failed to start", zap.Error(err))
			return err
		}
	}

	// Graceful shutdown
	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	logger.Info("Server exited properly")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	atomic, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = atomic
	return zapCfg.Build()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (domain.Store, error) {
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		db, err := database.NewPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(); err != nil {
			db.Close()
			return nil, err
		}
		return postgres.NewStore(db, logger), nil
	case config.StorageRedis:
		client, err := redisstore.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return redisstore.NewStore(client, cfg.RedisKeyPrefix, logger), nil
	default:
		logger.Warn("Using in-memory store; state is lost on restart")
		return memory.NewStore(), nil
	}
}

func newTokenHasher(cfg *config.Config) domain.TokenHasher {
	if cfg.TokenHash == config.TokenHashHMAC {
		return hashing.NewHMACHasher([]byte(cfg.TokenHMACKey))
	}
	return hashing.NewArgon2Hasher(hashing.Argon2Params{
		MemoryKiB: cfg.Argon2MemoryKiB,
		Time:      cfg.Argon2Time,
		Threads:   cfg.Argon2Threads,
	})
}
