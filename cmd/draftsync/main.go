package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"draftsync/internal/app"
	"draftsync/internal/broadcast"
	"draftsync/internal/checkpoint"
	"draftsync/internal/commit"
	"draftsync/internal/config"
	"draftsync/internal/gitrepo"
	"draftsync/internal/metrics"
	"draftsync/internal/search"
	"draftsync/internal/session"
	"draftsync/internal/store"
)

var rootCmd = &cobra.Command{
	Use:           "draftsync",
	Short:         "Draftsync - live draft sessions over structured documents",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if addr != "" {
			cfg.Addr = addr
		}
		return serve(cmd.Context(), cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply artifact store migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(cmd.Context(), db); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		log.Printf("migrations applied (%s)", db.Dialect)
		return nil
	},
}

var addr string

func init() {
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides DRAFTSYNC_ADDR)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	metrics.Init()

	var sessions session.Store
	var redisStore *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for live sessions")
		rs, err := session.NewRedisStore(cfg.RedisURL,
			session.WithKeyPrefix(cfg.RedisKeyPrefix),
			session.WithGrace(cfg.TombstoneGrace),
		)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer rs.Close()
		redisStore = rs
		sessions = rs
	} else {
		log.Printf("Using in-memory live sessions (single node)")
		sessions = session.NewMemoryStore(cfg.TombstoneGrace, time.Now)
	}

	var (
		artifacts commit.ArtifactStore
		fallback  search.Searcher
	)
	switch cfg.ArtifactBackend {
	case "git":
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			return fmt.Errorf("failed to create repos dir: %w", err)
		}
		artifacts = gitrepo.New(cfg.ReposDir)
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		sqlStore := store.NewArtifactStore(db)
		artifacts = sqlStore
		fallback = search.NewSQLFallback(sqlStore)
	}

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		index = meiliClient
	}

	var archive checkpoint.Archive
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioArchive, err := checkpoint.NewMinioArchive(ctx, checkpoint.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("checkpoint archive: %w", err)
		}
		archive = minioArchive
	}

	hub := broadcast.NewHub(cfg.BroadcastBuffer)
	var relay *broadcast.RedisRelay
	if redisStore != nil {
		relay = broadcast.NewRedisRelay(redisStore.Client(), cfg.RedisKeyPrefix, hub)
	}

	service := app.New(cfg, app.Deps{
		Sessions:  sessions,
		Artifacts: artifacts,
		Hub:       hub,
		Archive:   archive,
		Search:    search.NewService(index, fallback),
	})
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, broadcast.WSConfig{
		Rate:  rate.Limit(cfg.ClientRate),
		Burst: cfg.ClientBurst,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Draftsync listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error { return service.Scheduler().Run(gctx) })
	g.Go(func() error { return service.RunSweeper(gctx) })
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		return nil
	})
	return g.Wait()
}
