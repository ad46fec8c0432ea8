package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rvierich/tsrelay/internal/config"
	"github.com/rvierich/tsrelay/internal/coordinator"
	"github.com/rvierich/tsrelay/internal/database"
	"github.com/rvierich/tsrelay/internal/event"
	"github.com/rvierich/tsrelay/internal/httpapi"
	"github.com/rvierich/tsrelay/internal/ingest"
	"github.com/rvierich/tsrelay/internal/models"
	"github.com/rvierich/tsrelay/internal/registry"
	"github.com/rvierich/tsrelay/internal/repository"
	"github.com/rvierich/tsrelay/internal/ring"
	"github.com/rvierich/tsrelay/internal/store"
	"github.com/rvierich/tsrelay/internal/streamer"
	"github.com/rvierich/tsrelay/internal/upstream"
	"github.com/rvierich/tsrelay/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a tsrelay worker",
	Long: `Start a tsrelay worker.

The worker serves:
- GET /stream/{channelID} for MPEG-TS delivery
- REST control API under /api/v1 (OpenAPI document at /openapi.json)
- Health check at /healthz`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "host to bind to")
	serveCmd.Flags().Int("port", 0, "port to listen on")
	serveCmd.Flags().String("redis", "", "Redis address (host:port)")
	serveCmd.Flags().String("worker-id", "", "cluster worker id (default: hostname plus a ULID)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)

	logger := newLogger(cfg.Logging)

	workerID, _ := cmd.Flags().GetString("worker-id")
	if workerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		workerID = fmt.Sprintf("%s-%s", hostname, models.NewULID())
	}

	logger.Info("starting tsrelay worker",
		slog.String("version", version.Version),
		slog.String("worker_id", workerID))

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening catalog database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(); err != nil {
		return err
	}

	s, err := store.New(cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("connecting to shared store: %w", err)
	}
	defer func() { _ = s.Close() }()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := s.Ping(pingCtx); err != nil {
		return fmt.Errorf("shared store unreachable: %w", err)
	}

	bus := event.NewBus(s, workerID, logger)
	tracker := upstream.NewTracker(s, logger)
	selector := upstream.NewSelector(tracker, logger)
	reg := registry.New(s, bus, cfg.Relay, logger)
	buf := ring.New(s, cfg.Relay.RingEntryTTL)
	channels := repository.NewChannelRepository(db.DB)
	streams := repository.NewStreamRepository(db.DB)
	accounts := repository.NewAccountRepository(db.DB)

	coord := coordinator.New(coordinator.Opts{
		Relay:      cfg.Relay,
		Store:      s,
		Ring:       buf,
		Bus:        bus,
		Registry:   reg,
		Selector:   selector,
		Transcoder: ingest.NewTranscoder(cfg.Transcoder, logger),
		HTTPClient: ingest.NewHTTPClient(cfg.Relay),
		Catalog:    channels,
		Streams:    streams,
		Logger:     logger,
	})

	deliver := streamer.New(cfg.Relay, s, buf, reg, logger)

	server := httpapi.NewServer(cfg.Server, logger, version.Version)
	httpapi.NewStreamHandler(coord, deliver, logger).RegisterChiRoutes(server.Router())
	httpapi.NewControlHandler(coord, s, reg, tracker, channels, accounts, logger).Register(server.API())
	httpapi.NewHealthHandler(version.Version, s).Register(server.API())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(ctx)
	})
	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})

	err = g.Wait()
	logger.Info("tsrelay worker stopped")
	return err
}

// applyServeFlags overrides config values with explicitly set CLI flags.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, ok := changedString(cmd.Flags(), "host"); ok {
		cfg.Server.Host = v
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if v, ok := changedString(cmd.Flags(), "redis"); ok {
		cfg.Redis.Addr = v
	}
}
