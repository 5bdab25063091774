package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-autoclip/internal/api"
	"github.com/heimdex/heimdex-autoclip/internal/blob"
	"github.com/heimdex/heimdex-autoclip/internal/config"
	"github.com/heimdex/heimdex-autoclip/internal/db"
	"github.com/heimdex/heimdex-autoclip/internal/delivery"
	"github.com/heimdex/heimdex-autoclip/internal/highlight"
	"github.com/heimdex/heimdex-autoclip/internal/llm"
	"github.com/heimdex/heimdex-autoclip/internal/logging"
	"github.com/heimdex/heimdex-autoclip/internal/pipeline"
	"github.com/heimdex/heimdex-autoclip/internal/render"
	"github.com/heimdex/heimdex-autoclip/internal/session"
	"github.com/heimdex/heimdex-autoclip/internal/worker"
)

const (
	startupTimeout  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides AUTOCLIP_PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	port := cfg.Port()
	if servePort > 0 {
		port = servePort
	}

	for _, dir := range []string{cfg.DataDir(), cfg.BlobDir(), cfg.WorkDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting autoclip", "version", Version, "data_dir", cfg.DataDir(), "render_mode", cfg.RenderMode())

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	store, err := openSessionStore(startCtx, cfg, logger)
	startCancel()
	if err != nil {
		return err
	}
	defer store.close()
	repo := session.NewCachedRepository(store.repo, cfg.SessionCacheTTL(), logger)

	blobs, err := blob.NewLocalStore(cfg.BlobDir(), strings.TrimRight(cfg.PublicURL(), "/")+"/blobs", blob.NewSigner(cfg.SigningKey()), logger)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}

	var workerClient *worker.Client
	if cfg.WorkerURL() != "" {
		workerClient = worker.NewClient(cfg.WorkerURL(), cfg.WorkerSecret(), logger,
			worker.WithTimeout(cfg.WorkerTimeout()),
			worker.WithRenderTimeout(cfg.RenderTimeout()),
		)
		logger.Info("media worker configured", "url", cfg.WorkerURL())
	} else {
		logger.Warn("no media worker configured, transcription and URL inputs are disabled")
	}

	selector, closeLLM := buildSelector(ctx, cfg, logger)
	defer closeLLM()

	deps := pipeline.Deps{
		Repo:      repo,
		Engine:    highlight.NewEngine(selector, logger),
		Store:     blobs,
		Logger:    logger,
		UploadDir: filepath.Join(cfg.DataDir(), "uploads"),
	}
	// Typed nils must not reach interface fields.
	var signer delivery.URLSigner
	if workerClient != nil {
		deps.Worker = workerClient
		signer = workerClient
	}

	switch cfg.RenderMode() {
	case config.RenderModeRemote:
		if workerClient == nil {
			return fmt.Errorf("render mode %q requires %s", config.RenderModeRemote, config.EnvWorkerURL)
		}
		remote := render.NewRemoteRenderer(workerClient, cfg.Font(), logger)
		deps.Renderer = render.NewOrchestrator(remote, logger)
		deps.Previewer = remote
	default:
		runner := render.NewExecRunner(logger)
		prober := render.NewFFprobe(cfg.FFprobePath(), runner)
		cropper := &render.FallbackCropper{
			Center: render.NewCenterCropper(cfg.FFmpegPath(), runner, prober),
			Logger: logger,
		}
		if cfg.CropScript() != "" {
			cropper.Script = render.NewScriptCropper(cfg.Python(), cfg.CropScript(), runner)
		}
		local := render.NewLocalRenderer(render.LocalConfig{
			FFmpeg:       cfg.FFmpegPath(),
			WorkDir:      cfg.WorkDir(),
			Font:         cfg.Font(),
			SignedURLTTL: cfg.SignedURLTTL(),
		}, runner, cropper, blobs, logger)
		deps.Renderer = render.NewOrchestrator(local, logger)
		deps.Previewer = local
		deps.Prober = prober
		deps.LocalSource = true
	}

	packager := delivery.NewPackager(blobs, signer, cfg.SignedURLTTL(), logger)
	deps.Packager = packager
	svc := pipeline.NewService(deps)

	apiServer := api.NewServer(api.ServerConfig{
		Port:           port,
		Pipeline:       svc,
		Delivery:       packager,
		Blobs:          blob.Handler(blobs, logger),
		APIToken:       cfg.APIToken(),
		AllowedOrigins: cfg.AllowedOrigins(),
		Logger:         logger,
		StartTime:      startTime,
		Version:        Version,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// buildSelector prefers the Gemini selector when a key is configured and
// always falls back to the transcript heuristic.
func buildSelector(ctx context.Context, cfg config.Config, logger *slog.Logger) (highlight.Selector, func()) {
	if cfg.GeminiAPIKey() == "" {
		logger.Info("no LLM key configured, using heuristic highlight selection")
		return highlight.HeuristicSelector{}, func() {}
	}
	client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey(), cfg.GeminiModel())
	if err != nil {
		logger.Warn("LLM client unavailable, using heuristic highlight selection", "error", err)
		return highlight.HeuristicSelector{}, func() {}
	}
	logger.Info("LLM highlight selection enabled", "model", client.Model())

	selector := &highlight.FallbackSelector{
		Primary:   highlight.NewLLMSelector(client, logger),
		Secondary: highlight.HeuristicSelector{},
		Logger:    logger,
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close LLM client", "error", err)
		}
	}
	return selector, closeFn
}

type sessionStore struct {
	repo    session.Repository
	backend string
	close   func()
}

// openSessionStore opens Postgres when a database URL is set and the
// SQLite file under the data dir otherwise. Both paths apply the schema
// and fail renders left running by a previous process.
func openSessionStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sessionStore, error) {
	if cfg.DatabaseURL() == "" {
		database, err := db.New(cfg.DBPath(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return &sessionStore{
			repo:    session.NewSQLiteRepository(database.Conn()),
			backend: "sqlite",
			close:   func() { database.Close() },
		}, nil
	}

	pool, err := session.ConnectPostgres(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, err
	}
	repo := session.NewPostgresRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if n, err := repo.MarkInterrupted(ctx, db.InterruptedMessage); err != nil {
		logger.Warn("failed to mark interrupted renders", "error", err)
	} else if n > 0 {
		logger.Warn("marked interrupted renders as failed", "count", n)
	}
	return &sessionStore{repo: repo, backend: "postgres", close: pool.Close}, nil
}
