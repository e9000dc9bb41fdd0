package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"texchat/internal/api"
	"texchat/internal/config"
	"texchat/internal/gateway"
	"texchat/internal/logutil"
	"texchat/internal/redis"
	"texchat/internal/render"
	"texchat/internal/service/ai"
	"texchat/internal/session"
	"texchat/internal/state"
	"texchat/internal/storage"
	"texchat/internal/web"
	"texchat/internal/workspace"
)

var version = "dev"

func main() {
	app := &cli.Command{
		Name:    "texchat",
		Usage:   "Chat, LaTeX editor and PDF preview in one page",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
				Sources: cli.EnvVars("TEXCHAT_CONFIG"),
				Value:   "config.json",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error, fatal)",
				Sources: cli.EnvVars("TEXCHAT_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "path to log file (defaults to stdout)",
				Sources: cli.EnvVars("TEXCHAT_LOG_FILE"),
			},
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "listen address, overrides basic_config.server_address",
				Sources: cli.EnvVars("TEXCHAT_ADDR"),
			},
		},
		Action: run,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.IsSet("log-level") {
		cfg.BasicConfig.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-file") {
		cfg.BasicConfig.LogFile = cmd.String("log-file")
	}
	if cmd.IsSet("addr") {
		cfg.BasicConfig.ServerAddress = cmd.String("addr")
	}

	logger, closeLog, err := logutil.New(cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogFile)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	workspaceTTL := time.Duration(cfg.State.WorkspaceTTL) * time.Minute
	var store state.Store
	switch cfg.State.Backend {
	case config.StateRedis:
		rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
		store = state.NewRedis(rdb, workspaceTTL)
	default:
		store = state.NewMemory(workspaceTTL)
	}

	var (
		recorder workspace.Recorder
		reader   api.JournalReader
	)
	if cfg.Journal.Driver != "" {
		db, err := storage.Open(cfg.Journal)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer db.Close()
		if err := storage.Migrate(db, cfg.Journal.Driver); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
		journal := storage.NewJournal(db)
		recorder, reader = journal, journal
		if cfg.Journal.AdminToken == "" {
			logger.Warn().Msg("journal enabled without admin_token, GET /api/journal is off")
		}
	}

	client := gateway.NewClient(gateway.Options{
		ConvertURL: cfg.Endpoints.ConvertURL,
		ChatURL:    cfg.Endpoints.ChatURL,
		Timeout:    time.Duration(cfg.Endpoints.Timeout) * time.Second,
		Logger:     logger.With().Str("component", "gateway").Logger(),
	})
	var replier workspace.Replier = client
	if cfg.Chat.Mode == config.ChatModeModel {
		replier, err = ai.NewService(ctx, ai.Options{
			Provider:     cfg.Chat.Provider,
			Config:       cfg.Provider(),
			SystemPrompt: cfg.Chat.SystemPrompt,
			WebSearch:    cfg.Chat.WebSearch,
			Logger:       logger.With().Str("component", "ai").Logger(),
		})
		if err != nil {
			return fmt.Errorf("init ai service: %w", err)
		}
	}

	uploads := workspace.NewUploads(
		cfg.BasicConfig.FileBaseDir,
		time.Duration(cfg.BasicConfig.AttachmentTTL)*time.Minute,
		cfg.BasicConfig.MaxUploadBytes,
		logger.With().Str("component", "uploads").Logger(),
	)
	svc := workspace.NewService(workspace.Options{
		Store:     store,
		Replier:   replier,
		Converter: client,
		Uploads:   uploads,
		Journal:   recorder,
		Logger:    logger.With().Str("component", "workspace").Logger(),
	})
	cleanInterval := time.Duration(cfg.BasicConfig.CleanInterval) * time.Minute
	uploads.StartCleaner(ctx, cleanInterval)
	svc.StartJanitor(ctx, cleanInterval)

	tmpl, err := web.Templates()
	if err != nil {
		return err
	}
	if cfg.BasicConfig.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), logutil.GinLogger(logger))
	router.SetHTMLTemplate(tmpl)

	api.NewHandler(api.Options{
		Workspaces:     svc,
		Sessions:       session.NewManager(svc, workspaceTTL, cfg.BasicConfig.SecureCookies),
		Views:          web.NewViews(render.New(cfg.BasicConfig.HighlightStyle)),
		Journal:        reader,
		JournalToken:   cfg.Journal.AdminToken,
		MaxUploadBytes: cfg.BasicConfig.MaxUploadBytes,
		Logger:         logger,
	}).RegisterRoutes(router)

	return serve(ctx, logger, cfg.BasicConfig.ServerAddress, router)
}

func serve(ctx context.Context, logger zerolog.Logger, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
