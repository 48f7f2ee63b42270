// Jenkins AI Detective - chat server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/jenkins-detective/internal/agent"
	"github.com/ashureev/jenkins-detective/internal/api"
	"github.com/ashureev/jenkins-detective/internal/catalog"
	"github.com/ashureev/jenkins-detective/internal/config"
	"github.com/ashureev/jenkins-detective/internal/identity"
	"github.com/ashureev/jenkins-detective/internal/logging"
	"github.com/ashureev/jenkins-detective/internal/middleware"
	"github.com/ashureev/jenkins-detective/internal/realtime"
	"github.com/ashureev/jenkins-detective/internal/render"
	"github.com/ashureev/jenkins-detective/internal/responder"
	"github.com/ashureev/jenkins-detective/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath,
		store.WithRetry(cfg.Retry.DatabaseMaxRetries, cfg.Retry.DatabaseRetryBaseDelay))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	resp, err := newResponder(cfg.Assistant.RulesPath)
	if err != nil {
		return err
	}
	slog.Info("Responder ready", "rules", resp.RuleCount())

	convLog, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := convLog.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	svc, err := agent.NewService(resp, agent.Config{
		AssistantName: cfg.Assistant.Name,
		ReplyDelay:    cfg.Assistant.ReplyDelay,
		TranscriptTZ:  cfg.Assistant.TranscriptTZ,
	},
		agent.WithSessionStore(repo),
		agent.WithConversationLogger(convLog),
		agent.WithLogger(logging.New("chat")),
	)
	if err != nil {
		return err
	}

	// Initialize handlers.
	view := agent.NewPresenter(render.New(cfg.Assistant.CodeStyle))
	sm := realtime.NewSessionManager(view)
	agentHandler := agent.NewHandler(svc, repo, view, cfg, sm)
	wsHandler := realtime.NewWebSocketHandler(svc, sm, view, repo, cfg.FrontendURL, cfg.IsDevelopment())
	wsHandler.SetLimiter(agentHandler.Limiter())
	baseHandler := api.NewHandler(repo, catalog.Default(), api.AppInfo{
		AssistantName: cfg.Assistant.Name,
		ReplyDelay:    cfg.Assistant.ReplyDelay,
		RuleCount:     svc.RuleCount(),
	})
	healthHandler := api.NewHealthHandler(repo, cfg.Timeout.HealthCheck)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		baseHandler.RegisterRoutes(r)
		agentHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return agent.RunSweeper(gctx, svc, repo, agent.SweeperConfig{
			Interval: cfg.SweepInterval,
			IdleTTL:  cfg.SessionTTL,
		}, func(key agent.SessionKey) {
			agentHandler.PruneSession(key)
			sm.CloseSession(key.UserID, key.SessionID)
		})
	})

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
		defer cancel()

		// Streams and sockets never finish on their own; end them first.
		sm.CloseAll()
		agentHandler.Close()
		err := srv.Shutdown(shutdownCtx)
		svc.Close()
		return err
	})

	return g.Wait()
}

func newResponder(rulesPath string) (*responder.Responder, error) {
	if rulesPath == "" {
		return responder.Default(), nil
	}
	slog.Info("Loading rules", "path", rulesPath)
	return responder.FromFile(rulesPath)
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
