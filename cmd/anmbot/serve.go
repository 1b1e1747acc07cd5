package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/anm-bot/internal/api"
	"github.com/ashureev/anm-bot/internal/config"
	"github.com/ashureev/anm-bot/internal/conversation"
	"github.com/ashureev/anm-bot/internal/dedupe"
	"github.com/ashureev/anm-bot/internal/domain"
	"github.com/ashureev/anm-bot/internal/hub"
	"github.com/ashureev/anm-bot/internal/lifecycle"
	"github.com/ashureev/anm-bot/internal/middleware"
	"github.com/ashureev/anm-bot/internal/store"
	"github.com/ashureev/anm-bot/internal/timers"
	"github.com/ashureev/anm-bot/internal/transport"
	"github.com/ashureev/anm-bot/internal/transport/whatsapp"
)

const (
	shutdownTimeout = 10 * time.Second
	dedupeCapacity  = 10000
	recorderQueue   = 256
)

const banner = `
    _    _   _ __  __   ____        _
   / \  | \ | |  \/  | | __ )  ___ | |_
  / _ \ |  \| | |\/| | |  _ \ / _ \| __|
 / ___ \| |\  | |  | | | |_) | (_) | |_
/_/   \_\_| \_|_|  |_| |____/ \___/ \__|
`

// sessionSender forwards replies to the lifecycle manager, which is built
// after the conversation engine it feeds.
type sessionSender struct {
	mgr *lifecycle.Manager
}

func (s *sessionSender) SendMessage(ctx context.Context, to, text string) error {
	return s.mgr.SendMessage(ctx, to, text)
}

func loadCatalog(cfg *config.Config) (*conversation.Catalog, error) {
	if cfg.CatalogPath == "" {
		return conversation.DefaultCatalog(), nil
	}
	catalog, err := conversation.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return catalog, nil
}

func printBanner(cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	green.Print("    ▶ ")
	fmt.Printf("HTTP:      :%s\n", cfg.Port)
	green.Print("    ▶ ")
	if cfg.GRPCAddr != "" {
		fmt.Printf("gRPC:      %s\n", cfg.GRPCAddr)
	} else {
		fmt.Print("gRPC:      ")
		gray.Println("disabled")
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.StorePath)
	if !cfg.AutoStart {
		green.Print("    ▶ ")
		yellow.Println("Session waits for a start command")
	}
	fmt.Println()
}

//nolint:funlen,gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	printBanner(cfg)
	logger := setupLogger(cfg)
	if envMissing {
		slog.Info("No .env file found, using environment variables")
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Storage.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
		return fmt.Errorf("create device store directory: %w", err)
	}
	factory, err := whatsapp.NewFactory(ctx, cfg.StorePath, logger)
	if err != nil {
		return err
	}
	slog.Info("Device store ready", "path", cfg.StorePath)

	// Conversations.
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	transcript, err := conversation.NewTranscriptLogger(conversation.TranscriptConfig{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize transcripts: %w", err)
	}
	defer func() {
		if closeErr := transcript.Close(); closeErr != nil {
			slog.Error("Failed to close transcripts", "error", closeErr)
		}
	}()

	sender := &sessionSender{}
	engine, err := conversation.NewEngine(conversation.Options{
		Catalog:    catalog,
		Timers:     timers.NewRegistry(cfg.WarningDelay, cfg.ResetDelay, timers.RealClock()),
		Sender:     sender,
		Dedupe:     dedupe.New(cfg.DedupeTTL, dedupeCapacity),
		Handoffs:   repo,
		Transcript: transcript,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("initialize conversation engine: %w", err)
	}

	// Session and observers.
	recorder := store.NewEventRecorder(repo, recorderQueue, logger)
	grpcServer, healthReporter := api.NewGRPCServer()

	var h *hub.Hub
	publishers := lifecycle.Publishers{
		lifecycle.PublisherFunc(func(evt domain.Event) { h.Publish(evt) }),
		recorder,
		healthReporter,
	}
	mgr, err := lifecycle.NewManager(lifecycle.Options{
		Factory:   factory,
		Publisher: publishers,
		Chats:     engine,
		OnMessage: func(msg transport.InboundMessage) {
			engine.HandleMessage(conversation.Message{
				ID:         msg.ID,
				From:       msg.From,
				Text:       msg.Text,
				ReceivedAt: msg.Timestamp,
			})
		},
		LogoutOnStop: cfg.LogoutOnStop,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("initialize lifecycle manager: %w", err)
	}
	sender.mgr = mgr
	h = hub.New(mgr, logger)

	// HTTP.
	handler := api.NewHandler(mgr, h, engine, repo)
	wsHandler := hub.NewWebSocketHandler(h, cfg.AllowedOrigins()[0], cfg.IsDevelopment())

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	handler.RegisterHealth(r)
	handler.RegisterRoutes(r)
	r.Get("/ws", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	var grpcListener net.Listener
	if cfg.GRPCAddr != "" {
		grpcListener, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return recorder.Run(gctx) })

	store.StartRetentionWorker(gctx, repo, cfg.EventRetention)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcListener != nil {
		g.Go(func() error {
			slog.Info("gRPC health server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(grpcListener); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	if cfg.AutoStart {
		g.Go(func() error {
			if err := mgr.Start(gctx); err != nil {
				slog.Warn("Automatic session start failed", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		h.CloseAll("server shutting down")
		healthReporter.Shutdown()
		grpcServer.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	engine.Flush()
	if err != nil {
		return err
	}

	slog.Info("Server stopped successfully")
	return nil
}
