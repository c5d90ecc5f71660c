package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	audioimpl "github.com/foxseedlab/jimaku/external/audio"
	configloader "github.com/foxseedlab/jimaku/external/config"
	"github.com/foxseedlab/jimaku/external/discord"
	"github.com/foxseedlab/jimaku/external/httpserver"
	modelimpl "github.com/foxseedlab/jimaku/external/model"
	recognizerimpl "github.com/foxseedlab/jimaku/external/recognizer"
	repositoryimpl "github.com/foxseedlab/jimaku/external/repository"
	"github.com/foxseedlab/jimaku/external/sink"
	webhookimpl "github.com/foxseedlab/jimaku/external/webhook"
	"github.com/foxseedlab/jimaku/internal/audio"
	"github.com/foxseedlab/jimaku/internal/config"
	discordpkg "github.com/foxseedlab/jimaku/internal/discord"
	"github.com/foxseedlab/jimaku/internal/metrics"
	"github.com/foxseedlab/jimaku/internal/model"
	"github.com/foxseedlab/jimaku/internal/pipeline"
	"github.com/foxseedlab/jimaku/internal/repository"
	"github.com/foxseedlab/jimaku/internal/session"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/do/v2"
)

const (
	discordConnectTimeout = 20 * time.Second
	modelResolveTimeout   = 10 * time.Second
	pipelineStartTimeout  = 60 * time.Second
	shutdownTimeout       = 45 * time.Second
)

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "capture_backend", cfg.CaptureBackend, "recognizer_engine", cfg.RecognizerEngine)

	slog.Info("startup: building dependency graph")
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	injector := setupDI(cfg, registry)
	mustResolveModel(cfg, injector)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if cfg.CaptureBackend == config.CaptureBackendDiscord {
		err = runBot(ctx, cfg, injector, registry)
	} else {
		err = runLocal(ctx, cfg, injector, registry)
	}
	if err != nil {
		slog.Error("jimaku stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("jimaku stopped")
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config, registry *prometheus.Registry) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, metrics.New(registry))
	modelimpl.RegisterDI(injector)
	recognizerimpl.RegisterDI(injector)
	audioimpl.RegisterDI(injector)
	pipeline.RegisterDI(injector)
	if cfg.CaptureBackend == config.CaptureBackendDiscord {
		repositoryimpl.RegisterDI(injector)
		discord.RegisterDI(injector)
		webhookimpl.RegisterDI(injector)
		session.RegisterDI(injector)
	}

	return injector
}

// mustResolveModel fills in the default model so every pipeline prepares the same one.
func mustResolveModel(cfg *config.Config, injector do.Injector) {
	var models model.Repository
	if cfg.RecognizerEngine == config.RecognizerEngineVosk {
		models = do.MustInvoke[model.Repository](injector)
	}
	ctx, cancel := context.WithTimeout(context.Background(), modelResolveTimeout)
	defer cancel()
	modelID, err := recognizerimpl.ResolveModelID(ctx, cfg, models)
	if err != nil {
		slog.Error("failed to resolve recognition model", "error", err, "model_dir", cfg.ModelDir)
		os.Exit(1)
	}
	if cfg.ModelID == "" {
		slog.Info("startup: using default recognition model", "model_id", modelID)
	}
	cfg.ModelID = modelID
}

func startMetricsServer(ctx context.Context, cfg *config.Config, registry *prometheus.Registry, health httpserver.HealthFunc) {
	if cfg.MetricsAddr == "" {
		return
	}
	go func() {
		if err := httpserver.Serve(ctx, cfg.MetricsAddr, httpserver.NewRouter(registry, health)); err != nil {
			slog.Error("metrics server stopped", "error", err)
		}
	}()
}

// runLocal captions one WAV file or capture device until the input ends or a
// signal arrives.
func runLocal(ctx context.Context, cfg *config.Config, injector do.Injector, registry *prometheus.Registry) error {
	orchestrator, err := do.Invoke[*pipeline.Orchestrator](injector)
	if err != nil {
		return fmt.Errorf("resolve pipeline orchestrator: %w", err)
	}
	opener, err := do.Invoke[audio.Opener](injector)
	if err != nil {
		return fmt.Errorf("resolve capture opener: %w", err)
	}

	sessionID := uuid.NewString()
	sinks := pipeline.Sinks{sink.NewLogSink(nil)}
	if cfg.NATSURL != "" {
		conn, err := sink.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer conn.Close()
		sinks = append(sinks, sink.NewNATSSink(conn, cfg.NATSSubjectPrefix, sessionID))
	}

	startCtx, cancel := context.WithTimeout(ctx, pipelineStartTimeout)
	defer cancel()
	handle, err := orchestrator.Start(startCtx, pipeline.StartRequest{
		SessionID: sessionID,
		Token:     audio.NewToken(cfg.CaptureBackend, opener),
		ModelID:   cfg.ModelID,
		Sink:      sinks,
	})
	if err != nil {
		return fmt.Errorf("start caption pipeline: %w", err)
	}
	startMetricsServer(ctx, cfg, registry, func() string { return handle.State().String() })

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		handle.Stop()
	case <-handle.Done():
	}
	err = handle.Wait()
	final := handle.Snapshot()
	slog.Info("captioning finished",
		"reason", handle.Reason().String(),
		"finalized", final.Total,
		"accepted_frames", handle.Accepted(),
		"dropped_frames", handle.Dropped(),
	)
	return err
}

func runBot(ctx context.Context, cfg *config.Config, injector do.Injector, registry *prometheus.Registry) error {
	dc, err := do.Invoke[discordpkg.Client](injector)
	if err != nil {
		return fmt.Errorf("resolve discord client: %w", err)
	}
	repo, err := do.Invoke[repository.Repository](injector)
	if err != nil {
		return fmt.Errorf("resolve repository: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			slog.Error("repository close failed", "error", err)
		}
	}()
	manager, err := do.Invoke[*session.Manager](injector)
	if err != nil {
		return fmt.Errorf("resolve session manager: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, discordConnectTimeout)
	defer cancel()

	slog.Info("startup: connecting to discord gateway")
	if err := dc.Connect(connectCtx); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	slog.Info("startup: discord connected")
	defer func() {
		if err := dc.Close(); err != nil {
			slog.Error("discord close failed", "error", err)
		}
	}()

	botUserID, err := dc.GetBotUserID()
	if err != nil {
		return fmt.Errorf("resolve bot user id: %w", err)
	}
	manager.SetBotUserID(botUserID)

	defs := session.SlashCommandDefinitions()
	if err := dc.UpsertGuildSlashCommands(cfg.DiscordGuildID, defs); err != nil {
		return fmt.Errorf("upsert slash commands for guild %s: %w", cfg.DiscordGuildID, err)
	}

	dc.RegisterVoiceStateUpdateHandler(manager.HandleVoiceStateUpdate)
	dc.RegisterSlashCommandHandler(manager.HandleSlashCommand)
	commands := make([]string, 0, len(defs))
	for _, def := range defs {
		commands = append(commands, def.Name)
	}
	slog.Info("discord handlers registered", "guild_id", cfg.DiscordGuildID, "commands", commands, "model_id", cfg.ModelID)
	startMetricsServer(ctx, cfg, registry, func() string {
		return fmt.Sprintf("ok sessions=%d", manager.RunningCount())
	})

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := manager.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("sessions were not finalized before shutdown timeout", "error", err)
	}
	return nil
}
