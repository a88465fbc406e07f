// Command server runs the desktop companion gateway.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yw0nam/DesktopMatePlus/pkg/agent"
	"github.com/yw0nam/DesktopMatePlus/pkg/assets"
	"github.com/yw0nam/DesktopMatePlus/pkg/gateway/config"
	"github.com/yw0nam/DesktopMatePlus/pkg/gateway/handlers"
	"github.com/yw0nam/DesktopMatePlus/pkg/gateway/server"
	"github.com/yw0nam/DesktopMatePlus/pkg/services/memory"
	"github.com/yw0nam/DesktopMatePlus/pkg/services/tts"
	"github.com/yw0nam/DesktopMatePlus/pkg/services/vlm"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/text"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agentClient, err := agent.NewClient(cfg.AgentBaseURL, nil)
	if err != nil {
		return err
	}

	health := map[string]handlers.HealthChecker{
		"agent": healthFunc(agentClient.Healthy),
	}
	services := server.Services{
		Agent:  agentClient,
		Assets: assets.NewProvider(cfg.BackgroundsDir, cfg.AvatarConfigDir),
		Health: health,
	}

	if ttsClient, err := tts.NewClient(cfg.TTSBaseURL, cfg.TTSReferenceID, nil); err == nil {
		services.TTS = ttsClient
		health["tts"] = healthFunc(ttsClient.Healthy)
	} else {
		logger.Warn("tts service not configured", "error", err)
	}

	if vlmClient, err := vlm.NewClient(cfg.VLMBaseURL, cfg.VLMAPIKey, cfg.VLMModel, nil); err == nil {
		services.VLM = vlmClient
		health["vlm"] = healthFunc(vlmClient.Healthy)
	} else {
		logger.Warn("vlm service not configured", "error", err)
	}

	if ltmClient, err := memory.NewLTMClient(cfg.LTMBaseURL, nil); err == nil {
		services.LTM = ltmClient
		health["ltm"] = healthFunc(ltmClient.Healthy)
	} else {
		logger.Warn("ltm service not configured", "error", err)
	}

	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pool.Close()

		store := memory.NewSTMStore(pool)
		if err := store.Initialize(ctx); err != nil {
			return err
		}
		services.STM = store
		health["stm"] = healthFunc(store.Healthy)
	} else {
		logger.Warn("stm store not configured, /v1/stm disabled")
	}

	rules, err := text.LoadRules(cfg.TTSRulesPath)
	if err != nil {
		return err
	}
	normalizer, err := text.NewNormalizer(rules)
	if err != nil {
		return err
	}

	srv := server.New(cfg, services, normalizer, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type healthFunc func(ctx context.Context) (bool, string)

func (f healthFunc) Healthy(ctx context.Context) (bool, string) { return f(ctx) }
