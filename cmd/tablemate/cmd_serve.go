package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/tablemate/internal/booking"
	"github.com/user/tablemate/internal/config"
	ctxengine "github.com/user/tablemate/internal/context"
	"github.com/user/tablemate/internal/delivery"
	"github.com/user/tablemate/internal/discord"
	"github.com/user/tablemate/internal/gateway"
	"github.com/user/tablemate/internal/httpapi"
	"github.com/user/tablemate/internal/runtime"
	"github.com/user/tablemate/internal/runtime/tools"
	"github.com/user/tablemate/internal/scheduler"
	"github.com/user/tablemate/internal/state"
	"github.com/user/tablemate/internal/telegram"
	"github.com/user/tablemate/internal/types"
	"github.com/user/tablemate/pkg/llm"
	"github.com/user/tablemate/pkg/llm/openai"
)

const pidFileName = "tablemate.pid"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tablemate daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// buildRegistry registers the concierge tools.
func buildRegistry(svc booking.Service, artifacts types.ArtifactStore, cfg *config.Config, toolTimeout time.Duration) (*runtime.Registry, error) {
	registry := runtime.NewRegistry(
		runtime.WithMaxOutput(cfg.Tools.MaxOutputChars),
		runtime.WithToolTimeout(toolTimeout),
	)
	for _, t := range []runtime.Tool{
		tools.NewSearchRestaurants(svc),
		tools.NewRestaurantDetails(svc),
		tools.NewReserveSlot(svc),
		tools.NewCancelReservation(svc),
		tools.NewSplitBill(artifacts),
		tools.NewReadArtifact(artifacts),
	} {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("register %s: %w", t.Name(), err)
		}
	}
	return registry, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	durations, err := cfg.Durations()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Write PID file
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	sessions := state.NewSessionStore(cfg.DataDir)
	events := state.NewEventStore(cfg.DataDir)
	artifacts := state.NewArtifactStore(cfg.DataDir)

	svc, closeService, err := openService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open reservation service: %w", err)
	}
	defer closeService()

	// LLM provider
	provider := llm.NewBreakerProvider(cfg.LLM.Provider, openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     durations.LLM,
	}), llm.BreakerConfig{})

	// Context engine
	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create context engine: %w", err)
	}
	if err := engine.LoadPrompt(cfg.SystemPromptPath); err != nil {
		return err
	}

	registry, err := buildRegistry(svc, artifacts, cfg, durations.Tool)
	if err != nil {
		return err
	}

	// Runtime
	rt := runtime.New(provider, engine, sessions, events, artifacts, registry, cfg.MaxToolRounds)
	rt.SetModelTimeout(durations.LLM)

	// Gateway
	gw := gateway.New(sessions, events, artifacts, int64(cfg.MaxConcurrent))
	gw.Queue.SetProcessor(rt.ProcessRun)
	gw.Start(ctx)
	defer gw.Stop()

	slog.Info("tablemate started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"max_tool_rounds", cfg.MaxToolRounds,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"tools", strings.Join(registry.Names(), ","),
		"pid_file", pidPath,
	)

	// Delivery registry
	deliveryReg := delivery.NewRegistry()

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, gw)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		deliveryReg.Register("telegram", adapter.SendTo)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Discord adapter
	if cfg.Discord.Token != "" {
		adapter, err := discord.New(cfg.Discord.Token, gw, cfg.Discord.ChannelIDs)
		if err != nil {
			return fmt.Errorf("create discord adapter: %w", err)
		}
		go func() {
			if err := adapter.Start(ctx); err != nil {
				slog.Error("discord adapter stopped", "error", err)
			}
		}()
		deliveryReg.Register("discord", adapter.SendTo)
		slog.Info("discord adapter started")
	} else {
		slog.Warn("discord adapter disabled (no token)")
	}

	// Idle sweeper
	idleNotice := fmt.Sprintf("This conversation was closed after %s without activity. Send a message to start a new one.", durations.Idle)
	sched := scheduler.New(gw, durations.Idle, "", func(sess *types.SessionIndex) {
		err := deliveryReg.Deliver(sess.SessionKey, idleNotice)
		switch {
		case errors.Is(err, delivery.ErrNoHandler):
			slog.Debug("idle notice not delivered", "session_key", string(sess.SessionKey), "error", err)
		case err != nil:
			slog.Warn("idle notice failed", "session_key", string(sess.SessionKey), "error", err)
		}
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// Chat HTTP API
	if cfg.HTTP.Enabled {
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           httpapi.NewServer(gw, sessions, events, artifacts, 0),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http api started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http api error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	// Reservation API for other clients of the local store
	if cfg.Reservation.Listen != "" {
		if cfg.Reservation.Endpoint != "" {
			slog.Warn("reservation.listen ignored while reservation.endpoint is set")
		} else {
			startReservationAPI(ctx, svc, cfg.Reservation.Listen, cfg.Reservation.RatePerMinute)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				// Re-write PID file since we failed to re-exec
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
