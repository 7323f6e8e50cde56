// Chat bridge - connects a chat platform to a terminal AI agent.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/workspace/chat-bridge/internal/bridge"
	"github.com/workspace/chat-bridge/internal/chat"
	"github.com/workspace/chat-bridge/internal/config"
	"github.com/workspace/chat-bridge/internal/correlator"
	"github.com/workspace/chat-bridge/internal/format"
	"github.com/workspace/chat-bridge/internal/logging"
	"github.com/workspace/chat-bridge/internal/persistence"
	"github.com/workspace/chat-bridge/internal/procctl"
	"github.com/workspace/chat-bridge/internal/queue"
	"github.com/workspace/chat-bridge/internal/registry"
	"github.com/workspace/chat-bridge/internal/retry"
	"github.com/workspace/chat-bridge/internal/server"
)

func main() {
	logging.Setup()

	configPath := pflag.String("config", os.Getenv("BRIDGE_CONFIG"), "path to the channel configuration YAML")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		log.Fatalf("Failed to create state directory %s: %v", cfg.StateDir, err)
	}

	store, err := persistence.Open(cfg.StorePath())
	if err != nil {
		log.Fatalf("Failed to open persistence store: %v", err)
	}

	reg := registry.New(cfg.Channels, cfg.DefaultPath, cfg.DefaultName, cfg.AllowedUserIDs)
	corr := correlator.New(cfg.ActiveContextPath(), store, cfg.DedupRetention)
	inbound := queue.New(cfg.QueueDelay, cfg.QueueMaxDepth)

	var startup []procctl.StartupStep
	for _, step := range cfg.StartupSequence {
		startup = append(startup, procctl.StartupStep{Input: step.Input, Delay: step.ParsedDelay()})
	}

	ctl := procctl.New(procctl.Config{
		Command:         cfg.ChildCommand,
		Args:            cfg.ChildArgs,
		WorkDir:         cfg.DefaultPath,
		Rows:            cfg.ChildRows,
		Cols:            cfg.ChildCols,
		SubmitDelay:     cfg.SubmitDelay,
		StopGrace:       cfg.StopGrace,
		RestartCooldown: cfg.RestartCooldown,
		FailureBudget:   cfg.FailureBudget,
		StartupSequence: startup,
	})

	chatClient := chat.NewClient(chat.Config{
		SocketURL:   cfg.ChatSocketURL,
		Token:       cfg.ChatToken,
		PostURL:     cfg.ChatPostURL,
		UploadURL:   cfg.ChatUploadURL,
		HTTPTimeout: cfg.ChatTimeout,
	})

	coord := bridge.New(reg, corr, inbound, ctl, chatClient, format.New(cfg.Formatting), store, retry.DefaultConfig())
	chatClient.OnEvent(coord.HandleInbound)

	// The bridge is useless without its child: a failed initial start is
	// fatal so supervisors notice immediately.
	if err := ctl.Start(); err != nil {
		log.Fatalf("Failed to start child process %s: %v", cfg.ChildCommand, err)
	}
	slog.Info("Child process started", "command", cfg.ChildCommand, "pid", ctl.Pid())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go coord.Run(ctx)

	if cfg.ChatSocketURL != "" {
		go func() {
			if err := chatClient.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Chat socket loop exited", "error", err)
			}
		}()
	} else {
		slog.Warn("CHAT_SOCKET_URL is not set: inbound chat events are disabled, only /hook callbacks will flow")
	}

	srv := server.New(cfg, coord, ctl)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("Error during HTTP shutdown", "error", err)
	}
	ctl.Stop(true)
	if err := store.Close(); err != nil {
		slog.Warn("Error closing persistence store", "error", err)
	}

	slog.Info("Chat bridge stopped")
}
