package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/agentbatch/internal/config"
	"git.home.luguber.info/inful/agentbatch/internal/daemon"
	"git.home.luguber.info/inful/agentbatch/internal/version"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"/etc/agentbatch/config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct {
	} `cmd:"" help:"Run the batch execution server"`

	CheckConfig struct {
	} `cmd:"" help:"Validate the configuration and exit"`

	Version struct {
	} `cmd:"" help:"Print the build version"`
}

func main() {
	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	switch ctx.Command() {
	case "serve":
		if err := runServe(CLI.Config); err != nil {
			slog.Error("Server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case "check-config":
		if err := runCheckConfig(CLI.Config); err != nil {
			fmt.Fprintln(os.Stderr, "configuration invalid:", err)
			os.Exit(1)
		}
		fmt.Println("configuration ok")
	case "version":
		fmt.Println(version.String())
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize daemon: %w", err)
	}
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	slog.Info("Server running",
		slog.String("version", version.Version),
		slog.String("api_addr", cfg.Server.Listen))
	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}
	slog.Info("Server stopped")
	return nil
}

func runCheckConfig(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.Debug("Configuration loaded",
		slog.String("workspace_root", cfg.Workspace.Root),
		slog.Int("max_concurrent", cfg.Jobs.MaxConcurrent))
	return nil
}
