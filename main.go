// j2lsnek is a list server for Jazz Jackrabbit 2. Game servers connect
// to get listed, game clients connect to find servers, and a mesh of
// peer list servers keeps every node's list in sync.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"j2lsnek/internal/config"
	"j2lsnek/internal/webhook"
)

// Version is injected at build time with -ldflags.
var Version = "0.4.0-dev"

func main() {
	configPath := flag.String("config", "j2lsnek.toml", "Configuration file path")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	cfgMgr, err := config.NewManager(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgMgr.Current()

	if RunCLI(flag.Args(), cfgMgr) {
		return
	}

	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}

	// The log goes to stderr and to the log file; the file's tail is what
	// gets served to mirrors on request.
	var sink io.Writer = os.Stderr
	if cfg.LogFile != "" {
		logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer logFile.Close()
		sink = io.MultiWriter(os.Stderr, logFile)
	}

	handler := webhook.Wrap(
		slog.NewTextHandler(sink, &slog.HandlerOptions{Level: level}),
		cfg.WebhookSlack, cfg.WebhookDiscord)
	log := slog.New(handler)
	slog.SetDefault(log)

	log.Info("starting list server", "version", Version, "db", cfg.Database)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := &daemon{log: log, cfg: cfgMgr}
	if err := d.run(ctx); err != nil {
		log.Error("daemon error", "err", err)
		os.Exit(1)
	}
	log.Info("list server stopped")
}
