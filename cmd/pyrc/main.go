package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/BigBadWouf/pyrc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var debug bool

	flagSet := pflag.NewFlagSet("pyrc", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	flagSet.BoolVarP(&debug, "debug", "d", false, "log raw protocol lines")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if configPath == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return err
		}
		configPath = path.Join(configDir, "pyrc", "pyrc.scfg")
	}

	cfg, err := pyrc.LoadConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load the required configuration file at %q: %w", configPath, err)
	}
	cfg.Debug = cfg.Debug || debug

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	bot, err := pyrc.NewBot(cfg, logger)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// On a signal, leave politely and give the server a few seconds to close
	// the link before dropping the connection.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sigCtx.Done()
		if err := bot.Quit("Shutting down"); err != nil {
			logger.Debug("cannot send QUIT", "err", err)
			cancel()
			return
		}
		select {
		case <-time.After(5 * time.Second):
			cancel()
		case <-ctx.Done():
		}
	}()

	err = bot.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
