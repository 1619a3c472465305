package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/BigBadWouf/pyrc"
	"github.com/BigBadWouf/pyrc/irc"
)

var (
	configPath string
	address    string
	nick       string
	password   string
	useTLS     bool
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := parseFlags(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	oldState, err := term.MakeRaw(0)
	if err != nil {
		return err
	}
	defer term.Restore(0, oldState)

	screen := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	t := term.NewTerminal(screen, "> ")

	width, _, err := term.GetSize(0)
	if err != nil || width <= 0 {
		width = 80
	}

	logger := slog.New(slog.NewTextHandler(t, &slog.HandlerOptions{Level: slog.LevelWarn}))

	fmt.Fprintf(t, "Connecting to %s...\n", address)

	s, err := irc.NewSession(irc.SessionParams{
		Hostname: host,
		Port:     port,
		TLS:      useTLS,
		Nickname: nick,
		Username: nick,
		RealName: nick,
		Password: password,
		Logger:   logger,
		Trace: func(line string, outgoing bool) {
			if outgoing {
				line = "C  > S: " + line
			} else {
				line = "C <  S: " + line
			}
			fmt.Fprintln(t, runewidth.Truncate(line, width, "…"))
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			line, err := t.ReadLine()
			if err != nil {
				break
			}
			if err := s.SendRaw(line); err != nil {
				fmt.Fprintf(t, "=ERROR: %v\n", err)
			}
		}
		s.Close()
	}()

	err = s.Run(ctx)
	t.SetPrompt("")
	fmt.Fprintln(t, "Disconnected")
	return err
}

func parseFlags() error {
	flagSet := pflag.NewFlagSet("irc", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the configuration file")
	flagSet.StringVar(&address, "address", "", "server address, host:port")
	flagSet.StringVar(&nick, "nick", "pyrc", "IRC nick/user to use")
	flagSet.StringVar(&password, "password", "", "SASL password to use")
	flagSet.BoolVar(&useTLS, "tls", false, "use tls")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if address == "" {
		if configPath == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return err
			}
			configPath = configDir + "/pyrc/pyrc.scfg"
		}

		cfg, err := pyrc.LoadConfigFile(configPath)
		if err != nil {
			return err
		}

		address = net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.Port))
		nick = cfg.Nickname
		password = cfg.Password
		useTLS = cfg.TLS
	}

	return nil
}
