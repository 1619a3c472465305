package pyrc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BigBadWouf/pyrc/irc"
)

// Extension is a feature plugged into a Bot.  It subscribes to the Bot's
// event bus when created and releases its resources in Close.
type Extension interface {
	Close() error
}

// ExtensionFactory creates an extension for b.
type ExtensionFactory func(b *Bot) (Extension, error)

var (
	registryMu sync.Mutex
	registry   = map[string]ExtensionFactory{}
)

// RegisterExtension makes an extension available to every Bot created
// afterwards.  Names are case-insensitive.  It panics if name is already
// registered.
func RegisterExtension(name string, factory ExtensionFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name = strings.ToLower(name)
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("pyrc: extension %q registered twice", name))
	}
	registry[name] = factory
}

// Extensions returns the names of the registered extensions, sorted.
func Extensions() []string {
	registryMu.Lock()
	defer registryMu.Unlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bot is an irc.Session with the configured channels and the registered
// extensions.
type Bot struct {
	cfg     Config
	session *irc.Session
	logger  *slog.Logger

	extNames   []string
	extensions map[string]Extension
}

// NewBot validates cfg, prepares the session and instantiates every
// registered extension, in name order.
func NewBot(cfg Config, logger *slog.Logger) (*Bot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	params := cfg.SessionParams()
	params.Logger = logger
	session, err := irc.NewSession(params)
	if err != nil {
		return nil, err
	}

	b := &Bot{
		cfg:        cfg,
		session:    session,
		logger:     logger,
		extensions: map[string]Extension{},
	}

	for _, ch := range cfg.Channels {
		if _, err := session.Channel(ch.Name, ch.Key); err != nil {
			return nil, err
		}
	}
	if _, err := session.Bus().Subscribe(irc.EventWelcome, b.joinChannels); err != nil {
		return nil, err
	}

	registryMu.Lock()
	factories := make(map[string]ExtensionFactory, len(registry))
	for name, f := range registry {
		factories[name] = f
	}
	registryMu.Unlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ext, err := factories[name](b)
		if err != nil {
			b.closeExtensions()
			return nil, fmt.Errorf("extension %q: %w", name, err)
		}
		b.extNames = append(b.extNames, name)
		b.extensions[name] = ext
		logger.Debug("extension loaded", "extension", name)
	}

	return b, nil
}

func (b *Bot) Config() Config {
	return b.cfg
}

func (b *Bot) Session() *irc.Session {
	return b.session
}

func (b *Bot) Bus() *irc.Bus {
	return b.session.Bus()
}

func (b *Bot) Logger() *slog.Logger {
	return b.logger
}

// Extension returns the loaded extension called name.
func (b *Bot) Extension(name string) (Extension, bool) {
	ext, ok := b.extensions[strings.ToLower(name)]
	return ext, ok
}

// ExtensionDir returns the directory where the extension called name keeps
// its files, under the configured modules directory, creating it if needed.
func (b *Bot) ExtensionDir(name string) (string, error) {
	dir := filepath.Join(b.cfg.ModulesDir, strings.ToLower(name))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

func (b *Bot) joinChannels(irc.Event) error {
	var errs []error
	for _, ch := range b.session.Channels() {
		if err := ch.Join(); err != nil {
			errs = append(errs, fmt.Errorf("join %s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Run runs the session until it ends for good, then closes the extensions.
func (b *Bot) Run(ctx context.Context) error {
	err := b.session.Run(ctx)
	b.closeExtensions()
	return err
}

// Quit leaves the server; Run returns once the server closed the connection.
func (b *Bot) Quit(reason string) error {
	return b.session.Quit(reason)
}

func (b *Bot) closeExtensions() {
	for i := len(b.extNames) - 1; i >= 0; i-- {
		name := b.extNames[i]
		if err := b.extensions[name].Close(); err != nil {
			b.logger.Warn("failed to close extension", "extension", name, "err", err)
		}
	}
	b.extNames = nil
	b.extensions = map[string]Extension{}
}
