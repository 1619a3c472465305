package pyrc

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"git.sr.ht/~emersion/go-scfg"
	"github.com/BigBadWouf/pyrc/irc"
	"github.com/ergochat/irc-go/ircutils"
	"gopkg.in/yaml.v2"
)

const (
	SASLFailureContinue = "continue"
	SASLFailureAbort    = "abort"
)

type ChannelConfig struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

type Config struct {
	Nickname string `yaml:"nickname"`
	Username string `yaml:"username"`
	Gecos    string `yaml:"gecos"`

	Hostname       string `yaml:"hostname"`
	Port           int    `yaml:"port"`
	TLS            bool   `yaml:"tls"`
	ServerPassword string `yaml:"server-password"`
	Password       string `yaml:"password"`

	Capabilities []string `yaml:"capabilities"`
	SASLFailure  string   `yaml:"sasl-failure"`

	AutoReconnect bool          `yaml:"auto-reconnect"`
	RetryCount    int           `yaml:"retry-count"`
	RetryDelay    time.Duration `yaml:"-"`
	ReadTimeout   time.Duration `yaml:"-"`

	Commands []string        `yaml:"commands"`
	Channels []ChannelConfig `yaml:"channels"`

	Debug      bool   `yaml:"debug"`
	ModulesDir string `yaml:"modules"`
}

// Defaults returns the configuration used for every option a file leaves
// out.
func Defaults() Config {
	return Config{
		Nickname:      "IRCBot",
		Username:      "PyDev",
		Gecos:         "IRCBot",
		Port:          6667,
		TLS:           true,
		SASLFailure:   SASLFailureContinue,
		AutoReconnect: true,
		RetryCount:    5,
		RetryDelay:    5 * time.Second,
		ReadTimeout:   5 * time.Minute,
		ModulesDir:    "modules",
	}
}

// ParseConfigYAML reads a YAML configuration.
func ParseConfigYAML(buf []byte) (cfg Config, err error) {
	cfg = Defaults()
	err = yaml.Unmarshal(buf, &cfg)
	return
}

// yamlDuration reads durations the way the scfg format does.
type yamlDuration time.Duration

func (d *yamlDuration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = yamlDuration(dur)
	return nil
}

func (cfg *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Config
	if err := unmarshal((*plain)(cfg)); err != nil {
		return err
	}

	var durations struct {
		RetryDelay  *yamlDuration `yaml:"retry-delay"`
		ReadTimeout *yamlDuration `yaml:"read-timeout"`
	}
	if err := unmarshal(&durations); err != nil {
		return err
	}
	if durations.RetryDelay != nil {
		cfg.RetryDelay = time.Duration(*durations.RetryDelay)
	}
	if durations.ReadTimeout != nil {
		cfg.ReadTimeout = time.Duration(*durations.ReadTimeout)
	}
	return nil
}

// ParseConfig reads a scfg configuration.
func ParseConfig(buf []byte) (cfg Config, err error) {
	block, err := scfg.Read(bytes.NewReader(buf))
	if err != nil {
		return cfg, err
	}
	return unmarshalConfig(block)
}

// LoadConfigFile reads the configuration at filename, as YAML if its
// extension says so and as scfg otherwise.
func LoadConfigFile(filename string) (cfg Config, err error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return cfg, err
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		cfg, err = ParseConfigYAML(buf)
	default:
		cfg, err = ParseConfig(buf)
	}
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, nil
}

func unmarshalConfig(block scfg.Block) (cfg Config, err error) {
	cfg = Defaults()
	cfg.Capabilities = nil

	for _, d := range block {
		switch d.Name {
		case "nickname":
			err = stringParam(d, &cfg.Nickname)
		case "username":
			err = stringParam(d, &cfg.Username)
		case "gecos", "realname":
			err = stringParam(d, &cfg.Gecos)
		case "hostname", "address":
			err = stringParam(d, &cfg.Hostname)
		case "port":
			err = intParam(d, &cfg.Port)
		case "tls":
			err = boolParam(d, &cfg.TLS)
		case "server-password":
			err = stringParam(d, &cfg.ServerPassword)
		case "password":
			err = stringParam(d, &cfg.Password)
		case "capabilities":
			cfg.Capabilities = append(cfg.Capabilities, d.Params...)
		case "sasl-failure":
			err = stringParam(d, &cfg.SASLFailure)
		case "auto-reconnect":
			err = boolParam(d, &cfg.AutoReconnect)
		case "retry-count":
			err = intParam(d, &cfg.RetryCount)
		case "retry-delay":
			err = durationParam(d, &cfg.RetryDelay)
		case "read-timeout":
			err = durationParam(d, &cfg.ReadTimeout)
		case "command":
			if len(d.Params) == 0 {
				err = fmt.Errorf("directive %q: expected a command", d.Name)
				break
			}
			cfg.Commands = append(cfg.Commands, strings.Join(d.Params, " "))
		case "channel":
			var ch ChannelConfig
			switch len(d.Params) {
			case 1:
				ch.Name = d.Params[0]
			case 2:
				ch.Name, ch.Key = d.Params[0], d.Params[1]
			default:
				err = fmt.Errorf("directive %q: expected a name and an optional key", d.Name)
			}
			cfg.Channels = append(cfg.Channels, ch)
		case "debug":
			err = boolParam(d, &cfg.Debug)
		case "modules":
			err = stringParam(d, &cfg.ModulesDir)
		default:
			err = fmt.Errorf("unknown directive %q", d.Name)
		}
		if err != nil {
			return
		}
	}

	return
}

func stringParam(d *scfg.Directive, v *string) error {
	if len(d.Params) != 1 {
		return fmt.Errorf("directive %q: expected exactly one parameter", d.Name)
	}
	*v = d.Params[0]
	return nil
}

func intParam(d *scfg.Directive, v *int) error {
	var s string
	if err := stringParam(d, &s); err != nil {
		return err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("directive %q: %w", d.Name, err)
	}
	*v = n
	return nil
}

func boolParam(d *scfg.Directive, v *bool) error {
	if len(d.Params) == 0 {
		*v = true
		return nil
	}
	var s string
	if err := stringParam(d, &s); err != nil {
		return err
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("directive %q: %w", d.Name, err)
	}
	*v = b
	return nil
}

func durationParam(d *scfg.Directive, v *time.Duration) error {
	var s string
	if err := stringParam(d, &s); err != nil {
		return err
	}
	dur, err := parseDuration(s)
	if err != nil {
		return fmt.Errorf("directive %q: %w", d.Name, err)
	}
	*v = dur
	return nil
}

// parseDuration accepts Go durations ("90s") and bare seconds ("5").
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Validate reports the first problem that would keep the bot from starting.
func (cfg *Config) Validate() error {
	if cfg.Hostname == "" {
		return irc.ErrNoHostname
	}
	if !validHost(cfg.Hostname) {
		return fmt.Errorf("invalid hostname %q", cfg.Hostname)
	}
	if cfg.Port <= 0 || 65535 < cfg.Port {
		return fmt.Errorf("%w: %d is out of range", irc.ErrNoPort, cfg.Port)
	}
	if cfg.Nickname == "" {
		return irc.ErrNoNickname
	}
	switch cfg.SASLFailure {
	case SASLFailureContinue, SASLFailureAbort:
	default:
		return fmt.Errorf("sasl-failure must be %q or %q, got %q", SASLFailureContinue, SASLFailureAbort, cfg.SASLFailure)
	}
	if cfg.RetryCount < 0 {
		return errors.New("retry-count must not be negative")
	}
	if cfg.RetryDelay < 0 {
		return errors.New("retry-delay must not be negative")
	}
	for _, ch := range cfg.Channels {
		if !irc.IsChannel(ch.Name) {
			return fmt.Errorf("%q is not a channel name", ch.Name)
		}
	}
	return nil
}

// validHost accepts DNS names, IP literals and "localhost".
func validHost(host string) bool {
	return host == "localhost" || net.ParseIP(host) != nil || ircutils.HostnameIsValid(host)
}

// SessionParams converts cfg to the parameters of an irc.Session.
func (cfg *Config) SessionParams() irc.SessionParams {
	return irc.SessionParams{
		Hostname:           cfg.Hostname,
		Port:               cfg.Port,
		TLS:                cfg.TLS,
		Nickname:           cfg.Nickname,
		Username:           cfg.Username,
		RealName:           cfg.Gecos,
		ServerPassword:     cfg.ServerPassword,
		Password:           cfg.Password,
		Capabilities:       cfg.Capabilities,
		AbortOnSASLFailure: cfg.SASLFailure == SASLFailureAbort,
		AutoReconnect:      cfg.AutoReconnect,
		RetryCount:         cfg.RetryCount,
		RetryDelay:         cfg.RetryDelay,
		ReadTimeout:        cfg.ReadTimeout,
		Commands:           cfg.Commands,
		Debug:              cfg.Debug,
	}
}
