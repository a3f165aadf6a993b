// Package config loads settings for the binaries. Values are layered: built in
// defaults, then an optional YAML file, then LOTTIESYNC_* environment
// variables (a .env file is read into the environment first), then flags that
// were given explicitly on the command line.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "LOTTIESYNC_"

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Server struct {
	Addr           string        `yaml:"addr"`
	Database       string        `yaml:"database"`
	Seed           string        `yaml:"seed"`
	BackupInterval time.Duration `yaml:"backup_interval"`
	SendBuffer     int           `yaml:"send_buffer"`
	Advertise      bool          `yaml:"advertise"`
	Service        string        `yaml:"service"`
	Logging        Logging       `yaml:"logging"`
}

type Client struct {
	URL      string        `yaml:"url"`
	Session  string        `yaml:"session"`
	Discover bool          `yaml:"discover"`
	Service  string        `yaml:"service"`
	Interval time.Duration `yaml:"interval"`
	Edits    int           `yaml:"edits"`
	Layer    int           `yaml:"layer"`
	Channel  string        `yaml:"channel"`
	Logging  Logging       `yaml:"logging"`
}

const DefaultService = "_lottiesync._tcp"

func DefaultServer() Server {
	return Server{
		Addr:           "localhost:8080",
		Database:       "lottiesync.sqlite3",
		BackupInterval: 5 * time.Second,
		SendBuffer:     256,
		Service:        DefaultService,
		Logging:        Logging{Level: "info", Format: "text"},
	}
}

func DefaultClient() Client {
	return Client{
		URL:      "ws://localhost:8080",
		Session:  "default",
		Service:  DefaultService,
		Interval: time.Second,
		Channel:  "o",
		Logging:  Logging{Level: "info", Format: "text"},
	}
}

// LookupEnv matches os.LookupEnv.
type LookupEnv func(string) (string, bool)

// setting binds one value to its flag and environment variable names.
type setting struct {
	name   string
	usage  string
	isBool bool
	set    func(string) error
}

func stringSetting(name, usage string, into *string) setting {
	return setting{name: name, usage: usage, set: func(s string) error {
		*into = s
		return nil
	}}
}

func intSetting(name, usage string, into *int) setting {
	return setting{name: name, usage: usage, set: func(s string) error {
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*into = v
		return nil
	}}
}

func boolSetting(name, usage string, into *bool) setting {
	return setting{name: name, usage: usage, isBool: true, set: func(s string) error {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*into = v
		return nil
	}}
}

func durationSetting(name, usage string, into *time.Duration) setting {
	return setting{name: name, usage: usage, set: func(s string) error {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*into = v
		return nil
	}}
}

func envName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// load fills into from the layered sources. settings must point into into.
func load(name string, args []string, lookupEnv LookupEnv, into any, settings []setting) error {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to a YAML config file")

	explicit := map[string]string{}
	var order []string
	for _, s := range settings {
		s := s
		record := func(v string) error {
			if _, seen := explicit[s.name]; !seen {
				order = append(order, s.name)
			}
			explicit[s.name] = v
			return nil
		}
		usage := fmt.Sprintf("%s (env %s)", s.usage, envName(s.name))
		if s.isBool {
			fs.BoolFunc(s.name, usage, func(v string) error { return record(v) })
		} else {
			fs.Func(s.name, usage, record)
		}
	}
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	path := *configPath
	if path == "" {
		path, _ = lookupEnv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, into); err != nil {
			return fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	for _, s := range settings {
		if v, ok := lookupEnv(envName(s.name)); ok && v != "" {
			if err := s.set(v); err != nil {
				return fmt.Errorf("invalid %s: %w", envName(s.name), err)
			}
		}
	}

	byName := make(map[string]setting, len(settings))
	for _, s := range settings {
		byName[s.name] = s
	}
	for _, n := range order {
		if err := byName[n].set(explicit[n]); err != nil {
			return fmt.Errorf("invalid flag -%s: %w", n, err)
		}
	}
	return nil
}

func loggingSettings(l *Logging) []setting {
	return []setting{
		stringSetting("log-level", "debug, info, warn or error", &l.Level),
		stringSetting("log-format", "text or json", &l.Format),
	}
}

// LoadServer builds the relay configuration from args and the environment.
func LoadServer(args []string, lookupEnv LookupEnv) (Server, error) {
	cfg := DefaultServer()
	settings := append([]setting{
		stringSetting("addr", "the address to listen on", &cfg.Addr),
		stringSetting("database", "path of the sqlite database", &cfg.Database),
		stringSetting("seed", "Lottie JSON file used as the document of new sessions", &cfg.Seed),
		durationSetting("backup-interval", "how often sessions are saved", &cfg.BackupInterval),
		intSetting("send-buffer", "frames buffered per connection before dropping", &cfg.SendBuffer),
		boolSetting("advertise", "advertise the relay over mDNS", &cfg.Advertise),
		stringSetting("service", "mDNS service type", &cfg.Service),
	}, loggingSettings(&cfg.Logging)...)
	if err := load("server", args, lookupEnv, &cfg, settings); err != nil {
		return Server{}, err
	}
	if cfg.Addr == "" {
		return Server{}, errors.New("addr must be set")
	}
	if cfg.BackupInterval <= 0 {
		return Server{}, fmt.Errorf("backup interval must be positive, got %s", cfg.BackupInterval)
	}
	if cfg.SendBuffer <= 0 {
		return Server{}, fmt.Errorf("send buffer must be positive, got %d", cfg.SendBuffer)
	}
	return cfg, nil
}

// LoadClient builds the participant configuration from args and the environment.
func LoadClient(args []string, lookupEnv LookupEnv) (Client, error) {
	cfg := DefaultClient()
	settings := append([]setting{
		stringSetting("url", "base websocket url of the relay", &cfg.URL),
		stringSetting("session", "session to join", &cfg.Session),
		boolSetting("discover", "find the relay over mDNS instead of using -url", &cfg.Discover),
		stringSetting("service", "mDNS service type", &cfg.Service),
		durationSetting("interval", "time between edits", &cfg.Interval),
		intSetting("edits", "number of edits to make, 0 for no limit", &cfg.Edits),
		intSetting("layer", "layer to edit", &cfg.Layer),
		stringSetting("channel", "channel to edit", &cfg.Channel),
	}, loggingSettings(&cfg.Logging)...)
	if err := load("client", args, lookupEnv, &cfg, settings); err != nil {
		return Client{}, err
	}
	if cfg.Session == "" {
		return Client{}, errors.New("session must be set")
	}
	if cfg.Interval <= 0 {
		return Client{}, fmt.Errorf("interval must be positive, got %s", cfg.Interval)
	}
	return cfg, nil
}

// LoadDotEnv reads .env style files into the process environment. Missing
// files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// NewLogger builds a slog logger writing to w.
func NewLogger(l Logging, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if l.Level != "" {
		if err := level.UnmarshalText([]byte(l.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", l.Level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(l.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", l.Format)
}
