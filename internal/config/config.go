package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const DefaultPort = 15835

const envPrefix = "PTSEQ_"

type RelayConfig struct {
	Port         int
	Delay        time.Duration
	DropRate     float64
	BaselinePath string

	HistoryBackend string
	BoltPath       string
	MongoURI       string
	MongoDatabase  string

	// Advertise announces the relay over mDNS under this instance name.
	Advertise string

	LogVerbosity int
	LogFile      string
}

var defaultRelayConfig = RelayConfig{
	Port:           DefaultPort,
	HistoryBackend: "memory",
	BoltPath:       "ptseq-history.db",
	MongoURI:       "mongodb://localhost:27017",
	MongoDatabase:  "ptseq",
	LogVerbosity:   1,
}

// LoadEnv reads .env files into the process environment. Missing files are
// not an error; variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// LoadRelay builds the relay configuration from defaults, PTSEQ_* variables
// in env and finally the command line in args.
func LoadRelay(env func(string) string, args []string) (RelayConfig, error) {
	cfg := defaultRelayConfig
	if env == nil {
		env = os.Getenv
	}
	if err := cfg.fromEnv(env); err != nil {
		return RelayConfig{}, err
	}

	flags := flag.NewFlagSet("ptseq-relay", flag.ContinueOnError)
	flags.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	flags.DurationVar(&cfg.Delay, "delay", cfg.Delay, "artificial delay applied to presence pings")
	flags.Float64Var(&cfg.DropRate, "drop-rate", cfg.DropRate, "fraction of presence pings to drop")
	flags.StringVar(&cfg.BaselinePath, "baseline", cfg.BaselinePath, "snapshot file the session starts from")
	flags.StringVar(&cfg.HistoryBackend, "history", cfg.HistoryBackend, "history backend: memory, bolt or mongo")
	flags.StringVar(&cfg.BoltPath, "bolt-path", cfg.BoltPath, "bolt database file")
	flags.StringVar(&cfg.MongoURI, "mongo-uri", cfg.MongoURI, "mongo connection string")
	flags.StringVar(&cfg.MongoDatabase, "mongo-db", cfg.MongoDatabase, "mongo database")
	flags.StringVar(&cfg.Advertise, "advertise", cfg.Advertise, "announce the relay over mDNS with this name")
	flags.IntVar(&cfg.LogVerbosity, "v", cfg.LogVerbosity, "log verbosity")
	flags.StringVar(&cfg.LogFile, "logfile", cfg.LogFile, "path to log file")
	if err := flags.Parse(args); err != nil {
		return RelayConfig{}, err
	}

	return cfg, cfg.Validate()
}

func (c *RelayConfig) fromEnv(env func(string) string) error {
	var err error
	str := func(name string, dst *string) {
		if v := env(envPrefix + name); v != "" {
			*dst = v
		}
	}
	parse := func(name string, set func(string) error) {
		v := env(envPrefix + name)
		if v == "" || err != nil {
			return
		}
		if perr := set(v); perr != nil {
			err = fmt.Errorf("%s%s=%q: %w", envPrefix, name, v, perr)
		}
	}

	parse("PORT", func(v string) (err error) {
		c.Port, err = strconv.Atoi(v)
		return
	})
	parse("DELAY", func(v string) (err error) {
		c.Delay, err = time.ParseDuration(v)
		return
	})
	parse("DROP_RATE", func(v string) (err error) {
		c.DropRate, err = strconv.ParseFloat(v, 64)
		return
	})
	parse("LOG_VERBOSITY", func(v string) (err error) {
		c.LogVerbosity, err = strconv.Atoi(v)
		return
	})
	str("BASELINE", &c.BaselinePath)
	str("HISTORY", &c.HistoryBackend)
	str("BOLT_PATH", &c.BoltPath)
	str("MONGO_URI", &c.MongoURI)
	str("MONGO_DB", &c.MongoDatabase)
	str("ADVERTISE", &c.Advertise)
	str("LOG_FILE", &c.LogFile)
	return err
}

func (c RelayConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("config: drop rate %v out of [0, 1]", c.DropRate)
	}
	if c.Delay < 0 {
		return fmt.Errorf("config: negative delay %v", c.Delay)
	}
	switch c.HistoryBackend {
	case "", "memory", "bolt", "mongo":
	default:
		return fmt.Errorf("config: unknown history backend %q", c.HistoryBackend)
	}
	return nil
}

type ObserveConfig struct {
	// URL of the relay websocket; empty browses the local network.
	URL           string
	Name          string
	BrowseTimeout time.Duration
	// RedisAddr, when set, receives a copy of the whole document on exit.
	RedisAddr string

	LogVerbosity int
	LogFile      string
}

var defaultObserveConfig = ObserveConfig{
	Name:          "observer",
	BrowseTimeout: 3 * time.Second,
	LogVerbosity:  1,
}

// LoadObserve builds the observer configuration the same way as LoadRelay.
func LoadObserve(env func(string) string, args []string) (ObserveConfig, error) {
	cfg := defaultObserveConfig
	if env == nil {
		env = os.Getenv
	}
	if v := env(envPrefix + "URL"); v != "" {
		cfg.URL = v
	}
	if v := env(envPrefix + "REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}

	flags := flag.NewFlagSet("ptseq-observe", flag.ContinueOnError)
	flags.StringVar(&cfg.URL, "url", cfg.URL, "relay websocket url, e.g. ws://host:15835/ws")
	flags.StringVar(&cfg.Name, "name", cfg.Name, "session name shown to peers")
	flags.DurationVar(&cfg.BrowseTimeout, "browse", cfg.BrowseTimeout, "how long to look for relays when no url is given")
	flags.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address of the shared clipboard")
	flags.IntVar(&cfg.LogVerbosity, "v", cfg.LogVerbosity, "log verbosity")
	flags.StringVar(&cfg.LogFile, "logfile", cfg.LogFile, "path to log file")
	if err := flags.Parse(args); err != nil {
		return ObserveConfig{}, err
	}
	if cfg.URL == "" && cfg.BrowseTimeout <= 0 {
		return ObserveConfig{}, fmt.Errorf("config: no relay url and browsing disabled")
	}
	return cfg, nil
}
