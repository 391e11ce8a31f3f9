// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration settings for the projection host.
type Config struct {
	Host    HostConfig    `toml:"host"`
	Storage StorageConfig `toml:"storage"`
	Server  ServerConfig  `toml:"server"`
	Logging LoggingConfig `toml:"logging"`

	// Reverse maps a forward command type to the descriptor of its compensating command.
	Reverse map[string]map[string]any `toml:"reverse"`

	Manifest string   `toml:"-"` // Projection manifest (CLI only)
	Events   string   `toml:"-"` // Events file override (CLI only)
	Args     []string `toml:"-"` // Positional arguments left after flag parsing
}

// HostConfig holds script host settings.
type HostConfig struct {
	Prelude    string   `toml:"prelude"`     // Prelude source file
	ModuleDirs []string `toml:"module_dirs"` // Directories searched by require()
	Watch      bool     `toml:"watch"`       // Recompile when sources change
	Debounce   Duration `toml:"debounce"`    // Delay before a change triggers a reload
}

// StorageConfig holds result storage settings.
type StorageConfig struct {
	Type string `toml:"type"` // "memory", "sqlite", "postgresql"
	Path string `toml:"path"` // SQLite file path
	URL  string `toml:"url"`  // PostgreSQL connection URL
}

// ServerConfig holds WebSocket server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Verbosity int    `toml:"verbosity"` // 0=errors, 1=lifecycle, 2=calls, 3=callbacks, 4=payloads
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// stringList implements flag.Value for repeatable string flags.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' {
			allV := true
			for _, c := range arg[1:] {
				if c != 'v' {
					allV = false
					break
				}
			}
			if allV {
				for range arg[1:] {
					result = append(result, "-v")
				}
				continue
			}
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Host: HostConfig{
			Debounce: Duration(100 * time.Millisecond),
		},
		Storage: StorageConfig{
			Type: "memory",
			Path: "projhost.db",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Verbosity: 0,
		},
		Reverse: make(map[string]map[string]any),
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("projhost", flag.ContinueOnError)
	configPath := fs.String("config", "config/projhost.toml", "TOML configuration file")

	// Host flags
	prelude := fs.String("prelude", "", "Prelude script")
	var moduleDirs stringList
	fs.Var(&moduleDirs, "module-dir", "Directory searched by require() (repeatable)")
	watch := fs.Bool("watch", false, "Recompile when sources change")
	manifest := fs.String("manifest", "", "Projection manifest (YAML)")
	events := fs.String("events", "", "Events file (JSON lines), overrides the manifest")

	// Storage flags
	storage := fs.String("storage", "", "Storage type: memory, sqlite, postgresql")
	storagePath := fs.String("storage-path", "", "SQLite database path")
	storageURL := fs.String("storage-url", "", "PostgreSQL connection URL")

	// Server flags
	host := fs.String("host", "", "WebSocket listen address")
	port := fs.Int("port", 0, "WebSocket listen port")

	// Logging flags
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.loadTOML(*configPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyEnv()

	if *prelude != "" {
		cfg.Host.Prelude = *prelude
	}
	if len(moduleDirs) > 0 {
		cfg.Host.ModuleDirs = moduleDirs
	}
	if *watch {
		cfg.Host.Watch = true
	}
	if *storage != "" {
		cfg.Storage.Type = *storage
	}
	if *storagePath != "" {
		cfg.Storage.Path = *storagePath
	}
	if *storageURL != "" {
		cfg.Storage.URL = *storageURL
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	cfg.Manifest = *manifest
	cfg.Events = *events
	cfg.Args = fs.Args()

	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("PROJHOST_PRELUDE"); v != "" {
		c.Host.Prelude = v
	}
	if v := os.Getenv("PROJHOST_MODULE_DIRS"); v != "" {
		c.Host.ModuleDirs = strings.Split(v, string(os.PathListSeparator))
	}
	if v := os.Getenv("PROJHOST_WATCH"); v != "" {
		c.Host.Watch = v == "true" || v == "1"
	}
	if v := os.Getenv("PROJHOST_STORAGE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("PROJHOST_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PROJHOST_STORAGE_URL"); v != "" {
		c.Storage.URL = v
	}
	if v := os.Getenv("PROJHOST_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PROJHOST_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("PROJHOST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROJHOST_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	if c == nil {
		return 0
	}
	return c.Logging.Verbosity
}

// Log writes a message when level is within the configured verbosity.
// Level 0 messages are always written.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if c == nil {
		if level == 0 {
			log.Printf(format, args...)
		}
		return
	}
	if level > c.Logging.Verbosity {
		return
	}
	if level > 0 {
		format = fmt.Sprintf("[v%d] %s", level, format)
	}
	log.Printf(format, args...)
}

// ListenAddr returns the host:port the WebSocket server listens on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
