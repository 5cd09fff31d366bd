// Package config loads service settings from a TOML file with environment
// variable overrides. Secrets (epidata auth tokens) are normally supplied
// through the environment so config files can be committed without them.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
)

//go:embed sample_config.toml
var sampleConfig string

// Database configures the local sqlite store.
type Database struct {
	Path               string `toml:"path"`
	LockPath           string `toml:"lock_path"`
	LockTimeoutSeconds int    `toml:"lock_timeout_seconds"`
}

// Epidata configures the Delphi Epidata API client. Auth fields are optional
// tokens for restricted endpoints and are usually set via environment.
type Epidata struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	CacheSize      int    `toml:"cache_size"`
	FluviewAuth    string `toml:"fluview_auth"`
	GHTAuth        string `toml:"ght_auth"`
	TwitterAuth    string `toml:"twitter_auth"`
	CDCAuth        string `toml:"cdc_auth"`
	QuidelAuth     string `toml:"quidel_auth"`
}

// Trends configures the external health trends fetch program. The program is
// invoked as `script [args...] location first last output_dir` and must
// leave ght_<location>_<first>_<last>.csv in the output directory.
type Trends struct {
	Script         string   `toml:"script"`
	Args           []string `toml:"args"`
	OutputDir      string   `toml:"output_dir"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Kafka configures the optional nowcast publisher.
type Kafka struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// HTTP configures the health and metrics listener.
type HTTP struct {
	Addr string `toml:"addr"`
}

// Logging configures log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Sensor selects which sensors run and where. Empty Locations means each
// sensor uses its own default location set.
type Sensor struct {
	Names     []string `toml:"names"`
	Locations []string `toml:"locations"`
}

// Nowcast configures the sensor fusion engine.
type Nowcast struct {
	FirstEpiweek    int    `toml:"first_epiweek"`
	MinObservations int    `toml:"min_observations"`
	Shrinkage       string `toml:"shrinkage"`
}

// Pipeline configures the batched sensor update engine.
type Pipeline struct {
	BatchSize   int `toml:"batch_size"`
	MaxAttempts int `toml:"max_attempts"`
}

// Config holds all service settings.
type Config struct {
	Database Database `toml:"database"`
	Epidata  Epidata  `toml:"epidata"`
	Trends   Trends   `toml:"trends"`
	Kafka    Kafka    `toml:"kafka"`
	HTTP     HTTP     `toml:"http"`
	Logging  Logging  `toml:"logging"`
	Sensor   Sensor   `toml:"sensor"`
	Nowcast  Nowcast  `toml:"nowcast"`
	Pipeline Pipeline `toml:"pipeline"`

	ShutdownTimeoutSeconds int `toml:"shutdown_timeout_seconds"`
}

// DefaultSensors is the full sensor roster in canonical order.
var DefaultSensors = []string{"gft", "ght", "ghtf", "twtr", "wiki", "cdc", "epic", "quid", "sar3", "arch"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Database: Database{
			Path:               "~/.local/share/flu-nowcast/flu.db",
			LockTimeoutSeconds: 10,
		},
		Epidata: Epidata{
			BaseURL:        "https://api.delphi.cmu.edu/epidata",
			TimeoutSeconds: 30,
			CacheSize:      1000,
		},
		Trends: Trends{
			OutputDir:      "~/.local/share/flu-nowcast/trends",
			TimeoutSeconds: 600,
		},
		Kafka: Kafka{
			Brokers: []string{"localhost:9092"},
			Topic:   "flu-nowcasts",
		},
		HTTP: HTTP{
			Addr: ":8080",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Sensor: Sensor{
			Names: append([]string(nil), DefaultSensors...),
		},
		Nowcast: Nowcast{
			FirstEpiweek:    201040,
			MinObservations: 5,
			Shrinkage:       "bd2",
		},
		Pipeline: Pipeline{
			BatchSize:   50,
			MaxAttempts: 3,
		},
		ShutdownTimeoutSeconds: 10,
	}
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/flu-nowcast/config.toml")
}

// Load reads configuration from the given TOML file (or the default location
// when path is empty), applies environment overrides, and validates the
// result. An explicitly named file must exist; a missing default file just
// means defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved, required, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(resolved)
	switch {
	case err == nil:
		decoder := toml.NewDecoder(file)
		decodeErr := decoder.Decode(&cfg)
		file.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("parse config %s: %w", resolved, decodeErr)
		}
	case errors.Is(err, fs.ErrNotExist):
		if required {
			return nil, fmt.Errorf("config file %s does not exist", resolved)
		}
	default:
		return nil, fmt.Errorf("open config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolveConfigPath(path string) (resolved string, required bool, err error) {
	if path != "" {
		resolved, err = expandPath(path)
		return resolved, true, err
	}
	resolved, err = DefaultConfigPath()
	return resolved, false, err
}

// applyEnv overlays environment variables onto the loaded config.
func (c *Config) applyEnv() error {
	envString("FLU_DB_PATH", &c.Database.Path)
	envString("EPIDATA_BASE_URL", &c.Epidata.BaseURL)
	envString("FLUVIEW_AUTH", &c.Epidata.FluviewAuth)
	envString("GHT_AUTH", &c.Epidata.GHTAuth)
	envString("TWITTER_AUTH", &c.Epidata.TwitterAuth)
	envString("CDC_AUTH", &c.Epidata.CDCAuth)
	envString("QUIDEL_AUTH", &c.Epidata.QuidelAuth)
	envString("TRENDS_SCRIPT", &c.Trends.Script)
	envString("TRENDS_OUTPUT_DIR", &c.Trends.OutputDir)
	envString("KAFKA_TOPIC", &c.Kafka.Topic)
	envString("HTTP_ADDR", &c.HTTP.Addr)
	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = parseBrokers(v)
	}
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		c.Kafka.Enabled = v == "true"
	}

	for _, e := range []struct {
		name string
		dst  *int
	}{
		{"EPIDATA_TIMEOUT_SECONDS", &c.Epidata.TimeoutSeconds},
		{"TRENDS_TIMEOUT_SECONDS", &c.Trends.TimeoutSeconds},
		{"PIPELINE_BATCH_SIZE", &c.Pipeline.BatchSize},
		{"PIPELINE_MAX_ATTEMPTS", &c.Pipeline.MaxAttempts},
		{"SHUTDOWN_TIMEOUT_SECONDS", &c.ShutdownTimeoutSeconds},
	} {
		if err := envInt(e.name, e.dst); err != nil {
			return err
		}
	}
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

// parseBrokers splits a comma-separated broker list, dropping empty entries.
func parseBrokers(s string) []string {
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Database.Path, &c.Database.LockPath, &c.Trends.OutputDir} {
		expanded, err := expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	if c.Database.LockPath == "" && c.Database.Path != "" {
		c.Database.LockPath = c.Database.Path + ".lock"
	}
	return nil
}

// ExpandPath resolves a leading ~ against the home directory and makes the
// path absolute.
func ExpandPath(path string) (string, error) {
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if path == "~" {
			path = home
		} else if len(path) > 1 && path[1] == '/' {
			path = filepath.Join(home, path[2:])
		}
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", path, err)
	}
	return abs, nil
}

// Validate checks the configuration for inconsistent or missing settings.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Database.LockTimeoutSeconds <= 0 {
		return errors.New("database.lock_timeout_seconds must be positive")
	}
	if c.Epidata.BaseURL == "" {
		return errors.New("epidata.base_url is required")
	}
	if c.Epidata.TimeoutSeconds <= 0 {
		return errors.New("epidata.timeout_seconds must be positive")
	}
	if c.Epidata.CacheSize <= 0 {
		return errors.New("epidata.cache_size must be positive")
	}
	if c.Trends.TimeoutSeconds <= 0 {
		return errors.New("trends.timeout_seconds must be positive")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.enabled is true but kafka.brokers is empty")
		}
		if c.Kafka.Topic == "" {
			return errors.New("kafka.enabled is true but kafka.topic is empty")
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "pretty":
	default:
		return fmt.Errorf("logging.format %q is not one of json, pretty", c.Logging.Format)
	}
	if err := epiweek.Check(epiweek.Week(c.Nowcast.FirstEpiweek)); err != nil {
		return fmt.Errorf("nowcast.first_epiweek: %w", err)
	}
	if c.Nowcast.MinObservations < 1 {
		return errors.New("nowcast.min_observations must be at least 1")
	}
	switch c.Nowcast.Shrinkage {
	case "bd0", "bd1", "bd2":
	default:
		return fmt.Errorf("nowcast.shrinkage %q is not one of bd0, bd1, bd2", c.Nowcast.Shrinkage)
	}
	if c.Pipeline.BatchSize <= 0 {
		return errors.New("pipeline.batch_size must be positive")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return errors.New("pipeline.max_attempts must be positive")
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		return errors.New("shutdown_timeout_seconds must be positive")
	}
	return nil
}

// EpidataTimeout returns the epidata HTTP timeout as a duration.
func (c *Config) EpidataTimeout() time.Duration {
	return time.Duration(c.Epidata.TimeoutSeconds) * time.Second
}

// TrendsTimeout returns the external fetch timeout as a duration.
func (c *Config) TrendsTimeout() time.Duration {
	return time.Duration(c.Trends.TimeoutSeconds) * time.Second
}

// LockTimeout returns the database lock acquisition timeout as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Database.LockTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// CreateSample writes a commented sample configuration file to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
