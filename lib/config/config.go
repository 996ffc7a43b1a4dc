// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/modelfleet/lib/protocol"
	"github.com/bureau-foundation/modelfleet/lib/registry"
)

// EnvironmentVariable names the config file when --config is absent.
const EnvironmentVariable = "MODELFLEET_CONFIG"

// Config is the coordinator configuration.
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Selector SelectorConfig `yaml:"selector"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Round    RoundConfig    `yaml:"round"`
	Broker   BrokerConfig   `yaml:"broker"`
	Status   StatusConfig   `yaml:"status"`
	Log      LogConfig      `yaml:"log"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// WatchDir is the drop directory agents upload models into.
	WatchDir string `yaml:"watch_dir"`

	// StoreDir holds one subdirectory of models per agent.
	StoreDir string `yaml:"store_dir"`

	// DistributionDir and DistributionFile locate the published best
	// model. Agents are told the file name only.
	DistributionDir  string `yaml:"distribution_dir"`
	DistributionFile string `yaml:"distribution_file"`

	// ArchiveDir keeps a compressed copy of every promoted model.
	// Empty disables archiving.
	ArchiveDir string `yaml:"archive_dir"`

	// Database is the SQLite registry file.
	Database string `yaml:"database"`

	// StateFile persists the best model across restarts. Empty
	// disables persistence.
	StateFile string `yaml:"state_file"`
}

// SelectorConfig tunes model selection.
type SelectorConfig struct {
	Interval         time.Duration `yaml:"interval"`
	ThresholdPercent float64       `yaml:"threshold_percent"`
	FileGrace        time.Duration `yaml:"file_grace"`

	registry.Weights `yaml:",inline"`
}

// WatcherConfig tunes the drop directory watcher.
type WatcherConfig struct {
	SettleDelay time.Duration `yaml:"settle_delay"`
	Separator   string        `yaml:"separator"`
}

// RoundConfig configures the timed training round.
type RoundConfig struct {
	Enabled       bool          `yaml:"enabled"`
	AnnounceDelay time.Duration `yaml:"announce_delay"`
	Duration      time.Duration `yaml:"duration"`

	protocol.Hyperparameters `yaml:",inline"`
}

// BrokerConfig configures the MQTT connection and topic layout.
type BrokerConfig struct {
	Address        string        `yaml:"address"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	QoS            int           `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	CommandSuffix  string `yaml:"command_suffix"`
	BroadcastTopic string `yaml:"broadcast_topic"`
	InboundSuffix  string `yaml:"inbound_suffix"`
}

// Topics returns the topic layout.
func (b BrokerConfig) Topics() protocol.Topics {
	return protocol.Topics{
		CommandSuffix: b.CommandSuffix,
		Broadcast:     b.BroadcastTopic,
		InboundSuffix: b.InboundSuffix,
	}
}

// StatusConfig configures the HTTP status endpoint. An empty Address
// disables it.
type StatusConfig struct {
	Address string `yaml:"address"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// Default returns a configuration with every tunable set. Paths are
// relative to the working directory; deployments override them.
func Default() *Config {
	topics := protocol.DefaultTopics()
	return &Config{
		Paths: PathsConfig{
			WatchDir:         "upload",
			StoreDir:         "models",
			DistributionDir:  "download",
			DistributionFile: "best_model.zip",
			Database:         "modelfleet.db",
			StateFile:        "best_model.cbor",
		},
		Selector: SelectorConfig{
			Interval:         10 * time.Second,
			ThresholdPercent: 5,
			FileGrace:        15 * time.Second,
			Weights:          registry.DefaultWeights(),
		},
		Watcher: WatcherConfig{
			SettleDelay: 2 * time.Second,
			Separator:   "_",
		},
		Round: RoundConfig{
			Enabled:       true,
			AnnounceDelay: 10 * time.Second,
			Duration:      5 * time.Hour,
			Hyperparameters: protocol.Hyperparameters{
				MaxIterations:     1000,
				Seed:              0,
				TestMaxIterations: 100,
				TestSeed:          1,
			},
		},
		Broker: BrokerConfig{
			Address:        "tcp://localhost:1883",
			ClientIDPrefix: "modelfleet-coordinator-",
			QoS:            1,
			ConnectTimeout: 10 * time.Second,
			CommandSuffix:  topics.CommandSuffix,
			BroadcastTopic: topics.Broadcast,
			InboundSuffix:  topics.InboundSuffix,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads the file named by MODELFLEET_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of the coordinator config file, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile loads path over the defaults and expands variables. It does
// not validate; call Validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.expandVariables()
	cfg.Round.DistributionFile = cfg.Paths.DistributionFile
	return cfg, nil
}

func (c *Config) expandVariables() {
	for _, field := range []*string{
		&c.Paths.WatchDir,
		&c.Paths.StoreDir,
		&c.Paths.DistributionDir,
		&c.Paths.ArchiveDir,
		&c.Paths.Database,
		&c.Paths.StateFile,
		&c.Broker.Address,
		&c.Broker.Username,
		&c.Broker.Password,
	} {
		*field = expandVars(*field)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. An unset or empty
// variable without a default expands to the empty string.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// ConfigError lists everything wrong with a configuration.
type ConfigError struct {
	Problems []error
}

func (e *ConfigError) Error() string {
	messages := make([]string, len(e.Problems))
	for i, problem := range e.Problems {
		messages[i] = problem.Error()
	}
	return "invalid configuration: " + strings.Join(messages, "; ")
}

func (e *ConfigError) Unwrap() []error { return e.Problems }

// Validate checks every field and returns a *ConfigError describing all
// problems, or nil.
func (c *Config) Validate() error {
	var problems []error
	problem := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	required := map[string]string{
		"paths.watch_dir":         c.Paths.WatchDir,
		"paths.store_dir":         c.Paths.StoreDir,
		"paths.distribution_dir":  c.Paths.DistributionDir,
		"paths.distribution_file": c.Paths.DistributionFile,
		"paths.database":          c.Paths.Database,
		"broker.address":          c.Broker.Address,
		"broker.command_suffix":   c.Broker.CommandSuffix,
		"broker.broadcast_topic":  c.Broker.BroadcastTopic,
		"broker.inbound_suffix":   c.Broker.InboundSuffix,
		"watcher.separator":       c.Watcher.Separator,
	}
	for _, name := range sortedKeys(required) {
		if required[name] == "" {
			problem("%s is required", name)
		}
	}
	if strings.ContainsAny(c.Paths.DistributionFile, `/\`+protocol.Separator) {
		problem("paths.distribution_file must be a plain file name without %q", protocol.Separator)
	}

	if c.Selector.Interval <= 0 {
		problem("selector.interval must be positive")
	}
	if c.Selector.ThresholdPercent < 0 {
		problem("selector.threshold_percent must not be negative")
	}
	if c.Selector.FileGrace < 0 {
		problem("selector.file_grace must not be negative")
	}
	if c.Watcher.SettleDelay < 0 {
		problem("watcher.settle_delay must not be negative")
	}
	if c.Round.Enabled {
		if c.Round.AnnounceDelay < 0 {
			problem("round.announce_delay must not be negative")
		}
		if c.Round.Duration <= 0 {
			problem("round.duration must be positive")
		}
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		problem("broker.qos must be 0, 1 or 2")
	}
	if c.Broker.ConnectTimeout <= 0 {
		problem("broker.connect_timeout must be positive")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		problem("log.level: %v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		problem("log.format must be json or text")
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, err
	}
	return level, nil
}

// EnsurePaths creates the configured directories.
func (c *Config) EnsurePaths() error {
	directories := []string{
		c.Paths.WatchDir,
		c.Paths.StoreDir,
		c.Paths.DistributionDir,
		c.Paths.ArchiveDir,
		filepath.Dir(c.Paths.Database),
	}
	if c.Paths.StateFile != "" {
		directories = append(directories, filepath.Dir(c.Paths.StateFile))
	}
	for _, directory := range directories {
		if directory == "" {
			continue
		}
		if err := os.MkdirAll(directory, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", directory, err)
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
