// Package config loads server configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so values can be written as "15s" or
// "750ms" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Port        int    `yaml:"port"`
	StaticDir   string `yaml:"static_dir"`
	HistorySize int    `yaml:"history_size"`
}

// CLIConfig describes the wrapped remote-access CLI. Args opens the
// persistent interactive shell; RemoteArgs is the prefix for running a
// single remote command in a fresh process (the command words are
// appended), used by log streams.
type CLIConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	RemoteArgs     []string `yaml:"remote_args"`
	Greeting       string   `yaml:"greeting"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	KillGrace      Duration `yaml:"kill_grace"`
}

// CompletionConfig tunes the command completion detectors.
type CompletionConfig struct {
	PromptPattern   string   `yaml:"prompt_pattern"`
	EarlyPatterns   []string `yaml:"early_patterns"`
	EarlyGrace      Duration `yaml:"early_grace"`
	InactivityQuiet Duration `yaml:"inactivity_quiet"`
	InactivityPoll  Duration `yaml:"inactivity_poll"`
	HardTimeout     Duration `yaml:"hard_timeout"`
}

// LogsConfig tunes remote log tailing.
type LogsConfig struct {
	DefaultLines  int    `yaml:"default_lines"`
	GlobThreshold int    `yaml:"glob_threshold"`
	GlobSuffix    string `yaml:"glob_suffix"`
	HeaderPattern string `yaml:"header_pattern"`
}

// Config is the full server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	CLI        CLIConfig        `yaml:"cli"`
	Completion CompletionConfig `yaml:"completion"`
	Logs       LogsConfig       `yaml:"logs"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8430,
			StaticDir:   "./frontend/dist",
			HistorySize: 1000,
		},
		CLI: CLIConfig{
			Greeting:       "connected",
			ConnectTimeout: Duration(15 * time.Second),
			KillGrace:      Duration(5 * time.Second),
		},
		Completion: CompletionConfig{
			PromptPattern:   `[#$>]\s*$`,
			EarlyGrace:      Duration(750 * time.Millisecond),
			InactivityQuiet: Duration(1 * time.Second),
			InactivityPoll:  Duration(200 * time.Millisecond),
			HardTimeout:     Duration(15 * time.Second),
		},
		Logs: LogsConfig{
			DefaultLines:  200,
			GlobThreshold: 10,
			GlobSuffix:    "*.log",
			HeaderPattern: `^==> (.+) <==$`,
		},
	}
}

// Load reads the config file at path (missing file is not an error),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.Server.StaticDir = v
	}
	if v := os.Getenv("CLI_COMMAND"); v != "" {
		cfg.CLI.Command = v
	}
	if v := os.Getenv("CLI_GREETING"); v != "" {
		cfg.CLI.Greeting = v
	}
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	if c.CLI.Command == "" {
		return fmt.Errorf("cli.command is required")
	}
	if c.CLI.Greeting == "" {
		return fmt.Errorf("cli.greeting is required")
	}
	if _, err := regexp.Compile(c.Completion.PromptPattern); err != nil {
		return fmt.Errorf("completion.prompt_pattern: %w", err)
	}
	for _, p := range c.Completion.EarlyPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("completion.early_patterns %q: %w", p, err)
		}
	}
	if _, err := regexp.Compile(c.Logs.HeaderPattern); err != nil {
		return fmt.Errorf("logs.header_pattern: %w", err)
	}
	if c.Completion.InactivityPoll.Std() <= 0 {
		return fmt.Errorf("completion.inactivity_poll must be positive")
	}
	if c.Logs.GlobThreshold < 1 {
		return fmt.Errorf("logs.glob_threshold must be positive")
	}
	return nil
}
