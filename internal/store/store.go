package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DirName is the state directory created inside a target project.
const DirName = ".evolve"

// AgentConfig selects and configures the mutation agent.
type AgentConfig struct {
	Runtime        string        `yaml:"runtime" mapstructure:"runtime"`
	Path           string        `yaml:"path,omitempty" mapstructure:"path"`
	ArchitectModel string        `yaml:"architect_model" mapstructure:"architect_model"`
	EditorModel    string        `yaml:"editor_model" mapstructure:"editor_model"`
	Args           []string      `yaml:"args,omitempty" mapstructure:"args"`
	GracePeriod    time.Duration `yaml:"grace_period" mapstructure:"grace_period"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty" mapstructure:"addr"`
}

// Config holds operator settings for a target's state directory.
type Config struct {
	Version         string        `yaml:"version" mapstructure:"version"`
	Agent           AgentConfig   `yaml:"agent" mapstructure:"agent"`
	Metrics         MetricsConfig `yaml:"metrics,omitempty" mapstructure:"metrics"`
	Notify          bool          `yaml:"notify" mapstructure:"notify"`
	OutputTailBytes int           `yaml:"output_tail_bytes" mapstructure:"output_tail_bytes"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Version: "1",
		Agent: AgentConfig{
			Runtime:        "aider",
			ArchitectModel: "ollama/qwen3-coder:30b",
			EditorModel:    "ollama/qwen3-coder:30b",
			GracePeriod:    3 * time.Second,
		},
		Notify:          false,
		OutputTailBytes: 64 * 1024,
	}
}

// Store represents a loaded state directory.
type Store struct {
	Home   string
	Target string
	Config Config
}

// Issue represents a health check finding.
type Issue struct {
	Severity string // "warning" or "error"
	Message  string
}

// Home returns the state directory for target, respecting EVOLVE_HOME.
func Home(target string) string {
	if h := os.Getenv("EVOLVE_HOME"); h != "" {
		return h
	}
	return filepath.Join(target, DirName)
}

// Init creates the state directory structure.
func Init(home string, force bool) error {
	if _, err := os.Stat(filepath.Join(home, "config.yaml")); err == nil && !force {
		return fmt.Errorf("state directory already exists at %s (use --force to reinitialize)", home)
	}

	for _, d := range []string{home, filepath.Join(home, "runs"), filepath.Join(home, "signals")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return writeConfig(home, DefaultConfig())
}

// Open loads the state directory for target, creating it with defaults on
// first use.
func Open(target string) (*Store, error) {
	home := Home(target)
	if _, err := os.Stat(filepath.Join(home, "config.yaml")); errors.Is(err, os.ErrNotExist) {
		if err := Init(home, false); err != nil {
			return nil, err
		}
	}
	s, err := Load(home)
	if err != nil {
		return nil, err
	}
	s.Target = target
	return s, nil
}

// Load reads an existing state directory. Missing config fields are filled
// from defaults and EVOLVE_* environment variables override file values
// (EVOLVE_AGENT_RUNTIME, EVOLVE_METRICS_ADDR, ...).
func Load(home string) (*Store, error) {
	cfgPath := filepath.Join(home, "config.yaml")
	if _, err := os.Stat(cfgPath); err != nil {
		return nil, fmt.Errorf("cannot read state config at %s: %w", cfgPath, err)
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("EVOLVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("invalid config.yaml: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config.yaml: %w", err)
	}
	return &Store{Home: home, Target: filepath.Dir(home), Config: cfg}, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("version", d.Version)
	v.SetDefault("agent.runtime", d.Agent.Runtime)
	v.SetDefault("agent.path", d.Agent.Path)
	v.SetDefault("agent.architect_model", d.Agent.ArchitectModel)
	v.SetDefault("agent.editor_model", d.Agent.EditorModel)
	v.SetDefault("agent.args", d.Agent.Args)
	v.SetDefault("agent.grace_period", d.Agent.GracePeriod)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("notify", d.Notify)
	v.SetDefault("output_tail_bytes", d.OutputTailBytes)
}

func writeConfig(home string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// SaveConfig writes the current config to config.yaml.
func (s *Store) SaveConfig() error {
	return writeConfig(s.Home, s.Config)
}

// SetConfigValue sets a config value by dot-path key (e.g. "agent.runtime").
func (s *Store) SetConfigValue(key, value string) error {
	switch key {
	case "agent.runtime":
		switch value {
		case "aider", "claude", "codex", "command":
		default:
			return fmt.Errorf("agent.runtime must be one of aider, claude, codex, command")
		}
		s.Config.Agent.Runtime = value
	case "agent.path":
		s.Config.Agent.Path = value
	case "agent.architect_model":
		s.Config.Agent.ArchitectModel = value
	case "agent.editor_model":
		s.Config.Agent.EditorModel = value
	case "agent.args":
		s.Config.Agent.Args = strings.Fields(value)
	case "agent.grace_period":
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return fmt.Errorf("agent.grace_period must be a non-negative duration")
		}
		s.Config.Agent.GracePeriod = d
	case "metrics.addr":
		s.Config.Metrics.Addr = value
	case "notify":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("notify must be true or false")
		}
		s.Config.Notify = b
	case "output_tail_bytes":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1024 {
			return fmt.Errorf("output_tail_bytes must be an integer >= 1024")
		}
		s.Config.OutputTailBytes = n
	default:
		return fmt.Errorf("unknown config key: %s\nValid keys: agent.runtime, agent.path, agent.architect_model, agent.editor_model, agent.args, agent.grace_period, metrics.addr, notify, output_tail_bytes", key)
	}
	return s.SaveConfig()
}

// Path resolves a path within the state directory.
func (s *Store) Path(parts ...string) string {
	all := append([]string{s.Home}, parts...)
	return filepath.Join(all...)
}

// CheckHealth verifies state directory structure integrity.
func CheckHealth(home string) []Issue {
	var issues []Issue

	for _, dir := range []string{"runs", "signals"} {
		p := filepath.Join(home, dir)
		info, err := os.Stat(p)
		if err != nil {
			issues = append(issues, Issue{"error", fmt.Sprintf("missing directory: %s", p)})
		} else if !info.IsDir() {
			issues = append(issues, Issue{"error", fmt.Sprintf("expected directory but found file: %s", p)})
		}
	}

	data, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		issues = append(issues, Issue{"error", fmt.Sprintf("cannot read config.yaml: %v", err)})
		return issues
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		issues = append(issues, Issue{"error", fmt.Sprintf("config.yaml is not valid YAML: %v", err)})
	}
	return issues
}

// FixIssues attempts to repair simple issues in the state directory.
func FixIssues(home string) []string {
	var fixed []string

	for _, dir := range []string{"runs", "signals"} {
		p := filepath.Join(home, dir)
		if _, err := os.Stat(p); err != nil {
			if err := os.MkdirAll(p, 0755); err == nil {
				fixed = append(fixed, fmt.Sprintf("recreated missing directory: %s", dir))
			}
		}
	}

	if _, err := os.Stat(filepath.Join(home, "config.yaml")); err != nil {
		if writeConfig(home, DefaultConfig()) == nil {
			fixed = append(fixed, "recreated missing config.yaml with defaults")
		}
	}
	return fixed
}
