// Package config loads testorch configuration.
// Precedence: defaults < config file < TESTORCH_* environment < flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "TESTORCH"

type Config struct {
	DataDir      string `mapstructure:"data_dir" validate:"required"`
	DBPath       string `mapstructure:"db_path"`
	WorkspaceDir string `mapstructure:"workspace_dir"`
	ManifestDir  string `mapstructure:"manifest_dir"`

	History HistoryConfig `mapstructure:"history"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Agents  AgentsConfig  `mapstructure:"agents"`
	Policy  PolicyConfig  `mapstructure:"policy"`
}

type HistoryConfig struct {
	// Backend is sqlite (shared with the project store) or badger.
	Backend   string `mapstructure:"backend" validate:"oneof=sqlite badger"`
	BadgerDir string `mapstructure:"badger_dir"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen" validate:"required"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	JSON  bool   `mapstructure:"json"`
}

type TracingConfig struct {
	Exporter     string `mapstructure:"exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" validate:"required_if=Exporter otlp"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	ServiceName  string `mapstructure:"service_name" validate:"required"`
}

type EngineConfig struct {
	LeaseTTL             time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
	MaxHealAttempts      int           `mapstructure:"max_heal_attempts" validate:"min=1"`
	GenerateTimeout      time.Duration `mapstructure:"generate_timeout" validate:"gt=0"`
	RunTimeout           time.Duration `mapstructure:"run_timeout" validate:"gt=0"`
	HealTimeout          time.Duration `mapstructure:"heal_timeout" validate:"gt=0"`
	GatewayRatePerMinute int           `mapstructure:"gateway_rate_per_minute" validate:"min=0"`
}

// AgentsConfig holds the argv of each agent command. From the environment a
// command is given comma-separated, e.g. TESTORCH_AGENTS_GENERATOR=python,gen.py.
type AgentsConfig struct {
	Generator []string `mapstructure:"generator"`
	Executor  []string `mapstructure:"executor"`
	Healer    []string `mapstructure:"healer"`
	Diagnoser []string `mapstructure:"diagnoser"`
	// Env is extra KEY=VALUE pairs passed to every agent.
	Env []string `mapstructure:"env"`
}

type PolicyConfig struct {
	HealKind string `mapstructure:"heal_kind" validate:"oneof=none auto test_patch code_diagnosis"`
	// Script is an optional Lua policy; HealKind is its fallback.
	Script string `mapstructure:"script"`
}

type LoadOptions struct {
	// ConfigPath overrides $data_dir/config.toml.
	ConfigPath string
	// Overrides are dot-notated keys set from CLI flags.
	Overrides map[string]any
}

func Default() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	return &Config{
		DataDir: filepath.Join(homeDir, ".testorch"),
		History: HistoryConfig{Backend: "sqlite"},
		Server:  ServerConfig{Listen: "127.0.0.1:8000"},
		Log:     LogConfig{Level: "info"},
		Tracing: TracingConfig{Exporter: "none", ServiceName: "testorch"},
		Engine: EngineConfig{
			LeaseTTL:        30 * time.Minute,
			MaxHealAttempts: 1,
			GenerateTimeout: 10 * time.Minute,
			RunTimeout:      10 * time.Minute,
			HealTimeout:     10 * time.Minute,
		},
		Policy: PolicyConfig{HealKind: "none"},
	}, nil
}

func New() (*Config, error) {
	return Load(LoadOptions{})
}

func Load(opts LoadOptions) (*Config, error) {
	def, err := Default()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, def)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for k, val := range opts.Overrides {
		v.Set(k, val)
	}

	path := opts.ConfigPath
	if path == "" {
		path = filepath.Join(v.GetString("data_dir"), "config.toml")
	}
	if err := mergeConfigFile(v, path); err != nil {
		return nil, err
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.fillPaths()

	if err := Validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("db_path", "")
	v.SetDefault("workspace_dir", "")
	v.SetDefault("manifest_dir", "")

	v.SetDefault("history.backend", def.History.Backend)
	v.SetDefault("history.badger_dir", "")

	v.SetDefault("server.listen", def.Server.Listen)

	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.json", def.Log.JSON)

	v.SetDefault("tracing.exporter", def.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.otlp_insecure", false)
	v.SetDefault("tracing.service_name", def.Tracing.ServiceName)

	v.SetDefault("engine.lease_ttl", def.Engine.LeaseTTL)
	v.SetDefault("engine.max_heal_attempts", def.Engine.MaxHealAttempts)
	v.SetDefault("engine.generate_timeout", def.Engine.GenerateTimeout)
	v.SetDefault("engine.run_timeout", def.Engine.RunTimeout)
	v.SetDefault("engine.heal_timeout", def.Engine.HealTimeout)
	v.SetDefault("engine.gateway_rate_per_minute", def.Engine.GatewayRatePerMinute)

	v.SetDefault("agents.generator", []string{})
	v.SetDefault("agents.executor", []string{})
	v.SetDefault("agents.healer", []string{})
	v.SetDefault("agents.diagnoser", []string{})
	v.SetDefault("agents.env", []string{})

	v.SetDefault("policy.heal_kind", def.Policy.HealKind)
	v.SetDefault("policy.script", "")
}

// mergeConfigFile merges the TOML file at path if it exists.
func mergeConfigFile(v *viper.Viper, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat config %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("failed to merge config %s: %w", path, err)
	}
	return nil
}

func (c *Config) fillPaths() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "testorch.db")
	}
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = filepath.Join(c.DataDir, "workspaces")
	}
	if c.ManifestDir == "" {
		c.ManifestDir = filepath.Join(c.DataDir, "projects")
	}
	if c.History.BadgerDir == "" {
		c.History.BadgerDir = filepath.Join(c.DataDir, "history")
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Validate(c *Config) error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if longest := c.Engine.LongestStep(); c.Engine.LeaseTTL <= longest {
		return fmt.Errorf("invalid config: engine.lease_ttl %s must exceed the longest step under one lease (%s)", c.Engine.LeaseTTL, longest)
	}
	return nil
}

// LongestStep is the longest stretch a cycle may hold its lease without
// writing: a heal followed by its re-run.
func (e EngineConfig) LongestStep() time.Duration {
	return max(e.GenerateTimeout, e.RunTimeout, e.HealTimeout+e.RunTimeout)
}

func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, c.WorkspaceDir, c.ManifestDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) WorkspacesDir() string {
	return c.WorkspaceDir
}

// WriteFile writes c as TOML to path. Durations are written in their
// string form so the file stays hand-editable.
func WriteFile(path string, c *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	enc.Indent = "  "
	if err := enc.Encode(c.fileView()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

func (c *Config) fileView() map[string]any {
	return map[string]any{
		"data_dir": c.DataDir,
		"history": map[string]any{
			"backend": c.History.Backend,
		},
		"server": map[string]any{
			"listen": c.Server.Listen,
		},
		"log": map[string]any{
			"level": c.Log.Level,
			"json":  c.Log.JSON,
		},
		"tracing": map[string]any{
			"exporter":      c.Tracing.Exporter,
			"otlp_endpoint": c.Tracing.OTLPEndpoint,
			"otlp_insecure": c.Tracing.OTLPInsecure,
			"service_name":  c.Tracing.ServiceName,
		},
		"engine": map[string]any{
			"lease_ttl":               c.Engine.LeaseTTL.String(),
			"max_heal_attempts":       c.Engine.MaxHealAttempts,
			"generate_timeout":        c.Engine.GenerateTimeout.String(),
			"run_timeout":             c.Engine.RunTimeout.String(),
			"heal_timeout":            c.Engine.HealTimeout.String(),
			"gateway_rate_per_minute": c.Engine.GatewayRatePerMinute,
		},
		"agents": map[string]any{
			"generator": nonNil(c.Agents.Generator),
			"executor":  nonNil(c.Agents.Executor),
			"healer":    nonNil(c.Agents.Healer),
			"diagnoser": nonNil(c.Agents.Diagnoser),
			"env":       nonNil(c.Agents.Env),
		},
		"policy": map[string]any{
			"heal_kind": c.Policy.HealKind,
			"script":    c.Policy.Script,
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
