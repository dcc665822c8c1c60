// Package config loads agent settings from defaults, an optional YAML file
// and AGENT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/polzovatel/browser-command-agent/internal/agent"
	"github.com/polzovatel/browser-command-agent/internal/browser"
	"github.com/polzovatel/browser-command-agent/internal/executor"
	"github.com/polzovatel/browser-command-agent/internal/llm"
)

const EnvPrefix = "AGENT"

const (
	BackendPlaywright = "playwright"
	BackendChromedp   = "chromedp"
)

type Config struct {
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

type BrowserConfig struct {
	Backend           string        `mapstructure:"backend" yaml:"backend"`
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	Locale            string        `mapstructure:"locale" yaml:"locale"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	StorageState      string        `mapstructure:"storage_state" yaml:"storage_state"`
	SaveState         string        `mapstructure:"save_state" yaml:"save_state"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	BlockRequests     bool          `mapstructure:"block_requests" yaml:"block_requests"`
	BlockedDomains    []string      `mapstructure:"blocked_domains" yaml:"blocked_domains"`
	BlockedResources  []string      `mapstructure:"blocked_resource_types" yaml:"blocked_resource_types"`
}

type ExecutorConfig struct {
	ElementTimeout time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
	SettleTimeout  time.Duration `mapstructure:"settle_timeout" yaml:"settle_timeout"`
	DefaultWait    time.Duration `mapstructure:"default_wait" yaml:"default_wait"`
	SubmitStrategy string        `mapstructure:"submit_strategy" yaml:"submit_strategy"`
	SubmitKey      string        `mapstructure:"submit_key" yaml:"submit_key"`
}

type AgentConfig struct {
	HumanDelayMin        time.Duration `mapstructure:"human_delay_min" yaml:"human_delay_min"`
	HumanDelayMax        time.Duration `mapstructure:"human_delay_max" yaml:"human_delay_max"`
	SnapshotBudget       int           `mapstructure:"snapshot_budget" yaml:"snapshot_budget"`
	SnapshotTimeout      time.Duration `mapstructure:"snapshot_timeout" yaml:"snapshot_timeout"`
	ObstructionTimeout   time.Duration `mapstructure:"obstruction_timeout" yaml:"obstruction_timeout"`
	ObstructionSelectors []string      `mapstructure:"obstruction_selectors" yaml:"obstruction_selectors"`
	ErrorIndicators      []string      `mapstructure:"error_indicators" yaml:"error_indicators"`
	ErrorKeywords        []string      `mapstructure:"error_keywords" yaml:"error_keywords"`
	VerifyTimeout        time.Duration `mapstructure:"verify_timeout" yaml:"verify_timeout"`
}

type LLMConfig struct {
	Provider       string        `mapstructure:"provider" yaml:"provider"`
	Model          string        `mapstructure:"model" yaml:"model"`
	APIKey         string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	Temperature    float32       `mapstructure:"temperature" yaml:"temperature"`
	// RequestsPerMinute throttles planner calls; zero disables throttling.
	RequestsPerMinute float64 `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	File      string `mapstructure:"file" yaml:"file"`
}

// SetDefaults registers every key so that AGENT_* variables are picked up by
// Unmarshal.
func SetDefaults(v *viper.Viper) {
	opts := browser.DefaultOptions()
	bl := browser.DefaultBlocklist()
	v.SetDefault("browser.backend", BackendPlaywright)
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.viewport_width", opts.ViewportWidth)
	v.SetDefault("browser.viewport_height", opts.ViewportHeight)
	v.SetDefault("browser.locale", opts.Locale)
	v.SetDefault("browser.user_agent", opts.UserAgent)
	v.SetDefault("browser.storage_state", "")
	v.SetDefault("browser.save_state", "")
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.block_requests", true)
	v.SetDefault("browser.blocked_domains", bl.Domains)
	v.SetDefault("browser.blocked_resource_types", bl.ResourceTypes)

	v.SetDefault("executor.element_timeout", "10s")
	v.SetDefault("executor.settle_timeout", "5s")
	v.SetDefault("executor.default_wait", "1s")
	v.SetDefault("executor.submit_strategy", string(executor.SubmitSelectorsFirst))
	v.SetDefault("executor.submit_key", "Enter")

	v.SetDefault("agent.human_delay_min", "100ms")
	v.SetDefault("agent.human_delay_max", "300ms")
	v.SetDefault("agent.snapshot_budget", 8000)
	v.SetDefault("agent.snapshot_timeout", "5s")
	v.SetDefault("agent.obstruction_timeout", "1s")
	v.SetDefault("agent.obstruction_selectors", agent.DefaultObstructionSelectors())
	v.SetDefault("agent.error_indicators", agent.DefaultErrorIndicators())
	v.SetDefault("agent.error_keywords", agent.DefaultErrorKeywords())
	v.SetDefault("agent.verify_timeout", "5s")

	v.SetDefault("llm.provider", string(llm.ProviderGemini))
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_base_delay", "500ms")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.requests_per_minute", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 14)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.namespace", "browser_agent")
	v.SetDefault("metrics.file", "")
}

// Load reads file (or ./agent.yaml when empty and present) on top of the
// defaults, then applies the environment. A missing default file is not an
// error; a missing explicit file is.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Short names kept for existing environments.
	_ = v.BindEnv("browser.headless", "AGENT_BROWSER_HEADLESS", "AGENT_HEADLESS")
	_ = v.BindEnv("llm.provider", "AGENT_LLM_PROVIDER", "LLM_PROVIDER")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	cfg.normalize()
	return &cfg
}

func (c *Config) normalize() {
	c.Browser.Backend = strings.ToLower(strings.TrimSpace(c.Browser.Backend))
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	c.Executor.SubmitStrategy = strings.ToLower(strings.TrimSpace(c.Executor.SubmitStrategy))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Browser.Backend {
	case BackendPlaywright, BackendChromedp:
	default:
		errs = append(errs, fmt.Errorf("browser.backend must be %q or %q, got %q", BackendPlaywright, BackendChromedp, c.Browser.Backend))
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		errs = append(errs, errors.New("browser viewport must be positive"))
	}
	if c.Browser.NavigationTimeout <= 0 {
		errs = append(errs, errors.New("browser.navigation_timeout must be positive"))
	}
	if c.Executor.ElementTimeout <= 0 {
		errs = append(errs, errors.New("executor.element_timeout must be positive"))
	}
	if c.Executor.SettleTimeout <= 0 {
		errs = append(errs, errors.New("executor.settle_timeout must be positive"))
	}
	if c.Executor.DefaultWait <= 0 {
		errs = append(errs, errors.New("executor.default_wait must be positive"))
	}
	if !executor.SubmitStrategy(c.Executor.SubmitStrategy).Valid() {
		errs = append(errs, fmt.Errorf("executor.submit_strategy must be %q or %q, got %q",
			executor.SubmitSelectorsFirst, executor.SubmitKeyFirst, c.Executor.SubmitStrategy))
	}
	if c.Agent.HumanDelayMin < 0 || c.Agent.HumanDelayMax < c.Agent.HumanDelayMin {
		errs = append(errs, fmt.Errorf("agent.human_delay_min (%s) must be non-negative and not above agent.human_delay_max (%s)",
			c.Agent.HumanDelayMin, c.Agent.HumanDelayMax))
	}
	if c.Agent.SnapshotBudget <= 0 {
		errs = append(errs, errors.New("agent.snapshot_budget must be a positive integer"))
	}
	if c.Agent.VerifyTimeout < 0 {
		errs = append(errs, errors.New("agent.verify_timeout must not be negative"))
	}
	if !llm.Provider(c.LLM.Provider).Valid() {
		errs = append(errs, fmt.Errorf("llm.provider must be one of gemini, anthropic, openai, got %q", c.LLM.Provider))
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, errors.New("llm.timeout must be positive"))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, errors.New("llm.max_retries must not be negative"))
	}
	if c.LLM.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("llm.requests_per_minute must not be negative"))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature must be within [0, 2], got %v", c.LLM.Temperature))
	}
	return errors.Join(errs...)
}

func (c *Config) BrowserOptions() browser.Options {
	return browser.Options{
		Headless:          c.Browser.Headless,
		ViewportWidth:     c.Browser.ViewportWidth,
		ViewportHeight:    c.Browser.ViewportHeight,
		Locale:            c.Browser.Locale,
		UserAgent:         c.Browser.UserAgent,
		StorageState:      c.Browser.StorageState,
		NavigationTimeout: c.Browser.NavigationTimeout,
	}
}

func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		NavigationTimeout: c.Browser.NavigationTimeout,
		ElementTimeout:    c.Executor.ElementTimeout,
		SettleTimeout:     c.Executor.SettleTimeout,
		DefaultWait:       c.Executor.DefaultWait,
		SubmitStrategy:    executor.SubmitStrategy(c.Executor.SubmitStrategy),
		SubmitKey:         c.Executor.SubmitKey,
	}
}

func (c *Config) AgentConfig() agent.Config {
	cfg := agent.Config{
		HumanDelayMin:        c.Agent.HumanDelayMin,
		HumanDelayMax:        c.Agent.HumanDelayMax,
		SnapshotBudget:       c.Agent.SnapshotBudget,
		SnapshotTimeout:      c.Agent.SnapshotTimeout,
		ObstructionTimeout:   c.Agent.ObstructionTimeout,
		ObstructionSelectors: c.Agent.ObstructionSelectors,
		ErrorIndicators:      c.Agent.ErrorIndicators,
		ErrorKeywords:        c.Agent.ErrorKeywords,
		VerifyTimeout:        c.Agent.VerifyTimeout,
	}
	if c.Browser.BlockRequests {
		cfg.Blocklist = &browser.Blocklist{
			Domains:       c.Browser.BlockedDomains,
			ResourceTypes: c.Browser.BlockedResources,
		}
	}
	return cfg
}

// LLMSettings leaves empty fields for the llm package to fill from the
// provider's own environment variables. Zero retries is passed as "none".
func (c *Config) LLMSettings() llm.Settings {
	retries := c.LLM.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return llm.Settings{
		Provider:       llm.Provider(c.LLM.Provider),
		Model:          c.LLM.Model,
		APIKey:         c.LLM.APIKey,
		BaseURL:        c.LLM.BaseURL,
		Timeout:        c.LLM.Timeout,
		MaxRetries:     retries,
		RetryBaseDelay: c.LLM.RetryBaseDelay,

		RequestsPerMinute: c.LLM.RequestsPerMinute,
	}
}
