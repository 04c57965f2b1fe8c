// Package config loads the YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/wubox3/microclaw/pkg/logx"
)

type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Token     string   `yaml:"token"`
	AllowFrom []string `yaml:"allowFrom"`
}

type DingTalkConfig struct {
	Enabled      bool     `yaml:"enabled"`
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	RobotCode    string   `yaml:"robotCode"`
	AllowFrom    []string `yaml:"allowFrom"`
}

type FeishuConfig struct {
	Enabled   bool     `yaml:"enabled"`
	AppID     string   `yaml:"appId"`
	AppSecret string   `yaml:"appSecret"`
	AllowFrom []string `yaml:"allowFrom"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	DingTalk DingTalkConfig `yaml:"dingtalk"`
	Feishu   FeishuConfig   `yaml:"feishu"`
}

type AgentDefaults struct {
	Workspace         string `yaml:"workspace"`
	Model             string `yaml:"model"`
	Provider          string `yaml:"provider"`
	MaxToolIterations int    `yaml:"maxToolIterations"`
	HistoryWindow     int    `yaml:"historyWindow"`
}

type AgentsConfig struct {
	Defaults AgentDefaults `yaml:"defaults"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"apiKey"`
	APIBase string `yaml:"apiBase"`
}

type ProvidersConfig struct {
	OpenAI     ProviderConfig `yaml:"openai"`
	OpenRouter ProviderConfig `yaml:"openrouter"`
	DeepSeek   ProviderConfig `yaml:"deepseek"`
	Groq       ProviderConfig `yaml:"groq"`
	Zhipu      ProviderConfig `yaml:"zhipu"`
	VLLM       ProviderConfig `yaml:"vllm"`
	Gemini     ProviderConfig `yaml:"gemini"`
}

// CronConfig tunes the scheduler. Zero values fall back to the
// scheduler's own defaults.
type CronConfig struct {
	StorePath       string `yaml:"storePath"`
	RunLogDir       string `yaml:"runLogDir"`
	PollSeconds     int    `yaml:"pollSeconds"`
	HorizonDays     int    `yaml:"horizonDays"`
	RunLogMaxBytes  int64  `yaml:"runLogMaxBytes"`
	RunLogKeepLines int    `yaml:"runLogKeepLines"`
}

type Config struct {
	Agents    AgentsConfig    `yaml:"agents"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Providers ProvidersConfig `yaml:"providers"`
	Cron      CronConfig      `yaml:"cron"`
	Log       logx.Config     `yaml:"log"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:         ".microclaw/workspace",
				Model:             "gpt-4o",
				MaxToolIterations: 20,
				HistoryWindow:     50,
			},
		},
		Cron: CronConfig{
			PollSeconds: 30,
			HorizonDays: 7,
		},
		Log: logx.Config{
			Level:  "info",
			Pretty: true,
		},
	}
}

// LoadConfig reads the config file, merging it over the defaults. A
// missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(".microclaw", "config.yaml")
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as YAML, creating the directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// CronStorePath resolves the job store location, defaulting to
// <workspace>/cron/jobs.json.
func (c *Config) CronStorePath(workspace string) string {
	if c.Cron.StorePath != "" {
		return c.Cron.StorePath
	}
	return filepath.Join(workspace, "cron", "jobs.json")
}

// CronRunLogDir resolves the run log directory, defaulting to
// <workspace>/cron/runs.
func (c *Config) CronRunLogDir(workspace string) string {
	if c.Cron.RunLogDir != "" {
		return c.Cron.RunLogDir
	}
	return filepath.Join(workspace, "cron", "runs")
}
