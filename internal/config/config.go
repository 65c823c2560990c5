package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AzureOpenAI AzureOpenAIConfig `mapstructure:"azure_openai"`
	AzureMCP    AzureMCPConfig    `mapstructure:"azure_mcp"`
	Server      ServerConfig      `mapstructure:"server"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts"`
	Sessions    SessionsConfig    `mapstructure:"sessions"`
}

// AzureOpenAIConfig configures the completion API. All four values are
// required.
type AzureOpenAIConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	APIKey     string `mapstructure:"api_key"`
	Deployment string `mapstructure:"deployment"`
	APIVersion string `mapstructure:"api_version"`
}

// AzureMCPConfig configures the tool provider subprocess and the service
// principal credentials it inherits.
type AzureMCPConfig struct {
	Command        string   `mapstructure:"command"`
	TenantID       string   `mapstructure:"tenant_id"`
	ClientID       string   `mapstructure:"client_id"`
	ClientSecret   string   `mapstructure:"client_secret"`
	SubscriptionID string   `mapstructure:"subscription_id"`
	Namespaces     []string `mapstructure:"namespaces"`
	ReadOnly       bool     `mapstructure:"read_only"`
}

type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	Token       string   `mapstructure:"token"` // optional bearer auth
}

type AgentConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"` // optional override
	MaxRounds    int    `mapstructure:"max_rounds"`
}

type TimeoutsConfig struct {
	Completion time.Duration `mapstructure:"completion"`
	Tool       time.Duration `mapstructure:"tool"`
}

type SessionsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")

	v.SetDefault("azure_openai.api_version", "2024-10-21")
	v.SetDefault("azure_mcp.command", "azmcp")
	v.SetDefault("azure_mcp.read_only", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("agent.max_rounds", 20)
	v.SetDefault("timeouts.completion", 2*time.Minute)
	v.SetDefault("timeouts.tool", time.Minute)
	v.SetDefault("sessions.enabled", false)

	// Read config file (optional - won't error if missing)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	resolveEnv(&cfg)
	return &cfg, nil
}

// resolveEnv fills unset values from the environment and expands $VAR
// references in config values.
func resolveEnv(cfg *Config) {
	resolve := func(val *string, envName string) {
		*val = expandEnv(*val)
		if *val == "" {
			*val = os.Getenv(envName)
		}
	}

	resolve(&cfg.AzureOpenAI.Endpoint, "AZURE_OPENAI_ENDPOINT")
	resolve(&cfg.AzureOpenAI.APIKey, "AZURE_OPENAI_API_KEY")
	resolve(&cfg.AzureOpenAI.Deployment, "AZURE_OPENAI_DEPLOYMENT")
	resolve(&cfg.AzureOpenAI.APIVersion, "AZURE_OPENAI_API_VERSION")
	resolve(&cfg.AzureMCP.TenantID, "AZURE_TENANT_ID")
	resolve(&cfg.AzureMCP.ClientID, "AZURE_CLIENT_ID")
	resolve(&cfg.AzureMCP.ClientSecret, "AZURE_CLIENT_SECRET")
	resolve(&cfg.AzureMCP.SubscriptionID, "AZURE_SUBSCRIPTION_ID")
	cfg.Server.Token = expandEnv(cfg.Server.Token)
}

// Validate enforces the fail-fast startup contract: every required value must
// be present before the process starts serving. The error lists every missing
// key, never any credential value.
func (c *Config) Validate() error {
	var missing []string
	required := []struct {
		key string
		val string
	}{
		{"azure_openai.endpoint", c.AzureOpenAI.Endpoint},
		{"azure_openai.api_key", c.AzureOpenAI.APIKey},
		{"azure_openai.deployment", c.AzureOpenAI.Deployment},
		{"azure_openai.api_version", c.AzureOpenAI.APIVersion},
		{"azure_mcp.tenant_id", c.AzureMCP.TenantID},
		{"azure_mcp.client_id", c.AzureMCP.ClientID},
		{"azure_mcp.client_secret", c.AzureMCP.ClientSecret},
		{"azure_mcp.subscription_id", c.AzureMCP.SubscriptionID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	return nil
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for azure-agent.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "azure-agent"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "azure-agent"), nil
}

// GetDataDir returns the XDG data directory for azure-agent.
// Uses $XDG_DATA_HOME if set, otherwise ~/.local/share
func GetDataDir() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "azure-agent"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".local", "share", "azure-agent"), nil
}
