package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Capability names a model feature a caller can be scoped to.
type Capability string

const (
	CapChat       Capability = "chat:base"
	CapEmbeddings Capability = "embeddings:base"
	CapAudio      Capability = "audio:transcription"
	CapVision     Capability = "vision"
)

// Family selects the prompt serialization a backend expects.
type Family string

const (
	FamilyLlama3   Family = "llama3"
	FamilyHomemade Family = "homemade"
	FamilyTRTLLM   Family = "trtllm"
)

type Config struct {
	Server   ServerConfig           `yaml:"server"`
	Database DatabaseConfig         `yaml:"database"`
	OAuth2   OAuth2Config           `yaml:"oauth2"`
	Logging  LoggingConfig          `yaml:"logging"`
	Models   map[string]ModelConfig `yaml:"models"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
	// RateLimitPerMinute caps authenticated requests per user; 0 disables.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

type DatabaseConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Database    string `yaml:"database"`
	TablePrefix string `yaml:"table_prefix"`
}

type OAuth2Config struct {
	SecretKey                string       `yaml:"secret_key"`
	Algorithm                string       `yaml:"algorithm"`
	AccessTokenExpireMinutes int          `yaml:"access_token_expire_minutes"`
	UserTokenExpireDays      int          `yaml:"user_token_expire_days"`
	AdminTokenNeverExpires   bool         `yaml:"admin_token_never_expires"`
	DefaultAdmin             DefaultAdmin `yaml:"default_admin"`
	ExcludePaths             []string     `yaml:"exclude_paths"`
}

type DefaultAdmin struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LoggingConfig struct {
	Level            string `yaml:"level"`
	UseDatabase      bool   `yaml:"use_database"`
	TablePrefix      string `yaml:"table_prefix"`
	LogRetentionDays int    `yaml:"log_retention_days"`
}

type ModelConfig struct {
	Host     string                 `yaml:"host"`
	Port     int                    `yaml:"port"`
	Family   string                 `yaml:"family"`
	Type     []string               `yaml:"type"`
	Response map[string]interface{} `yaml:"response"`
}

// Model is the resolved, immutable descriptor handed to the gateway.
type Model struct {
	Name         string
	Host         string
	Port         int
	Family       Family
	Capabilities map[Capability]bool
	Metadata     map[string]interface{}
}

func (m Model) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

func (m Model) Has(cap Capability) bool {
	return m.Capabilities[cap]
}

// LoadConfig reads and decodes the YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if cfg.OAuth2.Algorithm == "" {
		cfg.OAuth2.Algorithm = "HS256"
	}
	if cfg.OAuth2.AccessTokenExpireMinutes <= 0 {
		cfg.OAuth2.AccessTokenExpireMinutes = 30
	}
	if cfg.OAuth2.UserTokenExpireDays <= 0 {
		cfg.OAuth2.UserTokenExpireDays = 30
	}
	if cfg.OAuth2.DefaultAdmin.Username == "" {
		cfg.OAuth2.DefaultAdmin.Username = "admin"
	}

	return &cfg, nil
}

// SessionTTL is the lifetime of a session token.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.OAuth2.AccessTokenExpireMinutes) * time.Minute
}

// APIKeyTTL is the lifetime of an API key unless the admin never-expires rule applies.
func (c *Config) APIKeyTTL() time.Duration {
	return time.Duration(c.OAuth2.UserTokenExpireDays) * 24 * time.Hour
}

func (c *Config) Secret() []byte {
	return []byte(c.OAuth2.SecretKey)
}

// family guesses the serialization family when the config does not name one.
func family(name, declared string) Family {
	switch Family(declared) {
	case FamilyLlama3, FamilyHomemade, FamilyTRTLLM:
		return Family(declared)
	}
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "gpt-oss") || strings.Contains(lower, "trt"):
		return FamilyTRTLLM
	case strings.Contains(lower, "agent") || strings.Contains(lower, "homemade"):
		return FamilyHomemade
	default:
		return FamilyLlama3
	}
}

func buildModel(name string, mc ModelConfig) Model {
	caps := make(map[Capability]bool, len(mc.Type))
	for _, t := range mc.Type {
		caps[Capability(t)] = true
	}
	return Model{
		Name:         name,
		Host:         mc.Host,
		Port:         mc.Port,
		Family:       family(name, mc.Family),
		Capabilities: caps,
		Metadata:     mc.Response,
	}
}
