// Package config loads structcap settings from the environment and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/structcap/internal/caption"
	"github.com/raphaelgruber/structcap/internal/vision"
)

// Job modes of the server.
const (
	JobModeProcess = "process"
	JobModeInline  = "inline"
)

// Config holds all configuration values.
type Config struct {
	// Vision model
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	OllamaHost      string `yaml:"ollama_host"`
	AWSRegion       string `yaml:"aws_region"`

	// Captioning
	ParentDir      string        `yaml:"parent_dir"`
	ImagesSubdir   string        `yaml:"images_subdir"`
	TemplateFile   string        `yaml:"template_file"`
	NumViews       int           `yaml:"num_views"`
	MaxTokens      int           `yaml:"max_tokens"`
	RateLimitDelay time.Duration `yaml:"rate_limit_delay"`
	UseRanking     bool          `yaml:"use_ranking"`

	// Server and jobs
	ServerPort    int           `yaml:"server_port"`
	ServerURL     string        `yaml:"server_url"`
	JobMode       string        `yaml:"job_mode"`
	StopGrace     time.Duration `yaml:"stop_grace"`
	RenderCommand string        `yaml:"render_command"`
	RenderArgs    []string      `yaml:"render_args"`
	// CaptionBinary overrides the structcap executable run in process mode.
	CaptionBinary string        `yaml:"caption_binary"`

	// SurrealDB run history; an empty URL disables it
	SurrealDBURL       string `yaml:"surrealdb_url"`
	SurrealDBNamespace string `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  string `yaml:"surrealdb_database"`
	SurrealDBUser      string `yaml:"surrealdb_user"`
	SurrealDBPass      string `yaml:"surrealdb_pass"`
	SurrealDBAuthLevel string `yaml:"surrealdb_auth_level"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"log_level"`
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		Provider:        getEnv("STRUCTCAP_PROVIDER", string(vision.ProviderAnthropic)),
		Model:           getEnv("STRUCTCAP_MODEL", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		AWSRegion:       getEnv("AWS_REGION", ""),

		ParentDir:      getEnv("STRUCTCAP_PARENT_DIR", "./example_material"),
		ImagesSubdir:   getEnv("STRUCTCAP_IMAGES_SUBDIR", caption.DefaultImagesSubdir),
		TemplateFile:   getEnv("STRUCTCAP_TEMPLATE_FILE", "./example_template.json"),
		NumViews:       getEnvInt("STRUCTCAP_NUM_VIEWS", caption.DefaultNumViews),
		MaxTokens:      getEnvInt("STRUCTCAP_MAX_TOKENS", caption.DefaultMaxTokens),
		RateLimitDelay: getEnvDuration("STRUCTCAP_RATE_LIMIT_DELAY", caption.DefaultRateLimitDelay),
		UseRanking:     getEnv("STRUCTCAP_USE_RANKING", "true") == "true",

		ServerPort:    getEnvInt("STRUCTCAP_SERVER_PORT", 8484),
		ServerURL:     getEnv("STRUCTCAP_SERVER_URL", "http://localhost:8484"),
		JobMode:       getEnv("STRUCTCAP_JOB_MODE", JobModeProcess),
		StopGrace:     getEnvDuration("STRUCTCAP_STOP_GRACE", 5*time.Second),
		RenderCommand: getEnv("STRUCTCAP_RENDER_COMMAND", ""),
		RenderArgs:    strings.Fields(getEnv("STRUCTCAP_RENDER_ARGS", "")),
		CaptionBinary: getEnv("STRUCTCAP_CAPTION_BIN", ""),

		SurrealDBURL:       getEnv("SURREALDB_URL", ""),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "structcap"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "runs"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		LogFile:  getEnv("STRUCTCAP_LOG_FILE", "/tmp/structcap.log"),
		LogLevel: parseLogLevel(getEnv("STRUCTCAP_LOG_LEVEL", "INFO")),
	}
}

// LoadWithFile reads the environment and then applies the YAML file at path on top.
// An empty path falls back to STRUCTCAP_CONFIG; no path at all is not an error.
func LoadWithFile(path string) (Config, error) {
	cfg := Load()
	if path == "" {
		path = os.Getenv("STRUCTCAP_CONFIG")
	}
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	switch vision.Provider(c.Provider) {
	case vision.ProviderAnthropic, vision.ProviderOpenAI, vision.ProviderOllama, vision.ProviderBedrock:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if c.JobMode != JobModeProcess && c.JobMode != JobModeInline {
		errs = append(errs, fmt.Errorf("unknown job mode %q", c.JobMode))
	}
	if c.NumViews < 0 || c.MaxTokens < 0 || c.RateLimitDelay < 0 {
		errs = append(errs, errors.New("num_views, max_tokens and rate_limit_delay must not be negative"))
	}
	return errors.Join(errs...)
}

// APIKey returns the credential for the configured provider.
func (c Config) APIKey() string {
	return c.APIKeyFor(c.Provider)
}

// APIKeyFor returns the configured credential for provider.
func (c Config) APIKeyFor(provider string) string {
	switch vision.Provider(provider) {
	case vision.ProviderOpenAI:
		return c.OpenAIAPIKey
	case vision.ProviderAnthropic:
		return c.AnthropicAPIKey
	default:
		return ""
	}
}

// Vision returns the model settings for the given provider and API key.
func (c Config) Vision(provider, apiKey string) vision.Config {
	return vision.Config{
		Provider:      vision.Provider(provider),
		APIKey:        apiKey,
		OpenAIBaseURL: c.OpenAIBaseURL,
		OllamaHost:    c.OllamaHost,
		AWSRegion:     c.AWSRegion,
	}
}

// ImagesDir returns the item directory under parentDir.
func (c Config) ImagesDir(parentDir string) string {
	return filepath.Join(parentDir, c.ImagesSubdir)
}

// TemplateDir is where template files are looked up.
func (c Config) TemplateDir() string {
	return filepath.Dir(c.TemplateFile)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return v
}

// getEnvDuration accepts Go durations ("1500ms") and plain seconds ("1.5").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	slog.Warn("invalid duration, using default", "key", key, "value", val)
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
