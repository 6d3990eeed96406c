package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mailtriage/internal/domain"
)

const defaultExternalHTTPTimeout = 90 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

type Config struct {
	LLMProvider     string   `yaml:"llm_provider"`
	LLMModel        string   `yaml:"llm_model"`
	LLMBatchSize    int      `yaml:"llm_batch_size"`
	LLMMaxBodyChars int      `yaml:"llm_max_body_chars"`
	LLMMaxTokens    int      `yaml:"llm_max_tokens"`
	LLMLabels       []string `yaml:"llm_labels"`
	LLMDefaultLabel string   `yaml:"llm_default_label"`
	LLMSystemPrompt string   `yaml:"llm_system_prompt"`
	LLMGlossaryPath string   `yaml:"llm_glossary_path"`
	Mode            string   `yaml:"mode"`
	AnthropicAPIKey string   `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string   `yaml:"openai_api_key"`
	GeminiAPIKey    string   `yaml:"gemini_api_key"`

	QuantumSeconds        int    `yaml:"quantum_seconds"`
	SuspendAfterSeconds   int    `yaml:"suspend_after_seconds"`
	ResumeDelaySeconds    int    `yaml:"resume_delay_seconds"`
	BatchDelayMillis      int    `yaml:"batch_delay_ms"`
	LockTTLSeconds        int    `yaml:"lock_ttl_seconds"`
	CheckpointRetentionHr int    `yaml:"checkpoint_retention_hours"`
	RedactionTTLMinutes   int    `yaml:"redaction_ttl_minutes"`
	Query                 string `yaml:"query"`
	MaxItemsPerRun        int    `yaml:"max_items_per_run"`
	RejectOnInjection     bool   `yaml:"reject_on_injection"`

	StorageDriver string `yaml:"storage_driver"`
	DBPath        string `yaml:"db_path"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	UserID        string `yaml:"user_id"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`

	LogLevel       string `yaml:"log_level"`
	LogDevelopment bool   `yaml:"log_development"`

	ExternalHTTPTimeoutSeconds int `yaml:"external_http_timeout_seconds"`

	RunSchedule   string `yaml:"run_schedule"`
	SweepSchedule string `yaml:"sweep_schedule"`
	Timezone      string `yaml:"timezone"`

	Location *time.Location `yaml:"-"` // computed from Timezone, not from YAML
	Source   string         `yaml:"-"` // file the config was read from, if any
}

// Load reads path (or CONFIG_PATH, or ./config.yaml), applies environment
// overrides and defaults, and validates the result. A missing file is not an
// error; every setting can come from the environment.
func Load(path string) (Config, error) {
	var cfg Config

	if path == "" {
		path = "config.yaml"
		if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
			path = envPath
		}
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("error parsing %s: %w", path, err)
		}
		cfg.Source = path
	case !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("error reading %s: %w", path, err)
	}

	var errs []error
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	errs = append(errs, envOverrideInt(&cfg.LLMBatchSize, "LLM_BATCH_SIZE"))
	errs = append(errs, envOverrideInt(&cfg.LLMMaxBodyChars, "LLM_MAX_BODY_CHARS"))
	errs = append(errs, envOverrideInt(&cfg.LLMMaxTokens, "LLM_MAX_TOKENS"))
	envOverrideList(&cfg.LLMLabels, "LLM_LABELS")
	envOverride(&cfg.LLMDefaultLabel, "LLM_DEFAULT_LABEL")
	envOverride(&cfg.LLMSystemPrompt, "LLM_SYSTEM_PROMPT")
	envOverrideAllowEmpty(&cfg.LLMGlossaryPath, "LLM_GLOSSARY_PATH")
	envOverride(&cfg.Mode, "TRIAGE_MODE")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.GeminiAPIKey, "GEMINI_API_KEY")

	errs = append(errs, envOverrideInt(&cfg.QuantumSeconds, "QUANTUM_SECONDS"))
	errs = append(errs, envOverrideInt(&cfg.SuspendAfterSeconds, "SUSPEND_AFTER_SECONDS"))
	errs = append(errs, envOverrideInt(&cfg.ResumeDelaySeconds, "RESUME_DELAY_SECONDS"))
	errs = append(errs, envOverrideInt(&cfg.BatchDelayMillis, "BATCH_DELAY_MS"))
	errs = append(errs, envOverrideInt(&cfg.LockTTLSeconds, "LOCK_TTL_SECONDS"))
	errs = append(errs, envOverrideInt(&cfg.CheckpointRetentionHr, "CHECKPOINT_RETENTION_HOURS"))
	errs = append(errs, envOverrideInt(&cfg.RedactionTTLMinutes, "REDACTION_TTL_MINUTES"))
	envOverrideAllowEmpty(&cfg.Query, "TRIAGE_QUERY")
	errs = append(errs, envOverrideInt(&cfg.MaxItemsPerRun, "MAX_ITEMS_PER_RUN"))
	envOverrideBool(&cfg.RejectOnInjection, "REJECT_ON_INJECTION")

	envOverride(&cfg.StorageDriver, "STORAGE_DRIVER")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.PostgresDSN, "POSTGRES_DSN")
	envOverride(&cfg.UserID, "TRIAGE_USER_ID")

	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")

	envOverride(&cfg.LogLevel, "LOG_LEVEL")
	envOverrideBool(&cfg.LogDevelopment, "LOG_DEVELOPMENT")

	errs = append(errs, envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS"))

	envOverrideAllowEmpty(&cfg.RunSchedule, "RUN_SCHEDULE")
	envOverrideAllowEmpty(&cfg.SweepSchedule, "SWEEP_SCHEDULE")
	envOverride(&cfg.Timezone, "TIMEZONE")

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LLMProvider == "" {
		c.LLMProvider = "anthropic"
	}
	if c.LLMBatchSize == 0 {
		c.LLMBatchSize = 20
	}
	if c.LLMMaxBodyChars == 0 {
		c.LLMMaxBodyChars = 2000
	}
	if c.LLMMaxTokens == 0 {
		c.LLMMaxTokens = 4096
	}
	if c.LLMDefaultLabel == "" {
		c.LLMDefaultLabel = "unmatched"
	}
	if c.Mode == "" {
		c.Mode = string(domain.ModeLabel)
	}
	if c.QuantumSeconds == 0 {
		c.QuantumSeconds = 360
	}
	if c.SuspendAfterSeconds == 0 {
		c.SuspendAfterSeconds = 270
	}
	if c.ResumeDelaySeconds == 0 {
		c.ResumeDelaySeconds = 60
	}
	if c.BatchDelayMillis == 0 {
		c.BatchDelayMillis = 1000
	}
	if c.LockTTLSeconds == 0 {
		c.LockTTLSeconds = c.QuantumSeconds + 60
	}
	if c.CheckpointRetentionHr == 0 {
		c.CheckpointRetentionHr = 24
	}
	if c.RedactionTTLMinutes == 0 {
		c.RedactionTTLMinutes = 30
	}
	if c.StorageDriver == "" {
		c.StorageDriver = "sqlite"
	}
	if c.DBPath == "" {
		c.DBPath = "./mailtriage.db"
	}
	if c.UserID == "" {
		c.UserID = "default"
	}
	if c.ExternalHTTPTimeoutSeconds == 0 {
		c.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@hourly"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LLMProvider) {
	case "anthropic", "claude", "openai", "gpt", "gemini", "google":
	default:
		return fmt.Errorf("llm_provider must be 'anthropic', 'openai' or 'gemini', got '%s'", c.LLMProvider)
	}
	switch domain.Mode(c.Mode) {
	case domain.ModeLabel, domain.ModeDraft:
	default:
		return fmt.Errorf("mode must be 'label' or 'draft', got '%s'", c.Mode)
	}
	switch c.StorageDriver {
	case "sqlite", "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required when storage_driver=postgres")
		}
	default:
		return fmt.Errorf("storage_driver must be 'sqlite', 'postgres' or 'memory', got '%s'", c.StorageDriver)
	}
	if c.LLMBatchSize < 1 {
		return fmt.Errorf("invalid llm_batch_size '%d': must be >= 1", c.LLMBatchSize)
	}
	if c.LLMMaxBodyChars < 100 {
		return fmt.Errorf("invalid llm_max_body_chars '%d': must be >= 100", c.LLMMaxBodyChars)
	}
	if c.QuantumSeconds < 30 {
		return fmt.Errorf("invalid quantum_seconds '%d': must be >= 30", c.QuantumSeconds)
	}
	if c.SuspendAfterSeconds < 1 || c.SuspendAfterSeconds >= c.QuantumSeconds {
		return fmt.Errorf("invalid suspend_after_seconds '%d': must be between 1 and quantum_seconds (%d)", c.SuspendAfterSeconds, c.QuantumSeconds)
	}
	if c.ResumeDelaySeconds < 1 {
		return fmt.Errorf("invalid resume_delay_seconds '%d': must be >= 1", c.ResumeDelaySeconds)
	}
	if c.BatchDelayMillis < 0 {
		return fmt.Errorf("invalid batch_delay_ms '%d': must be >= 0", c.BatchDelayMillis)
	}
	if c.LockTTLSeconds < c.QuantumSeconds {
		return fmt.Errorf("invalid lock_ttl_seconds '%d': must be >= quantum_seconds (%d)", c.LockTTLSeconds, c.QuantumSeconds)
	}
	if c.MaxItemsPerRun < 0 {
		return fmt.Errorf("invalid max_items_per_run '%d': must be >= 0", c.MaxItemsPerRun)
	}
	if c.ExternalHTTPTimeoutSeconds < 5 {
		return fmt.Errorf("invalid external_http_timeout_seconds '%d': must be >= 5", c.ExternalHTTPTimeoutSeconds)
	}
	if (c.SlackBotToken == "") != (c.SlackChannelID == "") {
		return fmt.Errorf("slack_bot_token and slack_channel_id must be set together")
	}

	if strings.EqualFold(c.Timezone, "Local") {
		c.Location = time.Local
	} else {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
		}
		c.Location = loc
	}

	if c.LLMGlossaryPath != "" {
		if err := validateGlossaryPath(c.LLMGlossaryPath); err != nil {
			return fmt.Errorf("invalid llm_glossary_path '%s': %w", c.LLMGlossaryPath, err)
		}
	}
	return nil
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = strings.EqualFold(val, "true") || val == "1"
	}
}

func envOverrideList(field *[]string, envKey string) {
	val := os.Getenv(envKey)
	if val == "" {
		return
	}
	*field = nil
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			*field = append(*field, item)
		}
	}
}

// APIKey returns the key of the configured provider.
func (c Config) APIKey() string {
	switch strings.ToLower(c.LLMProvider) {
	case "openai", "gpt":
		return c.OpenAIAPIKey
	case "gemini", "google":
		return c.GeminiAPIKey
	default:
		return c.AnthropicAPIKey
	}
}

// Settings is the classifier configuration a new run snapshots.
func (c Config) Settings() domain.Settings {
	return domain.Settings{
		Provider:     c.LLMProvider,
		Model:        c.LLMModel,
		APIKey:       c.APIKey(),
		Mode:         domain.Mode(c.Mode),
		SystemPrompt: c.LLMSystemPrompt,
		Labels:       append([]string(nil), c.LLMLabels...),
		DefaultLabel: c.LLMDefaultLabel,
	}
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackChannelID != ""
}

func (c Config) Quantum() time.Duration      { return time.Duration(c.QuantumSeconds) * time.Second }
func (c Config) SuspendAfter() time.Duration { return time.Duration(c.SuspendAfterSeconds) * time.Second }
func (c Config) ResumeDelay() time.Duration  { return time.Duration(c.ResumeDelaySeconds) * time.Second }
func (c Config) BatchDelay() time.Duration   { return time.Duration(c.BatchDelayMillis) * time.Millisecond }
func (c Config) LockTTL() time.Duration      { return time.Duration(c.LockTTLSeconds) * time.Second }
func (c Config) CheckpointRetention() time.Duration {
	return time.Duration(c.CheckpointRetentionHr) * time.Hour
}
func (c Config) RedactionTTL() time.Duration {
	return time.Duration(c.RedactionTTLMinutes) * time.Minute
}

func validateGlossaryPath(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read glossary: %w", err)
	}
	var g struct {
		Rules []struct {
			Phrase string `yaml:"phrase"`
			Label  string `yaml:"label"`
		} `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &g); err != nil {
		return fmt.Errorf("parse glossary yaml: %w", err)
	}
	return nil
}
