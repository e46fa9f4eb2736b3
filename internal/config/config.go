package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the reviewlens server and CLI.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AI        AIConfig
	Pipeline  PipelineConfig
	Quality   QualityConfig
	Scheduler SchedulerConfig
	Recovery  RecoveryConfig
	Alerts    AlertsConfig
	Sources   SourcesConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	LogLevel          string
	RequestsPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
	// ApplicationName is reported to Postgres for every connection.
	ApplicationName string
}

type RedisConfig struct {
	URL string
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	Gemini           GeminiConfig
	Ollama           OllamaConfig
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

// PipelineConfig controls how filtered items become tasks and when a job fails.
type PipelineConfig struct {
	BatchSize           int
	MaxRetries          int
	JobFailureThreshold float64
	StatusCacheTTL      time.Duration
}

// QualityConfig mirrors quality.Config so policy constants stay out of code.
type QualityConfig struct {
	Window           time.Duration
	KeepUndated      bool
	MinLength        int
	MaxLength        int
	FingerprintChars int
	DefaultQuota     int
	SourceQuotas     map[string]int
	Keywords         []string
}

type SchedulerConfig struct {
	Capacity        int
	MemoryBudgetMB  int
	ErrorRateWindow time.Duration
	MaxDelay        time.Duration
}

type RecoveryConfig struct {
	Interval      time.Duration
	StuckAfter    time.Duration
	StarvedAfter  time.Duration
	TaskRetention time.Duration
}

type AlertsConfig struct {
	RulesFile  string
	WebhookURL string
}

// SourcesConfig points at the scraper gateways, keyed by source name.
type SourcesConfig struct {
	Endpoints map[string]string
	Token     string
	Timeout   time.Duration
	Limit     int
}

var validProviders = map[string]bool{
	"gemini": true,
	"ollama": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("REVIEWLENS_PORT", 8080),
			Env:               envString("REVIEWLENS_ENV", "development"),
			LogLevel:          envString("REVIEWLENS_LOG_LEVEL", "info"),
			RequestsPerMinute: envInt("REVIEWLENS_REQUESTS_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
			ApplicationName: envString("DATABASE_APPLICATION_NAME", "reviewlens"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			Provider:         os.Getenv("AI_PROVIDER"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 90*time.Second),
			Gemini: GeminiConfig{
				APIKey: os.Getenv("GEMINI_API_KEY"),
				Model:  envString("GEMINI_MODEL", "gemini-2.0-flash"),
			},
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
		},
		Pipeline: PipelineConfig{
			BatchSize:           envInt("PIPELINE_BATCH_SIZE", 25),
			MaxRetries:          envInt("PIPELINE_MAX_RETRIES", 5),
			JobFailureThreshold: envFloat("PIPELINE_JOB_FAILURE_THRESHOLD", 0.5),
			StatusCacheTTL:      envDuration("PIPELINE_STATUS_CACHE_TTL", 30*time.Minute),
		},
		Quality: QualityConfig{
			Window:           envDuration("QUALITY_WINDOW", 90*24*time.Hour),
			KeepUndated:      envBool("QUALITY_KEEP_UNDATED", true),
			MinLength:        envInt("QUALITY_MIN_LENGTH", 20),
			MaxLength:        envInt("QUALITY_MAX_LENGTH", 5000),
			FingerprintChars: envInt("QUALITY_FINGERPRINT_CHARS", 100),
			DefaultQuota:     envInt("QUALITY_DEFAULT_QUOTA", 100),
			SourceQuotas: envQuotas("QUALITY_SOURCE_QUOTAS", map[string]int{
				"app_store":   200,
				"google_play": 200,
				"reddit":      100,
			}),
			Keywords: envList("QUALITY_KEYWORDS", []string{
				"crash", "bug", "slow", "price", "subscription", "feature", "update", "login",
			}),
		},
		Scheduler: SchedulerConfig{
			Capacity:        envInt("SCHEDULER_CAPACITY", 24),
			MemoryBudgetMB:  envInt("SCHEDULER_MEMORY_BUDGET_MB", 512),
			ErrorRateWindow: envDuration("SCHEDULER_ERROR_RATE_WINDOW", 10*time.Minute),
			MaxDelay:        envDuration("SCHEDULER_MAX_RETRY_DELAY", 10*time.Minute),
		},
		Recovery: RecoveryConfig{
			Interval:      envDuration("RECOVERY_INTERVAL", time.Minute),
			StuckAfter:    envDuration("RECOVERY_STUCK_AFTER", 5*time.Minute),
			StarvedAfter:  envDuration("RECOVERY_STARVED_AFTER", time.Hour),
			TaskRetention: envDuration("RECOVERY_TASK_RETENTION", 30*24*time.Hour),
		},
		Alerts: AlertsConfig{
			RulesFile:  os.Getenv("ALERT_RULES_FILE"),
			WebhookURL: os.Getenv("ALERT_WEBHOOK_URL"),
		},
		Sources: SourcesConfig{
			Endpoints: envEndpoints("SCRAPER_ENDPOINTS"),
			Token:     os.Getenv("SCRAPER_TOKEN"),
			Timeout:   envDuration("SCRAPER_TIMEOUT", 30*time.Second),
			Limit:     envInt("SCRAPER_LIMIT", 500),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of gemini, ollama, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "gemini" && c.AI.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when AI_PROVIDER is gemini")
	}
	if c.AI.Provider == "ollama" &&
		!strings.HasPrefix(c.AI.Ollama.BaseURL, "http://") && !strings.HasPrefix(c.AI.Ollama.BaseURL, "https://") {
		return fmt.Errorf("OLLAMA_BASE_URL must start with http:// or https://, got %q", c.AI.Ollama.BaseURL)
	}

	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("PIPELINE_BATCH_SIZE must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.JobFailureThreshold < 0 || c.Pipeline.JobFailureThreshold > 1 {
		return fmt.Errorf("PIPELINE_JOB_FAILURE_THRESHOLD must be within [0, 1], got %v", c.Pipeline.JobFailureThreshold)
	}

	if c.Quality.MinLength < 0 || c.Quality.MaxLength < c.Quality.MinLength {
		return fmt.Errorf("QUALITY_MIN_LENGTH/QUALITY_MAX_LENGTH form an empty band: %d..%d",
			c.Quality.MinLength, c.Quality.MaxLength)
	}

	if c.Recovery.StarvedAfter <= c.Recovery.StuckAfter {
		return fmt.Errorf("RECOVERY_STARVED_AFTER (%s) must exceed RECOVERY_STUCK_AFTER (%s)",
			c.Recovery.StarvedAfter, c.Recovery.StuckAfter)
	}

	for name, u := range c.Sources.Endpoints {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("SCRAPER_ENDPOINTS entry %q must start with http:// or https://, got %q", name, u)
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

// envList parses a comma-separated list, dropping empty entries.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envQuotas parses "source=n,source=n". Malformed entries are skipped.
func envQuotas(key string, defaultVal map[string]int) map[string]int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	out := make(map[string]int)
	for _, part := range strings.Split(v, ",") {
		name, raw, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 0 {
			continue
		}
		out[strings.TrimSpace(name)] = n
	}
	return out
}

// envEndpoints parses "source=url,source=url". Entries without a name are skipped.
func envEndpoints(key string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(os.Getenv(key), ",") {
		name, u, ok := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		out[name] = strings.TrimSpace(u)
	}
	return out
}
