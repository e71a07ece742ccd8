package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

// Settings carries every tunable the pipeline reads from the environment.
// Load fills it, Validate rejects it; nothing downstream re-checks.
type Settings struct {
	TelegramBotToken string
	GladiaAPIKey     string
	GoogleAPIKey     string
	NotionAPIKey     string
	NotionDatabaseID string

	GeminiModel    string
	EmbeddingModel string

	GladiaAPIURL                      string
	GladiaPollingInterval             time.Duration
	GladiaTranscriptionTimeout        time.Duration
	GladiaMaxConcurrentTranscriptions int
	GladiaMaxTranscriptionsPerHour    int
	GladiaRateLimitWindow             time.Duration
	GladiaRateLimitCooldown           time.Duration

	RAGTopKPerThought  int
	EmbeddingCachePath string

	WebhookEnabled         bool
	WebhookURL             string
	WebhookHost            string
	WebhookPort            int
	WebhookSecretToken     string
	WebhookSecretLength    int
	TelegramAllowedCIDRs   []string
	StartupPollingMaxRuns  int
	WebhookUpdateCacheSize int
	WebhookRateLimitMax    int
	WebhookRateLimitWindow time.Duration
	WebhookMaxBodyBytes    int64
	UpdateQueueSize        int

	PromptMainPath        string
	PromptStructuringPath string
	StateFilePath         string

	Timezone string
	LogLevel string

	allowedNetworks []*net.IPNet
	location        *time.Location
	zapLevel        zapcore.Level
}

// Load reads the environment. Parse failures on optional knobs fall back to
// defaults; required values are enforced by Validate, not here.
func Load() *Settings {
	return &Settings{
		TelegramBotToken: strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		GladiaAPIKey:     strings.TrimSpace(os.Getenv("GLADIA_API_KEY")),
		GoogleAPIKey:     strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")),
		NotionAPIKey:     strings.TrimSpace(os.Getenv("NOTION_API_KEY")),
		NotionDatabaseID: strings.TrimSpace(os.Getenv("NOTION_DATABASE_ID")),

		GeminiModel:    stringEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		EmbeddingModel: stringEnv("EMBEDDING_MODEL", "gemini-embedding-001"),

		GladiaAPIURL:                      stringEnv("GLADIA_API_URL", "https://api.gladia.io/v2"),
		GladiaPollingInterval:             secondsEnv("GLADIA_POLLING_INTERVAL_SECONDS", time.Second),
		GladiaTranscriptionTimeout:        durationEnv("GLADIA_TRANSCRIPTION_TIMEOUT", 2*time.Minute),
		GladiaMaxConcurrentTranscriptions: intEnv("GLADIA_MAX_CONCURRENT_TRANSCRIPTIONS", 1),
		GladiaMaxTranscriptionsPerHour:    intEnv("GLADIA_MAX_TRANSCRIPTIONS_PER_HOUR", 0),
		GladiaRateLimitWindow:             secondsEnv("GLADIA_RATE_LIMIT_WINDOW_SECONDS", time.Hour),
		GladiaRateLimitCooldown:           secondsEnv("GLADIA_RATE_LIMIT_COOLDOWN_SECONDS", 0),

		RAGTopKPerThought:  intEnv("RAG_TOP_K_PER_THOUGHT", 3),
		EmbeddingCachePath: stringEnv("EMBEDDING_CACHE_PATH", "embedding_cache.db"),

		WebhookEnabled:         boolEnv("WEBHOOK_ENABLED", false),
		WebhookURL:             strings.TrimSpace(os.Getenv("WEBHOOK_URL")),
		WebhookHost:            stringEnv("WEBHOOK_HOST", "0.0.0.0"),
		WebhookPort:            intEnv("WEBHOOK_PORT", 8443),
		WebhookSecretToken:     strings.TrimSpace(os.Getenv("WEBHOOK_SECRET_TOKEN")),
		WebhookSecretLength:    intEnv("WEBHOOK_SECRET_LENGTH", 32),
		TelegramAllowedCIDRs:   listEnv("TELEGRAM_ALLOWED_CIDRS", []string{"149.154.160.0/20", "91.108.4.0/22"}),
		StartupPollingMaxRuns:  intEnv("STARTUP_POLLING_MAX_RUNS", 5),
		WebhookUpdateCacheSize: intEnv("WEBHOOK_UPDATE_CACHE_SIZE", 1024),
		WebhookRateLimitMax:    intEnv("WEBHOOK_RATE_LIMIT_MAX", 0),
		WebhookRateLimitWindow: durationEnv("WEBHOOK_RATE_LIMIT_WINDOW", time.Minute),
		WebhookMaxBodyBytes:    int64Env("WEBHOOK_MAX_BODY_BYTES", 1<<20),
		UpdateQueueSize:        intEnv("UPDATE_QUEUE_SIZE", 256),

		PromptMainPath:        strings.TrimSpace(os.Getenv("PROMPT_GEMINI_MAIN_PATH")),
		PromptStructuringPath: strings.TrimSpace(os.Getenv("PROMPT_THOUGHT_STRUCTURING_PATH")),
		StateFilePath:         strings.TrimSpace(os.Getenv("STATE_FILE_PATH")),

		Timezone: stringEnv("TIMEZONE", "UTC"),
		LogLevel: stringEnv("LOG_LEVEL", "info"),
	}
}

// Validate checks every field and resolves the derived ones. The error names
// the offending variable so a bad deploy fails loudly at startup.
func (s *Settings) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"TELEGRAM_BOT_TOKEN", s.TelegramBotToken},
		{"GLADIA_API_KEY", s.GladiaAPIKey},
		{"GOOGLE_API_KEY", s.GoogleAPIKey},
		{"NOTION_API_KEY", s.NotionAPIKey},
		{"NOTION_DATABASE_ID", s.NotionDatabaseID},
		{"GEMINI_MODEL", s.GeminiModel},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%s must be a non-empty string", field.name)
		}
	}
	if err := validateHTTPURL("GLADIA_API_URL", s.GladiaAPIURL); err != nil {
		return err
	}
	if s.GladiaPollingInterval <= 0 {
		return fmt.Errorf("GLADIA_POLLING_INTERVAL_SECONDS must be greater than zero")
	}
	if s.GladiaMaxConcurrentTranscriptions <= 0 {
		return fmt.Errorf("GLADIA_MAX_CONCURRENT_TRANSCRIPTIONS must be greater than zero")
	}
	if s.GladiaMaxTranscriptionsPerHour < 0 {
		return fmt.Errorf("GLADIA_MAX_TRANSCRIPTIONS_PER_HOUR must be zero or greater")
	}
	if s.GladiaRateLimitWindow <= 0 {
		return fmt.Errorf("GLADIA_RATE_LIMIT_WINDOW_SECONDS must be greater than zero")
	}
	if s.GladiaRateLimitCooldown < 0 {
		return fmt.Errorf("GLADIA_RATE_LIMIT_COOLDOWN_SECONDS must be zero or greater")
	}
	if s.RAGTopKPerThought <= 0 {
		return fmt.Errorf("RAG_TOP_K_PER_THOUGHT must be greater than zero")
	}
	if s.StartupPollingMaxRuns < 0 {
		return fmt.Errorf("STARTUP_POLLING_MAX_RUNS must be zero or greater")
	}
	if s.WebhookUpdateCacheSize <= 0 {
		return fmt.Errorf("WEBHOOK_UPDATE_CACHE_SIZE must be greater than zero")
	}
	if s.WebhookSecretLength <= 0 {
		return fmt.Errorf("WEBHOOK_SECRET_LENGTH must be greater than zero")
	}
	if len(s.TelegramAllowedCIDRs) == 0 {
		return fmt.Errorf("TELEGRAM_ALLOWED_CIDRS must contain at least one CIDR range")
	}
	s.allowedNetworks = s.allowedNetworks[:0]
	for _, cidr := range s.TelegramAllowedCIDRs {
		_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return fmt.Errorf("invalid CIDR entry in TELEGRAM_ALLOWED_CIDRS: %q", cidr)
		}
		s.allowedNetworks = append(s.allowedNetworks, network)
	}
	if s.WebhookEnabled || s.WebhookURL != "" {
		if err := validateHTTPURL("WEBHOOK_URL", s.WebhookURL); err != nil {
			return err
		}
	}
	if strings.TrimSpace(s.WebhookHost) == "" {
		return fmt.Errorf("WEBHOOK_HOST must be a non-empty string")
	}
	if s.WebhookPort < 1 || s.WebhookPort > 65535 {
		return fmt.Errorf("WEBHOOK_PORT must be within the range 1-65535")
	}
	if strings.TrimSpace(s.WebhookSecretToken) == "" {
		return fmt.Errorf("WEBHOOK_SECRET_TOKEN must be a non-empty string")
	}
	if len(s.WebhookSecretToken) < s.WebhookSecretLength {
		return fmt.Errorf("WEBHOOK_SECRET_TOKEN must be at least WEBHOOK_SECRET_LENGTH (%d) characters long", s.WebhookSecretLength)
	}
	for _, promptPath := range []struct {
		name  string
		value string
	}{
		{"PROMPT_GEMINI_MAIN_PATH", s.PromptMainPath},
		{"PROMPT_THOUGHT_STRUCTURING_PATH", s.PromptStructuringPath},
	} {
		if strings.TrimSpace(promptPath.value) == "" {
			return fmt.Errorf("%s must be a non-empty string", promptPath.name)
		}
		if _, err := os.Stat(promptPath.value); err != nil {
			return fmt.Errorf("%s points to a missing file: %s", promptPath.name, promptPath.value)
		}
	}
	if strings.TrimSpace(s.StateFilePath) == "" {
		return fmt.Errorf("STATE_FILE_PATH must be a non-empty string")
	}
	location, err := time.LoadLocation(strings.TrimSpace(s.Timezone))
	if err != nil {
		return fmt.Errorf("TIMEZONE must be a valid IANA timezone: %v", err)
	}
	s.location = location
	level, err := zapcore.ParseLevel(strings.TrimSpace(s.LogLevel))
	if err != nil {
		return fmt.Errorf("LOG_LEVEL must be a valid zap level: %v", err)
	}
	s.zapLevel = level
	return nil
}

// AllowedNetworks returns the parsed TELEGRAM_ALLOWED_CIDRS. Valid only after
// Validate succeeded.
func (s *Settings) AllowedNetworks() []*net.IPNet {
	return s.allowedNetworks
}

// Location returns the parsed TIMEZONE. Valid only after Validate succeeded.
func (s *Settings) Location() *time.Location {
	if s.location == nil {
		return time.UTC
	}
	return s.location
}

// ZapLevel returns the parsed LOG_LEVEL. Valid only after Validate succeeded.
func (s *Settings) ZapLevel() zapcore.Level {
	return s.zapLevel
}

// ListenAddr is the webhook server bind address.
func (s *Settings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.WebhookHost, s.WebhookPort)
}

func stringEnv(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

// secondsEnv parses an integer number of seconds, matching the _SECONDS
// naming of the variables it reads.
func secondsEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return time.Duration(value) * time.Second
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func listEnv(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}

func validateHTTPURL(name, value string) error {
	parsed, err := url.Parse(strings.TrimSpace(value))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%s must be a valid HTTP or HTTPS URL", name)
	}
	return nil
}
