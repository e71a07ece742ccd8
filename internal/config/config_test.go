package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	mainPrompt := filepath.Join(dir, "main.txt")
	structuringPrompt := filepath.Join(dir, "structuring.txt")
	for _, path := range []string{mainPrompt, structuringPrompt} {
		if err := os.WriteFile(path, []byte("prompt {thoughts}"), 0o644); err != nil {
			t.Fatalf("writing prompt fixture failed: %v", err)
		}
	}

	t.Setenv("TELEGRAM_BOT_TOKEN", "123456:test-token")
	t.Setenv("GLADIA_API_KEY", "gladia-key")
	t.Setenv("GOOGLE_API_KEY", "google-key")
	t.Setenv("NOTION_API_KEY", "notion-key")
	t.Setenv("NOTION_DATABASE_ID", "db-id")
	t.Setenv("WEBHOOK_SECRET_TOKEN", strings.Repeat("s", 40))
	t.Setenv("PROMPT_GEMINI_MAIN_PATH", mainPrompt)
	t.Setenv("PROMPT_THOUGHT_STRUCTURING_PATH", structuringPrompt)
	t.Setenv("STATE_FILE_PATH", filepath.Join(dir, "processed_updates.json"))
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequiredEnv(t)
	settings := Load()
	if err := settings.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if settings.GladiaAPIURL != "https://api.gladia.io/v2" {
		t.Fatalf("unexpected gladia url default: %q", settings.GladiaAPIURL)
	}
	if settings.RAGTopKPerThought != 3 {
		t.Fatalf("unexpected top-k default: %d", settings.RAGTopKPerThought)
	}
	if settings.WebhookPort != 8443 {
		t.Fatalf("unexpected port default: %d", settings.WebhookPort)
	}
	if settings.WebhookEnabled {
		t.Fatalf("expected webhook disabled by default")
	}
	if len(settings.AllowedNetworks()) != 2 {
		t.Fatalf("expected default telegram networks, got %d", len(settings.AllowedNetworks()))
	}
	if settings.ZapLevel() != zapcore.InfoLevel {
		t.Fatalf("unexpected level default: %v", settings.ZapLevel())
	}
	if settings.ListenAddr() != "0.0.0.0:8443" {
		t.Fatalf("unexpected listen addr: %q", settings.ListenAddr())
	}
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	err := Load().Validate()
	if err == nil || !strings.Contains(err.Error(), "TELEGRAM_BOT_TOKEN") {
		t.Fatalf("expected TELEGRAM_BOT_TOKEN error, got: %v", err)
	}
}

func TestValidateRejectsBadCIDR(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TELEGRAM_ALLOWED_CIDRS", "149.154.160.0/20,not-a-cidr")
	err := Load().Validate()
	if err == nil || !strings.Contains(err.Error(), "TELEGRAM_ALLOWED_CIDRS") {
		t.Fatalf("expected CIDR error, got: %v", err)
	}
}

func TestValidateRejectsShortSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WEBHOOK_SECRET_TOKEN", "short")
	err := Load().Validate()
	if err == nil || !strings.Contains(err.Error(), "WEBHOOK_SECRET_TOKEN") {
		t.Fatalf("expected secret length error, got: %v", err)
	}
}

func TestValidateRequiresWebhookURLWhenEnabled(t *testing.T) {
	setRequiredEnv(t)
	if err := Load().Validate(); err != nil {
		t.Fatalf("expected empty URL to pass while webhook disabled: %v", err)
	}

	t.Setenv("WEBHOOK_ENABLED", "true")
	err := Load().Validate()
	if err == nil || !strings.Contains(err.Error(), "WEBHOOK_URL") {
		t.Fatalf("expected WEBHOOK_URL error, got: %v", err)
	}

	t.Setenv("WEBHOOK_URL", "https://bot.example.com/webhook")
	if err := Load().Validate(); err != nil {
		t.Fatalf("expected valid URL to pass: %v", err)
	}
}

func TestValidateRejectsMissingPromptFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PROMPT_GEMINI_MAIN_PATH", filepath.Join(t.TempDir(), "absent.txt"))
	err := Load().Validate()
	if err == nil || !strings.Contains(err.Error(), "PROMPT_GEMINI_MAIN_PATH") {
		t.Fatalf("expected missing prompt error, got: %v", err)
	}
}

func TestValidateRejectsBadTimezoneAndLevel(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TIMEZONE", "Mars/Olympus")
	err := Load().Validate()
	if err == nil || !strings.Contains(err.Error(), "TIMEZONE") {
		t.Fatalf("expected timezone error, got: %v", err)
	}

	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("LOG_LEVEL", "loud")
	err = Load().Validate()
	if err == nil || !strings.Contains(err.Error(), "LOG_LEVEL") {
		t.Fatalf("expected level error, got: %v", err)
	}
}

func TestListEnvSplitsAndTrims(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TELEGRAM_ALLOWED_CIDRS", " 10.0.0.0/8 , ,192.168.0.0/16 ")
	settings := Load()
	if err := settings.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if len(settings.TelegramAllowedCIDRs) != 2 {
		t.Fatalf("expected 2 CIDRs, got %v", settings.TelegramAllowedCIDRs)
	}
	if settings.TelegramAllowedCIDRs[0] != "10.0.0.0/8" {
		t.Fatalf("expected trimmed entries, got %v", settings.TelegramAllowedCIDRs)
	}
}
