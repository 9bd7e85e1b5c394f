package main

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/attachments"
	"github.com/BTreeMap/TriagePipe/internal/genai"
	"github.com/BTreeMap/TriagePipe/internal/store"
	"github.com/BTreeMap/TriagePipe/internal/whatsapp"
)

var configEnvKeys = []string{
	"TRIAGEPIPE_STATE_DIR", "DATABASE_URL", "WHATSAPP_DB_DSN", "REDIS_ADDR", "REDIS_PASSWORD",
	"REDIS_DB", "STORE_TTL", "OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL", "PLACES_API_KEY",
	"API_ADDR", "WHATSAPP_ENABLED", "TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER",
	"TWILIO_WEBHOOK_URL", "GENAI_DEBUG", "ATTACHMENT_RETENTION", "TRIAGEPIPE_PROMPT_DIR", "TRIAGEPIPE_LOG_LEVEL",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
	}
}

func applyStoreOptions(opts []store.Option) store.Opts {
	var cfg store.Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	config := loadEnvironmentConfig()

	if config.StateDir != DefaultStateDir {
		t.Errorf("Expected default state dir %q, got %q", DefaultStateDir, config.StateDir)
	}
	if config.OpenAIModel != genai.DefaultModel {
		t.Errorf("Expected default model %q, got %q", genai.DefaultModel, config.OpenAIModel)
	}
	if config.AttachmentRetention != attachments.DefaultRetention {
		t.Errorf("Expected default retention %v, got %v", attachments.DefaultRetention, config.AttachmentRetention)
	}
	if config.WhatsAppEnabled {
		t.Error("Expected WhatsApp front-end to be disabled by default")
	}
	if config.LogLevel != "debug" {
		t.Errorf("Expected default log level debug, got %q", config.LogLevel)
	}
}

func TestLoadEnvironmentConfigOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("TRIAGEPIPE_STATE_DIR", "/tmp/triage")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("STORE_TTL", "48h")
	t.Setenv("WHATSAPP_ENABLED", "true")
	t.Setenv("ATTACHMENT_RETENTION", "15m")
	t.Setenv("API_ADDR", ":9090")

	config := loadEnvironmentConfig()

	if config.StateDir != "/tmp/triage" {
		t.Errorf("Expected state dir /tmp/triage, got %q", config.StateDir)
	}
	if config.RedisAddr != "localhost:6379" || config.RedisDB != 3 {
		t.Errorf("Unexpected redis config: %q db=%d", config.RedisAddr, config.RedisDB)
	}
	if config.StoreTTL != 48*time.Hour {
		t.Errorf("Expected TTL 48h, got %v", config.StoreTTL)
	}
	if !config.WhatsAppEnabled {
		t.Error("Expected WhatsApp front-end to be enabled")
	}
	if config.AttachmentRetention != 15*time.Minute {
		t.Errorf("Expected retention 15m, got %v", config.AttachmentRetention)
	}
	if config.APIAddr != ":9090" {
		t.Errorf("Expected API addr :9090, got %q", config.APIAddr)
	}
}

func TestParseCommandLineFlagsStateDirDefaults(t *testing.T) {
	config := Config{StateDir: DefaultStateDir}

	f, err := parseCommandLineFlags(config, []string{"-state-dir", "/srv/triage"})
	if err != nil {
		t.Fatalf("parseCommandLineFlags failed: %v", err)
	}

	if f.stateDir != "/srv/triage" {
		t.Errorf("Expected state dir /srv/triage, got %q", f.stateDir)
	}
	expectedApp := filepath.Join("/srv/triage", DefaultAppDBFileName)
	if f.dbDSN != expectedApp {
		t.Errorf("Expected app DSN %q, got %q", expectedApp, f.dbDSN)
	}
	expectedWA := "file:" + filepath.Join("/srv/triage", DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	if f.whatsappDSN != expectedWA {
		t.Errorf("Expected WhatsApp DSN %q, got %q", expectedWA, f.whatsappDSN)
	}
}

func TestParseCommandLineFlagsExplicitDSNs(t *testing.T) {
	config := Config{StateDir: DefaultStateDir, DatabaseURL: "postgres://u:p@localhost/app"}

	f, err := parseCommandLineFlags(config, []string{"-whatsapp-db-dsn", "postgres://u:p@localhost/wa"})
	if err != nil {
		t.Fatalf("parseCommandLineFlags failed: %v", err)
	}
	if f.dbDSN != "postgres://u:p@localhost/app" {
		t.Errorf("Expected env DSN to be kept, got %q", f.dbDSN)
	}
	if f.whatsappDSN != "postgres://u:p@localhost/wa" {
		t.Errorf("Expected flag WhatsApp DSN, got %q", f.whatsappDSN)
	}
}

func TestParseCommandLineFlagsRedisSkipsSQLiteDefault(t *testing.T) {
	config := Config{StateDir: DefaultStateDir, RedisAddr: "localhost:6379"}

	f, err := parseCommandLineFlags(config, nil)
	if err != nil {
		t.Fatalf("parseCommandLineFlags failed: %v", err)
	}
	if f.dbDSN != "" {
		t.Errorf("Expected no SQLite default with Redis configured, got %q", f.dbDSN)
	}
	if storeKind(f) != "redis" {
		t.Errorf("Expected redis store, got %q", storeKind(f))
	}
}

func TestParseCommandLineFlagsRejectsUnknownFlag(t *testing.T) {
	if _, err := parseCommandLineFlags(Config{}, []string{"-no-such-flag"}); err == nil {
		t.Error("Expected error for unknown flag")
	}
}

func TestBuildStoreOptions(t *testing.T) {
	tests := []struct {
		name      string
		flags     Flags
		wantDSN   string
		wantRedis string
		wantTTL   time.Duration
	}{
		{name: "memory", flags: Flags{}},
		{name: "sqlite", flags: Flags{dbDSN: "/tmp/app.db"}, wantDSN: "/tmp/app.db"},
		{name: "postgres", flags: Flags{dbDSN: "postgres://u:p@localhost/db"}, wantDSN: "postgres://u:p@localhost/db"},
		{name: "redis", flags: Flags{redisAddr: "localhost:6379", storeTTL: time.Hour}, wantRedis: "localhost:6379", wantTTL: time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := applyStoreOptions(buildStoreOptions(tt.flags))
			if cfg.DSN != tt.wantDSN {
				t.Errorf("DSN = %q, want %q", cfg.DSN, tt.wantDSN)
			}
			if cfg.RedisAddr != tt.wantRedis {
				t.Errorf("RedisAddr = %q, want %q", cfg.RedisAddr, tt.wantRedis)
			}
			if cfg.TTL != tt.wantTTL {
				t.Errorf("TTL = %v, want %v", cfg.TTL, tt.wantTTL)
			}
		})
	}
}

func TestBuildGenAIOptions(t *testing.T) {
	f := Flags{openaiKey: "sk-test", openaiModel: "gpt-test", openaiBaseURL: "http://localhost:1234/v1", genaiDebug: true, stateDir: "/tmp/s"}

	var cfg genai.Opts
	for _, opt := range buildGenAIOptions(f) {
		opt(&cfg)
	}

	if cfg.APIKey != "sk-test" || cfg.Model != "gpt-test" || cfg.BaseURL != "http://localhost:1234/v1" {
		t.Errorf("Unexpected genai options: %+v", cfg)
	}
	if !cfg.DebugMode || cfg.StateDir != "/tmp/s" {
		t.Errorf("Expected debug mode under /tmp/s, got %v %q", cfg.DebugMode, cfg.StateDir)
	}
}

func TestBuildWhatsAppOptions(t *testing.T) {
	f := Flags{whatsappDSN: "file:/tmp/wa.db", qrOutput: "/tmp/qr.txt", numeric: true}

	var cfg whatsapp.Opts
	for _, opt := range buildWhatsAppOptions(f) {
		opt(&cfg)
	}

	if cfg.DBDSN != "file:/tmp/wa.db" {
		t.Errorf("Expected DSN file:/tmp/wa.db, got %q", cfg.DBDSN)
	}
	if cfg.QRPath != "/tmp/qr.txt" || !cfg.NumericCode {
		t.Errorf("Unexpected login options: %+v", cfg)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"error", slog.LevelError},
		{"chatty", slog.LevelDebug},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBuildEnricherWithoutPlacesKey(t *testing.T) {
	if buildEnricher(Flags{}) == nil {
		t.Fatal("Expected an enricher even without a Places key")
	}
}
