package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/api"
	"github.com/BTreeMap/TriagePipe/internal/attachments"
	"github.com/BTreeMap/TriagePipe/internal/genai"
	"github.com/BTreeMap/TriagePipe/internal/lockfile"
	"github.com/BTreeMap/TriagePipe/internal/lookup"
	"github.com/BTreeMap/TriagePipe/internal/messaging"
	"github.com/BTreeMap/TriagePipe/internal/store"
	"github.com/BTreeMap/TriagePipe/internal/triage"
	"github.com/BTreeMap/TriagePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/TriagePipe/internal/util"
	"github.com/BTreeMap/TriagePipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TriagePipe state data
	DefaultStateDir = "/var/lib/triagepipe"
	// DefaultAppDBFileName is the default SQLite conversation database filename
	DefaultAppDBFileName = "triagepipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

var logLevel = new(slog.LevelVar)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	logLevel.Set(parseLogLevel(flags.logLevel))

	lock, err := lockfile.AcquireLock(flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping TriagePipe")
	slog.Debug("Final configuration", "state_dir", flags.stateDir, "store", storeKind(flags), "api_addr", flags.apiAddr,
		"whatsapp", flags.whatsappEnabled, "twilio", flags.twilioSID != "")
	if err := run(ctx, flags); err != nil {
		slog.Error("TriagePipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("TriagePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir            string
	DatabaseURL         string
	WhatsAppDBDSN       string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	StoreTTL            time.Duration
	OpenAIKey           string
	OpenAIModel         string
	OpenAIBaseURL       string
	PlacesKey           string
	APIAddr             string
	WhatsAppEnabled     bool
	TwilioSID           string
	TwilioToken         string
	TwilioFrom          string
	TwilioWebhookURL    string
	GenAIDebug          bool
	AttachmentRetention time.Duration
	PromptDir           string
	LogLevel            string
}

// Flags holds the effective configuration after command line overrides
type Flags struct {
	stateDir            string
	dbDSN               string
	whatsappDSN         string
	redisAddr           string
	redisPassword       string
	redisDB             int
	storeTTL            time.Duration
	openaiKey           string
	openaiModel         string
	openaiBaseURL       string
	placesKey           string
	apiAddr             string
	whatsappEnabled     bool
	qrOutput            string
	numeric             bool
	twilioSID           string
	twilioToken         string
	twilioFrom          string
	twilioWebhookURL    string
	genaiDebug          bool
	attachmentRetention time.Duration
	promptDir           string
	logLevel            string
}

// initializeLogger sets up structured logging; the level is adjusted once flags are parsed
func initializeLogger() {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelDebug
	}
	return level
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:            util.GetenvDefault("TRIAGEPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             util.ParseIntEnv("REDIS_DB", 0),
		StoreTTL:            util.ParseDurationEnv("STORE_TTL", 0),
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:         util.GetenvDefault("OPENAI_MODEL", genai.DefaultModel),
		OpenAIBaseURL:       os.Getenv("OPENAI_BASE_URL"),
		PlacesKey:           os.Getenv("PLACES_API_KEY"),
		APIAddr:             util.GetenvDefault("API_ADDR", api.DefaultServerAddress),
		WhatsAppEnabled:     util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		TwilioSID:           os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:         os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:          os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL:    os.Getenv("TWILIO_WEBHOOK_URL"),
		GenAIDebug:          util.ParseBoolEnv("GENAI_DEBUG", false),
		AttachmentRetention: util.ParseDurationEnv("ATTACHMENT_RETENTION", attachments.DefaultRetention),
		PromptDir:           os.Getenv("TRIAGEPIPE_PROMPT_DIR"),
		LogLevel:            util.GetenvDefault("TRIAGEPIPE_LOG_LEVEL", "debug"),
	}

	slog.Debug("environment variables loaded",
		"TRIAGEPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"PLACES_API_KEY_SET", config.PlacesKey != "",
		"API_ADDR", config.APIAddr,
		"WHATSAPP_ENABLED", config.WhatsAppEnabled,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "")
	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults.
// Database paths left empty default to files in the (possibly overridden) state directory.
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("TriagePipe", flag.ContinueOnError)
	fs.StringVar(&f.stateDir, "state-dir", config.StateDir, "state directory for TriagePipe data (overrides $TRIAGEPIPE_STATE_DIR)")
	fs.StringVar(&f.dbDSN, "db-dsn", config.DatabaseURL, "conversation store DSN: Postgres URL or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&f.whatsappDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&f.redisAddr, "redis-addr", config.RedisAddr, "Redis address for the conversation store (overrides $REDIS_ADDR)")
	fs.StringVar(&f.redisPassword, "redis-password", config.RedisPassword, "Redis password (overrides $REDIS_PASSWORD)")
	fs.IntVar(&f.redisDB, "redis-db", config.RedisDB, "Redis logical database (overrides $REDIS_DB)")
	fs.DurationVar(&f.storeTTL, "store-ttl", config.StoreTTL, "idle expiry of Redis thread state, 0 keeps it (overrides $STORE_TTL)")
	fs.StringVar(&f.openaiKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.openaiModel, "openai-model", config.OpenAIModel, "chat model (overrides $OPENAI_MODEL)")
	fs.StringVar(&f.openaiBaseURL, "openai-base-url", config.OpenAIBaseURL, "OpenAI-compatible endpoint (overrides $OPENAI_BASE_URL)")
	fs.StringVar(&f.placesKey, "places-api-key", config.PlacesKey, "Google Places API key (overrides $PLACES_API_KEY)")
	fs.StringVar(&f.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.BoolVar(&f.whatsappEnabled, "whatsapp", config.WhatsAppEnabled, "enable the whatsmeow front-end (overrides $WHATSAPP_ENABLED)")
	fs.StringVar(&f.qrOutput, "qr-output", "", "path to write login QR code")
	fs.BoolVar(&f.numeric, "numeric-code", false, "print the raw login code instead of a QR code")
	fs.StringVar(&f.twilioSID, "twilio-account-sid", config.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)")
	fs.StringVar(&f.twilioToken, "twilio-auth-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)")
	fs.StringVar(&f.twilioFrom, "twilio-from", config.TwilioFrom, "Twilio WhatsApp sender (overrides $TWILIO_FROM_NUMBER)")
	fs.StringVar(&f.twilioWebhookURL, "twilio-webhook-url", config.TwilioWebhookURL, "public webhook URL used to verify Twilio signatures (overrides $TWILIO_WEBHOOK_URL)")
	fs.BoolVar(&f.genaiDebug, "genai-debug", config.GenAIDebug, "dump LLM requests under <state-dir>/debug (overrides $GENAI_DEBUG)")
	fs.DurationVar(&f.attachmentRetention, "attachment-retention", config.AttachmentRetention, "how long inbound images are kept (overrides $ATTACHMENT_RETENTION)")
	fs.StringVar(&f.promptDir, "prompt-dir", config.PromptDir, "directory with prompt template overrides (overrides $TRIAGEPIPE_PROMPT_DIR)")
	fs.StringVar(&f.logLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $TRIAGEPIPE_LOG_LEVEL)")
	if err := fs.Parse(args); err != nil {
		return f, err
	}

	if f.dbDSN == "" && f.redisAddr == "" {
		f.dbDSN = filepath.Join(f.stateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", f.dbDSN)
	}
	if f.whatsappDSN == "" {
		f.whatsappDSN = "file:" + filepath.Join(f.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	slog.Debug("flags parsed", "stateDir", f.stateDir, "dbDSN_set", f.dbDSN != "", "redis", f.redisAddr != "",
		"model", f.openaiModel, "apiAddr", f.apiAddr, "logLevel", f.logLevel)
	return f, nil
}

func storeKind(f Flags) string {
	switch {
	case f.redisAddr != "":
		return "redis"
	case f.dbDSN == "":
		return "memory"
	default:
		return store.DetectDSNType(f.dbDSN)
	}
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(f Flags) []store.Option {
	var opts []store.Option
	switch {
	case f.redisAddr != "":
		opts = append(opts, store.WithRedisAddr(f.redisAddr), store.WithRedisPassword(f.redisPassword), store.WithRedisDB(f.redisDB))
		if f.storeTTL > 0 {
			opts = append(opts, store.WithTTL(f.storeTTL))
		}
	case f.dbDSN == "":
		slog.Debug("No database DSN provided, will use in-memory store")
	case store.DetectDSNType(f.dbDSN) == "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		opts = append(opts, store.WithPostgresDSN(f.dbDSN))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", f.dbDSN)
		opts = append(opts, store.WithSQLiteDSN(f.dbDSN))
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(f Flags) []genai.Option {
	opts := []genai.Option{genai.WithModel(f.openaiModel)}
	if f.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(f.openaiKey))
	}
	if f.openaiBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(f.openaiBaseURL))
	}
	if f.genaiDebug {
		opts = append(opts, genai.WithDebugMode(true, f.stateDir))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(f Flags) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(f.whatsappDSN)}
	if f.qrOutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(f.qrOutput))
	}
	if f.numeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildEnricher wires the lookups; the Places section is skipped without an API key.
func buildEnricher(f Flags) *triage.Enricher {
	var facilities triage.FacilityFinder
	if f.placesKey != "" {
		facilities = lookup.NewPlacesClient(lookup.WithPlacesAPIKey(f.placesKey))
	} else {
		slog.Warn("PLACES_API_KEY not set; pharmacy and hospital suggestions are disabled")
	}
	return triage.NewEnricher(facilities, lookup.NewDoctorDirectory())
}

// run wires the modules and serves until ctx is cancelled.
func run(ctx context.Context, f Flags) error {
	st, err := store.Open(buildStoreOptions(f)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	gaClient, err := genai.NewClient(buildGenAIOptions(f)...)
	if err != nil {
		return fmt.Errorf("create genai client: %w", err)
	}
	prompts, err := triage.LoadPrompts(f.promptDir)
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}
	engine, err := triage.NewEngine(st,
		triage.NewClassifier(gaClient, prompts),
		triage.NewResponders(gaClient, prompts, buildEnricher(f)))
	if err != nil {
		return err
	}

	images, err := attachments.New(f.stateDir, attachments.WithRetention(f.attachmentRetention))
	if err != nil {
		return err
	}

	type frontEnd struct {
		svc    messaging.Service
		prefix string
	}
	var (
		frontEnds []frontEnd
		apiOpts   = []api.Option{api.WithAddr(f.apiAddr)}
	)
	if f.twilioSID != "" {
		twClient, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(f.twilioSID),
			twiliowhatsapp.WithAuthToken(f.twilioToken),
			twiliowhatsapp.WithFromWhats(f.twilioFrom))
		if err != nil {
			return fmt.Errorf("create twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(twClient, messaging.WithWebhookURL(f.twilioWebhookURL))
		apiOpts = append(apiOpts, api.WithTwilioWebhook(svc.TwilioWebhookHandler))
		frontEnds = append(frontEnds, frontEnd{svc: svc, prefix: "twilio:"})
	}
	if f.whatsappEnabled {
		waClient, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(f)...)
		if err != nil {
			return fmt.Errorf("create whatsapp client: %w", err)
		}
		defer waClient.Disconnect()
		frontEnds = append(frontEnds, frontEnd{svc: messaging.NewWhatsAppService(waClient), prefix: "whatsapp:"})
	}

	var wg sync.WaitGroup
	for _, fe := range frontEnds {
		if err := fe.svc.Start(ctx); err != nil {
			return fmt.Errorf("start messaging service: %w", err)
		}
		dispatcher := messaging.NewTurnDispatcher(fe.svc, engine,
			messaging.WithImageSaver(images), messaging.WithThreadPrefix(fe.prefix))
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Run(ctx)
		}()
	}

	serverErr := api.NewServer(engine, apiOpts...).Run(ctx)

	for _, fe := range frontEnds {
		if err := fe.svc.Stop(); err != nil {
			slog.Warn("Failed to stop messaging service", "error", err)
		}
	}
	wg.Wait()
	if serverErr != nil && !errors.Is(serverErr, context.Canceled) {
		return serverErr
	}
	return nil
}
