package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/CareNudge/internal/api"
	"github.com/BTreeMap/CareNudge/internal/genai"
	"github.com/BTreeMap/CareNudge/internal/messaging"
	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/phone"
	"github.com/BTreeMap/CareNudge/internal/retry"
	"github.com/BTreeMap/CareNudge/internal/store"
	"github.com/BTreeMap/CareNudge/internal/twiliosms"
	"github.com/BTreeMap/CareNudge/internal/util"
	"github.com/BTreeMap/CareNudge/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CareNudge state data
	DefaultStateDir = "/var/lib/carenudge"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "carenudge.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CareNudge", "transport", *flags.transport, "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr)
	err := api.Run(ctx,
		buildStoreOptions(flags),
		buildTwilioOptions(flags),
		buildWhatsAppOptions(flags),
		buildGenAIOptions(flags),
		buildAPIOptions(flags),
	)
	if err != nil {
		slog.Error("CareNudge failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CareNudge exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir            string
	DatabaseURL         string
	WhatsAppDSN         string
	APIAddr             string
	Transport           string
	TwilioAccountSID    string
	TwilioAuthToken     string
	TwilioFromNumber    string
	TwilioWebhookURL    string
	OpenAIKey           string
	CountryCode         string
	ConfirmationTimeout time.Duration
	ReminderTimeout     time.Duration
	MaxSendAttempts     int
	InboundWorkers      int
	SendAcknowledgments bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir            *string
	dbDSN               *string
	waDSN               *string
	apiAddr             *string
	transport           *string
	qrOutput            *string
	numeric             *bool
	webhookURL          *string
	openaiKey           *string
	countryCode         *string
	confirmationTimeout *time.Duration
	reminderTimeout     *time.Duration
	maxSendAttempts     *int
	inboundWorkers      *int
	acknowledgments     *bool

	// Credentials are only read from the environment.
	twilioAccountSID string
	twilioAuthToken  string
	twilioFromNumber string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:            os.Getenv("CARENUDGE_STATE_DIR"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		WhatsAppDSN:         os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:             os.Getenv("API_ADDR"),
		Transport:           os.Getenv("TRANSPORT"),
		TwilioAccountSID:    os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:    os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL:    os.Getenv("TWILIO_WEBHOOK_URL"),
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		CountryCode:         os.Getenv("DEFAULT_COUNTRY_CODE"),
		ConfirmationTimeout: util.ParseDurationEnv("CONFIRMATION_TIMEOUT", retry.DefaultConfirmationInterval),
		ReminderTimeout:     util.ParseDurationEnv("REMINDER_TIMEOUT", retry.DefaultReminderInterval),
		MaxSendAttempts:     util.ParseIntEnv("MAX_SEND_ATTEMPTS", retry.DefaultMaxAttempts),
		InboundWorkers:      util.ParseIntEnv("INBOUND_WORKERS", messaging.DefaultWorkers),
		SendAcknowledgments: util.ParseBoolEnv("SEND_ACKNOWLEDGMENTS", true),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CARENUDGE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = whatsAppDSNFor(config.StateDir)
	}
	if config.Transport == "" {
		config.Transport = api.TransportTwilio
	}
	if config.CountryCode == "" {
		config.CountryCode = phone.DefaultCountryCode
	}

	slog.Debug("environment variables loaded",
		"CARENUDGE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"API_ADDR", config.APIAddr,
		"TRANSPORT", config.Transport,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TWILIO_WEBHOOK_URL", config.TwilioWebhookURL,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"DEFAULT_COUNTRY_CODE", config.CountryCode,
		"CONFIRMATION_TIMEOUT", config.ConfirmationTimeout,
		"REMINDER_TIMEOUT", config.ReminderTimeout,
		"MAX_SEND_ATTEMPTS", config.MaxSendAttempts,
		"INBOUND_WORKERS", config.InboundWorkers,
		"SEND_ACKNOWLEDGMENTS", config.SendAcknowledgments)

	return config
}

func whatsAppDSNFor(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses args with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		stateDir:            fs.String("state-dir", config.StateDir, "state directory for CareNudge data (overrides $CARENUDGE_STATE_DIR)"),
		dbDSN:               fs.String("db-dsn", config.DatabaseURL, "application database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_URL)"),
		waDSN:               fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:             fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		transport:           fs.String("transport", config.Transport, "SMS transport: twilio or whatsapp (overrides $TRANSPORT)"),
		qrOutput:            fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:             fs.Bool("numeric-code", false, "use a WhatsApp pairing code instead of a QR code"),
		webhookURL:          fs.String("twilio-webhook-url", config.TwilioWebhookURL, "public Twilio webhook URL for signature validation (overrides $TWILIO_WEBHOOK_URL)"),
		openaiKey:           fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key for reminder phrasing (overrides $OPENAI_API_KEY)"),
		countryCode:         fs.String("country-code", config.CountryCode, "default country calling code (overrides $DEFAULT_COUNTRY_CODE)"),
		confirmationTimeout: fs.Duration("confirmation-timeout", config.ConfirmationTimeout, "wait per confirmation attempt (overrides $CONFIRMATION_TIMEOUT)"),
		reminderTimeout:     fs.Duration("reminder-timeout", config.ReminderTimeout, "wait per reminder attempt (overrides $REMINDER_TIMEOUT)"),
		maxSendAttempts:     fs.Int("max-send-attempts", config.MaxSendAttempts, "sends per request before it fails (overrides $MAX_SEND_ATTEMPTS)"),
		inboundWorkers:      fs.Int("inbound-workers", config.InboundWorkers, "inbound reply workers (overrides $INBOUND_WORKERS)"),
		acknowledgments:     fs.Bool("send-acknowledgments", config.SendAcknowledgments, "reply after a confirmation or completion (overrides $SEND_ACKNOWLEDGMENTS)"),
		twilioAccountSID:    config.TwilioAccountSID,
		twilioAuthToken:     config.TwilioAuthToken,
		twilioFromNumber:    config.TwilioFromNumber,
	}

	if err := fs.Parse(args); err != nil {
		slog.Error("failed to parse flags", "error", err)
	}

	// Follow an overridden state directory unless the DSNs were set explicitly.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.waDSN == whatsAppDSNFor(config.StateDir) {
			*flags.waDSN = whatsAppDSNFor(*flags.stateDir)
		}
		slog.Debug("DSNs follow overridden state directory", "state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"transport", *flags.transport,
		"openaiKeySet", *flags.openaiKey != "")
	return flags
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return nil
	}
	if store.DetectDSNType(*flags.dbDSN) == store.DriverPostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	}
	return storeOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(flags Flags) []twiliosms.Option {
	var opts []twiliosms.Option
	if flags.twilioAccountSID != "" {
		opts = append(opts, twiliosms.WithAccountSID(flags.twilioAccountSID))
	}
	if flags.twilioAuthToken != "" {
		opts = append(opts, twiliosms.WithAuthToken(flags.twilioAuthToken))
	}
	if flags.twilioFromNumber != "" {
		opts = append(opts, twiliosms.WithFromNumber(flags.twilioFromNumber))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}

// buildGenAIOptions constructs GenAI configuration options. No key means static reminders.
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithStateDir(*flags.stateDir),
		api.WithTransport(*flags.transport),
		api.WithCountryCode(*flags.countryCode),
		api.WithInboundWorkers(*flags.inboundWorkers),
		api.WithAcknowledgments(*flags.acknowledgments),
		api.WithPolicy(models.SubjectProfileConfirmation, retry.Policy{Interval: *flags.confirmationTimeout, MaxAttempts: *flags.maxSendAttempts}),
		api.WithPolicy(models.SubjectTaskResponse, retry.Policy{Interval: *flags.reminderTimeout, MaxAttempts: *flags.maxSendAttempts}),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.webhookURL != "" {
		apiOpts = append(apiOpts, api.WithWebhookURL(*flags.webhookURL))
	}
	return apiOpts
}
