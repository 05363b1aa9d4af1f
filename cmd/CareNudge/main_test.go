package main

import (
	"flag"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/CareNudge/internal/api"
	"github.com/BTreeMap/CareNudge/internal/retry"
)

var configEnvVars = []string{
	"CARENUDGE_STATE_DIR", "DATABASE_URL", "WHATSAPP_DB_DSN", "API_ADDR", "TRANSPORT",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER", "TWILIO_WEBHOOK_URL",
	"OPENAI_API_KEY", "DEFAULT_COUNTRY_CODE", "CONFIRMATION_TIMEOUT", "REMINDER_TIMEOUT",
	"MAX_SEND_ATTEMPTS", "INBOUND_WORKERS", "SEND_ACKNOWLEDGMENTS",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvVars {
		t.Setenv(key, "")
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	config := loadEnvironmentConfig()

	if config.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q, want %q", config.StateDir, DefaultStateDir)
	}
	if want := filepath.Join(DefaultStateDir, DefaultAppDBFileName); config.DatabaseURL != want {
		t.Errorf("DatabaseURL = %q, want %q", config.DatabaseURL, want)
	}
	if want := whatsAppDSNFor(DefaultStateDir); config.WhatsAppDSN != want {
		t.Errorf("WhatsAppDSN = %q, want %q", config.WhatsAppDSN, want)
	}
	if config.Transport != api.TransportTwilio {
		t.Errorf("Transport = %q, want %q", config.Transport, api.TransportTwilio)
	}
	if config.CountryCode != "1" {
		t.Errorf("CountryCode = %q, want 1", config.CountryCode)
	}
	if config.ConfirmationTimeout != retry.DefaultConfirmationInterval {
		t.Errorf("ConfirmationTimeout = %v, want %v", config.ConfirmationTimeout, retry.DefaultConfirmationInterval)
	}
	if config.ReminderTimeout != retry.DefaultReminderInterval {
		t.Errorf("ReminderTimeout = %v, want %v", config.ReminderTimeout, retry.DefaultReminderInterval)
	}
	if config.MaxSendAttempts != retry.DefaultMaxAttempts {
		t.Errorf("MaxSendAttempts = %d, want %d", config.MaxSendAttempts, retry.DefaultMaxAttempts)
	}
	if !config.SendAcknowledgments {
		t.Error("SendAcknowledgments should default to true")
	}
}

func TestLoadEnvironmentConfigOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CARENUDGE_STATE_DIR", "/tmp/carenudge")
	t.Setenv("DATABASE_URL", "postgres://localhost/carenudge")
	t.Setenv("TRANSPORT", "whatsapp")
	t.Setenv("DEFAULT_COUNTRY_CODE", "44")
	t.Setenv("CONFIRMATION_TIMEOUT", "6h")
	t.Setenv("REMINDER_TIMEOUT", "45m")
	t.Setenv("MAX_SEND_ATTEMPTS", "5")
	t.Setenv("INBOUND_WORKERS", "8")
	t.Setenv("SEND_ACKNOWLEDGMENTS", "false")

	config := loadEnvironmentConfig()

	if config.StateDir != "/tmp/carenudge" {
		t.Errorf("StateDir = %q", config.StateDir)
	}
	if config.DatabaseURL != "postgres://localhost/carenudge" {
		t.Errorf("DatabaseURL = %q", config.DatabaseURL)
	}
	if want := whatsAppDSNFor("/tmp/carenudge"); config.WhatsAppDSN != want {
		t.Errorf("WhatsAppDSN = %q, want %q", config.WhatsAppDSN, want)
	}
	if config.Transport != "whatsapp" || config.CountryCode != "44" {
		t.Errorf("Transport/CountryCode = %q/%q", config.Transport, config.CountryCode)
	}
	if config.ConfirmationTimeout != 6*time.Hour || config.ReminderTimeout != 45*time.Minute {
		t.Errorf("timeouts = %v/%v", config.ConfirmationTimeout, config.ReminderTimeout)
	}
	if config.MaxSendAttempts != 5 || config.InboundWorkers != 8 {
		t.Errorf("MaxSendAttempts/InboundWorkers = %d/%d", config.MaxSendAttempts, config.InboundWorkers)
	}
	if config.SendAcknowledgments {
		t.Error("SendAcknowledgments should be false")
	}
}

func testConfig() Config {
	return Config{
		StateDir:            "/var/lib/carenudge",
		DatabaseURL:         filepath.Join("/var/lib/carenudge", DefaultAppDBFileName),
		WhatsAppDSN:         whatsAppDSNFor("/var/lib/carenudge"),
		Transport:           api.TransportTwilio,
		CountryCode:         "1",
		ConfirmationTimeout: retry.DefaultConfirmationInterval,
		ReminderTimeout:     retry.DefaultReminderInterval,
		MaxSendAttempts:     retry.DefaultMaxAttempts,
		InboundWorkers:      4,
		SendAcknowledgments: true,
		TwilioAccountSID:    "AC123",
		TwilioAuthToken:     "secret",
		TwilioFromNumber:    "+15550000000",
	}
}

func TestParseCommandLineFlagsStateDirMovesDefaultDSNs(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := parseCommandLineFlags(fs, []string{"-state-dir", "/srv/cn"}, testConfig())

	if *flags.stateDir != "/srv/cn" {
		t.Errorf("stateDir = %q", *flags.stateDir)
	}
	if want := filepath.Join("/srv/cn", DefaultAppDBFileName); *flags.dbDSN != want {
		t.Errorf("dbDSN = %q, want %q", *flags.dbDSN, want)
	}
	if want := whatsAppDSNFor("/srv/cn"); *flags.waDSN != want {
		t.Errorf("waDSN = %q, want %q", *flags.waDSN, want)
	}
}

func TestParseCommandLineFlagsKeepsExplicitDSN(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := parseCommandLineFlags(fs, []string{
		"-state-dir", "/srv/cn",
		"-db-dsn", "postgres://db/carenudge",
		"-max-send-attempts", "2",
		"-reminder-timeout", "30m",
	}, testConfig())

	if *flags.dbDSN != "postgres://db/carenudge" {
		t.Errorf("dbDSN = %q", *flags.dbDSN)
	}
	if *flags.maxSendAttempts != 2 || *flags.reminderTimeout != 30*time.Minute {
		t.Errorf("maxSendAttempts/reminderTimeout = %d/%v", *flags.maxSendAttempts, *flags.reminderTimeout)
	}
	if flags.twilioAccountSID != "AC123" {
		t.Errorf("twilioAccountSID = %q", flags.twilioAccountSID)
	}
}

func TestBuildStoreOptions(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want int
	}{
		{"empty uses memory", "", 0},
		{"sqlite path", "/var/lib/carenudge/carenudge.db", 1},
		{"postgres url", "postgres://localhost/carenudge", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn := tt.dsn
			if got := len(buildStoreOptions(Flags{dbDSN: &dsn})); got != tt.want {
				t.Errorf("len(buildStoreOptions) = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBuildTransportOptions(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := parseCommandLineFlags(fs, []string{"-qr-output", "/tmp/qr.txt", "-numeric-code"}, testConfig())

	if got := len(buildTwilioOptions(flags)); got != 3 {
		t.Errorf("twilio options = %d, want 3", got)
	}
	if got := len(buildWhatsAppOptions(flags)); got != 3 {
		t.Errorf("whatsapp options = %d, want 3", got)
	}
	if got := len(buildTwilioOptions(Flags{})); got != 0 {
		t.Errorf("twilio options without credentials = %d, want 0", got)
	}
}

func TestBuildGenAIOptions(t *testing.T) {
	empty, key := "", "sk-test"
	if got := len(buildGenAIOptions(Flags{openaiKey: &empty})); got != 0 {
		t.Errorf("genai options without key = %d, want 0", got)
	}
	if got := len(buildGenAIOptions(Flags{openaiKey: &key})); got != 1 {
		t.Errorf("genai options with key = %d, want 1", got)
	}
}

func TestBuildAPIOptions(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := parseCommandLineFlags(fs, []string{"-api-addr", ":9090", "-twilio-webhook-url", "https://example.com/webhooks/twilio"}, testConfig())

	opts := &api.Opts{}
	for _, opt := range buildAPIOptions(flags) {
		opt(opts)
	}
	if opts.Addr != ":9090" || opts.WebhookURL != "https://example.com/webhooks/twilio" {
		t.Errorf("Addr/WebhookURL = %q/%q", opts.Addr, opts.WebhookURL)
	}
	if opts.StateDir != "/var/lib/carenudge" || opts.Transport != api.TransportTwilio {
		t.Errorf("StateDir/Transport = %q/%q", opts.StateDir, opts.Transport)
	}
	if !opts.Acknowledgments || opts.InboundWorkers != 4 {
		t.Errorf("Acknowledgments/InboundWorkers = %v/%d", opts.Acknowledgments, opts.InboundWorkers)
	}
}
