package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/meetingcredits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/meetingcredits/internal/notify"
	"github.com/MarkoPoloResearchLab/meetingcredits/internal/signature"
	"github.com/MarkoPoloResearchLab/meetingcredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/meetingcredits/pkg/credits"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL       = "database-url"
	flagStoreDriver       = "store-driver"
	flagListenAddr        = "listen-addr"
	flagStoreTimeout      = "store-timeout"
	flagWebhookSigningKey = "webhook-signing-key"
	flagWebhookTolerance  = "webhook-tolerance"
	flagDefaultCredits    = "default-credits"
	flagDirectoryTable    = "directory-table"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookieName = "session-cookie-name"
	flagAMQPURL           = "amqp-url"
	flagAMQPExchange      = "amqp-exchange"
	flagOTelEndpoint      = "otel-endpoint"
	flagServiceVersion    = "service-version"
	envPrefix             = "CREDITD"

	defaultDatabaseURL = "sqlite:///tmp/creditd.db"
	storeDriverGorm    = "gorm"
	storeDriverPgx     = "pgx"
)

var allFlags = []string{
	flagDatabaseURL, flagStoreDriver, flagListenAddr, flagStoreTimeout,
	flagWebhookSigningKey, flagWebhookTolerance, flagDefaultCredits, flagDirectoryTable,
	flagAllowedOrigins, flagSessionSigningKey, flagSessionIssuer, flagSessionCookieName,
	flagAMQPURL, flagAMQPExchange, flagOTelEndpoint, flagServiceVersion,
}

type runtimeConfig struct {
	DatabaseURL       string
	StoreDriver       string
	WebhookSigningKey string
	WebhookTolerance  time.Duration
	DefaultCredits    credits.CreditBalance
	DirectoryTable    string
	AMQPURL           string
	AMQPExchange      string
	OTelEndpoint      string
	HTTP              httpapi.Config
}

// autoMigrate reports whether the schema is created on startup. Managed Postgres
// databases are migrated explicitly with the migrate command.
func (cfg *runtimeConfig) autoMigrate() bool {
	driver, _, err := resolveDriver(cfg.DatabaseURL)
	return err == nil && driver == "sqlite"
}

func registerFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL URL or SQLite path")
	flags.String(flagStoreDriver, storeDriverGorm, "store implementation: gorm or pgx")
	flags.String(flagListenAddr, ":8080", "HTTP listen address")
	flags.Duration(flagStoreTimeout, 5*time.Second, "timeout for store calls per request")
	flags.String(flagWebhookSigningKey, "", "webhook signing key; verification is disabled when empty")
	flags.Duration(flagWebhookTolerance, signature.DefaultTolerance, "accepted signature timestamp skew")
	flags.Int64(flagDefaultCredits, credits.DefaultRemainingCredits, "balance reported for accounts without a row")
	flags.String(flagDirectoryTable, gormstore.DefaultDirectoryTable, "table holding user ids and emails")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagSessionSigningKey, "", "TAuth session signing key; credit API is disabled when empty")
	flags.String(flagSessionIssuer, "tauth", "expected session issuer")
	flags.String(flagSessionCookieName, "app_session", "session cookie name")
	flags.String(flagAMQPURL, "", "RabbitMQ URL for transition notifications")
	flags.String(flagAMQPExchange, notify.DefaultExchange, "RabbitMQ topic exchange")
	flags.String(flagOTelEndpoint, "", "OTLP gRPC endpoint; tracing is disabled when empty")
	flags.String(flagServiceVersion, "dev", "version reported by the health endpoint")
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range allFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("%s is required", flagDatabaseURL)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(v.GetString(flagStoreDriver)))
	switch cfg.StoreDriver {
	case storeDriverGorm, storeDriverPgx:
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", flagStoreDriver, storeDriverGorm, storeDriverPgx, cfg.StoreDriver)
	}
	defaultCredits, err := credits.NewCreditBalance(v.GetInt64(flagDefaultCredits))
	if err != nil {
		return fmt.Errorf("%s: %w", flagDefaultCredits, err)
	}
	cfg.DefaultCredits = defaultCredits
	cfg.WebhookSigningKey = v.GetString(flagWebhookSigningKey)
	cfg.WebhookTolerance = v.GetDuration(flagWebhookTolerance)
	if cfg.WebhookTolerance <= 0 {
		return fmt.Errorf("%s must be positive", flagWebhookTolerance)
	}
	cfg.DirectoryTable = strings.TrimSpace(v.GetString(flagDirectoryTable))
	cfg.AMQPURL = strings.TrimSpace(v.GetString(flagAMQPURL))
	cfg.AMQPExchange = strings.TrimSpace(v.GetString(flagAMQPExchange))
	cfg.OTelEndpoint = strings.TrimSpace(v.GetString(flagOTelEndpoint))

	cfg.HTTP = httpapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
		StoreTimeout:      v.GetDuration(flagStoreTimeout),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagSessionSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagSessionIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagSessionCookieName)),
		ServiceVersion:    strings.TrimSpace(v.GetString(flagServiceVersion)),
	}
	return cfg.HTTP.Validate()
}
