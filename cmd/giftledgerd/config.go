package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/giftledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/giftledger/internal/logging"
	"github.com/MarkoPoloResearchLab/giftledger/internal/maintenance"
	"github.com/MarkoPoloResearchLab/giftledger/pkg/giftcard"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "GIFTLEDGER"

	flagConfig            = "config"
	flagDatabaseURL       = "database-url"
	flagStoreDriver       = "store-driver"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagJWTCookieName     = "jwt-cookie-name"
	flagAdminRole         = "admin-role"
	flagWebhookSecret     = "payment-webhook-secret"
	flagWebhookTolerance  = "webhook-tolerance"
	flagReservationTTL    = "reservation-ttl"
	flagMinAmountCents    = "min-amount-cents"
	flagMaxAmountCents    = "max-amount-cents"
	flagAllowedCurrencies = "allowed-currencies"
	flagSweepInterval     = "sweep-interval"
	flagReconcileInterval = "reconcile-interval"
	flagLogFormat         = "log-format"
	flagLogLevel          = "log-level"
	flagLogFile           = "log-file"

	storeDriverGorm = "gorm"
	storeDriverPgx  = "pgx"

	defaultDatabaseURL       = "sqlite:///tmp/giftledger.db"
	defaultListenAddr        = ":8080"
	defaultReservationTTL    = 2 * time.Hour
	defaultMinAmountCents    = 500
	defaultMaxAmountCents    = 50000
	defaultAllowedCurrencies = "USD,EUR,GBP,CAD,AUD"
)

// runtimeConfig is the resolved configuration shared by every subcommand.
type runtimeConfig struct {
	DatabaseURL       string
	StoreDriver       string
	ReservationTTL    time.Duration
	MinAmountCents    int64
	MaxAmountCents    int64
	AllowedCurrencies []giftcard.Currency
	HTTP              httpapi.Config
	Maintenance       maintenance.Config
	Logging           logging.Config
}

func registerStoreFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(flagConfig, "", "optional config file (yaml, toml or json)")
	flags.String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	flags.String(flagStoreDriver, storeDriverGorm, "store implementation: gorm or pgx (pgx requires PostgreSQL)")
	flags.Duration(flagReservationTTL, defaultReservationTTL, "default reservation time to live")
	flags.Int64(flagMinAmountCents, defaultMinAmountCents, "minimum initial card amount in cents")
	flags.Int64(flagMaxAmountCents, defaultMaxAmountCents, "maximum initial card amount in cents")
	flags.String(flagAllowedCurrencies, defaultAllowedCurrencies, "comma-separated currencies cards may be issued in")
	flags.String(flagLogFormat, logging.FormatJSON, "log encoder: json or console")
	flags.String(flagLogLevel, "info", "minimum log level")
	flags.String(flagLogFile, "", "optional rotating log file")
}

func registerServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.String(flagAdminRole, "", "role required for admin routes")
	flags.String(flagWebhookSecret, "", "payment provider webhook signing secret (required)")
	flags.Duration(flagWebhookTolerance, 0, "accepted clock skew for webhook signatures")
	flags.Duration(flagSweepInterval, 0, "expired reservation sweep interval (0 disables)")
	flags.Duration(flagReconcileInterval, 0, "status reconciliation interval (0 disables)")
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if configFile := strings.TrimSpace(v.GetString(flagConfig)); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(v.GetString(flagStoreDriver)))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = storeDriverGorm
	}
	if cfg.StoreDriver != storeDriverGorm && cfg.StoreDriver != storeDriverPgx {
		return fmt.Errorf("%s must be %s or %s", flagStoreDriver, storeDriverGorm, storeDriverPgx)
	}
	cfg.ReservationTTL = v.GetDuration(flagReservationTTL)
	if cfg.ReservationTTL < 0 || cfg.ReservationTTL > giftcard.MaxReservationTTL {
		return fmt.Errorf("%s must be between 0 and %s", flagReservationTTL, giftcard.MaxReservationTTL)
	}
	cfg.MinAmountCents = v.GetInt64(flagMinAmountCents)
	cfg.MaxAmountCents = v.GetInt64(flagMaxAmountCents)
	if cfg.MinAmountCents <= 0 || cfg.MaxAmountCents < cfg.MinAmountCents {
		return fmt.Errorf("amount bounds %d..%d are invalid", cfg.MinAmountCents, cfg.MaxAmountCents)
	}
	cfg.AllowedCurrencies, err = parseCurrencies(v.GetString(flagAllowedCurrencies))
	if err != nil {
		return err
	}
	cfg.Logging = logging.Config{
		Format: v.GetString(flagLogFormat),
		Level:  v.GetString(flagLogLevel),
		File:   v.GetString(flagLogFile),
	}
	cfg.HTTP = httpapi.Config{
		ListenAddr:        v.GetString(flagListenAddr),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     v.GetString(flagJWTIssuer),
		SessionCookieName: v.GetString(flagJWTCookieName),
		AdminRole:         v.GetString(flagAdminRole),
		WebhookSecret:     v.GetString(flagWebhookSecret),
		WebhookTolerance:  v.GetDuration(flagWebhookTolerance),
	}
	cfg.Maintenance = maintenance.Config{
		SweepInterval:     v.GetDuration(flagSweepInterval),
		ReconcileInterval: v.GetDuration(flagReconcileInterval),
	}
	if cfg.Maintenance.SweepInterval < 0 || cfg.Maintenance.ReconcileInterval < 0 {
		return fmt.Errorf("maintenance intervals must not be negative")
	}
	return nil
}

func parseCurrencies(raw string) ([]giftcard.Currency, error) {
	currencies := make([]giftcard.Currency, 0)
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		currency, err := giftcard.NewCurrency(part)
		if err != nil {
			return nil, err
		}
		currencies = append(currencies, currency)
	}
	if len(currencies) == 0 {
		return nil, fmt.Errorf("%s must list at least one currency", flagAllowedCurrencies)
	}
	return currencies, nil
}

func (cfg runtimeConfig) serviceOptions() []giftcard.ServiceOption {
	return []giftcard.ServiceOption{
		giftcard.WithAmountBounds(giftcard.AmountCents(cfg.MinAmountCents), giftcard.AmountCents(cfg.MaxAmountCents)),
		giftcard.WithAllowedCurrencies(cfg.AllowedCurrencies...),
		giftcard.WithReservationTTL(cfg.ReservationTTL),
	}
}
