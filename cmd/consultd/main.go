package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/MarkoPoloResearchLab/consult/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "CONSULT"

	flagConfigFile           = "config"
	flagHTTPListenAddr       = "http-listen-addr"
	flagGRPCListenAddr       = "grpc-listen-addr"
	flagDatabaseURL          = "database-url"
	flagLedgerBackend        = "ledger-backend"
	flagMigrationsPath       = "migrations-path"
	flagRedisAddr            = "redis-addr"
	flagRedisPassword        = "redis-password"
	flagRedisDB              = "redis-db"
	flagPresenceTTL          = "presence-ttl"
	flagAllowedOrigins       = "allowed-origins"
	flagSessionSigningKey    = "jwt-signing-key"
	flagSessionIssuer        = "jwt-issuer"
	flagSessionCookieName    = "session-cookie-name"
	flagTAuthBaseURL         = "tauth-base-url"
	flagSocketSigningKey     = "socket-signing-key"
	flagSocketTokenTTL       = "socket-token-ttl"
	flagWalletAPIKeyHash     = "wallet-api-key-hash"
	flagRateDefaultsPath     = "rate-defaults"
	flagMediaPrefixes        = "media-prefixes"
	flagFCMProjectID         = "fcm-project-id"
	flagFCMCredentialsFile   = "fcm-credentials-file"
	flagResponseTimeout      = "response-timeout"
	flagRingTimeout          = "ring-timeout"
	flagBillingUnit          = "billing-unit"
	flagPushTimeout          = "push-timeout"
	flagLowBalanceMultiplier = "low-balance-multiplier"
	flagDisconnectGrace      = "disconnect-grace"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "consultd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "consultd",
		Short:         "Consultation sessions with per-minute wallet billing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagConfigFile, "", "Optional YAML config file")
	flags.String(flagHTTPListenAddr, ":8080", "HTTP and websocket listen address")
	flags.String(flagGRPCListenAddr, ":7000", "Wallet gRPC listen address")
	flags.String(flagDatabaseURL, "sqlite:///tmp/consult.db", "Database URL (postgres:// or sqlite://)")
	flags.String(flagLedgerBackend, config.LedgerBackendGorm, "Ledger store: gorm or pgx")
	flags.String(flagMigrationsPath, "migrations", "Directory holding SQL migrations")
	flags.String(flagRedisAddr, "", "Redis address for shared presence and waitlists")
	flags.String(flagRedisPassword, "", "Redis password")
	flags.Int(flagRedisDB, 0, "Redis database index")
	flags.Duration(flagPresenceTTL, 0, "Expiry of mirrored presence keys")
	flags.String(flagAllowedOrigins, "", "Comma-separated list of allowed CORS origins")
	flags.String(flagSessionSigningKey, "", "TAuth JWT signing key")
	flags.String(flagSessionIssuer, "", "TAuth JWT issuer")
	flags.String(flagSessionCookieName, "", "TAuth session cookie name")
	flags.String(flagTAuthBaseURL, "", "TAuth base URL")
	flags.String(flagSocketSigningKey, "", "Socket token signing key (defaults to the JWT signing key)")
	flags.Duration(flagSocketTokenTTL, 0, "Socket token lifetime")
	flags.String(flagWalletAPIKeyHash, "", "bcrypt hash of the wallet gRPC API key")
	flags.String(flagRateDefaultsPath, "", "YAML file with default rate cards")
	flags.String(flagMediaPrefixes, "", "Comma-separated URL prefixes of uploaded media")
	flags.String(flagFCMProjectID, "", "Firebase project for push notifications")
	flags.String(flagFCMCredentialsFile, "", "Service account file for push notifications")
	flags.Duration(flagResponseTimeout, 0, "How long a provider has to answer a request")
	flags.Duration(flagRingTimeout, 0, "How long a consumer has to join a confirmed session")
	flags.Duration(flagBillingUnit, 0, "Length of one billed unit")
	flags.Duration(flagPushTimeout, 0, "Bound on a single push delivery")
	flags.Int64(flagLowBalanceMultiplier, 0, "Warn when the balance drops below this many units")
	flags.Duration(flagDisconnectGrace, 0, "How long an active participant may stay offline")

	cmd.AddCommand(newServeCommand(cfg), newMigrateCommand(cfg))
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if configFile := settings.GetString(flagConfigFile); configFile != "" {
		settings.SetConfigFile(configFile)
		if err := settings.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	*cfg = config.Config{
		HTTPListenAddr:       settings.GetString(flagHTTPListenAddr),
		GRPCListenAddr:       settings.GetString(flagGRPCListenAddr),
		DatabaseURL:          settings.GetString(flagDatabaseURL),
		LedgerBackend:        settings.GetString(flagLedgerBackend),
		MigrationsPath:       settings.GetString(flagMigrationsPath),
		RedisAddr:            settings.GetString(flagRedisAddr),
		RedisPassword:        settings.GetString(flagRedisPassword),
		RedisDB:              settings.GetInt(flagRedisDB),
		PresenceTTL:          settings.GetDuration(flagPresenceTTL),
		AllowedOrigins:       config.ParseList(settings.GetString(flagAllowedOrigins)),
		SessionSigningKey:    settings.GetString(flagSessionSigningKey),
		SessionIssuer:        settings.GetString(flagSessionIssuer),
		SessionCookieName:    settings.GetString(flagSessionCookieName),
		TAuthBaseURL:         settings.GetString(flagTAuthBaseURL),
		SocketSigningKey:     settings.GetString(flagSocketSigningKey),
		SocketTokenTTL:       settings.GetDuration(flagSocketTokenTTL),
		WalletAPIKeyHash:     settings.GetString(flagWalletAPIKeyHash),
		RateDefaultsPath:     settings.GetString(flagRateDefaultsPath),
		MediaPrefixes:        config.ParseList(settings.GetString(flagMediaPrefixes)),
		FCMProjectID:         settings.GetString(flagFCMProjectID),
		FCMCredentialsFile:   settings.GetString(flagFCMCredentialsFile),
		ResponseTimeout:      settings.GetDuration(flagResponseTimeout),
		RingTimeout:          settings.GetDuration(flagRingTimeout),
		BillingUnit:          settings.GetDuration(flagBillingUnit),
		PushTimeout:          settings.GetDuration(flagPushTimeout),
		LowBalanceMultiplier: settings.GetInt64(flagLowBalanceMultiplier),
		DisconnectGrace:      settings.GetDuration(flagDisconnectGrace),
	}
	if cmd.Name() == "migrate" || (cmd.Parent() != nil && cmd.Parent().Name() == "migrate") {
		return nil
	}
	return cfg.Validate()
}
