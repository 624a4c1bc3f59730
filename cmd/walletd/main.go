package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/partnerwallet/internal/walletapi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagListenAddr          = "listen-addr"
	flagDatabaseURL         = "database-url"
	flagStoreEngine         = "store-engine"
	flagAllowedOrigins      = "allowed-origins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagJWTCookieName       = "jwt-cookie-name"
	flagTAuthBaseURL        = "tauth-base-url"
	flagRedisURL            = "redis-url"
	flagIdempotencyTTL      = "idempotency-ttl"
	flagRequestTimeout      = "request-timeout"
	flagLenientPartnerRoles = "lenient-partner-roles"
	envPrefix               = "WALLETD"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := walletapi.Config{}
	cmd := &cobra.Command{
		Use:           "walletd",
		Short:         "HTTP wallet service for coordinators and pickup partners",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return walletapi.Run(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, "", "HTTP listen address (default :9090)")
	cmd.Flags().String(flagDatabaseURL, "", "database URL: postgres://, sqlite:// or memory://")
	cmd.Flags().String(flagStoreEngine, "", "store engine: gorm or pgx (default gorm)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name")
	cmd.Flags().String(flagTAuthBaseURL, "", "base URL of TAuth")
	cmd.Flags().String(flagRedisURL, "", "redis URL enabling Idempotency-Key support")
	cmd.Flags().Duration(flagIdempotencyTTL, 0, "how long idempotent responses are kept (default 24h)")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request store timeout (default 5s)")
	cmd.Flags().Bool(flagLenientPartnerRoles, false, "treat the legacy PickupPartner role as a partner everywhere")

	cmd.AddCommand(newProvisionCommand(), newSessionTokenCommand())
	return cmd
}

func newViper(cmd *cobra.Command, flagNames ...string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range flagNames {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func loadConfig(cmd *cobra.Command, cfg *walletapi.Config) error {
	v, err := newViper(cmd,
		flagListenAddr, flagDatabaseURL, flagStoreEngine, flagAllowedOrigins,
		flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagTAuthBaseURL,
		flagRedisURL, flagIdempotencyTTL, flagRequestTimeout, flagLenientPartnerRoles,
	)
	if err != nil {
		return err
	}
	if !v.IsSet(flagJWTSigningKey) {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreEngine = strings.TrimSpace(v.GetString(flagStoreEngine))
	cfg.AllowedOrigins = walletapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.TAuthBaseURL = strings.TrimSpace(v.GetString(flagTAuthBaseURL))
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.IdempotencyTTL = v.GetDuration(flagIdempotencyTTL)
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.LenientPartnerRoles = v.GetBool(flagLenientPartnerRoles)

	return cfg.Validate()
}
