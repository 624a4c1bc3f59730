package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/partnerwallet/internal/database"
	"github.com/MarkoPoloResearchLab/partnerwallet/pkg/ledger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

const (
	flagAccountID     = "id"
	flagAccountName   = "name"
	flagAccountRole   = "role"
	flagCoordinatorID = "coordinator"
	flagEmail         = "email"
	flagTokenTTL      = "ttl"
	defaultTokenTTL   = time.Hour
	provisionTimeout  = 30 * time.Second
)

type provisionInput struct {
	DatabaseURL   string
	StoreEngine   string
	ID            string
	Name          string
	Role          string
	CoordinatorID string
}

func newProvisionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Register an account and create its empty wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd, flagDatabaseURL, flagStoreEngine, flagAccountID, flagAccountName, flagAccountRole, flagCoordinatorID)
			if err != nil {
				return err
			}
			input := provisionInput{
				DatabaseURL:   strings.TrimSpace(v.GetString(flagDatabaseURL)),
				StoreEngine:   strings.TrimSpace(v.GetString(flagStoreEngine)),
				ID:            v.GetString(flagAccountID),
				Name:          v.GetString(flagAccountName),
				Role:          v.GetString(flagAccountRole),
				CoordinatorID: v.GetString(flagCoordinatorID),
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), provisionTimeout)
			defer cancel()
			account, err := provisionAccount(ctx, input)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", account.ID.String(), account.Role.String())
			return err
		},
	}
	cmd.Flags().String(flagDatabaseURL, "sqlite:///tmp/partnerwallet.db", "database URL")
	cmd.Flags().String(flagStoreEngine, database.EngineGorm, "store engine: gorm or pgx")
	cmd.Flags().String(flagAccountID, "", "account id, usually the TAuth user id (required)")
	cmd.Flags().String(flagAccountName, "", "display name")
	cmd.Flags().String(flagAccountRole, "", "MCP, PICKUP_PARTNER, PickupPartner or ADMIN (required)")
	cmd.Flags().String(flagCoordinatorID, "", "coordinating MCP account for partners")
	return cmd
}

func provisionAccount(ctx context.Context, input provisionInput) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(input.ID)
	if err != nil {
		return ledger.Account{}, err
	}
	role, err := ledger.ParseRole(input.Role)
	if err != nil {
		return ledger.Account{}, err
	}
	account := ledger.Account{ID: accountID, Name: strings.TrimSpace(input.Name), Role: role}
	if strings.TrimSpace(input.CoordinatorID) != "" {
		if account.CoordinatorID, err = ledger.NewAccountID(input.CoordinatorID); err != nil {
			return ledger.Account{}, err
		}
	}

	handle, err := database.Open(ctx, database.Config{URL: input.DatabaseURL, Engine: input.StoreEngine})
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = handle.Close() }()

	service, err := ledger.NewService(handle.Store, func() time.Time { return time.Now().UTC() })
	if err != nil {
		return ledger.Account{}, err
	}
	return service.RegisterAccount(ctx, account)
}

func newSessionTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session-token",
		Short: "Mint a signed session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd, flagJWTSigningKey, flagJWTIssuer, flagAccountID, flagEmail, flagTokenTTL)
			if err != nil {
				return err
			}
			token, err := mintSessionToken(
				v.GetString(flagJWTSigningKey),
				v.GetString(flagJWTIssuer),
				v.GetString(flagAccountID),
				v.GetString(flagEmail),
				v.GetDuration(flagTokenTTL),
				time.Now().UTC(),
			)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "tauth", "JWT issuer")
	cmd.Flags().String(flagAccountID, "", "user id carried by the token (required)")
	cmd.Flags().String(flagEmail, "", "user email")
	cmd.Flags().Duration(flagTokenTTL, defaultTokenTTL, "token lifetime")
	return cmd
}

func mintSessionToken(signingKey string, issuer string, userID string, email string, ttl time.Duration, now time.Time) (string, error) {
	if signingKey == "" {
		return "", fmt.Errorf("%s is required", flagJWTSigningKey)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%s is required", flagAccountID)
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       email,
		UserDisplayName: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
}
