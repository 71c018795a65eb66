// Command token prints a service JWT for /code-query callers.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/codelense/internal/auth"
	"github.com/seanblong/codelense/internal/config"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("codelense-token", pflag.ExitOnError)
	ttl := fs.Duration("token-ttl", auth.DefaultTokenTTL, "Lifetime of the issued token")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	fs.Usage = cfg.Usage
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	token, err := issue(cfg, *ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to issue token")
	}
	log.Info().Str("account_id", cfg.AccountID).Dur("ttl", *ttl).Msg("issued service token")
	fmt.Println(token)
}

// issue signs a token carrying the configured account and installation.
func issue(cfg config.Specification, ttl time.Duration) (string, error) {
	if cfg.Auth.JwtSecret == "" {
		return "", errors.New("auth-jwt-secret is required")
	}
	if cfg.AccountID == "" {
		return "", errors.New("account-id is required")
	}
	auth.InitializeAuth(cfg.Auth.JwtSecret, true)
	return auth.GenerateJWT(auth.Principal{
		AccountID:      cfg.AccountID,
		InstallationID: cfg.InstallationID,
	}, ttl)
}
