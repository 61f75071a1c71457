package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/cargabot/cargabot/internal/auth"
	"github.com/cargabot/cargabot/internal/config"
	"github.com/cargabot/cargabot/internal/mfa"
	"github.com/cargabot/cargabot/internal/store"
)

// DoLogin runs the interactive login flow and persists the resulting tokens.
// The verification code comes from the configured mailbox when available,
// otherwise the operator is prompted on the terminal.
func DoLogin(cfg *config.Config) {
	st, err := store.New(cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to open data store: %v", err)
	}

	session := auth.NewSession(cfg, st)
	if session.IsValid() {
		log.Info("a valid session already exists, logging in again")
	}

	authenticator := auth.NewAuthenticator(session, auth.NewFlow(cfg, session), codeProvider(cfg), cfg.Username, cfg.Password)
	if err = authenticator.Login(context.Background()); err != nil {
		log.Fatalf("login failed: %v", err)
	}
	log.Info("login successful, tokens saved")
}

func codeProvider(cfg *config.Config) auth.CodeProvider {
	if cfg.IMAP.Username != "" && cfg.IMAP.Password != "" {
		return mfa.NewMailboxReader(cfg.IMAP)
	}
	return mfa.NewPrompt()
}
