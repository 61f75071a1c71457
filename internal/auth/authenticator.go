package auth

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// CodeProvider obtains the 6-digit email verification code when the login
// flow hits the MFA challenge. Implementations may read a mailbox or prompt
// the operator.
type CodeProvider interface {
	VerificationCode(ctx context.Context) (string, error)
}

// Authenticator keeps the session usable. It escalates in order: an already
// valid token is returned as is, an expired token with a refresh token is
// refreshed, and only when neither works is a full interactive login run
// with the stored credentials.
type Authenticator struct {
	session  *Session
	flow     *Flow
	codes    CodeProvider
	username string
	password string
}

func NewAuthenticator(session *Session, flow *Flow, codes CodeProvider, username, password string) *Authenticator {
	return &Authenticator{
		session:  session,
		flow:     flow,
		codes:    codes,
		username: username,
		password: password,
	}
}

// Session returns the session this authenticator maintains.
func (a *Authenticator) Session() *Session {
	return a.session
}

// EnsureValid makes sure the session holds a usable access token, performing
// a refresh or a full login as needed.
func (a *Authenticator) EnsureValid(ctx context.Context) error {
	if a.session.IsValid() {
		return nil
	}
	if a.session.IsRefreshable() {
		if err := a.session.Refresh(ctx); err == nil {
			return nil
		} else if IsNetworkError(err) {
			return err
		} else {
			log.Warnf("token refresh rejected, falling back to full login: %v", err)
		}
	}
	return a.Login(ctx)
}

// Login runs the full interactive flow with the configured credentials,
// answering the email-MFA challenge through the code provider.
func (a *Authenticator) Login(ctx context.Context) error {
	if a.username == "" || a.password == "" {
		return NewAuthError(ErrUnauthenticated, fmt.Errorf("no credentials configured"))
	}

	log.Info("starting full login")
	attempt, err := a.flow.Start(ctx, a.username, a.password)
	if err != nil {
		return err
	}

	if attempt.State == AttemptMfaRequired {
		if a.codes == nil {
			return NewAuthError(ErrMfaRequired, fmt.Errorf("no verification code provider configured"))
		}
		code, err := a.codes.VerificationCode(ctx)
		if err != nil {
			return NewAuthError(ErrMfaRequired, fmt.Errorf("could not obtain verification code: %w", err))
		}
		attempt, err = a.flow.SubmitMFACode(ctx, attempt, code)
		if err != nil {
			return err
		}
	}

	if attempt.State != AttemptSuccess {
		if attempt.Err != nil {
			return attempt.Err
		}
		return NewAuthError(ErrAuthInvalid, fmt.Errorf("login ended in state %s: %s", attempt.State, attempt.Reason))
	}
	return nil
}
