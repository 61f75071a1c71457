// Package auth implements the session and login lifecycle against the charger
// network's Auth0-hosted identity provider: PKCE generation, the interactive
// credentials + email-MFA login flow, token exchange, refresh, and durable
// token persistence.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cargabot/cargabot/internal/config"
	"github.com/cargabot/cargabot/internal/store"
	"github.com/cargabot/cargabot/internal/util"
)

// expiryBuffer is subtracted from the token expiry when deciding validity so
// a token is never presented moments before the provider rejects it.
const expiryBuffer = 30 * time.Second

// defaultExpiresIn is used when the token endpoint omits expires_in.
const defaultExpiresIn = 360

// auth0ClientHeader mimics the Auth0 Android SDK telemetry header the
// provider expects on token endpoint calls.
var auth0ClientHeader = base64.StdEncoding.EncodeToString([]byte(
	`{"name":"Auth0.Android","env":{"android":"30"},"version":"3.10.0"}`,
))

// tokenResponse is the provider's /oauth/token reply.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Session owns the current token set and its lifecycle. A session is valid
// while the access token exists and has not entered the expiry buffer;
// a session holding only a refresh token is refreshable; one holding neither
// requires a full login.
//
// All mutation is serialized through an internal mutex so concurrent callers
// never race to refresh: the first caller performs the network refresh and
// later callers observe the renewed token.
type Session struct {
	mu         sync.Mutex
	httpClient *http.Client
	provider   config.Provider
	store      *store.Store
	now        func() time.Time

	accessToken  string
	refreshToken string
	idToken      string
	expiry       time.Time

	pkce *PKCECodes
}

// SessionStatus is a point-in-time snapshot for observability.
type SessionStatus struct {
	Valid       bool      `json:"valid"`
	Refreshable bool      `json:"refreshable"`
	Expiry      time.Time `json:"expiry,omitempty"`
}

// NewSession creates a session bound to the provider settings and the token
// store. Previously persisted tokens are loaded so the bot resumes without a
// fresh login after a restart.
func NewSession(cfg *config.Config, st *store.Store) *Session {
	s := &Session{
		httpClient: util.SetProxy(cfg, &http.Client{Timeout: 30 * time.Second}),
		provider:   cfg.Provider,
		store:      st,
		now:        time.Now,
	}
	s.loadPersisted()
	return s
}

func (s *Session) loadPersisted() {
	if s.store == nil {
		return
	}
	rec, err := s.store.LoadTokens()
	if err != nil {
		log.Warnf("could not load persisted tokens: %v", err)
		return
	}
	if rec == nil {
		return
	}
	s.accessToken = rec.AccessToken
	s.refreshToken = rec.RefreshToken
	s.idToken = rec.IDToken
	if rec.TokenExpiry != "" {
		if t, errParse := time.Parse(time.RFC3339, rec.TokenExpiry); errParse == nil {
			s.expiry = t
		}
	}
	log.Debugf("restored token set from store (refreshable=%v)", s.refreshToken != "")
}

// IsValid reports whether the access token can be used right now.
func (s *Session) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isValidLocked()
}

func (s *Session) isValidLocked() bool {
	if s.accessToken == "" || s.expiry.IsZero() {
		return false
	}
	return s.now().Before(s.expiry.Add(-expiryBuffer))
}

// IsRefreshable reports whether a refresh token is available.
func (s *Session) IsRefreshable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken != ""
}

// Status returns a snapshot of the session state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		Valid:       s.isValidLocked(),
		Refreshable: s.refreshToken != "",
		Expiry:      s.expiry,
	}
}

// AccessToken returns a usable access token, refreshing it first when it has
// expired. It fails with ErrUnauthenticated when no refresh token exists and
// with the refresh error when renewal fails.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isValidLocked() {
		return s.accessToken, nil
	}
	if s.refreshToken == "" {
		return "", ErrUnauthenticated
	}
	if err := s.refreshLocked(ctx); err != nil {
		return "", err
	}
	return s.accessToken, nil
}

// Refresh renews the access token using the refresh grant. On failure the
// session state is left untouched; in particular the refresh token is never
// cleared by a failed refresh.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Session) refreshLocked(ctx context.Context) error {
	if s.refreshToken == "" {
		return ErrUnauthenticated
	}

	reqBody := map[string]any{
		"client_id":     s.provider.ClientID,
		"grant_type":    "refresh_token",
		"refresh_token": s.refreshToken,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.provider.AuthBaseURL+"/oauth/token", strings.NewReader(string(jsonBody)))
	if err != nil {
		return fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Auth0-Client", auth0ClientHeader)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: "token refresh", Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: "token refresh", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return NewAuthError(ErrAuthInvalid, fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(body)))
	}

	var tokenResp tokenResponse
	if err = json.Unmarshal(body, &tokenResp); err != nil {
		return NewAuthError(ErrAuthInvalid, fmt.Errorf("failed to parse refresh response: %w", err))
	}
	if tokenResp.AccessToken == "" {
		return NewAuthError(ErrAuthInvalid, fmt.Errorf("refresh response carried no access token"))
	}

	s.accessToken = tokenResp.AccessToken
	// Some OAuth servers rotate the refresh token, some do not.
	if tokenResp.RefreshToken != "" {
		s.refreshToken = tokenResp.RefreshToken
	}
	if tokenResp.IDToken != "" {
		s.idToken = tokenResp.IDToken
	}
	s.expiry = s.expiryFrom(tokenResp.ExpiresIn)
	s.persistLocked()
	log.Debugf("access token refreshed, expires %s", s.expiry.Format(time.RFC3339))
	return nil
}

// AdoptTokens installs a freshly exchanged token set. Used by the login flow
// after a successful authorization-code exchange.
func (s *Session) AdoptTokens(accessToken, refreshToken, idToken string, expiresIn int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = accessToken
	if refreshToken != "" {
		s.refreshToken = refreshToken
	}
	s.idToken = idToken
	s.expiry = s.expiryFrom(expiresIn)
	s.persistLocked()
}

// InvalidateAccess drops the access token and expiry while keeping the
// refresh token, forcing the next access through refresh or full login.
// This is the gateway's escalation path when the provider keeps rejecting a
// token that was just refreshed.
func (s *Session) InvalidateAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = ""
	s.idToken = ""
	s.expiry = time.Time{}
	s.persistLocked()
	log.Warn("access token invalidated, next request will refresh or require login")
}

// GeneratePKCE creates and retains a fresh PKCE pair for one login attempt.
func (s *Session) GeneratePKCE() (*PKCECodes, error) {
	codes, err := GeneratePKCECodes()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.pkce = codes
	s.mu.Unlock()
	return codes, nil
}

// PKCE returns the codes of the current login attempt, if any.
func (s *Session) PKCE() *PKCECodes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pkce
}

func (s *Session) expiryFrom(expiresIn int) time.Time {
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	return s.now().Add(time.Duration(expiresIn) * time.Second)
}

func (s *Session) persistLocked() {
	if s.store == nil {
		return
	}
	rec := &store.TokenRecord{
		AccessToken:  s.accessToken,
		RefreshToken: s.refreshToken,
		IDToken:      s.idToken,
	}
	if !s.expiry.IsZero() {
		rec.TokenExpiry = s.expiry.Format(time.RFC3339)
	}
	if err := s.store.SaveTokens(rec); err != nil {
		log.Errorf("failed to persist tokens: %v", err)
	}
}
