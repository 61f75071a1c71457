package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cargabot/cargabot/internal/config"
	"github.com/cargabot/cargabot/internal/util"
)

// AttemptState enumerates the states of one login attempt.
type AttemptState string

const (
	AttemptAwaitingCredentials AttemptState = "awaiting_credentials"
	AttemptMfaRequired         AttemptState = "mfa_required"
	AttemptSuccess             AttemptState = "success"
	AttemptFailed              AttemptState = "failed"
)

// Attempt is the ephemeral state of a single login. It is discarded once a
// terminal state (success or failed) is reached; the flow is never retried
// automatically, the caller decides whether to start over.
type Attempt struct {
	State AttemptState

	// MFAState is the opaque challenge handle required to submit the code.
	MFAState string

	// AuthorizationCode is set once the provider callback was captured.
	AuthorizationCode string

	// Reason carries a human-readable failure description on AttemptFailed.
	Reason string
	Err    error
}

func failedAttempt(reason string, err error) *Attempt {
	return &Attempt{State: AttemptFailed, Reason: reason, Err: err}
}

// Flow drives the multi-step interactive login: authorization request,
// credentials submission, the optional email-MFA challenge, capture of the
// mobile deep-link callback, and the final authorization-code exchange.
//
// The provider's last redirect targets a non-HTTP URI scheme (the mobile
// app's deep link). The HTTP client is configured to report, not follow,
// redirects to unsupported schemes so the authorization code can be parsed
// out of the Location header.
type Flow struct {
	httpClient     *http.Client
	provider       config.Provider
	session        *Session
	callbackScheme string
}

// NewFlow creates a login flow bound to the session that will receive the
// exchanged tokens. The flow keeps its own cookie-aware HTTP client; the
// provider's login pages are session-stateful.
func NewFlow(cfg *config.Config, session *Session) *Flow {
	jar, _ := cookiejar.New(nil)
	client := util.SetProxy(cfg, &http.Client{Timeout: 60 * time.Second, Jar: jar})
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
			return http.ErrUseLastResponse
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}

	scheme := "rv"
	if u, err := url.Parse(cfg.Provider.RedirectURI); err == nil && u.Scheme != "" {
		scheme = u.Scheme
	}
	return &Flow{
		httpClient:     client,
		provider:       cfg.Provider,
		session:        session,
		callbackScheme: scheme,
	}
}

// Start begins a login attempt: generates a fresh PKCE pair, requests
// authorization, submits the credentials and classifies the outcome as
// either an immediate callback (no MFA) or an email-MFA challenge.
func (f *Flow) Start(ctx context.Context, username, password string) (*Attempt, error) {
	pkce, err := f.session.GeneratePKCE()
	if err != nil {
		return nil, err
	}

	state, err := f.beginAuthorization(ctx, pkce)
	if err != nil {
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			return failedAttempt("network error reaching the login service", err), err
		}
		return failedAttempt("could not start the authorization flow", err), err
	}

	log.Debug("submitting credentials")
	form := url.Values{
		"state":    {state},
		"username": {username},
		"password": {password},
	}
	resp, err := f.postForm(ctx, f.provider.AuthBaseURL+"/u/login?state="+url.QueryEscape(state), form)
	if err != nil {
		wrapped := &NetworkError{Op: "credentials submission", Cause: err}
		return failedAttempt("network error submitting credentials", wrapped), wrapped
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if callback, ok := f.capturedCallback(resp); ok {
		return f.finishWithCallback(ctx, callback)
	}

	finalURL := resp.Request.URL
	if strings.Contains(finalURL.Path, "/u/mfa-email-challenge") {
		mfaState := finalURL.Query().Get("state")
		if mfaState == "" {
			err = NewAuthError(ErrMfaRequired, fmt.Errorf("challenge page carried no state parameter"))
			return failedAttempt("the MFA challenge could not be started", err), err
		}
		log.Info("email verification required to complete the login")
		return &Attempt{State: AttemptMfaRequired, MFAState: mfaState}, nil
	}
	if code := finalURL.Query().Get("code"); code != "" {
		return f.exchange(ctx, code)
	}
	if strings.Contains(finalURL.Path, "/u/login") {
		return failedAttempt(ErrInvalidCredentials.Message, ErrInvalidCredentials), ErrInvalidCredentials
	}

	err = NewAuthError(ErrCallbackMissing, fmt.Errorf("unexpected post-login location %s", finalURL.Redacted()))
	return failedAttempt("the login ended in an unexpected place", err), err
}

// SubmitMFACode submits the 6-digit email code for an attempt in the
// mfa_required state. The provider answers with a redirect to the mobile
// deep-link scheme; the authorization code is extracted from that captured
// redirect and exchanged for tokens.
func (f *Flow) SubmitMFACode(ctx context.Context, attempt *Attempt, code string) (*Attempt, error) {
	if attempt == nil || attempt.State != AttemptMfaRequired {
		return nil, fmt.Errorf("no MFA challenge in progress")
	}

	form := url.Values{
		"state": {attempt.MFAState},
		"code":  {code},
	}
	resp, err := f.postForm(ctx, f.provider.AuthBaseURL+"/u/mfa-email-challenge?state="+url.QueryEscape(attempt.MFAState), form)
	if err != nil {
		wrapped := &NetworkError{Op: "MFA code submission", Cause: err}
		return failedAttempt("network error submitting the verification code", wrapped), wrapped
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if callback, ok := f.capturedCallback(resp); ok {
		return f.finishWithCallback(ctx, callback)
	}

	finalURL := resp.Request.URL
	if code := finalURL.Query().Get("code"); code != "" {
		return f.exchange(ctx, code)
	}
	if strings.Contains(finalURL.Path, "/u/mfa-email-challenge") {
		return failedAttempt(ErrMfaRejected.Message, ErrMfaRejected), ErrMfaRejected
	}

	// Some provider builds render the deep link into the page instead of
	// redirecting. Scan the body before giving up.
	if callback, ok := f.callbackFromBody(resp); ok {
		return f.finishWithCallback(ctx, callback)
	}

	err = NewAuthError(ErrCallbackMissing, fmt.Errorf("no callback after MFA, final location %s", finalURL.Redacted()))
	return failedAttempt("no authorization code was received after the verification", err), err
}

// beginAuthorization performs the initial /authorize request and returns the
// login state parameter from the page the provider lands the user on.
func (f *Flow) beginAuthorization(ctx context.Context, pkce *PKCECodes) (string, error) {
	params := url.Values{
		"client_id":             {f.provider.ClientID},
		"redirect_uri":          {f.provider.RedirectURI},
		"response_type":         {"code"},
		"scope":                 {"openid profile email offline_access"},
		"code_challenge":        {pkce.CodeChallenge},
		"code_challenge_method": {"S256"},
		"audience":              {f.provider.Audience},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.provider.AuthBaseURL+"/authorize?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}
	f.applyBrowserHeaders(req)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", &NetworkError{Op: "authorization request", Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	state := resp.Request.URL.Query().Get("state")
	if state == "" {
		return "", fmt.Errorf("authorization landed on %s without a state parameter", resp.Request.URL.Redacted())
	}
	return state, nil
}

func (f *Flow) postForm(ctx context.Context, target string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.applyBrowserHeaders(req)
	return f.httpClient.Do(req)
}

func (f *Flow) applyBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Linux; Android 11; SM-G930F) AppleWebKit/537.36 Chrome/129.0.6668.70 Mobile Safari/537.36")
	req.Header.Set("Accept-Language", "es-ES,es;q=0.9")
}

// capturedCallback detects the intercepted redirect to the mobile deep-link
// scheme and returns its target URI.
func (f *Flow) capturedCallback(resp *http.Response) (string, bool) {
	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return "", false
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", false
	}
	u, err := url.Parse(location)
	if err != nil || u.Scheme != f.callbackScheme {
		return "", false
	}
	log.Debugf("captured provider callback: %s://%s", u.Scheme, u.Host)
	return location, true
}

// callbackFromBody scans an HTML response for an embedded deep-link href.
func (f *Flow) callbackFromBody(resp *http.Response) (string, bool) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", false
	}
	re := regexp.MustCompile(`href="(` + regexp.QuoteMeta(f.callbackScheme) + `://[^"]+)"`)
	m := re.FindSubmatch(body)
	if m == nil {
		return "", false
	}
	return string(m[1]), true
}

func (f *Flow) finishWithCallback(ctx context.Context, callback string) (*Attempt, error) {
	u, err := url.Parse(callback)
	if err != nil {
		wrapped := NewAuthError(ErrCallbackMissing, err)
		return failedAttempt("the provider callback could not be parsed", wrapped), wrapped
	}
	code := u.Query().Get("code")
	if code == "" {
		return failedAttempt(ErrCallbackMissing.Message, ErrCallbackMissing), ErrCallbackMissing
	}
	return f.exchange(ctx, code)
}

// exchange trades the authorization code plus PKCE verifier for tokens and
// installs them into the session.
func (f *Flow) exchange(ctx context.Context, code string) (*Attempt, error) {
	pkce := f.session.PKCE()
	if pkce == nil {
		err := NewAuthError(ErrCodeExchangeFailed, fmt.Errorf("no PKCE verifier for this attempt"))
		return failedAttempt("internal error: the login attempt lost its PKCE state", err), err
	}

	reqBody := map[string]any{
		"client_id":     f.provider.ClientID,
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  f.provider.RedirectURI,
		"code_verifier": pkce.CodeVerifier,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.provider.AuthBaseURL+"/oauth/token", strings.NewReader(string(jsonBody)))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Auth0-Client", auth0ClientHeader)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		wrapped := &NetworkError{Op: "token exchange", Cause: err}
		return failedAttempt("network error exchanging the authorization code", wrapped), wrapped
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		wrapped := &NetworkError{Op: "token exchange", Cause: err}
		return failedAttempt("network error reading the token response", wrapped), wrapped
	}
	if resp.StatusCode != http.StatusOK {
		wrapped := NewAuthError(ErrCodeExchangeFailed, fmt.Errorf("token exchange failed with status %d: %s", resp.StatusCode, string(body)))
		return failedAttempt(ErrCodeExchangeFailed.Message, wrapped), wrapped
	}

	var tokenResp tokenResponse
	if err = json.Unmarshal(body, &tokenResp); err != nil {
		wrapped := NewAuthError(ErrCodeExchangeFailed, fmt.Errorf("failed to parse token response: %w", err))
		return failedAttempt(ErrCodeExchangeFailed.Message, wrapped), wrapped
	}
	if tokenResp.AccessToken == "" {
		wrapped := NewAuthError(ErrCodeExchangeFailed, fmt.Errorf("token response carried no access token"))
		return failedAttempt(ErrCodeExchangeFailed.Message, wrapped), wrapped
	}

	f.session.AdoptTokens(tokenResp.AccessToken, tokenResp.RefreshToken, tokenResp.IDToken, tokenResp.ExpiresIn)
	log.Infof("authentication completed, token expires in %ds", tokenResp.ExpiresIn)
	return &Attempt{State: AttemptSuccess, AuthorizationCode: code}, nil
}
