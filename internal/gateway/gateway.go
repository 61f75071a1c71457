package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/cargabot/cargabot/internal/config"
	"github.com/cargabot/cargabot/internal/util"
)

// ErrAuthRequired is returned when a request still gets an auth-failure
// status after the single refresh-and-retry. The session can no longer be
// repaired transparently; a full login is needed.
var ErrAuthRequired = errors.New("authentication required")

// AuthFailureHandler is notified when the gateway gives up on repairing the
// session. Implementations typically alert the operator or trigger a full
// re-login out of band.
type AuthFailureHandler interface {
	OnAuthFailure(ctx context.Context, err error)
}

// TokenSource supplies and repairs the bearer token the gateway attaches.
// *auth.Session satisfies it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
	InvalidateAccess()
}

// Gateway issues authenticated calls against the charger-network API. It
// attaches the mobile-client header set and the bearer token, and treats the
// configured status codes as authentication failures. The upstream returns
// 500 (not only 401/403) for some expired-token cases, so 500 is part of the
// default set.
//
// Repair policy: exactly one refresh followed by one retry per call. A
// second auth failure invalidates the access token, notifies the failure
// handler and returns ErrAuthRequired.
type Gateway struct {
	httpClient *http.Client
	tokens     TokenSource
	onFailure  AuthFailureHandler

	deviceID     string
	appVersion   string
	latitude     float64
	longitude    float64
	authFailures map[int]bool
}

func New(cfg *config.Config, tokens TokenSource, onFailure AuthFailureHandler) *Gateway {
	failures := make(map[int]bool, len(cfg.Provider.AuthFailureStatusCodes))
	for _, code := range cfg.Provider.AuthFailureStatusCodes {
		failures[code] = true
	}
	return &Gateway{
		httpClient:   util.SetProxy(cfg, &http.Client{Timeout: 30 * time.Second}),
		tokens:       tokens,
		onFailure:    onFailure,
		deviceID:     cfg.Provider.DeviceID,
		appVersion:   cfg.Provider.AppVersion,
		latitude:     cfg.Latitude,
		longitude:    cfg.Longitude,
		authFailures: failures,
	}
}

// Do performs one authenticated request and returns the response body.
// Non-2xx statuses outside the auth-failure set are reported as
// *StatusError; auth failures go through the repair policy first.
func (g *Gateway) Do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	token, err := g.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("no usable access token: %w", err)
	}

	respBody, status, err := g.roundTrip(ctx, method, url, body, token)
	if err != nil {
		return nil, err
	}
	if !g.authFailures[status] {
		return checkStatus(respBody, status, url)
	}

	log.Debugf("request to %s got auth-failure status %d, refreshing once", url, status)
	if err = g.tokens.Refresh(ctx); err != nil {
		g.giveUp(ctx, fmt.Errorf("refresh after status %d failed: %w", status, err))
		return nil, ErrAuthRequired
	}
	token, err = g.tokens.AccessToken(ctx)
	if err != nil {
		g.giveUp(ctx, err)
		return nil, ErrAuthRequired
	}

	respBody, status, err = g.roundTrip(ctx, method, url, body, token)
	if err != nil {
		return nil, err
	}
	if g.authFailures[status] {
		g.giveUp(ctx, fmt.Errorf("status %d from %s after refreshed token", status, url))
		return nil, ErrAuthRequired
	}
	return checkStatus(respBody, status, url)
}

// Get is shorthand for a body-less GET through Do.
func (g *Gateway) Get(ctx context.Context, url string) ([]byte, error) {
	return g.Do(ctx, http.MethodGet, url, nil)
}

// Post is shorthand for a JSON POST through Do.
func (g *Gateway) Post(ctx context.Context, url string, body []byte) ([]byte, error) {
	return g.Do(ctx, http.MethodPost, url, body)
}

func (g *Gateway) roundTrip(ctx context.Context, method, url string, body []byte, token string) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	g.applyHeaders(req, token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	return respBody, resp.StatusCode, nil
}

// applyHeaders attaches the header set the mobile app sends, including a
// fresh correlation id per request.
func (g *Gateway) applyHeaders(req *http.Request, token string) {
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "es-ES")
	req.Header.Set("versionApp", g.appVersion)
	req.Header.Set("Plataforma", "Android")
	req.Header.Set("societyId", "1")
	req.Header.Set("deviceid", g.deviceID)
	req.Header.Set("deviceModel", "samsung-o1s-SM-G991B")
	req.Header.Set("darkMode", "0")
	req.Header.Set("User-Agent", "EVCharge/4.35.0/Dalvik/2.1.0 (Linux; U; Android 13; SM-G991B Build/TP1A.220624.014)")
	req.Header.Set("c-rid", uuid.NewString())
	if g.latitude != 0 || g.longitude != 0 {
		req.Header.Set("numLat", strconv.FormatFloat(g.latitude, 'f', -1, 64))
		req.Header.Set("numLon", strconv.FormatFloat(g.longitude, 'f', -1, 64))
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func (g *Gateway) giveUp(ctx context.Context, cause error) {
	log.Errorf("giving up on session repair: %v", cause)
	g.tokens.InvalidateAccess()
	if g.onFailure != nil {
		g.onFailure.OnAuthFailure(ctx, cause)
	}
}

// StatusError reports a non-2xx response outside the auth-failure set.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func checkStatus(body []byte, status int, url string) ([]byte, error) {
	if status < 200 || status >= 300 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{URL: url, StatusCode: status, Body: snippet}
	}
	return body, nil
}
