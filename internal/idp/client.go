package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kestrelworks/chatgate/internal/infrastructure/config"
)

// deviceCodeGrantType is the OAuth grant type for device-code token polls,
// per RFC 8628 section 3.4.
const deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// maxResponseBytes bounds how much of a provider response body is read.
// Access tokens can run to several kilobytes; 1 MB is generous headroom.
const maxResponseBytes = 1 << 20

// OAuth error codes the device flow distinguishes (RFC 8628 section 3.5).
const (
	oauthAuthorizationPending = "authorization_pending"
	oauthSlowDown             = "slow_down"
	oauthAccessDenied         = "access_denied"
	oauthExpiredToken         = "expired_token"
)

// Client talks the device authorization grant to the identity provider.
//
// The client is stateless and safe for concurrent use; every method is a
// single bounded round-trip.
type Client struct {
	cfg            config.IdPConfig
	httpClient     *http.Client
	deviceEndpoint string
	tokenEndpoint  string
}

// New creates an identity-provider client from configuration.
//
// Endpoint URLs are derived from the authority and tenant unless explicit
// overrides are configured.
func New(cfg config.IdPConfig) *Client {
	deviceEndpoint := cfg.DeviceEndpoint
	if deviceEndpoint == "" {
		deviceEndpoint = fmt.Sprintf("%s/%s/oauth2/v2.0/devicecode",
			strings.TrimRight(cfg.Authority, "/"), cfg.TenantID)
	}
	tokenEndpoint := cfg.TokenEndpoint
	if tokenEndpoint == "" {
		tokenEndpoint = fmt.Sprintf("%s/%s/oauth2/v2.0/token",
			strings.TrimRight(cfg.Authority, "/"), cfg.TenantID)
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		deviceEndpoint: deviceEndpoint,
		tokenEndpoint:  tokenEndpoint,
	}
}

// deviceCodeResponse is the provider's device authorization response body.
type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// tokenResponse is the provider's token endpoint response body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// errorResponse is the provider's OAuth error body.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RequestCode starts a device authorization and returns the codes the user
// needs to complete it.
//
// Parameters:
//   - ctx: Bounds the round-trip together with the configured request timeout
//
// Returns:
//   - *DeviceAuthorization: Codes, verification URI, expiry, poll interval
//   - error: Classified via *Error; transient failures may be retried
func (c *Client) RequestCode(ctx context.Context) (*DeviceAuthorization, error) {
	form := url.Values{
		"client_id": {c.cfg.ClientID},
		"scope":     {strings.Join(c.cfg.Scopes, " ")},
	}

	body, status, err := c.postForm(ctx, c.deviceEndpoint, form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, classifyHTTPError(status, body)
	}

	var resp deviceCodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, terminalErr("", fmt.Errorf("decoding device code response: %w", err))
	}
	if resp.DeviceCode == "" || resp.UserCode == "" {
		return nil, terminalErr("", errors.New("device code response missing required fields"))
	}

	interval := resp.Interval
	if interval <= 0 {
		interval = c.cfg.DefaultPollInterval
	}

	return &DeviceAuthorization{
		DeviceCode:      resp.DeviceCode,
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		ExpiresAt:       time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		Interval:        interval,
	}, nil
}

// PollForToken performs a single token poll for the given device code.
//
// Pending, slow-down, denied, and expired outcomes are results, not errors:
// the caller drives cadence and state transitions from the PollStatus.
// Errors carry the transient/terminal classification.
func (c *Client) PollForToken(ctx context.Context, deviceCode string) (*PollResult, error) {
	form := url.Values{
		"grant_type":  {deviceCodeGrantType},
		"client_id":   {c.cfg.ClientID},
		"device_code": {deviceCode},
	}

	body, status, err := c.postForm(ctx, c.tokenEndpoint, form)
	if err != nil {
		return nil, err
	}

	if status == http.StatusOK {
		token, err := c.parseToken(body)
		if err != nil {
			return nil, err
		}
		return &PollResult{Status: PollSuccess, Token: token}, nil
	}

	var oauthErr errorResponse
	if jsonErr := json.Unmarshal(body, &oauthErr); jsonErr == nil {
		switch oauthErr.Error {
		case oauthAuthorizationPending:
			return &PollResult{Status: PollPending}, nil
		case oauthSlowDown:
			return &PollResult{Status: PollSlowDown}, nil
		case oauthAccessDenied:
			return &PollResult{Status: PollDenied}, nil
		case oauthExpiredToken:
			return &PollResult{Status: PollExpired}, nil
		}
	}

	return nil, classifyHTTPError(status, body)
}

// Renew exchanges a refresh token for a fresh access token.
//
// A terminal error means the refresh credential is no longer valid and the
// session must re-run the device-code flow.
func (c *Client) Renew(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"refresh_token": {refreshToken},
		"scope":         {strings.Join(c.cfg.Scopes, " ")},
	}

	body, status, err := c.postForm(ctx, c.tokenEndpoint, form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, classifyHTTPError(status, body)
	}

	return c.parseToken(body)
}

// parseToken decodes a successful token response and extracts claims.
func (c *Client) parseToken(body []byte) (*Token, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, terminalErr("", fmt.Errorf("decoding token response: %w", err))
	}
	if resp.AccessToken == "" {
		return nil, terminalErr("", errors.New("token response missing access_token"))
	}

	token := &Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}

	// Claims extraction is best-effort: an opaque (non-JWT) access token
	// still works for passthrough, it just carries no group information.
	if claims, err := ParseClaims(resp.AccessToken); err == nil {
		token.Claims = claims
	}

	return token, nil
}

// postForm sends a form-encoded POST and returns the body and status code.
// Network-level failures are transient; the caller classifies HTTP statuses.
func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, terminalErr("", fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, transientErr(fmt.Errorf("calling %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, transientErr(fmt.Errorf("reading response: %w", err))
	}

	return body, resp.StatusCode, nil
}

// classifyHTTPError converts a non-OK HTTP response into a classified error.
// 5xx and 429 are transient; everything else is terminal.
func classifyHTTPError(status int, body []byte) error {
	var oauthErr errorResponse
	code := ""
	if err := json.Unmarshal(body, &oauthErr); err == nil {
		code = oauthErr.Error
	}

	err := fmt.Errorf("provider returned HTTP %d", status)
	if oauthErr.ErrorDescription != "" {
		err = fmt.Errorf("provider returned HTTP %d: %s", status, oauthErr.ErrorDescription)
	}

	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return transientErr(err)
	}
	return terminalErr(code, err)
}
