package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenResponse is the JSON body of a successful OAuth token exchange.
// expires_in is in seconds; refresh_token is absent when the upstream does
// not rotate refresh tokens on exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

// TokenExchanger performs OAuth2 grants against the EDM token endpoint.
type TokenExchanger interface {
	PasswordGrant(ctx context.Context, username, password string) (*TokenResponse, error)
	RefreshGrant(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// tokenClient is the HTTP implementation of TokenExchanger. Non-2xx
// responses surface as *GrantError with the upstream status and body; the
// body is treated as opaque diagnostic text.
type tokenClient struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
}

// NewTokenClient creates a TokenExchanger for the given token endpoint.
// timeout bounds each exchange; a timeout behaves exactly like an upstream
// HTTP failure.
func NewTokenClient(tokenURL, clientID, clientSecret string, timeout time.Duration) TokenExchanger {
	return &tokenClient{
		httpClient:   &http.Client{Timeout: timeout},
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

func (c *tokenClient) PasswordGrant(ctx context.Context, username, password string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", username)
	form.Set("password", password)
	return c.exchange(ctx, form)
}

func (c *tokenClient) RefreshGrant(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.exchange(ctx, form)
}

func (c *tokenClient) exchange(ctx context.Context, form url.Values) (*TokenResponse, error) {
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &GrantError{Status: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &GrantError{Status: resp.StatusCode, Body: string(body)}
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", ErrProtocol)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token: %w", ErrProtocol)
	}
	return &tr, nil
}
