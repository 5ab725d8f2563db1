package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// Default timeout for HTTP requests
	defaultTimeout = 10 * time.Second

	namespaceHeader = "X-Vault-Namespace"
	tokenHeader     = "X-Vault-Token"
)

// ErrEmptyResponse is returned when a login response carries no auth block
var ErrEmptyResponse = errors.New("response did not contain auth data")

// Config holds server connection settings
type Config struct {
	Address   string
	Namespace string
	Timeout   time.Duration
}

// Client handles the server endpoints used during login
type Client struct {
	address    string
	namespace  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new API client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		address:   strings.TrimRight(cfg.Address, "/"),
		namespace: cfg.Namespace,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// AuthURL requests a grant URL for role from the OIDC endpoints of mount
func (c *Client) AuthURL(ctx context.Context, mount, role, redirectURI string) (string, error) {
	req := AuthURLRequest{Role: role, RedirectURI: redirectURI}

	var resp AuthURLResponse
	if err := c.doRequest(ctx, http.MethodPost, authPath(mount, "oidc/auth_url"), "", nil, req, &resp); err != nil {
		return "", err
	}

	return resp.Data.AuthURL, nil
}

// OIDCCallback exchanges the provider's callback parameters for a token
func (c *Client) OIDCCallback(ctx context.Context, mount string, params url.Values) (*Auth, error) {
	var resp LoginResponse
	if err := c.doRequest(ctx, http.MethodGet, authPath(mount, "oidc/callback"), "", params, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Auth == nil {
		return nil, ErrEmptyResponse
	}

	return resp.Auth, nil
}

// JWTLogin logs in with a pre-issued JWT
func (c *Client) JWTLogin(ctx context.Context, mount, role, jwt string) (*Auth, error) {
	req := JWTLoginRequest{Role: role, JWT: jwt}

	var resp LoginResponse
	if err := c.doRequest(ctx, http.MethodPost, authPath(mount, "login"), "", nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.Auth == nil {
		return nil, ErrEmptyResponse
	}

	return resp.Auth, nil
}

// LookupSelf returns information about token
func (c *Client) LookupSelf(ctx context.Context, token string) (*TokenInfo, error) {
	var resp LookupSelfResponse
	if err := c.doRequest(ctx, http.MethodGet, "auth/token/lookup-self", token, nil, nil, &resp); err != nil {
		return nil, err
	}

	return &resp.Data, nil
}

// ValidateMFA completes a login MFA requirement
func (c *Client) ValidateMFA(ctx context.Context, requestID string, payload map[string][]string) (*Auth, error) {
	req := MFAValidateRequest{MFARequestID: requestID, MFAPayload: payload}

	var resp LoginResponse
	if err := c.doRequest(ctx, http.MethodPost, "sys/mfa/validate", "", nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.Auth == nil {
		return nil, ErrEmptyResponse
	}

	return resp.Auth, nil
}

// Health returns the cluster health, accepting standby nodes
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	q := url.Values{}
	q.Set("standbyok", "true")

	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "sys/health", "", q, nil, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

func authPath(mount, rest string) string {
	return "auth/" + strings.Trim(mount, "/") + "/" + rest
}

func (c *Client) doRequest(ctx context.Context, method, path, token string, query url.Values, reqBody, respBody interface{}) error {
	endpoint := c.address + "/v1/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if reqBody != nil {
		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.namespace != "" {
		req.Header.Set(namespaceHeader, c.namespace)
	}
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &ResponseError{StatusCode: resp.StatusCode}
		if len(respData) > 0 {
			// A body that is not an error envelope still yields a status-only error
			_ = json.Unmarshal(respData, apiErr)
		}
		c.logger.Debug("API request failed", "method", method, "path", path, "status", resp.StatusCode)
		return apiErr
	}

	if respBody != nil && len(respData) > 0 {
		if err := json.Unmarshal(respData, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}
