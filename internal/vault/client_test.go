package vault

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{Address: server.URL + "/", Namespace: "admin"}, testLogger())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestAuthURL(t *testing.T) {
	ctx := context.Background()

	t.Run("returns grant URL", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/auth/test-path/oidc/auth_url", r.URL.Path)
			assert.Equal(t, "admin", r.Header.Get("X-Vault-Namespace"))

			var body AuthURLRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "dev", body.Role)
			assert.Equal(t, "http://localhost:8250/oidc/callback", body.RedirectURI)

			writeJSON(w, http.StatusOK, map[string]interface{}{
				"data": map[string]string{"auth_url": "http://example.com"},
			})
		})

		authURL, err := client.AuthURL(ctx, "/test-path/", "dev", "http://localhost:8250/oidc/callback")
		require.NoError(t, err)
		assert.Equal(t, "http://example.com", authURL)
	})

	t.Run("surfaces error envelope", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": []string{"missing role"}})
		})

		_, err := client.AuthURL(ctx, "oidc", "", "")
		var apiErr *ResponseError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Equal(t, []string{"missing role"}, apiErr.Errors)
		assert.True(t, apiErr.Has("missing role"))
		assert.Contains(t, apiErr.Error(), "missing role")
	})

	t.Run("non-JSON error body", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("<html>bad gateway</html>"))
		})

		_, err := client.AuthURL(ctx, "oidc", "", "")
		var apiErr *ResponseError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
		assert.Empty(t, apiErr.Errors)
		assert.Contains(t, apiErr.Error(), "Bad Gateway")
	})
}

func TestOIDCCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("forwards callback params", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/auth/foo/oidc/callback", r.URL.Path)
			assert.Equal(t, "st", r.URL.Query().Get("state"))
			assert.Equal(t, "cd", r.URL.Query().Get("code"))
			assert.Equal(t, "x", r.URL.Query().Get("id_token"))
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"auth": map[string]interface{}{"client_token": "root"},
			})
		})

		params := url.Values{"state": {"st"}, "code": {"cd"}, "id_token": {"x"}}
		auth, err := client.OIDCCallback(ctx, "foo", params)
		require.NoError(t, err)
		assert.Equal(t, "root", auth.ClientToken)
		assert.Nil(t, auth.MFARequirement)
	})

	t.Run("decodes MFA requirement", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"auth": map[string]interface{}{
					"client_token": "",
					"mfa_requirement": map[string]interface{}{
						"mfa_request_id": "req-1",
						"mfa_constraints": map[string]interface{}{
							"foo": map[string]interface{}{
								"any": []map[string]interface{}{{"type": "totp", "id": "m-1", "uses_passcode": true}},
							},
						},
					},
				},
			})
		})

		auth, err := client.OIDCCallback(ctx, "foo", url.Values{"state": {"s"}, "code": {"c"}})
		require.NoError(t, err)
		require.NotNil(t, auth.MFARequirement)
		assert.Equal(t, "req-1", auth.MFARequirement.MFARequestID)
		methods := auth.MFARequirement.Methods()
		require.Len(t, methods, 1)
		assert.Equal(t, "totp", methods[0].Type)
		assert.True(t, methods[0].UsesPasscode)
	})

	t.Run("missing auth block", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{})
		})

		_, err := client.OIDCCallback(ctx, "foo", url.Values{})
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})
}

func TestLookupSelf(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/auth/token/lookup-self", r.URL.Path)
		assert.Equal(t, "root", r.Header.Get("X-Vault-Token"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"id": "root", "display_name": "oidc-alice", "ttl": 3600, "policies": []string{"default"}},
		})
	})

	info, err := client.LookupSelf(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, "oidc-alice", info.DisplayName)
	assert.Equal(t, 3600, info.TTL)
	assert.Equal(t, []string{"default"}, info.Policies)
}

func TestJWTLogin(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/auth/jwt/login", r.URL.Path)
		var body JWTLoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "reader", body.Role)
		assert.Equal(t, "a.b.c", body.JWT)
		writeJSON(w, http.StatusOK, map[string]interface{}{"auth": map[string]interface{}{"client_token": "jwt-token"}})
	})

	auth, err := client.JWTLogin(context.Background(), "jwt", "reader", "a.b.c")
	require.NoError(t, err)
	assert.Equal(t, "jwt-token", auth.ClientToken)
}

func TestValidateMFA(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sys/mfa/validate", r.URL.Path)
		var body MFAValidateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "req-1", body.MFARequestID)
		assert.Equal(t, []string{"123456"}, body.MFAPayload["m-1"])
		writeJSON(w, http.StatusOK, map[string]interface{}{"auth": map[string]interface{}{"client_token": "after-mfa"}})
	})

	auth, err := client.ValidateMFA(context.Background(), "req-1", map[string][]string{"m-1": {"123456"}})
	require.NoError(t, err)
	assert.Equal(t, "after-mfa", auth.ClientToken)
}

func TestHealth(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sys/health", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("standbyok"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"cluster_id": "1", "initialized": true})
	})

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", health.ClusterID)
	assert.True(t, health.Initialized)
}
