package vault

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrOIDCNotConfigured is the backend message for mounts that only accept JWT logins
const ErrOIDCNotConfigured = "OIDC login is not configured for this mount"

// ResponseError is a non-2xx response from the server
type ResponseError struct {
	StatusCode int      `json:"-"`
	Errors     []string `json:"errors"`
}

// Error implements the error interface
func (e *ResponseError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("vault returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("vault returned %d: %s", e.StatusCode, strings.Join(e.Errors, ", "))
}

// Has reports whether msg is one of the reported errors
func (e *ResponseError) Has(msg string) bool {
	for _, m := range e.Errors {
		if m == msg {
			return true
		}
	}
	return false
}

// AuthURLRequest is the body of POST auth/:mount/oidc/auth_url
type AuthURLRequest struct {
	Role        string `json:"role,omitempty"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// AuthURLResponse wraps the grant URL
type AuthURLResponse struct {
	Data struct {
		AuthURL string `json:"auth_url"`
	} `json:"data"`
}

// MFAMethod is one way to satisfy an MFA constraint
type MFAMethod struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	UsesPasscode bool   `json:"uses_passcode"`
	Name         string `json:"name,omitempty"`
}

// MFAConstraint is satisfied by any one of its methods
type MFAConstraint struct {
	Any []MFAMethod `json:"any"`
}

// MFARequirement is returned instead of a usable token when login MFA is enforced
type MFARequirement struct {
	MFARequestID   string                   `json:"mfa_request_id"`
	MFAConstraints map[string]MFAConstraint `json:"mfa_constraints"`
}

// Methods returns every method across all constraints
func (r *MFARequirement) Methods() []MFAMethod {
	var out []MFAMethod
	for _, c := range r.MFAConstraints {
		out = append(out, c.Any...)
	}
	return out
}

// Auth is the auth block of a login response
type Auth struct {
	ClientToken    string          `json:"client_token"`
	Accessor       string          `json:"accessor"`
	Policies       []string        `json:"policies"`
	LeaseDuration  int             `json:"lease_duration"`
	Renewable      bool            `json:"renewable"`
	MFARequirement *MFARequirement `json:"mfa_requirement"`
}

// LoginResponse wraps Auth
type LoginResponse struct {
	Auth *Auth `json:"auth"`
}

// JWTLoginRequest is the body of POST auth/:mount/login
type JWTLoginRequest struct {
	Role string `json:"role,omitempty"`
	JWT  string `json:"jwt"`
}

// MFAValidateRequest is the body of POST sys/mfa/validate
type MFAValidateRequest struct {
	MFARequestID string              `json:"mfa_request_id"`
	MFAPayload   map[string][]string `json:"mfa_payload"`
}

// TokenInfo is the data block of auth/token/lookup-self
type TokenInfo struct {
	ID          string   `json:"id"`
	Accessor    string   `json:"accessor"`
	DisplayName string   `json:"display_name"`
	EntityID    string   `json:"entity_id"`
	Policies    []string `json:"policies"`
	TTL         int      `json:"ttl"`
	Renewable   bool     `json:"renewable"`
	ExpireTime  string   `json:"expire_time"`
}

// LookupSelfResponse wraps TokenInfo
type LookupSelfResponse struct {
	Data TokenInfo `json:"data"`
}

// HealthResponse is the body of sys/health
type HealthResponse struct {
	Initialized bool   `json:"initialized"`
	Sealed      bool   `json:"sealed"`
	Standby     bool   `json:"standby"`
	ClusterName string `json:"cluster_name"`
	ClusterID   string `json:"cluster_id"`
	Version     string `json:"version"`
}
