package session

import (
	"time"

	"github.com/refractionpoint/oidc-login/internal/vault"
)

// BackendToken is the only auth backend the service accepts: the handshake
// always ends in a client token.
const BackendToken = "token"

// AuthData carries the credential produced by a login
type AuthData struct {
	Token          string
	MFARequirement *vault.MFARequirement
}

// AuthRequest asks the service to establish a session
type AuthRequest struct {
	Backend      string
	ClusterID    string
	Data         AuthData
	SelectedAuth string
}

// Session is an established login
type Session struct {
	ClusterID    string   `json:"cluster_id"`
	Token        string   `json:"token"` // Encrypted in Redis
	Accessor     string   `json:"accessor"`
	DisplayName  string   `json:"display_name"`
	EntityID     string   `json:"entity_id"`
	Policies     []string `json:"policies"`
	Renewable    bool     `json:"renewable"`
	SelectedAuth string   `json:"selected_auth"`
	CreatedAt    int64    `json:"created_at"`
	ExpiresAt    int64    `json:"expires_at"` // 0 for tokens without a TTL
}

// Result of Authenticate. Exactly one of Session or MFARequirement is set.
type Result struct {
	Session        *Session
	MFARequired    bool
	MFARequirement *vault.MFARequirement
}

// PendingMFA is a login waiting for MFA validation
type PendingMFA struct {
	RequestID    string                `json:"request_id"`
	ClusterID    string                `json:"cluster_id"`
	SelectedAuth string                `json:"selected_auth"`
	Requirement  *vault.MFARequirement `json:"requirement"`
	CreatedAt    int64                 `json:"created_at"`
}

const (
	MFATTL         = 5 * time.Minute
	MaxMFAAttempts = 3
)

// Key prefixes for Redis
const (
	SessionPrefix      = "oidc:session:"
	MFAPrefix          = "oidc:mfa:"
	SelectedAuthPrefix = "oidc:selected-auth:"
)

func newSession(clusterID, token, selectedAuth string, info *vault.TokenInfo) *Session {
	now := time.Now()
	s := &Session{
		ClusterID:    clusterID,
		Token:        token,
		Accessor:     info.Accessor,
		DisplayName:  info.DisplayName,
		EntityID:     info.EntityID,
		Policies:     info.Policies,
		Renewable:    info.Renewable,
		SelectedAuth: selectedAuth,
		CreatedAt:    now.Unix(),
	}
	if info.TTL > 0 {
		s.ExpiresAt = now.Add(time.Duration(info.TTL) * time.Second).Unix()
	}
	return s
}
