// Package login holds the state of the sign-in form: which auth method,
// mount and role are selected, and whether that mount speaks OIDC.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/refractionpoint/oidc-login/internal/handshake"
	"github.com/refractionpoint/oidc-login/internal/session"
	"github.com/refractionpoint/oidc-login/internal/vault"
)

var (
	ErrJWTRequired = errors.New("a JWT is required for this mount")
	ErrInvalidJWT  = errors.New("invalid JWT")
	ErrJWTExpired  = errors.New("JWT has expired")
)

// Backend is the server API the form talks to directly
type Backend interface {
	AuthURL(ctx context.Context, mount, role, redirectURI string) (string, error)
	JWTLogin(ctx context.Context, mount, role, jwt string) (*vault.Auth, error)
}

// Handshaker runs an OIDC login in a provider window
type Handshaker interface {
	Start(ctx context.Context, req handshake.Request) (*handshake.Credential, error)
	Cancel()
}

// Authenticator establishes the session once a token is in hand
type Authenticator interface {
	Authenticate(ctx context.Context, req session.AuthRequest) (*session.Result, error)
}

// RoleInfo is what the server said about the selected mount and role
type RoleInfo struct {
	// OIDC is false for mounts that only accept a JWT
	OIDC    bool
	AuthURL string
	Err     error
}

// Config for a Form
type Config struct {
	ClusterID   string
	RedirectURI string
	Method      string
	MountPath   string
	Role        string
}

type roleFetch struct {
	gen    uint64
	done   chan struct{}
	cancel context.CancelFunc
	info   RoleInfo
}

// Form is the login form
type Form struct {
	backend     Backend
	coordinator Handshaker
	auth        Authenticator
	clusterID   string
	redirectURI string
	logger      *slog.Logger

	mu      sync.Mutex
	method  string
	mount   string
	role    string
	gen     uint64
	current *roleFetch
}

// NewForm creates a form and starts fetching the role for its initial selection
func NewForm(cfg Config, backend Backend, coordinator Handshaker, auth Authenticator, logger *slog.Logger) *Form {
	f := &Form{
		backend:     backend,
		coordinator: coordinator,
		auth:        auth,
		clusterID:   cfg.ClusterID,
		redirectURI: cfg.RedirectURI,
		logger:      logger,
		method:      cfg.Method,
		mount:       cfg.MountPath,
		role:        cfg.Role,
	}

	f.mu.Lock()
	f.refreshLocked()
	f.mu.Unlock()

	return f
}

// Method returns the selected auth method type
func (f *Form) Method() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.method
}

// MountPath returns the effective mount path
func (f *Form) MountPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mountLocked()
}

// Role returns the selected role
func (f *Form) Role() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.role
}

// SetMethod selects an auth method type
func (f *Form) SetMethod(method string) {
	f.set(&f.method, method)
}

// SetMountPath selects a mount path. Empty means the method type.
func (f *Form) SetMountPath(mount string) {
	f.set(&f.mount, mount)
}

// SetRole selects a role
func (f *Form) SetRole(role string) {
	f.set(&f.role, role)
}

func (f *Form) set(field *string, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if *field == value {
		return
	}
	*field = value
	f.refreshLocked()
}

func (f *Form) mountLocked() string {
	if f.mount == "" {
		return f.method
	}
	return f.mount
}

// refreshLocked abandons any in-flight role fetch and starts a new one for
// the current selection.
func (f *Form) refreshLocked() {
	if f.current != nil {
		f.current.cancel()
	}

	f.gen++
	ctx, cancel := context.WithCancel(context.Background())
	fetch := &roleFetch{
		gen:    f.gen,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	f.current = fetch

	go f.fetchRole(ctx, fetch, f.mountLocked(), f.role)
}

func (f *Form) fetchRole(ctx context.Context, fetch *roleFetch, mount, role string) {
	defer close(fetch.done)
	defer fetch.cancel()

	authURL, err := f.backend.AuthURL(ctx, mount, role, f.redirectURI)
	fetch.info = classify(authURL, err)

	f.mu.Lock()
	stale := fetch.gen != f.gen
	f.mu.Unlock()

	if stale {
		f.logger.Debug("Discarding stale role fetch", "mount", mount, "generation", fetch.gen)
		return
	}

	f.logger.Debug("Fetched role", "mount", mount, "oidc", fetch.info.OIDC, "error", fetch.info.Err)
}

func classify(authURL string, err error) RoleInfo {
	if err != nil {
		var apiErr *vault.ResponseError
		if errors.As(err, &apiErr) && apiErr.Has(vault.ErrOIDCNotConfigured) {
			return RoleInfo{OIDC: false}
		}
		return RoleInfo{Err: handshake.RoleFetchError(err)}
	}
	if authURL == "" {
		return RoleInfo{Err: &handshake.Error{Kind: handshake.KindRoleFetchFailed, Detail: handshake.MessageInvalidRole}}
	}
	return RoleInfo{OIDC: true, AuthURL: authURL}
}

// RoleInfo waits for the role fetch of the current selection. A selection
// change while waiting switches to the newer fetch.
func (f *Form) RoleInfo(ctx context.Context) (RoleInfo, error) {
	for {
		f.mu.Lock()
		fetch := f.current
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return RoleInfo{}, ctx.Err()
		case <-fetch.done:
		}

		f.mu.Lock()
		stale := fetch.gen != f.gen
		f.mu.Unlock()
		if !stale {
			return fetch.info, nil
		}
	}
}

// Submit signs in with the current selection. jwt is used only for mounts
// that do not speak OIDC.
func (f *Form) Submit(ctx context.Context, jwtToken string) (*session.Result, error) {
	info, err := f.RoleInfo(ctx)
	if err != nil {
		return nil, err
	}
	if info.Err != nil {
		return nil, info.Err
	}

	f.mu.Lock()
	method, mount, role := f.method, f.mountLocked(), f.role
	f.mu.Unlock()

	var data session.AuthData
	if info.OIDC {
		cred, err := f.coordinator.Start(ctx, handshake.Request{AuthMethodType: method, MountPath: mount, Role: role})
		if err != nil {
			return nil, err
		}
		data = session.AuthData{Token: cred.Token, MFARequirement: cred.MFARequirement}
	} else {
		auth, err := f.jwtLogin(ctx, mount, role, jwtToken)
		if err != nil {
			return nil, err
		}
		data = session.AuthData{Token: auth.ClientToken, MFARequirement: auth.MFARequirement}
	}

	return f.auth.Authenticate(ctx, session.AuthRequest{
		Backend:      session.BackendToken,
		ClusterID:    f.clusterID,
		Data:         data,
		SelectedAuth: method,
	})
}

// Cancel abandons an outstanding OIDC login
func (f *Form) Cancel() {
	f.coordinator.Cancel()
}

// Close stops any in-flight role fetch
func (f *Form) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil {
		f.current.cancel()
	}
}

func (f *Form) jwtLogin(ctx context.Context, mount, role, jwtToken string) (*vault.Auth, error) {
	if jwtToken == "" {
		return nil, ErrJWTRequired
	}
	if err := CheckJWT(jwtToken, time.Now()); err != nil {
		return nil, err
	}

	auth, err := f.backend.JWTLogin(ctx, mount, role, jwtToken)
	if err != nil {
		return nil, fmt.Errorf("JWT login failed: %w", err)
	}
	return auth, nil
}

// CheckJWT rejects tokens that are malformed or already expired at now.
// The signature is verified by the server.
func CheckJWT(jwtToken string, now time.Time) error {
	token, _, err := jwt.NewParser(jwt.WithoutClaimsValidation()).ParseUnverified(jwtToken, jwt.MapClaims{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJWT, err)
	}

	exp, err := token.Claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJWT, err)
	}
	if exp != nil && !exp.After(now) {
		return ErrJWTExpired
	}

	return nil
}
