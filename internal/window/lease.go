// Package window opens provider windows in the system browser and tracks
// each one as a Redis lease. The lease disappears when the window is closed
// by the user (landing page beacon through the relay), by the coordinator, or
// when it expires.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/browser"

	"github.com/refractionpoint/oidc-login/internal/handshake"
	"github.com/refractionpoint/oidc-login/internal/redis"
)

const (
	// LeasePrefix is the Redis key prefix for open windows
	LeasePrefix = "oidc:window:"

	// DefaultLeaseTTL bounds how long an abandoned window counts as open
	DefaultLeaseTTL = 10 * time.Minute
)

// ErrAlreadyOpen is returned when a window for the same grant is still open
var ErrAlreadyOpen = errors.New("a provider window is already open for this request")

// Launcher shows url to the user
type Launcher func(url string) error

// Opener opens provider windows
type Opener struct {
	redis    *redis.Client
	launch   Launcher
	leaseTTL time.Duration
	logger   *slog.Logger
}

// Option configures an Opener
type Option func(*Opener)

// WithLauncher replaces the system browser launcher
func WithLauncher(l Launcher) Option {
	return func(o *Opener) {
		o.launch = l
	}
}

// WithLeaseTTL sets the lease lifetime
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *Opener) {
		if ttl > 0 {
			o.leaseTTL = ttl
		}
	}
}

// NewOpener creates an Opener backed by redisClient
func NewOpener(redisClient *redis.Client, logger *slog.Logger, opts ...Option) *Opener {
	o := &Opener{
		redis:    redisClient,
		launch:   browser.OpenURL,
		leaseTTL: DefaultLeaseTTL,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open takes a lease for grantURL and launches it
func (o *Opener) Open(ctx context.Context, grantURL string) (handshake.Window, error) {
	id := LeaseID(grantURL)
	key := LeasePrefix + id

	ok, err := o.redis.SetNX(ctx, key, grantURL, o.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to take window lease: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyOpen
	}

	if err := o.launch(grantURL); err != nil {
		if delErr := o.redis.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			o.logger.Warn("Failed to release window lease", "error", delErr)
		}
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	o.logger.Debug("Opened provider window", "lease_id", id, "ttl", o.leaseTTL)

	return &Lease{id: id, key: key, redis: o.redis}, nil
}

// Release ends the lease for id. Releasing an unknown or expired lease is not
// an error.
func (o *Opener) Release(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("missing lease id")
	}
	if err := o.redis.Delete(ctx, LeasePrefix+id); err != nil {
		return fmt.Errorf("failed to release window lease: %w", err)
	}
	o.logger.Debug("Released provider window", "lease_id", id)
	return nil
}

// LeaseID returns the lease id for grantURL: the state parameter it carries,
// or a random id when it carries none.
func LeaseID(grantURL string) string {
	if u, err := url.Parse(grantURL); err == nil {
		if state := u.Query().Get("state"); state != "" {
			return state
		}
	}
	return uuid.NewString()
}

// Lease is an open provider window
type Lease struct {
	id    string
	key   string
	redis *redis.Client
}

// ID of the lease
func (l *Lease) ID() string {
	return l.id
}

// Closed reports whether the lease is gone
func (l *Lease) Closed(ctx context.Context) (bool, error) {
	exists, err := l.redis.Exists(ctx, l.key)
	if err != nil {
		return false, fmt.Errorf("failed to check window lease: %w", err)
	}
	return !exists, nil
}

// Close releases the lease
func (l *Lease) Close(ctx context.Context) error {
	return l.redis.Delete(ctx, l.key)
}
