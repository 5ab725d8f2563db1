// Package handshake drives an external identity-provider login in a separate
// browser window and turns the provider's callback into a client token.
//
// One attempt runs at a time per Coordinator:
//
//	Idle -> RequestingGrant -> AwaitingCallback -> ExchangingToken -> Completed
//	                                     |                 |
//	                                     +-----> Failed <--+
//
// While awaiting the callback the coordinator listens on a shared message
// channel and polls the window for closure. Both are torn down exactly once,
// before Start returns, on every exit path.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/refractionpoint/oidc-login/internal/messaging"
	"github.com/refractionpoint/oidc-login/internal/vault"
)

// DefaultPollInterval is how often the window is checked for closure
const DefaultPollInterval = 500 * time.Millisecond

// State of the coordinator
type State int

const (
	StateIdle State = iota
	StateRequestingGrant
	StateAwaitingCallback
	StateExchangingToken
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingGrant:
		return "requesting_grant"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateExchangingToken:
		return "exchanging_token"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request starts one login attempt
type Request struct {
	AuthMethodType string
	MountPath      string
	Role           string
}

// Mount returns the mount path, defaulting to the method type
func (r Request) Mount() string {
	if r.MountPath == "" {
		return r.AuthMethodType
	}
	return r.MountPath
}

// Credential is the result of a successful callback exchange
type Credential struct {
	Token          string
	MFARequirement *vault.MFARequirement
}

// Backend is the server side of the handshake
type Backend interface {
	AuthURL(ctx context.Context, mount, role, redirectURI string) (string, error)
	OIDCCallback(ctx context.Context, mount string, params url.Values) (*vault.Auth, error)
}

// Window is an opened provider window
type Window interface {
	Closed(ctx context.Context) (bool, error)
	Close(ctx context.Context) error
}

// WindowOpener opens the provider window at a grant URL
type WindowOpener interface {
	Open(ctx context.Context, grantURL string) (Window, error)
}

// Options tune a Coordinator
type Options struct {
	// RedirectURI is sent with the grant URL request
	RedirectURI string
	// ExpectedOrigin, when set, drops messages posted from any other origin
	ExpectedOrigin string
	// PollInterval for the window closed check
	PollInterval time.Duration
}

// Coordinator runs handshake attempts
type Coordinator struct {
	backend Backend
	opener  WindowOpener
	channel messaging.Channel
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	state  State
	busy   bool
	cancel context.CancelCauseFunc
}

// NewCoordinator creates a coordinator
func NewCoordinator(backend Backend, opener WindowOpener, channel messaging.Channel, opts Options, logger *slog.Logger) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Coordinator{
		backend: backend,
		opener:  opener,
		channel: channel,
		opts:    opts,
		logger:  logger,
	}
}

// State returns the current state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Cancel abandons the outstanding attempt, if any. The pending Start returns
// ErrCanceled and no credential.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel(ErrCanceled)
	}
}

// Start runs one attempt to completion. It returns exactly one of a
// credential or an error. Failures are *Error values; abandoned attempts
// return ErrCanceled. Starting while an attempt is outstanding is rejected
// with ErrAttemptInProgress.
func (c *Coordinator) Start(ctx context.Context, req Request) (*Credential, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, ErrAttemptInProgress
	}
	attemptCtx, cancel := context.WithCancelCause(ctx)
	c.busy = true
	c.cancel = cancel
	c.state = StateRequestingGrant
	c.mu.Unlock()

	cred, err := c.run(attemptCtx, req)

	final := StateCompleted
	switch {
	case errors.Is(err, ErrCanceled):
		final = StateIdle
	case err != nil:
		final = StateFailed
	}

	c.mu.Lock()
	cancel(nil)
	c.busy = false
	c.cancel = nil
	c.state = final
	c.mu.Unlock()

	return cred, err
}

func (c *Coordinator) run(ctx context.Context, req Request) (*Credential, error) {
	mount := req.Mount()
	logger := c.logger.With("attempt_id", uuid.NewString(), "method", req.AuthMethodType, "mount", mount)

	grantURL, err := c.backend.AuthURL(ctx, mount, req.Role, c.opts.RedirectURI)
	if ctx.Err() != nil {
		return nil, canceled(ctx)
	}
	if err != nil {
		logger.Warn("Failed to fetch grant URL", "error", err)
		return nil, RoleFetchError(err)
	}
	if grantURL == "" {
		return nil, &Error{Kind: KindRoleFetchFailed, Detail: MessageInvalidRole}
	}

	// Subscribe before the window opens so a fast callback cannot be missed
	sub, err := c.channel.Subscribe(ctx)
	if ctx.Err() != nil {
		return nil, canceled(ctx)
	}
	if err != nil {
		logger.Error("Failed to subscribe to message channel", "error", err)
		return nil, callbackError(fmt.Errorf("failed to listen for callback: %w", err))
	}

	window, err := c.opener.Open(ctx, grantURL)
	if err != nil || window == nil {
		sub.Close()
		if ctx.Err() != nil {
			return nil, canceled(ctx)
		}
		if err == nil {
			err = errors.New("no window handle")
		}
		logger.Warn("Failed to open provider window", "error", err)
		return nil, &Error{Kind: KindWindowOpenFailed, Err: err}
	}

	a := &attempt{
		coordinator:   c,
		logger:        logger,
		mount:         mount,
		expectedState: correlationState(grantURL),
		sub:           sub,
		window:        window,
		ticker:        time.NewTicker(c.opts.PollInterval),
	}
	defer a.teardown(ctx)

	c.setState(StateAwaitingCallback)
	logger.Debug("Awaiting provider callback")

	params, err := a.await(ctx)
	if err != nil {
		return nil, err
	}

	// A valid callback has arrived: nothing further is read from the channel
	a.teardown(ctx)
	c.setState(StateExchangingToken)

	return a.exchange(ctx, params)
}

// attempt holds the resources acquired for one AwaitingCallback phase
type attempt struct {
	coordinator   *Coordinator
	logger        *slog.Logger
	mount         string
	expectedState string
	sub           messaging.Subscription
	window        Window
	ticker        *time.Ticker
	once          sync.Once
}

// teardown releases the subscription, poll and window. Safe to call repeatedly.
func (a *attempt) teardown(ctx context.Context) {
	a.once.Do(func() {
		a.ticker.Stop()
		if err := a.sub.Close(); err != nil {
			a.logger.Warn("Failed to close message subscription", "error", err)
		}
		if err := a.window.Close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("Failed to close provider window", "error", err)
		}
	})
}

// await blocks until a matching message, window closure or cancellation
func (a *attempt) await(ctx context.Context) (url.Values, error) {
	msgs := a.sub.Messages()

	for {
		select {
		case <-ctx.Done():
			return nil, canceled(ctx)

		case msg, ok := <-msgs:
			if !ok {
				a.logger.Warn("Message subscription ended, relying on window poll")
				msgs = nil
				continue
			}
			if params, matched, err := a.accept(msg); matched {
				return params, err
			}

		case <-a.ticker.C:
			closed, err := a.window.Closed(ctx)
			if err != nil {
				a.logger.Warn("Window closed check failed", "error", err)
				continue
			}
			if !closed {
				continue
			}
			// Messages may have been posted just before the window went away
			if params, matched, err := a.drain(msgs); matched {
				return params, err
			}
			a.logger.Info("Provider window closed before callback")
			return nil, &Error{Kind: KindWindowClosed}
		}
	}
}

func (a *attempt) drain(msgs <-chan messaging.Message) (url.Values, bool, error) {
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return nil, false, nil
			}
			if params, matched, err := a.accept(msg); matched {
				return params, true, err
			}
		default:
			return nil, false, nil
		}
	}
}

// accept validates msg. matched is false for messages that belong to
// someone else and must be ignored.
func (a *attempt) accept(msg messaging.Message) (params url.Values, matched bool, err error) {
	if msg.Source != messaging.SourceOIDCCallback {
		return nil, false, nil
	}

	if want := a.coordinator.opts.ExpectedOrigin; want != "" && msg.Origin != want {
		a.logger.Debug("Ignoring callback from unexpected origin", "origin", msg.Origin)
		return nil, false, nil
	}

	state, code := msg.Get("state"), msg.Get("code")
	if a.expectedState != "" && state != "" && state != a.expectedState {
		a.logger.Debug("Ignoring callback for another attempt")
		return nil, false, nil
	}

	if state == "" || code == "" {
		a.logger.Warn("Callback is missing required parameters", "has_state", state != "", "has_code", code != "")
		return nil, true, &Error{Kind: KindMissingParams}
	}

	params = url.Values{}
	for k, v := range msg.Data {
		params.Set(k, v)
	}
	return params, true, nil
}

func (a *attempt) exchange(ctx context.Context, params url.Values) (*Credential, error) {
	auth, err := a.coordinator.backend.OIDCCallback(ctx, a.mount, params)
	if ctx.Err() != nil {
		return nil, canceled(ctx)
	}
	if err != nil {
		a.logger.Warn("Callback exchange failed", "error", err)
		return nil, callbackError(err)
	}
	if auth.ClientToken == "" && auth.MFARequirement == nil {
		return nil, callbackError(errors.New("response did not contain a client token"))
	}

	a.logger.Info("Callback exchanged for token", "mfa_required", auth.MFARequirement != nil)

	return &Credential{
		Token:          auth.ClientToken,
		MFARequirement: auth.MFARequirement,
	}, nil
}

// correlationState extracts the state parameter round-tripped through the
// provider, if the grant URL carries one.
func correlationState(grantURL string) string {
	u, err := url.Parse(grantURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("state")
}
