package handshake

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/refractionpoint/oidc-login/internal/vault"
)

// User-facing messages for failures that carry no backend detail
const (
	ErrorMissingParams    = "The callback from the provider did not supply all of the required parameters.  Please click Sign In to try again. If the problem persists, you may want to contact your administrator."
	ErrorWindowClosed     = "The provider window was closed before authentication was complete.  Your web browser may have blocked or closed a pop-up window. Please check your settings and click Sign In to try again."
	ErrorWindowOpenFailed = "The provider window could not be opened. Please check your settings and click Sign In to try again."

	MessageInvalidRole = "Invalid role. Please try again."
	roleFetchPrefix    = "Error fetching role: "
	callbackPrefix     = "Error exchanging OIDC callback: "
)

var (
	// ErrAttemptInProgress is returned by Start while another attempt is outstanding
	ErrAttemptInProgress = errors.New("a login attempt is already in progress")

	// ErrCanceled is returned by Start when the attempt was abandoned
	ErrCanceled = errors.New("login attempt canceled")
)

// Kind classifies handshake failures
type Kind int

const (
	KindMissingParams Kind = iota + 1
	KindWindowClosed
	KindWindowOpenFailed
	KindRoleFetchFailed
	KindCallbackFailed
)

func (k Kind) String() string {
	switch k {
	case KindMissingParams:
		return "missing_params"
	case KindWindowClosed:
		return "window_closed"
	case KindWindowOpenFailed:
		return "window_open_failed"
	case KindRoleFetchFailed:
		return "role_fetch_failed"
	case KindCallbackFailed:
		return "callback_failed"
	default:
		return "unknown"
	}
}

// Error is a failed handshake. Error() is the message shown to the user.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindMissingParams:
		return ErrorMissingParams
	case KindWindowClosed:
		return ErrorWindowClosed
	case KindWindowOpenFailed:
		return ErrorWindowOpenFailed
	case KindCallbackFailed:
		return callbackPrefix + e.Detail
	default:
		return e.Detail
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a handshake failure of the given kind
func IsKind(err error, kind Kind) bool {
	var hErr *Error
	return errors.As(err, &hErr) && hErr.Kind == kind
}

// roleErrorMessages maps known grant-URL errors to what the user sees
var roleErrorMessages = map[string]string{
	"missing role":      MessageInvalidRole,
	"permission denied": roleFetchPrefix + "permission denied",
}

// RoleFetchMessage maps a grant-URL failure to a single user-facing message
func RoleFetchMessage(status int, errs []string) string {
	for _, e := range errs {
		if msg, ok := roleErrorMessages[e]; ok {
			return msg
		}
		if strings.HasPrefix(e, "role ") && strings.HasSuffix(e, " could not be found") {
			return MessageInvalidRole
		}
	}

	if len(errs) > 0 {
		return roleFetchPrefix + strings.Join(errs, ", ")
	}

	text := http.StatusText(status)
	if text == "" {
		text = fmt.Sprintf("status %d", status)
	}
	return roleFetchPrefix + strings.ToLower(text)
}

// RoleFetchError converts a failed grant-URL request into a RoleFetchFailed error
func RoleFetchError(err error) *Error {
	var apiErr *vault.ResponseError
	if errors.As(err, &apiErr) {
		return &Error{Kind: KindRoleFetchFailed, Detail: RoleFetchMessage(apiErr.StatusCode, apiErr.Errors), Err: err}
	}
	return &Error{Kind: KindRoleFetchFailed, Detail: roleFetchPrefix + err.Error(), Err: err}
}

func callbackError(err error) *Error {
	detail := err.Error()
	var apiErr *vault.ResponseError
	if errors.As(err, &apiErr) && len(apiErr.Errors) > 0 {
		detail = strings.Join(apiErr.Errors, ", ")
	}
	return &Error{Kind: KindCallbackFailed, Detail: detail, Err: err}
}

// canceled converts a done attempt context into the error Start returns
func canceled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCanceled) {
		return ErrCanceled
	}
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}
