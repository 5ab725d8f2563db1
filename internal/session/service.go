// Package session establishes a login session from a client token, stepping
// up through MFA when the server requires it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/refractionpoint/oidc-login/internal/crypto"
	"github.com/refractionpoint/oidc-login/internal/redis"
	"github.com/refractionpoint/oidc-login/internal/vault"
)

var (
	ErrUnsupportedBackend = errors.New("unsupported auth backend")
	ErrMissingToken       = errors.New("no client token to authenticate")
	ErrMFASessionNotFound = errors.New("MFA session not found or expired")
	ErrTooManyMFAAttempts = errors.New("too many failed MFA attempts")
)

// Backend is the server API used to verify tokens and MFA
type Backend interface {
	LookupSelf(ctx context.Context, token string) (*vault.TokenInfo, error)
	ValidateMFA(ctx context.Context, requestID string, payload map[string][]string) (*vault.Auth, error)
}

// Service is the auth service
type Service struct {
	backend    Backend
	redis      *redis.Client
	encryption *crypto.TokenEncryption
	logger     *slog.Logger
}

// NewService creates a new auth service
func NewService(backend Backend, redisClient *redis.Client, encryption *crypto.TokenEncryption, logger *slog.Logger) *Service {
	return &Service{
		backend:    backend,
		redis:      redisClient,
		encryption: encryption,
		logger:     logger,
	}
}

// Authenticate verifies the token in req and stores the session. When the
// credential carries an MFA requirement nothing is verified yet: the
// requirement is parked and returned so the caller can collect the factor.
func (s *Service) Authenticate(ctx context.Context, req AuthRequest) (*Result, error) {
	if req.Backend != BackendToken {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, req.Backend)
	}

	if req.Data.MFARequirement != nil {
		pending := &PendingMFA{
			RequestID:    req.Data.MFARequirement.MFARequestID,
			ClusterID:    req.ClusterID,
			SelectedAuth: req.SelectedAuth,
			Requirement:  req.Data.MFARequirement,
			CreatedAt:    time.Now().Unix(),
		}
		if err := s.storePendingMFA(ctx, pending); err != nil {
			return nil, err
		}
		s.logger.Info("Login requires MFA", "methods", len(pending.Requirement.Methods()))
		return &Result{MFARequired: true, MFARequirement: req.Data.MFARequirement}, nil
	}

	if req.Data.Token == "" {
		return nil, ErrMissingToken
	}

	return s.establish(ctx, req.ClusterID, req.Data.Token, req.SelectedAuth)
}

// CompleteMFA validates payload against the pending requirement and, on
// success, establishes the session. The pending requirement is single use.
func (s *Service) CompleteMFA(ctx context.Context, requestID string, payload map[string][]string) (*Result, error) {
	pending, err := s.getPendingMFA(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, ErrMFASessionNotFound
	}

	auth, err := s.backend.ValidateMFA(ctx, requestID, payload)
	if err != nil {
		attempts, incErr := s.incrementMFAAttempts(ctx, requestID)
		if incErr != nil {
			s.logger.Warn("Failed to count MFA attempt", "error", incErr)
		}
		if attempts >= MaxMFAAttempts {
			if delErr := s.redis.Delete(ctx, MFAPrefix+requestID, mfaAttemptsKey(requestID)); delErr != nil {
				s.logger.Warn("Failed to discard MFA session", "error", delErr)
			}
			s.logger.Warn("MFA attempts exhausted", "attempts", attempts)
			return nil, ErrTooManyMFAAttempts
		}
		return nil, fmt.Errorf("MFA validation failed: %w", err)
	}

	// Consume only after success so a mistyped code can be retried
	consumed, err := s.consumePendingMFA(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if consumed == nil {
		return nil, ErrMFASessionNotFound
	}

	if auth.ClientToken == "" {
		return nil, ErrMissingToken
	}

	return s.establish(ctx, consumed.ClusterID, auth.ClientToken, consumed.SelectedAuth)
}

// Session returns the stored session for clusterID, or nil
func (s *Service) Session(ctx context.Context, clusterID string) (*Session, error) {
	data, err := s.redis.Get(ctx, SessionPrefix+clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if data == "" {
		return nil, nil
	}

	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	sess.Token, err = s.encryption.Decrypt(sess.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session token: %w", err)
	}

	return &sess, nil
}

// SelectedAuth returns the auth method used by the last successful login
func (s *Service) SelectedAuth(ctx context.Context, clusterID string) (string, error) {
	method, err := s.redis.Get(ctx, SelectedAuthPrefix+clusterID)
	if err != nil {
		return "", fmt.Errorf("failed to get selected auth: %w", err)
	}
	return method, nil
}

// Logout removes the stored session
func (s *Service) Logout(ctx context.Context, clusterID string) error {
	if err := s.redis.Delete(ctx, SessionPrefix+clusterID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.logger.Info("Logged out", "cluster_id", clusterID)
	return nil
}

func (s *Service) establish(ctx context.Context, clusterID, token, selectedAuth string) (*Result, error) {
	info, err := s.backend.LookupSelf(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}

	sess := newSession(clusterID, token, selectedAuth, info)
	if err := s.storeSession(ctx, sess, time.Duration(info.TTL)*time.Second); err != nil {
		return nil, err
	}

	if selectedAuth != "" {
		if err := s.redis.SetEX(ctx, SelectedAuthPrefix+clusterID, selectedAuth, 0); err != nil {
			s.logger.Warn("Failed to remember selected auth method", "error", err)
		}
	}

	s.logger.Info("Session established", "display_name", sess.DisplayName, "policies", len(sess.Policies))

	return &Result{Session: sess}, nil
}

func (s *Service) storeSession(ctx context.Context, sess *Session, ttl time.Duration) error {
	encryptedToken, err := s.encryption.Encrypt(sess.Token)
	if err != nil {
		return fmt.Errorf("failed to encrypt session token: %w", err)
	}

	stored := *sess
	stored.Token = encryptedToken

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.redis.SetEX(ctx, SessionPrefix+sess.ClusterID, string(data), ttl); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	return nil
}

// ===== Pending MFA =====

func mfaAttemptsKey(requestID string) string {
	return MFAPrefix + requestID + ":attempts"
}

func (s *Service) storePendingMFA(ctx context.Context, pending *PendingMFA) error {
	if pending.RequestID == "" {
		return errors.New("MFA requirement has no request id")
	}

	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to marshal MFA session: %w", err)
	}

	encrypted, err := s.encryption.Encrypt(string(data))
	if err != nil {
		return fmt.Errorf("failed to encrypt MFA session: %w", err)
	}

	if err := s.redis.SetEX(ctx, MFAPrefix+pending.RequestID, encrypted, MFATTL); err != nil {
		return fmt.Errorf("failed to store MFA session: %w", err)
	}

	return nil
}

func (s *Service) decodePendingMFA(requestID, encrypted string) (*PendingMFA, error) {
	data, err := s.encryption.Decrypt(encrypted)
	if err != nil {
		s.logger.Error("MFA session decryption failed", "request_id", requestID, "error", err)
		return nil, fmt.Errorf("MFA session integrity check failed: %w", err)
	}

	var pending PendingMFA
	if err := json.Unmarshal([]byte(data), &pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MFA session: %w", err)
	}

	return &pending, nil
}

func (s *Service) getPendingMFA(ctx context.Context, requestID string) (*PendingMFA, error) {
	encrypted, err := s.redis.Get(ctx, MFAPrefix+requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get MFA session: %w", err)
	}
	if encrypted == "" {
		return nil, nil
	}
	return s.decodePendingMFA(requestID, encrypted)
}

func (s *Service) consumePendingMFA(ctx context.Context, requestID string) (*PendingMFA, error) {
	encrypted, err := s.redis.AtomicGetAndDelete(ctx, MFAPrefix+requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to consume MFA session: %w", err)
	}
	if encrypted == "" {
		return nil, nil
	}

	if err := s.redis.Delete(ctx, mfaAttemptsKey(requestID)); err != nil {
		s.logger.Warn("Failed to clear MFA attempt counter", "error", err)
	}

	return s.decodePendingMFA(requestID, encrypted)
}

// MFAAttempts returns the failed attempt count for requestID
func (s *Service) MFAAttempts(ctx context.Context, requestID string) (int, error) {
	data, err := s.redis.Get(ctx, mfaAttemptsKey(requestID))
	if err != nil || data == "" {
		return 0, err
	}
	return strconv.Atoi(data)
}

func (s *Service) incrementMFAAttempts(ctx context.Context, requestID string) (int, error) {
	key := mfaAttemptsKey(requestID)

	attempts, err := s.redis.Incr(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to increment MFA attempts: %w", err)
	}

	if attempts == 1 {
		if err := s.redis.Expire(ctx, key, MFATTL); err != nil {
			s.logger.Warn("Failed to set MFA attempt counter expiration")
		}
	}

	return int(attempts), nil
}
