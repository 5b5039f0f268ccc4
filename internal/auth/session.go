// Package auth implements identity, session issuance, and capability
// resolution (spec.md §4.1, C1). Bearer tokens are self-signed HMAC-SHA256,
// with signing keys persisted in Postgres so tokens survive restarts and are
// shared across replicas — adapted from the teacher's BuiltinAuthHandler.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/apperr"
	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/store"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Claims are the payload carried inside a session token.
type Claims struct {
	Sub string `json:"sub"` // user ID
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

// Sessions issues and verifies bearer session tokens and verifies login
// credentials. One instance is shared by the HTTP layer's Authenticate
// middleware and the /auth/session handler.
type Sessions struct {
	store    store.Store
	logger   *zap.SugaredLogger
	tokenTTL time.Duration
}

func NewSessions(s store.Store, logger *zap.SugaredLogger, tokenTTL time.Duration) *Sessions {
	return &Sessions{store: s, logger: logger, tokenTTL: tokenTTL}
}

// EnsureSigningKey guarantees an active signing key exists at boot, mirroring
// the teacher's ensureSigningKey.
func (s *Sessions) EnsureSigningKey(ctx context.Context) error {
	existing, err := s.store.GetActiveSigningKey(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		s.logger.Infof("session signing key loaded (kid=%s, created=%s)", existing.KID, existing.CreatedAt.Format(time.RFC3339))
		return nil
	}
	key, err := s.store.RotateSigningKey(ctx, s.tokenTTL)
	if err != nil {
		return fmt.Errorf("create initial signing key: %w", err)
	}
	s.logger.Infof("session signing key created (kid=%s)", key.KID)
	return nil
}

// RotateSigningKey retires the current key after gracePeriod and activates a
// new one; in-flight tokens signed with the old key keep verifying until it
// expires.
func (s *Sessions) RotateSigningKey(ctx context.Context, gracePeriod time.Duration) (*store.SigningKey, error) {
	return s.store.RotateSigningKey(ctx, gracePeriod)
}

// Authenticate verifies a userID/password pair against the stored bcrypt
// hash and returns the user on success.
func (s *Sessions) Authenticate(ctx context.Context, userID, password string) (*model.User, error) {
	hash, err := s.store.GetUserCredentialHash(ctx, userID)
	if err != nil {
		return nil, apperr.New(apperr.Unauthenticated, "invalid credentials")
	}
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, apperr.New(apperr.Unauthenticated, "invalid credentials")
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, apperr.New(apperr.Unauthenticated, "invalid credentials")
	}
	if !user.Active {
		return nil, apperr.New(apperr.Forbidden, "account disabled")
	}
	return user, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	return string(hash), err
}

// Issue mints a bearer session token for the given user, signed with the
// currently active key.
func (s *Sessions) Issue(ctx context.Context, userID string) (token string, expiresAt time.Time, err error) {
	key, err := s.store.GetActiveSigningKey(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("get signing key: %w", err)
	}
	if key == nil {
		return "", time.Time{}, fmt.Errorf("no active signing key")
	}

	now := time.Now()
	exp := now.Add(s.tokenTTL)
	claims := Claims{Sub: userID, Iat: now.Unix(), Exp: exp.Unix()}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", time.Time{}, err
	}

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT","kid":"` + key.KID + `"}`))
	payload := base64.RawURLEncoding.EncodeToString(claimsJSON)
	signingInput := header + "." + payload

	mac := hmac.New(sha256.New, key.Secret)
	mac.Write([]byte(signingInput))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return signingInput + "." + sig, exp, nil
}

// Verify checks a bearer token's signature and expiry, returning its claims.
func (s *Sessions) Verify(ctx context.Context, token string) (*Claims, error) {
	parts := strings.SplitN(token, ".", 3)
	if len(parts) != 3 {
		return nil, apperr.New(apperr.Unauthenticated, "malformed session token")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, apperr.New(apperr.Unauthenticated, "malformed session token")
	}
	var header struct {
		KID string `json:"kid"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, apperr.New(apperr.Unauthenticated, "malformed session token")
	}

	key, err := s.store.GetSigningKeyByID(ctx, header.KID)
	if err != nil {
		return nil, apperr.New(apperr.Unauthenticated, "unknown signing key")
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, apperr.New(apperr.Unauthenticated, "signing key retired")
	}

	signingInput := parts[0] + "." + parts[1]
	mac := hmac.New(sha256.New, key.Secret)
	mac.Write([]byte(signingInput))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(parts[2]), []byte(expected)) {
		return nil, apperr.New(apperr.Unauthenticated, "signature verification failed")
	}

	claimsBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, apperr.New(apperr.Unauthenticated, "malformed session token")
	}
	var claims Claims
	if err := json.Unmarshal(claimsBytes, &claims); err != nil {
		return nil, apperr.New(apperr.Unauthenticated, "malformed session token")
	}
	if claims.Exp > 0 && time.Now().Unix() > claims.Exp {
		return nil, apperr.New(apperr.Unauthenticated, "session token expired")
	}
	return &claims, nil
}
