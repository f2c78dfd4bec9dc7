package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Store key prefixes. Codes and refresh tokens share one keyed store
// but live in disjoint namespaces.
const (
	codePrefix    = "oauth2:code:"
	refreshPrefix = "oauth2:refresh:"
)

// AccessTokenClaims captures the JWT claims minted and validated here.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues signed access tokens and manages opaque
// authorization codes and refresh tokens through the keyed store.
// It holds no cross-request mutable state.
type TokenService struct {
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	codeTTL    time.Duration
	store      KeyedExpiringStore
	keys       *JWKSManager
	logger     *slog.Logger
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, store KeyedExpiringStore, keys *JWKSManager, logger *slog.Logger) *TokenService {
	return &TokenService{
		issuer:     strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		accessTTL:  cfg.Tokens.AccessTTL.Std(),
		refreshTTL: cfg.Tokens.RefreshTTL.Std(),
		codeTTL:    cfg.Tokens.CodeTTL.Std(),
		store:      store,
		keys:       keys,
		logger:     logger,
	}
}

// AccessTTL reports the configured access token lifetime.
func (ts *TokenService) AccessTTL() time.Duration {
	return ts.accessTTL
}

// GenerateCode stores data under a fresh single-use code, TTL-bounded.
func (ts *TokenService) GenerateCode(ctx context.Context, data AuthorizationCode) (string, error) {
	code, err := newOpaqueToken()
	if err != nil {
		return "", ts.storeFault("generate code", err)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", ts.storeFault("encode code", err)
	}
	if err := ts.store.Put(ctx, codePrefix+code, payload, ts.codeTTL); err != nil {
		return "", ts.storeFault("store code", err)
	}
	return code, nil
}

// ConsumeCode atomically fetches and destroys an authorization code.
// Two concurrent calls on the same code yield exactly one ok=true.
func (ts *TokenService) ConsumeCode(ctx context.Context, code string) (*AuthorizationCode, bool, error) {
	payload, ok, err := ts.store.GetDel(ctx, codePrefix+code)
	if err != nil {
		return nil, false, ts.storeFault("consume code", err)
	}
	if !ok {
		return nil, false, nil
	}
	var data AuthorizationCode
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, false, ts.storeFault("decode code", err)
	}
	return &data, true, nil
}

// IssueAccessToken builds and signs the claim set
// {iss, sub, scope, client_id, jti, iat, exp}.
func (ts *TokenService) IssueAccessToken(subject, scope, clientID string) (string, error) {
	now := time.Now()
	claims := AccessTokenClaims{
		Scope:    scope,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
		},
	}
	signed, err := ts.keys.Sign(claims)
	if err != nil {
		return "", oauthErr(ErrServerError, "failed to sign access token")
	}
	return signed, nil
}

// ValidateAccessToken verifies signature, shape, and expiry.
func (ts *TokenService) ValidateAccessToken(token string) (*AccessTokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &AccessTokenClaims{}, ts.keys.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := parsed.Claims.(*AccessTokenClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Issuer != ts.issuer {
		return nil, fmt.Errorf("invalid token: issuer mismatch")
	}
	return claims, nil
}

// IssueRefreshToken stores an opaque refresh token bound to the user,
// client, and granted scope.
func (ts *TokenService) IssueRefreshToken(ctx context.Context, userID, clientID, scope string) (string, error) {
	token, err := newOpaqueToken()
	if err != nil {
		return "", ts.storeFault("generate refresh token", err)
	}
	now := time.Now()
	record := RefreshToken{
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(ts.refreshTTL),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", ts.storeFault("encode refresh token", err)
	}
	if err := ts.store.Put(ctx, refreshPrefix+token, payload, ts.refreshTTL); err != nil {
		return "", ts.storeFault("store refresh token", err)
	}
	return token, nil
}

// RedeemRefreshToken atomically consumes a refresh token. A redeemed,
// revoked, expired, or unknown token is simply absent: ok=false. The
// consumed token is gone before this returns, so replay of the same
// token can never succeed twice.
func (ts *TokenService) RedeemRefreshToken(ctx context.Context, token string) (*RefreshToken, bool, error) {
	payload, ok, err := ts.store.GetDel(ctx, refreshPrefix+token)
	if err != nil {
		return nil, false, ts.storeFault("redeem refresh token", err)
	}
	if !ok {
		return nil, false, nil
	}
	var record RefreshToken
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, false, ts.storeFault("decode refresh token", err)
	}
	// The store TTL already bounds the lifetime; the recorded expiry
	// guards against a store with looser expiration.
	if time.Now().After(record.ExpiresAt) {
		return nil, false, nil
	}
	return &record, true, nil
}

// RevokeRefreshToken removes a refresh token. Idempotent.
func (ts *TokenService) RevokeRefreshToken(ctx context.Context, token string) error {
	if err := ts.store.Delete(ctx, refreshPrefix+token); err != nil {
		return ts.storeFault("revoke refresh token", err)
	}
	return nil
}

// storeFault logs the underlying failure and fails closed: no token is
// ever emitted on uncertain store state.
func (ts *TokenService) storeFault(op string, err error) *Error {
	ts.logger.Error("token store failure", "op", op, "error", err)
	return oauthErr(ErrServerError, "authorization store unavailable")
}

// newOpaqueToken returns a URL-safe random string with 256 bits of
// entropy.
func newOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
