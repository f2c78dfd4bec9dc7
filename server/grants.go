package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
)

// Supported grant_type values.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
)

// GrantHandler validates the preconditions of one grant type and mints
// tokens. Any violation surfaces as a typed *Error; there is no partial
// success.
type GrantHandler interface {
	Handle(ctx context.Context, client *Client, req TokenRequest) (TokenResponse, error)
}

// OAuth2Service is the token endpoint facade: it authenticates the
// calling client once, then routes by grant_type.
type OAuth2Service struct {
	clients  ClientStore
	handlers map[string]GrantHandler
	logger   *slog.Logger
}

// NewOAuth2Service wires the three grant handlers.
func NewOAuth2Service(clients ClientStore, tokens *TokenService, logger *slog.Logger) *OAuth2Service {
	return &OAuth2Service{
		clients: clients,
		handlers: map[string]GrantHandler{
			GrantAuthorizationCode: &AuthorizationCodeFlow{tokens: tokens},
			GrantClientCredentials: &ClientCredentialsFlow{tokens: tokens},
			GrantRefreshToken:      &RefreshTokenFlow{tokens: tokens},
		},
		logger: logger,
	}
}

// HandleTokenRequest processes one POST /token call.
func (s *OAuth2Service) HandleTokenRequest(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	if req.ClientID == "" {
		return TokenResponse{}, oauthErr(ErrInvalidRequest, "client identification required")
	}

	client, err := Authenticate(ctx, s.clients, req.ClientID, req.ClientSecret)
	if err != nil {
		return TokenResponse{}, err
	}

	handler, ok := s.handlers[req.GrantType]
	if !ok {
		return TokenResponse{}, oauthErr(ErrUnsupportedGrantType, "grant_type not supported")
	}

	resp, err := handler.Handle(ctx, client, req)
	if err != nil {
		s.logger.Warn("token request rejected",
			"grant_type", req.GrantType,
			"client_id", client.ClientID,
			"error", err)
		return TokenResponse{}, err
	}
	return resp, nil
}

// AuthorizationCodeFlow exchanges a single-use authorization code for
// tokens, enforcing client/redirect binding and PKCE.
type AuthorizationCodeFlow struct {
	tokens *TokenService
}

// Handle implements GrantHandler.
func (f *AuthorizationCodeFlow) Handle(ctx context.Context, client *Client, req TokenRequest) (TokenResponse, error) {
	if req.Code == "" {
		return TokenResponse{}, oauthErr(ErrInvalidRequest, "code required")
	}
	if req.RedirectURI == "" {
		return TokenResponse{}, oauthErr(ErrInvalidRequest, "redirect_uri required")
	}
	if client.Public && req.CodeVerifier == "" {
		return TokenResponse{}, oauthErr(ErrInvalidRequest, "code_verifier required")
	}

	code, ok, err := f.tokens.ConsumeCode(ctx, req.Code)
	if err != nil {
		return TokenResponse{}, err
	}
	if !ok {
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "code invalid, expired, or already used")
	}

	// Binding checks block codes injected across clients or replayed
	// against a different callback.
	if code.ClientID != client.ClientID {
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "code was not issued to this client")
	}
	if code.RedirectURI != req.RedirectURI {
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "redirect_uri mismatch")
	}

	if code.CodeChallenge != "" {
		if err := verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
			return TokenResponse{}, err
		}
	} else if client.Public {
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "code issued without required code_challenge")
	}

	accessToken, err := f.tokens.IssueAccessToken(code.UserID, code.Scope, client.ClientID)
	if err != nil {
		return TokenResponse{}, err
	}
	refreshToken, err := f.tokens.IssueRefreshToken(ctx, code.UserID, client.ClientID, code.Scope)
	if err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(f.tokens.AccessTTL().Seconds()),
		Scope:        code.Scope,
		RefreshToken: refreshToken,
	}, nil
}

// ClientCredentialsFlow mints machine tokens. No user context exists,
// so no refresh token is issued.
type ClientCredentialsFlow struct {
	tokens *TokenService
}

// Handle implements GrantHandler.
func (f *ClientCredentialsFlow) Handle(ctx context.Context, client *Client, req TokenRequest) (TokenResponse, error) {
	if client.Public {
		return TokenResponse{}, oauthErr(ErrUnauthorizedClient, "public clients cannot use client_credentials")
	}

	scope := req.Scope
	if scope == "" {
		scope = client.FullScope()
	} else if !client.ValidateScopes(scope) {
		return TokenResponse{}, oauthErr(ErrInvalidScope, "requested scope exceeds client registration")
	}

	accessToken, err := f.tokens.IssueAccessToken(client.ClientID, scope, client.ClientID)
	if err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(f.tokens.AccessTTL().Seconds()),
		Scope:       scope,
	}, nil
}

// RefreshTokenFlow rotates refresh tokens: the presented token is
// consumed atomically and a successor is issued with the response.
type RefreshTokenFlow struct {
	tokens *TokenService
}

// Handle implements GrantHandler.
func (f *RefreshTokenFlow) Handle(ctx context.Context, client *Client, req TokenRequest) (TokenResponse, error) {
	if req.RefreshToken == "" {
		return TokenResponse{}, oauthErr(ErrInvalidRequest, "refresh_token required")
	}

	record, ok, err := f.tokens.RedeemRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return TokenResponse{}, err
	}
	if !ok {
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "refresh token invalid, expired, or revoked")
	}
	if record.ClientID != client.ClientID {
		// Cross-client use burns the token; the legitimate owner must
		// re-authorize.
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "refresh token was not issued to this client")
	}

	// Scope may narrow but never widen relative to the original grant.
	scope := req.Scope
	if scope == "" {
		scope = record.Scope
	} else if !scopeSubset(scope, splitScope(record.Scope)) {
		return TokenResponse{}, oauthErr(ErrInvalidScope, "requested scope exceeds original grant")
	}

	accessToken, err := f.tokens.IssueAccessToken(record.UserID, scope, client.ClientID)
	if err != nil {
		return TokenResponse{}, err
	}
	// The successor keeps the original grant scope so later refreshes
	// can still narrow differently.
	rotated, err := f.tokens.IssueRefreshToken(ctx, record.UserID, client.ClientID, record.Scope)
	if err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(f.tokens.AccessTTL().Seconds()),
		Scope:        scope,
		RefreshToken: rotated,
	}, nil
}

// verifyPKCE recomputes the challenge from the presented verifier and
// compares in constant time.
func verifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return oauthErr(ErrInvalidRequest, "code_verifier required")
	}
	var computed string
	switch method {
	case PKCEMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	case PKCEMethodPlain:
		computed = verifier
	default:
		return oauthErr(ErrInvalidGrant, "unsupported code_challenge_method")
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return oauthErr(ErrInvalidGrant, "pkce verification failed")
	}
	return nil
}
