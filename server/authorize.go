package server

import (
	"context"
	"log/slog"
	"net/url"
)

// PKCE code_challenge_method values per RFC 7636.
const (
	PKCEMethodPlain = "plain"
	PKCEMethodS256  = "S256"
)

// AuthorizeRequest holds the validated parameters of an /authorize call.
type AuthorizeRequest struct {
	Client              *Client
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ConsentForm is the user-submitted half of POST /authorize.
type ConsentForm struct {
	Username string
	Password string
	Consent  bool
}

// AuthorizeService validates /authorize requests and turns an approved
// consent into a single-use authorization code.
type AuthorizeService struct {
	clients ClientStore
	users   UserStore
	tokens  *TokenService
	logger  *slog.Logger
}

// NewAuthorizeService constructs the service.
func NewAuthorizeService(clients ClientStore, users UserStore, tokens *TokenService, logger *slog.Logger) *AuthorizeService {
	return &AuthorizeService{clients: clients, users: users, tokens: tokens, logger: logger}
}

// Validate checks the /authorize query or form parameters. Errors carry
// a typed kind; the HTTP layer decides whether the redirect target is
// trustworthy enough to receive them.
func (as *AuthorizeService) Validate(ctx context.Context, q url.Values) (AuthorizeRequest, error) {
	clientID := q.Get("client_id")
	if clientID == "" {
		return AuthorizeRequest{}, oauthErr(ErrInvalidRequest, "client_id required")
	}

	client, ok, err := as.clients.GetClient(ctx, clientID)
	if err != nil {
		return AuthorizeRequest{}, oauthErr(ErrServerError, "client lookup failed")
	}
	if !ok {
		return AuthorizeRequest{}, oauthErr(ErrUnauthorizedClient, "unknown client")
	}

	// Exact membership only: https://a/cb and https://a/cb/ are
	// different URIs. Anything else invites open redirects.
	redirectURI := q.Get("redirect_uri")
	if !client.ValidRedirect(redirectURI) {
		return AuthorizeRequest{Client: client}, oauthErr(ErrInvalidRequest, "redirect_uri is not registered for this client")
	}

	req := AuthorizeRequest{
		Client:      client,
		RedirectURI: redirectURI,
		State:       q.Get("state"),
	}

	if q.Get("response_type") != "code" {
		return req, oauthErr(ErrUnsupportedResponseType, "response_type must be code")
	}

	scope := q.Get("scope")
	if scope == "" {
		scope = client.FullScope()
	} else if !client.ValidateScopes(scope) {
		return req, oauthErr(ErrInvalidScope, "requested scope exceeds client registration")
	}
	req.Scope = scope

	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if challenge != "" && method == "" {
		method = PKCEMethodPlain
	}
	if client.Public && challenge == "" {
		return req, oauthErr(ErrInvalidRequest, "code_challenge required for public clients")
	}
	if challenge != "" && method != PKCEMethodPlain && method != PKCEMethodS256 {
		return req, oauthErr(ErrInvalidRequest, "code_challenge_method must be plain or S256")
	}
	req.CodeChallenge = challenge
	req.CodeChallengeMethod = method

	return req, nil
}

// Consent authenticates the resource owner and, on approval, issues a
// code and builds the success redirect. Refusal and failed user
// authentication are normal control-flow outcomes delivered to the
// (already validated) redirect URI.
func (as *AuthorizeService) Consent(ctx context.Context, req AuthorizeRequest, form ConsentForm) (string, error) {
	user, err := AuthenticateUser(ctx, as.users, form.Username, form.Password)
	if err != nil {
		return "", err
	}

	if !form.Consent {
		return "", oauthErr(ErrAccessDenied, "resource owner denied the request")
	}

	code, err := as.tokens.GenerateCode(ctx, AuthorizationCode{
		UserID:              user.ID,
		ClientID:            req.Client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if err != nil {
		return "", err
	}

	as.logger.Info("authorization code issued",
		"client_id", req.Client.ClientID,
		"user_id", user.ID,
		"scope", req.Scope)

	return buildCodeRedirect(req.RedirectURI, code, req.State)
}

func buildCodeRedirect(redirectURI, code, state string) (string, error) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		return "", oauthErr(ErrServerError, "registered redirect_uri is malformed")
	}
	values := target.Query()
	values.Set("code", code)
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	return target.String(), nil
}

func buildErrorRedirect(redirectURI string, e *Error, state string) (string, bool) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		return "", false
	}
	values := target.Query()
	values.Set("error", string(e.Kind))
	if e.Description != "" {
		values.Set("error_description", e.Description)
	}
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	return target.String(), true
}
