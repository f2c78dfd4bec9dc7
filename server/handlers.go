package server

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     KeyedExpiringStore
	Tokens    *TokenService
	JWKS      *JWKSManager
	Clients   *ClientRegistry
	Users     *UserRegistry
	OAuth2    *OAuth2Service
	Authorize *AuthorizeService
}

// NewApp wires together the application state from configuration.
// Dev mode runs against the in-memory store; otherwise codes and
// refresh tokens live in Redis so the service scales horizontally.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	jwks, err := NewJWKSManager(cfg.Server.SecretsPath, logger)
	if err != nil {
		return nil, err
	}

	var store KeyedExpiringStore
	if cfg.Server.DevMode {
		store = NewInMemoryStore()
	} else {
		redisStore, err := NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		store = redisStore
	}

	clients, err := NewClientRegistry(cfg.Clients)
	if err != nil {
		return nil, err
	}
	users, err := NewUserRegistry(cfg.Users)
	if err != nil {
		return nil, err
	}

	tokens := NewTokenService(cfg, store, jwks, logger)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Tokens:    tokens,
		JWKS:      jwks,
		Clients:   clients,
		Users:     users,
		OAuth2:    NewOAuth2Service(clients, tokens, logger),
		Authorize: NewAuthorizeService(clients, users, tokens, logger),
	}, nil
}

func (a *App) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.JWKS.PublicJWKS())
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauthErr(ErrInvalidRequest, "invalid form body"))
		return
	}

	req := TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
	}
	// HTTP Basic wins over body credentials when both are present.
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID, req.ClientSecret = id, secret
	} else {
		req.ClientID = r.PostFormValue("client_id")
		req.ClientSecret = r.PostFormValue("client_secret")
	}

	resp, err := a.OAuth2.HandleTokenRequest(r.Context(), req)
	if err != nil {
		writeOAuthError(w, AsOAuthError(err))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleAuthorizeGet(w http.ResponseWriter, r *http.Request) {
	req, err := a.Authorize.Validate(r.Context(), r.URL.Query())
	if err != nil {
		a.authorizeError(w, r, req, AsOAuthError(err))
		return
	}

	a.renderConsent(w, req)
}

func (a *App) handleAuthorizePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauthErr(ErrInvalidRequest, "invalid form body"))
		return
	}

	req, err := a.Authorize.Validate(r.Context(), r.PostForm)
	if err != nil {
		a.authorizeError(w, r, req, AsOAuthError(err))
		return
	}

	form := ConsentForm{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
		Consent:  parseConsent(r.PostFormValue("consent")),
	}

	location, err := a.Authorize.Consent(r.Context(), req, form)
	if err != nil {
		a.authorizeError(w, r, req, AsOAuthError(err))
		return
	}

	http.Redirect(w, r, location, http.StatusFound)
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauthErr(ErrInvalidRequest, "invalid form body"))
		return
	}
	if _, err := a.authenticateCaller(r); err != nil {
		writeOAuthError(w, AsOAuthError(err))
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		writeOAuthError(w, oauthErr(ErrInvalidRequest, "token required"))
		return
	}

	claims, err := a.Tokens.ValidateAccessToken(token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	resp := map[string]any{
		"active":    true,
		"sub":       claims.Subject,
		"scope":     claims.Scope,
		"client_id": claims.ClientID,
		"iss":       claims.Issuer,
		"jti":       claims.ID,
	}
	if claims.IssuedAt != nil {
		resp["iat"] = claims.IssuedAt.Unix()
	}
	if claims.ExpiresAt != nil {
		resp["exp"] = claims.ExpiresAt.Unix()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauthErr(ErrInvalidRequest, "invalid form body"))
		return
	}
	if _, err := a.authenticateCaller(r); err != nil {
		writeOAuthError(w, AsOAuthError(err))
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		writeOAuthError(w, oauthErr(ErrInvalidRequest, "token required"))
		return
	}

	// Idempotent: revoking an unknown or already-revoked token is a
	// success per RFC 7009.
	if err := a.Tokens.RevokeRefreshToken(r.Context(), token); err != nil {
		writeOAuthError(w, AsOAuthError(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *App) authenticateCaller(r *http.Request) (*Client, error) {
	id, secret, ok := r.BasicAuth()
	if !ok {
		id = r.PostFormValue("client_id")
		secret = r.PostFormValue("client_secret")
	}
	if id == "" {
		return nil, oauthErr(ErrInvalidRequest, "client identification required")
	}
	return Authenticate(r.Context(), a.Clients, id, secret)
}

// authorizeError delivers an /authorize failure. Errors redirect to the
// client only once the redirect URI has been validated; before that the
// caller gets a JSON error because the target cannot be trusted.
func (a *App) authorizeError(w http.ResponseWriter, r *http.Request, req AuthorizeRequest, e *Error) {
	a.Logger.Warn("authorize request rejected", "error", e)
	if req.RedirectURI != "" {
		if location, ok := buildErrorRedirect(req.RedirectURI, e, req.State); ok {
			http.Redirect(w, r, location, http.StatusFound)
			return
		}
	}
	writeOAuthError(w, e)
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorize {{.ClientID}}</title></head>
<body>
  <h1>Sign in</h1>
  <p>{{.ClientID}} is requesting access to: {{.Scope}}</p>
  <form method="post" action="/authorize">
    <input type="hidden" name="response_type" value="code">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <label>Username <input type="text" name="username"></label>
    <label>Password <input type="password" name="password"></label>
    <button type="submit" name="consent" value="true">Allow</button>
    <button type="submit" name="consent" value="false">Deny</button>
  </form>
</body>
</html>
`))

type consentPage struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

func (a *App) renderConsent(w http.ResponseWriter, req AuthorizeRequest) {
	page := consentPage{
		ClientID:            req.Client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := consentTemplate.Execute(w, page); err != nil {
		a.Logger.Error("render consent page", "error", err)
	}
}

func parseConsent(v string) bool {
	return v == "true" || v == "on" || v == "1"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, e *Error) {
	writeJSON(w, e.HTTPStatus(), map[string]string{
		"error":             string(e.Kind),
		"error_description": e.Description,
	})
}
