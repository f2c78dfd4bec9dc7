package server

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"
)

func newTestAuthorizeService(t *testing.T) (*AuthorizeService, *TokenService) {
	t.Helper()
	tokens := newTestTokenService(t)

	clients, err := NewClientRegistry([]ClientConfig{
		{
			ClientID:         "auth-code-client",
			ClientSecretHash: hashSecret(t, "auth-code-secret-123"),
			RedirectURIs:     []string{"http://localhost:8001/callback", "http://127.0.0.1:8001/callback"},
			Scopes:           []string{"get_admin_info", "get_user_info"},
		},
		{
			ClientID:     "pkce-public-client",
			RedirectURIs: []string{"http://localhost:8002/callback"},
			Scopes:       []string{"get_user_info"},
		},
	})
	if err != nil {
		t.Fatalf("NewClientRegistry: %v", err)
	}

	users, err := NewUserRegistry([]UserConfig{
		{ID: "u1", Username: "alice", PasswordHash: hashSecret(t, "123")},
		{ID: "u2", Username: "bob", PasswordHash: hashSecret(t, "123"), Disabled: true},
	})
	if err != nil {
		t.Fatalf("NewUserRegistry: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAuthorizeService(clients, users, tokens, logger), tokens
}

func authorizeQuery(overrides map[string]string) url.Values {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", "auth-code-client")
	q.Set("redirect_uri", "http://localhost:8001/callback")
	q.Set("scope", "get_user_info")
	q.Set("state", "xyz")
	for k, v := range overrides {
		if v == "" {
			q.Del(k)
		} else {
			q.Set(k, v)
		}
	}
	return q
}

func TestAuthorizeValidate(t *testing.T) {
	svc, _ := newTestAuthorizeService(t)
	ctx := context.Background()

	req, err := svc.Validate(ctx, authorizeQuery(nil))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if req.Client.ClientID != "auth-code-client" || req.Scope != "get_user_info" || req.State != "xyz" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestAuthorizeValidateRejections(t *testing.T) {
	svc, _ := newTestAuthorizeService(t)
	ctx := context.Background()

	cases := []struct {
		name      string
		overrides map[string]string
		kind      ErrorKind
		// redirectable reports whether the validated redirect URI
		// survives, which is what lets the HTTP layer redirect the error.
		redirectable bool
	}{
		{"missing client_id", map[string]string{"client_id": ""}, ErrInvalidRequest, false},
		{"unknown client", map[string]string{"client_id": "nobody"}, ErrUnauthorizedClient, false},
		{"unregistered redirect", map[string]string{"redirect_uri": "http://evil.example/cb"}, ErrInvalidRequest, false},
		{"trailing slash is a different URI", map[string]string{"redirect_uri": "http://localhost:8001/callback/"}, ErrInvalidRequest, false},
		{"missing redirect", map[string]string{"redirect_uri": ""}, ErrInvalidRequest, false},
		{"wrong response_type", map[string]string{"response_type": "token"}, ErrUnsupportedResponseType, true},
		{"scope beyond registration", map[string]string{"scope": "get_user_info root"}, ErrInvalidScope, true},
		{"bad challenge method", map[string]string{"code_challenge": "abc", "code_challenge_method": "S512"}, ErrInvalidRequest, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := svc.Validate(ctx, authorizeQuery(tc.overrides))
			if kind := errKind(t, err); kind != tc.kind {
				t.Fatalf("expected %s, got %s", tc.kind, kind)
			}
			if got := req.RedirectURI != ""; got != tc.redirectable {
				t.Fatalf("redirectable=%v, want %v", got, tc.redirectable)
			}
		})
	}
}

func TestAuthorizeValidateScopeDefaultsToRegistration(t *testing.T) {
	svc, _ := newTestAuthorizeService(t)

	req, err := svc.Validate(context.Background(), authorizeQuery(map[string]string{"scope": ""}))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if req.Scope != "get_admin_info get_user_info" {
		t.Fatalf("expected registered scopes as default, got %q", req.Scope)
	}
}

func TestAuthorizeValidatePKCERules(t *testing.T) {
	svc, _ := newTestAuthorizeService(t)
	ctx := context.Background()

	// Public clients must send a challenge.
	q := authorizeQuery(map[string]string{
		"client_id":    "pkce-public-client",
		"redirect_uri": "http://localhost:8002/callback",
	})
	_, err := svc.Validate(ctx, q)
	if kind := errKind(t, err); kind != ErrInvalidRequest {
		t.Fatalf("expected invalid_request for missing challenge, got %s", kind)
	}

	// A challenge without a method defaults to plain.
	req, err := svc.Validate(ctx, authorizeQuery(map[string]string{"code_challenge": "abc"}))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if req.CodeChallengeMethod != PKCEMethodPlain {
		t.Fatalf("expected plain default, got %q", req.CodeChallengeMethod)
	}
}

func TestConsentIssuesRedeemableCode(t *testing.T) {
	svc, tokens := newTestAuthorizeService(t)
	ctx := context.Background()

	req, err := svc.Validate(ctx, authorizeQuery(map[string]string{
		"code_challenge":        s256Challenge("some-verifier-0123456789"),
		"code_challenge_method": PKCEMethodS256,
	}))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	location, err := svc.Consent(ctx, req, ConsentForm{Username: "alice", Password: "123", Consent: true})
	if err != nil {
		t.Fatalf("Consent: %v", err)
	}

	target, err := url.Parse(location)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if !strings.HasPrefix(location, "http://localhost:8001/callback?") {
		t.Fatalf("unexpected redirect target %q", location)
	}
	if target.Query().Get("state") != "xyz" {
		t.Fatalf("state not echoed: %q", location)
	}

	code := target.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %q", location)
	}
	data, ok, err := tokens.ConsumeCode(ctx, code)
	if err != nil || !ok {
		t.Fatalf("issued code did not redeem: ok=%v err=%v", ok, err)
	}
	if data.UserID != "u1" || data.ClientID != "auth-code-client" || data.Scope != "get_user_info" {
		t.Fatalf("unexpected code payload: %+v", data)
	}
	if data.CodeChallenge != s256Challenge("some-verifier-0123456789") || data.CodeChallengeMethod != PKCEMethodS256 {
		t.Fatalf("challenge not bound to code: %+v", data)
	}
}

func TestConsentDenied(t *testing.T) {
	svc, _ := newTestAuthorizeService(t)
	ctx := context.Background()

	req, err := svc.Validate(ctx, authorizeQuery(nil))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	_, err = svc.Consent(ctx, req, ConsentForm{Username: "alice", Password: "123", Consent: false})
	if kind := errKind(t, err); kind != ErrAccessDenied {
		t.Fatalf("expected access_denied, got %s", kind)
	}
}

func TestConsentAuthenticationFailures(t *testing.T) {
	svc, _ := newTestAuthorizeService(t)
	ctx := context.Background()

	req, err := svc.Validate(ctx, authorizeQuery(nil))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cases := []struct {
		name string
		form ConsentForm
	}{
		{"wrong password", ConsentForm{Username: "alice", Password: "wrong", Consent: true}},
		{"unknown user", ConsentForm{Username: "mallory", Password: "123", Consent: true}},
		{"disabled user", ConsentForm{Username: "bob", Password: "123", Consent: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Consent(ctx, req, tc.form)
			if kind := errKind(t, err); kind != ErrAccessDenied {
				t.Fatalf("expected access_denied, got %s", kind)
			}
		})
	}
}
