package server

import "time"

// Client records OAuth client metadata. Registrations are immutable at
// runtime; lifecycle is owned by the ClientStore.
type Client struct {
	ClientID     string
	SecretHash   string // bcrypt hash; empty for public clients
	RedirectURIs []string
	Scopes       []string
	Public       bool
}

// User is a resource owner as seen by the authorization server.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Disabled     bool
}

// AuthorizationCode is the payload bound to a single-use code. The code
// string itself is the storage key and never appears in the payload.
type AuthorizationCode struct {
	UserID              string `json:"user_id"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
}

// RefreshToken is the record stored under an opaque refresh token.
type RefreshToken struct {
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenRequest carries the parsed form of a POST /token call. Only the
// fields valid for the request's grant_type are consulted.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// TokenResponse matches the RFC 6749 §5.1 token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}
