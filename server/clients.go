package server

import (
	"context"
	"errors"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ClientStore resolves a client_id to its registration record.
type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*Client, bool, error)
}

// ClientRegistry is a configuration-backed ClientStore.
type ClientRegistry struct {
	clients map[string]*Client
}

// NewClientRegistry builds the registry from configuration. A client
// without a secret hash is public.
func NewClientRegistry(cfgs []ClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		clients[cfg.ClientID] = &Client{
			ClientID:     cfg.ClientID,
			SecretHash:   cfg.ClientSecretHash,
			RedirectURIs: cfg.RedirectURIs,
			Scopes:       cfg.Scopes,
			Public:       cfg.ClientSecretHash == "",
		}
	}
	return &ClientRegistry{clients: clients}, nil
}

// GetClient retrieves a client registration.
func (cr *ClientRegistry) GetClient(_ context.Context, clientID string) (*Client, bool, error) {
	client, ok := cr.clients[clientID]
	return client, ok, nil
}

// Add registers a client at runtime (tests and dev helpers).
func (cr *ClientRegistry) Add(client *Client) {
	cr.clients[client.ClientID] = client
}

// Authenticate validates client credentials. Confidential clients must
// present the secret matching their stored hash; public clients carry
// no secret and are identified only.
func Authenticate(ctx context.Context, store ClientStore, clientID, clientSecret string) (*Client, error) {
	client, ok, err := store.GetClient(ctx, clientID)
	if err != nil {
		return nil, oauthErr(ErrServerError, "client lookup failed")
	}
	if !ok {
		return nil, oauthErr(ErrUnauthorizedClient, "client authentication failed")
	}
	if client.Public {
		return client, nil
	}
	if clientSecret == "" {
		return nil, oauthErr(ErrUnauthorizedClient, "client authentication failed")
	}
	if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)) != nil {
		return nil, oauthErr(ErrUnauthorizedClient, "client authentication failed")
	}
	return client, nil
}

// ValidRedirect reports whether uri exactly equals a registered
// redirect URI. No prefix or substring matching: a trailing slash is a
// different URI.
func (c *Client) ValidRedirect(uri string) bool {
	if uri == "" {
		return false
	}
	return slices.Contains(c.RedirectURIs, uri)
}

// ValidateScopes ensures every requested scope is allowed for the client.
func (c *Client) ValidateScopes(scope string) bool {
	return scopeSubset(scope, c.Scopes)
}

// FullScope returns the client's complete allowed scope set as a
// space-separated string, used when a request omits scope.
func (c *Client) FullScope() string {
	return strings.Join(c.Scopes, " ")
}

func scopeSubset(scope string, allowed []string) bool {
	for _, sc := range splitScope(scope) {
		if !slices.Contains(allowed, sc) {
			return false
		}
	}
	return true
}

func splitScope(scope string) []string {
	return strings.Fields(scope)
}
