package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type signingKey struct {
	priv *rsa.PrivateKey
	jwk  jose.JSONWebKey
	kid  string
}

// JWKSManager owns the RS256 signing keys and their JWKS exposure.
// Tokens signed with the previous key stay verifiable for one rotation
// interval.
type JWKSManager struct {
	mu       sync.RWMutex
	current  signingKey
	previous *signingKey
	path     string
	logger   *slog.Logger
}

// NewJWKSManager loads keys from disk or generates a fresh pair.
func NewJWKSManager(path string, logger *slog.Logger) (*JWKSManager, error) {
	m := &JWKSManager{path: path, logger: logger}

	if path != "" {
		if err := m.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
	}
	if m.current.priv == nil {
		if err := m.Rotate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartRotation rotates the signing key on the given interval until the
// context-free stop channel closes.
func (m *JWKSManager) StartRotation(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Rotate(); err != nil {
					m.logger.Error("signing key rotation failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs claims with the current key, stamping its kid header.
func (m *JWKSManager) Sign(claims jwt.Claims) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.current.kid
	return token.SignedString(m.current.priv)
}

// Keyfunc resolves the verification key during JWT validation.
func (m *JWKSManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == "" || kid == m.current.kid {
		return &m.current.priv.PublicKey, nil
	}
	if m.previous != nil && m.previous.kid == kid {
		return &m.previous.priv.PublicKey, nil
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

// PublicJWKS exposes the public half of current and previous keys.
func (m *JWKSManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.jwk.Public()}
	if m.previous != nil {
		keys = append(keys, m.previous.jwk.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

// Rotate generates a new key pair, demoting the current key.
func (m *JWKSManager) Rotate() error {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	kid := uuid.NewString()
	key := signingKey{
		priv: priv,
		jwk:  jose.JSONWebKey{Key: priv, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"},
		kid:  kid,
	}

	m.mu.Lock()
	if m.current.priv != nil {
		prev := m.current
		m.previous = &prev
	}
	m.current = key
	m.mu.Unlock()

	if m.path != "" {
		return m.persist()
	}
	return nil
}

func (m *JWKSManager) persist() error {
	m.mu.RLock()
	keys := []jose.JSONWebKey{m.current.jwk}
	if m.previous != nil {
		keys = append(keys, m.previous.jwk)
	}
	m.mu.RUnlock()

	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.path, payload, 0o600)
}

func (m *JWKSManager) load() error {
	payload, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	for i, jwk := range set.Keys {
		priv, ok := jwk.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		key := signingKey{priv: priv, jwk: jwk, kid: jwk.KeyID}
		if i == 0 {
			m.current = key
		} else if m.previous == nil {
			m.previous = &key
		}
	}
	if m.current.priv == nil {
		return errors.New("no usable signing key in key set")
	}
	return nil
}
