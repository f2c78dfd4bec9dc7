package server

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJWKSRotationKeepsPreviousKeyVerifiable(t *testing.T) {
	ts := newTestTokenService(t)

	token, err := ts.IssueAccessToken("u1", "get_user_info", "")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	if err := ts.keys.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// Tokens signed by the demoted key still verify.
	if _, err := ts.ValidateAccessToken(token); err != nil {
		t.Fatalf("token signed before rotation must stay valid: %v", err)
	}

	// New tokens come from the new key and also verify.
	fresh, err := ts.IssueAccessToken("u1", "get_user_info", "")
	if err != nil {
		t.Fatalf("IssueAccessToken after rotation: %v", err)
	}
	if _, err := ts.ValidateAccessToken(fresh); err != nil {
		t.Fatalf("ValidateAccessToken after rotation: %v", err)
	}

	// Two rotations later the original key is gone.
	if err := ts.keys.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := ts.ValidateAccessToken(token); err == nil {
		t.Fatalf("token from a retired key must fail validation")
	}
}

func TestJWKSPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwks.json")

	first, err := NewJWKSManager(path, discardLogger())
	if err != nil {
		t.Fatalf("NewJWKSManager: %v", err)
	}
	kid := first.PublicJWKS().Keys[0].KeyID

	second, err := NewJWKSManager(path, discardLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := second.PublicJWKS().Keys[0].KeyID; got != kid {
		t.Fatalf("reloaded kid %q, want %q", got, kid)
	}
}

func TestJWKSPublicSetHasNoPrivateMaterial(t *testing.T) {
	m, err := NewJWKSManager("", discardLogger())
	if err != nil {
		t.Fatalf("NewJWKSManager: %v", err)
	}
	if err := m.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	set := m.PublicJWKS()
	if len(set.Keys) != 2 {
		t.Fatalf("expected current and previous keys, got %d", len(set.Keys))
	}
	for _, key := range set.Keys {
		if !key.IsPublic() {
			t.Fatalf("JWKS leaked a private key (kid %s)", key.KeyID)
		}
		if key.Use != "sig" || key.Algorithm != "RS256" {
			t.Fatalf("unexpected key metadata: use=%q alg=%q", key.Use, key.Algorithm)
		}
	}
}
