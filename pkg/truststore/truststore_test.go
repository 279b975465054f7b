package truststore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/go-jose/go-jose/v4"
)

// memSource is an in-memory Source for tests, avoiding filesystem fixtures.
type memSource struct {
	data map[string]jose.JSONWebKeySet
}

func (m memSource) Load(ctx context.Context) (map[string]jose.JSONWebKeySet, error) {
	return m.data, nil
}

func rsaJWK(t *testing.T, kid string) jose.JSONWebKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	return jose.JSONWebKey{Key: &key.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
}

func TestLookup_KnownIssuerAndKey(t *testing.T) {
	jwk := rsaJWK(t, "key-1")
	src := memSource{data: map[string]jose.JSONWebKeySet{
		"https://issuer.example": {Keys: []jose.JSONWebKey{jwk}},
	}}
	store, err := New(context.Background(), src)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	got, err := store.Lookup("https://issuer.example", "key-1")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if got.KeyID != "key-1" {
		t.Errorf("KeyID = %q, want key-1", got.KeyID)
	}
	if got.Algorithm != RS256 {
		t.Errorf("Algorithm = %q, want RS256", got.Algorithm)
	}
}

func TestLookup_UnknownIssuer(t *testing.T) {
	store, err := New(context.Background(), memSource{data: map[string]jose.JSONWebKeySet{}})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	_, err = store.Lookup("https://nope.example", "key-1")
	if err == nil {
		t.Fatal("expected an error for an unknown issuer")
	}
	var lerr *LookupError
	if le, ok := err.(*LookupError); ok {
		lerr = le
	} else {
		t.Fatalf("expected a *LookupError, got %T", err)
	}
	if !lerr.IssuerUnknown {
		t.Error("expected IssuerUnknown to be true")
	}
}

func TestLookup_UnknownKeyForKnownIssuer(t *testing.T) {
	jwk := rsaJWK(t, "key-1")
	src := memSource{data: map[string]jose.JSONWebKeySet{
		"https://issuer.example": {Keys: []jose.JSONWebKey{jwk}},
	}}
	store, err := New(context.Background(), src)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	_, err = store.Lookup("https://issuer.example", "key-missing")
	if err == nil {
		t.Fatal("expected an error for an unknown key")
	}
	lerr, ok := err.(*LookupError)
	if !ok {
		t.Fatalf("expected a *LookupError, got %T", err)
	}
	if lerr.IssuerUnknown {
		t.Error("expected IssuerUnknown to be false for a known issuer")
	}
	if !lerr.KeyUnknown {
		t.Error("expected KeyUnknown to be true")
	}
}

func TestReload_SwapsSnapshotAtomically(t *testing.T) {
	jwk1 := rsaJWK(t, "key-1")
	src := &memSource{data: map[string]jose.JSONWebKeySet{
		"https://issuer.example": {Keys: []jose.JSONWebKey{jwk1}},
	}}
	store, err := New(context.Background(), src)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := store.Lookup("https://issuer.example", "key-1"); err != nil {
		t.Fatalf("expected key-1 to resolve before reload: %v", err)
	}

	jwk2 := rsaJWK(t, "key-2")
	src.data = map[string]jose.JSONWebKeySet{
		"https://issuer.example": {Keys: []jose.JSONWebKey{jwk2}},
	}
	if err := store.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	if _, err := store.Lookup("https://issuer.example", "key-1"); err == nil {
		t.Error("expected key-1 to no longer resolve after reload replaced the key set")
	}
	if _, err := store.Lookup("https://issuer.example", "key-2"); err != nil {
		t.Errorf("expected key-2 to resolve after reload: %v", err)
	}
}
