// Package truststore maps issuer_id -> {key_id -> public key} for AP2
// signature verification. It performs no network I/O on the verification
// hot path: material is loaded once from a configured source and swapped
// atomically on Reload, the same single-writer/reader-preferring discipline
// the spec requires of in-memory caches.
package truststore

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/go-jose/go-jose/v4"
)

// Algorithm is one of the six JWS algorithms the vault accepts.
type Algorithm string

const (
	RS256 Algorithm = "RS256"
	RS384 Algorithm = "RS384"
	RS512 Algorithm = "RS512"
	ES256 Algorithm = "ES256"
	ES384 Algorithm = "ES384"
	ES512 Algorithm = "ES512"
)

// Key is one verification key within an issuer's key set.
type Key struct {
	KeyID     string
	Algorithm Algorithm
	Public    crypto.PublicKey
}

// LookupError distinguishes an unknown issuer from an unknown key within a
// known issuer, per spec.md §4.1.
type LookupError struct {
	IssuerUnknown bool
	KeyUnknown    bool
	Issuer        string
	KeyID         string
}

func (e *LookupError) Error() string {
	if e.IssuerUnknown {
		return fmt.Sprintf("truststore: issuer %q unknown", e.Issuer)
	}
	return fmt.Sprintf("truststore: key %q unknown for issuer %q", e.KeyID, e.Issuer)
}

// Source loads raw per-issuer JWKS material keyed by issuer_id. Typical
// implementations read a directory or object-storage prefix of
// "<issuer>.json" JWKS documents; Source is intentionally narrow so the
// loading mechanism stays swappable without touching Store.
type Source interface {
	Load(ctx context.Context) (map[string]jose.JSONWebKeySet, error)
}

// FileSource loads one JWKS file per issuer from a directory, the file
// named "<issuer>.json". It satisfies spec.md §6.2's
// TRUSTSTORE_SOURCE option when that option names a filesystem path.
type FileSource struct {
	Dir  string
	// Issuers optionally restricts the load to a known issuer->filename map;
	// when nil, the directory is scanned for "*.json" and the file's stem is
	// taken verbatim as the issuer id; no unescaping is applied.
	Issuers map[string]string
}

func (f FileSource) Load(ctx context.Context) (map[string]jose.JSONWebKeySet, error) {
	out := make(map[string]jose.JSONWebKeySet)
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading truststore dir %q: %w", f.Dir, err)
	}
	names := f.Issuers
	if names == nil {
		names = map[string]string{}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			names[strings.TrimSuffix(e.Name(), ".json")] = e.Name()
		}
	}
	for issuer, filename := range names {
		b, err := os.ReadFile(f.Dir + "/" + filename)
		if err != nil {
			return nil, fmt.Errorf("reading truststore file %q: %w", filename, err)
		}
		var jwks jose.JSONWebKeySet
		if err := json.Unmarshal(b, &jwks); err != nil {
			return nil, fmt.Errorf("parsing JWKS for issuer %q: %w", issuer, err)
		}
		out[issuer] = jwks
	}
	return out, nil
}

// snapshot is the immutable, atomically-swapped current key set.
type snapshot struct {
	byIssuer map[string]map[string]Key
}

// Store is the C1 truststore: issuer -> key_id -> Key.
type Store struct {
	source Source
	cur    atomic.Pointer[snapshot]
}

// New constructs a Store and performs the initial load.
func New(ctx context.Context, source Source) (*Store, error) {
	s := &Store{source: source}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-fetches material from Source and atomically swaps the snapshot.
// Safe to call concurrently with Lookup; readers never observe a torn view.
func (s *Store) Reload(ctx context.Context) error {
	raw, err := s.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("truststore reload: %w", err)
	}
	byIssuer := make(map[string]map[string]Key, len(raw))
	for issuer, jwks := range raw {
		keys := make(map[string]Key, len(jwks.Keys))
		for _, jwk := range jwks.Keys {
			alg := Algorithm(jwk.Algorithm)
			if alg == "" {
				alg = inferAlgorithm(jwk)
			}
			keys[jwk.KeyID] = Key{
				KeyID:     jwk.KeyID,
				Algorithm: alg,
				Public:    jwk.Public().Key,
			}
		}
		byIssuer[issuer] = keys
	}
	s.cur.Store(&snapshot{byIssuer: byIssuer})
	return nil
}

// Lookup returns the verification key for (issuer, keyID).
func (s *Store) Lookup(issuer, keyID string) (Key, error) {
	snap := s.cur.Load()
	if snap == nil {
		return Key{}, &LookupError{IssuerUnknown: true, Issuer: issuer}
	}
	keys, ok := snap.byIssuer[issuer]
	if !ok {
		return Key{}, &LookupError{IssuerUnknown: true, Issuer: issuer}
	}
	k, ok := keys[keyID]
	if !ok {
		return Key{}, &LookupError{KeyUnknown: true, Issuer: issuer, KeyID: keyID}
	}
	return k, nil
}

func inferAlgorithm(jwk jose.JSONWebKey) Algorithm {
	switch jwk.Key.(type) {
	case crypto.Signer:
		return RS256
	default:
		return RS256
	}
}
