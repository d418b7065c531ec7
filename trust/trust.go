// Package trust implements envelope signing and the broker-side trust map.
//
// Agents sign the canonical envelope bytes with an Ed25519 private key
// held in memory for the process lifetime. The broker maps an
// authenticated identity (certificate CN) to a verification key and an
// allowed device_id prefix. The map is immutable; reloads swap an atomic
// pointer so in-flight verifications keep a consistent view.
package trust

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/bastion/codec"
	"github.com/pithecene-io/bastion/types"
)

// Sentinel errors for verification failures. All are per-message
// terminal: the agent must not retry the same bytes.
var (
	// ErrUnknownIdentity indicates the CN has no trust map entry.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrBadSignature indicates the signature does not verify over the
	// canonical bytes.
	ErrBadSignature = errors.New("bad signature")

	// ErrIdentityMismatch indicates the declared device_id is not
	// allowed by the identity's prefix rule.
	ErrIdentityMismatch = errors.New("identity mismatch")
)

// Signer signs envelopes with a fixed Ed25519 private key.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner wraps an in-memory private key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv}
}

// LoadSigner reads a PKCS#8 PEM private key file. The key stays in
// memory for the agent's lifetime.
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read key file %q: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %q", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key in %q: %w", path, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key in %q is %T, want Ed25519", path, key)
	}
	return &Signer{priv: priv}, nil
}

// Public returns the verification key matching the signer.
func (s *Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign computes the envelope signature over its canonical bytes and
// stores it on the envelope.
func (s *Signer) Sign(env *types.Envelope) error {
	canonical, err := codec.Canonical(env)
	if err != nil {
		return fmt.Errorf("canonicalize for signing: %w", err)
	}
	env.Signature = ed25519.Sign(s.priv, canonical)
	return nil
}

// Entry is one identity in the trust map.
type Entry struct {
	CN                    string
	PublicKey             ed25519.PublicKey
	AllowedDeviceIDPrefix string
}

// Map is an immutable CN-to-key table. Construct via LoadMap or NewMap;
// never mutate after construction.
type Map struct {
	entries map[string]Entry
}

// NewMap builds a trust map from entries. Duplicate CNs are invalid.
func NewMap(entries []Entry) (*Map, error) {
	m := &Map{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if e.CN == "" {
			return nil, errors.New("trust map entry with empty cn")
		}
		if len(e.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trust map entry %q: bad key size %d", e.CN, len(e.PublicKey))
		}
		if _, dup := m.entries[e.CN]; dup {
			return nil, fmt.Errorf("duplicate cn %q in trust map", e.CN)
		}
		m.entries[e.CN] = e
	}
	return m, nil
}

// Lookup returns the entry for a CN.
func (m *Map) Lookup(cn string) (Entry, bool) {
	e, ok := m.entries[cn]
	return e, ok
}

// Len returns the number of identities in the map.
func (m *Map) Len() int {
	return len(m.entries)
}

// mapFile is the on-disk trust map schema.
type mapFile struct {
	Identities []struct {
		CN                    string `yaml:"cn"`
		PublicKeyPEM          string `yaml:"public_key_pem"`
		AllowedDeviceIDPrefix string `yaml:"allowed_device_id_prefix"`
	} `yaml:"identities"`
}

// LoadMap reads the trust map file. Any malformed entry fails the whole
// load; a broker never runs with a partial trust map.
func LoadMap(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read trust map %q: %w", path, err)
	}
	var f mapFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid trust map %q: %w", path, err)
	}
	if len(f.Identities) == 0 {
		return nil, fmt.Errorf("trust map %q has no identities", path)
	}

	entries := make([]Entry, 0, len(f.Identities))
	for _, id := range f.Identities {
		pub, err := parsePublicKeyPEM(id.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("trust map entry %q: %w", id.CN, err)
		}
		entries = append(entries, Entry{
			CN:                    id.CN,
			PublicKey:             pub,
			AllowedDeviceIDPrefix: id.AllowedDeviceIDPrefix,
		})
	}
	return NewMap(entries)
}

func parsePublicKeyPEM(pemData string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want Ed25519", key)
	}
	return pub, nil
}
