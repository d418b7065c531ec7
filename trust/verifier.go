package trust

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pithecene-io/bastion/codec"
	"github.com/pithecene-io/bastion/types"
)

// Verifier checks envelope signatures against the current trust map.
// Reload swaps the map atomically; a verification in flight keeps the
// map pointer it took at entry.
type Verifier struct {
	current atomic.Pointer[Map]
}

// NewVerifier creates a verifier over an initial trust map.
func NewVerifier(m *Map) *Verifier {
	v := &Verifier{}
	v.current.Store(m)
	return v
}

// Reload replaces the trust map. Safe to call concurrently with Verify.
func (v *Verifier) Reload(m *Map) {
	v.current.Store(m)
}

// Map returns the current trust map.
func (v *Verifier) Map() *Map {
	return v.current.Load()
}

// Verify authorizes and verifies an envelope from the authenticated
// identity cn. Returns nil on success, or one of ErrUnknownIdentity,
// ErrIdentityMismatch, ErrBadSignature.
func (v *Verifier) Verify(cn string, env *types.Envelope) error {
	m := v.current.Load()
	entry, ok := m.Lookup(cn)
	if !ok {
		return fmt.Errorf("%w: cn %q", ErrUnknownIdentity, cn)
	}
	if entry.AllowedDeviceIDPrefix != "" && !strings.HasPrefix(env.DeviceID, entry.AllowedDeviceIDPrefix) {
		return fmt.Errorf("%w: device_id %q not allowed for cn %q", ErrIdentityMismatch, env.DeviceID, cn)
	}
	if len(env.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature length %d", ErrBadSignature, len(env.Signature))
	}
	canonical, err := codec.Canonical(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ed25519.Verify(entry.PublicKey, canonical, env.Signature) {
		return ErrBadSignature
	}
	return nil
}
