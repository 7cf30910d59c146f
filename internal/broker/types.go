// Package broker is the single entry point for the read and rotate paths,
// binding token validation, policy enforcement, decryption (or rotation),
// audit emission, and event publication into one contract with at-most-one
// concurrent decryption per (project,key,version).
package broker

import (
	"time"

	"github.com/vaultwright/secretcore/internal/token"
)

// Request is what an external caller presents to Access.
type Request struct {
	Project string
	Key     string
	Action  token.Action
	Version *int
	// MFA is propagated by the external identity provider, never computed
	// here. Restricted secrets refuse reads without it.
	MFA bool
}

// Response is returned by a successful Access call. For reads, Value holds
// the plaintext and ExpiresHint is non-zero only for grace-state versions.
// For rotations, Version is the new version and ExpiresHint is when the
// prior version's grace window closes.
type Response struct {
	Value       []byte
	Version     int
	Checksum    []byte
	ExpiresHint time.Time
}

// Rotator is the subset of the rotation engine the broker invokes for
// action=rotate; kept as an interface so the broker can be constructed and
// tested before a full rotation engine exists.
type Rotator interface {
	RotateNow(project, key string) (newVersion int, retiresAt time.Time, priorVersion int, err error)
}
