package runtime

import (
	"os"
	"sync"
)

// strictIdentityModeOnce caches the strict identity mode check at startup.
var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when identity boundaries fail closed
// rather than falling back to permissive defaults: infrastructure/httputil
// then trusts caller identity headers only on verified mTLS connections, and
// NormalizeBaseURL with RequireHTTPSInStrictMode rejects non-https URLs.
//
// Production always runs strict; VAULT_STRICT_IDENTITY lets an operator opt
// a non-production environment into the same behavior for staging rehearsals.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		env := Env()
		strictIdentityModeValue = env == Production || ParseBoolValue(os.Getenv("VAULT_STRICT_IDENTITY"))
	})
	return strictIdentityModeValue
}
