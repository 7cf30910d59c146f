package token

import (
	"time"

	"github.com/vaultwright/secretcore/internal/audit"
	"github.com/vaultwright/secretcore/internal/eventbus"
	"github.com/vaultwright/secretcore/internal/vaultcrypto"
	"github.com/vaultwright/secretcore/internal/vaulterr"
)

// Validator verifies a bearer's signature, freshness, revocation status,
// and scope containment. It shares the issuer's
// signing public key and issuance records so a token's issuer lineage can
// be checked, but it exposes no mutation surface of its own besides the
// revocation set.
type Validator struct {
	publicKey vaultcrypto.TokenKeyPair
	issuer    *Issuer
	revoked   *revocationSet

	bus      *eventbus.Bus
	auditLog *audit.Log
}

// NewValidator constructs a Validator bound to issuer's record store and
// public key.
func NewValidator(issuer *Issuer, bus *eventbus.Bus, auditLog *audit.Log) *Validator {
	return &Validator{
		publicKey: issuer.keys,
		issuer:    issuer,
		revoked:   newRevocationSet(),
		bus:       bus,
		auditLog:  auditLog,
	}
}

// Revoke marks tokenID as revoked in the validator's own revocation set.
// Issuer.RevokeToken and Validator.Revoke are called together by the
// access broker's RevokeToken path; they are kept separate because the
// issuance record store and the revocation set have different compaction
// lifetimes.
func (v *Validator) Revoke(tokenID string, expiresAt time.Time) {
	v.revoked.Revoke(tokenID, expiresAt)
}

// Validate verifies bearer and checks it authorizes want.
func (v *Validator) Validate(bearer string, want Want) (Claims, error) {
	payload, signingInput, sig, err := decode(bearer)
	if err != nil {
		v.fail(eventbus.KindTokenValidatedFailed, "", "")
		return Claims{}, err
	}

	if !vaultcrypto.Verify(v.publicKey.Public, signingInput, sig) {
		v.fail(eventbus.KindTokenValidatedFailed, payload.Sub, payload.TID)
		return Claims{}, vaulterr.BadSignature()
	}

	claims := claimsFromPayload(payload)

	now := time.Now().UTC()
	if now.Before(claims.NotBefore) {
		v.fail(eventbus.KindTokenValidatedFailed, claims.Principal, claims.TokenID)
		return Claims{}, vaulterr.NotYetValid()
	}
	if !now.Before(claims.ExpiresAt) {
		v.fail(eventbus.KindTokenValidatedFailed, claims.Principal, claims.TokenID)
		return Claims{}, vaulterr.Expired()
	}

	if v.revoked.IsRevoked(claims.TokenID) {
		v.fail(eventbus.KindTokenValidatedFailed, claims.Principal, claims.TokenID)
		return Claims{}, vaulterr.Revoked()
	}
	if rec, ok := v.issuer.recordFor(claims.TokenID); ok && rec.Revoked {
		v.fail(eventbus.KindTokenValidatedFailed, claims.Principal, claims.TokenID)
		return Claims{}, vaulterr.Revoked()
	}

	if want.Project != claims.Scope.Project || !claims.Scope.AllowsKey(want.Key) || !claims.Scope.AllowsAction(want.Action) {
		v.fail(eventbus.KindTokenValidatedFailed, claims.Principal, claims.TokenID)
		return Claims{}, vaulterr.OutOfScope()
	}

	return claims, nil
}

// fail publishes token.validated_failed and records a denied audit entry.
// Success is never audited here; the access broker records the terminal
// outcome of the whole Access call.
func (v *Validator) fail(kind eventbus.Kind, principal, tokenID string) {
	if v.bus != nil {
		v.bus.Publish(eventbus.Event{Kind: kind, Actor: principal, Outcome: eventbus.OutcomeDenied})
	}
	if v.auditLog != nil {
		_, _ = v.auditLog.Append(audit.Entry{EventKind: string(kind), Principal: principal, TokenID: tokenID, Outcome: audit.OutcomeDenied})
	}
}
