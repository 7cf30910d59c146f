package token

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vaultwright/secretcore/internal/audit"
	"github.com/vaultwright/secretcore/internal/eventbus"
	"github.com/vaultwright/secretcore/internal/vaultcrypto"
	"github.com/vaultwright/secretcore/internal/vaulterr"
)

// Issuer mints signed, scoped tokens and keeps the issuance record store.
type Issuer struct {
	mu sync.Mutex

	keys     vaultcrypto.TokenKeyPair
	policies PolicyLookup

	maxReadTTL   time.Duration
	maxRotateTTL time.Duration

	records map[string]*Record

	bus      *eventbus.Bus
	auditLog *audit.Log
}

// NewIssuer constructs an Issuer. maxReadTTL/maxRotateTTL are the global
// T_MAX_READ/T_MAX_ROTATE ceilings; a principal's own MaxTTL, if narrower,
// still applies.
func NewIssuer(keys vaultcrypto.TokenKeyPair, policies PolicyLookup, maxReadTTL, maxRotateTTL time.Duration, bus *eventbus.Bus, auditLog *audit.Log) *Issuer {
	return &Issuer{
		keys:         keys,
		policies:     policies,
		maxReadTTL:   maxReadTTL,
		maxRotateTTL: maxRotateTTL,
		records:      make(map[string]*Record),
		bus:          bus,
		auditLog:     auditLog,
	}
}

func (iss *Issuer) ceilingFor(actions []Action) time.Duration {
	ceiling := iss.maxReadTTL
	for _, a := range actions {
		if a == ActionRotate || a == ActionAdmin {
			if iss.maxRotateTTL < ceiling {
				ceiling = iss.maxRotateTTL
			}
		}
	}
	return ceiling
}

// Issue mints a new token for principal, scoped to scope, valid for ttl
// starting at notBefore (or now, if nil).
func (iss *Issuer) Issue(principal string, scope Scope, ttl time.Duration, notBefore *time.Time) (string, time.Time, error) {
	policy, ok := iss.policies.Lookup(principal)
	if !ok {
		return "", time.Time{}, vaulterr.NotFound("principal", principal)
	}
	if !policy.AllowsProject(scope.Project) {
		return "", time.Time{}, vaulterr.ScopeTooBroad("principal is not permitted on project " + scope.Project)
	}
	if !scope.Wildcard && policy.MaxKeysPerToken > 0 && len(scope.Keys) > policy.MaxKeysPerToken {
		return "", time.Time{}, vaulterr.ScopeTooBroad("requested key count exceeds principal's maxKeysPerToken")
	}
	for _, a := range scope.Actions {
		if !policy.AllowsAction(a) {
			return "", time.Time{}, vaulterr.ScopeTooBroad("action " + string(a) + " not permitted for principal")
		}
	}

	ceiling := iss.ceilingFor(scope.Actions)
	if policy.MaxTTL > 0 && policy.MaxTTL < ceiling {
		ceiling = policy.MaxTTL
	}
	if ttl <= 0 || ttl > ceiling {
		return "", time.Time{}, vaulterr.TtlTooLong(ttl.String(), ceiling.String())
	}

	now := time.Now().UTC()
	nbf := now
	if notBefore != nil {
		nbf = notBefore.UTC()
	}
	exp := nbf.Add(ttl)

	tokenID := ulid.Make().String()
	payload := wirePayload{
		TID: tokenID,
		Sub: principal,
		Scp: toWireScope(scope),
		Iat: now.Unix(),
		Exp: exp.Unix(),
	}
	if notBefore != nil {
		payload.Nbf = nbf.Unix()
	}

	bearer, err := encode(payload, iss.keys.Sign)
	if err != nil {
		return "", time.Time{}, err
	}

	iss.mu.Lock()
	iss.records[tokenID] = &Record{
		TokenID:     tokenID,
		Principal:   principal,
		ScopeDigest: scopeDigest(scope),
		IssuedAt:    now,
		ExpiresAt:   exp,
	}
	iss.mu.Unlock()

	iss.publish(eventbus.Event{Kind: eventbus.KindTokenIssued, Actor: principal, Project: scope.Project, Outcome: eventbus.OutcomeSuccess})
	iss.auditAppend(string(eventbus.KindTokenIssued), principal, tokenID, audit.OutcomeSuccess)

	return bearer, exp, nil
}

// RevokeToken marks a previously issued token as revoked.
func (iss *Issuer) RevokeToken(tokenID string) error {
	iss.mu.Lock()
	rec, ok := iss.records[tokenID]
	if ok {
		rec.Revoked = true
	}
	iss.mu.Unlock()
	if !ok {
		return vaulterr.NotFound("token", tokenID)
	}
	iss.publish(eventbus.Event{Kind: eventbus.KindTokenRevoked, Actor: rec.Principal, Outcome: eventbus.OutcomeSuccess})
	iss.auditAppend(string(eventbus.KindTokenRevoked), rec.Principal, tokenID, audit.OutcomeSuccess)
	return nil
}

// recordFor returns a copy of the issuance record for tokenID, used by a
// Validator sharing this Issuer's record store.
func (iss *Issuer) recordFor(tokenID string) (Record, bool) {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	rec, ok := iss.records[tokenID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (iss *Issuer) publish(e eventbus.Event) {
	if iss.bus != nil {
		iss.bus.Publish(e)
	}
}

func (iss *Issuer) auditAppend(kind, principal, tokenID string, outcome audit.Outcome) {
	if iss.auditLog == nil {
		return
	}
	_, _ = iss.auditLog.Append(audit.Entry{EventKind: kind, Principal: principal, TokenID: tokenID, Outcome: outcome})
}

func scopeDigest(s Scope) string {
	canonical, _ := json.Marshal(toWireScope(s))
	return hex.EncodeToString(vaultcrypto.Checksum(canonical))
}
