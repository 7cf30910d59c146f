// Package token mints and validates signed, scoped, expiring bearer tokens
// bound to (project, key, client).
package token

import "time"

// Action is a capability a token's scope may grant.
type Action string

const (
	ActionRead   Action = "read"
	ActionRotate Action = "rotate"
	ActionAdmin  Action = "admin"
)

// Scope restricts a token to a single project, a set of keys (or every key,
// when Wildcard is set), and a set of actions.
type Scope struct {
	Project  string
	Keys     []string
	Wildcard bool
	Actions  []Action
}

// AllowsKey reports whether key is within scope.
func (s Scope) AllowsKey(key string) bool {
	if s.Wildcard {
		return true
	}
	for _, k := range s.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// AllowsAction reports whether action is within scope.
func (s Scope) AllowsAction(action Action) bool {
	for _, a := range s.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Claims is the decoded, verified form of a validated token, handed to the
// access broker.
type Claims struct {
	TokenID   string
	Principal string
	Scope     Scope
	IssuedAt  time.Time
	NotBefore time.Time
	ExpiresAt time.Time
}

// Want is what the access broker asks the validator to check a token
// against.
type Want struct {
	Project string
	Key     string
	Action  Action
}

// Record is the issuance record kept by the issuer, independent of the
// signed token itself; it is what RevokeToken and the revocation set
// operate on.
type Record struct {
	TokenID     string
	Principal   string
	ScopeDigest string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Revoked     bool
}

// Policy is the subset of a principal's policy row the token package
// needs; vaultstore.PrincipalPolicy satisfies this shape via PolicyLookup
// implementations constructed by the composition root.
type Policy struct {
	Projects        []string
	MaxKeysPerToken int
	MaxActions      []Action
	MaxTTL          time.Duration
}

// AllowsProject reports whether the policy permits issuing tokens scoped to
// project (a "*" entry permits any project).
func (p Policy) AllowsProject(project string) bool {
	for _, pr := range p.Projects {
		if pr == "*" || pr == project {
			return true
		}
	}
	return false
}

// AllowsAction reports whether the policy's MaxActions permits action.
func (p Policy) AllowsAction(action Action) bool {
	for _, a := range p.MaxActions {
		if a == action {
			return true
		}
	}
	return false
}

// PolicyLookup resolves a principal's policy row. NotFound (ok=false) maps
// to the PrincipalUnknown error on Issue.
type PolicyLookup interface {
	Lookup(principal string) (Policy, bool)
}

// PolicyLookupFunc adapts a plain function to PolicyLookup.
type PolicyLookupFunc func(principal string) (Policy, bool)

func (f PolicyLookupFunc) Lookup(principal string) (Policy, bool) { return f(principal) }
