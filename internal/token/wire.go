package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/vaultwright/secretcore/internal/vaulterr"
)

const wireVersion = "v1"

type wireScope struct {
	Prj  string   `json:"prj"`
	Keys []string `json:"keys"`
	Act  []string `json:"act"`
}

type wirePayload struct {
	TID string    `json:"tid"`
	Sub string    `json:"sub"`
	Scp wireScope `json:"scp"`
	Iat int64     `json:"iat"`
	Nbf int64     `json:"nbf,omitempty"`
	Exp int64     `json:"exp"`
}

func toWireScope(s Scope) wireScope {
	keys := s.Keys
	if s.Wildcard {
		keys = []string{"*"}
	}
	acts := make([]string, len(s.Actions))
	for i, a := range s.Actions {
		acts[i] = string(a)
	}
	return wireScope{Prj: s.Project, Keys: keys, Act: acts}
}

func fromWireScope(w wireScope) Scope {
	s := Scope{Project: w.Prj}
	if len(w.Keys) == 1 && w.Keys[0] == "*" {
		s.Wildcard = true
	} else {
		s.Keys = w.Keys
	}
	s.Actions = make([]Action, len(w.Act))
	for i, a := range w.Act {
		s.Actions[i] = Action(a)
	}
	return s
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// encode renders a token's canonical wire form:
// v1.<base64url(payload)>.<base64url(signature)>. The signature covers the
// string "v1.<base64url(payload)>".
func encode(payload wirePayload, sign func([]byte) []byte) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", vaulterr.Internal("marshal token payload", err)
	}
	signingInput := wireVersion + "." + b64(data)
	sig := sign([]byte(signingInput))
	return signingInput + "." + b64(sig), nil
}

// decode parses a bearer string into its payload and signing input without
// verifying the signature; the caller verifies separately.
func decode(bearer string) (wirePayload, []byte, []byte, error) {
	parts := strings.SplitN(bearer, ".", 3)
	if len(parts) != 3 || parts[0] != wireVersion {
		return wirePayload{}, nil, nil, vaulterr.Malformed("unrecognized token wire format")
	}
	payloadBytes, err := unb64(parts[1])
	if err != nil {
		return wirePayload{}, nil, nil, vaulterr.Malformed("bad payload encoding")
	}
	sig, err := unb64(parts[2])
	if err != nil {
		return wirePayload{}, nil, nil, vaulterr.Malformed("bad signature encoding")
	}
	var payload wirePayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return wirePayload{}, nil, nil, vaulterr.Malformed("bad payload json")
	}
	signingInput := []byte(parts[0] + "." + parts[1])
	return payload, signingInput, sig, nil
}

func claimsFromPayload(p wirePayload) Claims {
	c := Claims{
		TokenID:   p.TID,
		Principal: p.Sub,
		Scope:     fromWireScope(p.Scp),
		IssuedAt:  time.Unix(p.Iat, 0).UTC(),
		ExpiresAt: time.Unix(p.Exp, 0).UTC(),
	}
	if p.Nbf != 0 {
		c.NotBefore = time.Unix(p.Nbf, 0).UTC()
	} else {
		c.NotBefore = c.IssuedAt
	}
	return c
}
