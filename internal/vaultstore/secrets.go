package vaultstore

import (
	"sort"
	"strconv"
	"time"

	"github.com/vaultwright/secretcore/internal/audit"
	"github.com/vaultwright/secretcore/internal/eventbus"
	"github.com/vaultwright/secretcore/internal/vaultcrypto"
	"github.com/vaultwright/secretcore/internal/vaulterr"
)

func secretInfo(project, key string) string {
	return defaultInfo + "/" + project + "/" + key
}

// UpsertSecret creates or advances a secret. The previous active version,
// if any, demotes to grace (when a rotation policy with a grace window is
// attached) or directly to retired.
func (s *Store) UpsertSecret(project, key string, plaintext []byte, meta UpsertMeta) (SecretRef, error) {
	if key == "" {
		return SecretRef{}, vaulterr.InvalidKey(key)
	}

	lock := s.secretLock(project, key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.safeMode {
		return SecretRef{}, vaulterr.ReadOnlySafeMode()
	}

	p, ok := s.doc.Projects[project]
	if !ok {
		return SecretRef{}, vaulterr.NotFound("project", project)
	}

	now := time.Now().UTC()
	secret, existed := p.Secrets[key]

	classification := meta.Classification
	if classification == "" {
		classification = ClassificationConfidential
	}
	if !classification.valid() {
		return SecretRef{}, vaulterr.InvalidKey("classification: " + string(classification))
	}
	source := meta.Source
	if source == "" {
		source = SourceManual
	}

	salt, err := vaultcrypto.NewSalt()
	if err != nil {
		return SecretRef{}, err
	}
	ciphertext, err := vaultcrypto.EncryptSecretValue(s.dek, salt, secretInfo(project, key), plaintext)
	if err != nil {
		return SecretRef{}, err
	}
	checksum := vaultcrypto.Checksum(plaintext)

	if !existed {
		secret = &Secret{
			Key:            key,
			CurrentVersion: 1,
			Tags:           tagSet(meta.Tags),
			Classification: classification,
			Source:         source,
			CreatedAt:      now,
			LastUpdatedAt:  now,
		}
		secret.Versions = []*SecretVersion{{
			Version:    1,
			Salt:       salt,
			Ciphertext: ciphertext,
			State:      StateActive,
			CreatedAt:  now,
			Checksum:   checksum,
		}}
		p.Secrets[key] = secret
	} else {
		newVersion := secret.CurrentVersion + 1
		if active := secret.ActiveVersion(); active != nil {
			s.demote(secret, active, now)
		}
		secret.Versions = append([]*SecretVersion{{
			Version:    newVersion,
			Salt:       salt,
			Ciphertext: ciphertext,
			State:      StateActive,
			CreatedAt:  now,
			Checksum:   checksum,
		}}, secret.Versions...)
		secret.CurrentVersion = newVersion
		secret.LastUpdatedAt = now
		s.enforceRetention(secret)
	}

	p.LastUpdatedAt = now
	s.markDirty()

	kind := eventbus.KindSecretUpdated
	if !existed {
		kind = eventbus.KindSecretCreated
	}
	s.publish(eventbus.Event{Kind: kind, Project: project, Key: key, Version: secret.CurrentVersion, Outcome: eventbus.OutcomeSuccess})
	s.audit(string(kind), project, key, audit.OutcomeSuccess, secret.CurrentVersion)

	return SecretRef{Project: project, Key: key, Version: secret.CurrentVersion}, nil
}

// demote transitions the previously-active version to grace (if the
// secret's rotation policy specifies a grace window) or straight to
// retired, zeroizing ciphertext immediately in the retired case.
func (s *Store) demote(secret *Secret, active *SecretVersion, now time.Time) {
	graceSeconds := 0
	if secret.RotationPolicy != nil {
		graceSeconds = secret.RotationPolicy.GraceSeconds
	}
	if graceSeconds > 0 {
		expires := now.Add(time.Duration(graceSeconds) * time.Second)
		active.State = StateGrace
		active.GraceExpiresAt = &expires
		return
	}
	s.retire(active, now)
}

func (s *Store) retire(v *SecretVersion, now time.Time) {
	v.State = StateRetired
	v.RetiredAt = &now
	v.GraceExpiresAt = nil
	vaultcrypto.Zero(v.Ciphertext)
	v.Ciphertext = nil
}

// enforceRetention drops the oldest retired versions once more than
// nRetain versions remain. Active/grace versions are never evicted by this
// pass.
func (s *Store) enforceRetention(secret *Secret) {
	if len(secret.Versions) <= s.nRetain {
		return
	}
	kept := make([]*SecretVersion, 0, len(secret.Versions))
	evictable := make([]*SecretVersion, 0)
	for _, v := range secret.Versions {
		if v.State == StateRetired {
			evictable = append(evictable, v)
		} else {
			kept = append(kept, v)
		}
	}
	sort.SliceStable(evictable, func(i, j int) bool { return evictable[i].Version > evictable[j].Version })

	overflow := len(secret.Versions) - s.nRetain
	drop := overflow
	if drop > len(evictable) {
		drop = len(evictable)
	}
	surviveRetired := evictable[:len(evictable)-drop]

	merged := append(kept, surviveRetired...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Version > merged[j].Version })
	secret.Versions = merged
}

func tagSet(tags []string) map[string]bool {
	if len(tags) == 0 {
		return nil
	}
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	return set
}

// RevealResult is returned by RevealSecret. ExpiresHint is set only for
// grace-state versions, to the instant the version will stop resolving.
type RevealResult struct {
	Plaintext   []byte
	Version     int
	Checksum    []byte
	ExpiresHint time.Time
}

// RevealSecret decrypts a secret version. External callers reach it
// exclusively through the access broker, never directly.
func (s *Store) RevealSecret(project, key string, version *int) (RevealResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.safeMode {
		return RevealResult{}, vaulterr.ReadOnlySafeMode()
	}

	p, ok := s.doc.Projects[project]
	if !ok {
		return RevealResult{}, vaulterr.NotFound("project", project)
	}
	secret, ok := p.Secrets[key]
	if !ok {
		return RevealResult{}, vaulterr.NotFound("secret", key)
	}

	var target *SecretVersion
	if version == nil {
		target = secret.ActiveVersion()
		if target == nil {
			return RevealResult{}, vaulterr.Internal("secret has no active version", nil)
		}
	} else {
		target = secret.FindVersion(*version)
		if target == nil {
			return RevealResult{}, vaulterr.NotFound("version", strconv.Itoa(*version))
		}
		if target.State == StateRetired {
			return RevealResult{}, vaulterr.NotDecryptable("version is retired")
		}
	}

	plaintext, err := vaultcrypto.DecryptSecretValue(s.dek, target.Salt, secretInfo(project, key), target.Ciphertext)
	if err != nil {
		return RevealResult{}, err
	}

	now := time.Now().UTC()
	secret.LastAccessedAt = &now
	secret.AccessCount++
	s.markDirty()

	result := RevealResult{Plaintext: plaintext, Version: target.Version, Checksum: target.Checksum}
	if target.State == StateGrace && target.GraceExpiresAt != nil {
		result.ExpiresHint = *target.GraceExpiresAt
	}
	return result, nil
}

// AttachRotationPolicy attaches or replaces a secret's rotation policy.
func (s *Store) AttachRotationPolicy(project, key string, policy RotationPolicy) error {
	if policy.IntervalSeconds <= 0 {
		return vaulterr.InvalidPolicy("intervalSeconds must be > 0")
	}
	if policy.GraceSeconds < 0 {
		return vaulterr.InvalidPolicy("graceSeconds must be >= 0")
	}

	lock := s.secretLock(project, key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.safeMode {
		return vaulterr.ReadOnlySafeMode()
	}
	p, ok := s.doc.Projects[project]
	if !ok {
		return vaulterr.NotFound("project", project)
	}
	secret, ok := p.Secrets[key]
	if !ok {
		return vaulterr.NotFound("secret", key)
	}

	now := time.Now().UTC()
	if policy.NextRotationAt.IsZero() {
		policy.NextRotationAt = now.Add(time.Duration(policy.IntervalSeconds) * time.Second)
	}
	secret.RotationPolicy = &policy
	secret.LastUpdatedAt = now
	s.markDirty()
	return nil
}

// DeleteSecret moves a secret to the absent state: all versions retire and
// their ciphertext is zeroized.
func (s *Store) DeleteSecret(project, key string) error {
	lock := s.secretLock(project, key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.safeMode {
		return vaulterr.ReadOnlySafeMode()
	}
	p, ok := s.doc.Projects[project]
	if !ok {
		return vaulterr.NotFound("project", project)
	}
	secret, ok := p.Secrets[key]
	if !ok {
		return vaulterr.NotFound("secret", key)
	}
	for _, v := range secret.Versions {
		vaultcrypto.Zero(v.Ciphertext)
	}
	delete(p.Secrets, key)
	p.LastUpdatedAt = time.Now().UTC()
	s.markDirty()
	return nil
}

// SweepGrace transitions every grace-state version whose GraceExpiresAt
// has elapsed to retired, zeroizing ciphertext. It returns the number of
// versions retired.
func (s *Store) SweepGrace(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.safeMode {
		return 0
	}

	count := 0
	for _, p := range s.doc.Projects {
		for _, secret := range p.Secrets {
			for _, v := range secret.Versions {
				if v.State == StateGrace && v.GraceExpiresAt != nil && !v.GraceExpiresAt.After(now) {
					s.retire(v, now)
					count++
				}
			}
		}
	}
	if count > 0 {
		s.markDirty()
	}
	return count
}
