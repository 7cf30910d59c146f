// Package vaultstore owns the in-memory VaultDocument model,
// project/secret lifecycle operations, invariant enforcement, and
// persistence via vaultfile/vaultcrypto.
package vaultstore

import "time"

// Classification ranks how sensitive a secret is.
type Classification string

const (
	ClassificationPublic       Classification = "public"
	ClassificationInternal     Classification = "internal"
	ClassificationConfidential Classification = "confidential"
	ClassificationRestricted   Classification = "restricted"
)

func (c Classification) valid() bool {
	switch c {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationRestricted:
		return true
	}
	return false
}

// Source records how a secret's current value came to be set.
type Source string

const (
	SourceManual   Source = "manual"
	SourceImport   Source = "import"
	SourceScan     Source = "scan"
	SourceRotation Source = "rotation"
	SourceExternal Source = "external"
)

// VersionState is a SecretVersion's lifecycle state.
type VersionState string

const (
	StateActive  VersionState = "active"
	StateGrace   VersionState = "grace"
	StateRetired VersionState = "retired"
)

// GeneratorKind identifies a rotation policy's value generator.
type GeneratorKind string

const (
	GeneratorRandomBytes        GeneratorKind = "random_bytes"
	GeneratorRandomAlphanumeric GeneratorKind = "random_alphanumeric"
	GeneratorUUID               GeneratorKind = "uuid"
	GeneratorWebhook            GeneratorKind = "webhook"
)

// GeneratorSpec parameterizes a RotationPolicy's generator.
type GeneratorSpec struct {
	Kind       GeneratorKind `json:"kind"`
	N          int           `json:"n,omitempty"`
	WebhookURL string        `json:"webhookUrl,omitempty"`
}

// RotationPolicy governs when and how a secret's value is regenerated.
type RotationPolicy struct {
	IntervalSeconds int           `json:"intervalSeconds"`
	GraceSeconds    int           `json:"graceSeconds"`
	Generator       GeneratorSpec `json:"generator"`
	NextRotationAt  time.Time     `json:"nextRotationAt"`
	LastRotatedAt   *time.Time    `json:"lastRotatedAt,omitempty"`
	Paused          bool          `json:"paused"`
	FailureCount    int           `json:"failureCount"`
}

// SecretVersion is one monotonic revision of a Secret. The value is never
// held in plaintext here; Ciphertext/Salt are the per-secret
// envelope-encrypted form, decrypted only by RevealSecret.
type SecretVersion struct {
	Version int    `json:"version"`
	Salt    []byte `json:"salt"`
	// Ciphertext holds the AEAD-sealed value. It is overwritten with zeros
	// (and left as a zero-length-equivalent stub) once the version retires.
	Ciphertext []byte       `json:"ciphertext"`
	State      VersionState `json:"state"`
	CreatedAt  time.Time    `json:"createdAt"`
	// GraceExpiresAt is the absolute instant, set once at rotation time and
	// never reset on read, after which a grace-state version is swept to
	// retired.
	GraceExpiresAt *time.Time `json:"graceExpiresAt,omitempty"`
	RetiredAt      *time.Time `json:"retiredAt,omitempty"`
	Checksum       []byte     `json:"checksum"`
}

// Secret is a named, versioned value within a Project.
type Secret struct {
	Key             string           `json:"key"`
	CurrentVersion  int              `json:"currentVersion"`
	Versions        []*SecretVersion `json:"versions"` // newest first
	Tags            map[string]bool  `json:"tags,omitempty"`
	Classification  Classification   `json:"classification"`
	Source          Source           `json:"source"`
	RotationPolicy  *RotationPolicy  `json:"rotationPolicy,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	LastUpdatedAt   time.Time        `json:"lastUpdatedAt"`
	LastAccessedAt  *time.Time       `json:"lastAccessedAt,omitempty"`
	AccessCount     int              `json:"accessCount"`
}

// ActiveVersion returns the version currently marked active, or nil if the
// invariant has somehow been violated (should never happen post-mutation).
func (s *Secret) ActiveVersion() *SecretVersion {
	for _, v := range s.Versions {
		if v.State == StateActive {
			return v
		}
	}
	return nil
}

// FindVersion returns the version with the given number, or nil.
func (s *Secret) FindVersion(version int) *SecretVersion {
	for _, v := range s.Versions {
		if v.Version == version {
			return v
		}
	}
	return nil
}

// Project is a named partition within the vault.
type Project struct {
	Name          string             `json:"name"`
	Description   string             `json:"description,omitempty"`
	Secrets       map[string]*Secret `json:"secrets"`
	CreatedAt     time.Time          `json:"createdAt"`
	LastUpdatedAt time.Time          `json:"lastUpdatedAt"`
}

// PrincipalPolicy is one row of the principal policy table, persisted
// inside the vault document and covered by the same encryption.
type PrincipalPolicy struct {
	Principal       string        `json:"principal"`
	Projects        []string      `json:"projects"` // "*" entry means any project
	MaxKeysPerToken int           `json:"maxKeysPerToken"`
	MaxActions      []string      `json:"maxActions"`
	MaxTTL          time.Duration `json:"maxTtl"`
}

// Metadata is VaultDocument's top-level bookkeeping.
type Metadata struct {
	CreatedAt     time.Time `json:"createdAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
	Fingerprint   []byte    `json:"fingerprint"`
}

// VaultDocument is the top-level container persisted as one encrypted
// file.
type VaultDocument struct {
	SchemaVersion int                         `json:"schemaVersion"`
	Metadata      Metadata                    `json:"metadata"`
	Projects      map[string]*Project         `json:"projects"`
	GlobalTags    map[string]bool             `json:"globalTags,omitempty"`
	Policies      map[string]*PrincipalPolicy `json:"policies,omitempty"`
}

// SecretRef identifies a specific secret version without exposing its
// value, returned by mutating operations.
type SecretRef struct {
	Project string
	Key     string
	Version int
}

// UpsertMeta carries the optional metadata set on first creation of a
// secret; ignored fields keep their existing value on subsequent upserts.
type UpsertMeta struct {
	Tags           []string
	Classification Classification
	Source         Source
}
