package vaultstore

import (
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/vaultwright/secretcore/internal/audit"
	"github.com/vaultwright/secretcore/internal/eventbus"
	"github.com/vaultwright/secretcore/internal/vaultcrypto"
	"github.com/vaultwright/secretcore/internal/vaultfile"
	"github.com/vaultwright/secretcore/internal/vaulterr"
)

var projectNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

const defaultInfo = "vault-secret-value-v1"

// Store owns the in-memory VaultDocument and its subgraph exclusively.
// External components receive snapshots (Describe/List*) or typed refs,
// never the live document.
type Store struct {
	mu   sync.RWMutex
	doc  *VaultDocument
	dek  []byte
	path string

	header  vaultfile.Header
	nRetain int

	isDirty  bool
	safeMode bool

	lastGood *VaultDocument

	secretLocks   map[string]*sync.Mutex
	secretLocksMu sync.Mutex

	bus      *eventbus.Bus
	auditLog *audit.Log
}

// Options configures a Store beyond the vault path and unlock material.
type Options struct {
	NRetain  int
	Bus      *eventbus.Bus
	AuditLog *audit.Log
}

func (o Options) nRetain() int {
	if o.NRetain <= 0 {
		return 3
	}
	return o.NRetain
}

// Init creates a brand-new vault file at path, sealed under a fresh DEK
// wrapped for a single passphrase recipient, and returns the Store handle
// for it.
func Init(path, recipientID, passphrase string, opts Options) (*Store, error) {
	dek, err := vaultcrypto.RNG(vaultcrypto.DEKSize)
	if err != nil {
		return nil, err
	}
	header := vaultfile.NewHeader()
	if err := header.AddPassphraseRecipient(recipientID, passphrase, dek, vaultcrypto.DefaultKDFParams()); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	doc := &VaultDocument{
		SchemaVersion: vaultfile.CurrentSchemaVersion,
		Metadata:      Metadata{CreatedAt: now, LastUpdatedAt: now},
		Projects:      map[string]*Project{},
	}

	s := &Store{
		doc:         doc,
		dek:         dek,
		path:        path,
		header:      header,
		nRetain:     opts.nRetain(),
		secretLocks: map[string]*sync.Mutex{},
		bus:         opts.Bus,
		auditLog:    opts.AuditLog,
		isDirty:     true,
	}
	if err := s.Save(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load opens an existing vault file and decrypts it into an in-memory
// Store.
func Load(path string, unlock vaultfile.UnlockMaterial, opts Options) (*Store, error) {
	header, cleartext, dek, err := vaultfile.ReadFile(path, unlock)
	if err != nil {
		if opts.Bus != nil {
			opts.Bus.Publish(eventbus.Event{Kind: eventbus.KindVaultLoadFailed, Outcome: eventbus.OutcomeError})
		}
		if opts.AuditLog != nil {
			_, _ = opts.AuditLog.Append(audit.Entry{EventKind: string(eventbus.KindVaultLoadFailed), Outcome: audit.OutcomeError, Details: err.Error()})
		}
		return nil, err
	}

	var doc VaultDocument
	if err := json.Unmarshal(cleartext, &doc); err != nil {
		vaultcrypto.Zero(dek)
		return nil, vaulterr.IntegrityViolation(err)
	}
	if doc.Projects == nil {
		doc.Projects = map[string]*Project{}
	}

	s := &Store{
		doc:         &doc,
		dek:         dek,
		path:        path,
		header:      header,
		nRetain:     opts.nRetain(),
		secretLocks: map[string]*sync.Mutex{},
		bus:         opts.Bus,
		auditLog:    opts.AuditLog,
	}
	s.lastGood = s.cloneDoc()
	return s, nil
}

// Close zeroizes the DEK. The Store must not be used afterward.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	vaultcrypto.Zero(s.dek)
}

func (s *Store) secretLock(project, key string) *sync.Mutex {
	id := project + "\x00" + key
	s.secretLocksMu.Lock()
	defer s.secretLocksMu.Unlock()
	l, ok := s.secretLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.secretLocks[id] = l
	}
	return l
}

func (s *Store) publish(e eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func (s *Store) audit(kind, project, key string, outcome audit.Outcome, version int) {
	if s.auditLog == nil {
		return
	}
	_, _ = s.auditLog.Append(audit.Entry{
		EventKind: kind,
		Project:   project,
		Key:       key,
		Version:   version,
		Outcome:   outcome,
	})
}

// IsDirty reports whether unsaved mutations are pending.
func (s *Store) IsDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isDirty
}

// SafeMode reports whether the store has entered read-only safe mode after
// an integrity violation.
func (s *Store) SafeMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.safeMode
}

func (s *Store) cloneDoc() *VaultDocument {
	return cloneDocument(s.doc)
}

func cloneDocument(doc *VaultDocument) *VaultDocument {
	if doc == nil {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	var clone VaultDocument
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil
	}
	return &clone
}

// CreateProject creates a new, empty project.
func (s *Store) CreateProject(name, description string) (*Project, error) {
	if !projectNamePattern.MatchString(name) {
		return nil, vaulterr.InvalidName(name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.safeMode {
		return nil, vaulterr.ReadOnlySafeMode()
	}
	if _, exists := s.doc.Projects[name]; exists {
		return nil, vaulterr.AlreadyExists("project", name)
	}

	now := time.Now().UTC()
	p := &Project{
		Name:          name,
		Description:   description,
		Secrets:       map[string]*Secret{},
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	s.doc.Projects[name] = p
	s.markDirty()
	s.publish(eventbus.Event{Kind: eventbus.KindProjectCreated, Project: name, Outcome: eventbus.OutcomeSuccess})
	s.audit(string(eventbus.KindProjectCreated), name, "", audit.OutcomeSuccess, 0)
	return p, nil
}

// DeleteProject removes a project. Unless force is true, the project must
// have no secrets.
func (s *Store) DeleteProject(name string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.safeMode {
		return vaulterr.ReadOnlySafeMode()
	}
	p, ok := s.doc.Projects[name]
	if !ok {
		return vaulterr.NotFound("project", name)
	}
	if !force && len(p.Secrets) > 0 {
		return vaulterr.NotEmpty("project", name)
	}
	for _, secret := range p.Secrets {
		for _, v := range secret.Versions {
			vaultcrypto.Zero(v.Ciphertext)
		}
	}
	delete(s.doc.Projects, name)
	s.markDirty()
	s.publish(eventbus.Event{Kind: eventbus.KindProjectDeleted, Project: name, Outcome: eventbus.OutcomeSuccess})
	s.audit(string(eventbus.KindProjectDeleted), name, "", audit.OutcomeSuccess, 0)
	return nil
}

func (s *Store) markDirty() {
	s.isDirty = true
	s.doc.Metadata.LastUpdatedAt = time.Now().UTC()
}

// ListProjects returns project names.
func (s *Store) ListProjects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.doc.Projects))
	for name := range s.doc.Projects {
		names = append(names, name)
	}
	return names
}

// ListSecrets returns the keys defined in project.
func (s *Store) ListSecrets(project string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.doc.Projects[project]
	if !ok {
		return nil, vaulterr.NotFound("project", project)
	}
	keys := make([]string, 0, len(p.Secrets))
	for k := range p.Secrets {
		keys = append(keys, k)
	}
	return keys, nil
}

// Describe returns a metadata-only (never plaintext) snapshot of a secret.
func (s *Store) Describe(project, key string) (*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.doc.Projects[project]
	if !ok {
		return nil, vaulterr.NotFound("project", project)
	}
	secret, ok := p.Secrets[key]
	if !ok {
		return nil, vaulterr.NotFound("secret", key)
	}
	data, _ := json.Marshal(secret)
	var clone Secret
	_ = json.Unmarshal(data, &clone)
	for _, v := range clone.Versions {
		v.Ciphertext = nil
		v.Salt = nil
	}
	return &clone, nil
}

// Subscribe delegates to the event bus.
func (s *Store) Subscribe(kinds ...eventbus.Kind) (<-chan eventbus.Event, func()) {
	return s.bus.Subscribe(kinds...)
}

// PrincipalPolicy returns a copy of the named principal's policy row, if
// present in the persisted policy table.
func (s *Store) PrincipalPolicy(principal string) (PrincipalPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.doc.Policies[principal]
	if !ok {
		return PrincipalPolicy{}, false
	}
	return *p, true
}

// PutPrincipalPolicy creates or replaces a principal's policy row. Changing
// the table requires an admin-scoped token; the access broker enforces that
// before calling this method, which itself only performs the mutation.
func (s *Store) PutPrincipalPolicy(policy PrincipalPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.safeMode {
		return vaulterr.ReadOnlySafeMode()
	}
	if s.doc.Policies == nil {
		s.doc.Policies = map[string]*PrincipalPolicy{}
	}
	cp := policy
	s.doc.Policies[policy.Principal] = &cp
	s.markDirty()
	return nil
}
