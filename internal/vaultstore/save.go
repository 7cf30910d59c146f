package vaultstore

import (
	"encoding/json"
	"time"

	"github.com/vaultwright/secretcore/internal/eventbus"
	"github.com/vaultwright/secretcore/internal/vaultcrypto"
	"github.com/vaultwright/secretcore/internal/vaultfile"
	"github.com/vaultwright/secretcore/internal/vaulterr"
)

// Save persists the in-memory document if dirty. On failure, the in-memory
// document is rolled back to the snapshot taken at the last successful
// Save (or Load) and isDirty stays set: the failed mutations are gone from
// memory and the caller must re-apply them after resolving the fault.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.safeMode {
		return vaulterr.ReadOnlySafeMode()
	}
	if !s.isDirty {
		return nil
	}

	s.doc.Metadata.LastUpdatedAt = time.Now().UTC()
	if s.doc.Metadata.CreatedAt.IsZero() {
		s.doc.Metadata.CreatedAt = s.doc.Metadata.LastUpdatedAt
	}

	// Canonicalize with a zeroed fingerprint field first so the fingerprint
	// is a hash of everything except itself, then stamp it in.
	s.doc.Metadata.Fingerprint = nil
	canonical, err := json.Marshal(s.doc)
	if err != nil {
		s.rollbackLocked()
		return vaulterr.Internal("marshal vault document", err)
	}
	s.doc.Metadata.Fingerprint = vaultcrypto.Fingerprint(canonical)

	final, err := json.Marshal(s.doc)
	if err != nil {
		s.rollbackLocked()
		return vaulterr.Internal("marshal vault document", err)
	}

	if err := vaultfile.WriteFile(s.path, s.header, final, s.dek); err != nil {
		s.rollbackLocked()
		return err
	}

	s.isDirty = false
	s.lastGood = s.cloneDoc()
	s.publish(eventbus.Event{Kind: eventbus.KindVaultSaved, Outcome: eventbus.OutcomeSuccess})
	return nil
}

// rollbackLocked restores the document to the last known-good snapshot,
// leaving isDirty set. Must be called with s.mu held. A fresh store that
// has never saved successfully has no snapshot to restore; the current
// document stands so the initial Save can be retried as-is.
func (s *Store) rollbackLocked() {
	if restored := cloneDocument(s.lastGood); restored != nil {
		s.doc = restored
	}
}

// EnterSafeMode transitions the store to read-only safe mode after an
// integrity violation is detected elsewhere (e.g. audit chain verification
// failing). No further mutations are accepted until an operator clears it
// by reconstructing a Store via Load against a known-good file.
func (s *Store) EnterSafeMode() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.safeMode = true
	s.publish(eventbus.Event{Kind: eventbus.KindVaultIntegrityViol, Outcome: eventbus.OutcomeError})
}

// Fingerprint returns the document's last-computed fingerprint.
func (s *Store) Fingerprint() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Metadata.Fingerprint
}
