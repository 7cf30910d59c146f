// Package vaultfile implements canonical serialization and the durable,
// atomic, single-writer-locked vault file format.
//
//	Magic(8 bytes) "VLT1" | HeaderLen(u32 BE) | Header(JSON) | Sealed(bytes)
//
// Sealed is vaultcrypto's nonce||ciphertext||tag AEAD output, authenticated
// against the raw header bytes so the header cannot be substituted without
// invalidating the payload.
package vaultfile

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/vaultwright/secretcore/internal/vaultcrypto"
	"github.com/vaultwright/secretcore/internal/vaulterr"
)

// Magic is the 8-byte file signature. The trailing bytes encode the format
// revision so future incompatible framing changes are detectable before the
// header is even parsed.
var Magic = [8]byte{'V', 'L', 'T', '1', 0, 0, 0, 1}

// CurrentSchemaVersion is the schema version this codec writes. Readers
// refuse files whose version is greater than this; in-place migrations are
// reserved for later schema evolution.
const CurrentSchemaVersion = 1

const lockSuffix = ".lock"
const tmpSuffix = ".tmp"

// Recipient is one wrapped-DEK entry in the header. A vault may carry
// several, e.g. an operator passphrase and a machine-held raw key.
type Recipient struct {
	ID         string                    `json:"id"`
	Kind       vaultcrypto.RecipientKind `json:"kind"`
	Salt       []byte                    `json:"salt,omitempty"`
	Iterations int                       `json:"iterations,omitempty"`
	Info       string                    `json:"info,omitempty"`
	WrappedDEK []byte                    `json:"wrappedDek"`
}

// Header is the authenticated, cleartext preamble of the vault file.
type Header struct {
	SchemaVersion   int         `json:"schemaVersion"`
	Algo            string      `json:"algo"`
	Recipients      []Recipient `json:"recipients"`
	CreatedAt       time.Time   `json:"createdAt"`
	FingerprintAlgo string      `json:"fingerprintAlgo"`
}

// NewHeader builds a header for a fresh vault file.
func NewHeader() Header {
	return Header{
		SchemaVersion:   CurrentSchemaVersion,
		Algo:            "AEAD-v1",
		FingerprintAlgo: "sha256",
		CreatedAt:       time.Now().UTC(),
	}
}

// AddPassphraseRecipient wraps dek under a passphrase-derived key and
// appends the resulting recipient to the header.
func (h *Header) AddPassphraseRecipient(id, passphrase string, dek []byte, params vaultcrypto.KDFParams) error {
	if params.Iterations <= 0 {
		params = vaultcrypto.DefaultKDFParams()
	}
	salt, err := vaultcrypto.RNG(params.SaltSize)
	if err != nil {
		return err
	}
	key := vaultcrypto.DerivePassphraseKey(passphrase, salt, params)
	wrapped, err := vaultcrypto.WrapDEK(key, dek)
	if err != nil {
		return err
	}
	h.Recipients = append(h.Recipients, Recipient{
		ID: id, Kind: vaultcrypto.RecipientPassphrase,
		Salt: salt, Iterations: params.Iterations, WrappedDEK: wrapped,
	})
	return nil
}

// AddRawKeyRecipient wraps dek under a machine-held raw key, identified by
// info (e.g. a KMS key ID string used only as HKDF context).
func (h *Header) AddRawKeyRecipient(id string, rawKey, dek []byte) error {
	key, err := vaultcrypto.DeriveRecipientKey(rawKey, id)
	if err != nil {
		return err
	}
	wrapped, err := vaultcrypto.WrapDEK(key, dek)
	if err != nil {
		return err
	}
	h.Recipients = append(h.Recipients, Recipient{
		ID: id, Kind: vaultcrypto.RecipientRawKey, Info: id, WrappedDEK: wrapped,
	})
	return nil
}

// UnlockMaterial supplies the secret needed to unwrap exactly one recipient.
type UnlockMaterial struct {
	RecipientID string
	Passphrase  string
	RawKey      []byte
}

// ResolveDEK finds the recipient named by unlock.RecipientID (or, if empty,
// the first recipient whose kind matches the supplied material) and
// unwraps its DEK.
func ResolveDEK(h Header, unlock UnlockMaterial) ([]byte, error) {
	for _, r := range h.Recipients {
		if unlock.RecipientID != "" && r.ID != unlock.RecipientID {
			continue
		}
		switch r.Kind {
		case vaultcrypto.RecipientPassphrase:
			if unlock.Passphrase == "" {
				continue
			}
			key := vaultcrypto.DerivePassphraseKey(unlock.Passphrase, r.Salt, vaultcrypto.KDFParams{Iterations: r.Iterations, SaltSize: len(r.Salt)})
			dek, err := vaultcrypto.UnwrapDEK(key, r.WrappedDEK)
			if err != nil {
				continue
			}
			return dek, nil
		case vaultcrypto.RecipientRawKey:
			if len(unlock.RawKey) == 0 {
				continue
			}
			key, err := vaultcrypto.DeriveRecipientKey(unlock.RawKey, r.Info)
			if err != nil {
				continue
			}
			dek, err := vaultcrypto.UnwrapDEK(key, r.WrappedDEK)
			if err != nil {
				continue
			}
			return dek, nil
		}
	}
	return nil, vaulterr.New(vaulterr.CodeAuth, "no recipient could be unwrapped with the supplied material")
}

// WriteFile canonicalizes header and cleartext, encrypts cleartext under
// dek (AAD-bound to the raw header bytes), and writes the result
// atomically: serialize to vault.tmp, fsync, rename over the target,
// fsync the containing directory.
func WriteFile(path string, header Header, cleartext []byte, dek []byte) error {
	lock := flock.New(path + lockSuffix)
	locked, err := lock.TryLock()
	if err != nil {
		return vaulterr.IOFailure("acquire writer lock", err)
	}
	if !locked {
		return vaulterr.LockedByAnotherWriter()
	}
	defer lock.Unlock()

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return vaulterr.Internal("marshal header", err)
	}

	sealed, err := vaultcrypto.SealWithKey(dek, headerBytes, cleartext)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Write(Magic[:])
	var lenField [4]byte
	binary.BigEndian.PutUint32(lenField[:], uint32(len(headerBytes)))
	buf.Write(lenField[:])
	buf.Write(headerBytes)
	buf.Write(sealed)

	dir := filepath.Dir(path)
	tmpPath := path + tmpSuffix

	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return vaulterr.IOFailure("open vault.tmp", err)
	}
	if _, err := tmpFile.Write(buf.Bytes()); err != nil {
		tmpFile.Close()
		return vaulterr.IOFailure("write vault.tmp", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return vaulterr.IOFailure("fsync vault.tmp", err)
	}
	if err := tmpFile.Close(); err != nil {
		return vaulterr.IOFailure("close vault.tmp", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return vaulterr.IOFailure("rename vault.tmp over vault", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		_ = dirFile.Close()
	}

	return nil
}

// ReadFile opens path under a shared lock, verifies framing and schema
// version, resolves the DEK via unlock, and authenticates+decrypts the
// payload. Any integrity failure is returned as a vaulterr IntegrityError,
// fatal to the caller. The resolved DEK is returned to the caller (the
// vault store) so it can decrypt individual per-secret envelopes on
// demand; the caller owns zeroizing it on close.
func ReadFile(path string, unlock UnlockMaterial) (Header, []byte, []byte, error) {
	lock := flock.New(path + lockSuffix)
	locked, err := lock.TryRLock()
	if err != nil {
		return Header{}, nil, nil, vaulterr.IOFailure("acquire reader lock", err)
	}
	if !locked {
		return Header{}, nil, nil, vaulterr.LockedByAnotherWriter()
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Header{}, nil, nil, vaulterr.NotFound("vault", path)
		}
		return Header{}, nil, nil, vaulterr.IOFailure("read vault file", err)
	}

	if len(raw) < len(Magic)+4 {
		return Header{}, nil, nil, vaulterr.IntegrityViolation(fmt.Errorf("file shorter than framing preamble"))
	}
	if !bytes.Equal(raw[:len(Magic)], Magic[:]) {
		return Header{}, nil, nil, vaulterr.IntegrityViolation(fmt.Errorf("bad magic"))
	}

	headerLen := binary.BigEndian.Uint32(raw[len(Magic) : len(Magic)+4])
	offset := len(Magic) + 4
	if offset+int(headerLen) > len(raw) {
		return Header{}, nil, nil, vaulterr.IntegrityViolation(fmt.Errorf("header length exceeds file size"))
	}
	headerBytes := raw[offset : offset+int(headerLen)]
	sealed := raw[offset+int(headerLen):]

	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return Header{}, nil, nil, vaulterr.IntegrityViolation(fmt.Errorf("parse header: %w", err))
	}

	if header.SchemaVersion > CurrentSchemaVersion {
		return Header{}, nil, nil, vaulterr.SchemaError(fmt.Sprintf("vault schema version %d is newer than supported %d", header.SchemaVersion, CurrentSchemaVersion))
	}

	dek, err := ResolveDEK(header, unlock)
	if err != nil {
		return Header{}, nil, nil, err
	}

	cleartext, err := vaultcrypto.OpenWithKey(dek, headerBytes, sealed)
	if err != nil {
		vaultcrypto.Zero(dek)
		return Header{}, nil, nil, err
	}

	return header, cleartext, dek, nil
}

// Exists reports whether a vault file is already present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
