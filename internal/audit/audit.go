// Package audit keeps an append-only, hash-chained record of
// security-relevant events, one file per epoch.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vaultwright/secretcore/internal/vaulterr"
)

// Outcome classifies how an operation concluded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Entry is one append-only audit record. It never carries plaintext secret
// values, only checksums.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Epoch     int       `json:"epoch"`
	Timestamp time.Time `json:"ts"`
	EventKind string    `json:"kind"`
	Principal string    `json:"principal,omitempty"`
	TokenID   string    `json:"tokenId,omitempty"`
	Project   string    `json:"project,omitempty"`
	Key       string    `json:"key,omitempty"`
	Version   int       `json:"version,omitempty"`
	Checksum  []byte    `json:"checksum,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Details   string    `json:"details,omitempty"`
	PrevHash  []byte    `json:"prevHash"`
	Hash      []byte    `json:"hash"`
}

func (e Entry) signable() Entry {
	clone := e
	clone.Hash = nil
	return clone
}

func computeHash(e Entry) []byte {
	canonical, _ := json.Marshal(e.signable())
	sum := sha256.Sum256(canonical)
	return sum[:]
}

type epochHeader struct {
	Epoch          int    `json:"epoch"`
	PriorEpochHash []byte `json:"priorEpochHash,omitempty"`
}

func genesisHash(epoch int, priorEpochHash []byte) []byte {
	sum := sha256.New()
	_ = binary.Write(sum, binary.BigEndian, int64(epoch))
	sum.Write(priorEpochHash)
	return sum.Sum(nil)
}

// Log is an append-only hash-chained audit log, persisted as one file per
// epoch under dir.
type Log struct {
	mu       sync.Mutex
	dir      string
	epoch    int
	file     *os.File
	seq      uint64
	lastHash []byte
}

func epochFilename(epoch int) string {
	return fmt.Sprintf("epoch-%020d.log", epoch)
}

// Open opens (or creates) the audit log directory and resumes from the
// latest epoch file, replaying it to recover seq/lastHash.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, vaulterr.IOFailure("mkdir audit dir", err)
	}

	epochs, err := listEpochs(dir)
	if err != nil {
		return nil, err
	}

	l := &Log{dir: dir}

	if len(epochs) == 0 {
		l.epoch = 0
		l.lastHash = genesisHash(0, nil)
		if err := l.openEpochFile(true); err != nil {
			return nil, err
		}
		return l, nil
	}

	l.epoch = epochs[len(epochs)-1]
	if err := l.openEpochFile(false); err != nil {
		return nil, err
	}
	if err := l.replay(); err != nil {
		return nil, err
	}
	return l, nil
}

func listEpochs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, vaulterr.IOFailure("read audit dir", err)
	}
	var epochs []int
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "epoch-%020d.log", &n); err == nil {
			epochs = append(epochs, n)
		}
	}
	sort.Ints(epochs)
	return epochs, nil
}

func (l *Log) path() string {
	return filepath.Join(l.dir, epochFilename(l.epoch))
}

func (l *Log) openEpochFile(fresh bool) error {
	flags := os.O_CREATE | os.O_RDWR
	if fresh {
		flags |= os.O_EXCL
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(l.path(), flags, 0600)
	if err != nil {
		return vaulterr.IOFailure("open epoch file", err)
	}
	l.file = f

	if fresh {
		header := epochHeader{Epoch: l.epoch}
		if err := l.writeHeader(header); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) writeHeader(h epochHeader) error {
	data, err := json.Marshal(h)
	if err != nil {
		return vaulterr.Internal("marshal epoch header", err)
	}
	return l.writeRecord(data)
}

func (l *Log) writeRecord(data []byte) error {
	var lenField [4]byte
	binary.BigEndian.PutUint32(lenField[:], uint32(len(data)))
	if _, err := l.file.Write(lenField[:]); err != nil {
		return vaulterr.IOFailure("write audit record length", err)
	}
	if _, err := l.file.Write(data); err != nil {
		return vaulterr.IOFailure("write audit record", err)
	}
	if _, err := l.file.Write([]byte{'\n'}); err != nil {
		return vaulterr.IOFailure("write audit record separator", err)
	}
	return l.file.Sync()
}

// replay reads the current epoch file from the start to recover the last
// seq/hash after a restart.
func (l *Log) replay() error {
	if _, err := l.file.Seek(0, 0); err != nil {
		return vaulterr.IOFailure("seek epoch file", err)
	}
	reader := bufio.NewReader(l.file)

	first := true
	var lastHash []byte
	var lastSeq uint64

	for {
		record, err := readRecord(reader)
		if err != nil {
			break
		}
		if first {
			var header epochHeader
			if err := json.Unmarshal(record, &header); err != nil {
				return vaulterr.IntegrityViolation(fmt.Errorf("parse epoch header: %w", err))
			}
			lastHash = genesisHash(header.Epoch, header.PriorEpochHash)
			first = false
			continue
		}
		var entry Entry
		if err := json.Unmarshal(record, &entry); err != nil {
			return vaulterr.IntegrityViolation(fmt.Errorf("parse audit entry: %w", err))
		}
		lastHash = entry.Hash
		lastSeq = entry.Seq
	}

	if _, err := l.file.Seek(0, 2); err != nil {
		return vaulterr.IOFailure("seek to end of epoch file", err)
	}

	l.lastHash = lastHash
	l.seq = lastSeq
	return nil
}

func readRecord(r *bufio.Reader) ([]byte, error) {
	var lenField [4]byte
	if _, err := io.ReadFull(r, lenField[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenField[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	// consume trailing newline separator
	_, _ = r.ReadByte()
	return data, nil
}

// Append writes a new entry, computing seq and the hash chain link, and
// fsyncs before returning.
func (l *Log) Append(e Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.Seq = l.seq
	e.Epoch = l.epoch
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.PrevHash = l.lastHash
	e.Hash = computeHash(e)

	data, err := json.Marshal(e)
	if err != nil {
		return 0, vaulterr.Internal("marshal audit entry", err)
	}
	if err := l.writeRecord(data); err != nil {
		return 0, err
	}
	l.lastHash = e.Hash
	return e.Seq, nil
}

// Rotate closes the current epoch and begins a new one, recording the
// prior epoch's final hash in the new epoch's header so Verify can span
// epochs.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	priorHash := l.lastHash
	if err := l.file.Close(); err != nil {
		return vaulterr.IOFailure("close epoch file", err)
	}
	l.epoch++
	l.seq = 0
	l.lastHash = genesisHash(l.epoch, priorHash)

	f, err := os.OpenFile(l.path(), os.O_CREATE|os.O_RDWR|os.O_EXCL, 0600)
	if err != nil {
		return vaulterr.IOFailure("open new epoch file", err)
	}
	l.file = f
	return l.writeHeader(epochHeader{Epoch: l.epoch, PriorEpochHash: priorHash})
}

// Close flushes and closes the current epoch file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// BrokenAt, when non-nil, names the first seq (within its epoch) whose
// hash chain link does not verify.
type BrokenAt struct {
	Epoch int
	Seq   uint64
}

// Verify walks every epoch file in dir in order and checks the hash chain,
// including the cross-epoch link recorded in each epoch's header.
func Verify(dir string) (*BrokenAt, error) {
	epochs, err := listEpochs(dir)
	if err != nil {
		return nil, err
	}

	var lastHash []byte
	for _, epoch := range epochs {
		path := filepath.Join(dir, epochFilename(epoch))
		f, err := os.Open(path)
		if err != nil {
			return nil, vaulterr.IOFailure("open epoch file", err)
		}
		reader := bufio.NewReader(f)

		record, err := readRecord(reader)
		if err != nil {
			f.Close()
			return nil, vaulterr.IntegrityViolation(fmt.Errorf("read epoch header: %w", err))
		}
		var header epochHeader
		if err := json.Unmarshal(record, &header); err != nil {
			f.Close()
			return nil, vaulterr.IntegrityViolation(fmt.Errorf("parse epoch header: %w", err))
		}

		expectedGenesis := genesisHash(header.Epoch, header.PriorEpochHash)
		if lastHash != nil && !bytesEqual(header.PriorEpochHash, lastHash) {
			f.Close()
			return &BrokenAt{Epoch: epoch, Seq: 0}, nil
		}
		chainHash := expectedGenesis

		for {
			record, err := readRecord(reader)
			if err != nil {
				break
			}
			var entry Entry
			if err := json.Unmarshal(record, &entry); err != nil {
				f.Close()
				return nil, vaulterr.IntegrityViolation(fmt.Errorf("parse entry: %w", err))
			}
			if !bytesEqual(entry.PrevHash, chainHash) {
				f.Close()
				return &BrokenAt{Epoch: epoch, Seq: entry.Seq}, nil
			}
			want := computeHash(entry)
			if !bytesEqual(want, entry.Hash) {
				f.Close()
				return &BrokenAt{Epoch: epoch, Seq: entry.Seq}, nil
			}
			chainHash = entry.Hash
		}
		f.Close()
		lastHash = chainHash
	}

	return nil, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
