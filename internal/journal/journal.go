package journal

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Journal is an append-only JSONL file of hash-chained entries, mirrored
// in memory.
type Journal struct {
	mu      sync.Mutex
	entries []*Entry
	path    string
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
}

// Open loads an existing journal file or starts an empty one. Entries
// appended through an unsigned journal carry no signature.
func Open(path string) (*Journal, error) {
	j := &Journal{path: path}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("create journal file: %w", err)
		}
		_ = f.Close()
		return j, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read journal file: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode journal entry: %w", err)
		}
		j.entries = append(j.entries, &e)
	}
	return j, nil
}

// OpenSigned opens a journal that signs every appended entry.
func OpenSigned(path string, priv ed25519.PrivateKey, pub ed25519.PublicKey) (*Journal, error) {
	j, err := Open(path)
	if err != nil {
		return nil, err
	}
	if len(priv) == 0 || len(pub) == 0 {
		return nil, fmt.Errorf("signed journal needs a complete keypair")
	}
	j.priv = priv
	j.pub = pub
	return j, nil
}

// Append validates the chain link, signs the entry when a key is
// configured, persists it, and keeps it in memory.
func (j *Journal) Append(e *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendLocked(e)
}

// AppendNew builds the next entry and appends it in one critical
// section. Concurrent writers each get a consistent index and chain
// link; constructing the entry from NextIndex/LastHash outside the lock
// would race.
func (j *Journal) AppendNew(runID, stage string, exitCode int, logPath, logDigest, agent string) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	prev := ""
	if n := len(j.entries); n > 0 {
		prev = j.entries[n-1].Hash
	}
	e, err := NewEntry(len(j.entries), runID, stage, exitCode, logPath, logDigest, prev, agent)
	if err != nil {
		return nil, err
	}
	if err := j.appendLocked(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (j *Journal) appendLocked(e *Entry) error {
	// Recompute so the canonical fields and hash always match.
	h, err := e.ComputeHash()
	if err != nil {
		return fmt.Errorf("recompute entry hash: %w", err)
	}
	e.Hash = h

	if n := len(j.entries); n > 0 {
		last := j.entries[n-1]
		if e.PrevHash != last.Hash {
			return fmt.Errorf("prevHash mismatch: expected %s, got %s", last.Hash, e.PrevHash)
		}
	}

	if j.priv != nil {
		sig := ed25519.Sign(j.priv, []byte(e.Hash))
		e.Signature = hex.EncodeToString(sig)
		e.PubKey = hex.EncodeToString(j.pub)
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(e); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}

	j.entries = append(j.entries, e)
	return nil
}

// NextIndex returns the index the next entry should carry.
func (j *Journal) NextIndex() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// LastHash returns the hash of the newest entry, or "" for an empty
// journal.
func (j *Journal) LastHash() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) == 0 {
		return ""
	}
	return j.entries[len(j.entries)-1].Hash
}

// Entries returns a copy of the in-memory entry list.
func (j *Journal) Entries() []*Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Verify recomputes every entry hash, checks the chain links and
// indices, and verifies signatures where present.
func (j *Journal) Verify() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i, e := range j.entries {
		h, err := e.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", e.Index, err)
		}
		if h != e.Hash {
			return fmt.Errorf("hash mismatch at index %d", e.Index)
		}
		if i > 0 && e.PrevHash != j.entries[i-1].Hash {
			return fmt.Errorf("prevHash mismatch at index %d", e.Index)
		}
		if e.Index != i {
			return fmt.Errorf("index mismatch: expected %d, got %d", i, e.Index)
		}
		if e.Signature != "" {
			pub, err := hex.DecodeString(e.PubKey)
			if err != nil {
				return fmt.Errorf("decode pubkey at index %d: %w", e.Index, err)
			}
			sig, err := hex.DecodeString(e.Signature)
			if err != nil {
				return fmt.Errorf("decode signature at index %d: %w", e.Index, err)
			}
			if !ed25519.Verify(ed25519.PublicKey(pub), []byte(e.Hash), sig) {
				return fmt.Errorf("signature invalid at index %d", e.Index)
			}
		}
	}
	return nil
}
