package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendStage(t *testing.T, j *Journal, runID, stage string, exitCode int) *Entry {
	t.Helper()
	e, err := NewEntry(j.NextIndex(), runID, stage, exitCode, "", "", j.LastHash(), "local")
	require.NoError(t, err)
	require.NoError(t, j.Append(e))
	return e
}

func TestAppendAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path)
	require.NoError(t, err)

	appendStage(t, j, "run-1", "install", 0)
	appendStage(t, j, "run-1", "create test py", 0)
	appendStage(t, j, "run-1", "running test py", 1)

	require.NoError(t, j.Verify())

	// Reopen from disk and verify again.
	j2, err := Open(path)
	require.NoError(t, err)
	require.Len(t, j2.Entries(), 3)
	assert.NoError(t, j2.Verify())
	assert.Equal(t, j.LastHash(), j2.LastHash())
}

func TestAppendNewSerializesConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path)
	require.NoError(t, err)

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := j.AppendNew(fmt.Sprintf("run-%d", w), "build", 0, "", "", "local")
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, j.Entries(), writers*perWriter)
	require.NoError(t, j.Verify())

	// The file on disk carries the full chain too.
	j2, err := Open(path)
	require.NoError(t, err)
	require.Len(t, j2.Entries(), writers*perWriter)
	assert.NoError(t, j2.Verify())
}

func TestAppendRejectsBrokenChain(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.jsonl"))
	require.NoError(t, err)

	appendStage(t, j, "run-1", "install", 0)

	e, err := NewEntry(j.NextIndex(), "run-1", "test", 0, "", "", "not-the-last-hash", "local")
	require.NoError(t, err)
	assert.ErrorContains(t, j.Append(e), "prevHash mismatch")
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path)
	require.NoError(t, err)
	appendStage(t, j, "run-1", "install", 0)
	appendStage(t, j, "run-1", "test", 0)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"exitCode":0`, `"exitCode":7`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	j2, err := Open(path)
	require.NoError(t, err)
	assert.ErrorContains(t, j2.Verify(), "hash mismatch")
}

func TestSignedJournal(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	j, err := OpenSigned(filepath.Join(dir, "journal.jsonl"), priv, pub)
	require.NoError(t, err)

	e := appendStage(t, j, "run-1", "install", 0)
	assert.NotEmpty(t, e.Signature)
	assert.NotEmpty(t, e.PubKey)
	require.NoError(t, j.Verify())

	// A flipped signature must fail verification.
	j.entries[0].Signature = strings.Repeat("00", 64)
	assert.ErrorContains(t, j.Verify(), "signature invalid")
}

func TestEnsureKeyPairRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pubPath := filepath.Join(dir, "keys", "journal.pub")
	privPath := filepath.Join(dir, "keys", "journal.priv")

	pub, priv, err := EnsureKeyPair(pubPath, privPath)
	require.NoError(t, err)

	pub2, priv2, err := EnsureKeyPair(pubPath, privPath)
	require.NoError(t, err)
	assert.Equal(t, pub, pub2)
	assert.Equal(t, priv, priv2)
}
