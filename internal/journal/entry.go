// Package journal keeps a tamper-evident, append-only record of stage
// executions: each entry links to the previous one by hash, and entries
// can optionally be ed25519-signed.
package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is a tamper-evident record for one executed stage.
type Entry struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	RunID     string `json:"runId"`
	Stage     string `json:"stage"`
	ExitCode  int    `json:"exitCode"`
	LogPath   string `json:"logPath"`
	LogDigest string `json:"logDigest"`
	PrevHash  string `json:"prevHash"`
	Hash      string `json:"hash"`
	Agent     string `json:"agent,omitempty"`
	Signature string `json:"signature,omitempty"`
	PubKey    string `json:"pubKey,omitempty"`
}

// canonicalData returns the JSON bytes the entry hash is computed over.
// Hash, Signature and PubKey are excluded.
func (e *Entry) canonicalData() ([]byte, error) {
	view := struct {
		Index     int    `json:"index"`
		Timestamp string `json:"timestamp"`
		RunID     string `json:"runId"`
		Stage     string `json:"stage"`
		ExitCode  int    `json:"exitCode"`
		LogPath   string `json:"logPath"`
		LogDigest string `json:"logDigest"`
		PrevHash  string `json:"prevHash"`
		Agent     string `json:"agent,omitempty"`
	}{
		Index:     e.Index,
		Timestamp: e.Timestamp,
		RunID:     e.RunID,
		Stage:     e.Stage,
		ExitCode:  e.ExitCode,
		LogPath:   e.LogPath,
		LogDigest: e.LogDigest,
		PrevHash:  e.PrevHash,
		Agent:     e.Agent,
	}
	return json.Marshal(view)
}

// ComputeHash calculates sha256 over the canonical entry data.
func (e *Entry) ComputeHash() (string, error) {
	data, err := e.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NewEntry constructs an entry and computes its hash (no signature yet).
func NewEntry(index int, runID, stage string, exitCode int, logPath, logDigest, prevHash, agent string) (*Entry, error) {
	e := &Entry{
		Index:     index,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RunID:     runID,
		Stage:     stage,
		ExitCode:  exitCode,
		LogPath:   logPath,
		LogDigest: logDigest,
		PrevHash:  prevHash,
		Agent:     agent,
	}
	h, err := e.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute entry hash: %w", err)
	}
	e.Hash = h
	return e, nil
}
