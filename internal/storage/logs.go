// Package storage persists stage output logs as plain files, one
// directory per run.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"conveyor/pkg/utils"
)

// LogStore manages saving stage logs to files.
type LogStore struct {
	BaseDir string
}

// NewLogStore creates a log store rooted at baseDir.
func NewLogStore(baseDir string) *LogStore {
	return &LogStore{BaseDir: baseDir}
}

// Save writes one stage's combined output under <base>/<runID>/ and
// returns the file path plus the sha256 digest of the content. The index
// prefix keeps directory listings in execution order.
func (ls *LogStore) Save(runID string, index int, stage string, output []byte) (string, string, error) {
	dir := filepath.Join(ls.BaseDir, sanitize(runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create log directory: %w", err)
	}

	filename := fmt.Sprintf("%02d_%s.log", index, sanitize(stage))
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, output, 0o644); err != nil {
		return "", "", fmt.Errorf("write log file: %w", err)
	}

	return path, utils.HashBytes(output), nil
}

// sanitize strips characters unsafe in filenames from stage names.
func sanitize(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '-', r == '_':
			clean = append(clean, r)
		case r == ' ':
			clean = append(clean, '_')
		}
	}
	if len(clean) == 0 {
		return "stage"
	}
	return string(clean)
}
