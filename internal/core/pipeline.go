package core

import (
	"errors"
	"fmt"
	"strings"
)

// Pipeline is the full definition of one run: an optional agent label, an
// optional source checkout, and an ordered list of stages. Declaration
// order is execution order.
type Pipeline struct {
	Agent  string  `yaml:"agent,omitempty"`  // label of the agent expected to execute the run
	Source *Source `yaml:"source,omitempty"` // optional repository checkout before stage 1
	Stages []Stage `yaml:"stages"`
}

// Stage is one named unit of work. Run is an opaque shell block; the
// runner passes it to the interpreter verbatim and never inspects it.
type Stage struct {
	Name string `yaml:"name"`
	Run  string `yaml:"run"`
}

// Source describes a repository to clone into the run workspace.
type Source struct {
	URL    string `yaml:"url"`
	Branch string `yaml:"branch,omitempty"`
	Depth  int    `yaml:"depth,omitempty"`
}

// Validation errors. All of them reject a definition at load time, before
// any stage executes.
var (
	ErrNoStages       = errors.New("pipeline has no stages")
	ErrEmptyStageName = errors.New("stage name is empty")
	ErrDuplicateStage = errors.New("duplicate stage name")
	ErrEmptyCommand   = errors.New("stage command is empty")
	ErrEmptySourceURL = errors.New("source url is empty")
)

// Validate checks the definition invariants: at least one stage, unique
// non-empty stage names, non-empty command blocks.
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return ErrNoStages
	}
	if p.Source != nil && strings.TrimSpace(p.Source.URL) == "" {
		return ErrEmptySourceURL
	}

	seen := make(map[string]struct{}, len(p.Stages))
	for i, st := range p.Stages {
		if strings.TrimSpace(st.Name) == "" {
			return fmt.Errorf("stage %d: %w", i+1, ErrEmptyStageName)
		}
		if _, dup := seen[st.Name]; dup {
			return fmt.Errorf("stage %q: %w", st.Name, ErrDuplicateStage)
		}
		seen[st.Name] = struct{}{}
		if strings.TrimSpace(st.Run) == "" {
			return fmt.Errorf("stage %q: %w", st.Name, ErrEmptyCommand)
		}
	}
	return nil
}
