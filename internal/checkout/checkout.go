// Package checkout clones a pipeline's source repository into the run
// workspace before the first stage executes.
package checkout

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"conveyor/internal/core"
)

// Client fetches pipeline sources with go-git.
type Client struct {
	logger *zap.Logger
}

func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{logger: logger}
}

// Fetch clones src into workDir. The directory must be empty; the runner
// hands each run a fresh workspace.
func (c *Client) Fetch(ctx context.Context, src core.Source, workDir string) error {
	opts := &git.CloneOptions{URL: src.URL}
	if src.Branch != "" {
		opts.ReferenceName = plumbing.ReferenceName("refs/heads/" + src.Branch)
		opts.SingleBranch = true
	}
	if src.Depth > 0 {
		opts.Depth = src.Depth
	}

	repo, err := git.PlainCloneContext(ctx, workDir, false, opts)
	if err != nil {
		return fmt.Errorf("clone %s: %w", src.URL, err)
	}

	if ref, herr := repo.Head(); herr == nil {
		c.logger.Info("source cloned",
			zap.String("url", src.URL),
			zap.String("commit", ref.Hash().String()[:8]),
			zap.String("workdir", workDir))
	} else {
		c.logger.Info("source cloned", zap.String("url", src.URL), zap.String("workdir", workDir))
	}
	return nil
}
