package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// ErrBranchCollision is returned when pushing a branch that already exists
// on the remote with different history. The attempt fails; a redelivery
// derives a fresh timestamped branch name.
var ErrBranchCollision = errors.New("pipeline: branch already exists on remote")

// Checkout is one exclusive working copy of the target repository. It is
// never shared across concurrent messages.
type Checkout interface {
	CreateBranch(name string) error
	WriteFile(relPath string, content []byte) error
	Commit(relPath, message string) error
	Push(ctx context.Context, branch string) error
}

// GitGateway produces fresh checkouts.
type GitGateway interface {
	Clone(ctx context.Context, dir, token string) (Checkout, error)
}

// gitGateway clones over HTTPS with a short-lived token.
type gitGateway struct {
	repoURL     string
	authorName  string
	authorEmail string
}

func NewGitGateway(repoURL, authorName, authorEmail string) GitGateway {
	return &gitGateway{
		repoURL:     repoURL,
		authorName:  authorName,
		authorEmail: authorEmail,
	}
}

func (g *gitGateway) Clone(ctx context.Context, dir, token string) (Checkout, error) {
	auth := &githttp.BasicAuth{Username: "x-access-token", Password: token}

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:          g.repoURL,
		Auth:         auth,
		Depth:        1,
		SingleBranch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline.gitGateway.Clone: %w", err)
	}

	return &checkout{
		repo:        repo,
		dir:         dir,
		auth:        auth,
		authorName:  g.authorName,
		authorEmail: g.authorEmail,
	}, nil
}

type checkout struct {
	repo        *git.Repository
	dir         string
	auth        *githttp.BasicAuth
	authorName  string
	authorEmail string
}

func (c *checkout) CreateBranch(name string) error {
	wt, err := c.repo.Worktree()
	if err != nil {
		return fmt.Errorf("pipeline.checkout.CreateBranch: %w", err)
	}

	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	})
	if err != nil {
		return fmt.Errorf("pipeline.checkout.CreateBranch: checkout %q: %w", name, err)
	}

	return nil
}

func (c *checkout) WriteFile(relPath string, content []byte) error {
	abs := filepath.Join(c.dir, filepath.FromSlash(relPath))

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("pipeline.checkout.WriteFile: mkdir: %w", err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return fmt.Errorf("pipeline.checkout.WriteFile: %w", err)
	}

	return nil
}

func (c *checkout) Commit(relPath, message string) error {
	wt, err := c.repo.Worktree()
	if err != nil {
		return fmt.Errorf("pipeline.checkout.Commit: %w", err)
	}

	if _, err := wt.Add(relPath); err != nil {
		return fmt.Errorf("pipeline.checkout.Commit: stage %q: %w", relPath, err)
	}

	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  c.authorName,
			Email: c.authorEmail,
			When:  time.Now().UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("pipeline.checkout.Commit: %w", err)
	}

	return nil
}

func (c *checkout) Push(ctx context.Context, branch string) error {
	refSpec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))

	err := c.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       c.auth,
	})
	if err != nil {
		if strings.Contains(err.Error(), "non-fast-forward") {
			return fmt.Errorf("pipeline.checkout.Push: branch %q: %w", branch, ErrBranchCollision)
		}
		return fmt.Errorf("pipeline.checkout.Push: %w", err)
	}

	return nil
}
