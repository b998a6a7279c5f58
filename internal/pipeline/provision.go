package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/datapr/internal/domain"
	"github.com/gosuda/datapr/internal/render"
)

// Secrets is the blocking fetch-by-name the provisioner pulls the git
// token from.
type Secrets interface {
	Get(ctx context.Context, name string) (string, error)
}

// ProvisionerConfig carries the target-repository settings.
type ProvisionerConfig struct {
	TokenSecretName string
	DatasetsDir     string
	WorkDirRoot     string // "" means the system temp dir
}

// Provisioner executes the side-effecting sequence for one request:
// checkout, branch, render, write, commit, push, pull request. Every step
// is re-executable from scratch on redelivery; branch names embed a
// timestamp so a retry after a partial push lands on a fresh branch.
type Provisioner struct {
	git     GitGateway
	prs     ChangeRequester
	secrets Secrets
	cfg     ProvisionerConfig
	now     func() time.Time
}

func NewProvisioner(git GitGateway, prs ChangeRequester, secrets Secrets, cfg ProvisionerConfig) *Provisioner {
	return &Provisioner{
		git:     git,
		prs:     prs,
		secrets: secrets,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Provision runs the full sequence and returns the change-request URL.
// Errors are classified via StepError; only permanent ones should stop
// redelivery.
func (p *Provisioner) Provision(ctx context.Context, msg domain.DispatchMessage) (string, error) {
	// Render first: a bad dataset name is a permanent input error and must
	// not touch the remote at all.
	datasetName, content, err := render.Dataset(msg.Payload(), msg.RequestID)
	if err != nil {
		return "", permanentErr("render", err)
	}

	token, err := p.secrets.Get(ctx, p.cfg.TokenSecretName)
	if err != nil {
		return "", transientErr("secret-fetch", err)
	}

	// Exclusive working storage per message, released regardless of outcome.
	workDir, err := os.MkdirTemp(p.cfg.WorkDirRoot, "datapr-checkout-*")
	if err != nil {
		return "", transientErr("workdir", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			log.Warn().Err(rmErr).Str("dir", workDir).Msg("failed to remove working storage")
		}
	}()

	co, err := p.git.Clone(ctx, workDir, token)
	if err != nil {
		return "", transientErr("clone", err)
	}

	branch := p.branchName(datasetName)
	if err := co.CreateBranch(branch); err != nil {
		return "", transientErr("branch", err)
	}

	relPath := render.RelativePath(p.cfg.DatasetsDir, datasetName)
	if err := co.WriteFile(relPath, []byte(content)); err != nil {
		return "", transientErr("write", err)
	}

	if err := co.Commit(relPath, commitMessage(msg, datasetName)); err != nil {
		return "", transientErr("commit", err)
	}

	if err := co.Push(ctx, branch); err != nil {
		// Includes ErrBranchCollision: fatal for this attempt only, since
		// redelivery retries on a fresh timestamped branch.
		return "", transientErr("push", err)
	}

	url, err := p.prs.Create(ctx, token, ChangeRequest{
		Title:  pullRequestTitle(datasetName),
		Body:   pullRequestBody(msg, datasetName),
		Branch: branch,
	})
	if err != nil {
		return "", transientErr("pull-request", err)
	}

	log.Info().
		Str("request_id", msg.RequestID).
		Str("dataset", datasetName).
		Str("branch", branch).
		Str("url", url).
		Msg("change request created")

	return url, nil
}

// branchName derives a deterministic-per-attempt branch from the dataset
// name and a timestamp. Collisions on redelivery are reduced, not
// eliminated; a collision fails the attempt rather than overwriting.
func (p *Provisioner) branchName(datasetName string) string {
	return fmt.Sprintf("dataset/%s-%d", datasetName, p.now().Unix())
}
