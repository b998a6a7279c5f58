package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-github/v68/github"

	"github.com/gosuda/datapr/internal/domain"
)

// ChangeRequest is one pull request to open against the default branch.
type ChangeRequest struct {
	Title  string
	Body   string
	Branch string
}

// ChangeRequester opens remote change requests and returns their URL.
type ChangeRequester interface {
	Create(ctx context.Context, token string, cr ChangeRequest) (string, error)
}

// githubGateway opens pull requests via the GitHub REST API.
type githubGateway struct {
	owner string
	repo  string
}

func NewGitHubGateway(owner, repo string) ChangeRequester {
	return &githubGateway{owner: owner, repo: repo}
}

func (g *githubGateway) Create(ctx context.Context, token string, cr ChangeRequest) (string, error) {
	client := github.NewClient(nil).WithAuthToken(token)

	repo, _, err := client.Repositories.Get(ctx, g.owner, g.repo)
	if err != nil {
		return "", fmt.Errorf("pipeline.githubGateway.Create: get repository: %w", err)
	}

	pr, _, err := client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
		Title: github.Ptr(cr.Title),
		Head:  github.Ptr(cr.Branch),
		Base:  github.Ptr(repo.GetDefaultBranch()),
		Body:  github.Ptr(cr.Body),
	})
	if err != nil {
		return "", fmt.Errorf("pipeline.githubGateway.Create: create pull request: %w", err)
	}

	return pr.GetHTMLURL(), nil
}

// commitMessage embeds the request id so duplicates are auditable after the
// fact.
func commitMessage(msg domain.DispatchMessage, datasetName string) string {
	return fmt.Sprintf(
		"feat: add BigQuery dataset %s\n\n"+
			"Created via datapr\n"+
			"- Location: %s\n"+
			"- Labels: %s\n"+
			"- Owner: %s\n\n"+
			"Request ID: %s\n",
		datasetName, msg.Location, labelSummary(msg.Labels), msg.ServiceAccount, msg.RequestID,
	)
}

func pullRequestTitle(datasetName string) string {
	return "Add BigQuery dataset: " + datasetName
}

func pullRequestBody(msg domain.DispatchMessage, datasetName string) string {
	var b strings.Builder

	b.WriteString("## New BigQuery Dataset\n\n")
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Dataset | `%s` |\n", datasetName)
	fmt.Fprintf(&b, "| Location | `%s` |\n", msg.Location)
	fmt.Fprintf(&b, "| Labels | %s |\n", labelSummary(msg.Labels))
	fmt.Fprintf(&b, "| Owner | `%s` |\n", msg.ServiceAccount)
	fmt.Fprintf(&b, "\nRequest ID: `%s`\n", msg.RequestID)

	return b.String()
}

// labelSummary renders labels as stable "k=v" text, sorted by key.
func labelSummary(labels map[string]string) string {
	if len(labels) == 0 {
		return "none"
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ", ")
}
