// Package forge talks to the remote git-hosting service (Gitea).
package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"code.gitea.io/sdk/gitea"
	"github.com/hashicorp/go-retryablehttp"
)

// Config configures the Gitea client.
type Config struct {
	// URL is the server base URL, e.g. http://localhost:3000.
	URL string

	// Token authenticates every API call.
	Token string

	// Org owns the ticket repositories.
	Org string

	// HTTPRetries is how many times a request is retried on connection
	// errors and 5xx responses.
	HTTPRetries int

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// ErrNoToken is returned by NewGitea when no token is configured.
var ErrNoToken = errors.New("no access token configured")

// Gitea implements the publisher's remote collaborator with the Gitea SDK.
type Gitea struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewGitea creates a client. It does not contact the server.
func NewGitea(cfg Config, logger *slog.Logger) (*Gitea, error) {
	if cfg.Token == "" {
		return nil, ErrNoToken
	}
	if cfg.URL == "" {
		return nil, errors.New("no server url configured")
	}
	if cfg.Org == "" {
		return nil, errors.New("no organization configured")
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		rc := retryablehttp.NewClient()
		rc.RetryMax = cfg.HTTPRetries
		rc.RetryWaitMin = 500 * time.Millisecond
		rc.RetryWaitMax = 5 * time.Second
		rc.Logger = logger.With("component", "forge")
		httpClient = rc.StandardClient()
	}

	return &Gitea{cfg: cfg, http: httpClient, logger: logger}, nil
}

// client returns an SDK client bound to ctx. The SDK keeps one context per
// client, so every call gets its own.
func (g *Gitea) client(ctx context.Context) (*gitea.Client, error) {
	c, err := gitea.NewClient(g.cfg.URL,
		gitea.SetToken(g.cfg.Token),
		gitea.SetHTTPClient(g.http),
		gitea.SetContext(ctx),
		gitea.SetGiteaVersion(""),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gitea client: %w", err)
	}
	return c, nil
}

// EnsureRepo creates org/name unless it already exists. Only a 404 from the
// existence check leads to creation; any other error is returned.
func (g *Gitea) EnsureRepo(ctx context.Context, name, description string) (created bool, err error) {
	c, err := g.client(ctx)
	if err != nil {
		return false, err
	}

	_, resp, err := c.GetRepo(g.cfg.Org, name)
	if err == nil {
		g.logger.Info("repository already exists", "repo", name)
		return false, nil
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		return false, fmt.Errorf("checking repository %s/%s: %w", g.cfg.Org, name, err)
	}

	if description == "" {
		description = "Task: " + name
	}
	_, _, err = c.CreateOrgRepo(g.cfg.Org, gitea.CreateRepoOption{
		Name:        name,
		Description: description,
		Private:     false,
		AutoInit:    false,
	})
	if err != nil {
		return false, fmt.Errorf("creating repository %s/%s: %w", g.cfg.Org, name, err)
	}
	g.logger.Info("created repository", "repo", name, "org", g.cfg.Org)
	return true, nil
}

// CloneURL returns the unauthenticated HTTP clone URL of org/name.
func (g *Gitea) CloneURL(name string) string {
	return fmt.Sprintf("%s/%s/%s.git", g.cfg.URL, g.cfg.Org, name)
}

// PullRequest describes a review request to open.
type PullRequest struct {
	Repo  string
	Head  string
	Base  string
	Title string
	Body  string
}

// OpenPullRequest opens a review request and returns its number.
func (g *Gitea) OpenPullRequest(ctx context.Context, pr PullRequest) (int64, error) {
	c, err := g.client(ctx)
	if err != nil {
		return 0, err
	}
	created, _, err := c.CreatePullRequest(g.cfg.Org, pr.Repo, gitea.CreatePullRequestOption{
		Head:  pr.Head,
		Base:  pr.Base,
		Title: pr.Title,
		Body:  pr.Body,
	})
	if err != nil {
		return 0, fmt.Errorf("creating pull request on %s: %w", pr.Repo, err)
	}
	return created.Index, nil
}

// Merge merges review request number index of repo.
func (g *Gitea) Merge(ctx context.Context, repo string, index int64, message string) error {
	c, err := g.client(ctx)
	if err != nil {
		return err
	}
	merged, resp, err := c.MergePullRequest(g.cfg.Org, repo, index, gitea.MergePullRequestOption{
		Style:   gitea.MergeStyleMerge,
		Message: message,
	})
	if err != nil {
		return fmt.Errorf("merging pull request #%d on %s: %w", index, repo, err)
	}
	if !merged {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return fmt.Errorf("merging pull request #%d on %s: server answered %d", index, repo, status)
	}
	return nil
}
