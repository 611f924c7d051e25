// Package publish commits a processed ticket's output into its own repository,
// pushes it to the remote service and opens a review request.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/pengelbrecht/ticketflow/internal/agent"
	"github.com/pengelbrecht/ticketflow/internal/forge"
	"github.com/pengelbrecht/ticketflow/internal/gitrepo"
	"github.com/pengelbrecht/ticketflow/internal/retry"
	"github.com/pengelbrecht/ticketflow/internal/ticket"
)

// Defaults for Config.
const (
	DefaultRepoNameFormat      = "task-{id}"
	DefaultBranchNameFormat    = "task-{id}"
	DefaultCommitMessageFormat = "Task {id}: {title}"
	DefaultPRTitle             = "[Task {id}] {title}"
	DefaultPRBody              = "## Description\n{description}\n\n## Acceptance Criteria\n{acceptanceCriteria}\n\n---\nProcessed with model: {model}\n"
	DefaultPushRetries         = 3
	DefaultPushRetryDelay      = 2 * time.Second
	DefaultMergeSettleDelay    = 2 * time.Second

	remoteName = "origin"
)

// Forge is the remote git-hosting service.
type Forge interface {
	EnsureRepo(ctx context.Context, name, description string) (created bool, err error)
	CloneURL(name string) string
	OpenPullRequest(ctx context.Context, pr forge.PullRequest) (int64, error)
	Merge(ctx context.Context, repo string, index int64, message string) error
}

// Config configures a Publisher.
type Config struct {
	// ReposDir holds one local repository per ticket.
	ReposDir string

	Identity gitrepo.Identity

	RepoNameFormat      string
	BranchNameFormat    string
	BaseBranch          string
	CommitMessageFormat string

	PushRetries    int
	PushRetryDelay time.Duration

	CreatePR bool
	PRTitle  string
	PRBody   string

	// AutoMerge merges the review request after MergeSettleDelay.
	AutoMerge        bool
	MergeSettleDelay time.Duration

	// Token is written into the origin URL when the remote is added.
	Token string
}

func (c *Config) applyDefaults() {
	if c.RepoNameFormat == "" {
		c.RepoNameFormat = DefaultRepoNameFormat
	}
	if c.BranchNameFormat == "" {
		c.BranchNameFormat = DefaultBranchNameFormat
	}
	if c.BaseBranch == "" {
		c.BaseBranch = gitrepo.DefaultBaseBranch
	}
	if c.CommitMessageFormat == "" {
		c.CommitMessageFormat = DefaultCommitMessageFormat
	}
	if c.PushRetries <= 0 {
		c.PushRetries = DefaultPushRetries
	}
	if c.PRTitle == "" {
		c.PRTitle = DefaultPRTitle
	}
	if c.PRBody == "" {
		c.PRBody = DefaultPRBody
	}
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithSleep replaces the timer used for push backoff and the merge settle delay.
func WithSleep(fn retry.SleepFunc) Option {
	return func(p *Publisher) { p.sleep = fn }
}

// WithClock replaces time.Now in the work log.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// Publisher runs the post-success git and review-request steps.
type Publisher struct {
	cfg    Config
	forge  Forge
	logger *slog.Logger
	sleep  retry.SleepFunc
	now    func() time.Time
}

// New creates a Publisher. A nil forge means no access token is configured:
// the local commit still happens and every remote step is skipped.
func New(cfg Config, f Forge, logger *slog.Logger, opts ...Option) *Publisher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		cfg:    cfg,
		forge:  f,
		logger: logger,
		sleep:  retry.Sleep,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RepoName returns the repository name for t.
func (p *Publisher) RepoName(t *ticket.Ticket) string {
	return expand(p.cfg.RepoNameFormat, t, nil)
}

// BranchName returns the branch t's work is committed on.
func (p *Publisher) BranchName(t *ticket.Ticket) string {
	return expand(p.cfg.BranchNameFormat, t, nil)
}

// Publish commits res for t and pushes it. Errors from the push (after all
// retries) and from opening the review request are returned; a failed merge
// is only logged.
func (p *Publisher) Publish(ctx context.Context, t *ticket.Ticket, res *agent.Result) error {
	repoName := p.RepoName(t)
	branch := p.BranchName(t)
	logger := p.logger.With("ticket", t.Filename, "task_id", t.ID, "repo", repoName)

	repo, err := gitrepo.Ensure(ctx, filepath.Join(p.cfg.ReposDir, repoName), p.cfg.BaseBranch, p.cfg.Identity)
	if err != nil {
		return fmt.Errorf("preparing repository %s: %w", repoName, err)
	}
	if branch != p.cfg.BaseBranch {
		if err := repo.Checkout(ctx, branch); err != nil {
			return err
		}
	}

	if err := writeWorkLog(repo.Dir(), t, res, p.now()); err != nil {
		return err
	}

	message := expand(p.cfg.CommitMessageFormat, t, res)
	committed, err := repo.CommitAll(ctx, message)
	if err != nil {
		return fmt.Errorf("committing %s: %w", repoName, err)
	}
	if committed {
		logger.Info("created commit", "message", message)
	}

	if p.forge == nil {
		logger.Warn("no access token configured, skipping push to remote")
		return nil
	}

	if _, err := p.forge.EnsureRepo(ctx, repoName, t.DisplayTitle("")); err != nil {
		return fmt.Errorf("ensuring remote repository: %w", err)
	}

	if _, ok := repo.RemoteURL(ctx, remoteName); !ok {
		cloneURL := p.forge.CloneURL(repoName)
		if err := repo.AddRemote(ctx, remoteName, withToken(cloneURL, p.cfg.Token)); err != nil {
			return err
		}
		logger.Info("added remote", "url", cloneURL)
	}

	refs := []string{p.cfg.BaseBranch}
	if branch != p.cfg.BaseBranch {
		refs = append(refs, branch)
	}
	err = retry.Do(ctx, p.cfg.PushRetries, p.cfg.PushRetryDelay,
		func(ctx context.Context) error {
			return repo.Push(ctx, remoteName, refs...)
		},
		retry.WithSleep(p.sleep),
		retry.WithNotify(func(attempt int, err error, next time.Duration) {
			logger.Warn("push failed, retrying",
				"attempt", attempt,
				"max_attempts", p.cfg.PushRetries,
				"retry_in", next,
				"error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	logger.Info("pushed to remote", "branch", branch)

	if !p.cfg.CreatePR {
		return nil
	}

	index, err := p.forge.OpenPullRequest(ctx, forge.PullRequest{
		Repo:  repoName,
		Head:  branch,
		Base:  p.cfg.BaseBranch,
		Title: expand(p.cfg.PRTitle, t, res),
		Body:  expand(p.cfg.PRBody, t, res),
	})
	if err != nil {
		return err
	}
	logger.Info("created pull request", "number", index)

	if p.cfg.AutoMerge && res != nil && res.Success {
		p.merge(ctx, logger, repoName, index, t)
	}
	return nil
}

func (p *Publisher) merge(ctx context.Context, logger *slog.Logger, repo string, index int64, t *ticket.Ticket) {
	if err := p.sleep(ctx, p.cfg.MergeSettleDelay); err != nil {
		logger.Warn("auto-merge skipped", "number", index, "error", err)
		return
	}
	message := fmt.Sprintf("Automatically merged task-%s", t.ID)
	if err := p.forge.Merge(ctx, repo, index, message); err != nil {
		logger.Warn("failed to auto-merge pull request", "number", index, "error", err)
		return
	}
	logger.Info("auto-merged pull request", "number", index)
}

// withToken puts token into the userinfo of http(s) URLs. Other URLs, such as
// local paths, are returned unchanged.
func withToken(raw, token string) string {
	if token == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return raw
	}
	u.User = url.User(token)
	return u.String()
}

// expand substitutes {id}, {title}, {description}, {acceptanceCriteria} and
// {model} in format.
func expand(format string, t *ticket.Ticket, res *agent.Result) string {
	model := ""
	if res != nil {
		model = res.Model
	}
	r := strings.NewReplacer(
		"{id}", t.ID,
		"{title}", t.DisplayTitle("Untitled Task"),
		"{description}", orNA(t.Description),
		"{acceptanceCriteria}", checklist(t.AcceptanceCriteria),
		"{model}", model,
	)
	return r.Replace(format)
}

func checklist(items []string) string {
	if len(items) == 0 {
		return "N/A"
	}
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = "- [ ] " + item
	}
	return strings.Join(lines, "\n")
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
