// Package gitrepo drives the git CLI for the per-ticket output repositories.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultBaseBranch is the branch review requests target.
const DefaultBaseBranch = "main"

// InitialCommitMessage seeds the base branch so review requests have a merge base.
const InitialCommitMessage = "Initial commit"

// ErrNotGitRepo is returned when the directory is not a git repository.
var ErrNotGitRepo = errors.New("not a git repository")

// Identity is the committer written into the repository config.
type Identity struct {
	Name  string
	Email string
}

// Repo is a local git repository.
type Repo struct {
	dir string
}

// Open returns the repository at dir.
// Returns ErrNotGitRepo if dir has no .git entry.
func Open(dir string) (*Repo, error) {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	if err != nil {
		return nil, ErrNotGitRepo
	}
	// .git can be a directory (normal repo) or a file (worktree)
	if !info.IsDir() && !info.Mode().IsRegular() {
		return nil, ErrNotGitRepo
	}
	return &Repo{dir: dir}, nil
}

// Ensure opens the repository at dir, creating it if needed. A new repository
// gets base as its default branch, seeded with an empty commit. The identity
// is configured in both cases.
func Ensure(ctx context.Context, dir, base string, id Identity) (*Repo, error) {
	if base == "" {
		base = DefaultBaseBranch
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repository directory: %w", err)
	}

	r, err := Open(dir)
	created := false
	if errors.Is(err, ErrNotGitRepo) {
		r = &Repo{dir: dir}
		if _, err := r.git(ctx, "init"); err != nil {
			return nil, fmt.Errorf("failed to init repository: %w", err)
		}
		if _, err := r.git(ctx, "symbolic-ref", "HEAD", "refs/heads/"+base); err != nil {
			return nil, fmt.Errorf("failed to set default branch: %w", err)
		}
		created = true
	}

	if err := r.ConfigureIdentity(ctx, id); err != nil {
		return nil, err
	}

	if created || !r.HasCommits(ctx) {
		if _, err := r.git(ctx, "commit", "--allow-empty", "-m", InitialCommitMessage); err != nil {
			return nil, fmt.Errorf("failed to create initial commit: %w", err)
		}
	}
	return r, nil
}

// Dir returns the repository root.
func (r *Repo) Dir() string {
	return r.dir
}

// ConfigureIdentity sets user.name and user.email in the local config.
// Empty fields are left alone.
func (r *Repo) ConfigureIdentity(ctx context.Context, id Identity) error {
	if id.Name != "" {
		if _, err := r.git(ctx, "config", "user.name", id.Name); err != nil {
			return fmt.Errorf("failed to set user.name: %w", err)
		}
	}
	if id.Email != "" {
		if _, err := r.git(ctx, "config", "user.email", id.Email); err != nil {
			return fmt.Errorf("failed to set user.email: %w", err)
		}
	}
	return nil
}

// HasCommits reports whether HEAD points at a commit.
func (r *Repo) HasCommits(ctx context.Context) bool {
	_, err := r.git(ctx, "rev-parse", "--verify", "--quiet", "HEAD")
	return err == nil
}

// CurrentBranch returns the branch HEAD points at.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read current branch: %w", err)
	}
	return out, nil
}

// Checkout switches to branch, creating it from HEAD if it doesn't exist.
func (r *Repo) Checkout(ctx context.Context, branch string) error {
	args := []string{"checkout", branch}
	if !r.branchExists(ctx, branch) {
		args = []string{"checkout", "-b", branch}
	}
	if _, err := r.git(ctx, args...); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", branch, err)
	}
	return nil
}

// HasChanges reports whether the working tree has uncommitted changes.
func (r *Repo) HasChanges(ctx context.Context) (bool, error) {
	out, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to read status: %w", err)
	}
	return out != "", nil
}

// CommitAll stages everything and commits it. It returns false without
// committing when there is nothing to commit.
func (r *Repo) CommitAll(ctx context.Context, message string) (bool, error) {
	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return false, fmt.Errorf("failed to stage changes: %w", err)
	}
	dirty, err := r.HasChanges(ctx)
	if err != nil || !dirty {
		return false, err
	}
	if _, err := r.git(ctx, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// RemoteURL returns the URL of the named remote and whether it exists.
func (r *Repo) RemoteURL(ctx context.Context, name string) (string, bool) {
	out, err := r.git(ctx, "remote", "get-url", name)
	if err != nil {
		return "", false
	}
	return out, true
}

// AddRemote adds a remote.
func (r *Repo) AddRemote(ctx context.Context, name, url string) error {
	if _, err := r.git(ctx, "remote", "add", name, url); err != nil {
		return fmt.Errorf("failed to add remote %s: %w", name, err)
	}
	return nil
}

// Push pushes branches to remote and sets their upstream.
func (r *Repo) Push(ctx context.Context, remote string, branches ...string) error {
	args := append([]string{"push", "--set-upstream", remote}, branches...)
	if _, err := r.git(ctx, args...); err != nil {
		return fmt.Errorf("failed to push to %s: %w", remote, err)
	}
	return nil
}

// branchExists checks if a local branch exists.
func (r *Repo) branchExists(ctx context.Context, branch string) bool {
	_, err := r.git(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// git runs a git subcommand in the repository and returns trimmed combined output.
func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	// Never prompt for credentials; a push without a usable token must fail.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		return out, fmt.Errorf("git %s: %s: %w", args[0], out, err)
	}
	return out, nil
}
