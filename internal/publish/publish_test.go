package publish

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pengelbrecht/ticketflow/internal/agent"
	"github.com/pengelbrecht/ticketflow/internal/forge"
	"github.com/pengelbrecht/ticketflow/internal/gitrepo"
	"github.com/pengelbrecht/ticketflow/internal/retry"
	"github.com/pengelbrecht/ticketflow/internal/ticket"
)

// fakeForge records calls and serves a local bare repository as the remote.
type fakeForge struct {
	mu       sync.Mutex
	cloneDir string
	ensured  []string
	pulls    []forge.PullRequest
	merged   []int64
	mergeErr error
}

func (f *fakeForge) EnsureRepo(ctx context.Context, name, description string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, name)
	return len(f.ensured) == 1, nil
}

func (f *fakeForge) CloneURL(name string) string {
	return f.cloneDir
}

func (f *fakeForge) OpenPullRequest(ctx context.Context, pr forge.PullRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, pr)
	return int64(len(f.pulls)), nil
}

func (f *fakeForge) Merge(ctx context.Context, repo string, index int64, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.merged = append(f.merged, index)
	return nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
	return nil
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func gitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

func createBareRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitOutput(t, dir, "init", "--bare")
	return dir
}

func testTicket() *ticket.Ticket {
	return &ticket.Ticket{
		ID:                 "7",
		Filename:           "task-7.md",
		Title:              "Add login page",
		Description:        "Users need to sign in",
		Priority:           ticket.PriorityHigh,
		AcceptanceCriteria: []string{"Form renders", "Errors are shown"},
	}
}

func testResult() *agent.Result {
	return &agent.Result{
		AttemptID: "attempt-1",
		Success:   true,
		Exit:      agent.ExitNormal,
		Stdout:    "all done\n",
		Model:     "ollama/llama3",
		TicketID:  "7",
	}
}

func testConfig(t *testing.T) Config {
	return Config{
		ReposDir:       t.TempDir(),
		Identity:       gitrepo.Identity{Name: "Ticket Processor", Email: "processor@localhost"},
		BaseBranch:     "main",
		PushRetries:    3,
		PushRetryDelay: time.Second,
		CreatePR:       true,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublish_NoForgeCommitsLocally(t *testing.T) {
	requireGit(t)
	cfg := testConfig(t)
	p := New(cfg, nil, discardLogger())

	if err := p.Publish(context.Background(), testTicket(), testResult()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	dir := filepath.Join(cfg.ReposDir, "task-7")
	if got := gitOutput(t, dir, "rev-parse", "--abbrev-ref", "HEAD"); got != "task-7" {
		t.Errorf("branch = %q, want task-7", got)
	}
	if got := gitOutput(t, dir, "log", "-1", "--format=%s"); got != "Task 7: Add login page" {
		t.Errorf("commit message = %q", got)
	}
	if got := gitOutput(t, dir, "log", "-1", "--format=%an <%ae>"); got != "Ticket Processor <processor@localhost>" {
		t.Errorf("author = %q", got)
	}
	if got := gitOutput(t, dir, "remote"); got != "" {
		t.Errorf("remotes = %q, want none", got)
	}

	data, err := os.ReadFile(filepath.Join(dir, WorkLogName))
	if err != nil {
		t.Fatalf("reading work log: %v", err)
	}
	if !strings.Contains(string(data), "# Task 7: Add login page") {
		t.Errorf("work log = %q", data)
	}
}

func TestPublish_PushesAndOpensPullRequest(t *testing.T) {
	requireGit(t)
	cfg := testConfig(t)
	cfg.AutoMerge = true
	cfg.MergeSettleDelay = 2 * time.Second
	cfg.Token = "secret"

	bare := createBareRepo(t)
	f := &fakeForge{cloneDir: bare}
	clock := &sleepRecorder{}
	p := New(cfg, f, discardLogger(), WithSleep(clock.sleep))

	if err := p.Publish(context.Background(), testTicket(), testResult()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(f.ensured) != 1 || f.ensured[0] != "task-7" {
		t.Errorf("ensured repos = %v", f.ensured)
	}

	branches := gitOutput(t, bare, "branch", "--list")
	if !strings.Contains(branches, "main") || !strings.Contains(branches, "task-7") {
		t.Errorf("remote branches = %q, want main and task-7", branches)
	}

	if len(f.pulls) != 1 {
		t.Fatalf("pull requests = %d, want 1", len(f.pulls))
	}
	pr := f.pulls[0]
	if pr.Repo != "task-7" || pr.Head != "task-7" || pr.Base != "main" {
		t.Errorf("pull request = %+v", pr)
	}
	if pr.Title != "[Task 7] Add login page" {
		t.Errorf("Title = %q", pr.Title)
	}
	if !strings.Contains(pr.Body, "- [ ] Form renders\n- [ ] Errors are shown") {
		t.Errorf("Body missing checklist: %q", pr.Body)
	}
	if !strings.Contains(pr.Body, "ollama/llama3") {
		t.Errorf("Body missing model: %q", pr.Body)
	}

	if len(f.merged) != 1 || f.merged[0] != 1 {
		t.Errorf("merged = %v, want [1]", f.merged)
	}
	if len(clock.slept) != 1 || clock.slept[0] != 2*time.Second {
		t.Errorf("sleeps = %v, want one settle delay", clock.slept)
	}

	// Publishing again reuses the repository and remote.
	if err := p.Publish(context.Background(), testTicket(), testResult()); err != nil {
		t.Fatalf("second Publish() error = %v", err)
	}
}

func TestPublish_PushRetriesExhausted(t *testing.T) {
	requireGit(t)
	cfg := testConfig(t)
	f := &fakeForge{cloneDir: filepath.Join(t.TempDir(), "missing.git")}
	clock := &sleepRecorder{}
	p := New(cfg, f, discardLogger(), WithSleep(clock.sleep))

	err := p.Publish(context.Background(), testTicket(), testResult())
	if !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("Publish() error = %v, want retry.ErrExhausted", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second}
	if len(clock.slept) != len(want) || clock.slept[0] != want[0] || clock.slept[1] != want[1] {
		t.Errorf("backoff = %v, want %v", clock.slept, want)
	}
	if len(f.pulls) != 0 {
		t.Error("pull request opened after failed push")
	}
}

func TestPublish_MergeFailureIsNotFatal(t *testing.T) {
	requireGit(t)
	cfg := testConfig(t)
	cfg.AutoMerge = true

	f := &fakeForge{cloneDir: createBareRepo(t), mergeErr: errors.New("not mergeable")}
	clock := &sleepRecorder{}
	p := New(cfg, f, discardLogger(), WithSleep(clock.sleep))

	if err := p.Publish(context.Background(), testTicket(), testResult()); err != nil {
		t.Fatalf("Publish() error = %v, want nil on merge failure", err)
	}
	if len(f.pulls) != 1 {
		t.Errorf("pull requests = %d, want 1", len(f.pulls))
	}
}

func TestPublish_NoPullRequestWhenDisabled(t *testing.T) {
	requireGit(t)
	cfg := testConfig(t)
	cfg.CreatePR = false

	f := &fakeForge{cloneDir: createBareRepo(t)}
	p := New(cfg, f, discardLogger(), WithSleep((&sleepRecorder{}).sleep))

	if err := p.Publish(context.Background(), testTicket(), testResult()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(f.pulls) != 0 {
		t.Errorf("pull requests = %d, want 0", len(f.pulls))
	}
}

func TestWithToken(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		token string
		want  string
	}{
		{name: "http", raw: "http://localhost:3000/org/task-7.git", token: "abc", want: "http://abc@localhost:3000/org/task-7.git"},
		{name: "https", raw: "https://git.example.com/org/r.git", token: "abc", want: "https://abc@git.example.com/org/r.git"},
		{name: "no token", raw: "http://localhost:3000/org/r.git", token: "", want: "http://localhost:3000/org/r.git"},
		{name: "local path", raw: "/tmp/remote.git", token: "abc", want: "/tmp/remote.git"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withToken(tt.raw, tt.token); got != tt.want {
				t.Errorf("withToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExpand(t *testing.T) {
	tk := testTicket()
	res := testResult()

	tests := []struct {
		format string
		want   string
	}{
		{DefaultCommitMessageFormat, "Task 7: Add login page"},
		{DefaultPRTitle, "[Task 7] Add login page"},
		{"{model}", "ollama/llama3"},
		{"{id}-{id}", "7-7"},
	}
	for _, tt := range tests {
		if got := expand(tt.format, tk, res); got != tt.want {
			t.Errorf("expand(%q) = %q, want %q", tt.format, got, tt.want)
		}
	}

	empty := &ticket.Ticket{ID: "3"}
	if got := expand("{title}|{description}|{acceptanceCriteria}", empty, nil); got != "Untitled Task|N/A|N/A" {
		t.Errorf("expand() with empty ticket = %q", got)
	}
}

func TestWorkLog(t *testing.T) {
	processed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	got := WorkLog(testTicket(), testResult(), processed)

	want := "# Task 7: Add login page\n\n" +
		"## Processing Details\n" +
		"- **Model**: ollama/llama3\n" +
		"- **Processed**: 2026-03-04T05:06:07Z\n" +
		"- **Status**: Success\n" +
		"- **Attempt**: attempt-1\n\n" +
		"## Description\nUsers need to sign in\n\n" +
		"## Acceptance Criteria\n1. Form renders\n2. Errors are shown\n\n" +
		"## Output\n```\nall done\n\n```\n"
	if got != want {
		t.Errorf("WorkLog() =\n%s\nwant\n%s", got, want)
	}

	empty := WorkLog(&ticket.Ticket{ID: "1"}, nil, processed)
	if !strings.Contains(empty, "## Acceptance Criteria\nN/A\n") || !strings.Contains(empty, "No output") {
		t.Errorf("WorkLog() for empty ticket = %q", empty)
	}
}
