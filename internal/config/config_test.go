package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ticketflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"intake", cfg.Folders.Intake, "tickets/todo"},
		{"in progress", cfg.Folders.InProgress, "tickets/doing"},
		{"concurrency", cfg.Processing.Concurrency, 2},
		{"move delay", cfg.Processing.MoveDelay, 500 * time.Millisecond},
		{"regex", cfg.TaskID.ExtractRegex, `task-(\d+)`},
		{"agent args", strings.Join(cfg.Agent.Args, " "), "kodu"},
		{"timeout", cfg.Agent.Timeout, 30 * time.Minute},
		{"push retries", cfg.Git.PushRetries, 3},
		{"push delay", cfg.Git.PushRetryDelay, 2 * time.Second},
		{"pr title", cfg.Git.PRTitle, "[Task {id}] {title}"},
		{"org", cfg.Remote.Org, "ticket-processor"},
		{"webhook addr", cfg.Webhook.Addr, ":3001"},
		{"webhook path", cfg.Webhook.Path, "/webhook/gitea"},
		{"auto merge", cfg.Webhook.AutoMergePR, false},
		{"shutdown", cfg.Shutdown.Timeout, 30 * time.Second},
	}
	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			if c.got != c.want {
				t.Errorf("got %v, want %v", c.got, c.want)
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
folders:
  intake: /data/todo
processing:
  concurrency: 4
  move_delay: 1s
agent:
  args: [aider, --yes]
  timeout: 5m
webhook:
  auto_merge_pr: true
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Folders.Intake != "/data/todo" {
		t.Errorf("Intake = %q", cfg.Folders.Intake)
	}
	if cfg.Folders.Review != "tickets/review" {
		t.Errorf("Review = %q, want default", cfg.Folders.Review)
	}
	if cfg.Processing.Concurrency != 4 || cfg.Processing.MoveDelay != time.Second {
		t.Errorf("Processing = %+v", cfg.Processing)
	}
	if strings.Join(cfg.Agent.Args, " ") != "aider --yes" || cfg.Agent.Timeout != 5*time.Minute {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
	if !cfg.PublishConfig().AutoMerge || !cfg.WebhookConfig().AutoComplete {
		t.Error("auto_merge_pr not applied to publisher and webhook")
	}
	level, err := cfg.Logging.SlogLevel()
	if err != nil || level != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v, %v", level, err)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_NoDefaultFile(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Processing.Concurrency != 2 {
		t.Errorf("Concurrency = %d, want default", cfg.Processing.Concurrency)
	}
}

func TestLoad_DefaultFileInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultFile), []byte("remote:\n  org: acme\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Remote.Org != "acme" {
		t.Errorf("Org = %q, want acme", cfg.Remote.Org)
	}
}

func TestLoad_Env(t *testing.T) {
	path := writeConfig(t, "remote:\n  token: from-file\n")

	t.Setenv("TICKETFLOW_PROCESSING_CONCURRENCY", "7")
	t.Setenv("TICKETFLOW_GIT_PUSH_RETRY_DELAY", "250ms")
	t.Setenv("GITEA_URL", "http://gitea:3000")
	t.Setenv("GITEA_TOKEN", "from-env")
	t.Setenv("OLLAMA_HOST", "http://ollama:11434")
	t.Setenv("GIT_USER_NAME", "Bot")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Processing.Concurrency != 7 {
		t.Errorf("Concurrency = %d, want 7", cfg.Processing.Concurrency)
	}
	if cfg.Git.PushRetryDelay != 250*time.Millisecond {
		t.Errorf("PushRetryDelay = %v", cfg.Git.PushRetryDelay)
	}
	if cfg.Remote.URL != "http://gitea:3000" || cfg.Remote.Token != "from-env" {
		t.Errorf("Remote = %+v", cfg.Remote)
	}
	if cfg.Agent.BackendURL != "http://ollama:11434" {
		t.Errorf("BackendURL = %q", cfg.Agent.BackendURL)
	}
	if cfg.Git.UserName != "Bot" {
		t.Errorf("UserName = %q", cfg.Git.UserName)
	}
}

func TestLoad_PrefixedEnvBeatsAlias(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("GITEA_ORG", "alias")
	t.Setenv("TICKETFLOW_REMOTE_ORG", "prefixed")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.Org != "prefixed" {
		t.Errorf("Org = %q, want prefixed", cfg.Remote.Org)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "zero concurrency", mutate: func(c *Config) { c.Processing.Concurrency = 0 }, wantErr: "processing.concurrency"},
		{name: "regex without group", mutate: func(c *Config) { c.TaskID.ExtractRegex = `task-\d+` }, wantErr: "task_id.extract_regex"},
		{name: "bad regex", mutate: func(c *Config) { c.TaskID.ExtractRegex = `task-(` }, wantErr: "task_id.extract_regex"},
		{name: "no intake", mutate: func(c *Config) { c.Folders.Intake = "" }, wantErr: "folders.intake"},
		{name: "no timeout", mutate: func(c *Config) { c.Agent.Timeout = 0 }, wantErr: "agent.timeout"},
		{name: "no push retries", mutate: func(c *Config) { c.Git.PushRetries = 0 }, wantErr: "git.push_retries"},
		{name: "log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Remote.Token = "tok"

	layout := cfg.Layout()
	if layout.Intake != "tickets/todo" || layout.Completed != "tickets/completed" {
		t.Errorf("Layout() = %+v", layout)
	}
	if id, ok := cfg.IDPattern().Extract("task-12.md"); !ok || id != "12" {
		t.Errorf("IDPattern().Extract() = %q, %v", id, ok)
	}
	if a := cfg.CLIAgent(); a.Command != "npx" || len(a.Args) != 1 || a.Args[0] != "kodu" {
		t.Errorf("CLIAgent() = %+v", a)
	}
	if fc := cfg.ForgeConfig(); fc.Token != "tok" || fc.Org != "ticket-processor" || fc.HTTPRetries != 2 {
		t.Errorf("ForgeConfig() = %+v", fc)
	}
	pc := cfg.PublishConfig()
	if pc.Token != "tok" || pc.ReposDir != "repos" || pc.Identity.Name != "Ticket Processor" {
		t.Errorf("PublishConfig() = %+v", pc)
	}
	if ac := cfg.AdapterConfig(); ac.BackendEnv != "OLLAMA_API_BASE" || ac.KillGrace != 10*time.Second {
		t.Errorf("AdapterConfig() = %+v", ac)
	}
}

// chdir changes the working directory for the duration of the test,
// mirroring testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
