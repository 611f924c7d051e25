// Package config loads ticketflow's settings from a YAML file and the
// environment. The result is an immutable value handed to each component.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pengelbrecht/ticketflow/internal/agent"
	"github.com/pengelbrecht/ticketflow/internal/forge"
	"github.com/pengelbrecht/ticketflow/internal/gitrepo"
	"github.com/pengelbrecht/ticketflow/internal/pipeline"
	"github.com/pengelbrecht/ticketflow/internal/publish"
	"github.com/pengelbrecht/ticketflow/internal/ticket"
	"github.com/pengelbrecht/ticketflow/internal/webhook"
)

// EnvPrefix is prepended to every environment override, e.g.
// TICKETFLOW_PROCESSING_CONCURRENCY.
const EnvPrefix = "TICKETFLOW"

// DefaultFile is read from the working directory when no file is given.
const DefaultFile = "ticketflow.yaml"

// Config is the full configuration.
type Config struct {
	Folders    Folders    `mapstructure:"folders"`
	Processing Processing `mapstructure:"processing"`
	TaskID     TaskID     `mapstructure:"task_id"`
	Agent      Agent      `mapstructure:"agent"`
	Git        Git        `mapstructure:"git"`
	Remote     Remote     `mapstructure:"remote"`
	Webhook    Webhook    `mapstructure:"webhook"`
	Shutdown   Shutdown   `mapstructure:"shutdown"`
	Logging    Logging    `mapstructure:"logging"`
}

// Folders holds the stage directories and the per-ticket repository root.
type Folders struct {
	Intake     string `mapstructure:"intake"`
	InProgress string `mapstructure:"in_progress"`
	Review     string `mapstructure:"review"`
	Failed     string `mapstructure:"failed"`
	Completed  string `mapstructure:"completed"`
	Repos      string `mapstructure:"repos"`
}

type Processing struct {
	Concurrency   int           `mapstructure:"concurrency"`
	MoveDelay     time.Duration `mapstructure:"move_delay"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`
}

type TaskID struct {
	ExtractRegex string `mapstructure:"extract_regex"`
}

type Agent struct {
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	DefaultModel string        `mapstructure:"default_model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	KillGrace    time.Duration `mapstructure:"kill_grace"`
	BackendEnv   string        `mapstructure:"backend_env"`
	BackendURL   string        `mapstructure:"backend_url"`
}

type Git struct {
	Enabled             bool          `mapstructure:"enabled"`
	UserName            string        `mapstructure:"user_name"`
	UserEmail           string        `mapstructure:"user_email"`
	RepoNameFormat      string        `mapstructure:"repo_name_format"`
	BranchNameFormat    string        `mapstructure:"branch_name_format"`
	BaseBranch          string        `mapstructure:"base_branch"`
	CommitMessageFormat string        `mapstructure:"commit_message_format"`
	PushRetries         int           `mapstructure:"push_retries"`
	PushRetryDelay      time.Duration `mapstructure:"push_retry_delay"`
	CreatePR            bool          `mapstructure:"create_pr"`
	PRTitle             string        `mapstructure:"pr_title"`
	PRBody              string        `mapstructure:"pr_body"`
	MergeSettleDelay    time.Duration `mapstructure:"merge_settle_delay"`
}

type Remote struct {
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	HTTPRetries int    `mapstructure:"http_retries"`
}

// Webhook configures the event receiver. AutoMergePR also makes the
// publisher merge the review requests it opens.
type Webhook struct {
	Enabled     bool   `mapstructure:"enabled"`
	Addr        string `mapstructure:"addr"`
	Path        string `mapstructure:"path"`
	Secret      string `mapstructure:"secret"`
	AutoMergePR bool   `mapstructure:"auto_merge_pr"`
}

type Shutdown struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envAliases are the environment names deployments already use.
var envAliases = map[string]string{
	"remote.url":        "GITEA_URL",
	"remote.token":      "GITEA_TOKEN",
	"remote.org":        "GITEA_ORG",
	"webhook.secret":    "GITEA_WEBHOOK_SECRET",
	"git.user_name":     "GIT_USER_NAME",
	"git.user_email":    "GIT_USER_EMAIL",
	"agent.backend_url": "OLLAMA_HOST",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("folders.intake", "tickets/todo")
	v.SetDefault("folders.in_progress", "tickets/doing")
	v.SetDefault("folders.review", "tickets/review")
	v.SetDefault("folders.failed", "tickets/failed")
	v.SetDefault("folders.completed", "tickets/completed")
	v.SetDefault("folders.repos", "repos")

	v.SetDefault("processing.concurrency", 2)
	v.SetDefault("processing.move_delay", 500*time.Millisecond)
	v.SetDefault("processing.watch_debounce", 2*time.Second)

	v.SetDefault("task_id.extract_regex", ticket.DefaultIDRegex)

	v.SetDefault("agent.command", "npx")
	v.SetDefault("agent.args", []string{"kodu"})
	v.SetDefault("agent.default_model", agent.DefaultModel)
	v.SetDefault("agent.timeout", agent.DefaultTimeout)
	v.SetDefault("agent.kill_grace", agent.DefaultKillGrace)
	v.SetDefault("agent.backend_env", agent.DefaultBackendEnv)
	v.SetDefault("agent.backend_url", agent.DefaultBackendURL)

	v.SetDefault("git.enabled", true)
	v.SetDefault("git.user_name", "Ticket Processor")
	v.SetDefault("git.user_email", "processor@localhost")
	v.SetDefault("git.repo_name_format", publish.DefaultRepoNameFormat)
	v.SetDefault("git.branch_name_format", publish.DefaultBranchNameFormat)
	v.SetDefault("git.base_branch", gitrepo.DefaultBaseBranch)
	v.SetDefault("git.commit_message_format", publish.DefaultCommitMessageFormat)
	v.SetDefault("git.push_retries", publish.DefaultPushRetries)
	v.SetDefault("git.push_retry_delay", publish.DefaultPushRetryDelay)
	v.SetDefault("git.create_pr", true)
	v.SetDefault("git.pr_title", publish.DefaultPRTitle)
	v.SetDefault("git.pr_body", publish.DefaultPRBody)
	v.SetDefault("git.merge_settle_delay", publish.DefaultMergeSettleDelay)

	v.SetDefault("remote.url", "http://localhost:3000")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.org", "ticket-processor")
	v.SetDefault("remote.http_retries", 2)

	v.SetDefault("webhook.enabled", true)
	v.SetDefault("webhook.addr", ":3001")
	v.SetDefault("webhook.path", webhook.DefaultPath)
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.auto_merge_pr", false)

	v.SetDefault("shutdown.timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("decoding defaults: %v", err))
	}
	return cfg
}

// Load reads path (or DefaultFile if path is empty and it exists), then
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, alias); err != nil {
			return nil, fmt.Errorf("binding %s: %w", alias, err)
		}
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, ".yaml"))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values components cannot recover from.
func (c *Config) Validate() error {
	var errs []error

	for _, f := range []struct{ key, val string }{
		{"folders.intake", c.Folders.Intake},
		{"folders.in_progress", c.Folders.InProgress},
		{"folders.review", c.Folders.Review},
		{"folders.failed", c.Folders.Failed},
		{"folders.completed", c.Folders.Completed},
		{"folders.repos", c.Folders.Repos},
	} {
		if strings.TrimSpace(f.val) == "" {
			errs = append(errs, fmt.Errorf("%s is required", f.key))
		}
	}

	if c.Processing.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("processing.concurrency must be at least 1, got %d", c.Processing.Concurrency))
	}
	if _, err := ticket.NewIDPattern(c.TaskID.ExtractRegex); err != nil {
		errs = append(errs, fmt.Errorf("task_id.extract_regex: %w", err))
	}
	if c.Agent.Timeout <= 0 {
		errs = append(errs, errors.New("agent.timeout must be positive"))
	}
	if c.Git.PushRetries < 1 {
		errs = append(errs, fmt.Errorf("git.push_retries must be at least 1, got %d", c.Git.PushRetries))
	}
	if c.Shutdown.Timeout <= 0 {
		errs = append(errs, errors.New("shutdown.timeout must be positive"))
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses Level.
func (l Logging) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// Layout returns the stage directories.
func (c *Config) Layout() pipeline.Layout {
	return pipeline.Layout{
		Intake:     c.Folders.Intake,
		InProgress: c.Folders.InProgress,
		Review:     c.Folders.Review,
		Failed:     c.Folders.Failed,
		Completed:  c.Folders.Completed,
	}
}

// IDPattern compiles TaskID.ExtractRegex. Validate has already checked it.
func (c *Config) IDPattern() ticket.IDPattern {
	return ticket.MustIDPattern(c.TaskID.ExtractRegex)
}

// CLIAgent returns the configured agent command.
func (c *Config) CLIAgent() *agent.CLIAgent {
	return &agent.CLIAgent{Command: c.Agent.Command, Args: c.Agent.Args}
}

// AdapterConfig returns the execution settings. Output streams and logger
// are left for the caller.
func (c *Config) AdapterConfig() agent.AdapterConfig {
	return agent.AdapterConfig{
		DefaultModel: c.Agent.DefaultModel,
		Timeout:      c.Agent.Timeout,
		KillGrace:    c.Agent.KillGrace,
		BackendEnv:   c.Agent.BackendEnv,
		BackendURL:   c.Agent.BackendURL,
	}
}

// PublishConfig returns the publisher settings.
func (c *Config) PublishConfig() publish.Config {
	return publish.Config{
		ReposDir:            c.Folders.Repos,
		Identity:            gitrepo.Identity{Name: c.Git.UserName, Email: c.Git.UserEmail},
		RepoNameFormat:      c.Git.RepoNameFormat,
		BranchNameFormat:    c.Git.BranchNameFormat,
		BaseBranch:          c.Git.BaseBranch,
		CommitMessageFormat: c.Git.CommitMessageFormat,
		PushRetries:         c.Git.PushRetries,
		PushRetryDelay:      c.Git.PushRetryDelay,
		CreatePR:            c.Git.CreatePR,
		PRTitle:             c.Git.PRTitle,
		PRBody:              c.Git.PRBody,
		AutoMerge:           c.Webhook.AutoMergePR,
		MergeSettleDelay:    c.Git.MergeSettleDelay,
		Token:               c.Remote.Token,
	}
}

// ForgeConfig returns the Gitea client settings.
func (c *Config) ForgeConfig() forge.Config {
	return forge.Config{
		URL:         c.Remote.URL,
		Token:       c.Remote.Token,
		Org:         c.Remote.Org,
		HTTPRetries: c.Remote.HTTPRetries,
	}
}

// WebhookConfig returns the webhook server settings.
func (c *Config) WebhookConfig() webhook.Config {
	return webhook.Config{
		Path:         c.Webhook.Path,
		Secret:       c.Webhook.Secret,
		AutoComplete: c.Webhook.AutoMergePR,
	}
}
