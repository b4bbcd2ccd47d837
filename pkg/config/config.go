// Package config loads and validates the TOML configuration shared by the
// daemon, overseer, and recovery tools.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Repo describes the repository the fleet works against.
type Repo struct {
	// Source is the primary clone all worktrees are linked to.
	Source string `toml:"source"`
	// Trunk is the shared integration branch. Defaults to "main".
	Trunk string `toml:"trunk"`
	// WorktreesDir overrides where worker worktrees are created.
	WorktreesDir string `toml:"worktrees_dir"`
}

// Daemon configures the orchestration loop.
type Daemon struct {
	IntervalSecs          int      `toml:"interval_secs"`
	Concurrency           int      `toml:"concurrency"`
	TaskPoolCommand       string   `toml:"task_pool_command"`
	PostAcceptCommand     string   `toml:"post_accept_command"`
	HeartbeatIntervalSecs int      `toml:"heartbeat_interval_secs"`
	StallTimeoutSecs      int      `toml:"stall_timeout_secs"`
	// AgentCommand is launched inside each worker session.
	AgentCommand string   `toml:"agent_command"`
	Workers      []string `toml:"workers"`
}

// Overseer configures the supervising process.
type Overseer struct {
	PollIntervalSecs       int    `toml:"poll_interval_secs"`
	HeartbeatTimeoutSecs   int    `toml:"heartbeat_timeout_secs"`
	GracePeriodSecs        int    `toml:"grace_period_secs"`
	RestartCooldownSecs    int    `toml:"restart_cooldown_secs"`
	RemediationPrompt      string `toml:"remediation_prompt"`
	RemediationTimeoutSecs int    `toml:"remediation_timeout_secs"`
	SpiralWindowSecs       int    `toml:"spiral_window_secs"`
	SpiralMaxCycles        int    `toml:"spiral_max_cycles"`
	// RepairSession names the protected session remediation prompts go to.
	RepairSession string `toml:"repair_session"`
}

// Health configures the monitor's check ordering. Names must match the
// checks registered in the overseer package.
type Health struct {
	Checks []string `toml:"checks"`
}

// Config is the root of config.toml.
type Config struct {
	Repo     Repo     `toml:"repo"`
	Daemon   Daemon   `toml:"daemon"`
	Overseer Overseer `toml:"overseer"`
	Health   Health   `toml:"health"`
}

// DefaultChecks is the documented health-check priority order.
var DefaultChecks = []string{"process", "identity", "heartbeat", "log", "stall"}

// Load reads the config file and applies defaults. A missing file yields
// defaults only, so read-only commands work before `config.toml` exists.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}.withDefaults(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Repo.Trunk == "" {
		c.Repo.Trunk = "main"
	}
	if c.Daemon.IntervalSecs <= 0 {
		c.Daemon.IntervalSecs = 10
	}
	if c.Daemon.Concurrency <= 0 {
		c.Daemon.Concurrency = 3
	}
	if c.Daemon.HeartbeatIntervalSecs <= 0 {
		c.Daemon.HeartbeatIntervalSecs = 5
	}
	if c.Daemon.StallTimeoutSecs <= 0 {
		c.Daemon.StallTimeoutSecs = 3600
	}
	if c.Daemon.AgentCommand == "" {
		c.Daemon.AgentCommand = "claude"
	}
	if c.Overseer.PollIntervalSecs <= 0 {
		c.Overseer.PollIntervalSecs = 5
	}
	if c.Overseer.HeartbeatTimeoutSecs <= 0 {
		c.Overseer.HeartbeatTimeoutSecs = 30
	}
	if c.Overseer.GracePeriodSecs <= 0 {
		c.Overseer.GracePeriodSecs = 30
	}
	if c.Overseer.RestartCooldownSecs <= 0 {
		c.Overseer.RestartCooldownSecs = 300
	}
	if c.Overseer.RemediationTimeoutSecs <= 0 {
		c.Overseer.RemediationTimeoutSecs = 1800
	}
	if c.Overseer.SpiralWindowSecs <= 0 {
		c.Overseer.SpiralWindowSecs = 1800
	}
	if c.Overseer.SpiralMaxCycles <= 0 {
		c.Overseer.SpiralMaxCycles = 3
	}
	if c.Overseer.RepairSession == "" {
		c.Overseer.RepairSession = "drover-repair"
	}
	if len(c.Health.Checks) == 0 {
		c.Health.Checks = append([]string(nil), DefaultChecks...)
	}
	return c
}

// ValidateDaemon fails fast on settings the orchestration loop cannot run
// without. Called before the loop starts so misconfiguration never surfaces
// mid-cycle.
func (c Config) ValidateDaemon(auto bool) error {
	if c.Repo.Source == "" {
		return errors.New("repo.source is required: set it to the primary repository clone in config.toml")
	}
	if auto && c.Daemon.TaskPoolCommand == "" {
		return errors.New("auto mode requires a task pool command: set daemon.task_pool_command or pass --task-pool-command")
	}
	return nil
}

// ValidateOverseer fails fast before supervision begins. The remediation
// prompt is required because the overseer is useless without instructions to
// hand the repair session.
func (c Config) ValidateOverseer() error {
	if c.Repo.Source == "" {
		return errors.New("repo.source is required: set it to the primary repository clone in config.toml")
	}
	if c.Overseer.RemediationPrompt == "" {
		return errors.New("overseer.remediation_prompt is required: add repair instructions to the [overseer] section of config.toml")
	}
	return nil
}
