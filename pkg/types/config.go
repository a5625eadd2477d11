package types

import "time"

// Config represents the main configuration for coderd.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Ops         OpsConfig         `yaml:"ops"`
	Plugins     PluginsConfig     `yaml:"plugins"`
	Cache       CacheConfig       `yaml:"cache"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Agent       AgentConfig       `yaml:"agent"`
	Runner      RunnerConfig      `yaml:"runner"`
	Reporter    ReporterConfig    `yaml:"reporter"`
	Journal     JournalConfig     `yaml:"journal"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig defines settings for the dispatch HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// OpsConfig defines settings for the operational listener
// (metrics and the live event stream). Port 0 disables it.
type OpsConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PluginsConfig defines where plugin workspaces live.
type PluginsConfig struct {
	Root string `yaml:"root"` // One subdirectory per plugin
}

// CacheConfig defines per-plugin cache settings.
type CacheConfig struct {
	Root               string `yaml:"root"`                  // Base directory for per-plugin caches
	UVPythonInstallDir string `yaml:"uv_python_install_dir"` // Shared uv-managed Python toolchains
}

// CredentialsConfig defines where the shared agent credential lives.
type CredentialsConfig struct {
	SharedPath string `yaml:"shared_path"`
}

// AgentConfig defines how the coding agent CLI is invoked.
type AgentConfig struct {
	Binary           string `yaml:"binary"`
	SystemPromptPath string `yaml:"system_prompt_path"`
	EnvFile          string `yaml:"env_file"` // KEY=value file consulted per task for MODEL
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	TermGraceSeconds int    `yaml:"term_grace_seconds"` // Delay between SIGTERM and SIGKILL
}

// Timeout returns the wall-clock execution limit.
func (c AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TermGrace returns the grace period between SIGTERM and SIGKILL.
func (c AgentConfig) TermGrace() time.Duration {
	return time.Duration(c.TermGraceSeconds) * time.Second
}

// RunnerConfig defines task admission settings.
type RunnerConfig struct {
	MaxInFlight         int `yaml:"max_in_flight"` // 0 means unbounded
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"` // Shutdown wait for running tasks
}

// DrainTimeout returns how long shutdown waits for in-flight tasks.
func (c RunnerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ReporterConfig defines upstream result delivery settings.
type ReporterConfig struct {
	ChatURL        string `yaml:"chat_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-request delivery timeout.
func (c ReporterConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// JournalConfig defines the task-event journal. Empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3002,
		},
		Ops: OpsConfig{
			Host: "0.0.0.0",
			Port: 3003,
		},
		Plugins: PluginsConfig{
			Root: "/plugins",
		},
		Cache: CacheConfig{
			Root:               "/cache",
			UVPythonInstallDir: "/opt/uv/python",
		},
		Credentials: CredentialsConfig{
			SharedPath: "/home/coder/.claude/.credentials.json",
		},
		Agent: AgentConfig{
			Binary:           "claude",
			SystemPromptPath: "/app/system-prompt.txt",
			EnvFile:          "/run/coder-env",
			TimeoutSeconds:   600,
			TermGraceSeconds: 5,
		},
		Runner: RunnerConfig{
			MaxInFlight:         0,
			DrainTimeoutSeconds: 30,
		},
		Reporter: ReporterConfig{
			ChatURL:        "http://app:3001/chat",
			TimeoutSeconds: 10,
		},
		Journal: JournalConfig{
			Path: "",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
