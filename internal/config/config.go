package config

import "time"

// Lease store backends.
const (
	BackendRedis     = "redis"
	BackendZooKeeper = "zookeeper"
)

// Config represents the complete application configuration.
type Config struct {
	Node      NodeConfig      `koanf:"node"`
	Log       LogConfig       `koanf:"log"`
	Backend   string          `koanf:"backend"`
	Redis     RedisConfig     `koanf:"redis"`
	ZooKeeper ZooKeeperConfig `koanf:"zookeeper"`
	Lock      LockConfig      `koanf:"lock"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Jobs      []JobConfig     `koanf:"jobs"`
}

// NodeConfig contains node-specific settings.
type NodeConfig struct {
	ID          string        `koanf:"id"`
	GracePeriod time.Duration `koanf:"grace_period"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `koanf:"level"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Address   string `koanf:"address"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// ZooKeeperConfig contains ZooKeeper connection settings.
type ZooKeeperConfig struct {
	Servers        []string      `koanf:"servers"`
	Root           string        `koanf:"root"`
	SessionTimeout time.Duration `koanf:"session_timeout"`
}

// LockConfig contains lease and wait settings.
type LockConfig struct {
	DefaultWait   time.Duration `koanf:"default_wait"`
	LeaseTTL      time.Duration `koanf:"lease_ttl"`
	RenewInterval time.Duration `koanf:"renew_interval"`
	RetryInterval time.Duration `koanf:"retry_interval"`
}

// MetricsConfig configures the metrics and status listener. An empty
// address disables it.
type MetricsConfig struct {
	Address string `koanf:"address"`
	Path    string `koanf:"path"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Stdout bool `koanf:"stdout"`
}

// JobConfig defines a scheduled job.
type JobConfig struct {
	Name          string            `koanf:"name"`
	Schedule      string            `koanf:"schedule"`
	Resource      string            `koanf:"resource"`
	Reason        string            `koanf:"reason"`
	Command       string            `koanf:"command"`
	Timeout       time.Duration     `koanf:"timeout"`
	WaitFor       time.Duration     `koanf:"wait_for"`
	SingleAttempt bool              `koanf:"single_attempt"`
	WorkDir       string            `koanf:"work_dir"`
	Env           map[string]string `koanf:"env"`
	OnFailure     string            `koanf:"on_failure"`
	OnSuccess     string            `koanf:"on_success"`
	Enabled       *bool             `koanf:"enabled"`
}

// IsEnabled returns whether the job is enabled. Defaults to true if not specified.
func (j JobConfig) IsEnabled() bool {
	if j.Enabled == nil {
		return true
	}
	return *j.Enabled
}

// LockReason returns the reason recorded with the job's lock, defaulting
// to the job name.
func (j JobConfig) LockReason() string {
	if j.Reason == "" {
		return j.Name
	}
	return j.Reason
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Node: NodeConfig{
			ID:          "",
			GracePeriod: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Backend: BackendRedis,
		Redis: RedisConfig{
			Address:   "localhost:6379",
			KeyPrefix: "ddllock:",
		},
		ZooKeeper: ZooKeeperConfig{
			Root:           "/ddllock",
			SessionTimeout: 10 * time.Second,
		},
		Lock: LockConfig{
			DefaultWait:   5 * time.Minute,
			LeaseTTL:      30 * time.Second,
			RetryInterval: 500 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Jobs: []JobConfig{},
	}
}
