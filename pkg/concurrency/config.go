package concurrency

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Mode selects how a run is parallelized
type Mode string

const (
	// ModeDistributed runs K isolated nodes, each with a pool of W workers
	ModeDistributed Mode = "distributed"
	// ModePooled runs a single node with a pool of W workers
	ModePooled Mode = "pooled"
	// ModeSequential runs a single node with a single worker
	ModeSequential Mode = "sequential"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds the two parallelism knobs and where they came from
type Config struct {
	Nodes          int
	WorkersPerNode int
	Mode           Mode
	Source         ConfigSource
	IsKubernetes   bool
	EffectiveCPUs  int

	envErr error
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection.
// Explicit env values are kept as given, even when out of range, so that
// Validate rejects them; unparseable values are reported by EnvError.
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: GetEffectiveCPUs(),
		Source:        ConfigSourceAutoDetect,
		Mode:          ModeDistributed,
	}

	config.Nodes = config.EffectiveCPUs
	config.WorkersPerNode = config.EffectiveCPUs

	if nodes, ok := config.envInt("DAEDALUS_NODES"); ok {
		config.Nodes = nodes
		config.Source = ConfigSourceEnvVar
	}
	if workers, ok := config.envInt("DAEDALUS_WORKERS"); ok {
		config.WorkersPerNode = workers
		config.Source = ConfigSourceEnvVar
	}
	if mode := getEnv("DAEDALUS_MODE", ""); mode != "" {
		parsed, err := ParseMode(mode)
		if err != nil {
			parsed = Mode(mode)
		}
		config.Mode = parsed
	}

	return config
}

// envInt reads an integer variable. It reports false when the variable is
// unset or unparseable; the latter is recorded for EnvError.
func (c *Config) envInt(key string) (int, bool) {
	value := os.Getenv(key)
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		if c.envErr == nil {
			c.envErr = fmt.Errorf("invalid %s %q: must be an integer", key, value)
		}
		return 0, false
	}
	return n, true
}

// EnvError returns the first environment variable that could not be parsed.
func (c *Config) EnvError() error {
	return c.envErr
}

// ParseMode parses a run mode name (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeDistributed, ModePooled, ModeSequential:
		return m, nil
	case "":
		return ModeDistributed, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Effective returns the node and worker counts the mode actually uses.
func (c *Config) Effective() (nodes, workers int) {
	switch c.Mode {
	case ModeSequential:
		return 1, 1
	case ModePooled:
		return 1, c.WorkersPerNode
	}
	return c.Nodes, c.WorkersPerNode
}

// Validate rejects unparseable env values, non-positive counts and unknown modes.
func (c *Config) Validate() error {
	if c.envErr != nil {
		return c.envErr
	}
	if c.Nodes <= 0 {
		return fmt.Errorf("node count must be >= 1, got %d", c.Nodes)
	}
	if c.WorkersPerNode <= 0 {
		return fmt.Errorf("workers per node must be >= 1, got %d", c.WorkersPerNode)
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	return nil
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Nodes: %d, WorkersPerNode: %d, Mode: %s, IsK8s: %t, CPUs: %d, Source: %s}",
		c.Nodes,
		c.WorkersPerNode,
		c.Mode,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
