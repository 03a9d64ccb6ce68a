package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the havocd daemon configuration, loaded from a YAML file with
// defaults suitable for a single-binary deployment.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	Region     string `yaml:"region"`
	APIDomain  string `yaml:"api_domain"`
	// PublicAddr is the address DNS records alias listeners to.
	PublicAddr string `yaml:"public_addr"`
	DataDir    string `yaml:"data_dir"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Fleet struct {
		ContainerdSocket string `yaml:"containerd_socket"`
		Namespace        string `yaml:"namespace"`
	} `yaml:"fleet"`

	DNS struct {
		ListenAddr string    `yaml:"listen_addr"`
		Zones      []DNSZone `yaml:"zones"`
	} `yaml:"dns"`

	ACME struct {
		Enabled      bool   `yaml:"enabled"`
		Email        string `yaml:"email"`
		DirectoryURL string `yaml:"directory_url"`
	} `yaml:"acme"`

	// ResultRetention bounds how long result-queue entries live before the
	// expiry sweep removes them.
	ResultRetention time.Duration `yaml:"result_retention"`

	// SettleDelay is the pause after processing a terminate result, giving
	// back-reference cleanup time to land before the task is reported gone.
	SettleDelay time.Duration `yaml:"settle_delay"`

	TaskTypes []TaskType `yaml:"task_types"`
	Triggers  []Trigger  `yaml:"triggers"`
}

// DNSZone declares a hosted zone the embedded nameserver answers for.
type DNSZone struct {
	ZoneID string `yaml:"zone_id"`
	Name   string `yaml:"name"`
}

// TaskType declares a runnable task flavor and the commands it accepts.
type TaskType struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Image        string   `yaml:"image"`
	Capabilities []string `yaml:"capabilities"`
}

// Trigger is a scheduled rule: run the filter command, and if it yields
// output, run the execute command.
type Trigger struct {
	Name           string            `yaml:"name"`
	Interval       time.Duration     `yaml:"interval"`
	TaskName       string            `yaml:"task_name"`
	FilterCommand  string            `yaml:"filter_command"`
	FilterArgs     map[string]string `yaml:"filter_args"`
	ExecuteCommand string            `yaml:"execute_command"`
	ExecuteArgs    map[string]string `yaml:"execute_args"`
}

// Default returns a config with built-in defaults applied.
func Default() *Config {
	cfg := &Config{
		ListenAddr:      ":8080",
		Region:          "region1",
		APIDomain:       "havoc.local",
		DataDir:         "/var/lib/havoc",
		ResultRetention: 30 * 24 * time.Hour,
		SettleDelay:     2 * time.Second,
	}
	cfg.Log.Level = "info"
	cfg.Fleet.ContainerdSocket = "/run/containerd/containerd.sock"
	cfg.Fleet.Namespace = "havoc"
	cfg.DNS.ListenAddr = ":5353"
	cfg.ACME.DirectoryURL = "https://acme-staging-v02.api.letsencrypt.org/directory"
	cfg.TaskTypes = []TaskType{
		{
			Name:         "shell",
			Version:      "1.0",
			Image:        "docker.io/library/alpine:latest",
			Capabilities: []string{"shell_command", "sleep", "terminate"},
		},
	}
	return cfg
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks fields the daemon cannot default its way around.
func (c *Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("region must be set")
	}
	if c.APIDomain == "" {
		return fmt.Errorf("api_domain must be set")
	}
	if c.ACME.Enabled && c.ACME.Email == "" {
		return fmt.Errorf("acme.email must be set when acme is enabled")
	}
	for _, tt := range c.TaskTypes {
		if tt.Name == "" {
			return fmt.Errorf("task type with empty name")
		}
		if len(tt.Capabilities) == 0 {
			return fmt.Errorf("task type %s declares no capabilities", tt.Name)
		}
	}
	return nil
}
