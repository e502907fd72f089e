package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/andrewlasiter/fda-tools-sub000/internal/audit"
)

// Config models fdc.yml. The HMAC signing key is deliberately absent: it is
// secret material and comes from the environment (FDC_SIGNING_KEY), never
// from a config file.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Compliance struct {
		RetentionDays int `yaml:"retention_days"`
		Training      struct {
			Complete bool     `yaml:"complete"`
			Records  int      `yaml:"records"`
			Topics   []string `yaml:"topics"`
			Users    []string `yaml:"users"`
		} `yaml:"training"`
	} `yaml:"compliance"`
	Reviewers map[string]Reviewer `yaml:"reviewers"`
	Server    struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Reviewer is one entry in the reviewer roster supplied by the identity
// layer. Role must be a name from the access-control hierarchy.
type Reviewer struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Compliance.RetentionDays <= 0 {
		return fmt.Errorf("config.compliance.retention_days must be positive")
	}
	for id, r := range c.Reviewers {
		if id == "" {
			return fmt.Errorf("config.reviewers contains empty reviewer id")
		}
		if !audit.KnownRole(audit.Role(r.Role)) {
			return fmt.Errorf("reviewer %s has unknown role %q", id, r.Role)
		}
	}
	return nil
}

// ReportConfig maps the compliance section into the report generator's
// input shape.
func (c *Config) ReportConfig() audit.ReportConfig {
	return audit.ReportConfig{
		RetentionDays:       c.Compliance.RetentionDays,
		TrainingComplete:    c.Compliance.Training.Complete,
		TrainingRecordCount: c.Compliance.Training.Records,
		TrainingTopics:      c.Compliance.Training.Topics,
		TrainedUsers:        c.Compliance.Training.Users,
	}
}

// Default returns the default Config for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, projectID, projectID)), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when path does not exist.
func LoadOptional(path, projectID string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(projectID), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  name: %s

compliance:
  retention_days: 3650
  training:
    complete: false
    records: 1
    topics: [part11.records, part11.signatures]
    users: [local-user]

reviewers:
  local-user:
    name: Local User
    role: ra_lead

server:
  addr: 127.0.0.1:8931
  base_path: /v0
`
