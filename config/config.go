// Package config loads the deployment settings for the CDK app.
package config

import (
	"io/fs"
	"os"
	"os/exec"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
	"github.com/juju/errors"
)

// Migration modes.
const (
	MigrationCustomResource = "custom-resource"
	MigrationCodeBuild      = "codebuild"
	MigrationBoth           = "both"
)

// Config is the full deployment configuration.
type Config struct {
	AppName     string `toml:"app_name"`
	Environment string `toml:"environment"`
	Account     string `toml:"account"`
	Region      string `toml:"region"`
	Revision    string `toml:"revision"`
	VpcID       string `toml:"vpc_id"`
	MaxAzs      int    `toml:"max_azs"`
	// S3PrefixListID lets isolated functions reach S3 through the gateway endpoint
	// only. Empty means 443 egress to anywhere.
	S3PrefixListID string `toml:"s3_prefix_list_id"`

	Database  DatabaseConfig  `toml:"database"`
	Service   ServiceConfig   `toml:"service"`
	Migration MigrationConfig `toml:"migration"`
	CI        CIConfig        `toml:"ci"`
	Bastion   BastionConfig   `toml:"bastion"`
}

// DatabaseConfig describes the Aurora PostgreSQL cluster.
type DatabaseConfig struct {
	Name          string `toml:"name"`
	AdminUsername string `toml:"admin_username"`
	AppUsername   string `toml:"app_username"`
	Port          int    `toml:"port"`
	InstanceClass string `toml:"instance_class"`
	InstanceSize  string `toml:"instance_size"`
	RotationDays  int    `toml:"rotation_days"`
}

// ServiceConfig describes the Fargate service.
type ServiceConfig struct {
	Cpu             int    `toml:"cpu"`
	MemoryMiB       int    `toml:"memory_mib"`
	DesiredCount    int    `toml:"desired_count"`
	ContainerPort   int    `toml:"container_port"`
	HealthCheckPath string `toml:"health_check_path"`
	HealthCheckPort int    `toml:"health_check_port"`
	ImageTag        string `toml:"image_tag"`
	JavaToolOptions string `toml:"java_tool_options"`
}

// MigrationConfig describes how schema migrations are delivered.
type MigrationConfig struct {
	Mode         string            `toml:"mode"`
	SqlPath      string            `toml:"sql_path"`
	KeyPrefix    string            `toml:"key_prefix"`
	FileName     string            `toml:"file_name"`
	Mixed        *bool             `toml:"mixed"`
	Placeholders map[string]string `toml:"placeholders"`
}

// CIConfig enables the OIDC role used by CI to publish images.
type CIConfig struct {
	GitHubRepos []string `toml:"github_repos"`
}

// BastionConfig controls the optional database bastion host.
type BastionConfig struct {
	Enabled      bool     `toml:"enabled"`
	IngressCidrs []string `toml:"ingress_cidrs"`
}

// Load reads the TOML file at path, applies defaults and the CDK_DEFAULT_*
// environment. A missing file yields the defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, errors.Annotatef(err, "parsing config %q", path)
		}
	}
	if cfg.Account == "" {
		cfg.Account = os.Getenv("CDK_DEFAULT_ACCOUNT")
	}
	if cfg.Region == "" {
		cfg.Region = os.Getenv("CDK_DEFAULT_REGION")
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AppName == "" {
		c.AppName = "demoapp"
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.MaxAzs == 0 {
		c.MaxAzs = 2
	}

	db := &c.Database
	if db.Name == "" {
		db.Name = c.AppName
	}
	if db.AdminUsername == "" {
		db.AdminUsername = "dbadmin"
	}
	if db.AppUsername == "" {
		db.AppUsername = "appuser"
	}
	if db.Port == 0 {
		db.Port = 5432
	}
	if db.InstanceClass == "" {
		db.InstanceClass = "t3"
	}
	if db.InstanceSize == "" {
		db.InstanceSize = "medium"
	}
	if db.RotationDays == 0 {
		db.RotationDays = 30
	}

	svc := &c.Service
	if svc.Cpu == 0 {
		svc.Cpu = 512
	}
	if svc.MemoryMiB == 0 {
		svc.MemoryMiB = 1024
	}
	if svc.DesiredCount == 0 {
		svc.DesiredCount = 1
	}
	if svc.ContainerPort == 0 {
		svc.ContainerPort = 8080
	}
	if svc.HealthCheckPath == "" {
		svc.HealthCheckPath = "/actuator/health/liveness"
	}
	if svc.HealthCheckPort == 0 {
		svc.HealthCheckPort = 8081
	}
	if svc.ImageTag == "" {
		svc.ImageTag = "latest"
	}
	if svc.JavaToolOptions == "" {
		svc.JavaToolOptions = "-XX:InitialRAMPercentage=70 -XX:MaxRAMPercentage=70 -Dfile.encoding=UTF-8"
	}

	m := &c.Migration
	if m.Mode == "" {
		m.Mode = MigrationCustomResource
	}
	if m.SqlPath == "" {
		m.SqlPath = "data-migration/sql"
	}
	if m.KeyPrefix == "" {
		m.KeyPrefix = "data-jobs"
	}
	if m.FileName == "" {
		m.FileName = "data-migration.zip"
	}
	if m.Mixed == nil {
		mixed := true
		m.Mixed = &mixed
	}
	if m.Placeholders == nil {
		m.Placeholders = map[string]string{}
	}
}

// ApplyContext overrides values with CDK context entries set on node, as given
// with `cdk synth -c key=value`.
func (c *Config) ApplyContext(node constructs.Node) {
	if v := contextString(node, "appName"); v != "" {
		if c.Database.Name == c.AppName {
			c.Database.Name = v
		}
		c.AppName = v
	}
	if v := contextString(node, "environment"); v != "" {
		c.Environment = v
	}
	if v := contextString(node, "revision"); v != "" {
		c.Revision = v
	}
	if v := contextString(node, "vpcId"); v != "" {
		c.VpcID = v
	}
}

func contextString(node constructs.Node, key string) string {
	v := node.TryGetContext(jsii.String(key))
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// ResolveRevision fills Revision from git when it was not configured.
func (c *Config) ResolveRevision() {
	if c.Revision != "" {
		return
	}
	c.Revision = GitRevision()
}

// GitRevision returns git-<HEAD sha>, or git-unknown outside a work tree.
func GitRevision() string {
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	sha := strings.TrimSpace(string(out))
	if err != nil || sha == "" {
		return "git-unknown"
	}
	return "git-" + sha
}

// MigrationMixed reports whether migrations may mix transactional and
// non-transactional statements.
func (c Config) MigrationMixed() bool {
	return c.Migration.Mixed == nil || *c.Migration.Mixed
}

// Validate checks the configuration for values the stacks cannot work with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.AppName) == "" {
		return errors.NotValidf("empty app name")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return errors.NotValidf("database port %d", c.Database.Port)
	}
	if c.Service.ContainerPort <= 0 || c.Service.HealthCheckPort <= 0 {
		return errors.NotValidf("service ports %d/%d", c.Service.ContainerPort, c.Service.HealthCheckPort)
	}
	switch c.Migration.Mode {
	case MigrationCustomResource, MigrationCodeBuild, MigrationBoth:
	default:
		return errors.NotValidf("migration mode %q", c.Migration.Mode)
	}
	if c.VpcID != "" && (c.Account == "" || c.Region == "") {
		return errors.NotValidf("vpc lookup without account and region")
	}
	if c.Bastion.Enabled && len(c.Bastion.IngressCidrs) == 0 {
		return errors.NotValidf("bastion without ingress cidrs")
	}
	return nil
}

// UsesCustomResource reports whether the custom resource migrator is deployed.
func (c Config) UsesCustomResource() bool {
	return c.Migration.Mode == MigrationCustomResource || c.Migration.Mode == MigrationBoth
}

// UsesCodeBuild reports whether the CodeBuild migration project is deployed.
func (c Config) UsesCodeBuild() bool {
	return c.Migration.Mode == MigrationCodeBuild || c.Migration.Mode == MigrationBoth
}
