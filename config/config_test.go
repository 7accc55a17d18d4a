package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"
)

func writeConfig(c *qt.C, body string) string {
	path := filepath.Join(c.TempDir(), "deploy.toml")
	c.Assert(os.WriteFile(path, []byte(body), 0o600), qt.IsNil)
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c := qt.New(t)
	t.Setenv("CDK_DEFAULT_ACCOUNT", "123456789012")
	t.Setenv("CDK_DEFAULT_REGION", "us-east-1")

	cfg, err := Load(filepath.Join(c.TempDir(), "absent.toml"))
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.AppName, qt.Equals, "demoapp")
	c.Assert(cfg.Environment, qt.Equals, "dev")
	c.Assert(cfg.Account, qt.Equals, "123456789012")
	c.Assert(cfg.Region, qt.Equals, "us-east-1")
	c.Assert(cfg.Database.Name, qt.Equals, "demoapp")
	c.Assert(cfg.Database.Port, qt.Equals, 5432)
	c.Assert(cfg.Database.RotationDays, qt.Equals, 30)
	c.Assert(cfg.Service.ContainerPort, qt.Equals, 8080)
	c.Assert(cfg.Service.HealthCheckPort, qt.Equals, 8081)
	c.Assert(cfg.Migration.Mode, qt.Equals, MigrationCustomResource)
	c.Assert(cfg.MigrationMixed(), qt.IsTrue)
	c.Assert(cfg.Validate(), qt.IsNil)
}

func TestLoadOverrides(t *testing.T) {
	c := qt.New(t)
	path := writeConfig(c, `
app_name = "carsapp"
region = "eu-west-1"

[database]
port = 6543

[migration]
mode = "both"
mixed = false

[migration.placeholders]
schemaName = "cars"

[bastion]
enabled = true
ingress_cidrs = ["10.0.0.0/16"]
`)
	cfg, err := Load(path)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.AppName, qt.Equals, "carsapp")
	c.Assert(cfg.Database.Name, qt.Equals, "carsapp")
	c.Assert(cfg.Region, qt.Equals, "eu-west-1")
	c.Assert(cfg.Database.Port, qt.Equals, 6543)
	c.Assert(cfg.MigrationMixed(), qt.IsFalse)
	c.Assert(cfg.UsesCodeBuild(), qt.IsTrue)
	c.Assert(cfg.UsesCustomResource(), qt.IsTrue)
	c.Assert(cfg.Migration.Placeholders, qt.DeepEquals, map[string]string{"schemaName": "cars"})
	c.Assert(cfg.Validate(), qt.IsNil)
}

func TestLoadRejectsBrokenToml(t *testing.T) {
	c := qt.New(t)
	path := writeConfig(c, "app_name = ")
	_, err := Load(path)
	c.Assert(err, qt.ErrorMatches, `(?s)parsing config ".*deploy.toml": .*`)
}

func TestValidate(t *testing.T) {
	c := qt.New(t)
	base, err := Load("")
	c.Assert(err, qt.IsNil)

	cfg := base
	cfg.Migration.Mode = "liquibase"
	c.Assert(errors.Is(cfg.Validate(), errors.NotValid), qt.IsTrue)

	cfg = base
	cfg.Database.Port = 0
	c.Assert(cfg.Validate(), qt.ErrorMatches, "database port 0 not valid")

	cfg = base
	cfg.Bastion.Enabled = true
	c.Assert(cfg.Validate(), qt.ErrorMatches, "bastion without ingress cidrs not valid")

	cfg = base
	cfg.VpcID = "vpc-0123"
	cfg.Account = ""
	c.Assert(cfg.Validate(), qt.ErrorMatches, "vpc lookup without account and region not valid")

	cfg.Account, cfg.Region = "123456789012", "eu-west-1"
	c.Assert(cfg.Validate(), qt.IsNil)

	cfg = base
	cfg.AppName = " "
	c.Assert(cfg.Validate(), qt.ErrorMatches, "empty app name not valid")
}

func TestApplyContext(t *testing.T) {
	c := qt.New(t)

	app := awscdk.NewApp(&awscdk.AppProps{
		Context: &map[string]interface{}{
			"appName":     "ctxapp",
			"environment": "prod",
			"revision":    "git-abc123",
		},
	})
	cfg, err := Load("")
	c.Assert(err, qt.IsNil)
	cfg.ApplyContext(app.Node())
	cfg.ResolveRevision()

	c.Assert(cfg.AppName, qt.Equals, "ctxapp")
	c.Assert(cfg.Database.Name, qt.Equals, "ctxapp")
	c.Assert(cfg.Environment, qt.Equals, "prod")
	c.Assert(cfg.Revision, qt.Equals, "git-abc123")
	c.Assert(cfg.VpcID, qt.Equals, "")
}
