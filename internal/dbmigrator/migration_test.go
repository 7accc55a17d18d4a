package dbmigrator

import (
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"
)

func writeScripts(c *qt.C, files map[string]string) string {
	dir := c.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		c.Assert(os.MkdirAll(filepath.Dir(path), 0o755), qt.IsNil)
		c.Assert(os.WriteFile(path, []byte(body), 0o644), qt.IsNil)
	}
	return dir
}

func TestParseVersion(t *testing.T) {
	c := qt.New(t)

	v, err := ParseVersion("1_2.10")
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, Version{1, 2, 10})
	c.Assert(v.String(), qt.Equals, "1.2.10")

	_, err = ParseVersion("")
	c.Assert(err, qt.Satisfies, errors.IsNotValid)
	_, err = ParseVersion("1.x")
	c.Assert(err, qt.ErrorMatches, `version "1.x" not valid`)
}

func TestVersionCompare(t *testing.T) {
	c := qt.New(t)
	tests := []struct {
		a, b Version
		want int
	}{
		{Version{1}, Version{1, 0}, 0},
		{Version{1, 2}, Version{1, 10}, -1},
		{Version{2}, Version{1, 9, 9}, 1},
	}
	for _, test := range tests {
		c.Check(test.a.Compare(test.b), qt.Equals, test.want, qt.Commentf("%s vs %s", test.a, test.b))
	}
}

func TestLoadOrdersByVersion(t *testing.T) {
	c := qt.New(t)
	dir := writeScripts(c, map[string]string{
		"V10__add_index.sql":           "CREATE INDEX i ON t (a);",
		"V2__create_cars.sql":          "CREATE TABLE cars ();",
		"nested/V1__create_schema.sql": "CREATE SCHEMA demo;",
		"README.md":                    "ignored",
		"U1__undo.sql":                 "ignored",
	})

	migrations, err := Load(dir)
	c.Assert(err, qt.IsNil)
	c.Assert(migrations, qt.HasLen, 3)
	c.Assert(migrations[0].Script, qt.Equals, "V1__create_schema.sql")
	c.Assert(migrations[0].Description, qt.Equals, "create schema")
	c.Assert(migrations[1].Version.String(), qt.Equals, "2")
	c.Assert(migrations[2].Version.String(), qt.Equals, "10")
	c.Assert(migrations[2].Checksum, qt.Equals, Checksum([]byte("CREATE INDEX i ON t (a);")))
}

func TestLoadDuplicateVersion(t *testing.T) {
	c := qt.New(t)
	dir := writeScripts(c, map[string]string{
		"V1__a.sql":   "SELECT 1;",
		"V1.0__b.sql": "SELECT 2;",
	})
	_, err := Load(dir)
	c.Assert(err, qt.Satisfies, errors.IsNotValid)
}

func TestChecksumIgnoresLineEndings(t *testing.T) {
	c := qt.New(t)
	unix := Checksum([]byte("SELECT 1;\nSELECT 2;\n"))
	c.Assert(Checksum([]byte("SELECT 1;\r\nSELECT 2;\r\n")), qt.Equals, unix)
	c.Assert(Checksum([]byte("\xef\xbb\xbfSELECT 1;\nSELECT 2;\n")), qt.Equals, unix)
	c.Assert(Checksum([]byte("SELECT 3;")), qt.Not(qt.Equals), unix)
}

func TestChecksumMatchesFlyway(t *testing.T) {
	c := qt.New(t)
	c.Assert(Checksum([]byte("SELECT 1;")), qt.Equals, int32(78787420))
	c.Assert(Checksum([]byte("CREATE TABLE t (id INT);\nINSERT INTO t VALUES (1);\n")), qt.Equals, int32(194980085))

	body, err := os.ReadFile(filepath.Join("..", "..", "data-migration", "sql", "V2__create_cars.sql"))
	c.Assert(err, qt.IsNil)
	c.Assert(Checksum(body), qt.Equals, int32(-345279280))
}

func TestReplacePlaceholders(t *testing.T) {
	c := qt.New(t)

	out, err := ReplacePlaceholders("CREATE SCHEMA ${schemaName}; GRANT USAGE ON SCHEMA ${schemaName} TO ${appUser};",
		map[string]string{"schemaName": "demoapp", "appUser": "appuser"})
	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.Equals, "CREATE SCHEMA demoapp; GRANT USAGE ON SCHEMA demoapp TO appuser;")

	_, err = ReplacePlaceholders("ALTER USER x PASSWORD '${password}';", nil)
	c.Assert(err, qt.ErrorMatches, "value for placeholder password not found")
}

func migration(version string, script string, sum int32) Migration {
	v, err := ParseVersion(version)
	if err != nil {
		panic(err)
	}
	return Migration{Version: v, Script: script, Checksum: sum}
}

func applied(rank int, version string, script string, sum int32, success bool) Applied {
	v, err := ParseVersion(version)
	if err != nil {
		panic(err)
	}
	return Applied{Rank: rank, Version: v, Script: script, Checksum: sum, Success: success}
}

func TestPlan(t *testing.T) {
	c := qt.New(t)
	local := []Migration{
		migration("1", "V1__a.sql", 11),
		migration("2", "V2__b.sql", 22),
		migration("3", "V3__c.sql", 33),
	}

	pending, err := Plan(local, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 3)

	pending, err = Plan(local, []Applied{applied(1, "1", "V1__a.sql", 11, true), applied(2, "2", "V2__b.sql", 22, true)})
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 1)
	c.Assert(pending[0].Script, qt.Equals, "V3__c.sql")

	pending, err = Plan(local, []Applied{
		applied(1, "1", "V1__a.sql", 11, true),
		applied(2, "2", "V2__b.sql", 22, true),
		applied(3, "3", "V3__c.sql", 33, true),
	})
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 0)
}

func TestPlanSkipsOutOfOrder(t *testing.T) {
	c := qt.New(t)
	local := []Migration{
		migration("1", "V1__a.sql", 11),
		migration("1.5", "V1_5__late.sql", 15),
		migration("2", "V2__b.sql", 22),
	}
	pending, err := Plan(local, []Applied{applied(1, "1", "V1__a.sql", 11, true), applied(2, "2", "V2__b.sql", 22, true)})
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 0)
}

func TestPlanRejectsInconsistentHistory(t *testing.T) {
	c := qt.New(t)
	local := []Migration{migration("1", "V1__a.sql", 11), migration("2", "V2__b.sql", 22)}

	_, err := Plan(local, []Applied{applied(1, "1", "V1__a.sql", 99, true)})
	c.Assert(err, qt.ErrorMatches, "checksum of migration 1: applied 99, local 11 not valid")

	_, err = Plan(local, []Applied{applied(1, "1", "V1__a.sql", 11, false)})
	c.Assert(err, qt.ErrorMatches, `migration 1 \(V1__a.sql\) failed earlier and needs repair not valid`)

	_, err = Plan(local, []Applied{applied(1, "7", "V7__gone.sql", 77, true)})
	c.Assert(err, qt.Satisfies, errors.IsNotFound)
}

func TestPlanAfterBaseline(t *testing.T) {
	c := qt.New(t)
	local := []Migration{
		migration("1", "V1__a.sql", 11),
		migration("2", "V2__b.sql", 22),
		migration("3", "V3__c.sql", 33),
	}
	baseline := Applied{Rank: 1, Version: Version{2}, Description: "<< Flyway Baseline >>", Type: BaselineType, Script: "<< Flyway Baseline >>", Success: true}

	pending, err := Plan(local, []Applied{baseline})
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 1)
	c.Assert(pending[0].Script, qt.Equals, "V3__c.sql")

	pending, err = Plan(local, []Applied{baseline, applied(2, "3", "V3__c.sql", 33, true)})
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 0)
}
