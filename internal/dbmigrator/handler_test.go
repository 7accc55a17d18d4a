package dbmigrator

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/cfn"
	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

type recordedRun struct {
	connString string
	scripts    []string
	opts       Options
}

func newTestHandler(c *qt.C, result Result, migrateErr error) (*Handler, *[]recordedRun) {
	secrets := &fakeSecrets{values: map[string]string{
		"admin":   `{"host":"db.local","username":"dbadmin","password":"secret","dbname":"demoapp","port":"5432"}`,
		"appUser": `{"host":"db.local","username":"appuser","password":"app-pass"}`,
	}}
	objects := &fakeObjects{objects: map[string][]byte{
		"artifacts/data-jobs/data-migration.zip": zipBytes(c, map[string]string{
			"V2__cars.sql":   "CREATE TABLE ${schemaName}.cars (id bigserial);",
			"V1__schema.sql": "CREATE SCHEMA ${schemaName};",
		}),
		"artifacts/extra/more.zip": zipBytes(c, map[string]string{
			"V3__grants.sql": "GRANT USAGE ON SCHEMA ${schemaName} TO appuser;",
		}),
	}}
	var runs []recordedRun
	h := &Handler{
		Secrets: secrets,
		Objects: objects,
		TmpDir:  c.TempDir(),
		Logger:  zerolog.New(io.Discard),
		Migrate: func(_ context.Context, connString string, local []Migration, opts Options) (Result, error) {
			run := recordedRun{connString: connString, opts: opts}
			for _, m := range local {
				run.scripts = append(run.scripts, m.Script)
			}
			runs = append(runs, run)
			return result, migrateErr
		},
	}
	return h, &runs
}

func createEvent(props map[string]interface{}) cfn.Event {
	return cfn.Event{
		RequestType:        cfn.RequestCreate,
		LogicalResourceID:  "DBMigration",
		ResourceProperties: props,
	}
}

func TestHandleCreate(t *testing.T) {
	c := qt.New(t)
	h, runs := newTestHandler(c, Result{Success: true, MigrationsPerformed: 3, TargetVersion: "3"}, nil)

	physicalID, data, err := h.Handle(context.Background(), createEvent(map[string]interface{}{
		"masterSecret":       "admin",
		"locations":          "s3://artifacts/data-jobs/data-migration.zip, s3://artifacts/extra/more.zip",
		"mixed":              "true",
		"placeHolders":       map[string]interface{}{"schemaName": "demoapp"},
		"secretPlaceHolders": map[string]interface{}{"appPassword": "appUser"},
	}))
	c.Assert(err, qt.IsNil)
	c.Assert(strings.HasPrefix(physicalID, PhysicalIDPrefix), qt.IsTrue)
	c.Assert(len(physicalID), qt.Equals, len(PhysicalIDPrefix)+36)
	c.Assert(data, qt.DeepEquals, map[string]interface{}{
		"Response":            "true",
		"MigrationsPerformed": "3",
		"TargetVersion":       "3",
	})

	c.Assert(*runs, qt.HasLen, 1)
	run := (*runs)[0]
	c.Assert(run.connString, qt.Matches, `postgres://dbadmin:secret@db\.local:5432/demoapp\?.*`)
	c.Assert(run.scripts, qt.DeepEquals, []string{"V1__schema.sql", "V2__cars.sql", "V3__grants.sql"})
	c.Assert(run.opts, qt.DeepEquals, Options{
		Mixed:        true,
		Placeholders: map[string]string{"schemaName": "demoapp", "appPassword": "app-pass"},
		InstalledBy:  "dbadmin",
	})
}

func TestHandleUpdateKeepsPhysicalID(t *testing.T) {
	c := qt.New(t)
	h, runs := newTestHandler(c, Result{Success: true, TargetVersion: "2"}, nil)

	event := createEvent(map[string]interface{}{
		"masterSecret": "admin",
		"locations":    "s3://artifacts/data-jobs/data-migration.zip",
	})
	event.RequestType = cfn.RequestUpdate
	event.PhysicalResourceID = "DBMigrator-existing"

	physicalID, data, err := h.Handle(context.Background(), event)
	c.Assert(err, qt.IsNil)
	c.Assert(physicalID, qt.Equals, "DBMigrator-existing")
	c.Assert(data["MigrationsPerformed"], qt.Equals, "0")
	c.Assert(*runs, qt.HasLen, 1)
	c.Assert((*runs)[0].opts.Mixed, qt.IsFalse)
}

func TestHandleDeleteDoesNothing(t *testing.T) {
	c := qt.New(t)
	h, runs := newTestHandler(c, Result{}, nil)

	physicalID, data, err := h.Handle(context.Background(), cfn.Event{
		RequestType:        cfn.RequestDelete,
		PhysicalResourceID: "DBMigrator-existing",
	})
	c.Assert(err, qt.IsNil)
	c.Assert(physicalID, qt.Equals, "DBMigrator-existing")
	c.Assert(data, qt.IsNil)
	c.Assert(*runs, qt.HasLen, 0)
}

func TestHandleErrors(t *testing.T) {
	tests := []struct {
		about      string
		props      map[string]interface{}
		migrateErr error
		err        string
	}{{
		about: "missing properties",
		props: map[string]interface{}{"locations": "s3://artifacts/data-jobs/data-migration.zip"},
		err:   "missing masterSecret property not valid",
	}, {
		about: "unknown secret",
		props: map[string]interface{}{"masterSecret": "nobody", "locations": "s3://artifacts/data-jobs/data-migration.zip"},
		err:   "getting secret nobody: secret nobody not found",
	}, {
		about: "unknown placeholder secret",
		props: map[string]interface{}{
			"masterSecret":       "admin",
			"locations":          "s3://artifacts/data-jobs/data-migration.zip",
			"secretPlaceHolders": map[string]interface{}{"pw": "nobody"},
		},
		err: "placeholder pw: getting secret nobody: secret nobody not found",
	}, {
		about: "bad location",
		props: map[string]interface{}{"masterSecret": "admin", "locations": "artifacts/data-migration.zip"},
		err:   `location "artifacts/data-migration.zip" not valid`,
	}, {
		about:      "migration fails",
		props:      map[string]interface{}{"masterSecret": "admin", "locations": "s3://artifacts/data-jobs/data-migration.zip"},
		migrateErr: errors.New("relation already exists"),
		err:        "relation already exists",
	}}

	c := qt.New(t)
	for _, test := range tests {
		c.Run(test.about, func(c *qt.C) {
			h, _ := newTestHandler(c, Result{}, test.migrateErr)
			physicalID, _, err := h.Handle(context.Background(), createEvent(test.props))
			c.Assert(err, qt.ErrorMatches, test.err)
			c.Assert(strings.HasPrefix(physicalID, PhysicalIDPrefix), qt.IsTrue)
		})
	}
}
