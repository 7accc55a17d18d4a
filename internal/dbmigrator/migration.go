package dbmigrator

import (
	"bytes"
	"hash/crc32"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

var scriptName = regexp.MustCompile(`^V([0-9]+(?:[._][0-9]+)*)__(.+)\.sql$`)

// Version is a dotted migration version such as 1.2.10.
type Version []int

// ParseVersion parses the version part of a script name. Segments may be
// separated by dots or underscores.
func ParseVersion(s string) (Version, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '_' })
	if len(parts) == 0 {
		return nil, errors.NotValidf("empty version")
	}
	v := make(Version, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, errors.NotValidf("version %q", s)
		}
		v[i] = n
	}
	return v, nil
}

// Compare returns -1, 0 or 1. Missing trailing segments count as zero, so 1 and
// 1.0 are the same version.
func (v Version) Compare(o Version) int {
	n := len(v)
	if len(o) > n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		var a, b int
		if i < len(v) {
			a = v[i]
		}
		if i < len(o) {
			b = o[i]
		}
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	return 0
}

func (v Version) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// Migration is one versioned SQL script found on disk.
type Migration struct {
	Version     Version
	Description string
	Script      string
	Checksum    int32
	SQL         string
}

// Load reads every V<version>__<description>.sql file below dir, ordered by
// version. Other files are ignored. Duplicate versions are an error.
func Load(dir string) ([]Migration, error) {
	var migrations []Migration
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		m := scriptName.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		version, err := ParseVersion(m[1])
		if err != nil {
			return errors.Annotatef(err, "script %s", d.Name())
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return errors.Trace(err)
		}
		migrations = append(migrations, Migration{
			Version:     version,
			Description: strings.ReplaceAll(m[2], "_", " "),
			Script:      d.Name(),
			Checksum:    Checksum(body),
			SQL:         string(body),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "reading migrations from %s", dir)
	}
	sort.SliceStable(migrations, func(i, j int) bool {
		return migrations[i].Version.Compare(migrations[j].Version) < 0
	})
	for i := 1; i < len(migrations); i++ {
		if migrations[i-1].Version.Compare(migrations[i].Version) == 0 {
			return nil, errors.NotValidf("duplicate version %s in %s and %s",
				migrations[i].Version, migrations[i-1].Script, migrations[i].Script)
		}
	}
	return migrations, nil
}

// Checksum is the CRC32 Flyway records for a script: the lines of the file,
// without BOM or line terminators, fed to the hash one after the other.
func Checksum(body []byte) int32 {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	h := crc32.NewIEEE()
	for _, line := range bytes.Split(body, []byte("\n")) {
		// A lone carriage return also ends a line.
		h.Write(bytes.ReplaceAll(line, []byte("\r"), nil))
	}
	return int32(h.Sum32())
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z0-9_.:-]+)\}`)

// ReplacePlaceholders substitutes ${name} occurrences with values. A name
// without a value is an error.
func ReplacePlaceholders(sql string, values map[string]string) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(sql, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		v, ok := values[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return v
	})
	if len(missing) > 0 {
		return "", errors.NotFoundf("value for placeholder %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// BaselineType marks the history row written by a Flyway baseline. Versions up
// to it count as applied without a script.
const BaselineType = "BASELINE"

// Applied is a row of the schema history table.
type Applied struct {
	Rank        int
	Version     Version
	Description string
	Type        string
	Script      string
	Checksum    int32
	Success     bool
}

// Plan compares local migrations with the history and returns the pending
// ones. It fails when history and scripts disagree: an edited script, a script
// that was removed after being applied, or a failed earlier run.
func Plan(local []Migration, applied []Applied) ([]Migration, error) {
	byVersion := make(map[string]Migration, len(local))
	for _, m := range local {
		byVersion[m.Version.String()] = m
	}

	var latest Version
	done := make(map[string]bool, len(applied))
	for _, a := range applied {
		key := a.Version.String()
		if a.Type == BaselineType {
			for _, m := range local {
				if m.Version.Compare(a.Version) <= 0 {
					done[m.Version.String()] = true
				}
			}
			if latest == nil || a.Version.Compare(latest) > 0 {
				latest = a.Version
			}
			continue
		}
		if !a.Success {
			return nil, errors.NotValidf("migration %s (%s) failed earlier and needs repair", key, a.Script)
		}
		m, ok := byVersion[key]
		if !ok {
			return nil, errors.NotFoundf("applied migration %s (%s) locally", key, a.Script)
		}
		if m.Checksum != a.Checksum {
			return nil, errors.NotValidf("checksum of migration %s: applied %d, local %d", key, a.Checksum, m.Checksum)
		}
		done[key] = true
		if latest == nil || a.Version.Compare(latest) > 0 {
			latest = a.Version
		}
	}

	var pending []Migration
	for _, m := range local {
		if done[m.Version.String()] {
			continue
		}
		if latest != nil && m.Version.Compare(latest) < 0 {
			// Out of order scripts are ignored, matching the history's order.
			continue
		}
		pending = append(pending, m)
	}
	return pending, nil
}
