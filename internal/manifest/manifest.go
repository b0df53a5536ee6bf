// Package manifest implements the input manifest engine: it gathers a
// task's input files, upstream fingerprints and named environment
// variables into a deterministically serialized manifest, and computes the
// sha256 fingerprint the cache decision pipeline keys on.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/lazyrun/lazyrun/internal/taskconfig"
)

// FileRecord is one `file` line: a project-root-relative path, its content
// hash, and the size and modification time (in integer milliseconds) it
// was hashed at. The re-hash optimization requires both Size and
// MtimeMillis to match a previous record before trusting its SHA256: mtime
// alone can't tell a genuine edit from a same-second rewrite that a size
// change would catch.
type FileRecord struct {
	RelPath     string
	SHA256      string
	Size        int64
	MtimeMillis int64
}

// UpstreamRecord is one `upstream` line: a dependency TaskKey and the
// fingerprint its manifest had when this manifest was built.
type UpstreamRecord struct {
	DepKey      taskconfig.TaskKey
	Fingerprint string
}

// EnvRecord is one `env` line: a named environment variable and the
// sha256 hash of its value.
type EnvRecord struct {
	Name  string
	Value string
}

// Manifest is the full set of lines the input manifest engine produced for
// one task.
type Manifest struct {
	Upstreams []UpstreamRecord
	Files     []FileRecord
	Env       []EnvRecord
}

// Serialize renders the manifest as sorted, tab-separated, newline
// terminated bytes: upstream lines first in dependency-key order, then
// file lines in path-sorted order, then env lines in name order.
func (m *Manifest) Serialize() []byte {
	upstreams := append([]UpstreamRecord{}, m.Upstreams...)
	sort.Slice(upstreams, func(i, j int) bool { return upstreams[i].DepKey < upstreams[j].DepKey })

	files := append([]FileRecord{}, m.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })

	envs := append([]EnvRecord{}, m.Env...)
	sort.Slice(envs, func(i, j int) bool { return envs[i].Name < envs[j].Name })

	var buf bytes.Buffer
	for _, u := range upstreams {
		fmt.Fprintf(&buf, "upstream\t%s\t%s\n", u.DepKey, u.Fingerprint)
	}
	for _, f := range files {
		fmt.Fprintf(&buf, "file\t%s\t%s\t%d\t%d\n", f.RelPath, f.SHA256, f.Size, f.MtimeMillis)
	}
	for _, e := range envs {
		fmt.Fprintf(&buf, "env\t%s\t%s\n", e.Name, e.Value)
	}
	return buf.Bytes()
}

// Fingerprint returns the sha256 hex digest of the manifest's serialized
// bytes.
func (m *Manifest) Fingerprint() string {
	sum := sha256.Sum256(m.Serialize())
	return hex.EncodeToString(sum[:])
}

// FileRecordByPath indexes the manifest's file records by relative path,
// used by the re-hash optimization to look up a previous record.
func (m *Manifest) FileRecordByPath() map[string]FileRecord {
	out := make(map[string]FileRecord, len(m.Files))
	for _, f := range m.Files {
		out[f.RelPath] = f
	}
	return out
}

// Parse reads a previously serialized manifest back into structured form.
// It is lenient about a missing trailing newline but rejects malformed
// lines, since a corrupt manifest should be treated the same as "no
// previous manifest" by the caller rather than silently misread.
func Parse(data []byte) (*Manifest, error) {
	m := &Manifest{}
	text := string(data)
	if text == "" {
		return m, nil
	}
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		switch fields[0] {
		case "upstream":
			if len(fields) != 3 {
				return nil, errors.Errorf("malformed upstream line: %q", line)
			}
			m.Upstreams = append(m.Upstreams, UpstreamRecord{
				DepKey:      taskconfig.TaskKey(fields[1]),
				Fingerprint: fields[2],
			})
		case "file":
			if len(fields) != 5 {
				return nil, errors.Errorf("malformed file line: %q", line)
			}
			size, err := strconv.ParseInt(fields[3], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "malformed size in line: %q", line)
			}
			mtime, err := strconv.ParseInt(fields[4], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "malformed mtime in line: %q", line)
			}
			m.Files = append(m.Files, FileRecord{
				RelPath:     fields[1],
				SHA256:      fields[2],
				Size:        size,
				MtimeMillis: mtime,
			})
		case "env":
			if len(fields) != 3 {
				return nil, errors.Errorf("malformed env line: %q", line)
			}
			m.Env = append(m.Env, EnvRecord{Name: fields[1], Value: fields[2]})
		default:
			return nil, errors.Errorf("unknown manifest line kind: %q", line)
		}
	}
	return m, nil
}
