// Package outputcache implements the output cache engine: after a task
// runs, it captures the files matching its output patterns into a
// per-task cache directory, preserving modification times exactly; on a
// cache hit, it restores that directory back onto the workspace and
// sweeps any stray file the output patterns now match but the cached
// manifest does not.
package outputcache

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Record is one `{relPath}\t{mtimeMillis}` line of an output manifest.
type Record struct {
	RelPath     string
	MtimeMillis int64
}

// Manifest is the ordered set of files captured for one task, accompanying
// its cached-output directory.
type Manifest struct {
	Files []Record
}

// Serialize renders the manifest sorted by path, tab-separated, newline
// terminated.
func (m *Manifest) Serialize() []byte {
	files := append([]Record{}, m.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })

	var buf bytes.Buffer
	for _, f := range files {
		fmt.Fprintf(&buf, "%s\t%d\n", f.RelPath, f.MtimeMillis)
	}
	return buf.Bytes()
}

// ByPath indexes the manifest's records by relative path.
func (m *Manifest) ByPath() map[string]Record {
	out := make(map[string]Record, len(m.Files))
	for _, f := range m.Files {
		out[f.RelPath] = f
	}
	return out
}

// Parse reads a serialized output manifest back into structured form.
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
		if len(fields) != 2 {
			return nil, errors.Errorf("malformed output manifest line: %q", line)
		}
		mtime, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed mtime in line: %q", line)
		}
		m.Files = append(m.Files, Record{RelPath: fields[0], MtimeMillis: mtime})
	}
	return m, nil
}
