package manifest

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Persist writes m to path atomically: it writes the serialized bytes to a
// uniquely named temp file in the same directory, then renames it into
// place, so a crash mid-write never leaves a partially written manifest
// behind.
func Persist(path string, m *Manifest) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %v", dir)
	}

	tmp := filepath.Join(dir, fmt.Sprintf("%s.%s.tmp", filepath.Base(path), uuid.New().String()))
	if err := ioutil.WriteFile(tmp, m.Serialize(), 0o644); err != nil {
		return errors.Wrapf(err, "writing %v", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "renaming %v to %v", tmp, path)
	}
	return nil
}

// Load reads and parses the manifest persisted at path. A missing file is
// reported via os.IsNotExist on the returned error, the signal the cache
// decision pipeline treats as "no previous manifest".
func Load(path string) (*Manifest, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
