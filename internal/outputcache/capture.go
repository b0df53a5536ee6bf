package outputcache

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/lazyrun/lazyrun/internal/taskconfig"
)

// cacheDirFor returns the per-task directory under the state directory where
// a task's captured outputs and output manifest live.
func cacheDirFor(projectRoot string, key taskconfig.TaskKey) string {
	return filepath.Join(projectRoot, taskconfig.StateDir, "cache", sanitizeKey(string(key)))
}

func sanitizeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// CaptureParams describes the inputs needed to snapshot a task's declared
// outputs after a successful run.
type CaptureParams struct {
	ProjectRoot  string
	WorkspaceDir string
	TaskKey      taskconfig.TaskKey
	OutputGlobs  []string
}

// CaptureResult reports what Capture copied into the cache.
type CaptureResult struct {
	CacheDir    string
	OutputFiles []string
}

// Capture resolves a task's output patterns against the workspace, copies
// every matching file into the task's cache directory (preserving mtimes),
// and persists an output manifest recording exactly what was captured. A
// previous capture for the same task is replaced wholesale so stale files
// from an earlier run never linger in the cache.
func Capture(p CaptureParams) (*CaptureResult, error) {
	if len(p.OutputGlobs) == 0 {
		return &CaptureResult{}, nil
	}

	relFiles, err := resolvePatterns(p.OutputGlobs, p.ProjectRoot, p.WorkspaceDir)
	if err != nil {
		return nil, errors.Wrap(err, "resolving output patterns")
	}

	cacheDir := cacheDirFor(p.ProjectRoot, p.TaskKey)
	filesDir := filepath.Join(cacheDir, "files")

	lock, err := acquireTaskLock(cacheDir)
	if err != nil {
		return nil, err
	}
	defer releaseTaskLock(lock)

	if err := os.RemoveAll(filesDir); err != nil {
		return nil, errors.Wrapf(err, "clearing previous capture in %v", filesDir)
	}

	manifest := &Manifest{}
	for _, rel := range relFiles {
		from := filepath.Join(p.ProjectRoot, filepath.FromSlash(rel))
		to := filepath.Join(filesDir, filepath.FromSlash(rel))
		if err := copyPreservingMtime(from, to, 0); err != nil {
			return nil, errors.Wrapf(err, "capturing output %v", rel)
		}
		info, err := os.Stat(from)
		if err != nil {
			return nil, err
		}
		manifest.Files = append(manifest.Files, Record{RelPath: rel, MtimeMillis: mtimeMillis(info)})
	}

	manifestPath := filepath.Join(cacheDir, "manifest.tsv")
	if err := persistManifestFile(manifestPath, manifest); err != nil {
		return nil, err
	}

	return &CaptureResult{CacheDir: cacheDir, OutputFiles: relFiles}, nil
}

// CapturedOutputFiles returns the project-root-relative paths captured for
// key's task the last time Capture ran, sorted. It returns an empty slice,
// not an error, when the task has never been captured.
func CapturedOutputFiles(projectRoot string, key taskconfig.TaskKey) ([]string, error) {
	manifestPath := filepath.Join(cacheDirFor(projectRoot, key), "manifest.tsv")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading output manifest %v", manifestPath)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, "parsing output manifest")
	}
	out := make([]string, len(m.Files))
	for i, f := range m.Files {
		out[i] = f.RelPath
	}
	return out, nil
}

func persistManifestFile(path string, m *Manifest) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, m.Serialize(), 0o644); err != nil {
		return errors.Wrapf(err, "writing %v", tmp)
	}
	if err := retryRename(func() error { return os.Rename(tmp, path) }); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "renaming %v to %v", tmp, path)
	}
	return nil
}
