package outputcache

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/lazyrun/lazyrun/internal/taskconfig"
)

// RestoreParams describes the inputs needed to replay a task's previously
// captured outputs back onto the workspace.
type RestoreParams struct {
	ProjectRoot  string
	WorkspaceDir string
	TaskKey      taskconfig.TaskKey
	OutputGlobs  []string
	Logger       hclog.Logger
}

// RestoreResult reports what Restore changed on disk.
type RestoreResult struct {
	RestoredFiles []string
	RemovedFiles  []string
}

// Restore replays a task's cached outputs onto the workspace. Files already
// present with a matching modification time are left untouched; files
// missing or stale are copied back from the cache; any file currently
// matching the output patterns but absent from the cached manifest is
// treated as stray from a prior, differently-shaped run and removed.
func Restore(p RestoreParams) (*RestoreResult, error) {
	logger := p.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if len(p.OutputGlobs) == 0 {
		return &RestoreResult{}, nil
	}

	cacheDir := cacheDirFor(p.ProjectRoot, p.TaskKey)
	filesDir := filepath.Join(cacheDir, "files")
	manifestPath := filepath.Join(cacheDir, "manifest.tsv")

	lock, err := acquireTaskLock(cacheDir)
	if err != nil {
		return nil, err
	}
	defer releaseTaskLock(lock)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading output manifest %v", manifestPath)
	}
	manifest, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, "parsing output manifest")
	}
	byPath := manifest.ByPath()

	currentFiles, err := resolvePatterns(p.OutputGlobs, p.ProjectRoot, p.WorkspaceDir)
	if err != nil {
		return nil, errors.Wrap(err, "resolving output patterns")
	}

	result := &RestoreResult{}

	for _, rel := range currentFiles {
		if _, ok := byPath[rel]; ok {
			continue
		}
		abs := filepath.Join(p.ProjectRoot, filepath.FromSlash(rel))
		logger.Warn("removing stray output not present in cached manifest", "path", rel)
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "removing stray output %v", rel)
		}
		result.RemovedFiles = append(result.RemovedFiles, rel)
	}

	for _, rec := range manifest.Files {
		dest := filepath.Join(p.ProjectRoot, filepath.FromSlash(rec.RelPath))
		info, statErr := os.Stat(dest)
		if statErr == nil && mtimeMillis(info) == rec.MtimeMillis {
			continue
		}
		src := filepath.Join(filesDir, filepath.FromSlash(rec.RelPath))
		if err := copyPreservingMtime(src, dest, rec.MtimeMillis); err != nil {
			return nil, errors.Wrapf(err, "restoring output %v", rec.RelPath)
		}
		result.RestoredFiles = append(result.RestoredFiles, rec.RelPath)
	}

	return result, nil
}
