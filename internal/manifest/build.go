package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lazyrun/lazyrun/internal/env"
	"github.com/lazyrun/lazyrun/internal/taskconfig"
)

// ignoredDirs are never descended into while gathering default inputs: the
// task's own state directory (which would otherwise make every run
// self-invalidating) and the usual vendor/VCS noise.
var ignoredDirs = map[string]bool{
	taskconfig.StateDir: true,
	".git":               true,
	"node_modules":        true,
}

// knownLockfiles is the set of package-manager lockfiles treated as a
// global input when a task inherits the base cache.
var knownLockfiles = []string{"pnpm-lock.yaml", "yarn.lock", "package-lock.json"}

// DependencyInput is what the cache decision pipeline hands the manifest
// engine about one upstream dependency whose output this task consumes.
type DependencyInput struct {
	Key         taskconfig.TaskKey
	Fingerprint string
	// OutputFiles are project-root-relative paths produced by the
	// dependency, read from disk as additional inputs to this manifest.
	OutputFiles []string
}

// BuildParams is everything the engine needs to construct one task's
// manifest.
type BuildParams struct {
	ProjectRoot  string
	WorkspaceDir string
	Config       taskconfig.TaskConfig
	// UsesOutputDependencies lists, among the task's graph dependencies,
	// those whose output feeds this manifest (runsAfter.usesOutput, or
	// dependent-mode with usesOutputFromDependencies).
	UsesOutputDependencies []DependencyInput
	// Previous is the manifest persisted by the prior run of this task,
	// if any, used to skip re-hashing unchanged files.
	Previous *Manifest
	Logger   hclog.Logger
}

// Build gathers a task's inputs and returns its manifest. File hashing is
// bounded-concurrency across an errgroup, mirroring how the teacher's
// taskhash package fans file hashing out across a worker pool.
func Build(ctx context.Context, p BuildParams) (*Manifest, error) {
	logger := p.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	paths, err := gatherCandidatePaths(p)
	if err != nil {
		return nil, err
	}
	logger.Debug("gathered candidate input files", "count", len(paths), "workspace", p.WorkspaceDir)

	previousByPath := map[string]FileRecord{}
	if p.Previous != nil {
		previousByPath = p.Previous.FileRecordByPath()
	}

	files, err := hashFiles(ctx, p.ProjectRoot, paths, previousByPath, logger)
	if err != nil {
		return nil, err
	}

	m := &Manifest{Files: files}

	for _, dep := range p.UsesOutputDependencies {
		m.Upstreams = append(m.Upstreams, UpstreamRecord{DepKey: dep.Key, Fingerprint: dep.Fingerprint})
		for _, relPath := range dep.OutputFiles {
			abs := filepath.Join(p.ProjectRoot, filepath.FromSlash(relPath))
			record, err := hashSingleFile(abs, relPath, previousByPath)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, err
			}
			m.Files = append(m.Files, record)
		}
	}

	for _, name := range p.Config.Cache.Env {
		value := env.GetEnvMap()[name]
		sum := sha256.Sum256([]byte(value))
		m.Env = append(m.Env, EnvRecord{Name: name, Value: hex.EncodeToString(sum[:])})
	}

	return m, nil
}

// gatherCandidatePaths resolves a task's include/exclude patterns (plus
// global baseline inputs) into a concrete, deduplicated list of
// project-root-relative paths.
func gatherCandidatePaths(p BuildParams) ([]string, error) {
	includes := p.Config.Cache.Include
	if len(includes) == 0 {
		includes = []string{filepath.ToSlash(filepath.Join(p.WorkspaceDir, "**", "*"))}
	} else {
		includes = rootPatterns(includes, p.WorkspaceDir)
	}
	excludes := rootPatterns(p.Config.Cache.Exclude, p.WorkspaceDir)

	found := map[string]struct{}{}
	var order []string
	add := func(abs string) {
		relPath, err := filepath.Rel(p.ProjectRoot, abs)
		if err != nil {
			return
		}
		relPath = filepath.ToSlash(relPath)
		if _, ok := found[relPath]; ok {
			return
		}
		found[relPath] = struct{}{}
		order = append(order, relPath)
	}

	err := godirwalk.Walk(p.WorkspaceDir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			base := filepath.Base(osPathname)
			if de.IsDir() && ignoredDirs[base] {
				return filepath.SkipDir
			}
			if de.IsDir() {
				return nil
			}
			slashPath := filepath.ToSlash(osPathname)
			if !matchesAny(includes, slashPath) {
				return nil
			}
			if matchesAny(excludes, slashPath) {
				return nil
			}
			add(osPathname)
			return nil
		},
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "walking %v", p.WorkspaceDir)
	}

	if p.Config.Cache.InheritBaseCache {
		for _, name := range knownLockfiles {
			candidate := filepath.Join(p.ProjectRoot, name)
			if _, statErr := os.Stat(candidate); statErr == nil {
				add(candidate)
			}
		}
		matches, _ := filepath.Glob(filepath.Join(p.ProjectRoot, "lazy.config.*"))
		for _, m := range matches {
			add(m)
		}
	}

	sort.Strings(order)
	return order, nil
}

// rootPatterns joins relative patterns onto base, leaving absolute
// patterns untouched.
func rootPatterns(patterns []string, base string) []string {
	out := make([]string, len(patterns))
	for i, pattern := range patterns {
		if filepath.IsAbs(pattern) {
			out[i] = filepath.ToSlash(pattern)
			continue
		}
		out[i] = filepath.ToSlash(filepath.Join(base, pattern))
	}
	return out
}

func matchesAny(patterns []string, candidate string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, candidate); ok {
			return true
		}
	}
	return false
}

// hashFiles hashes each relative path under ProjectRoot, reusing a
// previous sha256 when the file's size and mtime are unchanged, bounded by an
// errgroup-managed worker pool.
func hashFiles(ctx context.Context, projectRoot string, relPaths []string, previous map[string]FileRecord, logger hclog.Logger) ([]FileRecord, error) {
	records := make([]FileRecord, len(relPaths))

	g, _ := errgroup.WithContext(ctx)
	const workerCount = 8
	sem := make(chan struct{}, workerCount)

	for i, relPath := range relPaths {
		i, relPath := i, relPath
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			abs := filepath.Join(projectRoot, filepath.FromSlash(relPath))
			record, err := hashSingleFile(abs, relPath, previous)
			if err != nil {
				return errors.Wrapf(err, "hashing %v", relPath)
			}
			records[i] = record
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Debug("hashed input files", "count", len(records))
	return records, nil
}

// hashSingleFile hashes absPath (storing it under relPath), reusing the
// previous record's sha256 when both the file's size and mtime are
// unchanged. Either one changing on its own is treated as a real edit.
func hashSingleFile(absPath, relPath string, previous map[string]FileRecord) (FileRecord, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return FileRecord{}, err
	}
	size := info.Size()
	mtimeMillis := info.ModTime().UnixNano() / int64(1e6)

	if prev, ok := previous[relPath]; ok && prev.Size == size && prev.MtimeMillis == mtimeMillis {
		return FileRecord{RelPath: relPath, SHA256: prev.SHA256, Size: size, MtimeMillis: mtimeMillis}, nil
	}

	data, err := ioutil.ReadFile(absPath)
	if err != nil {
		return FileRecord{}, err
	}
	sum := sha256.Sum256(data)
	return FileRecord{RelPath: relPath, SHA256: hex.EncodeToString(sum[:]), Size: size, MtimeMillis: mtimeMillis}, nil
}
