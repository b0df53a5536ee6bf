package outputcache

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/karrick/godirwalk"
)

// rootDirToken is the literal prefix a task's output pattern can use to
// mean "relative to the project root" rather than the task's workspace.
const rootDirToken = "<rootDir>/"

// rootPattern resolves one output pattern to an absolute, slash-normalized
// glob rooted either at the project root, the workspace, or (if the
// pattern was already absolute) itself.
func rootPattern(pattern, projectRoot, workspaceDir string) string {
	switch {
	case strings.HasPrefix(pattern, rootDirToken):
		return filepath.ToSlash(filepath.Join(projectRoot, strings.TrimPrefix(pattern, rootDirToken)))
	case filepath.IsAbs(pattern):
		return filepath.ToSlash(pattern)
	default:
		return filepath.ToSlash(filepath.Join(workspaceDir, pattern))
	}
}

// resolvePatterns walks the project root and returns every file whose
// absolute path matches at least one pattern, as project-root-relative
// slash paths. A pattern that resolves outside projectRoot is reported via
// EscapesRootError instead of silently matching nothing (since the walk
// below never leaves projectRoot, such a pattern would otherwise appear to
// match zero files rather than fail loudly).
func resolvePatterns(patterns []string, projectRoot, workspaceDir string) ([]string, error) {
	absPatterns := make([]string, len(patterns))
	cleanRoot := filepath.ToSlash(filepath.Clean(projectRoot))
	for i, p := range patterns {
		resolved := rootPattern(p, projectRoot, workspaceDir)
		absPatterns[i] = resolved

		base, _ := doublestar.SplitPattern(resolved)
		base = filepath.ToSlash(filepath.Clean(base))
		if base != cleanRoot && !strings.HasPrefix(base, cleanRoot+"/") {
			rel, relErr := filepath.Rel(cleanRoot, base)
			if relErr != nil {
				rel = base
			}
			return nil, &EscapesRootError{Pattern: p, RelPath: filepath.ToSlash(rel)}
		}
	}

	var out []string
	seen := map[string]struct{}{}
	err := godirwalk.Walk(projectRoot, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			base := filepath.Base(osPathname)
			if de.IsDir() && (base == ".lazy" || base == ".git" || base == "node_modules") {
				return filepath.SkipDir
			}
			if de.IsDir() {
				return nil
			}
			slashPath := filepath.ToSlash(osPathname)
			matched := false
			for _, pattern := range absPatterns {
				if ok, _ := doublestar.Match(pattern, slashPath); ok {
					matched = true
					break
				}
			}
			if !matched {
				return nil
			}
			relPath, err := filepath.Rel(projectRoot, osPathname)
			if err != nil {
				return err
			}
			relPath = filepath.ToSlash(relPath)
			if _, ok := seen[relPath]; ok {
				return nil
			}
			seen[relPath] = struct{}{}
			out = append(out, relPath)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
