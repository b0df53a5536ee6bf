// Package workspace models a single package within a monorepo: its
// directory, its declared scripts, and its local dependencies. It also
// provides the default Project collaborator the graph builder consumes,
// discovered from package.json-style manifests on disk.
package workspace

import (
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/lazyrun/lazyrun/internal/turbopath"
)

// RootName is the identifier used for the project root workspace, the
// target of top-level scripts.
const RootName = "//"

// Workspace is a single package in the monorepo: a directory, a name, the
// scripts it declares, and the local workspaces it depends on. It is
// immutable once discovered; identity is its directory.
type Workspace struct {
	Dir       turbopath.AbsoluteSystemPath
	Name      string
	Scripts   map[string]string
	DependsOn map[string]struct{}
}

// HasScript reports whether this workspace declares the given script.
func (w *Workspace) HasScript(name string) bool {
	_, ok := w.Scripts[name]
	return ok
}

// packageManifest is the subset of package.json this discovery process
// reads. Workspaces lists either a bare array or an object with a
// "packages" array, mirroring how real package managers accept both forms.
type packageManifest struct {
	Name            string            `json:"name"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Workspaces      workspaceGlobs    `json:"workspaces"`
}

type workspaceGlobs []string

func (g *workspaceGlobs) UnmarshalJSON(data []byte) error {
	var obj struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Packages != nil {
		*g = obj.Packages
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*g = arr
	return nil
}

// Project is the default, file-system-backed implementation of the
// Project half of the Project/Config collaborator contract. It discovers
// workspaces by walking the glob patterns named in the root manifest's
// "workspaces" field, the way package managers such as yarn/npm do.
type Project struct {
	root        turbopath.AbsoluteSystemPath
	byDir       map[turbopath.AbsoluteSystemPath]*Workspace
	byName      map[string]*Workspace
	rootScripts map[string]string
}

// Load discovers the project rooted at rootDir: it reads rootDir's
// package.json for the top-level script map and the workspace glob
// patterns, then reads each matched package.json for its own scripts and
// local dependency names.
func Load(rootDir turbopath.AbsoluteSystemPath) (*Project, error) {
	rootManifest, err := readManifest(rootDir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading root manifest at %v", rootDir)
	}

	p := &Project{
		root:        rootDir,
		byDir:       map[turbopath.AbsoluteSystemPath]*Workspace{},
		byName:      map[string]*Workspace{},
		rootScripts: rootManifest.Scripts,
	}

	dirs, err := expandWorkspaceGlobs(rootDir, rootManifest.Workspaces)
	if err != nil {
		return nil, err
	}

	for _, dir := range dirs {
		m, err := readManifest(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "reading manifest at %v", dir)
		}
		ws := &Workspace{
			Dir:       dir,
			Name:      m.Name,
			Scripts:   m.Scripts,
			DependsOn: map[string]struct{}{},
		}
		p.byDir[dir] = ws
		p.byName[m.Name] = ws
	}

	// Local dependency edges: a dependency is "local" if its declared
	// name matches a discovered workspace name.
	for _, dir := range dirs {
		m, err := readManifest(dir)
		if err != nil {
			return nil, err
		}
		ws := p.byDir[dir]
		for depName := range m.Dependencies {
			if _, ok := p.byName[depName]; ok {
				ws.DependsOn[depName] = struct{}{}
			}
		}
		for depName := range m.DevDependencies {
			if _, ok := p.byName[depName]; ok {
				ws.DependsOn[depName] = struct{}{}
			}
		}
	}

	return p, nil
}

func readManifest(dir turbopath.AbsoluteSystemPath) (*packageManifest, error) {
	data, err := ioutil.ReadFile(filepath.Join(dir.ToString(), "package.json"))
	if err != nil {
		return nil, err
	}
	var m packageManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "parsing %v/package.json", dir)
	}
	return &m, nil
}

func expandWorkspaceGlobs(root turbopath.AbsoluteSystemPath, patterns []string) ([]turbopath.AbsoluteSystemPath, error) {
	var out []turbopath.AbsoluteSystemPath
	seen := map[string]struct{}{}
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(root.ToString(), pattern))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid workspaces pattern %q", pattern)
		}
		sort.Strings(matches)
		for _, match := range matches {
			if _, err := ioutil.ReadFile(filepath.Join(match, "package.json")); err != nil {
				continue
			}
			if _, ok := seen[match]; ok {
				continue
			}
			seen[match] = struct{}{}
			out = append(out, turbopath.AbsoluteSystemPath(match))
		}
	}
	return out, nil
}

// RootDir returns the project root directory.
func (p *Project) RootDir() turbopath.AbsoluteSystemPath {
	return p.root
}

// WorkspacesByDir returns the mapping directory → Workspace for every
// non-root workspace in the project.
func (p *Project) WorkspacesByDir() map[turbopath.AbsoluteSystemPath]*Workspace {
	return p.byDir
}

// GetWorkspaceByDir looks up a workspace by its absolute directory.
func (p *Project) GetWorkspaceByDir(dir turbopath.AbsoluteSystemPath) (*Workspace, bool) {
	ws, ok := p.byDir[dir]
	return ws, ok
}

// GetWorkspaceByName looks up a workspace by its declared package name.
func (p *Project) GetWorkspaceByName(name string) (*Workspace, bool) {
	ws, ok := p.byName[name]
	return ws, ok
}

// IsTopLevelScript reports whether name is declared on the project root's
// package.json rather than on any individual workspace.
func (p *Project) IsTopLevelScript(name string) bool {
	_, ok := p.rootScripts[name]
	return ok
}

// RootScript returns the command string for a top-level script.
func (p *Project) RootScript(name string) (string, bool) {
	cmd, ok := p.rootScripts[name]
	return cmd, ok
}

// AllWorkspaces returns every discovered workspace, sorted by directory for
// determinism.
func (p *Project) AllWorkspaces() []*Workspace {
	out := make([]*Workspace, 0, len(p.byDir))
	for _, ws := range p.byDir {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
	return out
}
