// Package graph builds the task graph: the set of TaskKeys a request
// resolves to, and the dependency edges between them. It performs a
// depth-first visit per requested script to discover nodes, then hands
// the discovered edges to a dag.AcyclicGraph for cycle detection and for
// the scheduler's concurrent topological walk.
package graph

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pyr-sh/dag"

	"github.com/lazyrun/lazyrun/internal/taskconfig"
	"github.com/lazyrun/lazyrun/internal/turbopath"
	"github.com/lazyrun/lazyrun/internal/workspace"
)

// Project is the subset of the workspace.Project surface the graph builder
// consumes, named here so callers can supply a fake in tests.
type Project interface {
	RootDir() turbopath.AbsoluteSystemPath
	GetWorkspaceByDir(dir turbopath.AbsoluteSystemPath) (*workspace.Workspace, bool)
	GetWorkspaceByName(name string) (*workspace.Workspace, bool)
	AllWorkspaces() []*workspace.Workspace
	IsTopLevelScript(name string) bool
}

// Config is the subset of taskconfig.Resolver the graph builder consumes.
type Config interface {
	GetTaskConfig(scriptName string) taskconfig.TaskConfig
}

// Node is one vertex of the task graph: a script bound to a workspace (or,
// for a top-level script, to the project root), its resolved config, and
// the TaskKeys it depends on.
type Node struct {
	Key          taskconfig.TaskKey
	ScriptName   string
	WorkspaceDir string
	Workspace    *workspace.Workspace // nil for a top-level task
	Command      string
	Config       taskconfig.TaskConfig
	ExtraArgs    []string
	Force        bool
	// Dependencies is every TaskKey this node must wait on.
	Dependencies []taskconfig.TaskKey
	// UsesOutputDependencies is the subset of Dependencies whose output
	// files feed this node's input manifest: runsAfter relations with
	// usesOutput=true, and (in dependent mode) local dependency edges
	// when the config's usesOutputFromDependencies is set. Dependencies
	// outside this set are pure ordering constraints and never affect
	// this node's fingerprint.
	UsesOutputDependencies []taskconfig.TaskKey
}

// Graph is the builder's output: every node keyed by TaskKey, a
// topological order (dependencies precede dependents), and the
// dag.AcyclicGraph the scheduler walks to drive execution concurrently.
type Graph struct {
	Nodes     map[taskconfig.TaskKey]*Node
	Order     []taskconfig.TaskKey
	TaskGraph *dag.AcyclicGraph
}

// CycleError reports a cyclic dependency, naming the offending path.
type CycleError struct {
	Path []taskconfig.TaskKey
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, k := range e.Path {
		parts[i] = string(k)
	}
	return fmt.Sprintf("cyclic task dependency: %s", strings.Join(parts, " -> "))
}

// UnknownScriptError reports a requested script that no workspace (and no
// top-level package.json) declares.
type UnknownScriptError struct {
	Script string
}

func (e *UnknownScriptError) Error() string {
	return fmt.Sprintf("unknown script %q: no workspace declares it", e.Script)
}

type builder struct {
	project Project
	config  Config
	nodes   map[taskconfig.TaskKey]*Node
	order   []taskconfig.TaskKey
}

// Build resolves a list of requested tasks against project and config into
// a Graph. A requested script that no workspace declares is reported as an
// error during discovery, while a runsAfter relation naming such a script
// adds no edges; once every node is discovered, its edges are
// handed to a dag.AcyclicGraph, which performs cycle detection and backs
// the scheduler's concurrent topological walk.
func Build(project Project, config Config, requested []taskconfig.RequestedTask) (*Graph, error) {
	b := &builder{
		project: project,
		config:  config,
		nodes:   map[taskconfig.TaskKey]*Node{},
	}

	for _, req := range requested {
		targets, err := b.resolveTargets(req)
		if err != nil {
			return nil, err
		}
		for _, ws := range targets {
			var dir string
			if ws == nil {
				dir = b.project.RootDir().ToString()
			} else {
				dir = ws.Dir.ToString()
			}
			if _, err := b.visit(req.Script, dir, ws, req.ExtraArgs, req.Force); err != nil {
				return nil, err
			}
		}
	}

	taskGraph := &dag.AcyclicGraph{}
	for key := range b.nodes {
		taskGraph.Add(key)
	}
	for key, node := range b.nodes {
		for _, dep := range node.Dependencies {
			taskGraph.Connect(dag.BasicEdge(key, dep))
		}
	}
	if err := taskGraph.Validate(); err != nil {
		if cycles := taskGraph.Cycles(); len(cycles) > 0 {
			path := make([]taskconfig.TaskKey, len(cycles[0]))
			for i, v := range cycles[0] {
				path[i] = v.(taskconfig.TaskKey)
			}
			return nil, &CycleError{Path: path}
		}
		return nil, err
	}

	return &Graph{Nodes: b.nodes, Order: b.order, TaskGraph: taskGraph}, nil
}

// resolveTargets computes the set of workspaces (nil meaning the project
// root) a requested task should run against.
func (b *builder) resolveTargets(req taskconfig.RequestedTask) ([]*workspace.Workspace, error) {
	cfg := b.config.GetTaskConfig(req.Script)
	if cfg.Mode == taskconfig.TopLevel || b.project.IsTopLevelScript(req.Script) {
		return []*workspace.Workspace{nil}, nil
	}

	any := false
	var matched []*workspace.Workspace
	for _, ws := range b.project.AllWorkspaces() {
		if !ws.HasScript(req.Script) {
			continue
		}
		any = true
		if matchesFilter(req.FilterPaths, b.project.RootDir().ToString(), ws.Dir.ToString()) {
			matched = append(matched, ws)
		}
	}
	if !any {
		return nil, &UnknownScriptError{Script: req.Script}
	}
	return matched, nil
}

func matchesFilter(patterns []string, root, dir string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		candidate := pattern
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(root, candidate)
		}
		if candidate == dir || strings.HasPrefix(dir, candidate+string(filepath.Separator)) {
			return true
		}
		if ok, _ := doublestar.Match(filepath.ToSlash(candidate), filepath.ToSlash(dir)); ok {
			return true
		}
	}
	return false
}

// visit performs the depth-first discovery described above, returning the
// TaskKey for (scriptName, workspaceDir). It does not itself detect
// cycles: a node already present in b.nodes is treated as discovered and
// returned immediately, so a cyclic RunsAfter/DependsOn chain still
// terminates here, but the resulting edges form a cycle that Build's
// dag.AcyclicGraph construction catches.
func (b *builder) visit(scriptName, workspaceDir string, ws *workspace.Workspace, extraArgs []string, force bool) (taskconfig.TaskKey, error) {
	key := taskconfig.NewTaskKey(scriptName, workspaceDir)

	if _, ok := b.nodes[key]; ok {
		return key, nil
	}

	cfg := b.config.GetTaskConfig(scriptName)
	command := cfg.BaseCommand
	if ws != nil {
		if cmd, ok := ws.Scripts[scriptName]; ok {
			command = cmd
		}
	}

	node := &Node{
		Key:          key,
		ScriptName:   scriptName,
		WorkspaceDir: workspaceDir,
		Workspace:    ws,
		Command:      command,
		Config:       cfg,
		ExtraArgs:    extraArgs,
		Force:        force,
	}
	b.nodes[key] = node

	var deps []taskconfig.TaskKey
	var outputDeps []taskconfig.TaskKey
	seen := map[taskconfig.TaskKey]struct{}{}
	seenOutput := map[taskconfig.TaskKey]struct{}{}
	addDep := func(k taskconfig.TaskKey, usesOutput bool) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			deps = append(deps, k)
		}
		if usesOutput {
			if _, ok := seenOutput[k]; !ok {
				seenOutput[k] = struct{}{}
				outputDeps = append(outputDeps, k)
			}
		}
	}

	for _, rel := range cfg.RunsAfter {
		upstreamTargets, err := b.resolveRunsAfterTargets(rel, ws)
		if err != nil {
			return "", err
		}
		for _, upstream := range upstreamTargets {
			var upstreamDir string
			if upstream == nil {
				upstreamDir = b.project.RootDir().ToString()
			} else {
				upstreamDir = upstream.Dir.ToString()
			}
			depKey, err := b.visit(rel.Script, upstreamDir, upstream, nil, force)
			if err != nil {
				return "", err
			}
			addDep(depKey, rel.UsesOutput)
		}
	}

	if cfg.Mode == taskconfig.Dependent && ws != nil {
		for depName := range ws.DependsOn {
			depWs, ok := b.project.GetWorkspaceByName(depName)
			if !ok || !depWs.HasScript(scriptName) {
				continue
			}
			depKey, err := b.visit(scriptName, depWs.Dir.ToString(), depWs, nil, force)
			if err != nil {
				return "", err
			}
			addDep(depKey, cfg.Cache.UsesOutputFromDependencies)
		}
	}

	node.Dependencies = deps
	node.UsesOutputDependencies = outputDeps
	b.order = append(b.order, key)
	return key, nil
}

// resolveRunsAfterTargets computes the workspace set a runsAfter relation
// targets, given the scope and the workspace the relation is declared on.
func (b *builder) resolveRunsAfterTargets(rel taskconfig.RunsAfterRelation, ws *workspace.Workspace) ([]*workspace.Workspace, error) {
	upstreamCfg := b.config.GetTaskConfig(rel.Script)
	if upstreamCfg.Mode == taskconfig.TopLevel || b.project.IsTopLevelScript(rel.Script) {
		return []*workspace.Workspace{nil}, nil
	}

	switch rel.Scope {
	case taskconfig.ScopeSelfOnly:
		if ws == nil || !ws.HasScript(rel.Script) {
			return nil, nil
		}
		return []*workspace.Workspace{ws}, nil
	case taskconfig.ScopeSelfAndDependencies:
		var targets []*workspace.Workspace
		if ws != nil && ws.HasScript(rel.Script) {
			targets = append(targets, ws)
		}
		if ws != nil {
			for depName := range ws.DependsOn {
				depWs, ok := b.project.GetWorkspaceByName(depName)
				if ok && depWs.HasScript(rel.Script) {
					targets = append(targets, depWs)
				}
			}
		}
		return targets, nil
	default: // ScopeAll, or unset
		var targets []*workspace.Workspace
		for _, candidate := range b.project.AllWorkspaces() {
			if candidate.HasScript(rel.Script) {
				targets = append(targets, candidate)
			}
		}
		return targets, nil
	}
}
