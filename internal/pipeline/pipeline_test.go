package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyrun/lazyrun/internal/graph"
	"github.com/lazyrun/lazyrun/internal/runner"
	"github.com/lazyrun/lazyrun/internal/scheduler"
	"github.com/lazyrun/lazyrun/internal/taskconfig"
)

type fakeRunner struct {
	invocations int
	exitCode    int
}

func (f *fakeRunner) Run(ctx context.Context, params runner.Params) (*runner.Result, error) {
	f.invocations++
	return &runner.Result{ExitCode: f.exitCode}, nil
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func singleNodeGraph(key taskconfig.TaskKey, ws string, cfg taskconfig.TaskConfig) *graph.Graph {
	node := &graph.Node{
		Key:          key,
		ScriptName:   "build",
		WorkspaceDir: ws,
		Command:      "echo build",
		Config:       cfg,
	}
	return &graph.Graph{
		Nodes: map[taskconfig.TaskKey]*graph.Node{key: node},
		Order: []taskconfig.TaskKey{key},
	}
}

func TestExecuteRunsOnFirstInvocationThenCachesOnSecond(t *testing.T) {
	root := t.TempDir()
	ws := filepath.Join(root, "packages", "app")
	writeFile(t, filepath.Join(ws, "src", "index.js"), "console.log(1)")

	key := taskconfig.NewTaskKey("build", ws)
	cfg := taskconfig.TaskConfig{
		Cache: taskconfig.CacheRules{
			Include: []string{"src/**"},
			Output:  []string{"dist/**"},
		},
	}
	g := singleNodeGraph(key, ws, cfg)
	node := g.Nodes[key]

	fr := &fakeRunner{exitCode: 0}
	p := New(root, g, fr, nil)

	status, err := p.Execute(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSuccessEager, status)
	assert.Equal(t, 1, fr.invocations)

	status, err = p.Execute(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSuccessLazy, status)
	assert.Equal(t, 1, fr.invocations, "second execution should be a cache hit and not invoke the runner again")
}

func TestExecuteReRunsWhenInputsChange(t *testing.T) {
	root := t.TempDir()
	ws := filepath.Join(root, "packages", "app")
	srcPath := filepath.Join(ws, "src", "index.js")
	writeFile(t, srcPath, "console.log(1)")

	key := taskconfig.NewTaskKey("build", ws)
	cfg := taskconfig.TaskConfig{Cache: taskconfig.CacheRules{Include: []string{"src/**"}}}
	g := singleNodeGraph(key, ws, cfg)
	node := g.Nodes[key]

	fr := &fakeRunner{exitCode: 0}
	p := New(root, g, fr, nil)

	_, err := p.Execute(context.Background(), node)
	require.NoError(t, err)

	writeFile(t, srcPath, "console.log(2)")

	status, err := p.Execute(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSuccessEager, status)
	assert.Equal(t, 2, fr.invocations)
}

func TestExecuteForceBypassesCache(t *testing.T) {
	root := t.TempDir()
	ws := filepath.Join(root, "packages", "app")
	writeFile(t, filepath.Join(ws, "src", "index.js"), "console.log(1)")

	key := taskconfig.NewTaskKey("build", ws)
	cfg := taskconfig.TaskConfig{Cache: taskconfig.CacheRules{Include: []string{"src/**"}}}
	g := singleNodeGraph(key, ws, cfg)
	node := g.Nodes[key]
	node.Force = true

	fr := &fakeRunner{exitCode: 0}
	p := New(root, g, fr, nil)

	_, err := p.Execute(context.Background(), node)
	require.NoError(t, err)
	status, err := p.Execute(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSuccessEager, status)
	assert.Equal(t, 2, fr.invocations)
}

func TestExecuteFailureDoesNotPersistManifestOrCaptureOutputs(t *testing.T) {
	root := t.TempDir()
	ws := filepath.Join(root, "packages", "app")
	writeFile(t, filepath.Join(ws, "src", "index.js"), "console.log(1)")

	key := taskconfig.NewTaskKey("build", ws)
	cfg := taskconfig.TaskConfig{Cache: taskconfig.CacheRules{Include: []string{"src/**"}, Output: []string{"dist/**"}}}
	g := singleNodeGraph(key, ws, cfg)
	node := g.Nodes[key]

	fr := &fakeRunner{exitCode: 1}
	p := New(root, g, fr, nil)

	status, err := p.Execute(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusFailure, status)

	paths := taskconfig.PathsFor(ws, "build")
	_, statErr := os.Stat(paths.ManifestPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecuteTransitivityThroughUpstreamOutputDependency(t *testing.T) {
	root := t.TempDir()
	libDir := filepath.Join(root, "packages", "lib")
	appDir := filepath.Join(root, "packages", "app")
	writeFile(t, filepath.Join(libDir, "src", "index.js"), "export const x = 1")
	writeFile(t, filepath.Join(appDir, "src", "index.js"), "import './lib'")

	libKey := taskconfig.NewTaskKey("build", libDir)
	appKey := taskconfig.NewTaskKey("build", appDir)

	libCfg := taskconfig.TaskConfig{Cache: taskconfig.CacheRules{Include: []string{"src/**"}, Output: []string{"dist/**"}}}
	appCfg := taskconfig.TaskConfig{Cache: taskconfig.CacheRules{Include: []string{"src/**"}}}

	libNode := &graph.Node{Key: libKey, ScriptName: "build", WorkspaceDir: libDir, Command: "echo lib", Config: libCfg}
	appNode := &graph.Node{
		Key: appKey, ScriptName: "build", WorkspaceDir: appDir, Command: "echo app", Config: appCfg,
		Dependencies:           []taskconfig.TaskKey{libKey},
		UsesOutputDependencies: []taskconfig.TaskKey{libKey},
	}
	g := &graph.Graph{
		Nodes: map[taskconfig.TaskKey]*graph.Node{libKey: libNode, appKey: appNode},
		Order: []taskconfig.TaskKey{libKey, appKey},
	}

	fr := &fakeRunner{exitCode: 0}
	p := New(root, g, fr, nil)

	_, err := p.Execute(context.Background(), libNode)
	require.NoError(t, err)
	firstAppStatus, err := p.Execute(context.Background(), appNode)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSuccessEager, firstAppStatus)

	secondAppStatus, err := p.Execute(context.Background(), appNode)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSuccessLazy, secondAppStatus, "app's own inputs and lib's fingerprint are both unchanged")

	// Changing only lib's inputs (not app's own files) must still change
	// app's fingerprint via the upstream line.
	writeFile(t, filepath.Join(libDir, "src", "index.js"), "export const x = 2")
	_, err = p.Execute(context.Background(), libNode)
	require.NoError(t, err)

	thirdAppStatus, err := p.Execute(context.Background(), appNode)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSuccessEager, thirdAppStatus, "upstream fingerprint change must invalidate the downstream cache")
}
