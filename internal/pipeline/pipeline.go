// Package pipeline implements the per-task cache decision: build the input
// manifest, compare its fingerprint against the task's previous run, and
// either replay cached outputs or invoke the runner and capture fresh
// ones.
package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/lazyrun/lazyrun/internal/colorcache"
	"github.com/lazyrun/lazyrun/internal/graph"
	"github.com/lazyrun/lazyrun/internal/logger"
	"github.com/lazyrun/lazyrun/internal/manifest"
	"github.com/lazyrun/lazyrun/internal/outputcache"
	"github.com/lazyrun/lazyrun/internal/runner"
	"github.com/lazyrun/lazyrun/internal/scheduler"
	"github.com/lazyrun/lazyrun/internal/taskconfig"
	"github.com/lazyrun/lazyrun/internal/util"
)

// Pipeline executes one task's cache decision at a time; it is safe for
// concurrent use by multiple scheduler workers since it holds no mutable
// per-task state of its own.
type Pipeline struct {
	ProjectRoot string
	Graph       *graph.Graph
	Runner      runner.Runner
	Colors      *colorcache.ColorCache
	Logger      hclog.Logger
	// DryRun, when true, never invokes the runner or touches the output
	// cache: it only computes and reports the fingerprint comparison.
	DryRun bool
}

// New constructs a Pipeline ready to execute nodes from g.
func New(projectRoot string, g *graph.Graph, r runner.Runner, logger hclog.Logger) *Pipeline {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Pipeline{
		ProjectRoot: projectRoot,
		Graph:       g,
		Runner:      r,
		Colors:      colorcache.New(),
		Logger:      logger,
	}
}

// Execute runs the cache decision for node and returns its terminal
// scheduler status. It satisfies scheduler.Executor.
func (p *Pipeline) Execute(ctx context.Context, node *graph.Node) (scheduler.Status, error) {
	logger := p.Logger.Named(string(node.Key))
	paths := taskconfig.PathsFor(node.WorkspaceDir, node.ScriptName)

	deps, err := p.collectDependencyInputs(node)
	if err != nil {
		return scheduler.StatusFailure, errors.Wrapf(err, "collecting upstream inputs for %v", node.Key)
	}

	previous, err := manifest.Load(paths.ManifestPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return scheduler.StatusFailure, errors.Wrapf(err, "loading previous manifest for %v", node.Key)
		}
		previous = nil
	}

	built, err := manifest.Build(ctx, manifest.BuildParams{
		ProjectRoot:            p.ProjectRoot,
		WorkspaceDir:           node.WorkspaceDir,
		Config:                 node.Config,
		UsesOutputDependencies: deps,
		Previous:               previous,
		Logger:                 logger,
	})
	if err != nil {
		return scheduler.StatusFailure, errors.Wrapf(err, "building input manifest for %v", node.Key)
	}
	fingerprint := built.Fingerprint()

	cacheHit := !node.Force && previous != nil && previous.Fingerprint() == fingerprint

	if p.DryRun {
		if cacheHit {
			logger.Info("dry run: would use cache", "fingerprint", fingerprint)
			return scheduler.StatusSuccessLazy, nil
		}
		logger.Info("dry run: would execute", "fingerprint", fingerprint)
		return scheduler.StatusSuccessEager, nil
	}

	if cacheHit {
		status, err := p.restore(node, paths, built)
		if err == nil {
			return status, nil
		}
		// Restore failure degrades to a cache miss: fall back to running
		// the command rather than failing the task outright.
		logger.Warn("restoring cached outputs failed, re-running command", "error", err)
	}

	return p.runAndCapture(ctx, node, paths, built)
}

func (p *Pipeline) restore(node *graph.Node, paths taskconfig.Paths, built *manifest.Manifest) (scheduler.Status, error) {
	_, err := outputcache.Restore(outputcache.RestoreParams{
		ProjectRoot:  p.ProjectRoot,
		WorkspaceDir: node.WorkspaceDir,
		TaskKey:      node.Key,
		OutputGlobs:  node.Config.Cache.Output,
		Logger:       p.Logger,
	})
	if err != nil {
		return "", err
	}
	if err := manifest.Persist(paths.ManifestPath, built); err != nil {
		return "", err
	}
	p.replayLog(node, paths)
	return scheduler.StatusSuccessLazy, nil
}

// replayLog writes a cache hit's previously captured command output back
// to stdout, prefixed the same way a live run would be. A missing or
// unreadable log file is not an error: it simply replays nothing.
func (p *Pipeline) replayLog(node *graph.Node, paths taskconfig.Paths) {
	f, err := os.Open(paths.CapturedLogPath)
	if err != nil {
		return
	}
	defer util.CloseAndIgnoreError(f)

	prefix := p.Colors.PrefixWithColor(string(node.Key), node.ScriptName+":"+node.WorkspaceDir)
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		fmt.Printf("%s%s\n", prefix, scan.Text())
	}
}

func (p *Pipeline) runAndCapture(ctx context.Context, node *graph.Node, paths taskconfig.Paths, built *manifest.Manifest) (scheduler.Status, error) {
	prefix := p.Colors.PrefixWithColor(string(node.Key), node.ScriptName+":"+node.WorkspaceDir)

	result, err := p.Runner.Run(ctx, runner.Params{
		Command:   node.Command,
		ExtraArgs: node.ExtraArgs,
		Cwd:       node.WorkspaceDir,
		LogPath:   paths.CapturedLogPath,
		Prefix:    prefix,
		Logger:    p.Logger,
	})
	if err != nil {
		return scheduler.StatusFailure, err
	}
	if result.ExitCode != 0 {
		return scheduler.StatusFailure, nil
	}

	if _, err := outputcache.Capture(outputcache.CaptureParams{
		ProjectRoot:  p.ProjectRoot,
		WorkspaceDir: node.WorkspaceDir,
		TaskKey:      node.Key,
		OutputGlobs:  node.Config.Cache.Output,
	}); err != nil {
		return scheduler.StatusFailure, err
	}

	if err := manifest.Persist(paths.ManifestPath, built); err != nil {
		return scheduler.StatusFailure, err
	}
	return scheduler.StatusSuccessEager, nil
}

// collectDependencyInputs resolves node.UsesOutputDependencies into the
// manifest engine's DependencyInput shape by reading each upstream task's
// own persisted input-manifest fingerprint and captured output file list.
func (p *Pipeline) collectDependencyInputs(node *graph.Node) ([]manifest.DependencyInput, error) {
	if len(node.UsesOutputDependencies) == 0 {
		return nil, nil
	}

	deps := make([]manifest.DependencyInput, 0, len(node.UsesOutputDependencies))
	for _, depKey := range node.UsesOutputDependencies {
		depNode, ok := p.Graph.Nodes[depKey]
		if !ok {
			return nil, errors.Errorf("dependency %v not found in graph", depKey)
		}
		depPaths := taskconfig.PathsFor(depNode.WorkspaceDir, depNode.ScriptName)

		depManifest, err := manifest.Load(depPaths.ManifestPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "loading upstream manifest for %v", depKey)
		}

		outputFiles, err := outputcache.CapturedOutputFiles(p.ProjectRoot, depKey)
		if err != nil {
			return nil, errors.Wrapf(err, "loading upstream outputs for %v", depKey)
		}

		deps = append(deps, manifest.DependencyInput{
			Key:         depKey,
			Fingerprint: depManifest.Fingerprint(),
			OutputFiles: outputFiles,
		})
	}
	return deps, nil
}
