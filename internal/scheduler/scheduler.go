// Package scheduler drives a task graph to completion by walking its
// dag.AcyclicGraph: each vertex's callback blocks until its dependencies'
// callbacks have returned, then runs concurrently with every other vertex
// whose dependencies are already satisfied. A semaphore bounds the total
// number of tasks running at once, and a per-script mutex additionally
// serializes tasks whose config marks them non-parallel.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pyr-sh/dag"

	"github.com/lazyrun/lazyrun/internal/graph"
	"github.com/lazyrun/lazyrun/internal/taskconfig"
)

// Executor runs one task's full per-task pipeline and reports its final
// status. Implementations must not mutate the node they're given.
type Executor interface {
	Execute(ctx context.Context, node *graph.Node) (Status, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, node *graph.Node) (Status, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, node *graph.Node) (Status, error) {
	return f(ctx, node)
}

// Options configures a Run.
type Options struct {
	MaxConcurrent int
	Executor      Executor
	Logger        hclog.Logger
}

// TaskResult is one task's outcome at the end of a Run.
type TaskResult struct {
	Key    taskconfig.TaskKey
	Status Status
	Err    error
}

// Result is the outcome of driving a graph to completion.
type Result struct {
	// Order is the graph's topological key order, preserved for callers
	// that want to report in construction order.
	Order   []taskconfig.TaskKey
	Results map[taskconfig.TaskKey]*TaskResult
}

// Failed reports whether any task ended in StatusFailure.
func (r *Result) Failed() bool {
	for _, res := range r.Results {
		if res.Status == StatusFailure {
			return true
		}
	}
	return false
}

// Run walks g.TaskGraph to completion, respecting maxConcurrent and the
// per-script parallel=false serialization rule. A task whose dependency
// failed never has its Executor called, and so never gets an entry in
// Result.Results: dag.Walk skips a vertex's callback once one of its
// dependencies' callbacks has returned a non-nil error.
func Run(ctx context.Context, g *graph.Graph, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("scheduler")
	maxConcurrent := ResolveMaxConcurrency(opts.MaxConcurrent)

	sem := make(chan struct{}, maxConcurrent)
	scriptLocks := map[string]*sync.Mutex{}
	for _, node := range g.Nodes {
		if !node.Config.Parallel {
			if _, ok := scriptLocks[node.ScriptName]; !ok {
				scriptLocks[node.ScriptName] = &sync.Mutex{}
			}
		}
	}

	var mu sync.Mutex
	results := make(map[taskconfig.TaskKey]*TaskResult, len(g.Order))

	g.TaskGraph.Walk(func(v dag.Vertex) error {
		key := v.(taskconfig.TaskKey)
		node := g.Nodes[key]

		sem <- struct{}{}
		defer func() { <-sem }()

		if lock, ok := scriptLocks[node.ScriptName]; ok {
			lock.Lock()
			defer lock.Unlock()
		}

		status, err := opts.Executor.Execute(ctx, node)
		if status == "" {
			status = StatusFailure
		}
		if status == StatusFailure && err == nil {
			err = fmt.Errorf("task %s failed", key)
		}
		if err != nil {
			logger.Error("task failed", "task", string(key), "error", err)
		}

		mu.Lock()
		results[key] = &TaskResult{Key: key, Status: status, Err: err}
		mu.Unlock()

		return err
	})

	return &Result{Order: g.Order, Results: results}, nil
}
