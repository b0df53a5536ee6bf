package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pyr-sh/dag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyrun/lazyrun/internal/graph"
	"github.com/lazyrun/lazyrun/internal/taskconfig"
)

func node(key, script string, parallel bool, deps ...taskconfig.TaskKey) *graph.Node {
	return &graph.Node{
		Key:          taskconfig.TaskKey(key),
		ScriptName:   script,
		WorkspaceDir: "/repo/" + script,
		Config:       taskconfig.TaskConfig{Parallel: parallel},
		Dependencies: deps,
	}
}

func buildGraph(nodes ...*graph.Node) *graph.Graph {
	g := &graph.Graph{Nodes: map[taskconfig.TaskKey]*graph.Node{}, TaskGraph: &dag.AcyclicGraph{}}
	for _, n := range nodes {
		g.Nodes[n.Key] = n
		g.Order = append(g.Order, n.Key)
		g.TaskGraph.Add(n.Key)
	}
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			g.TaskGraph.Connect(dag.BasicEdge(n.Key, dep))
		}
	}
	return g
}

func alwaysSucceed(status Status) Executor {
	return ExecutorFunc(func(ctx context.Context, n *graph.Node) (Status, error) {
		return status, nil
	})
}

func TestRunDrivesIndependentTasksToSuccess(t *testing.T) {
	g := buildGraph(
		node("build::/a", "build", true),
		node("build::/b", "build", true),
	)

	res, err := Run(context.Background(), g, Options{MaxConcurrent: 2, Executor: alwaysSucceed(StatusSuccessEager)})
	require.NoError(t, err)
	assert.False(t, res.Failed())
	for _, key := range g.Order {
		assert.Equal(t, StatusSuccessEager, res.Results[key].Status)
	}
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var startOrder []taskconfig.TaskKey

	g := buildGraph(
		node("build::/lib", "build", true),
		node("build::/app", "build", true, "build::/lib"),
	)

	executor := ExecutorFunc(func(ctx context.Context, n *graph.Node) (Status, error) {
		mu.Lock()
		startOrder = append(startOrder, n.Key)
		mu.Unlock()
		return StatusSuccessEager, nil
	})

	res, err := Run(context.Background(), g, Options{MaxConcurrent: 2, Executor: executor})
	require.NoError(t, err)
	assert.False(t, res.Failed())
	require.Len(t, startOrder, 2)
	assert.Equal(t, taskconfig.TaskKey("build::/lib"), startOrder[0])
	assert.Equal(t, taskconfig.TaskKey("build::/app"), startOrder[1])
}

func TestRunNeverExceedsMaxConcurrent(t *testing.T) {
	var running int32
	var maxObserved int32

	nodes := make([]*graph.Node, 0, 6)
	for i := 0; i < 6; i++ {
		nodes = append(nodes, node(string(rune('a'+i))+"::/ws", "build", true))
	}
	g := buildGraph(nodes...)

	executor := ExecutorFunc(func(ctx context.Context, n *graph.Node) (Status, error) {
		cur := atomic.AddInt32(&running, 1)
		for {
			observed := atomic.LoadInt32(&maxObserved)
			if cur <= observed || atomic.CompareAndSwapInt32(&maxObserved, observed, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return StatusSuccessEager, nil
	})

	_, err := Run(context.Background(), g, Options{MaxConcurrent: 2, Executor: executor})
	require.NoError(t, err)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxObserved)), 2)
}

func TestRunSerializesNonParallelTasksWithTheSameScriptName(t *testing.T) {
	var mu sync.Mutex
	var concurrentLint int
	var maxConcurrentLint int

	nodes := []*graph.Node{
		node("lint::/a", "lint", false),
		node("lint::/b", "lint", false),
		node("lint::/c", "lint", false),
	}
	g := buildGraph(nodes...)

	executor := ExecutorFunc(func(ctx context.Context, n *graph.Node) (Status, error) {
		mu.Lock()
		concurrentLint++
		if concurrentLint > maxConcurrentLint {
			maxConcurrentLint = concurrentLint
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		concurrentLint--
		mu.Unlock()
		return StatusSuccessEager, nil
	})

	_, err := Run(context.Background(), g, Options{MaxConcurrent: 4, Executor: executor})
	require.NoError(t, err)
	assert.Equal(t, 1, maxConcurrentLint)
}

func TestRunLeavesDependentsOfAFailedTaskPending(t *testing.T) {
	g := buildGraph(
		node("build::/lib", "build", true),
		node("build::/app", "build", true, "build::/lib"),
	)

	executor := ExecutorFunc(func(ctx context.Context, n *graph.Node) (Status, error) {
		if n.Key == "build::/lib" {
			return StatusFailure, nil
		}
		t.Fatalf("dependent task %v must never start", n.Key)
		return StatusFailure, nil
	})

	res, err := Run(context.Background(), g, Options{MaxConcurrent: 2, Executor: executor})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, StatusFailure, res.Results["build::/lib"].Status)
	_, ranAtAll := res.Results["build::/app"]
	assert.False(t, ranAtAll)
}

func TestRunContinuesIndependentTasksAfterAFailure(t *testing.T) {
	g := buildGraph(
		node("build::/a", "build", true),
		node("build::/b", "build", true),
	)

	executor := ExecutorFunc(func(ctx context.Context, n *graph.Node) (Status, error) {
		if n.Key == "build::/a" {
			return StatusFailure, nil
		}
		return StatusSuccessEager, nil
	})

	res, err := Run(context.Background(), g, Options{MaxConcurrent: 2, Executor: executor})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, StatusFailure, res.Results["build::/a"].Status)
	assert.Equal(t, StatusSuccessEager, res.Results["build::/b"].Status)
}

func TestResolveMaxConcurrencyHonorsExplicitValue(t *testing.T) {
	assert.Equal(t, 3, ResolveMaxConcurrency(3))
}

func TestResolveMaxConcurrencyHonorsTestModeEnvVar(t *testing.T) {
	t.Setenv(TestModeEnvVar, "1")
	assert.Equal(t, 1, ResolveMaxConcurrency(0))
}

func TestResolveMaxConcurrencyHonorsForceParallelEnvVar(t *testing.T) {
	t.Setenv(ForceParallelEnvVar, "1")
	assert.Equal(t, 2, ResolveMaxConcurrency(0))
}
