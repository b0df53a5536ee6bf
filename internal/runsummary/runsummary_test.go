package runsummary

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lazyrun/lazyrun/internal/scheduler"
	"github.com/lazyrun/lazyrun/internal/taskconfig"
)

func resultOf(statuses map[taskconfig.TaskKey]scheduler.Status, order []taskconfig.TaskKey) *scheduler.Result {
	r := &scheduler.Result{Order: order, Results: map[taskconfig.TaskKey]*scheduler.TaskResult{}}
	for key, status := range statuses {
		r.Results[key] = &scheduler.TaskResult{Key: key, Status: status}
	}
	return r
}

func TestLineReportsFreshRun(t *testing.T) {
	order := []taskconfig.TaskKey{"build::/core", "build::/utils"}
	result := resultOf(map[taskconfig.TaskKey]scheduler.Status{
		"build::/core":  scheduler.StatusSuccessEager,
		"build::/utils": scheduler.StatusSuccessEager,
	}, order)

	s := FromResult(result)
	assert.Equal(t, "2 successful, 2 total, 0/2 cached", s.Line())
	assert.Equal(t, 0, s.ExitCode())
}

func TestLineReportsMaximumLazyWhenFullyCached(t *testing.T) {
	order := []taskconfig.TaskKey{"build::/core", "build::/utils"}
	result := resultOf(map[taskconfig.TaskKey]scheduler.Status{
		"build::/core":  scheduler.StatusSuccessLazy,
		"build::/utils": scheduler.StatusSuccessLazy,
	}, order)

	s := FromResult(result)
	assert.Equal(t, "2/2 MAXIMUM LAZY", s.Line())
}

func TestLineReportsFailures(t *testing.T) {
	order := []taskconfig.TaskKey{"build::/core", "build::/utils"}
	result := resultOf(map[taskconfig.TaskKey]scheduler.Status{
		"build::/core":  scheduler.StatusFailure,
		"build::/utils": scheduler.StatusFailure,
	}, order)

	s := FromResult(result)
	assert.Equal(t, "0 successful, 2 failed, 2 total", s.Line())
	assert.Equal(t, 1, s.ExitCode())
	assert.Equal(t, []string{"build::/core", "build::/utils"}, s.FailedTasks)
}

func TestNotRunListsTasksThatNeverStarted(t *testing.T) {
	order := []taskconfig.TaskKey{"build::/lib", "build::/app"}
	result := resultOf(map[taskconfig.TaskKey]scheduler.Status{
		"build::/lib": scheduler.StatusFailure,
	}, order)

	notRun := NotRun(result)
	assert.Equal(t, []taskconfig.TaskKey{"build::/app"}, notRun)
}

func TestLineWithPartialCacheHits(t *testing.T) {
	order := []taskconfig.TaskKey{"build::/a", "build::/b"}
	result := resultOf(map[taskconfig.TaskKey]scheduler.Status{
		"build::/a": scheduler.StatusSuccessEager,
		"build::/b": scheduler.StatusSuccessLazy,
	}, order)

	s := FromResult(result)
	assert.Equal(t, "2 successful, 2 total, 1/2 cached", s.Line())
}
