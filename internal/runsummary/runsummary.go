// Package runsummary tallies a completed scheduler run into the
// human-readable counts and literal summary line printed at the end of a
// CLI invocation.
package runsummary

import (
	"fmt"
	"sort"

	"github.com/lazyrun/lazyrun/internal/scheduler"
	"github.com/lazyrun/lazyrun/internal/taskconfig"
)

// Summary tallies one run's terminal statuses.
type Summary struct {
	Successful  int
	Failed      int
	Total       int
	CacheHits   int
	FailedTasks []string
}

// FromResult tallies a scheduler.Result. Tasks that never ran (pending
// forever because a dependency failed) are not counted: they are not
// successful, failed, or cached, they simply never started.
func FromResult(result *scheduler.Result) *Summary {
	s := &Summary{}
	var failed []string

	for _, key := range result.Order {
		res, ran := result.Results[key]
		if !ran {
			continue
		}
		s.Total++
		switch res.Status {
		case scheduler.StatusSuccessEager:
			s.Successful++
		case scheduler.StatusSuccessLazy:
			s.Successful++
			s.CacheHits++
		case scheduler.StatusFailure:
			s.Failed++
			failed = append(failed, string(key))
		}
	}

	sort.Strings(failed)
	s.FailedTasks = failed
	return s
}

// Line renders the summary exactly as the CLI prints it: "N successful, M
// total, H/M cached" normally, collapsing to "H/M MAXIMUM LAZY" when every
// task that ran was a cache hit, or naming the failed count when any task
// failed.
func (s *Summary) Line() string {
	if s.Failed > 0 {
		return fmt.Sprintf("%d successful, %d failed, %d total", s.Successful, s.Failed, s.Total)
	}
	if s.Total > 0 && s.CacheHits == s.Total {
		return fmt.Sprintf("%d/%d MAXIMUM LAZY", s.CacheHits, s.Total)
	}
	return fmt.Sprintf("%d successful, %d total, %d/%d cached", s.Successful, s.Total, s.CacheHits, s.Total)
}

// ExitCode is 0 iff no task in the run failed.
func (s *Summary) ExitCode() int {
	if s.Failed > 0 {
		return 1
	}
	return 0
}

// NotRun reports every requested task that never reached a terminal
// status because a transitive dependency failed.
func NotRun(result *scheduler.Result) []taskconfig.TaskKey {
	var out []taskconfig.TaskKey
	for _, key := range result.Order {
		if _, ran := result.Results[key]; !ran {
			out = append(out, key)
		}
	}
	return out
}
