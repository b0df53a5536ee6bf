package scheduler

import (
	"os"
	"runtime"
)

// TestModeEnvVar, when set to any non-empty value, forces maxConcurrent to
// 1 regardless of CPU count, so fixture runs asserting ordering or log
// interleaving are not flaky under real concurrency.
const TestModeEnvVar = "LAZYRUN_TEST_MODE"

// ForceParallelEnvVar, when set to any non-empty value, forces
// maxConcurrent to 2, the minimum needed to exercise the parallel=true
// scheduling path deterministically in a fixture.
const ForceParallelEnvVar = "LAZYRUN_FORCE_PARALLEL"

// ResolveMaxConcurrency returns explicit if positive, else the environment
// overrides, else max(1, cpuCount-1).
func ResolveMaxConcurrency(explicit int) int {
	if explicit > 0 {
		return explicit
	}
	if os.Getenv(TestModeEnvVar) != "" {
		return 1
	}
	if os.Getenv(ForceParallelEnvVar) != "" {
		return 2
	}
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}
