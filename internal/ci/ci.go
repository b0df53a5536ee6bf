// Package ci detects whether the process is running under a CI/PaaS
// build system, so the UI layer can disable color and interactive
// prompts by default.
package ci

import "os"

// envVars are commonly set across CI/PaaS vendors (GitHub Actions,
// CircleCI, Jenkins, Vercel, Netlify, and others); any one of them set to
// a non-empty value is treated as running in CI.
var envVars = []string{
	"CI",
	"CONTINUOUS_INTEGRATION",
	"BUILD_ID",
	"BUILD_NUMBER",
	"RUN_ID",
}

// IsCi reports whether the process appears to be executing in a CI/CD
// environment.
func IsCi() bool {
	for _, name := range envVars {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}
