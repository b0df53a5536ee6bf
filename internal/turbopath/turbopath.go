// Package turbopath gives the repository root a distinct type,
// AbsoluteSystemPath, so the workspace/config/graph layers can't
// accidentally pass around an unvalidated relative path where an
// absolute one is required.
package turbopath

// AbsoluteSystemPath is an absolute, platform-native filesystem path.
// Callers are expected to construct it from an already-resolved path
// (e.g. via filepath.Abs/EvalSymlinks); it performs no validation of
// its own.
type AbsoluteSystemPath string

// ToString returns the string representation of this path, for
// interfacing with APIs that require a plain string.
func (p AbsoluteSystemPath) ToString() string {
	return string(p)
}
