// Package runner invokes a task's command as a subprocess, streaming its
// combined stdout/stderr both to the terminal and to the task's captured
// log file.
package runner

import (
	"context"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/lazyrun/lazyrun/internal/logger"
	"github.com/lazyrun/lazyrun/internal/logstreamer"
	"github.com/lazyrun/lazyrun/internal/process"
	"github.com/lazyrun/lazyrun/internal/util"
)

// Runner executes one task's command. Implementations must block until
// the command exits and report its exit code rather than a Go error for
// an ordinary non-zero exit.
type Runner interface {
	Run(ctx context.Context, params Params) (*Result, error)
}

// Params describes one invocation of a task's command.
type Params struct {
	// Command is the shell command line to execute, e.g. "next build".
	Command string
	// ExtraArgs is appended to Command, space-joined, before the shell
	// parses the line (so a caller's pass-through flags land after the
	// task's own base command).
	ExtraArgs []string
	// Cwd is the task's workspace directory.
	Cwd string
	// Env is appended to the inherited process environment.
	Env []string
	// LogPath, if non-empty, receives a truncated copy of combined
	// stdout/stderr for later replay.
	LogPath string
	// Prefix is prepended to every streamed output line, e.g. a
	// colorized "app:build" tag.
	Prefix string
	Logger hclog.Logger
}

// Result reports how the command's process exited.
type Result struct {
	ExitCode int
}

// Shell is the default Runner, invoking commands via `sh -c`.
type Shell struct {
	manager *process.Manager
	// stdout serializes writes from concurrently running tasks' output
	// streamers so two tasks' lines are never interleaved mid-write.
	stdout *logger.ConcurrentLogger
}

// NewShell constructs a Shell runner backed by a process.Manager so all
// spawned children are tracked and can be interrupted together.
func NewShell(hlog hclog.Logger) *Shell {
	if hlog == nil {
		hlog = hclog.NewNullLogger()
	}
	return &Shell{
		manager: process.NewManager(hlog),
		stdout:  logger.NewConcurrent(logger.New()),
	}
}

// Close interrupts any still-running children, for use on shutdown.
func (s *Shell) Close() {
	s.manager.Close()
}

// Run executes params.Command (plus ExtraArgs) in params.Cwd via `sh -c`.
func (s *Shell) Run(ctx context.Context, params Params) (*Result, error) {
	logger := params.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	line := params.Command
	if len(params.ExtraArgs) > 0 {
		line = line + " " + strings.Join(params.ExtraArgs, " ")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	cmd.Dir = params.Cwd
	if len(params.Env) > 0 {
		cmd.Env = append(os.Environ(), params.Env...)
	}

	out, closeOut, err := s.outputSinks(params)
	if err != nil {
		return nil, err
	}
	defer closeOut()

	cmd.Stdout = out
	cmd.Stderr = out

	err = s.manager.Exec(cmd)
	if err == nil {
		return &Result{ExitCode: 0}, nil
	}
	var childExit *process.ChildExit
	if errors.As(err, &childExit) {
		return &Result{ExitCode: childExit.ExitCode}, nil
	}
	return nil, errors.Wrapf(err, "running %q", line)
}

// outputSinks builds the combined stdout/stderr writer: a prefixed,
// line-buffered copy to the terminal, and (if LogPath is set) a raw copy
// truncated into the task's captured log file. The terminal copy is routed
// through the Shell's shared ConcurrentLogger so concurrently running
// tasks' lines are never interleaved mid-write.
func (s *Shell) outputSinks(params Params) (io.Writer, func(), error) {
	stdoutLogger := log.New(s.stdout, "", 0)
	streamer := logstreamer.NewLogstreamer(stdoutLogger, params.Prefix)

	if params.LogPath == "" {
		return streamer, func() { util.CloseAndIgnoreError(streamer) }, nil
	}

	if err := os.MkdirAll(filepath.Dir(params.LogPath), 0o755); err != nil {
		return nil, nil, errors.Wrapf(err, "creating %v", filepath.Dir(params.LogPath))
	}
	logFile, err := os.Create(params.LogPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "creating %v", params.LogPath)
	}

	closeFn := func() {
		util.CloseAndIgnoreError(streamer)
		util.CloseAndIgnoreError(logFile)
	}
	return io.MultiWriter(streamer, logFile), closeFn, nil
}
