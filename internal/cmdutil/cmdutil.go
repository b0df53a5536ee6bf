// Package cmdutil holds functionality to run lazyrun via cobra. That includes
// flag parsing and configuration of components common to all subcommands.
package cmdutil

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/lazyrun/lazyrun/internal/turbopath"
	"github.com/lazyrun/lazyrun/internal/ui"
)

const (
	// _envLogLevel is the environment variable that can set a default log level
	// without passing -v on the command line.
	_envLogLevel = "LAZYRUN_LOG_LEVEL"
)

// Helper is a struct used to hold configuration values passed via flag, env vars,
// etc. It is not intended for direct use by commands; it drives the creation of
// CmdBase, which is then used by the commands themselves.
type Helper struct {
	// Version is the version of lazyrun that is currently executing
	Version string

	// for UI
	forceColor bool
	noColor    bool
	// for logging
	verbosity int

	rawRepoRoot string

	cleanupsMu sync.Mutex
	cleanups   []io.Closer
}

// RegisterCleanup saves a function to be run after execution, even if the
// command that runs returns an error.
func (h *Helper) RegisterCleanup(cleanup io.Closer) {
	h.cleanupsMu.Lock()
	defer h.cleanupsMu.Unlock()
	h.cleanups = append(h.cleanups, cleanup)
}

// Cleanup runs the registered cleanup handlers. It requires the flags to the
// root command so that it can construct a UI if necessary.
func (h *Helper) Cleanup(flags *pflag.FlagSet) {
	h.cleanupsMu.Lock()
	defer h.cleanupsMu.Unlock()
	var term cli.Ui
	for _, cleanup := range h.cleanups {
		if err := cleanup.Close(); err != nil {
			if term == nil {
				term = h.getUI(flags)
			}
			term.Warn(fmt.Sprintf("failed cleanup: %v", err))
		}
	}
}

func (h *Helper) getUI(flags *pflag.FlagSet) cli.Ui {
	colorMode := ui.GetColorModeFromEnv()
	if flags.Changed("no-color") && h.noColor {
		colorMode = ui.ColorModeSuppressed
	}
	if flags.Changed("color") && h.forceColor {
		colorMode = ui.ColorModeForced
	}
	return ui.BuildColoredUi(colorMode)
}

func (h *Helper) getLogger() (hclog.Logger, error) {
	var level hclog.Level
	switch h.verbosity {
	case 0:
		if v := os.Getenv(_envLogLevel); v != "" {
			level = hclog.LevelFromString(v)
			if level == hclog.NoLevel {
				return nil, fmt.Errorf("%s value %q is not a valid log level", _envLogLevel, v)
			}
		} else {
			level = hclog.NoLevel
		}
	case 1:
		level = hclog.Info
	case 2:
		level = hclog.Debug
	default:
		level = hclog.Trace
	}
	// Default output is nowhere unless we enable logging.
	output := ioutil.Discard
	logColor := hclog.ColorOff
	if level != hclog.NoLevel {
		output = os.Stderr
		logColor = hclog.AutoColor
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:   "lazyrun",
		Level:  level,
		Color:  logColor,
		Output: output,
	}), nil
}

// AddFlags adds the flags common to every lazyrun command to the given
// flagset and binds them to this Helper.
func (h *Helper) AddFlags(flags *pflag.FlagSet) {
	flags.BoolVar(&h.forceColor, "color", false, "force color usage in the terminal")
	flags.BoolVar(&h.noColor, "no-color", false, "suppress color usage in the terminal")
	flags.CountVarP(&h.verbosity, "verbosity", "v", "verbosity")
	flags.StringVar(&h.rawRepoRoot, "cwd", "", "the directory to treat as the monorepo root")
}

// NewHelper returns a new Helper instance to hold configuration values for
// the root command.
func NewHelper(version string) *Helper {
	return &Helper{Version: version}
}

// resolveRepoRoot turns the --cwd flag (or the process cwd) into an absolute,
// symlink-resolved root path.
func resolveRepoRoot(raw string) (turbopath.AbsoluteSystemPath, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	root := cwd
	if raw != "" {
		if filepath.IsAbs(raw) {
			root = raw
		} else {
			root = filepath.Join(cwd, raw)
		}
	}
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", errors.Wrapf(err, "could not resolve root %v", root)
	}
	return turbopath.AbsoluteSystemPath(resolved), nil
}

// GetCmdBase returns a CmdBase instance configured with values from this helper.
func (h *Helper) GetCmdBase(flags *pflag.FlagSet) (*CmdBase, error) {
	terminal := h.getUI(flags)

	logger, err := h.getLogger()
	if err != nil {
		return nil, err
	}

	repoRoot, err := resolveRepoRoot(h.rawRepoRoot)
	if err != nil {
		return nil, err
	}

	return &CmdBase{
		UI:       terminal,
		Logger:   logger,
		RepoRoot: repoRoot,
		Version:  h.Version,
	}, nil
}

// CmdBase encompasses configured components common to all lazyrun commands.
type CmdBase struct {
	UI       cli.Ui
	Logger   hclog.Logger
	RepoRoot turbopath.AbsoluteSystemPath
	Version  string
}

// LogError prints an error to the UI.
func (b *CmdBase) LogError(format string, args ...interface{}) {
	err := fmt.Errorf(format, args...)
	b.Logger.Error("error", "err", err)
	b.UI.Error(fmt.Sprintf("%s%s", ui.ERROR_PREFIX, color.RedString(" %v", err)))
}

// LogWarning logs a warning and outputs it to the UI.
func (b *CmdBase) LogWarning(prefix string, err error) {
	b.Logger.Warn(prefix, "warning", err)

	if prefix != "" {
		prefix = " " + prefix + ": "
	}

	b.UI.Warn(fmt.Sprintf("%s%s%s", ui.WARNING_PREFIX, prefix, color.YellowString(" %v", err)))
}

// LogInfo logs a message and outputs it to the UI.
func (b *CmdBase) LogInfo(msg string) {
	b.Logger.Info(msg)
	b.UI.Info(fmt.Sprintf("%s%s", ui.InfoPrefix, color.WhiteString(" %v", msg)))
}
