package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lazyrun/lazyrun/internal/cmdutil"
	"github.com/lazyrun/lazyrun/internal/graph"
	"github.com/lazyrun/lazyrun/internal/pipeline"
	"github.com/lazyrun/lazyrun/internal/runner"
	"github.com/lazyrun/lazyrun/internal/runsummary"
	"github.com/lazyrun/lazyrun/internal/scheduler"
	"github.com/lazyrun/lazyrun/internal/taskconfig"
	"github.com/lazyrun/lazyrun/internal/util"
	"github.com/lazyrun/lazyrun/internal/workspace"
)

type runOpts struct {
	force       bool
	filter      []string
	concurrency int
	dryRun      bool
}

// defaultConcurrency is the sentinel meaning "--concurrency wasn't given":
// it defers to scheduler.ResolveMaxConcurrency's own CPU-based default.
const defaultConcurrency = 0

// RunCmd builds the `run` subcommand: resolve the requested scripts against
// the workspace graph, then either execute them through the scheduler or,
// with --dry-run, print the resolved task list without running anything.
func RunCmd(helper *cmdutil.Helper, ctx context.Context) *cobra.Command {
	opts := &runOpts{}

	cmd := &cobra.Command{
		Use:   "run <script> [-- extra args]",
		Short: "Run a script across every workspace that declares it",
		Long: `Run a script across every workspace that declares it.

By default lazyrun executes tasks in dependency order and skips any task
whose inputs have not changed since its last successful run, replaying its
captured output instead.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := helper.GetCmdBase(cmd.Flags())
			if err != nil {
				return err
			}
			script, extraArgs := splitPassThroughArgs(args)
			return runScript(ctx, base, opts, script, extraArgs)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.force, "force", "f", false, "ignore the existing cache and re-run unconditionally")
	flags.StringArrayVar(&opts.filter, "filter", nil, "limit execution to workspaces under this directory or glob; may be repeated")
	opts.concurrency = defaultConcurrency
	flags.Var(&util.ConcurrencyValue{Value: &opts.concurrency}, "concurrency",
		"maximum number of tasks to run at once, as a count or a percentage of CPUs (e.g. 50%); default is number of CPUs minus one")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "resolve and print the task graph without running anything")

	return cmd
}

// splitPassThroughArgs separates the requested script name from any
// arguments following a literal "--", which are forwarded to the script's
// command rather than parsed as lazyrun flags.
func splitPassThroughArgs(args []string) (string, []string) {
	for i, a := range args {
		if a == "--" {
			return args[0], args[i+1:]
		}
	}
	return args[0], nil
}

func runScript(ctx context.Context, base *cmdutil.CmdBase, opts *runOpts, script string, extraArgs []string) error {
	project, err := workspace.Load(base.RepoRoot)
	if err != nil {
		return cmdErr(base, "loading workspace: %v", err)
	}

	resolver, err := taskconfig.Load(base.RepoRoot.ToString())
	if err != nil {
		return cmdErr(base, "loading lazy.config.json: %v", err)
	}

	requested := []taskconfig.RequestedTask{{
		Script:      script,
		ExtraArgs:   extraArgs,
		Force:       opts.force,
		FilterPaths: opts.filter,
	}}

	g, err := graph.Build(project, resolver, requested)
	if err != nil {
		return cmdErr(base, "building task graph: %v", err)
	}

	if opts.dryRun {
		printDryRun(base, g)
		return nil
	}

	shell := runner.NewShell(base.Logger)
	defer shell.Close()

	p := pipeline.New(base.RepoRoot.ToString(), g, shell, base.Logger)

	result, err := scheduler.Run(ctx, g, scheduler.Options{
		MaxConcurrent: scheduler.ResolveMaxConcurrency(opts.concurrency),
		Executor:      p,
		Logger:        base.Logger,
	})
	if err != nil {
		return cmdErr(base, "%v", err)
	}

	summary := runsummary.FromResult(result)
	base.UI.Output(summary.Line())
	for _, failed := range summary.FailedTasks {
		base.UI.Error(fmt.Sprintf("%s%s", color.RedString("x "), failed))
	}
	for _, skipped := range runsummary.NotRun(result) {
		base.UI.Warn(fmt.Sprintf("- %s not run (a dependency failed)", skipped))
	}

	if summary.ExitCode() != 0 {
		return &cmdutil.Error{ExitCode: summary.ExitCode(), Err: fmt.Errorf("%s", summary.Line())}
	}
	return nil
}

func printDryRun(base *cmdutil.CmdBase, g *graph.Graph) {
	for _, key := range g.Order {
		node := g.Nodes[key]
		base.UI.Output(fmt.Sprintf("%s", key))
		base.UI.Info(fmt.Sprintf("  command:      %s", node.Command))
		base.UI.Info(fmt.Sprintf("  workspace:    %s", node.WorkspaceDir))
		if len(node.Dependencies) > 0 {
			deps := make([]string, len(node.Dependencies))
			for i, d := range node.Dependencies {
				deps[i] = string(d)
			}
			base.UI.Info(fmt.Sprintf("  dependencies: %s", strings.Join(deps, ", ")))
		}
	}
}

func cmdErr(base *cmdutil.CmdBase, format string, args ...interface{}) error {
	base.LogError(format, args...)
	return &cmdutil.Error{ExitCode: 1, Err: fmt.Errorf(format, args...)}
}
