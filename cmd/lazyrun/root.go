package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/lazyrun/lazyrun/internal/cmdutil"
	"github.com/lazyrun/lazyrun/internal/process"
	"github.com/lazyrun/lazyrun/internal/signals"
)

// RunWithArgs runs lazyrun with the specified arguments. args should not
// include the binary name.
func RunWithArgs(args []string, version string) int {
	helper := cmdutil.NewHelper(version)
	ctx, stop := signals.WithCancel(context.Background())
	defer stop()

	root := getCmd(helper, ctx)
	root.SetArgs(args)
	defer helper.Cleanup(root.Flags())

	doneCh := make(chan struct{})
	var execErr error
	go func() {
		execErr = root.Execute()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		var exitCodeErr *cmdutil.Error
		if errors.As(execErr, &exitCodeErr) {
			return exitCodeErr.ExitCode
		}
		var exitErr *process.ChildExit
		if errors.As(execErr, &exitErr) {
			return exitErr.ExitCode
		} else if execErr != nil {
			return 1
		}
		return 0
	case <-ctx.Done():
		return 1
	}
}

// getCmd returns the root cobra command. ctx is threaded down to the run
// subcommand so an interrupt cancels any in-flight task execution.
func getCmd(helper *cmdutil.Helper, ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:              "lazyrun",
		Short:            "Run monorepo scripts, skipping the ones whose inputs haven't changed",
		TraverseChildren: true,
		Version:          helper.Version,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	flags := cmd.PersistentFlags()
	helper.AddFlags(flags)

	cmd.AddCommand(RunCmd(helper, ctx))
	return cmd
}
