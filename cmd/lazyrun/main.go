// Command lazyrun runs scripts across the workspaces of a monorepo,
// skipping any task whose inputs have not changed since its last
// successful run.
package main

import (
	"os"

	"github.com/lazyrun/lazyrun/internal/util"
)

// version is stamped at release time; unset in development builds.
var version = "dev"

func main() {
	util.InitPrintf()
	os.Exit(RunWithArgs(os.Args[1:], version))
}
