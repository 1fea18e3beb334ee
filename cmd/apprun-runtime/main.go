// Program apprun-runtime is the runtime stub of packaged executables. The
// packaging tool (apprun pack) prepends it to the image of a program: when
// the resulting file is run, the stub mounts the image it carries and runs
// the program's entry point inside a mount namespace rooted in the image.
//
// Flags starting with --apprun- are interpreted by the stub. All other
// arguments are passed to the entry point. See --apprun-help.
package main

import (
	"context"
	"os"

	"github.com/distr1/apprun"
	"github.com/distr1/apprun/internal/launch"
	"github.com/distr1/apprun/internal/runtime"
)

func main() {
	if launch.IsStage2() {
		os.Exit(launch.Stage2(context.Background()))
	}
	// Canceled on a termination signal, which ends --apprun-mount. A running
	// entry point receives the signal itself and determines the exit code.
	ctx, canc, _ := apprun.InterruptibleContext()
	code := runtime.Run(ctx, runtime.Config{
		Args: os.Args,
		Env:  os.Environ(),
	})
	canc()
	os.Exit(code)
}
