// Program apprun builds and inspects single-file executables: a runtime stub
// followed by a SquashFS image of a program and its dependency closure.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/pprof"
	runtimetrace "runtime/trace"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/clog/slag"
	"github.com/distr1/apprun"
	"github.com/distr1/apprun/internal/trace"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

type options struct {
	logLevel   slag.Level
	cpuprofile string
	tracefile  string
	chrome     string
}

func (o *options) setup(ctx context.Context) (context.Context, error) {
	ctx = apprun.WithLogger(ctx, os.Stderr, slog.Level(o.logLevel))

	if o.cpuprofile != "" {
		f, err := os.Create(o.cpuprofile)
		if err != nil {
			return nil, err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, err
		}
		apprun.RegisterAtExit(func() error {
			pprof.StopCPUProfile()
			return f.Close()
		})
	}

	if o.tracefile != "" {
		f, err := os.Create(o.tracefile)
		if err != nil {
			return nil, err
		}
		if err := runtimetrace.Start(f); err != nil {
			f.Close()
			return nil, err
		}
		apprun.RegisterAtExit(func() error {
			runtimetrace.Stop()
			return f.Close()
		})
	}
	if o.chrome != "" {
		closeTrace, err := trace.Create(o.chrome)
		if err != nil {
			return nil, err
		}
		apprun.RegisterAtExit(closeTrace)
	}
	return ctx, nil
}

func newRootCmd(ctx context.Context) *cobra.Command {
	opts := &options{logLevel: slag.Level(slog.LevelInfo)}
	root := &cobra.Command{
		Use:   "apprun",
		Short: "Build single-file executables which mount and run a packed root tree",
		Long: `apprun packs a program together with its dependency closure into one
executable file. The file consists of a runtime stub followed by a SquashFS
image. Running it mounts the image, enters a private mount namespace rooted in
the image and executes the program.`,
		Version:       apprun.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := opts.setup(cmd.Context())
			if err != nil {
				return err
			}
			cmd.SetContext(ctx)
			return nil
		},
	}
	root.SetContext(ctx)
	root.PersistentFlags().Var(&opts.logLevel, "log-level", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.cpuprofile, "cpuprofile", "", "path to store a CPU profile at")
	root.PersistentFlags().StringVar(&opts.tracefile, "tracefile", "", "path to store a trace at")
	root.PersistentFlags().StringVar(&opts.chrome, "chrome-trace", "", "path to store a Chrome trace event file at")

	root.AddCommand(
		newPackCmd(),
		newInspectCmd(),
		newInitCmd(),
		newMountCmd(),
	)
	return root
}

func run(ctx context.Context, args []string) error {
	root := newRootCmd(ctx)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if aerr := apprun.RunAtExit(); aerr != nil && err == nil {
		err = xerrors.Errorf("cleanup: %w", aerr)
	}
	return err
}

func main() {
	ctx, canc, _ := apprun.InterruptibleContext()
	defer canc()
	if err := run(ctx, os.Args[1:]); err != nil {
		clog.FromContext(ctx).Debug("failed", "err", fmt.Sprintf("%+v", err))
		fmt.Fprintf(os.Stderr, "apprun: %v\n", err)
		os.Exit(1)
	}
}
