package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/distr1/apprun/internal/assemble"
	"github.com/distr1/apprun/internal/manifest"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

// runtimeName is the file name of the runtime stub.
const runtimeName = "apprun-runtime"

func newPackCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "pack [flags]",
		Short: "Pack a root tree into a single executable",
		Long: `pack assembles a runtime stub and a SquashFS image of a root tree into one
executable file. Settings are read from the manifest (apprun.yaml in the
current directory by default); flags override manifest values. The output is
replaced atomically.

Example:
  % apprun pack --root=rootfs --entrypoint=/bin/hello --output=hello.AppImage`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := clog.FromContext(ctx)

			path := file
			if !cmd.Flags().Changed("file") {
				if _, err := os.Stat(path); os.IsNotExist(err) {
					path = ""
				}
			}
			m, err := manifest.Load(path, cmd.Flags())
			if err != nil {
				return err
			}
			stub := m.Runtime
			if stub == "" {
				if stub, err = defaultRuntime(); err != nil {
					return err
				}
			}
			image, err := m.ImageOptions()
			if err != nil {
				return err
			}
			log.Debug("packing", "root", m.Root, "runtime", stub, "output", m.Output)
			if err := assemble.Assemble(ctx, assemble.Options{
				Stub:   stub,
				Root:   m.Root,
				Output: m.Output,
				Image:  image,
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), m.Output)
			return nil
		},
	}
	fset := cmd.Flags()
	fset.StringVarP(&file, "file", "f", manifest.DefaultFile, "path to the manifest")
	fset.String("name", "", "name of the packaged program")
	fset.String("root", "", "directory tree to pack")
	fset.String("entrypoint", "", "absolute path (within root) of the program to run")
	fset.String("runtime", "", "path to the runtime stub (default: "+runtimeName+" next to apprun or in $PATH)")
	fset.StringP("output", "o", "", "path of the executable to create (default: <name>.AppImage)")
	fset.String("wrapper", "", "executable to install as /AppRun")
	fset.String("compression", "", "image compression: gzip, zstd or lz4")
	fset.Int("block-size", 0, "image data block size in bytes")
	fset.StringSlice("binds", nil, "host paths to make visible to the program")
	fset.Int64("mtime", 0, "Unix timestamp to use for all files (default: $SOURCE_DATE_EPOCH)")
	return cmd
}

// defaultRuntime locates the runtime stub installed alongside apprun.
func defaultRuntime() (string, error) {
	if exe, err := os.Executable(); err == nil {
		path := filepath.Join(filepath.Dir(exe), runtimeName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	path, err := exec.LookPath(runtimeName)
	if err != nil {
		return "", xerrors.Errorf("runtime stub not found, specify --runtime: %w", err)
	}
	return path, nil
}
