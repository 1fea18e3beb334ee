package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/distr1/apprun/internal/manifest"
	"github.com/google/renameio"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

func newInitCmd() *cobra.Command {
	var (
		force bool
		dir   string
	)
	cmd := &cobra.Command{
		Use:   "init [name]",
		Short: "Write a sample " + manifest.DefaultFile,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			name := filepath.Base(abs)
			if len(args) > 0 {
				name = args[0]
			}
			path := filepath.Join(dir, manifest.DefaultFile)
			if _, err := os.Stat(path); err == nil && !force {
				return xerrors.Errorf("%s already exists (use --force to overwrite)", path)
			}
			b, err := manifest.Sample(name)
			if err != nil {
				return err
			}
			if err := renameio.WriteFile(path, b, 0644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing manifest")
	cmd.Flags().StringVarP(&dir, "dir", "C", ".", "directory to write the manifest to")
	return cmd
}
