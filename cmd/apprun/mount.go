package main

import (
	"fmt"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/distr1/apprun/internal/elfstub"
	"github.com/distr1/apprun/internal/mount"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

func newMountCmd() *cobra.Command {
	var mounter string
	cmd := &cobra.Command{
		Use:   "mount <executable> <mountpoint>",
		Short: "Mount the image of a packaged executable until interrupted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := clog.FromContext(ctx)
			file, target := args[0], args[1]

			offset, err := elfstub.Offset(file)
			if err != nil {
				return xerrors.Errorf("%s: %w", file, err)
			}
			m, err := mount.New(mounter)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			h, err := m.Mount(ctx, file, offset, target)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h.Target)
			log.Info("mounted, interrupt to unmount", "image", file, "offset", offset, "mountpoint", h.Target)
			<-ctx.Done()
			return m.Unmount(h)
		},
	}
	cmd.Flags().StringVar(&mounter, "mounter", mount.NameFUSE, "mount implementation: "+mount.NameFUSE+" or "+mount.NameSquashfuse)
	return cmd
}
