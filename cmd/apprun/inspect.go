package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/distr1/apprun/internal/assemble"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

func newInspectCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "inspect <executable>...",
		Short: "Display the image offset, entry point and contents of packaged executables",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				info, err := assemble.Inspect(path)
				if err != nil {
					return err
				}
				switch format {
				case "text":
					printInfo(cmd.OutOrStdout(), info)
				case "yaml":
					if err := printYAML(cmd.OutOrStdout(), info); err != nil {
						return err
					}
				default:
					return xerrors.Errorf("unknown format %q (supported: text, yaml)", format)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or yaml")
	return cmd
}

func printInfo(w io.Writer, info *assemble.Info) {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "file:\t%s\n", info.Path)
	fmt.Fprintf(tw, "size:\t%d\n", info.Size)
	fmt.Fprintf(tw, "offset:\t%d\n", info.Offset)
	fmt.Fprintf(tw, "compression:\t%s\n", info.Image.Compression)
	fmt.Fprintf(tw, "block size:\t%d\n", info.Image.BlockSize)
	fmt.Fprintf(tw, "inodes:\t%d\n", info.Image.Inodes)
	fmt.Fprintf(tw, "created:\t%s\n", info.Image.MkfsTime.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(tw, "entrypoint:\t%s\n", info.Entrypoint)
	fmt.Fprintf(tw, "wrapper:\t%v\n", info.Wrapper)
	fmt.Fprintf(tw, "binds:\t%s\n", strings.Join(info.Binds, ":"))
	fmt.Fprintf(tw, "blake3:\t%s\n", info.Digest)
	fmt.Fprintf(tw, "entries:\t%s\n", strings.Join(info.Entries, " "))
	tw.Flush()
}

type infoYAML struct {
	Path        string   `yaml:"path"`
	Size        int64    `yaml:"size"`
	Offset      int64    `yaml:"offset"`
	Compression string   `yaml:"compression"`
	BlockSize   uint32   `yaml:"block-size"`
	Inodes      uint32   `yaml:"inodes"`
	Created     int64    `yaml:"mtime"`
	Entrypoint  string   `yaml:"entrypoint"`
	Wrapper     bool     `yaml:"wrapper"`
	Binds       []string `yaml:"binds,omitempty"`
	Digest      string   `yaml:"blake3"`
	Entries     []string `yaml:"entries"`
}

func printYAML(w io.Writer, info *assemble.Info) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&infoYAML{
		Path:        info.Path,
		Size:        info.Size,
		Offset:      info.Offset,
		Compression: info.Image.Compression,
		BlockSize:   info.Image.BlockSize,
		Inodes:      info.Image.Inodes,
		Created:     info.Image.MkfsTime.Unix(),
		Entrypoint:  info.Entrypoint,
		Wrapper:     info.Wrapper,
		Binds:       info.Binds,
		Digest:      info.Digest,
		Entries:     info.Entries,
	}); err != nil {
		return err
	}
	return enc.Close()
}
