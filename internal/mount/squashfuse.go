package mount

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/chainguard-dev/clog"
	"golang.org/x/xerrors"
)

// Squashfuse mounts the image using the squashfuse program, which must be
// installed. squashfuse daemonizes once the mount is ready.
type Squashfuse struct {
	// Path of the squashfuse program. Defaults to looking up squashfuse in
	// $PATH.
	Path string
}

func (m *Squashfuse) Mount(ctx context.Context, file string, offset int64, target string) (*Handle, error) {
	log := clog.FromContext(ctx)
	if err := checkTarget(target); err != nil {
		return nil, classify(err)
	}
	f, _, err := openImage(file, offset)
	if err != nil {
		return nil, classify(err)
	}
	f.Close()

	prog := m.Path
	if prog == "" {
		prog = "squashfuse"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, prog,
		"-o", "ro,nodev",
		"-o", fmt.Sprintf("offset=%d", offset),
		file,
		target)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, xerrors.Errorf("%v: %w", cmd.Args, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if kind := classifyMessage(msg); kind != nil {
			return nil, xerrors.Errorf("%v: %s: %w", cmd.Args, msg, kind)
		}
		return nil, xerrors.Errorf("%v: %v (stderr: %s)", cmd.Args, err, msg)
	}
	mounted, err := Mountpoint(target)
	if err != nil {
		return nil, err
	}
	if !mounted {
		return nil, xerrors.Errorf("%v exited successfully, but %s is not mounted", cmd.Args, target)
	}
	log.Debug("mounted", "file", file, "offset", offset, "target", target, "mounter", NameSquashfuse)

	return &Handle{
		Target: target,
		unmount: func() error {
			err := unmount(target, false)
			if err == nil {
				return nil
			}
			log.Debug("unmount failed, detaching", "target", target, "err", err)
			if lerr := unmount(target, true); lerr != nil {
				return xerrors.Errorf("%v (lazy unmount: %v): %w", err, lerr, ErrBusy)
			}
			return nil
		},
	}, nil
}

func (m *Squashfuse) Unmount(h *Handle) error {
	return h.unmount()
}
