package mount

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/distr1/apprun/internal/fuse"
	"golang.org/x/xerrors"
)

// FUSE serves the image from a FUSE file system running in the calling
// process. The process must stay alive for as long as the mount is in use.
type FUSE struct {
	// ErrorLogger and DebugLogger are passed to the FUSE server. May be nil.
	ErrorLogger *log.Logger
	DebugLogger *log.Logger
}

func (m *FUSE) Mount(ctx context.Context, file string, offset int64, target string) (*Handle, error) {
	log := clog.FromContext(ctx)
	if err := checkTarget(target); err != nil {
		return nil, classify(err)
	}
	f, image, err := openImage(file, offset)
	if err != nil {
		return nil, classify(err)
	}
	join, err := fuse.Mount(ctx, image, target, fuse.Options{
		FSName:      "apprun:" + filepath.Base(file),
		AllowOther:  os.Geteuid() == 0,
		ErrorLogger: m.ErrorLogger,
		DebugLogger: m.DebugLogger,
	})
	if err != nil {
		f.Close()
		return nil, classify(err)
	}
	log.Debug("mounted", "file", file, "offset", offset, "target", target, "mounter", NameFUSE)

	return &Handle{
		Target: target,
		unmount: func() error {
			// join unmounts immediately when passed a canceled context.
			ctx, canc := context.WithCancel(context.Background())
			canc()
			if err := join(ctx); err != nil {
				log.Debug("unmount failed, detaching", "target", target, "err", err)
				if lerr := unmount(target, true); lerr != nil {
					return xerrors.Errorf("%v (lazy unmount: %v): %w", err, lerr, ErrBusy)
				}
				// The server goroutine exits once the kernel releases the
				// connection; the image file stays open until then.
				return nil
			}
			return f.Close()
		},
	}, nil
}

func (m *FUSE) Unmount(h *Handle) error {
	return h.unmount()
}
