// Package env captures the environment variables the runtime reads and sets.
package env

import "os"

// Variables set for the entry point.
const (
	AppImage   = "APPIMAGE"          // path of the executable image
	AppDir     = "APPDIR"            // mount point of the image on the host
	Argv0      = "ARGV0"             // argv[0] the image was started with
	OWD        = "OWD"               // working directory at start
	Session    = "APPRUN_SESSION"    // unique id of this invocation
	Entrypoint = "APPRUN_ENTRYPOINT" // resolved entry point, for AppRun
)

// Variables configuring the runtime.
const (
	Binds   = "APPRUN_BINDS"   // colon-separated host path allow-list
	Mounter = "APPRUN_MOUNTER" // fuse or squashfuse
	Debug   = "APPRUN_DEBUG"   // non-empty enables debug logging
	Trace   = "APPRUN_TRACE"   // path of a Chrome trace event file to write

	// Stage2 is set in the environment of the namespaced child only.
	Stage2 = "_APPRUN_STAGE2"
)

// RuntimeDir returns the directory below which private mount points are
// created.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
	}
	return os.TempDir() // $TMPDIR or /tmp
}
