package layout_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/distr1/apprun/internal/appruntest"
	"github.com/distr1/apprun/internal/assemble"
	"github.com/distr1/apprun/internal/layout"
	"github.com/distr1/apprun/internal/squashfs"
	"github.com/stretchr/testify/require"
)

// stage creates an image root with a mountroot and a /bin/hello program.
func stage(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, layout.MountRoot), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "hello"), []byte("#!/bin/sh\necho hello \"$@\"\n"), 0755))
	return root
}

func TestValidateSymlink(t *testing.T) {
	root := stage(t)
	require.NoError(t, os.Symlink("/bin/hello", filepath.Join(root, layout.Entrypoint)))

	e, err := layout.Validate(root, "")
	require.NoError(t, err)
	require.Equal(t, "/bin/hello", e.Target)
	require.Equal(t, filepath.Join(root, "bin", "hello"), e.HostPath)
	require.Equal(t, layout.Entrypoint, e.Name)
	require.False(t, e.Wrapper)
}

func TestValidateSymlinkCannotEscape(t *testing.T) {
	root := stage(t)
	// Relative links climbing above the root stay inside it.
	require.NoError(t, os.Symlink("../../../../bin/hello", filepath.Join(root, layout.Entrypoint)))

	e, err := layout.Validate(root, "")
	require.NoError(t, err)
	require.Equal(t, "/bin/hello", e.Target)
	require.True(t, strings.HasPrefix(e.HostPath, root))
}

func TestValidateRegularFile(t *testing.T) {
	root := stage(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, layout.Entrypoint), []byte("#!/bin/sh\n"), 0755))

	e, err := layout.Validate(root, "")
	require.NoError(t, err)
	require.Equal(t, "/entrypoint", e.Target)
}

func TestValidateOverride(t *testing.T) {
	root := stage(t)
	e, err := layout.Validate(root, "/bin/hello")
	require.NoError(t, err)
	require.Equal(t, "bin/hello", e.Name)
	require.Equal(t, "/bin/hello", e.Target)
}

func TestValidateWrapper(t *testing.T) {
	root := stage(t)
	require.NoError(t, os.Symlink("/bin/hello", filepath.Join(root, layout.Entrypoint)))
	require.NoError(t, os.WriteFile(filepath.Join(root, layout.AppRun), []byte("#!/bin/sh\nexec \"$APPRUN_ENTRYPOINT\" \"$@\"\n"), 0755))

	e, err := layout.Validate(root, "")
	require.NoError(t, err)
	require.True(t, e.Wrapper)
}

func TestValidateErrors(t *testing.T) {
	for _, tt := range []struct {
		name  string
		setup func(t *testing.T, root string)
		want  error
	}{
		{
			name:  "missing entrypoint",
			setup: func(t *testing.T, root string) {},
			want:  layout.ErrEntrypointNotFound,
		},
		{
			name: "dangling symlink",
			setup: func(t *testing.T, root string) {
				require.NoError(t, os.Symlink("/bin/nonexistent", filepath.Join(root, layout.Entrypoint)))
			},
			want: layout.ErrEntrypointNotFound,
		},
		{
			name: "missing mountroot",
			setup: func(t *testing.T, root string) {
				require.NoError(t, os.Symlink("/bin/hello", filepath.Join(root, layout.Entrypoint)))
				require.NoError(t, os.Remove(filepath.Join(root, layout.MountRoot)))
			},
			want: layout.ErrEntrypointNotFound,
		},
		{
			name: "not executable",
			setup: func(t *testing.T, root string) {
				require.NoError(t, os.WriteFile(filepath.Join(root, layout.Entrypoint), []byte("data"), 0644))
			},
			want: layout.ErrNotExecutable,
		},
		{
			name: "directory",
			setup: func(t *testing.T, root string) {
				require.NoError(t, os.Symlink("/bin", filepath.Join(root, layout.Entrypoint)))
			},
			want: layout.ErrNotExecutable,
		},
		{
			name: "wrapper not executable",
			setup: func(t *testing.T, root string) {
				require.NoError(t, os.Symlink("/bin/hello", filepath.Join(root, layout.Entrypoint)))
				require.NoError(t, os.WriteFile(filepath.Join(root, layout.AppRun), []byte("data"), 0644))
			},
			want: layout.ErrNotExecutable,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			root := stage(t)
			tt.setup(t, root)
			_, err := layout.Validate(root, "")
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate = %v, want %v", err, tt.want)
			}
		})
	}
}

func readBinds(t *testing.T, files map[string]appruntest.File, binds []string) ([]string, error) {
	t.Helper()
	files["bin/hello"] = appruntest.File{Contents: "#!/bin/sh\n", Mode: 0755}
	root := appruntest.Root(t, files)
	img := appruntest.Image(t, root, assemble.ImageOptions{
		Entrypoint: "/bin/hello",
		Binds:      binds,
	})
	rd, err := squashfs.NewReader(bytes.NewReader(img))
	require.NoError(t, err)
	return layout.ReadBinds(rd)
}

func TestReadBinds(t *testing.T) {
	binds, err := readBinds(t, map[string]appruntest.File{}, nil)
	require.NoError(t, err)
	require.Nil(t, binds)

	binds, err = readBinds(t, map[string]appruntest.File{}, []string{"/dev", "/tmp"})
	require.NoError(t, err)
	require.Equal(t, []string{"/dev", "/tmp"}, binds)

	binds, err = readBinds(t, map[string]appruntest.File{
		layout.BindsFile: {Contents: `
# devices and kernel interfaces
/dev
/proc/

/etc//resolv.conf
`},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"/dev", "/proc", "/etc/resolv.conf"}, binds)

	_, err = readBinds(t, map[string]appruntest.File{
		layout.BindsFile: {Contents: "relative/path\n"},
	}, nil)
	require.Error(t, err)

	_, err = readBinds(t, map[string]appruntest.File{
		layout.BindsFile: {Link: "/etc/passwd"},
	}, nil)
	require.Error(t, err)
}

func TestSplitBinds(t *testing.T) {
	binds, err := layout.SplitBinds("/dev::/tmp/")
	require.NoError(t, err)
	require.Equal(t, []string{"/dev", "/tmp"}, binds)

	_, err = layout.SplitBinds("/dev:tmp")
	require.Error(t, err)
}
