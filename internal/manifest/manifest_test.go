package manifest_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/distr1/apprun/internal/manifest"
	"github.com/distr1/apprun/internal/squashfs"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// writeManifest writes contents as apprun.yaml into a new directory which
// also contains an (empty) rootfs directory.
func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "rootfs"), 0755))
	path := filepath.Join(dir, manifest.DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func packFlags() *pflag.FlagSet {
	fset := pflag.NewFlagSet("pack", pflag.ContinueOnError)
	fset.String("root", "", "")
	fset.String("output", "", "")
	fset.String("entrypoint", "", "")
	fset.String("compression", "", "")
	fset.Int("block-size", 0, "")
	return fset
}

func TestLoad(t *testing.T) {
	path := writeManifest(t, `name: hello
root: rootfs
entrypoint: /bin/hello
compression: zstd
block-size: 65536
mtime: 1700000000
binds:
  - /dev
  - /tmp
`)
	m, err := manifest.Load(path, nil)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, "hello", m.Name)
	assert.Equal(t, filepath.Join(dir, "rootfs"), m.Root)
	assert.Equal(t, filepath.Join(dir, "hello.AppImage"), m.Output)
	assert.Equal(t, "/bin/hello", m.Entrypoint)
	assert.Equal(t, []string{"/dev", "/tmp"}, m.Binds)

	opts, err := m.ImageOptions()
	require.NoError(t, err)
	assert.Equal(t, squashfs.Zstd, opts.Compression)
	assert.Equal(t, 65536, opts.BlockSize)
	assert.True(t, opts.ModTime.Equal(time.Unix(1700000000, 0)))
	assert.Equal(t, "/bin/hello", opts.Entrypoint)
}

func TestLoadFlagsOverride(t *testing.T) {
	path := writeManifest(t, `name: hello
root: rootfs
entrypoint: /bin/hello
compression: zstd
`)
	fset := packFlags()
	require.NoError(t, fset.Parse([]string{"--entrypoint=/bin/other", "--output=out.bin", "--compression=lz4"}))

	m, err := manifest.Load(path, fset)
	require.NoError(t, err)
	assert.Equal(t, "/bin/other", m.Entrypoint)
	assert.Equal(t, "lz4", m.Compression)
	// Paths given as flags stay relative to the working directory.
	assert.Equal(t, "out.bin", m.Output)
	// Unchanged flags do not override the manifest.
	assert.Equal(t, filepath.Join(filepath.Dir(path), "rootfs"), m.Root)
}

func TestLoadWithoutManifest(t *testing.T) {
	root := t.TempDir()
	fset := packFlags()
	require.NoError(t, fset.Parse([]string{"--root=" + root, "--entrypoint=/bin/sh", "--output=sh.AppImage"}))
	m, err := manifest.Load("", fset)
	require.NoError(t, err)
	assert.Equal(t, root, m.Root)
	assert.Equal(t, "sh.AppImage", m.Output)

	// Output defaults to <name>.AppImage, so one of them is needed.
	fset = packFlags()
	require.NoError(t, fset.Parse([]string{"--root=" + root}))
	_, err = manifest.Load("", fset)
	require.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	for _, tt := range []struct {
		name     string
		contents string
		wantErr  string
	}{
		{
			name:     "missing entrypoint",
			contents: "name: hello\nroot: rootfs\n",
			wantErr:  "field 'entrypoint' is required but missing",
		},
		{
			name:     "relative entrypoint",
			contents: "name: hello\nroot: rootfs\nentrypoint: bin/hello\n",
			wantErr:  "field 'entrypoint' must be an absolute path",
		},
		{
			name:     "unsupported compression",
			contents: "name: hello\nroot: rootfs\nentrypoint: /bin/hello\ncompression: xz\n",
			wantErr:  "field 'compression' must be one of: gzip zstd lz4",
		},
		{
			name:     "missing root",
			contents: "name: hello\nroot: nonexistent\nentrypoint: /bin/hello\n",
			wantErr:  "field 'root' must name an existing directory",
		},
		{
			name:     "block size too small",
			contents: "name: hello\nroot: rootfs\nentrypoint: /bin/hello\nblock-size: 512\n",
			wantErr:  "field 'blocksize' must be at least 4096",
		},
		{
			name:     "relative bind",
			contents: "name: hello\nroot: rootfs\nentrypoint: /bin/hello\nbinds: [dev]\n",
			wantErr:  "must be an absolute path",
		},
		{
			name:     "malformed",
			contents: "name: [hello\n",
			wantErr:  "reading manifest",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, tt.contents)
			_, err := manifest.Load(path, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadNotFound(t *testing.T) {
	_, err := manifest.Load(filepath.Join(t.TempDir(), "nonexistent.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest not found")
}

func TestSample(t *testing.T) {
	b, err := manifest.Sample("hello")
	require.NoError(t, err)

	var m manifest.Manifest
	require.NoError(t, yaml.Unmarshal(b, &m))
	assert.Equal(t, "hello", m.Name)
	assert.Equal(t, "/bin/hello", m.Entrypoint)
	assert.Equal(t, "gzip", m.Compression)

	// The sample loads once its root exists.
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, m.Root), 0755))
	path := filepath.Join(dir, manifest.DefaultFile)
	require.NoError(t, os.WriteFile(path, b, 0644))
	_, err = manifest.Load(path, nil)
	require.NoError(t, err)
}
