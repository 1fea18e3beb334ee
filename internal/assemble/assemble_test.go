package assemble_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/distr1/apprun"
	"github.com/distr1/apprun/internal/assemble"
	"github.com/distr1/apprun/internal/elfstub"
	"github.com/distr1/apprun/internal/elfstub/elfstubtest"
	"github.com/distr1/apprun/internal/layout"
	"github.com/distr1/apprun/internal/squashfs"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func writeStub(t *testing.T, text []byte) (string, []byte) {
	t.Helper()
	stub := elfstubtest.Build(text)
	path := filepath.Join(t.TempDir(), "runtime")
	if err := os.WriteFile(path, stub, 0755); err != nil {
		t.Fatal(err)
	}
	return path, stub
}

// closure creates a root tree containing a shell-script "program".
func closure(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "bin", "hello"), []byte("#!/bin/sh\necho hello \"$@\"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "share", "doc"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "share", "doc", "README"), bytes.Repeat([]byte("hello world\n"), 50000), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("hello", filepath.Join(root, "bin", "hi")); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestAssembleRoundTrip(t *testing.T) {
	ctx := context.Background()
	stubPath, stub := writeStub(t, bytes.Repeat([]byte{0x90}, 333))
	output := filepath.Join(t.TempDir(), "hello.AppImage")

	if err := assemble.Assemble(ctx, assemble.Options{
		Stub:   stubPath,
		Root:   closure(t),
		Output: output,
		Image: assemble.ImageOptions{
			Entrypoint: "/bin/hello",
			Binds:      []string{"/dev", "/tmp"},
		},
	}); err != nil {
		t.Fatal(err)
	}

	st, err := os.Stat(output)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := st.Mode().Perm(), os.FileMode(0755); got != want {
		t.Errorf("output mode = %v, want %v", got, want)
	}

	// The offset discovered from the output equals the stub length.
	offset, err := elfstub.Offset(output)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := offset, int64(len(stub)); got != want {
		t.Errorf("Offset(output) = %d, want %d", got, want)
	}

	b, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if got := b[elfstub.MagicOffset : elfstub.MagicOffset+len(elfstub.Magic)]; !bytes.Equal(got, elfstub.Magic[:]) {
		t.Errorf("magic = %x, want %x", got, elfstub.Magic)
	}
	// Apart from the magic, the stub is unmodified.
	patched := append([]byte{}, stub...)
	copy(patched[elfstub.MagicOffset:], elfstub.Magic[:])
	if !bytes.Equal(b[:len(stub)], patched) {
		t.Errorf("stub bytes modified beyond the magic")
	}

	rd, err := squashfs.NewReader(bytes.NewReader(b[offset:]))
	if err != nil {
		t.Fatal(err)
	}
	inode, err := rd.LookupPath(layout.Entrypoint)
	if err != nil {
		t.Fatal(err)
	}
	fr, err := rd.FileReader(inode)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(fr)
	if err != nil {
		t.Fatal(err)
	}
	if want := "#!/bin/sh\necho hello \"$@\"\n"; string(got) != want {
		t.Errorf("entrypoint contents = %q, want %q", got, want)
	}

	info, err := assemble.Inspect(output)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{".apprun-binds", "bin", "entrypoint", "mountroot", "share"}, info.Entries); diff != "" {
		t.Errorf("Inspect: unexpected entries: diff (-want +got):\n%s", diff)
	}
	if got, want := info.Entrypoint, "/bin/hello"; got != want {
		t.Errorf("Inspect: Entrypoint = %q, want %q", got, want)
	}
	if diff := cmp.Diff([]string{"/dev", "/tmp"}, info.Binds); diff != "" {
		t.Errorf("Inspect: unexpected binds: diff (-want +got):\n%s", diff)
	}
	if info.Offset != int64(len(stub)) || !info.Magic || info.Digest == "" {
		t.Errorf("Inspect = %+v", info)
	}
}

func TestMagicForAnyPayload(t *testing.T) {
	ctx := context.Background()
	stubPath, _ := writeStub(t, []byte{0xc3})
	for i, files := range []map[string]string{
		{},
		{"a": ""},
		{"bin/x": "#!/bin/sh\n", "lib/libx.so": string(bytes.Repeat([]byte{0}, 300000))},
	} {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			root := t.TempDir()
			for name, contents := range files {
				fn := filepath.Join(root, name)
				if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(fn, []byte(contents), 0755); err != nil {
					t.Fatal(err)
				}
			}
			if err := os.WriteFile(filepath.Join(root, layout.Entrypoint), []byte("#!/bin/sh\n"), 0755); err != nil {
				t.Fatal(err)
			}
			output := filepath.Join(t.TempDir(), "out")
			for _, comp := range []squashfs.Compression{squashfs.Gzip, squashfs.Zstd, squashfs.LZ4} {
				if err := assemble.Assemble(ctx, assemble.Options{
					Stub:   stubPath,
					Root:   root,
					Output: output,
					Image:  assemble.ImageOptions{Compression: comp},
				}); err != nil {
					t.Fatal(err)
				}
				f, err := os.Open(output)
				if err != nil {
					t.Fatal(err)
				}
				ok, err := elfstub.HasMagic(f)
				f.Close()
				if err != nil {
					t.Fatal(err)
				}
				if !ok {
					t.Errorf("%v: magic missing", comp)
				}
			}
		})
	}
}

func TestAssembleDeterministic(t *testing.T) {
	ctx := context.Background()
	stubPath, _ := writeStub(t, []byte{0xc3})
	root := closure(t)
	dir := t.TempDir()

	const n = 4
	var eg errgroup.Group
	for i := 0; i < n; i++ {
		i := i // copy
		eg.Go(func() error {
			return assemble.Assemble(ctx, assemble.Options{
				Stub:   stubPath,
				Root:   root,
				Output: filepath.Join(dir, fmt.Sprintf("out%d", i)),
				Image: assemble.ImageOptions{
					Entrypoint: "/bin/hello",
					ModTime:    time.Unix(1700000000, 0),
				},
			})
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	want, err := os.ReadFile(filepath.Join(dir, "out0"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < n; i++ {
		got, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("out%d", i)))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("out%d differs from out0", i)
		}
	}
}

func TestAssembleDeterministicWithoutModTime(t *testing.T) {
	t.Setenv("SOURCE_DATE_EPOCH", "")
	ctx := context.Background()
	stubPath, _ := writeStub(t, []byte{0xc3})
	root := closure(t)
	dir := t.TempDir()

	var outputs [][]byte
	for i := 0; i < 2; i++ {
		output := filepath.Join(dir, fmt.Sprintf("out%d", i))
		if err := assemble.Assemble(ctx, assemble.Options{
			Stub:   stubPath,
			Root:   root,
			Output: output,
			Image: assemble.ImageOptions{
				Entrypoint: "/bin/hello",
				Binds:      []string{"/tmp"},
			},
		}); err != nil {
			t.Fatal(err)
		}
		b, err := os.ReadFile(output)
		if err != nil {
			t.Fatal(err)
		}
		outputs = append(outputs, b)
	}
	if !bytes.Equal(outputs[0], outputs[1]) {
		t.Errorf("packing the same root twice resulted in different output")
	}

	// Layout entries must not carry the time of packing.
	offset, err := elfstub.Size(bytes.NewReader(outputs[0]))
	if err != nil {
		t.Fatal(err)
	}
	rd, err := squashfs.NewReader(bytes.NewReader(outputs[0][offset:]))
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{layout.MountRoot, layout.Entrypoint, layout.BindsFile} {
		inode, err := rd.LookupPathNoFollow(name)
		if err != nil {
			t.Fatal(err)
		}
		fi, err := rd.Stat(name, inode)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := fi.ModTime(), time.Unix(0, 0); !got.Equal(want) {
			t.Errorf("%s: mtime = %v, want %v", name, got, want)
		}
	}
}

func TestAssembleNoPartialOutput(t *testing.T) {
	ctx := context.Background()
	goodStub, stub := writeStub(t, []byte{0xc3})

	trailing := filepath.Join(t.TempDir(), "trailing")
	if err := os.WriteFile(trailing, append(append([]byte{}, stub...), "junk"...), 0755); err != nil {
		t.Fatal(err)
	}
	short := filepath.Join(t.TempDir(), "short")
	if err := os.WriteFile(short, []byte("\x7fELF"), 0755); err != nil {
		t.Fatal(err)
	}
	notELF := filepath.Join(t.TempDir(), "script")
	if err := os.WriteFile(notELF, []byte("#!/bin/sh\necho this is no ELF file\n"), 0755); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		opts func(t *testing.T, output string) assemble.Options
	}{
		{
			name: "stub with trailing data",
			opts: func(t *testing.T, output string) assemble.Options {
				return assemble.Options{Stub: trailing, Root: closure(t), Output: output, Image: assemble.ImageOptions{Entrypoint: "/bin/hello"}}
			},
		},
		{
			name: "stub too short for magic",
			opts: func(t *testing.T, output string) assemble.Options {
				return assemble.Options{Stub: short, Root: closure(t), Output: output, Image: assemble.ImageOptions{Entrypoint: "/bin/hello"}}
			},
		},
		{
			name: "stub not ELF",
			opts: func(t *testing.T, output string) assemble.Options {
				return assemble.Options{Stub: notELF, Root: closure(t), Output: output, Image: assemble.ImageOptions{Entrypoint: "/bin/hello"}}
			},
		},
		{
			name: "missing entrypoint",
			opts: func(t *testing.T, output string) assemble.Options {
				return assemble.Options{Stub: goodStub, Root: closure(t), Output: output}
			},
		},
		{
			name: "entrypoint not in root",
			opts: func(t *testing.T, output string) assemble.Options {
				return assemble.Options{Stub: goodStub, Root: closure(t), Output: output, Image: assemble.ImageOptions{Entrypoint: "/bin/nonexistent"}}
			},
		},
		{
			name: "entrypoint not executable",
			opts: func(t *testing.T, output string) assemble.Options {
				return assemble.Options{Stub: goodStub, Root: closure(t), Output: output, Image: assemble.ImageOptions{Entrypoint: "/share/doc/README"}}
			},
		},
		{
			name: "unsupported file type",
			opts: func(t *testing.T, output string) assemble.Options {
				root := closure(t)
				l, err := net.Listen("unix", filepath.Join(root, "sock"))
				if err != nil {
					t.Skip(err)
				}
				t.Cleanup(func() { l.Close() })
				return assemble.Options{Stub: goodStub, Root: root, Output: output, Image: assemble.ImageOptions{Entrypoint: "/bin/hello"}}
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			output := filepath.Join(dir, "out")
			err := assemble.Assemble(ctx, tt.opts(t, output))
			if err == nil {
				t.Fatal("Assemble unexpectedly succeeded")
			}
			var se *apprun.StageError
			if !errors.As(err, &se) || se.Stage != apprun.StageBuild {
				t.Errorf("Assemble = %v, want a build StageError", err)
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) > 0 {
				t.Errorf("Assemble left files behind: %v", entries)
			}
		})
	}
}
