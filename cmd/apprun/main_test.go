package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/distr1/apprun/internal/appruntest"
	"github.com/distr1/apprun/internal/elfstub/elfstubtest"
	"github.com/distr1/apprun/internal/manifest"
	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout bytes.Buffer
	root := newRootCmd(context.Background())
	root.SetOut(&stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func TestInitPackInspect(t *testing.T) {
	dir := t.TempDir()
	stub := filepath.Join(dir, "stub")
	if err := os.WriteFile(stub, elfstubtest.Build([]byte{0xc3}), 0755); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "init", "-C", dir, "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "init", "-C", dir, "hello"); err == nil {
		t.Fatal("init unexpectedly overwrote the existing manifest")
	}
	mf := filepath.Join(dir, manifest.DefaultFile)

	rootfs := appruntest.Root(t, map[string]appruntest.File{
		"bin/hello": {Contents: "#!/bin/sh\necho hello\n", Mode: 0755},
	})
	if err := os.Rename(rootfs, filepath.Join(dir, "rootfs")); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "pack", "-f", mf, "--runtime", stub, "--mtime", "1700000000")
	if err != nil {
		t.Fatal(err)
	}
	output := strings.TrimSpace(out)
	if want := filepath.Join(dir, "hello.AppImage"); output != want {
		t.Errorf("pack output = %q, want %q", output, want)
	}

	out, err = execute(t, "inspect", "--format=yaml", output)
	if err != nil {
		t.Fatal(err)
	}
	var got infoYAML
	if err := yaml.Unmarshal([]byte(out), &got); err != nil {
		t.Fatal(err)
	}
	stubSize := int64(len(elfstubtest.Build([]byte{0xc3})))
	if got.Offset != stubSize {
		t.Errorf("offset = %d, want %d", got.Offset, stubSize)
	}
	if got.Entrypoint != "/bin/hello" {
		t.Errorf("entrypoint = %q, want /bin/hello", got.Entrypoint)
	}
	if got.Created != 1700000000 {
		t.Errorf("mtime = %d, want 1700000000", got.Created)
	}
	if diff := cmp.Diff([]string{"/dev", "/proc", "/sys", "/tmp", "/home"}, got.Binds); diff != "" {
		t.Errorf("binds: diff (-want +got):\n%s", diff)
	}

	// Packing twice yields identical output.
	first, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "pack", "-f", mf, "--runtime", stub, "--mtime", "1700000000"); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("repeated pack produced different output")
	}
}

func TestPackErrors(t *testing.T) {
	dir := t.TempDir()
	stub := filepath.Join(dir, "stub")
	if err := os.WriteFile(stub, elfstubtest.Build([]byte{0xc3}), 0755); err != nil {
		t.Fatal(err)
	}
	rootfs := appruntest.Root(t, map[string]appruntest.File{
		"bin/hello": {Contents: "#!/bin/sh\necho hello\n", Mode: 0644},
	})
	for _, tt := range []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "entrypoint missing",
			args:    []string{"--root", rootfs, "--entrypoint", "/bin/missing"},
			wantErr: "missing",
		},
		{
			name:    "entrypoint not executable",
			args:    []string{"--root", rootfs, "--entrypoint", "/bin/hello"},
			wantErr: "executable",
		},
		{
			name:    "no root",
			args:    []string{"--entrypoint", "/bin/hello"},
			wantErr: "root",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			output := filepath.Join(t.TempDir(), "out.AppImage")
			args := append([]string{"pack", "--runtime", stub, "-o", output}, tt.args...)
			_, err := execute(t, args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("pack %v = %v, want error containing %q", tt.args, err, tt.wantErr)
			}
			if _, err := os.Stat(output); !os.IsNotExist(err) {
				t.Errorf("output left behind after failure: %v", err)
			}
		})
	}
}
