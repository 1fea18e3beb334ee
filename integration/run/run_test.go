package run_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/distr1/apprun"
	"github.com/distr1/apprun/internal/appruntest"
)

// requireTools skips the test unless apprun and apprun-runtime are installed,
// e.g. via go install ./cmd/...
func requireTools(t *testing.T) {
	t.Helper()
	for _, name := range []string{"apprun", "apprun-runtime"} {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("%s not found in $PATH", name)
		}
	}
}

func pack(ctx context.Context, t *testing.T, files map[string]appruntest.File, args ...string) string {
	t.Helper()
	root := appruntest.Root(t, files)
	output := filepath.Join(t.TempDir(), "test.AppImage")
	cmd := exec.CommandContext(ctx, "apprun",
		append([]string{
			"pack",
			"--root=" + root,
			"--output=" + output,
			// Provide /bin/sh to images which contain only shell scripts:
			"--binds=/bin,/lib,/lib64,/usr,/etc,/tmp,/dev",
		}, args...)...)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("%v: %v", cmd.Args, err)
	}
	return output
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func assertClean(t *testing.T, runtimeDir string) {
	t.Helper()
	entries, err := os.ReadDir(runtimeDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Errorf("left behind: %s", e.Name())
	}
}

func TestRun(t *testing.T) {
	requireTools(t)
	appruntest.RequireFUSE(t)
	appruntest.RequireUserns(t)
	ctx := context.Background()
	runtimeDir := t.TempDir()

	image := pack(ctx, t, map[string]appruntest.File{
		"opt/test/hello": {Contents: "#!/bin/sh\necho \"hello $*\"\nexit ${CODE:-0}\n", Mode: 0755},
		"opt/test/env":   {Contents: "#!/bin/sh\necho \"$APPIMAGE $ARGV0 $(id -u)\"\n", Mode: 0755},
	}, "--entrypoint=/opt/test/hello")

	for _, tt := range []struct {
		name       string
		args       []string
		env        []string
		wantStdout string
		wantCode   int
	}{
		{
			name:       "hello",
			args:       []string{"world"},
			wantStdout: "hello world\n",
		},
		{
			name:       "runtime flags are not forwarded",
			args:       []string{"--apprun-debug", "a", "b"},
			wantStdout: "hello a b\n",
		},
		{
			name:       "exit code",
			env:        []string{"CODE=3"},
			wantStdout: "hello \n",
			wantCode:   3,
		},
		{
			name:       "environment",
			args:       []string{"--apprun-entrypoint=/opt/test/env"},
			wantStdout: fmt.Sprintf("%s %s %d\n", image, image, os.Getuid()),
		},
		{
			name:     "missing entry point",
			args:     []string{"--apprun-entrypoint=/opt/test/missing"},
			wantCode: apprun.ExitNotFound,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			cmd := exec.CommandContext(ctx, image, tt.args...)
			cmd.Env = append(os.Environ(), "XDG_RUNTIME_DIR="+runtimeDir)
			cmd.Env = append(cmd.Env, tt.env...)
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			if code := exitCode(cmd.Run()); code != tt.wantCode {
				t.Errorf("%v: exit code = %d, want %d (stderr: %s)", cmd.Args, code, tt.wantCode, stderr.String())
			}
			if got := stdout.String(); tt.wantStdout != "" && got != tt.wantStdout {
				t.Errorf("%v: stdout = %q, want %q", cmd.Args, got, tt.wantStdout)
			}
			assertClean(t, runtimeDir)
		})
	}
}

func TestInterrupt(t *testing.T) {
	requireTools(t)
	appruntest.RequireFUSE(t)
	appruntest.RequireUserns(t)
	ctx := context.Background()
	runtimeDir := t.TempDir()

	image := pack(ctx, t, map[string]appruntest.File{
		"opt/test/wait": {Contents: "#!/bin/sh\ntrap 'echo interrupted; exit 5' INT\necho ready\nwhile :; do sleep 0.1; done\n", Mode: 0755},
	}, "--entrypoint=/opt/test/wait")

	cmd := exec.CommandContext(ctx, image)
	cmd.Env = append(os.Environ(), "XDG_RUNTIME_DIR="+runtimeDir)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() || scanner.Text() != "ready" {
		cmd.Process.Kill()
		t.Fatalf("unexpected output %q (err: %v)", scanner.Text(), scanner.Err())
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	var rest []string
	go func() {
		for scanner.Scan() {
			rest = append(rest, scanner.Text())
		}
		done <- cmd.Wait()
	}()
	select {
	case err := <-done:
		if code := exitCode(err); code != 5 {
			t.Errorf("exit code = %d, want 5", code)
		}
		if got := strings.Join(rest, "\n"); got != "interrupted" {
			t.Errorf("stdout after interrupt = %q, want %q", got, "interrupted")
		}
	case <-time.After(10 * time.Second):
		cmd.Process.Kill()
		t.Fatal("packaged executable did not exit after SIGINT")
	}
	assertClean(t, runtimeDir)
}
