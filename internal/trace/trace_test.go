package trace_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/distr1/apprun/internal/trace"
	"github.com/google/go-cmp/cmp"
)

func TestCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.json")
	done, err := trace.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	trace.Event("mount", "runtime").Arg("mounter", "fuse").Done()
	trace.Event("launch", "runtime").Done()
	if err := done(); err != nil {
		t.Fatal(err)
	}
	// Not recorded: the file was closed.
	trace.Event("cleanup", "runtime").Done()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var events []struct {
		Name string                 `json:"name"`
		Cat  string                 `json:"cat"`
		Ph   string                 `json:"ph"`
		Pid  int                    `json:"pid"`
		Args map[string]interface{} `json:"args"`
	}
	if err := json.Unmarshal(b, &events); err != nil {
		t.Fatalf("trace is not valid JSON: %v\n%s", err, b)
	}
	var names []string
	for _, ev := range events {
		names = append(names, ev.Name)
		if ev.Ph != "X" {
			t.Errorf("event %s: ph = %q, want X", ev.Name, ev.Ph)
		}
		if ev.Pid != os.Getpid() {
			t.Errorf("event %s: pid = %d, want %d", ev.Name, ev.Pid, os.Getpid())
		}
	}
	if diff := cmp.Diff([]string{"mount", "launch"}, names); diff != "" {
		t.Errorf("events: diff (-want +got):\n%s", diff)
	}
	if got := events[0].Args["mounter"]; got != "fuse" {
		t.Errorf("mount event args = %v, want mounter=fuse", events[0].Args)
	}
}
