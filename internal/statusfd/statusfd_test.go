package statusfd_test

import (
	"os"
	"syscall"
	"testing"

	"github.com/distr1/apprun/internal/statusfd"
	"github.com/google/go-cmp/cmp"
)

type record struct {
	Stage string
	Code  int
}

func TestRoundTrip(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	// Write takes ownership of the descriptor, like a child process would.
	fd, err := syscall.Dup(int(w.Fd()))
	if err != nil {
		t.Fatal(err)
	}
	w.Close()
	want := record{Stage: "exec", Code: 126}
	if err := statusfd.Write(uintptr(fd), want); err != nil {
		t.Fatal(err)
	}
	var got record
	ok, err := statusfd.Read(r, &got)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Read: no record")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Read: unexpected record: diff (-want +got):\n%s", diff)
	}
}

func TestClosedWithoutRecord(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	w.Close()
	var got record
	ok, err := statusfd.Read(r, &got)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Errorf("Read = %+v, want no record", got)
	}
}
