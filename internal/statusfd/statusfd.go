// Package statusfd passes a single record from a child process to its parent
// over an inherited file descriptor.
package statusfd

import (
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/xerrors"
)

// Write encodes v to file descriptor fd and closes it. It must be called at
// most once per process.
func Write(fd uintptr, v interface{}) error {
	f := os.NewFile(fd, "statusfd")
	if f == nil {
		return xerrors.Errorf("invalid status fd %d", fd)
	}
	b, err := cbor.Marshal(v)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read decodes the record written by Write into v. It returns false if the
// writer closed the descriptor without writing a record, e.g. because it was
// closed on exec.
func Read(r io.Reader, v interface{}) (bool, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return false, err
	}
	if len(b) == 0 {
		return false, nil
	}
	if err := cbor.Unmarshal(b, v); err != nil {
		return false, xerrors.Errorf("decoding status record: %w", err)
	}
	return true, nil
}
