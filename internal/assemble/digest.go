package assemble

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// digestOf returns the hex-encoded BLAKE3 hash of r's contents.
func digestOf(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
