package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies a SquashFS compressor.
type Compression uint16

// Compressor ids as stored in the superblock.
const (
	Gzip Compression = 1
	LZ4  Compression = 5
	Zstd Compression = 6
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint16(c))
}

// ParseCompression maps a compressor name to its id.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "gzip", "zlib", "":
		return Gzip, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	}
	return 0, fmt.Errorf("unsupported compression %q (supported: gzip, lz4, zstd)", name)
}

// compressor compresses and decompresses individual blocks. Implementations
// must be safe for concurrent decompression.
type compressor interface {
	// compress returns the compressed form of src, or nil if src does not
	// compress (the caller then stores src as-is).
	compress(src []byte) ([]byte, error)
	// decompress returns at most max bytes of uncompressed data.
	decompress(src []byte, max int) ([]byte, error)
	// options returns the compression options stored after the superblock,
	// or nil if none need to be stored.
	options() []byte
}

func newCompressor(c Compression) (compressor, error) {
	switch c {
	case Gzip:
		return &gzipCompressor{}, nil
	case LZ4:
		return lz4Compressor{}, nil
	case Zstd:
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return &zstdCompressor{dec: dec}, nil
	}
	return nil, fmt.Errorf("unsupported compression %v", c)
}

type gzipCompressor struct {
	buf bytes.Buffer
	zw  *zlib.Writer
}

func (g *gzipCompressor) compress(src []byte) ([]byte, error) {
	g.buf.Reset()
	if g.zw == nil {
		zw, err := zlib.NewWriterLevel(&g.buf, zlib.BestCompression)
		if err != nil {
			return nil, err
		}
		g.zw = zw
	} else {
		g.zw.Reset(&g.buf)
	}
	if _, err := g.zw.Write(src); err != nil {
		return nil, err
	}
	if err := g.zw.Close(); err != nil {
		return nil, err
	}
	if g.buf.Len() >= len(src) {
		return nil, nil
	}
	return append([]byte(nil), g.buf.Bytes()...), nil
}

func (*gzipCompressor) decompress(src []byte, max int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return readAtMost(zr, max)
}

func (*gzipCompressor) options() []byte { return nil }

type zstdCompressor struct {
	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error
	dec     *zstd.Decoder
}

func (z *zstdCompressor) compress(src []byte) ([]byte, error) {
	z.encOnce.Do(func() {
		z.enc, z.encErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
			zstd.WithEncoderConcurrency(1))
	})
	if z.encErr != nil {
		return nil, z.encErr
	}
	out := z.enc.EncodeAll(src, nil)
	if len(out) >= len(src) {
		return nil, nil
	}
	return out, nil
}

func (z *zstdCompressor) decompress(src []byte, max int) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, make([]byte, 0, max))
	if err != nil {
		return nil, err
	}
	if len(out) > max {
		return nil, fmt.Errorf("zstd block exceeds %d bytes", max)
	}
	return out, nil
}

func (*zstdCompressor) options() []byte { return nil }

// lz4Compressor uses the LZ4 block format. SquashFS requires the
// compression options (version 1, "legacy", no flags) to be present.
type lz4Compressor struct{}

func (lz4Compressor) compress(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 || n >= len(src) {
		return nil, nil
	}
	return dst[:n], nil
}

func (lz4Compressor) decompress(src []byte, max int) ([]byte, error) {
	dst := make([]byte, max)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

func (lz4Compressor) options() []byte {
	var opts [8]byte
	binary.LittleEndian.PutUint32(opts[0:], 1) // LZ4_LEGACY
	binary.LittleEndian.PutUint32(opts[4:], 0)
	return opts[:]
}

func readAtMost(r io.Reader, max int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, max))
	n, err := io.Copy(buf, io.LimitReader(r, int64(max)+1))
	if err != nil {
		return nil, err
	}
	if n > int64(max) {
		return nil, fmt.Errorf("block exceeds %d bytes", max)
	}
	return buf.Bytes(), nil
}
