// Package compression wraps the stream codecs used for report downloads and
// destination files.
//
// Algorithms are selected by name in configuration. Readers can also detect
// the codec from a payload's magic bytes, since report hosts do not always
// set Content-Encoding.
package compression

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents framed snappy compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// S2 represents s2 compression (Snappy compatible)
	S2 Algorithm = "s2"
)

// Level trades speed for ratio.
type Level int

const (
	// Fastest prioritizes speed over compression ratio.
	Fastest Level = 1
	// Default balances speed and compression.
	Default Level = 5
	// Best maximizes compression ratio.
	Best Level = 9
)

// Parse returns the algorithm named s; "" means None.
func Parse(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return None, nil
	case None, Gzip, Snappy, LZ4, Zstd, S2:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", s)
	}
}

// Extension returns the file suffix for a, including the dot.
func (a Algorithm) Extension() string {
	switch a {
	case Gzip:
		return ".gz"
	case Snappy:
		return ".sz"
	case LZ4:
		return ".lz4"
	case Zstd:
		return ".zst"
	case S2:
		return ".s2"
	default:
		return ""
	}
}

var magics = []struct {
	alg    Algorithm
	prefix []byte
}{
	{Gzip, []byte{0x1f, 0x8b}},
	{Zstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{LZ4, []byte{0x04, 0x22, 0x4d, 0x18}},
	{S2, []byte("\xff\x06\x00\x00S2sTwO")},
	{Snappy, []byte("\xff\x06\x00\x00sNaPpY")},
}

// Detect identifies the codec from the first bytes of data.
func Detect(data []byte) Algorithm {
	for _, m := range magics {
		if bytes.HasPrefix(data, m.prefix) {
			return m.alg
		}
	}
	return None
}

// NewWriter wraps w with an encoder. Closing the writer flushes the codec
// but does not close w.
func NewWriter(alg Algorithm, w io.Writer, level Level) (io.WriteCloser, error) {
	switch alg {
	case None, "":
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriterLevel(w, gzipLevel(level))
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case LZ4:
		zw := lz4.NewWriter(w)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
			return nil, err
		}
		return zw, nil
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstdLevel(level)))
	case S2:
		opts := []s2.WriterOption{}
		if level >= Best {
			opts = append(opts, s2.WriterBestCompression())
		} else if level > Default {
			opts = append(opts, s2.WriterBetterCompression())
		}
		return s2.NewWriter(w, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
}

// NewReader wraps r with a decoder for alg.
func NewReader(alg Algorithm, r io.Reader) (io.ReadCloser, error) {
	switch alg {
	case None, "":
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case Zstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case S2:
		return io.NopCloser(s2.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
}

// NewDetectingReader peeks at r and decodes it with the detected codec.
func NewDetectingReader(r io.Reader) (io.ReadCloser, Algorithm, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(10)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, None, err
	}
	alg := Detect(head)
	rc, err := NewReader(alg, br)
	return rc, alg, err
}

// Decompress decodes data with the codec its magic bytes announce. Data
// without a known header is returned unchanged.
func Decompress(data []byte) ([]byte, error) {
	alg := Detect(data)
	if alg == None {
		return data, nil
	}
	rc, err := NewReader(alg, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Compress encodes data in memory.
func Compress(alg Algorithm, data []byte, level Level) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriter(alg, &buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipLevel(l Level) int {
	switch {
	case l <= 0:
		return gzip.DefaultCompression
	case l > 9:
		return gzip.BestCompression
	default:
		return int(l)
	}
}

func lz4Level(l Level) lz4.CompressionLevel {
	switch {
	case l >= Best:
		return lz4.Level9
	case l > Default:
		return lz4.Level5
	default:
		return lz4.Fast
	}
}

func zstdLevel(l Level) zstd.EncoderLevel {
	switch {
	case l >= Best:
		return zstd.SpeedBestCompression
	case l > Default:
		return zstd.SpeedBetterCompression
	case l == Fastest:
		return zstd.SpeedFastest
	default:
		return zstd.SpeedDefault
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
