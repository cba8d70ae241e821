// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress implements the object compression codecs used by
// repository backends. Objects are compressed once at publication and
// decompressed on every cache miss, so the decode path is the one that
// matters: every codec provides a streaming reader that the fetcher
// places between the HTTP body and the digest-verifying cache writer.
//
// zlib is the classic publication codec and the default. zstd and lz4
// are accepted from newer repositories. "none" passes bytes through
// for pre-compressed content.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a compression codec. The names are wire
// constants recorded in repository manifests.
type Algorithm uint8

const (
	// None passes data through uncompressed.
	None Algorithm = 0

	// Zlib is DEFLATE with a zlib wrapper, the default publication
	// codec.
	Zlib Algorithm = 1

	// Zstd is Zstandard.
	Zstd Algorithm = 2

	// LZ4 is the LZ4 frame format.
	LZ4 Algorithm = 3
)

// String returns the codec name used in manifests and parameters.
func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Zlib:
		return "zlib"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm parses a codec name. The empty string selects zlib,
// matching repositories published before the field existed.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "zlib", "default", "":
		return Zlib, nil
	case "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// zstdDecoder is created once at package initialization. NewReader
// does not use it: every zstd stream gets its own decoder.
var zstdDecoder *zstd.Decoder

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// NewReader wraps r in a streaming decompressor for the algorithm.
// The returned reader must be closed; closing it does not close r.
func NewReader(r io.Reader, algorithm Algorithm) (io.ReadCloser, error) {
	switch algorithm {
	case None:
		return io.NopCloser(r), nil

	case Zlib:
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zlib reader: %w", err)
		}
		return zr, nil

	case Zstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return decoder.IOReadCloser(), nil

	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %d", algorithm)
	}
}

// Decompress decompresses a whole buffer. Used by tests.
func Decompress(data []byte, algorithm Algorithm) ([]byte, error) {
	reader, err := NewReader(bytes.NewReader(data), algorithm)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", algorithm, err)
	}
	return out, nil
}

// Compress compresses a whole buffer. The client never publishes, but
// tests and fixtures need the forward direction to fabricate objects.
func Compress(data []byte, algorithm Algorithm) ([]byte, error) {
	switch algorithm {
	case None:
		return data, nil

	case Zlib:
		var buffer bytes.Buffer
		writer := zlib.NewWriter(&buffer)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("zlib compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("zlib compress: %w", err)
		}
		return buffer.Bytes(), nil

	case Zstd:
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd compress: %w", err)
		}
		defer encoder.Close()
		return encoder.EncodeAll(data, nil), nil

	case LZ4:
		var buffer bytes.Buffer
		writer := lz4.NewWriter(&buffer)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buffer.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %d", algorithm)
	}
}
