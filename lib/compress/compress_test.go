// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"io"
	"testing"
)

func TestRoundTripAllAlgorithms(t *testing.T) {
	content := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 512)

	for _, algorithm := range []Algorithm{None, Zlib, Zstd, LZ4} {
		t.Run(algorithm.String(), func(t *testing.T) {
			compressed, err := Compress(content, algorithm)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if algorithm != None && len(compressed) >= len(content) {
				t.Errorf("compressed size %d not smaller than input %d", len(compressed), len(content))
			}

			decompressed, err := Decompress(compressed, algorithm)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(decompressed, content) {
				t.Error("round trip produced different bytes")
			}
		})
	}
}

func TestNewReaderStreams(t *testing.T) {
	content := bytes.Repeat([]byte("abc123"), 10000)
	compressed, err := Compress(content, Zlib)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	reader, err := NewReader(bytes.NewReader(compressed), Zlib)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()

	// Read in small pieces to exercise the streaming path.
	var out bytes.Buffer
	buffer := make([]byte, 1024)
	for {
		n, err := reader.Read(buffer)
		out.Write(buffer[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if !bytes.Equal(out.Bytes(), content) {
		t.Error("streamed decompression produced different bytes")
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	if _, err := Decompress([]byte("not a zlib stream"), Zlib); err == nil {
		t.Error("Decompress accepted garbage zlib input")
	}
}

func TestParseAlgorithm(t *testing.T) {
	cases := []struct {
		name string
		want Algorithm
	}{
		{"zlib", Zlib},
		{"default", Zlib},
		{"", Zlib},
		{"none", None},
		{"zstd", Zstd},
		{"lz4", LZ4},
	}
	for _, c := range cases {
		got, err := ParseAlgorithm(c.name)
		if err != nil {
			t.Errorf("ParseAlgorithm(%q): %v", c.name, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseAlgorithm(%q) = %v, want %v", c.name, got, c.want)
		}
	}

	if _, err := ParseAlgorithm("brotli"); err == nil {
		t.Error("ParseAlgorithm accepted unknown codec")
	}
}
