package ingest

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

func sample() []byte {
	return bytes.Repeat([]byte("OggS\x00\x02sample-page-bytes"), 500)
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestCompressionFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want Compression
	}{
		{"track.ogg", CompressionNone},
		{"track.ogg.zst", CompressionZstd},
		{"TRACK.OGG.ZSTD", CompressionZstd},
		{"live/radio.lz4", CompressionLZ4},
		{"camera1", CompressionNone},
	}
	for _, tc := range tests {
		if got := CompressionFor(tc.name); got != tc.want {
			t.Errorf("CompressionFor(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestOpenPlainFileIsSeekable(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "plain.ogg", sample())
	src, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if src.Compression != CompressionNone {
		t.Errorf("Compression = %v", src.Compression)
	}
	if pos, err := src.Seek(0, io.SeekCurrent); err != nil || pos != 0 {
		t.Fatalf("Seek = %d, %v", pos, err)
	}
	got, err := io.ReadAll(src)
	if err != nil || !bytes.Equal(got, sample()) {
		t.Fatalf("ReadAll: %d bytes, %v", len(got), err)
	}
}

func TestOpenZstd(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write(sample()); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}

	src, err := Open(writeFile(t, "in.ogg.zst", buf.Bytes()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if _, err := src.Seek(0, io.SeekCurrent); err == nil {
		t.Error("compressed source reported seekable")
	}
	got, err := io.ReadAll(src)
	if err != nil || !bytes.Equal(got, sample()) {
		t.Fatalf("ReadAll: %d bytes, %v", len(got), err)
	}
}

func TestOpenLZ4(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(sample()); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	src, err := Open(writeFile(t, "in.ogg.lz4", buf.Bytes()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if src.Compression != CompressionLZ4 {
		t.Errorf("Compression = %v", src.Compression)
	}
	got, err := io.ReadAll(src)
	if err != nil || !bytes.Equal(got, sample()) {
		t.Fatalf("ReadAll: %d bytes, %v", len(got), err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Open(filepath.Join(t.TempDir(), "missing.ogg")); err == nil {
		t.Fatal("Open succeeded for a missing file")
	}
}
