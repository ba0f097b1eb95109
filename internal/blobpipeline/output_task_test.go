package blobpipeline

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestDownloadOutputWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "a.o")
	data := []byte("object file bytes")

	if err := DownloadOutput(bytes.NewReader(data), out, int64(len(data))); err != nil {
		t.Fatalf("DownloadOutput: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("expected %q, got %q", data, got)
	}
}

func TestDownloadOutputRejectsSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "a.o")
	data := []byte("short")

	err := DownloadOutput(bytes.NewReader(data), out, 999)
	if err == nil {
		t.Fatal("expected a size-mismatch error")
	}
	if _, statErr := os.Stat(out); statErr == nil {
		t.Fatal("expected no output file left behind on a failed download")
	}
}
