package common

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func makeCOFFObject(t *testing.T, dir string, machine uint16, stamp uint32) string {
	t.Helper()
	var header [20]byte
	binary.LittleEndian.PutUint16(header[0:2], machine)
	binary.LittleEndian.PutUint16(header[2:4], 1) // NumberOfSections
	binary.LittleEndian.PutUint32(header[4:8], stamp)
	path := filepath.Join(dir, "out.obj")
	if err := os.WriteFile(path, header[:], 0644); err != nil {
		t.Fatalf("writing fake COFF object: %v", err)
	}
	return path
}

func TestRewriteCOFFTimestampKnownMachine(t *testing.T) {
	dir := t.TempDir()
	path := makeCOFFObject(t, dir, 0x8664, 111)

	if err := RewriteCOFFTimestamp(path, 999); err != nil {
		t.Fatalf("RewriteCOFFTimestamp: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if got := binary.LittleEndian.Uint32(contents[4:8]); got != 999 {
		t.Fatalf("TimeDateStamp = %d, want 999", got)
	}
	// Machine/NumberOfSections must be untouched.
	if got := binary.LittleEndian.Uint16(contents[0:2]); got != 0x8664 {
		t.Fatalf("Machine field was clobbered: %#x", got)
	}
}

func TestRewriteCOFFTimestampUnknownMachineLeftAlone(t *testing.T) {
	dir := t.TempDir()
	path := makeCOFFObject(t, dir, 0xBEEF, 111)

	if err := RewriteCOFFTimestamp(path, 999); err != nil {
		t.Fatalf("RewriteCOFFTimestamp: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if got := binary.LittleEndian.Uint32(contents[4:8]); got != 111 {
		t.Fatalf("TimeDateStamp changed for unrecognized machine: got %d, want unchanged 111", got)
	}
}

func TestRewriteCOFFTimestampTooSmallFileIsIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiny.obj")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0644); err != nil {
		t.Fatalf("writing tiny file: %v", err)
	}

	if err := RewriteCOFFTimestamp(path, 999); err != nil {
		t.Fatalf("RewriteCOFFTimestamp on too-small file should be a no-op, got error: %v", err)
	}
}
