package common

import (
	"encoding/binary"
	"fmt"
	"os"
)

// knownCOFFMachines are the IMAGE_FILE_HEADER.Machine values this module
// recognizes before touching a file's bytes — cl.exe's i386/x64/ARM/ARM64
// object-file targets. An unrecognized value means "not a plain COFF object"
// and RewriteCOFFTimestamp leaves the file untouched.
var knownCOFFMachines = map[uint16]bool{
	0x014c: true, // IMAGE_FILE_MACHINE_I386
	0x8664: true, // IMAGE_FILE_MACHINE_AMD64
	0x01c0: true, // IMAGE_FILE_MACHINE_ARM
	0xaa64: true, // IMAGE_FILE_MACHINE_ARM64
}

// RewriteCOFFTimestamp overwrites the TimeDateStamp field of a plain COFF
// object file's IMAGE_FILE_HEADER with the current time — some Windows
// linkers refuse to relink an object whose embedded build timestamp looks
// stale or out of order relative to a prior remote compile's wall-clock
// skew.
//
// A plain COFF object (as opposed to a PE image) starts directly with
// IMAGE_FILE_HEADER: Machine(u16) NumberOfSections(u16) TimeDateStamp(u32) ...
// at byte offsets 0, 2, 4. Any file too short, or whose Machine field isn't
// a known COFF machine type, is left untouched rather than guessed at.
func RewriteCOFFTimestamp(path string, now uint32) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("rewriting COFF timestamp: %w", err)
	}
	defer f.Close()

	var header [8]byte
	n, err := f.ReadAt(header[:], 0)
	if err != nil || n < len(header) {
		// Too small to be a COFF object header; nothing to rewrite.
		return nil
	}

	machine := binary.LittleEndian.Uint16(header[0:2])
	if !knownCOFFMachines[machine] {
		return nil
	}

	var stampBuf [4]byte
	binary.LittleEndian.PutUint32(stampBuf[:], now)
	_, err = f.WriteAt(stampBuf[:], 4)
	return err
}
