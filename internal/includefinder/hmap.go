package includefinder

import (
	"encoding/binary"
	"fmt"
	"os"
)

// HeaderMap is a parsed .hmap file: a hash map from include-spelling strings
// to (prefix, suffix) pairs that concatenate into a resolved path. Clang's
// -I dir.hmap mechanism uses these instead of a real directory when a build
// system (Xcode, some CMake generators) precomputes include resolution.
//
// Layout follows the documented Apple header-map binary format: a 24-byte
// header, NumBuckets buckets of 3 uint32 each (key/prefix/suffix offsets
// into the string pool, 0 meaning empty), then the string pool.
type HeaderMap struct {
	entries map[string]string
}

const (
	hmapMagicBE = 0x68706d61 // "hpma" (big-endian byte order marker)
	hmapMagicLE = 0x616d7068 // the same "hpma" bytes read as a little-endian uint32
)

type hmapHeader struct {
	Magic      uint32
	Version    uint16
	Reserved   uint16
	StrOffset  uint32
	NumEntries uint32
	NumBuckets uint32
	MaxValLen  uint32
}

// LoadHeaderMap reads and parses path.
func LoadHeaderMap(path string) (*HeaderMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseHeaderMap(data)
}

func parseHeaderMap(data []byte) (*HeaderMap, error) {
	if len(data) < 24 {
		return nil, fmt.Errorf("header map too short: %d bytes", len(data))
	}

	var order binary.ByteOrder = binary.LittleEndian
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic == hmapMagicBE {
		order = binary.BigEndian
	} else if magic != hmapMagicLE && binary.BigEndian.Uint32(data[0:4]) != hmapMagicLE {
		return nil, fmt.Errorf("not a header map (bad magic %#x)", magic)
	}

	h := hmapHeader{
		Magic:      order.Uint32(data[0:4]),
		Version:    order.Uint16(data[4:6]),
		Reserved:   order.Uint16(data[6:8]),
		StrOffset:  order.Uint32(data[8:12]),
		NumEntries: order.Uint32(data[12:16]),
		NumBuckets: order.Uint32(data[16:20]),
		MaxValLen:  order.Uint32(data[20:24]),
	}

	hm := &HeaderMap{entries: make(map[string]string, h.NumEntries)}
	bucketsStart := 24
	readStr := func(off uint32) string {
		pos := int(h.StrOffset) + int(off)
		if pos < 0 || pos >= len(data) {
			return ""
		}
		end := pos
		for end < len(data) && data[end] != 0 {
			end++
		}
		return string(data[pos:end])
	}

	for i := uint32(0); i < h.NumBuckets; i++ {
		off := bucketsStart + int(i)*12
		if off+12 > len(data) {
			break
		}
		keyOff := order.Uint32(data[off : off+4])
		prefixOff := order.Uint32(data[off+4 : off+8])
		suffixOff := order.Uint32(data[off+8 : off+12])
		if keyOff == 0 {
			continue // empty bucket
		}
		key := readStr(keyOff - 1)
		prefix := readStr(prefixOff - 1)
		suffix := readStr(suffixOff - 1)
		if key != "" {
			hm.entries[key] = prefix + suffix
		}
	}
	return hm, nil
}

// Lookup returns the resolved path for an include spelling, if present.
func (hm *HeaderMap) Lookup(spelling string) (string, bool) {
	p, ok := hm.entries[spelling]
	return p, ok
}
