// Package wasm validates and inspects contract artifacts before deploy.
package wasm

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/kilnworks/kiln/errors"
)

// Module header layout per the WebAssembly binary format.
var (
	magic   = []byte{0x00, 0x61, 0x73, 0x6D} // "\0asm"
	version = []byte{0x01, 0x00, 0x00, 0x00}
)

const (
	headerSize = 8
	// Section ids run 0 (custom) through 11 (data count).
	maxSectionID = 11
	// A real module shows a section marker this early or it is not a module.
	sectionScanWindow = 100
)

// Info summarizes a validated module for structured logs.
type Info struct {
	Size    int
	Magic   string
	Version uint32
}

// Validate applies the artifact checks performed before any deploy: minimum
// length, magic, version, and the presence of at least one section marker
// near the start. Rejections carry ErrInvalidWasm.
func Validate(raw []byte) (*Info, error) {
	if len(raw) < headerSize {
		return nil, invalid("artifact too short: %d bytes", len(raw))
	}

	if !bytes.Equal(raw[0:4], magic) {
		return nil, invalid("bad magic bytes: %s", hex.EncodeToString(raw[0:4]))
	}

	if !bytes.Equal(raw[4:8], version) {
		return nil, invalid("unsupported version bytes: %s", hex.EncodeToString(raw[4:8]))
	}

	// Scan past the header; the header bytes themselves would trivially
	// satisfy the marker range.
	window := len(raw)
	if window > sectionScanWindow {
		window = sectionScanWindow
	}
	found := false
	for _, b := range raw[headerSize:window] {
		if b <= maxSectionID {
			found = true
			break
		}
	}
	if !found {
		return nil, invalid("no section marker in the first %d bytes", sectionScanWindow)
	}

	return &Info{
		Size:    len(raw),
		Magic:   hex.EncodeToString(raw[0:4]),
		Version: binary.LittleEndian.Uint32(raw[4:8]),
	}, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf("invalid wasm: "+format, args...), errors.ErrInvalidWasm)
}
