package audio

import "encoding/binary"

// StripWAV returns the audio payload of a RIFF WAVE container, or b
// unchanged when b does not start with one. The container is identified by
// "RIFF" at offset 0 and "WAVE" at offset 8; the payload is the contents of
// the first "data" chunk. A declared data length larger than the available
// bytes is clamped, which covers streaming bodies that write the header
// before the full payload length is known. Malformed chunk lists are
// returned unchanged.
func StripWAV(b []byte) []byte {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return b
	}
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if id == "data" {
			end := body + size
			if end > len(b) || end < body {
				end = len(b)
			}
			return b[body:end]
		}
		// Chunks are word aligned.
		off = body + size + (size & 1)
		if off <= body {
			return b
		}
	}
	return b
}
