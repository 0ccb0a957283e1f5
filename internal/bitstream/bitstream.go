// Package bitstream adapts H.264 elementary streams between the avcC
// (length-prefixed NAL) format used inside MP4 and the Annex-B
// (start-code-prefixed NAL) format the V4L2 M2M and software decoders
// expect, per spec.md §4.4.
package bitstream

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// startCode is the four-byte Annex-B NAL start code.
var startCode = [4]byte{0, 0, 0, 1}

// AUDNALType is the NAL unit type for an Access Unit Delimiter.
const AUDNALType = 9

// Config describes how to rewrite packets from a particular stream's avcC
// extradata, derived once at decoder-open time.
type Config struct {
	// LengthSize is the number of bytes in each NAL's length prefix: 1, 2
	// or 4. Zero means the stream is already Annex-B and no rewrite is
	// required.
	LengthSize int

	// AnnexBExtradata is the SPS/PPS records from the original avcC
	// extradata, re-encoded as an Annex-B byte stream, suitable for
	// installing as the decoder's new extradata.
	AnnexBExtradata []byte

	// InsertAUD enables the optional second stage (spec.md §9 Open
	// Questions) that prepends a type-9 Access Unit Delimiter NAL before
	// each access unit. Off by default; some V4L2 M2M kernels need it.
	InsertAUD bool
}

// ParseExtradata inspects a codec extradata blob and returns the Config
// needed to rewrite packets for this stream. If extradata is already
// Annex-B (or empty), LengthSize is 0 and AnnexBExtradata is the input
// unchanged.
func ParseExtradata(extradata []byte) (Config, error) {
	if len(extradata) == 0 {
		return Config{}, nil
	}
	if isAnnexB(extradata) {
		return Config{AnnexBExtradata: extradata}, nil
	}
	if extradata[0] != 0x01 {
		return Config{}, fmt.Errorf("bitstream: unrecognized extradata format (first byte 0x%02x)", extradata[0])
	}
	return parseAVCC(extradata)
}

// isAnnexB reports whether b begins with a 3- or 4-byte Annex-B start
// code.
func isAnnexB(b []byte) bool {
	if bytes.HasPrefix(b, startCode[:]) {
		return true
	}
	if len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1 {
		return true
	}
	return false
}

// parseAVCC decodes an avcC (ISO 14496-15) extradata record: a version
// byte, profile/compat/level, a byte whose low two bits are
// lengthSizeMinusOne, then the SPS and PPS record lists. It rebuilds the
// SPS/PPS as an Annex-B byte stream.
func parseAVCC(b []byte) (Config, error) {
	if len(b) < 6 {
		return Config{}, fmt.Errorf("bitstream: avcC extradata too short (%d bytes)", len(b))
	}
	lengthSize := int(b[4]&0x03) + 1
	if lengthSize != 1 && lengthSize != 2 && lengthSize != 4 {
		return Config{}, fmt.Errorf("bitstream: invalid avcC length size %d", lengthSize)
	}

	var out bytes.Buffer
	pos := 5

	numSPS := int(b[pos] & 0x1f)
	pos++
	for i := 0; i < numSPS; i++ {
		nal, next, err := readAVCCRecord(b, pos)
		if err != nil {
			return Config{}, fmt.Errorf("bitstream: reading SPS %d: %w", i, err)
		}
		out.Write(startCode[:])
		out.Write(nal)
		pos = next
	}

	if pos >= len(b) {
		return Config{}, fmt.Errorf("bitstream: avcC truncated before PPS count")
	}
	numPPS := int(b[pos])
	pos++
	for i := 0; i < numPPS; i++ {
		nal, next, err := readAVCCRecord(b, pos)
		if err != nil {
			return Config{}, fmt.Errorf("bitstream: reading PPS %d: %w", i, err)
		}
		out.Write(startCode[:])
		out.Write(nal)
		pos = next
	}

	return Config{LengthSize: lengthSize, AnnexBExtradata: out.Bytes()}, nil
}

// readAVCCRecord reads one 2-byte-length-prefixed NAL record from b
// starting at pos, returning the NAL payload and the offset just past it.
func readAVCCRecord(b []byte, pos int) (nal []byte, next int, err error) {
	if pos+2 > len(b) {
		return nil, 0, fmt.Errorf("truncated record length at offset %d", pos)
	}
	n := int(binary.BigEndian.Uint16(b[pos : pos+2]))
	pos += 2
	if pos+n > len(b) {
		return nil, 0, fmt.Errorf("truncated record payload at offset %d (need %d bytes)", pos, n)
	}
	return b[pos : pos+n], pos + n, nil
}

// RewritePacket rewrites packet in place, replacing each leading
// big-endian length-prefix with the Annex-B start code. When cfg.LengthSize
// is 4 this is a pure byte-for-byte substitution (both are 4 bytes) and
// packet is modified without reallocation. For LengthSize 1 or 2 the
// rewritten stream is longer than the input (the start code is always 4
// bytes), so RewritePacket returns a newly allocated slice and leaves
// packet unchanged. A packet whose length prefixes do not partition it
// exactly yields an error.
//
// If the stream is already Annex-B (cfg.LengthSize == 0), packet is
// returned unchanged.
func RewritePacket(cfg Config, packet []byte) ([]byte, error) {
	if cfg.LengthSize == 0 {
		return packet, nil
	}
	if cfg.LengthSize == 4 {
		return rewriteInPlace4(packet)
	}
	return rewriteGrowing(cfg.LengthSize, packet)
}

// rewriteInPlace4 handles the common case (4-byte length prefixes): the
// start code and the length prefix are both 4 bytes, so every NAL boundary
// is overwritten without changing the total packet length.
func rewriteInPlace4(packet []byte) ([]byte, error) {
	pos := 0
	for pos+4 <= len(packet) {
		n := int(binary.BigEndian.Uint32(packet[pos : pos+4]))
		copy(packet[pos:pos+4], startCode[:])
		pos += 4 + n
	}
	if pos != len(packet) {
		return nil, fmt.Errorf("bitstream: malformed packet, length prefixes do not partition the buffer exactly (stopped at %d of %d)", pos, len(packet))
	}
	return packet, nil
}

// rewriteGrowing handles 1- and 2-byte length prefixes, which lengthen the
// packet (the start code is always 4 bytes), by building the result in a
// fresh buffer with a little headroom that append grows as needed.
func rewriteGrowing(lengthSize int, packet []byte) ([]byte, error) {
	out := make([]byte, 0, len(packet)+4*8) // headroom for a handful of NALs
	pos := 0
	for pos+lengthSize <= len(packet) {
		n := readLength(packet[pos:pos+lengthSize], lengthSize)
		pos += lengthSize
		if pos+n > len(packet) {
			return nil, fmt.Errorf("bitstream: malformed packet, NAL length %d exceeds remaining %d bytes", n, len(packet)-pos)
		}
		out = append(out, startCode[:]...)
		out = append(out, packet[pos:pos+n]...)
		pos += n
	}
	if pos != len(packet) {
		return nil, fmt.Errorf("bitstream: malformed packet, length prefixes do not partition the buffer exactly (stopped at %d of %d)", pos, len(packet))
	}
	return out, nil
}

func readLength(b []byte, size int) int {
	switch size {
	case 1:
		return int(b[0])
	case 2:
		return int(binary.BigEndian.Uint16(b))
	default:
		return int(binary.BigEndian.Uint32(b))
	}
}

// InsertAUD prepends a type-9 Access Unit Delimiter NAL (primary_pic_type
// = 7, "any slice type may follow") before an already-Annex-B access unit.
func InsertAUD(accessUnit []byte) []byte {
	aud := append(append([]byte{}, startCode[:]...), 0x09, 0xF0)
	return append(aud, accessUnit...)
}

// SplitAnnexBNALs walks an Annex-B byte stream and returns the payload
// (excluding start code) of each NAL unit it contains, in order. Used by
// tests to verify round-trip fidelity against the original avcC payloads.
func SplitAnnexBNALs(stream []byte) [][]byte {
	var nals [][]byte
	starts := findStartCodes(stream)
	for i, s := range starts {
		end := len(stream)
		if i+1 < len(starts) {
			end = starts[i+1].offset
		}
		nals = append(nals, stream[s.offset+s.length:end])
	}
	return nals
}

type startCodeMatch struct {
	offset int
	length int
}

func findStartCodes(b []byte) []startCodeMatch {
	var out []startCodeMatch
	for i := 0; i+3 <= len(b); {
		if b[i] != 0 || b[i+1] != 0 || b[i+2] != 1 {
			i++
			continue
		}
		length := 3
		offset := i
		if offset > 0 && b[offset-1] == 0 {
			offset--
			length = 4
		}
		out = append(out, startCodeMatch{offset: offset, length: length})
		i += 3
	}
	return out
}
