// Package frame parses the framed packet stream relayed by the capture
// firmware.
//
// Every frame is a 16-byte little-endian header followed by the captured
// Ethernet packet:
//
//	0      8        12          14    16
//	| TTS  | PkBytes | PkBadCount | Seq | payload (PkBytes) ...
//
// TTS is the hardware tick at capture time, Seq a 16-bit debug sequence
// number used for loss detection.
package frame

import (
	"encoding/binary"

	"firestige.xyz/pcap4mcast/internal/core"
)

// HeaderSize is the wire size of a frame header.
const HeaderSize = 16

// Header is a decoded frame header.
type Header struct {
	TTS        uint64
	PkBytes    uint32
	PkBadCount uint16
	Seq        uint16
}

// DecodeHeader decodes the first HeaderSize bytes of b.
func DecodeHeader(b []byte) Header {
	_ = b[HeaderSize-1]
	return Header{
		TTS:        binary.LittleEndian.Uint64(b[0:8]),
		PkBytes:    binary.LittleEndian.Uint32(b[8:12]),
		PkBadCount: binary.LittleEndian.Uint16(b[12:14]),
		Seq:        binary.LittleEndian.Uint16(b[14:16]),
	}
}

// Valid reports whether the declared payload size is within
// [core.MinPacketSize, core.MaxPacketSize).
func (h Header) Valid() bool {
	return h.PkBytes >= core.MinPacketSize && h.PkBytes < core.MaxPacketSize
}

// FrameSize is the number of stream bytes the frame occupies.
func (h Header) FrameSize() int {
	return HeaderSize + int(h.PkBytes)
}

// AppendFrame encodes h followed by payload onto dst. PkBytes is written as
// given, so callers can produce frames whose declared size is wrong.
func AppendFrame(dst []byte, h Header, payload []byte) []byte {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], h.TTS)
	binary.LittleEndian.PutUint32(hdr[8:12], h.PkBytes)
	binary.LittleEndian.PutUint16(hdr[12:14], h.PkBadCount)
	binary.LittleEndian.PutUint16(hdr[14:16], h.Seq)
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}
