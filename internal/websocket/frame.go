package websocket

import (
	"encoding/binary"
)

// Opcode identifies an RFC 6455 frame type.
type Opcode byte

const (
	OpcodeContinuation Opcode = 0x00
	OpcodeText         Opcode = 0x01
	OpcodeBinary       Opcode = 0x02
	OpcodeClose        Opcode = 0x08
	OpcodePing         Opcode = 0x09
	OpcodePong         Opcode = 0x0a
)

// MaxPayloadLength is the largest inbound frame payload the server accepts.
const MaxPayloadLength = 16 << 20 // 16 MiB

// frameHeader holds the fields of the two fixed header bytes of a frame.
type frameHeader struct {
	final    bool
	reserved byte
	opcode   Opcode
	masked   bool
	length7  uint64
}

// parseFrameHeader decodes the two fixed header bytes of a frame.
func parseFrameHeader(b0, b1 byte) frameHeader {
	return frameHeader{
		final:    (b0>>7)&0x01 == 1,
		reserved: (b0 >> 4) & 0x07,
		opcode:   Opcode(b0 & 0x0f),
		masked:   (b1>>7)&0x01 == 1,
		length7:  uint64(b1 & 0x7f),
	}
}

// unmask XORs the payload with the masking key, in place. The key bytes are
// applied in the order they arrived on the wire.
func unmask(payload []byte, key [4]byte) {
	for i := range payload {
		payload[i] ^= key[i%4]
	}
}

// appendFrame encodes a single unmasked frame with FIN set. The server never
// fragments outgoing frames.
func appendFrame(dst []byte, opcode Opcode, payload []byte) []byte {
	dst = append(dst, 0x80|byte(opcode&0x0f))

	length := len(payload)
	switch {
	case length <= 125:
		dst = append(dst, byte(length))
	case length <= 0xffff:
		dst = append(dst, 126)
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(length))
		dst = append(dst, ext...)
	default:
		dst = append(dst, 127)
		ext := make([]byte, 8)
		binary.BigEndian.PutUint64(ext, uint64(length))
		dst = append(dst, ext...)
	}

	return append(dst, payload...)
}
