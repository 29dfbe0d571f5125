// Package mediastream implements the UDP Media-Stream Server & Client
// Cores (spec §4.6, §4.7) and their wire format (spec §6), grounded on the
// teacher's listenUDP loop and bagechashu-udp-quality-exporter's
// seq/timestamp datagram header and per-client loss accounting.
package mediastream

import (
	"encoding/binary"
	"errors"
)

// headerLen is the fixed prefix of a data datagram: sequence(8) +
// sender_qpc(8) + sender_qpf(8) + flags(4), all little-endian per spec §6.
const headerLen = 8 + 8 + 8 + 4

// resendSentinel marks a resend-request datagram: its first 8 bytes equal
// this value where a data datagram would carry a sequence number, which
// spec §6 states is how the server tells the two apart ("the server
// distinguishes request from data by the sentinel").
const resendSentinel = ^uint64(0)

// FrameHeader is the small typed header every data datagram carries.
type FrameHeader struct {
	Sequence  uint64
	SenderQPC uint64
	SenderQPF uint64
	Flags     uint32
}

// ErrShortDatagram is returned when a received datagram is too small to
// contain even a header.
var ErrShortDatagram = errors.New("mediastream: datagram shorter than header")

// EncodeDataDatagram serializes header + payload into a new wire-form
// buffer.
func EncodeDataDatagram(h FrameHeader, payload []byte) []byte {
	out := make([]byte, headerLen+len(payload))
	binary.LittleEndian.PutUint64(out[0:8], h.Sequence)
	binary.LittleEndian.PutUint64(out[8:16], h.SenderQPC)
	binary.LittleEndian.PutUint64(out[16:24], h.SenderQPF)
	binary.LittleEndian.PutUint32(out[24:28], h.Flags)
	copy(out[headerLen:], payload)
	return out
}

// DecodeDatagram distinguishes a data datagram from a resend-request
// datagram and decodes accordingly.
func DecodeDatagram(buf []byte) (isResendRequest bool, header FrameHeader, payload []byte, resendLow, resendHigh uint64, err error) {
	if len(buf) < 8 {
		return false, FrameHeader{}, nil, 0, 0, ErrShortDatagram
	}
	first := binary.LittleEndian.Uint64(buf[0:8])
	if first == resendSentinel {
		if len(buf) < 24 {
			return false, FrameHeader{}, nil, 0, 0, ErrShortDatagram
		}
		low := binary.LittleEndian.Uint64(buf[8:16])
		high := binary.LittleEndian.Uint64(buf[16:24])
		return true, FrameHeader{}, nil, low, high, nil
	}

	if len(buf) < headerLen {
		return false, FrameHeader{}, nil, 0, 0, ErrShortDatagram
	}
	h := FrameHeader{
		Sequence:  first,
		SenderQPC: binary.LittleEndian.Uint64(buf[8:16]),
		SenderQPF: binary.LittleEndian.Uint64(buf[16:24]),
		Flags:     binary.LittleEndian.Uint32(buf[24:28]),
	}
	return false, h, buf[headerLen:], 0, 0, nil
}

// EncodeResendRequest serializes a resend-request datagram for the
// inclusive sequence range [low, high].
func EncodeResendRequest(low, high uint64) []byte {
	out := make([]byte, 24)
	binary.LittleEndian.PutUint64(out[0:8], resendSentinel)
	binary.LittleEndian.PutUint64(out[8:16], low)
	binary.LittleEndian.PutUint64(out[16:24], high)
	return out
}
