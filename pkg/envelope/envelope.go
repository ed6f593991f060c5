// Package envelope defines the binary frame carried through the ring buffer:
// a monotonic capture timestamp, the message type, the ticker, and the raw
// exchange payload. The payload is pass-through bytes; it is never
// re-marshaled between the websocket and NATS.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout:
//
//	[0:8]   capture timestamp, nanoseconds, little endian
//	[8]     message type length (max 255)
//	[...]   message type bytes
//	[+0:+2] ticker length, little endian (max 65535)
//	[...]   ticker bytes
//	[...]   payload bytes to end of frame

var (
	ErrTruncated = errors.New("envelope: truncated frame")
	ErrOversized = errors.New("envelope: field too long")
)

// Envelope is a decoded ring frame. Payload aliases the frame buffer, so copy
// it if it must outlive the frame; Type and Ticker are copied out.
type Envelope struct {
	CapturedAt uint64
	Type       string
	Ticker     string
	Payload    []byte
}

// Overhead is the fixed framing cost excluding the variable fields.
const Overhead = 8 + 1 + 2

// EncodedSize returns the frame size for the given field lengths.
func EncodedSize(msgType, ticker string, payload []byte) int {
	return Overhead + len(msgType) + len(ticker) + len(payload)
}

// Encode appends the frame to dst and returns the extended slice. Callers on
// the hot path reuse dst across messages to stay allocation free.
func Encode(dst []byte, capturedAt uint64, msgType, ticker string, payload []byte) ([]byte, error) {
	if len(msgType) > 255 {
		return dst, fmt.Errorf("%w: message type %d bytes", ErrOversized, len(msgType))
	}
	if len(ticker) > 65535 {
		return dst, fmt.Errorf("%w: ticker %d bytes", ErrOversized, len(ticker))
	}

	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], capturedAt)
	dst = append(dst, hdr[:]...)
	dst = append(dst, byte(len(msgType)))
	dst = append(dst, msgType...)
	var tl [2]byte
	binary.LittleEndian.PutUint16(tl[:], uint16(len(ticker)))
	dst = append(dst, tl[:]...)
	dst = append(dst, ticker...)
	dst = append(dst, payload...)
	return dst, nil
}

// Decode parses a frame produced by Encode.
func Decode(frame []byte) (Envelope, error) {
	var e Envelope
	if len(frame) < Overhead {
		return e, ErrTruncated
	}
	e.CapturedAt = binary.LittleEndian.Uint64(frame[0:8])

	pos := 8
	tn := int(frame[pos])
	pos++
	if pos+tn+2 > len(frame) {
		return e, ErrTruncated
	}
	e.Type = string(frame[pos : pos+tn])
	pos += tn

	kn := int(binary.LittleEndian.Uint16(frame[pos : pos+2]))
	pos += 2
	if pos+kn > len(frame) {
		return e, ErrTruncated
	}
	e.Ticker = string(frame[pos : pos+kn])
	pos += kn

	e.Payload = frame[pos:]
	return e, nil
}
