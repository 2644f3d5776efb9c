// Package wire encodes CAN frames onto the relay byte stream.
//
// Layout per frame, big-endian:
//
//	offset 0,  8 bytes: float64 timestamp (seconds)
//	offset 8,  4 bytes: int32   arbitration id
//	offset 12, 4 bytes: int32   length (0..8)
//	offset 16, N bytes: payload (N = length)
//
// There is no delimiter; a reader consumes exactly HeaderLen+N bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/danmuck/canrelay/internal/can"
)

const (
	HeaderLen     = 16
	MaxPayloadLen = can.MaxDataLen
	MaxFrameLen   = HeaderLen + MaxPayloadLen
)

var (
	ErrShortHeader      = errors.New("wire: short frame header")
	ErrShortPayload     = errors.New("wire: short frame payload")
	ErrLengthOutOfRange = errors.New("wire: length out of range")
)

// Header is the fixed part of one wire frame.
type Header struct {
	Timestamp     float64
	ArbitrationID int32
	Length        int32
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint64(buf[0:8], math.Float64bits(h.Timestamp))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.ArbitrationID))
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.Length))
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("wire: invalid header length: %d", len(b))
	}
	return Header{
		Timestamp:     math.Float64frombits(binary.BigEndian.Uint64(b[0:8])),
		ArbitrationID: int32(binary.BigEndian.Uint32(b[8:12])),
		Length:        int32(binary.BigEndian.Uint32(b[12:16])),
	}, nil
}

// AppendFrame appends the wire encoding of f to dst.
// Frames with a length above MaxPayloadLen are rejected, never truncated.
func AppendFrame(dst []byte, f can.Frame) ([]byte, error) {
	if f.Length > MaxPayloadLen {
		return dst, fmt.Errorf("%w: %d", ErrLengthOutOfRange, f.Length)
	}
	n := len(dst)
	dst = append(dst, make([]byte, HeaderLen)...)
	putHeader(dst[n:n+HeaderLen], Header{
		Timestamp:     f.Timestamp,
		ArbitrationID: int32(f.ArbitrationID),
		Length:        int32(f.Length),
	})
	return append(dst, f.Payload()...), nil
}

func EncodeFrame(f can.Frame) ([]byte, error) {
	return AppendFrame(make([]byte, 0, MaxFrameLen), f)
}

func WriteFrame(w io.Writer, f can.Frame) error {
	var scratch [MaxFrameLen]byte
	buf, err := AppendFrame(scratch[:0], f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func ReadFrame(r io.Reader) (can.Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return can.Frame{}, ErrShortHeader
		}
		// a clean io.EOF between frames is passed through unchanged
		return can.Frame{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return can.Frame{}, err
	}
	if h.Length < 0 || h.Length > MaxPayloadLen {
		return can.Frame{}, fmt.Errorf("%w: %d", ErrLengthOutOfRange, h.Length)
	}

	f := can.Frame{
		Timestamp:     h.Timestamp,
		ArbitrationID: uint32(h.ArbitrationID),
		Length:        uint8(h.Length),
	}
	f.Extended = f.ArbitrationID > can.MaxStandardID
	if h.Length > 0 {
		if _, err := io.ReadFull(r, f.Data[:h.Length]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return can.Frame{}, ErrShortPayload
			}
			return can.Frame{}, err
		}
	}
	return f, nil
}
