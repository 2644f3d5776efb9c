// Package can defines the CAN frame captured from or sent to a bus.
package can

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	MaxDataLen = 8

	MaxStandardID uint32 = 0x7FF
	MaxExtendedID uint32 = 0x1FFFFFFF
)

var (
	ErrInvalidLength = errors.New("can: data length out of range")
	ErrInvalidID     = errors.New("can: arbitration id out of range")
)

// Frame is one CAN message at the moment of capture.
type Frame struct {
	Timestamp     float64 // seconds
	ArbitrationID uint32
	Length        uint8
	Data          [MaxDataLen]byte
	Extended      bool
}

// NewFrame builds a frame from a payload of at most eight bytes.
func NewFrame(ts float64, id uint32, payload []byte) (Frame, error) {
	if len(payload) > MaxDataLen {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidLength, len(payload))
	}
	f := Frame{
		Timestamp:     ts,
		ArbitrationID: id,
		Length:        uint8(len(payload)),
		Extended:      id > MaxStandardID,
	}
	copy(f.Data[:], payload)
	return f, nil
}

// Payload returns the valid data bytes.
func (f Frame) Payload() []byte {
	n := int(f.Length)
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}

func (f Frame) Validate() error {
	if f.Length > MaxDataLen {
		return fmt.Errorf("%w: %d", ErrInvalidLength, f.Length)
	}
	limit := MaxStandardID
	if f.Extended {
		limit = MaxExtendedID
	}
	if f.ArbitrationID > limit {
		return fmt.Errorf("%w: 0x%X", ErrInvalidID, f.ArbitrationID)
	}
	return nil
}

// Time converts the capture timestamp to a time.Time.
func (f Frame) Time() time.Time {
	sec := int64(f.Timestamp)
	nsec := int64((f.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// String renders the frame in candump notation, e.g. "123#010203".
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ArbitrationID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ArbitrationID)
	}
	b.WriteByte('#')
	b.WriteString(strings.ToUpper(hex.EncodeToString(f.Payload())))
	return b.String()
}

// Seconds converts a wall clock time to the float timestamp used on frames.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
