package bus

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/canrelay/internal/can"
)

var ErrNotCandump = errors.New("bus: not a candump line")

// ParseCandumpLine parses one line of `candump -l` output:
//
//	(1700000000.123456) can0 123#0102030405
//
// The timestamp and interface are optional. Identifiers written with more
// than three hex digits are extended.
func ParseCandumpLine(line string) (can.Frame, error) {
	line = strings.TrimSpace(line)
	idxHash := strings.Index(line, "#")
	if idxHash == -1 {
		return can.Frame{}, ErrNotCandump
	}

	var ts float64
	idPart := strings.TrimSpace(line[:idxHash])
	if strings.HasPrefix(idPart, "(") {
		end := strings.Index(idPart, ")")
		if end == -1 {
			return can.Frame{}, fmt.Errorf("%w: unterminated timestamp", ErrNotCandump)
		}
		v, err := strconv.ParseFloat(idPart[1:end], 64)
		if err != nil {
			return can.Frame{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = v
		idPart = strings.TrimSpace(idPart[end+1:])
	}
	// drop the interface name (can0, vcan0, ...)
	if idx := strings.LastIndex(idPart, " "); idx != -1 {
		idPart = idPart[idx+1:]
	}
	if idPart == "" {
		return can.Frame{}, fmt.Errorf("%w: missing id", ErrNotCandump)
	}

	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("parse id %q: %w", idPart, err)
	}

	payloadHex := strings.ReplaceAll(line[idxHash+1:], " ", "")
	if strings.HasPrefix(payloadHex, "R") {
		// remote frames carry no data
		payloadHex = ""
	}
	payload, err := hex.DecodeString(payloadHex)
	if err != nil {
		return can.Frame{}, fmt.Errorf("parse payload: %w", err)
	}

	f, err := can.NewFrame(ts, uint32(id), payload)
	if err != nil {
		return can.Frame{}, err
	}
	f.Extended = len(idPart) > 3
	if err := f.Validate(); err != nil {
		return can.Frame{}, err
	}
	return f, nil
}

// FormatCandumpLine renders f the way candump -l logs it.
func FormatCandumpLine(iface string, f can.Frame) string {
	return fmt.Sprintf("(%.6f) %s %s", f.Timestamp, iface, f.String())
}
