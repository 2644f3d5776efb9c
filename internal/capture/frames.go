package capture

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/danmuck/canrelay/internal/can"
)

var Header = []string{"Timestamp (s)", "ID (hex)", "Ext", "Len", "Data (hex)"}

// FrameRecord renders f as one CSV row matching Header.
func FrameRecord(f can.Frame) []string {
	ext := ""
	if f.Extended {
		ext = "X"
	}
	return []string{
		strconv.FormatFloat(f.Timestamp, 'f', 6, 64),
		fmt.Sprintf("%X", f.ArbitrationID),
		ext,
		strconv.Itoa(int(f.Length)),
		hex.EncodeToString(f.Payload()),
	}
}

// FrameLog writes frames with a header at the top of every file. maxLines
// bounds the frame rows per file; the header is not counted. After the disk
// fills up it stops recording and returns ErrStopped.
type FrameLog struct {
	w       *Writer
	started bool
	stopped bool
}

var ErrStopped = errors.New("capture: stopped")

func NewFrameLog(dir, prefix string, maxLines int) (*FrameLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("capture dir %s: %w", dir, err)
	}
	if maxLines > 0 {
		maxLines++
	}
	return &FrameLog{w: NewWriter(dir, prefix, maxLines)}, nil
}

func (l *FrameLog) Append(f can.Frame) error {
	if l.stopped {
		return ErrStopped
	}
	if !l.started {
		l.started = true
		if err := l.write(Header); err != nil {
			return err
		}
	}
	return l.write(FrameRecord(f))
}

func (l *FrameLog) write(record []string) error {
	err := l.w.Write(record)
	var sizeLimit *FileSizeLimitReached
	var diskFull *DiskFull
	switch {
	case errors.As(err, &sizeLimit):
		// the record landed in the closed file; the next one opens a new
		// file that needs its own header
		l.started = false
		return nil
	case errors.As(err, &diskFull):
		l.stopped = true
		_ = l.w.Close()
		return err
	}
	return err
}

func (l *FrameLog) Writer() *Writer {
	return l.w
}

func (l *FrameLog) Close() error {
	return l.w.Close()
}
