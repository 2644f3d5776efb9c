package cmd

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/danmuck/canrelay/internal/bus"
	"github.com/danmuck/canrelay/internal/can"
	"github.com/danmuck/canrelay/internal/capture"
)

const (
	formatText = "text"
	formatCSV  = "csv"
	formatCBOR = "cbor"
)

// sink consumes decoded frames in one output format.
type sink interface {
	Write(can.Frame) error
	Close() error
}

// cborFrame is one CBOR record; integer keys keep records small.
type cborFrame struct {
	Timestamp float64 `cbor:"1,keyasint"`
	ID        uint32  `cbor:"2,keyasint"`
	Extended  bool    `cbor:"3,keyasint,omitempty"`
	Data      []byte  `cbor:"4,keyasint"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("dumpctl: CBOR encoder initialization failed: " + err.Error())
	}
}

// newSink opens the writer for format. With an empty outDir frames go to
// stdout; otherwise into files under outDir.
func newSink(format, outDir, iface string, stdout io.Writer) (sink, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case formatText:
		w, closer, err := output(outDir, iface+".log", stdout)
		if err != nil {
			return nil, err
		}
		return &textSink{w: bufio.NewWriter(w), closer: closer, iface: iface}, nil
	case formatCSV:
		if outDir != "" {
			log, err := capture.NewFrameLog(outDir, iface, 0)
			if err != nil {
				return nil, err
			}
			return &frameLogSink{log: log}, nil
		}
		w := csv.NewWriter(stdout)
		if err := w.Write(capture.Header); err != nil {
			return nil, err
		}
		return &csvSink{w: w}, nil
	case formatCBOR:
		w, closer, err := output(outDir, iface+".cbor", stdout)
		if err != nil {
			return nil, err
		}
		bw := bufio.NewWriter(w)
		return &cborSink{bw: bw, enc: encMode.NewEncoder(bw), closer: closer}, nil
	default:
		return nil, fmt.Errorf("unknown format %q (text|csv|cbor)", format)
	}
}

func output(outDir, name string, stdout io.Writer) (io.Writer, io.Closer, error) {
	if outDir == "" {
		return stdout, nil, nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.Create(filepath.Join(outDir, name))
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}

type textSink struct {
	w      *bufio.Writer
	closer io.Closer
	iface  string
}

func (s *textSink) Write(f can.Frame) error {
	if _, err := s.w.WriteString(bus.FormatCandumpLine(s.iface, f) + "\n"); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *textSink) Close() error {
	err := s.w.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type csvSink struct {
	w *csv.Writer
}

func (s *csvSink) Write(f can.Frame) error {
	if err := s.w.Write(capture.FrameRecord(f)); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *csvSink) Close() error {
	s.w.Flush()
	return s.w.Error()
}

type frameLogSink struct {
	log *capture.FrameLog
}

func (s *frameLogSink) Write(f can.Frame) error {
	return s.log.Append(f)
}

func (s *frameLogSink) Close() error {
	return s.log.Close()
}

type cborSink struct {
	bw     *bufio.Writer
	enc    *cbor.Encoder
	closer io.Closer
}

func (s *cborSink) Write(f can.Frame) error {
	rec := cborFrame{
		Timestamp: f.Timestamp,
		ID:        f.ArbitrationID,
		Extended:  f.Extended,
		Data:      append([]byte{}, f.Payload()...),
	}
	if err := s.enc.Encode(rec); err != nil {
		return err
	}
	return s.bw.Flush()
}

func (s *cborSink) Close() error {
	err := s.bw.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
