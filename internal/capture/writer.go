// Package capture records relayed CAN frames to rotating CSV files.
// Files are named <prefix>NNNN.csv; a new file starts when the current one
// hits the file size limit.
package capture

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FileSizeLimitReached is returned if the file size limit is reached.
// The current file is closed and the next write goes into a new file.
type FileSizeLimitReached struct{}

func (m *FileSizeLimitReached) Error() string {
	return "file size limit reached"
}

// DiskFull is returned if the disk is full.
type DiskFull struct{}

func (m *DiskFull) Error() string {
	return "disk full"
}

const flushInterval = 2 * time.Second

// Writer writes CSV records to rotating files.
type Writer struct {
	outPath       string
	outFilePrefix string
	maxLines      int // rotate after this many lines, 0 = only on EFBIG
	logger        zerolog.Logger

	mu              sync.Mutex
	writer          *csv.Writer
	currentFile     *os.File
	currentFileName string
	lastFlush       time.Time
	lineCount       int
	totalLines      int
}

func NewWriter(outPath string, outFilePrefix string, maxLines int) *Writer {
	return &Writer{
		outPath:       outPath,
		outFilePrefix: outFilePrefix,
		maxLines:      maxLines,
		logger:        log.With().Str("component", "capture").Logger(),
	}
}

// Write writes a single CSV record.
func (w *Writer) Write(record []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		if err := w.newCsvWriter(); err != nil {
			return err
		}
	}

	if err := w.writer.Write(record); err != nil {
		err = w.handleWriteErrors(err)
		return fmt.Errorf("could not write record to file %s: %w", w.currentFileName, err)
	}
	w.lineCount++
	w.totalLines++

	if w.maxLines > 0 && w.lineCount >= w.maxLines {
		name := w.currentFileName
		if err := w.closeLocked(); err != nil {
			err = w.handleWriteErrors(err)
			return fmt.Errorf("could not close file %s: %w", name, err)
		}
		w.logger.Info().Str("file", name).Int("lines", w.maxLines).Msg("line limit reached, rotating")
		return fmt.Errorf("rotate %s: %w", name, &FileSizeLimitReached{})
	}

	if time.Since(w.lastFlush) > flushInterval {
		w.writer.Flush()
		if err := w.writer.Error(); err != nil {
			err = w.handleWriteErrors(err)
			return fmt.Errorf("could not flush file %s: %w", w.currentFileName, err)
		}
		w.lastFlush = time.Now()
	}
	return nil
}

// Lines returns the number of records written since creation.
func (w *Writer) Lines() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalLines
}

// CurrentFile returns the path of the file being written, if any.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentFileName
}

func (w *Writer) handleWriteErrors(err error) error {
	switch {
	case errors.Is(err, syscall.EFBIG):
		name := w.currentFileName
		w.closeLocked()
		w.logger.Warn().Str("file", name).Msg("file too large")
		return &FileSizeLimitReached{}
	case errors.Is(err, syscall.ENOSPC):
		w.logger.Warn().Str("file", w.currentFileName).Msg("disk full")
		return &DiskFull{}
	}
	return err
}

func (w *Writer) newCsvWriter() error {
	w.closeLocked()

	fileName, err := w.nextFileName()
	if err != nil {
		return fmt.Errorf("could not create new file name: %w", err)
	}
	f, err := os.Create(fileName)
	if err != nil {
		return fmt.Errorf("could not create new file %s: %w", fileName, err)
	}
	w.currentFile = f
	w.currentFileName = fileName
	w.logger.Info().Str("file", fileName).Msg("created capture file")
	w.writer = csv.NewWriter(f)
	w.lastFlush = time.Now()
	w.lineCount = 0
	return nil
}

// Close flushes and closes the current file. A subsequent write goes into
// a new file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) closeLocked() error {
	if w.writer == nil {
		return nil
	}
	w.writer.Flush()
	err := w.writer.Error()
	w.writer = nil
	if w.currentFile != nil {
		if cerr := w.currentFile.Close(); err == nil {
			err = cerr
		}
		w.currentFile = nil
	}
	return err
}

// nextFileName scans the output directory for the highest used index.
func (w *Writer) nextFileName() (string, error) {
	files, err := os.ReadDir(w.outPath)
	if err != nil {
		return "", err
	}
	highestIndex := 0
	for _, file := range files {
		if !strings.HasPrefix(file.Name(), w.outFilePrefix) {
			continue
		}
		s := strings.TrimPrefix(file.Name(), w.outFilePrefix)
		s = strings.TrimSuffix(s, ".csv")
		if i, err := strconv.Atoi(s); err == nil && i > highestIndex {
			highestIndex = i
		}
	}
	return filepath.Join(w.outPath, fmt.Sprintf("%s%04d.csv", w.outFilePrefix, highestIndex+1)), nil
}
