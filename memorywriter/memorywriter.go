package memorywriter

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// This is a helper package that writes logs to memory, rotates the
// lines, but remembers some lines from the start. It is useful for
// detailed protocol logging that would take too much memory to keep
// in full; the status page exports what is retained.

// to prevent possible memory issues, hardcode max line length
const maxLineLength = 500

type MemoryWriter struct {
	maxLineCount int
	lines        [][]byte // lines include newlines
	startCount   int
	startLines   [][]byte
	startTime    time.Time
	printTime    bool
	outWriter    io.Writer // optional verbose tee
	mutex        sync.Mutex
}

func New(size, startSize int, printTime bool, out io.Writer) (*MemoryWriter, error) {
	if size < 1 || startSize < 1 {
		return nil, errors.New("size cannot be <1")
	}
	return &MemoryWriter{
		maxLineCount: size,
		lines:        make([][]byte, 0, size),
		startCount:   startSize,
		startLines:   make([][]byte, 0, startSize),
		startTime:    time.Now(),
		printTime:    printTime,
		outWriter:    out,
	}, nil
}

func (m *MemoryWriter) Println(s string) {
	long := []byte(s + "\n")
	_, err := m.Write(long)
	if err != nil {
		// give up, just print on stdout
		fmt.Println(err)
	}
}

// Writer remembers lines in memory
func (m *MemoryWriter) Write(p []byte) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(p) > maxLineLength {
		p = p[:maxLineLength]
	}

	var newline []byte
	if !m.printTime {
		newline = make([]byte, len(p))
		copy(newline, p)
	} else {
		now := time.Now()
		elapsed := now.Sub(m.startTime)
		newline = []byte(fmt.Sprintf("[%.6f : %s] %s", elapsed.Seconds(), now.Format("15:04:05"), string(p)))
	}

	if len(m.startLines) < m.startCount {
		// do not rotate
		m.startLines = append(m.startLines, newline)
	} else {
		// rotate
		for len(m.lines) >= m.maxLineCount {
			m.lines = m.lines[1:]
		}
		m.lines = append(m.lines, newline)
	}

	if m.outWriter != nil {
		_, wrErr := m.outWriter.Write(newline)
		if wrErr != nil {
			fmt.Println(wrErr)
		}
	}
	return len(p), nil
}

// Exports lines to a writer, plus adds additional text on top.
// In our case, additional text is the daemon version and port list.
func (m *MemoryWriter) writeTo(start string, w io.Writer) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	_, err := w.Write([]byte(start))
	if err != nil {
		return err
	}

	// Write end lines (latest on top)
	for i := len(m.lines) - 1; i >= 0; i-- {
		if _, err = w.Write(m.lines[i]); err != nil {
			return err
		}
	}

	// ... to make space between start and end
	if _, err = w.Write([]byte("...\n")); err != nil {
		return err
	}

	// Write start lines
	for i := len(m.startLines) - 1; i >= 0; i-- {
		if _, err = w.Write(m.startLines[i]); err != nil {
			return err
		}
	}

	return nil
}

// String exports as string
func (m *MemoryWriter) String(start string) (string, error) {
	var b bytes.Buffer
	if err := m.writeTo(start, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Gzip exports as GZip bytes
func (m *MemoryWriter) Gzip(start string) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}

	gw.Name = "log.txt"
	if err = m.writeTo(start, gw); err != nil {
		return nil, err
	}
	if err = gw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
