// file_adapter.go replays envelopes from a JSONL file, one wire-format
// envelope per line. Used for backfills, reconciliation runs, and tests.
package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// FileAdapter streams a newline-delimited envelope file as a vendor feed.
type FileAdapter struct {
	source string
	f      *os.File
	r      *bufio.Reader
	offset uint64
}

// NewFileAdapter opens a JSONL envelope file.
func NewFileAdapter(source, path string) (*FileAdapter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open feed file: %w", err)
	}
	return &FileAdapter{source: source, f: f, r: bufio.NewReader(f)}, nil
}

func (a *FileAdapter) Source() string { return a.source }

// Next returns the next line. io.EOF is surfaced as-is so callers can treat
// exhaustion as end-of-feed rather than a transport failure.
func (a *FileAdapter) Next(ctx context.Context) (Raw, error) {
	if err := ctx.Err(); err != nil {
		return Raw{}, err
	}
	line, err := a.r.ReadBytes('\n')
	if len(line) == 0 && err != nil {
		return Raw{}, err
	}
	if err != nil && err != io.EOF {
		return Raw{}, fmt.Errorf("read feed file: %w", err)
	}
	a.offset++
	return Raw{Data: trimNewline(line), Offset: a.offset, At: time.Now()}, nil
}

func (a *FileAdapter) Commit(uint64) error { return nil }

func (a *FileAdapter) Subscribe([]string) error { return nil }

func (a *FileAdapter) Close() error { return a.f.Close() }

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
