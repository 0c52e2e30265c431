// Package journal provides the per-shard append-only event log and the
// snapshot store used for bounded replay.
//
// Each shard owns one log file (shard_<id>.log) holding one JSON record per
// line: {"seq": n, "envelope": {...}}. Sequence numbers are dense and start
// at 1. Snapshots (snapshot_<seq>.bin) capture the shard state after
// applying sequence <seq>; recovery loads the newest snapshot and replays
// the log suffix. All writes use atomic file replacement or append+sync so a
// crash never leaves a torn record ahead of a durable one.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type record struct {
	Seq      uint64          `json:"seq"`
	Envelope json.RawMessage `json:"envelope"`
}

// Log is one shard's append-only event log.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
	seq  uint64 // last appended sequence
}

// LogPath returns the log file path for a shard.
func LogPath(dir string, shard int) string {
	return filepath.Join(dir, fmt.Sprintf("shard_%02d.log", shard))
}

// OpenLog opens (or creates) a shard's log and positions the writer after
// the last complete record.
func OpenLog(dir string, shard int) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	path := LogPath(dir, shard)

	last, err := lastSeq(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Log{path: path, f: f, w: bufio.NewWriter(f), seq: last}, nil
}

func lastSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan journal: %w", err)
	}
	defer f.Close()

	var last uint64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<16), 1<<24)
	for sc.Scan() {
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// Torn tail from a crash; everything before it is intact.
			break
		}
		last = rec.Seq
	}
	return last, nil
}

// Append writes an encoded envelope and returns its sequence number.
// The record is flushed and fsynced before returning: callers may treat a
// returned sequence as durable.
func (l *Log) Append(envelope []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := record{Seq: l.seq + 1, Envelope: envelope}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal journal record: %w", err)
	}
	if _, err := l.w.Write(data); err != nil {
		return 0, fmt.Errorf("append journal: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return 0, fmt.Errorf("append journal: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return 0, fmt.Errorf("flush journal: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return 0, fmt.Errorf("sync journal: %w", err)
	}
	l.seq = rec.Seq
	return rec.Seq, nil
}

// Seq returns the last appended sequence number.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}

// Replay streams records with seq > from, in order, to fn. A torn trailing
// record terminates replay silently; any earlier corruption is an error.
func Replay(dir string, shard int, from uint64, fn func(seq uint64, envelope []byte) error) error {
	f, err := os.Open(LogPath(dir, shard))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal for replay: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<16), 1<<24)
	var prev uint64
	for sc.Scan() {
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// Only acceptable as the final line.
			if sc.Scan() {
				return fmt.Errorf("journal corrupt at seq %d: %w", prev+1, err)
			}
			return nil
		}
		if prev != 0 && rec.Seq != prev+1 {
			return fmt.Errorf("journal gap: seq %d follows %d", rec.Seq, prev)
		}
		prev = rec.Seq
		if rec.Seq <= from {
			continue
		}
		if err := fn(rec.Seq, rec.Envelope); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	return nil
}
