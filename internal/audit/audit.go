// Package audit keeps a tamper-evident record of every change event fwatch
// observes. Entries are JSON lines appended to a single file and chained by
// SHA-256: each entry stores the hash of its predecessor, so editing,
// reordering or deleting a line breaks Verify from that point on.
//
// The hash of an entry covers its seq, ts, payload and prev_hash fields in
// that order, encoded as JSON. The first entry links to GenesisHash.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tripwire/fwatch/internal/agent"
)

// GenesisHash is the prev_hash of the first entry in a log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxLineSize bounds a single entry when reading a log back.
const maxLineSize = 1 << 20

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("audit: logger closed")

// Entry is one line of the audit log.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// hashed is the part of an Entry covered by EventHash.
type hashed struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

func (e Entry) computeHash() (string, error) {
	raw, err := json.Marshal(hashed{e.Seq, e.Timestamp, e.Payload, e.PrevHash})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Logger appends chained entries to a file. It implements agent.Sink and is
// safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	seq      int64
	prevHash string
	now      func() time.Time
}

// Open opens or creates the log at path. An existing log is verified in full
// and the chain continues from its last entry; a log that fails verification
// is not opened.
func Open(path string) (*Logger, error) {
	l := &Logger{prevHash: GenesisHash, now: time.Now}

	if f, err := os.Open(path); err == nil {
		err = replay(f, func(e Entry) {
			l.seq = e.Seq
			l.prevHash = e.EventHash
		})
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("audit: %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q for append: %w", path, err)
	}
	l.file = f
	return l, nil
}

// Append writes payload as the next entry and returns it. A nil payload is
// recorded as JSON null.
func (l *Logger) Append(payload json.RawMessage) (Entry, error) {
	if payload == nil {
		payload = json.RawMessage("null")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return Entry{}, ErrClosed
	}

	e := Entry{
		Seq:       l.seq + 1,
		Timestamp: l.now().UTC(),
		Payload:   payload,
		PrevHash:  l.prevHash,
	}
	hash, err := e.computeHash()
	if err != nil {
		return Entry{}, fmt.Errorf("audit: hash entry %d: %w", e.Seq, err)
	}
	e.EventHash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry %d: %w", e.Seq, err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry %d: %w", e.Seq, err)
	}

	l.seq = e.Seq
	l.prevHash = e.EventHash
	return e, nil
}

// Record appends evt as JSON. It implements agent.Sink.
func (l *Logger) Record(_ context.Context, evt agent.ChangeEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("audit: marshal event %s: %w", evt.ID, err)
	}
	_, err = l.Append(payload)
	return err
}

// Close syncs and closes the file. Calling Close again returns nil.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	return errors.Join(f.Sync(), f.Close())
}

// Verify reads the log at path and checks every link of the chain. It
// returns the entries in order, or the first error found. An empty file is a
// valid, empty log.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	defer f.Close()

	entries := []Entry{}
	if err := replay(f, func(e Entry) { entries = append(entries, e) }); err != nil {
		return nil, fmt.Errorf("audit: %s: %w", path, err)
	}
	return entries, nil
}

// replay decodes r line by line, checking sequence numbers, links and
// hashes, and calls fn for each valid entry.
func replay(r io.Reader, fn func(Entry)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		seq      int64
		prevHash = GenesisHash
	)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("malformed entry after seq %d: %w", seq, err)
		}
		if e.Seq != seq+1 {
			return fmt.Errorf("sequence gap: got seq %d after %d", e.Seq, seq)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("chain break at seq %d: prev_hash %q, want %q", e.Seq, e.PrevHash, prevHash)
		}
		computed, err := e.computeHash()
		if err != nil {
			return fmt.Errorf("hash entry %d: %w", e.Seq, err)
		}
		if computed != e.EventHash {
			return fmt.Errorf("hash mismatch at seq %d: stored %q, computed %q", e.Seq, e.EventHash, computed)
		}

		fn(e)
		seq = e.Seq
		prevHash = e.EventHash
	}
	return scanner.Err()
}
