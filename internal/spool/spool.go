// Package spool implements the append-only, crash-safe event store that
// sits between the dispatch pipeline and the bridge worker: one
// exclusive writer, one reader cursor, compression above a size
// threshold, and checksum-verified reads.
package spool

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ccbridge/control-plane/internal/event"
)

// Sentinel errors surfaced by spool operations.
var (
	// ErrIntegrity is returned when a record's stored checksum does not
	// match its decompressed content.
	ErrIntegrity = errors.New("spool: checksum mismatch")
	// ErrClosed is returned by any operation on a Spool after Close.
	ErrClosed = errors.New("spool: closed")
)

// CompressionThreshold is the record size, in bytes, above which a
// record is gzip-compressed before being written to disk.
const CompressionThreshold = 512

// record is the on-disk envelope for one spooled event.
type record struct {
	ID         string    `json:"id"`
	Compressed bool      `json:"compressed"`
	Checksum   string    `json:"checksum"`
	Payload    []byte    `json:"payload"`
	StoredAt   time.Time `json:"stored_at"`
}

// cursorState is the crash-safe sidecar persisted alongside the spool
// file. Ack writes the last-acked id here and Open loads it, but no
// exported method returns it and Iterate does not read it: Iterate
// starts after whatever cursor its caller passes.
type cursorState struct {
	LastAcked string    `yaml:"last_acked"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// Config tunes retention and file locations.
type Config struct {
	Dir           string
	TTL           time.Duration
	MaxRecords    int
	FsyncEveryN   int
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 7 * 24 * time.Hour
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = 100_000
	}
	if c.FsyncEveryN <= 0 {
		c.FsyncEveryN = 1
	}
	return c
}

// Spool is a file-backed, append-only sequence of event records with a
// single writer and a single reader cursor.
//
// Contract:
//   - Concurrency: Append is safe to call from multiple goroutines; writes
//     are serialized internally. Iterate/Ack assume one logical consumer.
//   - Durability: every Nth append (Config.FsyncEveryN) is followed by an
//     fsync, so at most N-1 records are at risk on an unclean shutdown.
//   - Ordering: records for the same append order remain in that order on
//     disk and on replay.
type Spool struct {
	cfg Config

	mu          sync.Mutex
	file        *os.File
	writesSince int
	records     []record // in-memory index mirroring the file, oldest first
	closed      bool

	cursorPath string
	cursor     cursorState
}

// Open creates or attaches to the spool directory, replaying any
// existing records into the in-memory index and loading the last-acked
// cursor sidecar (kept internally; see cursorState).
func Open(cfg Config) (*Spool, error) {
	cfg = cfg.withDefaults()
	if cfg.Dir == "" {
		return nil, errors.New("spool: Config.Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: create dir: %w", err)
	}

	dataPath := filepath.Join(cfg.Dir, "events.log")
	f, err := os.OpenFile(dataPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("spool: open data file: %w", err)
	}

	s := &Spool{
		cfg:        cfg,
		file:       f,
		cursorPath: filepath.Join(cfg.Dir, "cursor.yaml"),
	}

	if err := s.loadCursor(); err != nil {
		f.Close()
		return nil, err
	}
	if err := s.replay(dataPath); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Spool) loadCursor() error {
	data, err := os.ReadFile(s.cursorPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("spool: read cursor: %w", err)
	}
	return yaml.Unmarshal(data, &s.cursor)
}

func (s *Spool) saveCursorLocked() error {
	s.cursor.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(s.cursor)
	if err != nil {
		return fmt.Errorf("spool: marshal cursor: %w", err)
	}
	tmp := s.cursorPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("spool: write cursor: %w", err)
	}
	return os.Rename(tmp, s.cursorPath)
}

// replay reads every existing JSON-lines record from disk into the
// in-memory index that Iterate reads from.
func (s *Spool) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("spool: replay open: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for {
		var r record
		if err := dec.Decode(&r); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("spool: replay decode: %w", err)
		}
		s.records = append(s.records, r)
	}
	return nil
}

// Append serializes evt, compresses it if it exceeds
// CompressionThreshold, records a SHA-256 checksum of the uncompressed
// bytes, and appends it to the log. Returns the event's id.
func (s *Spool) Append(ctx context.Context, evt event.Event) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("spool: marshal event: %w", err)
	}
	sum := sha256.Sum256(payload)

	rec := record{
		ID:       evt.ID,
		Checksum: hex.EncodeToString(sum[:]),
		StoredAt: time.Now().UTC(),
	}

	if len(payload) > CompressionThreshold {
		compressed, err := compress(payload)
		if err != nil {
			return "", fmt.Errorf("spool: compress: %w", err)
		}
		rec.Compressed = true
		rec.Payload = compressed
	} else {
		rec.Payload = payload
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("spool: marshal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		return "", fmt.Errorf("spool: write: %w", err)
	}

	s.writesSince++
	if s.writesSince >= s.cfg.FsyncEveryN {
		s.writesSince = 0
		if err := s.file.Sync(); err != nil {
			return "", fmt.Errorf("spool: fsync: %w", err)
		}
	}

	s.records = append(s.records, rec)
	return evt.ID, nil
}

// Iterate returns every record stored strictly after cursor, in
// append order, decompressing and checksum-verifying each one.
// cursor="" starts from the beginning.
func (s *Spool) Iterate(cursor string) ([]event.Event, error) {
	s.mu.Lock()
	records := make([]record, len(s.records))
	copy(records, s.records)
	s.mu.Unlock()

	start := 0
	if cursor != "" {
		for i, r := range records {
			if r.ID == cursor {
				start = i + 1
				break
			}
		}
	}

	out := make([]event.Event, 0, len(records)-start)
	for _, r := range records[start:] {
		evt, err := decodeRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

func decodeRecord(r record) (event.Event, error) {
	payload := r.Payload
	if r.Compressed {
		decompressed, err := decompress(payload)
		if err != nil {
			return event.Event{}, fmt.Errorf("spool: decompress %s: %w", r.ID, err)
		}
		payload = decompressed
	}

	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != r.Checksum {
		return event.Event{}, fmt.Errorf("%w: record %s", ErrIntegrity, r.ID)
	}

	var evt event.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return event.Event{}, fmt.Errorf("spool: unmarshal %s: %w", r.ID, err)
	}
	return evt, nil
}

// Ack advances the durable cursor to id, persisting it so a restart
// resumes after the last acknowledged record.
func (s *Spool) Ack(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.cursor.LastAcked = id
	return s.saveCursorLocked()
}

// Prune removes records older than olderThan or beyond the configured
// MaxRecords count, whichever cap is smaller, and returns how many were
// dropped. Prune is mutually exclusive with Append.
func (s *Spool) Prune(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	kept := make([]record, 0, len(s.records))
	for _, r := range s.records {
		if r.StoredAt.Before(olderThan) {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) > s.cfg.MaxRecords {
		sort.Slice(kept, func(i, j int) bool { return kept[i].StoredAt.Before(kept[j].StoredAt) })
		kept = kept[len(kept)-s.cfg.MaxRecords:]
	}
	removed := len(s.records) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	if err := s.rewriteLocked(kept); err != nil {
		return 0, err
	}
	s.records = kept
	return removed, nil
}

// rewriteLocked atomically replaces the on-disk log with records, used
// by Prune. Caller holds s.mu.
func (s *Spool) rewriteLocked(records []record) error {
	tmpPath := s.file.Name() + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("spool: prune create tmp: %w", err)
	}

	enc := json.NewEncoder(tmp)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			tmp.Close()
			return fmt.Errorf("spool: prune encode: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("spool: prune sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("spool: prune close: %w", err)
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("spool: prune close data file: %w", err)
	}
	if err := os.Rename(tmpPath, s.file.Name()); err != nil {
		return fmt.Errorf("spool: prune rename: %w", err)
	}

	f, err := os.OpenFile(s.file.Name(), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("spool: prune reopen: %w", err)
	}
	s.file = f
	return nil
}

// Close fsyncs and closes the underlying file. Further operations
// return ErrClosed.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	syncErr := s.file.Sync()
	if err := s.file.Close(); err != nil {
		return err
	}
	return syncErr
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
