package spool

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ccbridge/control-plane/internal/event"
)

func TestAppendIterate_PreservesOrder(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		evt := event.New("", event.TypeTaskProgress, "session-1", time.Time{})
		if _, err := s.Append(ctx, evt); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.Iterate("")
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
}

func TestAppend_CompressesLargePayloadAndRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	evt := event.New("", event.TypeCodeReview, "session-1", time.Time{})
	evt.Description = strings.Repeat("x", CompressionThreshold*4)

	id, err := s.Append(context.Background(), evt)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.Iterate("")
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != id || got[0].Description != evt.Description {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func TestIterate_ResumesAfterCursor(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.Append(ctx, event.New("", event.TypeTaskProgress, "s", time.Time{}))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		ids = append(ids, id)
	}

	got, err := s.Iterate(ids[0])
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
}

func TestDecodeRecord_DetectsChecksumMismatch(t *testing.T) {
	r := record{ID: "bad", Checksum: "not-a-real-checksum", Payload: []byte(`{"id":"bad"}`)}
	_, err := decodeRecord(r)
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestAckAndReopen_PersistsCursor(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	id, err := s.Append(context.Background(), event.New("", event.TypeTaskProgress, "s", time.Time{}))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Ack(id); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	defer reopened.Close()

	if reopened.cursor.LastAcked != id {
		t.Errorf("LastAcked = %q, want %q", reopened.cursor.LastAcked, id)
	}
	got, err := reopened.Iterate("")
	if err != nil {
		t.Fatalf("Iterate() after reopen error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len(got) after reopen = %d, want 1 (replay should recover the record)", len(got))
	}
}

func TestPrune_RemovesOlderRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if _, err := s.Append(ctx, event.New("", event.TypeTaskProgress, "s", time.Time{})); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	cutoff := time.Now().Add(time.Hour)
	removed, err := s.Prune(cutoff)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	got, err := s.Iterate("")
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len(got) after prune = %d, want 0", len(got))
	}
}

func TestAppend_AfterClose_ReturnsErrClosed(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_, err = s.Append(context.Background(), event.New("", event.TypeTaskProgress, "s", time.Time{}))
	if err != ErrClosed {
		t.Errorf("Append() after close error = %v, want ErrClosed", err)
	}
}
