package crypto

import (
	"os"
	"testing"
)

func TestFileDeadLetterSink(t *testing.T) {
	f, err := os.CreateTemp("", "deadletter_*.log")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(f.Name())
	f.Close()

	sink, err := NewFileDeadLetterSink(f.Name())
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}

	err = sink.Append("hash.verification_breach", "system:hash_verifier",
		map[string]interface{}{"expected": "aa", "actual": "bb"}, "write path halted")
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	entries := sink.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].EventType != "hash.verification_breach" {
		t.Errorf("unexpected event type %q", entries[0].EventType)
	}
	if entries[0].Hash == "" {
		t.Error("expected non-empty hash")
	}
}

func TestMemoryDeadLetterSink(t *testing.T) {
	sink := NewMemoryDeadLetterSink()

	err := sink.Append("sequence.gap_detected", "system:gap_detector",
		map[string]interface{}{"gap_size": 1}, "write path halted")
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	entries := sink.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Reason != "write path halted" {
		t.Errorf("unexpected reason %q", entries[0].Reason)
	}
}
