// Package event defines the Event record and the canonical content-hash
// computation shared by every component that touches the chain.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/constitutional-ledger/core/pkg/canonical"
)

// GenesisAnchor is the reserved 64-zero-hex-character string used as
// prev_hash for sequence 1 and as the genesis checkpoint's anchor_hash
// when no events exist.
var GenesisAnchor = strings.Repeat("0", 64)

// Event is the immutable, append-only unit of the ledger.
type Event struct {
	Sequence         uint64         `json:"sequence"`
	EventID          string         `json:"event_id"`
	EventType        string         `json:"event_type"`
	Payload          map[string]any `json:"payload"`
	Signature        string         `json:"signature"`
	AgentID          string         `json:"agent_id"`
	LocalTimestamp   time.Time      `json:"local_timestamp"`
	WitnessID        string         `json:"witness_id"`
	WitnessSignature string         `json:"witness_signature"`
	PrevHash         string         `json:"prev_hash"`
	ContentHash      string         `json:"content_hash"`
}

// hashableView is the exact field set that participates in
// content_hash: content_hash itself and prev_hash are excluded to
// avoid self-reference and chain-hash recursion.
type hashableView struct {
	EventType        string         `json:"event_type"`
	Payload          map[string]any `json:"payload"`
	Signature        string         `json:"signature"`
	WitnessID        string         `json:"witness_id"`
	WitnessSignature string         `json:"witness_signature"`
	LocalTimestamp   string         `json:"local_timestamp"`
	AgentID          string         `json:"agent_id"`
}

// signableView is what the agent and the witness each sign: the
// content fields that exist before either signature does.
// content_hash's hashableView (above) additionally includes Signature
// and WitnessSignature once they exist — so the bytes that get signed
// and the bytes that get hashed are deliberately two different, but
// both canonical, views: signing Signature/WitnessSignature into their
// own pre-image would be circular. "The same canonical bytes" both
// parties sign refers to this view, shared identically by each.
type signableView struct {
	EventType      string         `json:"event_type"`
	Payload        map[string]any `json:"payload"`
	WitnessID      string         `json:"witness_id"`
	LocalTimestamp string         `json:"local_timestamp"`
	AgentID        string         `json:"agent_id"`
}

// formatTimestamp renders t as ISO-8601 UTC with microsecond
// precision, the canonical-serialization timestamp form.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

// SignableBytes returns the canonical bytes the agent signature and
// the witness signature are both computed over.
func (e Event) SignableBytes() ([]byte, error) {
	view := signableView{
		EventType:      e.EventType,
		Payload:        e.Payload,
		WitnessID:      e.WitnessID,
		LocalTimestamp: formatTimestamp(e.LocalTimestamp),
		AgentID:        e.AgentID,
	}
	return canonical.Marshal(view)
}

// CanonicalBytes returns the RFC 8785 canonical JSON bytes that
// content_hash is computed over. Unlike SignableBytes, this
// view includes the now-populated Signature and WitnessSignature
// fields.
func (e Event) CanonicalBytes() ([]byte, error) {
	view := hashableView{
		EventType:        e.EventType,
		Payload:          e.Payload,
		Signature:        e.Signature,
		WitnessID:        e.WitnessID,
		WitnessSignature: e.WitnessSignature,
		LocalTimestamp:   formatTimestamp(e.LocalTimestamp),
		AgentID:          e.AgentID,
	}
	return canonical.Marshal(view)
}

// ComputeContentHash recomputes content_hash from the current field
// values, independent of whatever is currently stored in e.ContentHash.
// Used both to produce the hash at write time and to re-verify it
// later.
func (e Event) ComputeContentHash() (string, error) {
	b, err := e.CanonicalBytes()
	if err != nil {
		return "", fmt.Errorf("event: canonicalize: %w", err)
	}
	return canonical.HashHex(b), nil
}

// NewEventID generates a fresh 128-bit UUID for event_id.
func NewEventID() string {
	return uuid.New().String()
}

// Validate checks the structural (non-cryptographic) requirements on a
// freshly-constructed event: required fields present, payload already
// frozen to canonicalizable values.
func (e Event) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event: event_type is required")
	}
	if e.AgentID == "" {
		return fmt.Errorf("event: agent_id is required")
	}
	if e.Payload == nil {
		return fmt.Errorf("event: payload is required (use empty map, not nil)")
	}
	return nil
}
