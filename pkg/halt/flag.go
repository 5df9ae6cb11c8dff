package halt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// State is the externally observable shape of the halt flag.
type State struct {
	Halted        bool      `json:"halted"`
	Reason        string    `json:"reason,omitempty"`
	CrisisEventID string    `json:"crisis_event_id,omitempty"`
	SetAt         time.Time `json:"set_at,omitempty"`
}

// Flag is the process-wide HaltFlag contract. Once triggered, only
// ResetWithToken (gated on an operator-signed JWT) can clear it: the
// flag is sticky, and repeated triggers are idempotent.
type Flag interface {
	IsHalted(ctx context.Context) (State, error)
	TriggerHalt(ctx context.Context, reason, crisisEventID string) error
	ResetWithToken(ctx context.Context, token string) error
}

// LocalFlag is an in-process implementation backed by a mutex. It is
// the reference implementation used in tests and single-process
// deployments.
type LocalFlag struct {
	mu        sync.RWMutex
	state     State
	resetKey  []byte
	clock     func() time.Time
}

// NewLocalFlag creates an unhalted flag. resetKeySecret verifies the
// HMAC-signed operator reset token.
func NewLocalFlag(resetKeySecret []byte) *LocalFlag {
	return &LocalFlag{resetKey: resetKeySecret, clock: time.Now}
}

func (f *LocalFlag) IsHalted(_ context.Context) (State, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state, nil
}

// TriggerHalt sets the flag. Repeated calls with the same reason are a
// no-op; a different reason while already halted does not un-halt or
// overwrite the original reason — the first constitutional violation
// recorded is the one that matters.
func (f *LocalFlag) TriggerHalt(_ context.Context, reason, crisisEventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.Halted {
		return nil
	}
	f.state = State{
		Halted:        true,
		Reason:        reason,
		CrisisEventID: crisisEventID,
		SetAt:         f.now(),
	}
	return nil
}

func (f *LocalFlag) now() time.Time {
	if f.clock != nil {
		return f.clock()
	}
	return time.Now()
}

// operatorClaims is the expected JWT claim shape for a reset token.
type operatorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// ResetWithToken validates an HMAC-signed JWT asserting role=operator
// before clearing the halt. An expired, malformed, or wrong-role token
// is rejected and the halt remains in effect.
func (f *LocalFlag) ResetWithToken(_ context.Context, token string) error {
	claims := &operatorClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("halt: unexpected signing method %v", t.Header["alg"])
		}
		return f.resetKey, nil
	})
	if err != nil || !parsed.Valid {
		return Wrap("halt:invalid_reset_token", BandCaller, "operator reset token is invalid", err)
	}
	if claims.Role != "operator" {
		return New("halt:invalid_reset_token", BandCaller, "reset token does not carry operator role")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = State{}
	return nil
}

// marshalState is a small helper used by the Redis-backed flag to
// serialize State for cross-process storage.
func marshalState(s State) ([]byte, error) { return json.Marshal(s) }
func unmarshalState(data []byte) (State, error) {
	var s State
	err := json.Unmarshal(data, &s)
	return s, err
}
