package writer

import (
	"context"
	"fmt"
	"sync"

	"github.com/constitutional-ledger/core/pkg/crypto"
)

// KeyedAgentSigner resolves agentID to a registered crypto.Signer and
// signs with it. One process typically registers one signer per agent
// identity it is trusted to write on behalf of.
type KeyedAgentSigner struct {
	mu      sync.RWMutex
	signers map[string]crypto.Signer
}

func NewKeyedAgentSigner() *KeyedAgentSigner {
	return &KeyedAgentSigner{signers: make(map[string]crypto.Signer)}
}

func (s *KeyedAgentSigner) Register(agentID string, signer crypto.Signer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signers[agentID] = signer
}

func (s *KeyedAgentSigner) Sign(_ context.Context, agentID string, data []byte) (string, error) {
	s.mu.RLock()
	signer, ok := s.signers[agentID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("writer: no signing key registered for agent %q", agentID)
	}
	return signer.Sign(data)
}

// LocalWitnessAttestor signs on behalf of witnesses whose private keys
// this process holds directly — the reference attestor for tests and
// single-process deployments where witnesses are co-located with the
// writer. A production deployment would instead round-trip the request
// to each witness's own signing process over the network.
type LocalWitnessAttestor struct {
	mu      sync.RWMutex
	signers map[string]crypto.Signer
}

func NewLocalWitnessAttestor() *LocalWitnessAttestor {
	return &LocalWitnessAttestor{signers: make(map[string]crypto.Signer)}
}

func (a *LocalWitnessAttestor) Register(witnessID string, signer crypto.Signer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signers[witnessID] = signer
}

func (a *LocalWitnessAttestor) Attest(_ context.Context, witnessID string, data []byte) (string, error) {
	a.mu.RLock()
	signer, ok := a.signers[witnessID]
	a.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("writer: no signing key registered for witness %q", witnessID)
	}
	return signer.Sign(data)
}

var (
	_ AgentSigner     = (*KeyedAgentSigner)(nil)
	_ WitnessAttestor = (*LocalWitnessAttestor)(nil)
)
