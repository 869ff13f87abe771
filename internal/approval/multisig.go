package approval

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"yar/internal/revert"
)

var (
	ErrNotOwner         = revert.New(revert.KindUnauthorized, "not owner")
	ErrUnknownCall      = revert.New(revert.KindValidation, "unknown call")
	ErrAlreadyConfirmed = revert.New(revert.KindStateMachine, "already confirmed")
	ErrInvalidQuorum    = revert.New(revert.KindValidation, "invalid quorum")
)

type proposal struct {
	confirmations map[common.Address]bool
	executed      bool
}

// Multisig is an M-of-N wallet whose owners approve call ids. A call id is
// executed once Required owners confirmed it.
type Multisig struct {
	mu        sync.RWMutex
	owners    map[common.Address]bool
	required  int
	proposals map[common.Hash]*proposal
}

// NewMultisig creates a wallet.
func NewMultisig(owners []common.Address, required int) (*Multisig, error) {
	if required <= 0 || required > len(owners) {
		return nil, ErrInvalidQuorum
	}
	m := &Multisig{
		owners:    make(map[common.Address]bool, len(owners)),
		required:  required,
		proposals: make(map[common.Hash]*proposal),
	}
	for _, o := range owners {
		m.owners[o] = true
	}
	if len(m.owners) < required {
		return nil, ErrInvalidQuorum
	}
	return m, nil
}

// Propose registers callID and counts the proposer's confirmation.
func (m *Multisig) Propose(owner common.Address, callID common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.owners[owner] {
		return ErrNotOwner
	}
	if _, ok := m.proposals[callID]; !ok {
		m.proposals[callID] = &proposal{confirmations: make(map[common.Address]bool)}
	}
	return m.confirmLocked(owner, callID)
}

// Confirm adds owner's confirmation to a proposed callID.
func (m *Multisig) Confirm(owner common.Address, callID common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.owners[owner] {
		return ErrNotOwner
	}
	return m.confirmLocked(owner, callID)
}

func (m *Multisig) confirmLocked(owner common.Address, callID common.Hash) error {
	p, ok := m.proposals[callID]
	if !ok {
		return ErrUnknownCall
	}
	if p.confirmations[owner] {
		return ErrAlreadyConfirmed
	}
	p.confirmations[owner] = true
	if len(p.confirmations) >= m.required {
		p.executed = true
	}
	return nil
}

// Confirmations returns how many owners confirmed callID.
func (m *Multisig) Confirmations(callID common.Hash) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.proposals[callID]; ok {
		return len(p.confirmations)
	}
	return 0
}

// IsOwnerExecuted reports whether callID reached the quorum.
func (m *Multisig) IsOwnerExecuted(callID common.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[callID]
	return ok && p.executed
}

// MultisigGate accepts requests whose digest the wallet executed.
type MultisigGate struct {
	Wallet *Multisig
}

// Authorize implements Gate.
func (g MultisigGate) Authorize(now time.Time, req Request, _ Authorization) error {
	if req.Expiry <= uint64(now.Unix()) {
		return ErrSignatureExpired
	}
	if !g.Wallet.IsOwnerExecuted(req.Digest()) {
		return ErrNotApproved
	}
	return nil
}
