package coordsession

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/companyzero/bisonrelay/zkidentity"
)

// refreshExpiry must be called with the write lock held by every mutating
// operation.
func (s *CoordinationSession) refreshExpiry() {
	s.expiresAt = deadline(time.Now(), s.createdAt)
}

// AddParticipant inserts a new participant into the session. Duplicate
// identities are rejected rather than double-counted, which makes replayed
// join facts safe. There is deliberately no upper bound on the participant
// count; identity uniqueness is the only guard.
func (s *CoordinationSession) AddParticipant(p *CoordinationParticipant) error {
	if p == nil {
		return errorf(ErrInvalidArgument, "nil participant")
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state.locked() {
		return errorf(ErrInvalidState, "session %s is %s", s.id, s.state)
	}
	if _, ok := s.participants[p.ID]; ok {
		return errorf(ErrDuplicateParticipant, "%s already in session %s",
			p.ID, s.id)
	}

	cp := *p
	if cp.JoinedAt.IsZero() {
		cp.JoinedAt = time.Now()
	}
	cp.Status = StatusJoined
	cp.FeeProposal = nil
	s.participants[cp.ID] = &cp
	s.refreshExpiry()

	if s.state == StateCreated && len(s.participants) >= s.expectedParticipants {
		s.state = StateJoining
	}
	return nil
}

// addressValidForNet reports whether addr parses as an address on params'
// network.
func addressValidForNet(addr string, params *chaincfg.Params) bool {
	a, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return false
	}
	return a.IsForNet(params)
}

// ProposeOutput appends an output to the session. Each destination address
// may appear at most once, so a redelivered output fact is rejected instead
// of duplicated.
func (s *CoordinationSession) ProposeOutput(o *CoordinationOutput) error {
	if o == nil {
		return errorf(ErrInvalidArgument, "nil output")
	}
	if o.Amount <= 0 {
		return errorf(ErrInvalidArgument, "output amount must be positive, got %d",
			o.Amount)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state.locked() {
		return errorf(ErrInvalidState, "session %s is %s", s.id, s.state)
	}
	if !addressValidForNet(o.Address, s.chainParams) {
		return errorf(ErrNetworkMismatch, "address %s is not valid for %s",
			o.Address, s.chainParams.Name)
	}
	for _, existing := range s.outputs {
		if existing.Address != o.Address {
			continue
		}
		if existing.SameValue(o) {
			// Redelivered output fact.
			return errorf(ErrDuplicateOutput, "output %s/%d already proposed",
				o.Address, o.Amount)
		}
		return errorf(ErrDuplicateOutput, "address %s already reserved",
			o.Address)
	}

	co := *o
	if co.ProposedAt.IsZero() {
		co.ProposedAt = time.Now()
	}
	s.outputs = append(s.outputs, &co)
	s.refreshExpiry()

	if p, ok := s.participants[co.Proposer]; ok && p.Status == StatusJoined {
		p.Status = StatusActive
	}
	if s.state == StateCreated || s.state == StateJoining {
		s.state = StateProposing
	}
	return nil
}

// ProposeFee records the proposer's latest fee-rate proposal. A second
// proposal from the same participant replaces the first, so redelivery of
// the same fact is a no-op. Agreement on the consensus rate is a separate,
// explicit step (AgreeFee) driven by registry policy.
func (s *CoordinationSession) ProposeFee(f *CoordinationFeeProposal) error {
	if f == nil {
		return errorf(ErrInvalidArgument, "nil fee proposal")
	}
	if f.FeeRate <= 0 {
		return errorf(ErrInvalidArgument, "fee rate must be positive, got %v",
			f.FeeRate)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state.locked() {
		return errorf(ErrInvalidState, "session %s is %s", s.id, s.state)
	}
	p, ok := s.participants[f.Proposer]
	if !ok {
		return errorf(ErrInvalidArgument, "proposer %s is not a participant",
			f.Proposer)
	}

	fp := *f
	if fp.ProposedAt.IsZero() {
		fp.ProposedAt = time.Now()
	}
	p.FeeProposal = &fp
	if p.Status != StatusLeft {
		p.Status = StatusReady
	}
	s.refreshExpiry()

	if s.state == StateProposing {
		s.state = StateAgreeing
	}
	return nil
}

// AgreeFee sets the consensus fee rate exactly once. Re-agreeing the same
// value is an idempotent no-op; a different value is rejected. First caller
// wins, which is the safety net against concurrent auto-agreement races.
func (s *CoordinationSession) AgreeFee(rate float64) error {
	if rate <= 0 {
		return errorf(ErrInvalidArgument, "fee rate must be positive, got %v",
			rate)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.agreedFeeRate != nil {
		if *s.agreedFeeRate == rate {
			return nil
		}
		return errorf(ErrInvalidState,
			"fee already agreed at %v, rejecting %v", *s.agreedFeeRate, rate)
	}
	if s.state.locked() {
		return errorf(ErrInvalidState, "session %s is %s", s.id, s.state)
	}

	r := rate
	s.agreedFeeRate = &r
	s.refreshExpiry()
	return nil
}

// AllParticipantsProposedFees reports whether the expected number of
// participants has been reached and every one of them has a fee proposal.
func (s *CoordinationSession) AllParticipantsProposedFees() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.allProposedLocked()
}

func (s *CoordinationSession) allProposedLocked() bool {
	if len(s.participants) < s.expectedParticipants {
		return false
	}
	for _, p := range s.participants {
		if p.FeeProposal == nil {
			return false
		}
	}
	return true
}

// MaxProposedFeeRate returns the maximum of all fee proposals. Overpaying is
// always safe for confirmation reliability while underpaying risks a stuck
// transaction, so the consensus value is the max.
func (s *CoordinationSession) MaxProposedFeeRate() (float64, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var max float64
	var found bool
	for _, p := range s.participants {
		if p.FeeProposal == nil {
			continue
		}
		if !found || p.FeeProposal.FeeRate > max {
			max = p.FeeProposal.FeeRate
			found = true
		}
	}
	return max, found
}

// IsReadyToFinalize reports whether the local replica has observed everything
// needed to lock the transaction template: full participation, at least one
// output, a fee proposal from everyone, and an agreed rate.
func (s *CoordinationSession) IsReadyToFinalize() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if s.state.locked() {
		return false
	}
	if len(s.outputs) == 0 || s.agreedFeeRate == nil {
		return false
	}
	return s.allProposedLocked()
}

// Finalize transitions the session to FINALIZED, engaging the terminal lock.
func (s *CoordinationSession) Finalize() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state == StateFinalized {
		// Replayed finalize fact.
		return nil
	}
	if s.state.locked() {
		return errorf(ErrInvalidState, "session %s is %s", s.id, s.state)
	}
	if len(s.outputs) == 0 || s.agreedFeeRate == nil || !s.allProposedLocked() {
		return errorf(ErrInvalidState, "session %s is not ready to finalize",
			s.id)
	}

	s.refreshExpiry()
	s.state = StateFinalized
	return nil
}

// Complete marks a finalized session as done.
func (s *CoordinationSession) Complete() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state != StateFinalized {
		return errorf(ErrInvalidState,
			"cannot complete session %s in state %s", s.id, s.state)
	}
	s.state = StateCompleted
	return nil
}

// SetParticipantLeft flags a participant as having left. Participants are
// never removed; their contributions remain part of the replicated state.
func (s *CoordinationSession) SetParticipantLeft(id zkidentity.ShortID) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state.locked() {
		return errorf(ErrInvalidState, "session %s is %s", s.id, s.state)
	}
	p, ok := s.participants[id]
	if !ok {
		return errorf(ErrInvalidArgument, "%s is not a participant", id)
	}
	p.Status = StatusLeft
	s.refreshExpiry()
	return nil
}

// SetParticipantNick updates a participant's display name.
func (s *CoordinationSession) SetParticipantNick(id zkidentity.ShortID, nick string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return errorf(ErrInvalidArgument, "%s is not a participant", id)
	}
	p.Nick = nick
	return nil
}

// IsExpired reports whether the session has timed out. Expiry is discovered
// lazily: the first caller past the deadline also performs the EXPIRED
// transition. Finalized and completed sessions never expire.
func (s *CoordinationSession) IsExpired() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	switch s.state {
	case StateExpired:
		return true
	case StateFinalized, StateCompleted:
		return false
	}
	if time.Now().After(s.expiresAt) {
		s.state = StateExpired
		return true
	}
	return false
}
