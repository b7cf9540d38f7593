package coordsession

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/companyzero/bisonrelay/zkidentity"
)

// Inactivity and lifetime deadlines for a session. Every state-mutating call
// pushes expiresAt forward by InactivityTimeout, capped at
// MaxSessionLifetime past creation.
const (
	InactivityTimeout  = time.Hour
	MaxSessionLifetime = 24 * time.Hour
)

// SessionState is the lifecycle tag of a coordination session.
type SessionState int32

const (
	StateCreated SessionState = iota
	StateJoining
	StateProposing
	StateAgreeing
	StateFinalized
	StateCompleted
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateJoining:
		return "joining"
	case StateProposing:
		return "proposing"
	case StateAgreeing:
		return "agreeing"
	case StateFinalized:
		return "finalized"
	case StateCompleted:
		return "completed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// locked reports whether the state forbids further mutation.
func (s SessionState) locked() bool {
	return s == StateFinalized || s == StateCompleted || s == StateExpired
}

// terminal reports whether the state can never change again, except for the
// FINALIZED -> COMPLETED transition handled by Complete.
func (s SessionState) terminal() bool {
	return s == StateCompleted || s == StateExpired
}

// ParticipantStatus tracks what a participant has contributed so far.
type ParticipantStatus int32

const (
	StatusJoined ParticipantStatus = iota
	StatusActive
	StatusReady
	StatusLeft
)

func (s ParticipantStatus) String() string {
	switch s {
	case StatusJoined:
		return "joined"
	case StatusActive:
		return "active"
	case StatusReady:
		return "ready"
	case StatusLeft:
		return "left"
	default:
		return "unknown"
	}
}

// CoordinationOutput is an immutable output proposed into a session. Amounts
// are in satoshis.
type CoordinationOutput struct {
	Address    string
	Amount     int64
	Label      string
	Proposer   zkidentity.ShortID
	ProposedAt time.Time
}

// SameValue reports value equality for duplicate detection: two outputs are
// the same payment when address and amount match. The address-reservation
// rule in ProposeOutput is stricter and keys on address alone.
func (o *CoordinationOutput) SameValue(other *CoordinationOutput) bool {
	return o.Address == other.Address && o.Amount == other.Amount
}

// CoordinationFeeProposal is an immutable fee-rate proposal in sat/vB.
type CoordinationFeeProposal struct {
	Proposer   zkidentity.ShortID
	FeeRate    float64
	ProposedAt time.Time
}

// CoordinationParticipant is one party in a session. Created when a join fact
// is applied; never deleted, only status-transitioned.
type CoordinationParticipant struct {
	ID       zkidentity.ShortID
	Nick     string
	Status   ParticipantStatus
	JoinedAt time.Time

	// FeeProposal is the participant's latest proposal, nil until they
	// propose one. A newer proposal replaces it.
	FeeProposal *CoordinationFeeProposal
}

// CoordinationSession is the replicated aggregate coordinating one Bitcoin
// transaction. All mutation goes through its methods; every replica applies
// the same facts and derives the same state.
type CoordinationSession struct {
	mtx sync.RWMutex

	id                   string
	walletDescriptor     string
	chainParams          *chaincfg.Params
	expectedParticipants int

	participants map[zkidentity.ShortID]*CoordinationParticipant
	outputs      []*CoordinationOutput

	agreedFeeRate *float64
	state         SessionState

	createdAt time.Time
	expiresAt time.Time
}

// NewCoordinationSession builds an empty session. The id is caller-supplied
// and must be unique; walletDescriptor describes the multisig policy the
// participants share.
func NewCoordinationSession(id, walletDescriptor string,
	chainParams *chaincfg.Params, expectedParticipants int) (*CoordinationSession, error) {

	if id == "" {
		return nil, errorf(ErrInvalidArgument, "empty session id")
	}
	if chainParams == nil {
		return nil, errorf(ErrInvalidArgument, "nil chain params")
	}
	if expectedParticipants < 2 {
		return nil, errorf(ErrInvalidArgument,
			"expected participants must be >= 2, got %d", expectedParticipants)
	}

	now := time.Now()
	s := &CoordinationSession{
		id:                   id,
		walletDescriptor:     walletDescriptor,
		chainParams:          chainParams,
		expectedParticipants: expectedParticipants,
		participants:         make(map[zkidentity.ShortID]*CoordinationParticipant),
		state:                StateCreated,
		createdAt:            now,
		expiresAt:            deadline(now, now),
	}
	return s, nil
}

// deadline computes min(now + InactivityTimeout, createdAt + MaxSessionLifetime).
func deadline(now, createdAt time.Time) time.Time {
	d := now.Add(InactivityTimeout)
	if max := createdAt.Add(MaxSessionLifetime); d.After(max) {
		return max
	}
	return d
}

func (s *CoordinationSession) ID() string {
	return s.id
}

func (s *CoordinationSession) WalletDescriptor() string {
	return s.walletDescriptor
}

// ChainParams returns the chain the session's outputs must belong to.
func (s *CoordinationSession) ChainParams() *chaincfg.Params {
	return s.chainParams
}

// Network returns the chain identifier (e.g. "mainnet", "testnet3").
func (s *CoordinationSession) Network() string {
	return s.chainParams.Name
}

func (s *CoordinationSession) ExpectedParticipants() int {
	return s.expectedParticipants
}

func (s *CoordinationSession) State() SessionState {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.state
}

func (s *CoordinationSession) CreatedAt() time.Time {
	return s.createdAt
}

func (s *CoordinationSession) ExpiresAt() time.Time {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.expiresAt
}

// AgreedFeeRate returns the consensus fee rate and whether it has been set.
func (s *CoordinationSession) AgreedFeeRate() (float64, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.agreedFeeRate == nil {
		return 0, false
	}
	return *s.agreedFeeRate, true
}

// Participants returns a snapshot copy of the participant set.
func (s *CoordinationSession) Participants() []*CoordinationParticipant {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]*CoordinationParticipant, 0, len(s.participants))
	for _, p := range s.participants {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Participant returns a copy of a single participant, or nil when unknown.
func (s *CoordinationSession) Participant(id zkidentity.ShortID) *CoordinationParticipant {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (s *CoordinationSession) ParticipantCount() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.participants)
}

// Outputs returns a snapshot copy of the accepted outputs, in proposal
// arrival order.
func (s *CoordinationSession) Outputs() []*CoordinationOutput {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]*CoordinationOutput, len(s.outputs))
	for i, o := range s.outputs {
		co := *o
		out[i] = &co
	}
	return out
}

// ParticipantOutputs returns the subsequence of outputs proposed by one
// participant. Derived from the session's output sequence rather than stored
// per participant.
func (s *CoordinationSession) ParticipantOutputs(id zkidentity.ShortID) []*CoordinationOutput {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var out []*CoordinationOutput
	for _, o := range s.outputs {
		if o.Proposer == id {
			co := *o
			out = append(out, &co)
		}
	}
	return out
}

// FeeProposals returns a snapshot of the latest fee proposal per participant.
func (s *CoordinationSession) FeeProposals() []*CoordinationFeeProposal {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var out []*CoordinationFeeProposal
	for _, p := range s.participants {
		if p.FeeProposal != nil {
			fp := *p.FeeProposal
			out = append(out, &fp)
		}
	}
	return out
}

// TotalOutputAmount sums all accepted output amounts in satoshis.
func (s *CoordinationSession) TotalOutputAmount() int64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var total int64
	for _, o := range s.outputs {
		total += o.Amount
	}
	return total
}
