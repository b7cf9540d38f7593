package coordsession

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/slog"
	"github.com/google/uuid"
)

// defaultSweepInterval is how often the background sweep evicts expired
// sessions. Expiry is otherwise only discovered lazily on access.
const defaultSweepInterval = time.Minute

// ManagerConfig configures a SessionManager.
type ManagerConfig struct {
	Log slog.Logger

	// Broadcaster hands locally produced facts to the transport. Nil is
	// allowed for replicas that only consume remote facts (or tests).
	Broadcaster FactBroadcaster

	// Notifications tracks handlers for registry events. If nil, the
	// manager will initialize a new notification manager.
	Notifications *NotificationManager

	// SweepInterval overrides the expiry sweep cadence. Zero means the
	// default.
	SweepInterval time.Duration
}

// SessionManager is the process-wide table of live coordination sessions.
// It is the only component that broadcasts facts to, and receives facts
// from, the transport. It is constructed explicitly and passed by reference;
// there is no hidden global table.
type SessionManager struct {
	log           slog.Logger
	ntfns         *NotificationManager
	broadcaster   FactBroadcaster
	sweepInterval time.Duration

	// One lock for the table, one lock per session. Operations on
	// unrelated sessions never contend.
	sessionsMtx sync.RWMutex
	sessions    map[string]*CoordinationSession
}

func NewSessionManager(cfg ManagerConfig) (*SessionManager, error) {
	if cfg.Log == nil {
		return nil, errorf(ErrInvalidArgument, "manager must have logger")
	}
	ntfns := cfg.Notifications
	if ntfns == nil {
		ntfns = NewNotificationManager()
	}
	interval := cfg.SweepInterval
	if interval == 0 {
		interval = defaultSweepInterval
	}
	return &SessionManager{
		log:           cfg.Log,
		ntfns:         ntfns,
		broadcaster:   cfg.Broadcaster,
		sweepInterval: interval,
		sessions:      make(map[string]*CoordinationSession),
	}, nil
}

// Notifications returns the manager's notification registry.
func (m *SessionManager) Notifications() *NotificationManager {
	return m.ntfns
}

// SetBroadcaster wires the transport after construction. The relay needs the
// manager for inbound facts and the manager needs the relay for outbound
// ones, so one of the two is attached late. Must be called before any
// session operation.
func (m *SessionManager) SetBroadcaster(b FactBroadcaster) {
	m.broadcaster = b
}

// Session looks up a live session by id.
func (m *SessionManager) Session(id string) (*CoordinationSession, error) {
	m.sessionsMtx.RLock()
	s, ok := m.sessions[id]
	m.sessionsMtx.RUnlock()
	if !ok {
		return nil, errorf(ErrSessionNotFound, "%s", id)
	}
	return s, nil
}

// Sessions returns a snapshot of the live session table.
func (m *SessionManager) Sessions() []*CoordinationSession {
	m.sessionsMtx.RLock()
	defer m.sessionsMtx.RUnlock()
	out := make([]*CoordinationSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// broadcast hands a fact to the transport. Delivery is the transport's
// problem; a send failure here is logged and retried by the relay layer, not
// treated as fatal to the local state change that already happened.
func (m *SessionManager) broadcast(ctx context.Context, f *Fact) {
	if m.broadcaster == nil {
		return
	}
	if err := m.broadcaster.BroadcastFact(ctx, f); err != nil {
		m.log.Warnf("failed to broadcast %s fact for session %s: %v",
			f.Type, f.SessionID, err)
	}
}

// CreateSession registers a fresh session derived from the local wallet's
// descriptor and network, and announces it for remote discovery. The session
// id is the only handle shared out-of-band to let remote participants join.
func (m *SessionManager) CreateSession(ctx context.Context, walletDescriptor string,
	chainParams *chaincfg.Params, expectedParticipants int) (*CoordinationSession, error) {

	id := uuid.NewString()
	s, err := NewCoordinationSession(id, walletDescriptor, chainParams,
		expectedParticipants)
	if err != nil {
		return nil, err
	}

	m.sessionsMtx.Lock()
	m.sessions[id] = s
	total := len(m.sessions)
	m.sessionsMtx.Unlock()

	m.log.Debugf("session %s created (%d expected participants, %d live sessions)",
		id, expectedParticipants, total)
	m.ntfns.notifySessionCreated(s)
	m.broadcast(ctx, &Fact{
		Type:                 FactSessionCreated,
		SessionID:            id,
		Timestamp:            s.CreatedAt(),
		WalletDescriptor:     walletDescriptor,
		Network:              s.Network(),
		ExpectedParticipants: expectedParticipants,
	})
	return s, nil
}

// JoinSession adds a participant to a session and broadcasts the join fact.
func (m *SessionManager) JoinSession(ctx context.Context, sessionID string,
	participantID zkidentity.ShortID, nick string) error {

	s, err := m.Session(sessionID)
	if err != nil {
		return err
	}
	if s.IsExpired() {
		return errorf(ErrInvalidState, "session %s has expired", sessionID)
	}

	p := &CoordinationParticipant{
		ID:       participantID,
		Nick:     nick,
		JoinedAt: time.Now(),
	}
	oldState := s.State()
	if err := s.AddParticipant(p); err != nil {
		return err
	}

	m.ntfns.notifyParticipantJoined(sessionID, p)
	m.emitStateChange(sessionID, oldState, s.State())
	m.broadcast(ctx, &Fact{
		Type:          FactParticipantJoined,
		SessionID:     sessionID,
		Timestamp:     p.JoinedAt,
		ParticipantID: participantID.String(),
		Nick:          nick,
	})
	return nil
}

// ProposeOutput appends an output to a session and broadcasts the fact.
func (m *SessionManager) ProposeOutput(ctx context.Context, sessionID string,
	o *CoordinationOutput) error {

	s, err := m.Session(sessionID)
	if err != nil {
		return err
	}
	if s.IsExpired() {
		return errorf(ErrInvalidState, "session %s has expired", sessionID)
	}

	oldState := s.State()
	if err := s.ProposeOutput(o); err != nil {
		return err
	}

	m.ntfns.notifyOutputProposed(sessionID, o)
	m.emitStateChange(sessionID, oldState, s.State())
	m.broadcast(ctx, &Fact{
		Type:          FactOutputProposed,
		SessionID:     sessionID,
		Timestamp:     o.ProposedAt,
		ParticipantID: o.Proposer.String(),
		Address:       o.Address,
		Amount:        o.Amount,
		Label:         o.Label,
	})
	return nil
}

// ProposeFee records a fee proposal, broadcasts the fact and then runs the
// auto-agreement policy: once every expected participant has proposed, the
// maximum rate becomes the consensus value.
func (m *SessionManager) ProposeFee(ctx context.Context, sessionID string,
	f *CoordinationFeeProposal) error {

	s, err := m.Session(sessionID)
	if err != nil {
		return err
	}
	if s.IsExpired() {
		return errorf(ErrInvalidState, "session %s has expired", sessionID)
	}

	oldState := s.State()
	if err := s.ProposeFee(f); err != nil {
		return err
	}

	m.ntfns.notifyFeeProposed(sessionID, f)
	m.emitStateChange(sessionID, oldState, s.State())
	m.broadcast(ctx, &Fact{
		Type:          FactFeeProposed,
		SessionID:     sessionID,
		Timestamp:     f.ProposedAt,
		ParticipantID: f.Proposer.String(),
		FeeRate:       f.FeeRate,
	})

	m.maybeAgreeFee(sessionID, s)
	return nil
}

// maybeAgreeFee applies the max-rate consensus once all expected fee
// proposals are present. Agreement is deterministic on every replica, so no
// fact is broadcast for it; the session's first-agree-wins rule is the
// safety net if two proposals race here.
func (m *SessionManager) maybeAgreeFee(sessionID string, s *CoordinationSession) {
	if !s.AllParticipantsProposedFees() {
		return
	}
	max, ok := s.MaxProposedFeeRate()
	if !ok {
		return
	}
	if err := s.AgreeFee(max); err != nil {
		// Already agreed, typically from a concurrent proposal or a
		// replayed fact. Not a conflict.
		m.log.Debugf("session %s: fee auto-agreement skipped: %v",
			sessionID, err)
		return
	}
	m.log.Infof("session %s: agreed fee rate %.3f sat/vB", sessionID, max)
	m.ntfns.notifyFeeAgreed(sessionID, max)
}

// FinalizeSession locks the transaction template and broadcasts the
// finalize fact.
func (m *SessionManager) FinalizeSession(ctx context.Context, sessionID string) error {
	s, err := m.Session(sessionID)
	if err != nil {
		return err
	}
	if s.IsExpired() {
		return errorf(ErrInvalidState, "session %s has expired", sessionID)
	}

	oldState := s.State()
	if err := s.Finalize(); err != nil {
		return err
	}

	m.emitStateChange(sessionID, oldState, s.State())
	m.broadcast(ctx, &Fact{
		Type:      FactSessionFinalized,
		SessionID: sessionID,
		Timestamp: time.Now(),
	})
	return nil
}

// CompleteSession marks a finalized session done. Completion is a local
// decision (the participant combined and broadcast the transaction), so no
// fact is emitted.
func (m *SessionManager) CompleteSession(sessionID string) error {
	s, err := m.Session(sessionID)
	if err != nil {
		return err
	}
	oldState := s.State()
	if err := s.Complete(); err != nil {
		return err
	}
	m.emitStateChange(sessionID, oldState, s.State())
	return nil
}

// LeaveSession flags a participant as having left.
func (m *SessionManager) LeaveSession(sessionID string, participantID zkidentity.ShortID) error {
	s, err := m.Session(sessionID)
	if err != nil {
		return err
	}
	return s.SetParticipantLeft(participantID)
}

// RemoveSession evicts a session from the table.
func (m *SessionManager) RemoveSession(sessionID string) {
	m.sessionsMtx.Lock()
	delete(m.sessions, sessionID)
	m.sessionsMtx.Unlock()
}

func (m *SessionManager) emitStateChange(sessionID string, oldState, newState SessionState) {
	if oldState == newState {
		return
	}
	m.log.Debugf("session %s: %s -> %s", sessionID, oldState, newState)
	m.ntfns.notifyStateChanged(sessionID, oldState, newState)
}

// ApplyFact replays a remote fact into the local replica. Duplicate
// participant/output errors represent expected transport redelivery and are
// absorbed; every other domain error is surfaced to the transport layer.
func (m *SessionManager) ApplyFact(ctx context.Context, f *Fact) error {
	if f == nil {
		return errorf(ErrInvalidArgument, "nil fact")
	}

	switch f.Type {
	case FactSessionCreated:
		return m.applyCreate(f)
	case FactParticipantJoined:
		return m.absorbDuplicate(f, m.applyJoin(f))
	case FactOutputProposed:
		return m.absorbDuplicate(f, m.applyOutput(f))
	case FactFeeProposed:
		return m.applyFee(f)
	case FactSessionFinalized:
		return m.applyFinalize(f)
	default:
		return errorf(ErrInvalidArgument, "unknown fact type %q", f.Type)
	}
}

func (m *SessionManager) absorbDuplicate(f *Fact, err error) error {
	if err == nil {
		return nil
	}
	if IsDuplicateFact(err) {
		m.log.Debugf("redelivered %s fact for session %s: %v",
			f.Type, f.SessionID, err)
		return nil
	}
	return err
}

func (m *SessionManager) applyCreate(f *Fact) error {
	m.sessionsMtx.Lock()
	defer m.sessionsMtx.Unlock()

	if _, ok := m.sessions[f.SessionID]; ok {
		// Redelivered create fact.
		return nil
	}
	params, err := ParamsFromNetwork(f.Network)
	if err != nil {
		return errorf(ErrInvalidArgument, "create fact: %v", err)
	}
	s, err := NewCoordinationSession(f.SessionID, f.WalletDescriptor, params,
		f.ExpectedParticipants)
	if err != nil {
		return err
	}
	m.sessions[f.SessionID] = s

	m.log.Debugf("session %s discovered via transport", f.SessionID)
	m.ntfns.notifySessionCreated(s)
	return nil
}

func (m *SessionManager) applyJoin(f *Fact) error {
	s, err := m.Session(f.SessionID)
	if err != nil {
		return err
	}
	var pid zkidentity.ShortID
	if err := pid.FromString(f.ParticipantID); err != nil {
		return errorf(ErrInvalidArgument, "join fact: bad participant id: %v", err)
	}

	p := &CoordinationParticipant{
		ID:       pid,
		Nick:     f.Nick,
		JoinedAt: f.Timestamp,
	}
	oldState := s.State()
	if err := s.AddParticipant(p); err != nil {
		return err
	}
	m.ntfns.notifyParticipantJoined(f.SessionID, p)
	m.emitStateChange(f.SessionID, oldState, s.State())
	return nil
}

func (m *SessionManager) applyOutput(f *Fact) error {
	s, err := m.Session(f.SessionID)
	if err != nil {
		return err
	}
	var pid zkidentity.ShortID
	if err := pid.FromString(f.ParticipantID); err != nil {
		return errorf(ErrInvalidArgument, "output fact: bad participant id: %v", err)
	}

	o := &CoordinationOutput{
		Address:    f.Address,
		Amount:     f.Amount,
		Label:      f.Label,
		Proposer:   pid,
		ProposedAt: f.Timestamp,
	}
	oldState := s.State()
	if err := s.ProposeOutput(o); err != nil {
		return err
	}
	m.ntfns.notifyOutputProposed(f.SessionID, o)
	m.emitStateChange(f.SessionID, oldState, s.State())
	return nil
}

func (m *SessionManager) applyFee(f *Fact) error {
	s, err := m.Session(f.SessionID)
	if err != nil {
		return err
	}
	var pid zkidentity.ShortID
	if err := pid.FromString(f.ParticipantID); err != nil {
		return errorf(ErrInvalidArgument, "fee fact: bad participant id: %v", err)
	}

	fp := &CoordinationFeeProposal{
		Proposer:   pid,
		FeeRate:    f.FeeRate,
		ProposedAt: f.Timestamp,
	}
	oldState := s.State()
	if err := s.ProposeFee(fp); err != nil {
		return err
	}
	m.ntfns.notifyFeeProposed(f.SessionID, fp)
	m.emitStateChange(f.SessionID, oldState, s.State())
	m.maybeAgreeFee(f.SessionID, s)
	return nil
}

func (m *SessionManager) applyFinalize(f *Fact) error {
	s, err := m.Session(f.SessionID)
	if err != nil {
		return err
	}
	oldState := s.State()
	if err := s.Finalize(); err != nil {
		return err
	}
	m.emitStateChange(f.SessionID, oldState, s.State())
	return nil
}

// CleanupExpiredSessions evicts every expired session from the table and
// returns how many were removed.
func (m *SessionManager) CleanupExpiredSessions() int {
	m.sessionsMtx.RLock()
	candidates := make([]*CoordinationSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.sessionsMtx.RUnlock()

	var removed int
	for _, s := range candidates {
		if !s.IsExpired() {
			continue
		}
		m.sessionsMtx.Lock()
		delete(m.sessions, s.ID())
		m.sessionsMtx.Unlock()

		m.log.Infof("session %s expired, evicted", s.ID())
		m.ntfns.notifySessionExpired(s.ID())
		removed++
	}
	return removed
}

// Run drives the expiry sweep on its own schedule, independent of any
// request path, until the context is canceled.
func (m *SessionManager) Run(ctx context.Context) error {
	t := time.NewTicker(m.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n := m.CleanupExpiredSessions(); n > 0 {
				m.log.Debugf("expiry sweep removed %d sessions", n)
			}
		}
	}
}
