package coordsession

import "sync"

// NotificationManager tracks registered callbacks for registry events. It
// replaces bus-style event dispatch with an explicit, typed interface: the
// presentation layer registers handlers and the registry invokes them after
// the corresponding state change, with no session lock held.
type NotificationManager struct {
	mtx sync.RWMutex

	sessionCreated    []func(s *CoordinationSession)
	participantJoined []func(sessionID string, p *CoordinationParticipant)
	outputProposed    []func(sessionID string, o *CoordinationOutput)
	feeProposed       []func(sessionID string, f *CoordinationFeeProposal)
	feeAgreed         []func(sessionID string, rate float64)
	stateChanged      []func(sessionID string, oldState, newState SessionState)
	sessionExpired    []func(sessionID string)
}

func NewNotificationManager() *NotificationManager {
	return &NotificationManager{}
}

func (nm *NotificationManager) RegisterSessionCreated(fn func(s *CoordinationSession)) {
	nm.mtx.Lock()
	nm.sessionCreated = append(nm.sessionCreated, fn)
	nm.mtx.Unlock()
}

func (nm *NotificationManager) RegisterParticipantJoined(fn func(sessionID string, p *CoordinationParticipant)) {
	nm.mtx.Lock()
	nm.participantJoined = append(nm.participantJoined, fn)
	nm.mtx.Unlock()
}

func (nm *NotificationManager) RegisterOutputProposed(fn func(sessionID string, o *CoordinationOutput)) {
	nm.mtx.Lock()
	nm.outputProposed = append(nm.outputProposed, fn)
	nm.mtx.Unlock()
}

func (nm *NotificationManager) RegisterFeeProposed(fn func(sessionID string, f *CoordinationFeeProposal)) {
	nm.mtx.Lock()
	nm.feeProposed = append(nm.feeProposed, fn)
	nm.mtx.Unlock()
}

func (nm *NotificationManager) RegisterFeeAgreed(fn func(sessionID string, rate float64)) {
	nm.mtx.Lock()
	nm.feeAgreed = append(nm.feeAgreed, fn)
	nm.mtx.Unlock()
}

func (nm *NotificationManager) RegisterStateChanged(fn func(sessionID string, oldState, newState SessionState)) {
	nm.mtx.Lock()
	nm.stateChanged = append(nm.stateChanged, fn)
	nm.mtx.Unlock()
}

func (nm *NotificationManager) RegisterSessionExpired(fn func(sessionID string)) {
	nm.mtx.Lock()
	nm.sessionExpired = append(nm.sessionExpired, fn)
	nm.mtx.Unlock()
}

func (nm *NotificationManager) notifySessionCreated(s *CoordinationSession) {
	nm.mtx.RLock()
	handlers := nm.sessionCreated
	nm.mtx.RUnlock()
	for _, fn := range handlers {
		fn(s)
	}
}

func (nm *NotificationManager) notifyParticipantJoined(sessionID string, p *CoordinationParticipant) {
	nm.mtx.RLock()
	handlers := nm.participantJoined
	nm.mtx.RUnlock()
	for _, fn := range handlers {
		fn(sessionID, p)
	}
}

func (nm *NotificationManager) notifyOutputProposed(sessionID string, o *CoordinationOutput) {
	nm.mtx.RLock()
	handlers := nm.outputProposed
	nm.mtx.RUnlock()
	for _, fn := range handlers {
		fn(sessionID, o)
	}
}

func (nm *NotificationManager) notifyFeeProposed(sessionID string, f *CoordinationFeeProposal) {
	nm.mtx.RLock()
	handlers := nm.feeProposed
	nm.mtx.RUnlock()
	for _, fn := range handlers {
		fn(sessionID, f)
	}
}

func (nm *NotificationManager) notifyFeeAgreed(sessionID string, rate float64) {
	nm.mtx.RLock()
	handlers := nm.feeAgreed
	nm.mtx.RUnlock()
	for _, fn := range handlers {
		fn(sessionID, rate)
	}
}

func (nm *NotificationManager) notifyStateChanged(sessionID string, oldState, newState SessionState) {
	nm.mtx.RLock()
	handlers := nm.stateChanged
	nm.mtx.RUnlock()
	for _, fn := range handlers {
		fn(sessionID, oldState, newState)
	}
}

func (nm *NotificationManager) notifySessionExpired(sessionID string) {
	nm.mtx.RLock()
	handlers := nm.sessionExpired
	nm.mtx.RUnlock()
	for _, fn := range handlers {
		fn(sessionID)
	}
}
