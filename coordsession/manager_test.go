package coordsession

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
)

// recordingBroadcaster captures every fact the manager hands to the
// transport.
type recordingBroadcaster struct {
	mtx   sync.Mutex
	facts []*Fact
}

func (b *recordingBroadcaster) BroadcastFact(_ context.Context, f *Fact) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	cp := *f
	b.facts = append(b.facts, &cp)
	return nil
}

func (b *recordingBroadcaster) recorded() []*Fact {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return append([]*Fact(nil), b.facts...)
}

func newTestManager(t *testing.T, b FactBroadcaster) *SessionManager {
	t.Helper()
	m, err := NewSessionManager(ManagerConfig{
		Log:         slog.Disabled,
		Broadcaster: b,
	})
	assert.NoError(t, err)
	return m
}

func TestManagerSessionFlow(t *testing.T) {
	ctx := context.Background()
	bc := &recordingBroadcaster{}
	m := newTestManager(t, bc)

	s, err := m.CreateSession(ctx, "wsh(multi(2,keyA,keyB))", testParams, 2)
	assert.NoError(t, err)
	assert.NotEmpty(t, s.ID())

	got, err := m.Session(s.ID())
	assert.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = m.Session("no-such-session")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.NoError(t, m.JoinSession(ctx, s.ID(), testID(1), "alice"))
	assert.NoError(t, m.JoinSession(ctx, s.ID(), testID(2), "bob"))
	assert.Equal(t, StateJoining, s.State())

	assert.NoError(t, m.ProposeOutput(ctx, s.ID(), &CoordinationOutput{
		Address:  testAddr(t, 0x01, testParams),
		Amount:   50000,
		Proposer: testID(1),
	}))
	assert.NoError(t, m.ProposeOutput(ctx, s.ID(), &CoordinationOutput{
		Address:  testAddr(t, 0x02, testParams),
		Amount:   30000,
		Proposer: testID(2),
	}))

	assert.NoError(t, m.ProposeFee(ctx, s.ID(), &CoordinationFeeProposal{
		Proposer: testID(1), FeeRate: 10,
	}))
	_, agreed := s.AgreedFeeRate()
	assert.False(t, agreed)

	// The second proposal completes the set and triggers auto-agreement
	// on the maximum rate.
	assert.NoError(t, m.ProposeFee(ctx, s.ID(), &CoordinationFeeProposal{
		Proposer: testID(2), FeeRate: 12.5,
	}))
	rate, agreed := s.AgreedFeeRate()
	assert.True(t, agreed)
	assert.Equal(t, 12.5, rate)

	assert.NoError(t, m.FinalizeSession(ctx, s.ID()))
	assert.Equal(t, StateFinalized, s.State())
	assert.NoError(t, m.CompleteSession(s.ID()))
	assert.Equal(t, StateCompleted, s.State())

	// One fact per externally visible mutation: create, 2 joins, 2
	// outputs, 2 fees, finalize. Agreement and completion are local.
	types := make([]FactType, 0)
	for _, f := range bc.recorded() {
		types = append(types, f.Type)
	}
	assert.Equal(t, []FactType{
		FactSessionCreated,
		FactParticipantJoined, FactParticipantJoined,
		FactOutputProposed, FactOutputProposed,
		FactFeeProposed, FactFeeProposed,
		FactSessionFinalized,
	}, types)
}

func TestManagerJoinUnknownSession(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.JoinSession(context.Background(), "missing", testID(1), "alice")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerFactReplication(t *testing.T) {
	ctx := context.Background()
	bc := &recordingBroadcaster{}
	source := newTestManager(t, bc)

	s, err := source.CreateSession(ctx, "wsh(multi(2,keyA,keyB))", testParams, 2)
	assert.NoError(t, err)
	assert.NoError(t, source.JoinSession(ctx, s.ID(), testID(1), "alice"))
	assert.NoError(t, source.JoinSession(ctx, s.ID(), testID(2), "bob"))
	assert.NoError(t, source.ProposeOutput(ctx, s.ID(), &CoordinationOutput{
		Address:  testAddr(t, 0x01, testParams),
		Amount:   80000,
		Proposer: testID(1),
	}))
	assert.NoError(t, source.ProposeFee(ctx, s.ID(), &CoordinationFeeProposal{
		Proposer: testID(1), FeeRate: 10,
	}))
	assert.NoError(t, source.ProposeFee(ctx, s.ID(), &CoordinationFeeProposal{
		Proposer: testID(2), FeeRate: 12.5,
	}))
	assert.NoError(t, source.FinalizeSession(ctx, s.ID()))

	// Replay the recorded fact stream into a second replica, and then
	// replay it all again to model at-least-once delivery.
	replica := newTestManager(t, nil)
	for i := 0; i < 2; i++ {
		for _, f := range bc.recorded() {
			assert.NoError(t, replica.ApplyFact(ctx, f))
		}
	}

	rs, err := replica.Session(s.ID())
	assert.NoError(t, err)
	assert.Equal(t, StateFinalized, rs.State())
	assert.Equal(t, s.ParticipantCount(), rs.ParticipantCount())
	assert.EqualValues(t, 80000, rs.TotalOutputAmount())
	assert.Len(t, rs.Outputs(), 1)

	rate, agreed := rs.AgreedFeeRate()
	assert.True(t, agreed)
	assert.Equal(t, 12.5, rate)
}

func TestManagerApplyFactValidation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	assert.ErrorIs(t, m.ApplyFact(ctx, nil), ErrInvalidArgument)
	assert.ErrorIs(t, m.ApplyFact(ctx, &Fact{Type: "bogus"}), ErrInvalidArgument)

	err := m.ApplyFact(ctx, &Fact{
		Type:      FactSessionCreated,
		SessionID: "sess",
		Network:   "moonnet",
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// Joining an unknown session is an error, not a silent drop: the
	// caller can then request the create fact be resent.
	err = m.ApplyFact(ctx, &Fact{
		Type:          FactParticipantJoined,
		SessionID:     "missing",
		ParticipantID: testID(1).String(),
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// A malformed participant id is rejected.
	assert.NoError(t, m.ApplyFact(ctx, &Fact{
		Type:                 FactSessionCreated,
		SessionID:            "sess",
		Network:              testParams.Name,
		ExpectedParticipants: 2,
	}))
	err = m.ApplyFact(ctx, &Fact{
		Type:          FactParticipantJoined,
		SessionID:     "sess",
		ParticipantID: "not-hex",
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestManagerFinalizeExpiredSession(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	s, err := m.CreateSession(ctx, "desc", testParams, 2)
	assert.NoError(t, err)
	assert.NoError(t, m.JoinSession(ctx, s.ID(), testID(1), "alice"))
	assert.NoError(t, m.JoinSession(ctx, s.ID(), testID(2), "bob"))
	assert.NoError(t, m.ProposeOutput(ctx, s.ID(), &CoordinationOutput{
		Address:  testAddr(t, 0x01, testParams),
		Amount:   1000,
		Proposer: testID(1),
	}))
	assert.NoError(t, m.ProposeFee(ctx, s.ID(), &CoordinationFeeProposal{
		Proposer: testID(1), FeeRate: 4,
	}))
	assert.NoError(t, m.ProposeFee(ctx, s.ID(), &CoordinationFeeProposal{
		Proposer: testID(2), FeeRate: 4,
	}))
	assert.True(t, s.IsReadyToFinalize())

	s.mtx.Lock()
	s.expiresAt = time.Now().Add(-time.Minute)
	s.mtx.Unlock()

	// A session idle past its deadline cannot be locked in, even when it
	// was otherwise ready. Discovering the deadline performs the EXPIRED
	// transition instead.
	err = m.FinalizeSession(ctx, s.ID())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateExpired, s.State())
}

func TestManagerCleanupExpiredSessions(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	var expired []string
	m.Notifications().RegisterSessionExpired(func(sessionID string) {
		expired = append(expired, sessionID)
	})

	live, err := m.CreateSession(ctx, "descA", testParams, 2)
	assert.NoError(t, err)
	dead, err := m.CreateSession(ctx, "descB", testParams, 2)
	assert.NoError(t, err)

	dead.mtx.Lock()
	dead.expiresAt = time.Now().Add(-time.Minute)
	dead.mtx.Unlock()

	assert.Equal(t, 1, m.CleanupExpiredSessions())
	assert.Equal(t, []string{dead.ID()}, expired)

	_, err = m.Session(dead.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Session(live.ID())
	assert.NoError(t, err)

	// Expired sessions also reject direct use before the sweep runs.
	stale, err := m.CreateSession(ctx, "descC", testParams, 2)
	assert.NoError(t, err)
	stale.mtx.Lock()
	stale.expiresAt = time.Now().Add(-time.Minute)
	stale.mtx.Unlock()
	err = m.JoinSession(ctx, stale.ID(), testID(1), "late")
	assert.ErrorIs(t, err, ErrInvalidState)
}
