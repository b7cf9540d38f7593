package coordsession

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

// FactType tags the replicated session events.
type FactType string

const (
	FactSessionCreated    FactType = "create"
	FactParticipantJoined FactType = "join"
	FactOutputProposed    FactType = "output"
	FactFeeProposed       FactType = "fee"
	FactSessionFinalized  FactType = "finalize"
)

// Fact is one immutable proposal/event applied to every replica. The
// transport delivers facts at-least-once and possibly out of order across
// sessions; applying a fact twice must never double-count.
type Fact struct {
	Type      FactType  `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"ts"`

	// Create facts.
	WalletDescriptor     string `json:"wallet_descriptor,omitempty"`
	Network              string `json:"network,omitempty"`
	ExpectedParticipants int    `json:"expected_participants,omitempty"`

	// Join, output and fee facts.
	ParticipantID string `json:"participant_id,omitempty"`
	Nick          string `json:"nick,omitempty"`

	// Output facts.
	Address string `json:"address,omitempty"`
	Amount  int64  `json:"amount,omitempty"`
	Label   string `json:"label,omitempty"`

	// Fee facts.
	FeeRate float64 `json:"fee_rate,omitempty"`
}

// FactBroadcaster hands facts to the external transport for delivery to
// every other registry replica. The core never performs network I/O itself.
type FactBroadcaster interface {
	BroadcastFact(ctx context.Context, f *Fact) error
}

// ParamsFromNetwork resolves a chain identifier carried in a fact back to
// chain parameters.
func ParamsFromNetwork(network string) (*chaincfg.Params, error) {
	switch network {
	case chaincfg.MainNetParams.Name:
		return &chaincfg.MainNetParams, nil
	case chaincfg.TestNet3Params.Name:
		return &chaincfg.TestNet3Params, nil
	case chaincfg.RegressionNetParams.Name:
		return &chaincfg.RegressionNetParams, nil
	case chaincfg.SimNetParams.Name:
		return &chaincfg.SimNetParams, nil
	case chaincfg.SigNetParams.Name:
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}
