// Package relay moves coordination facts over Bison Relay. Facts are JSON
// payloads carried in private messages; the relay network provides
// at-least-once delivery, so the registry's replay path is what keeps
// duplicates harmless.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/companyzero/bisonrelay/clientrpc/types"
	"github.com/decred/slog"
	"github.com/vctt94/coord-bisonrelay/coordsession"
)

// factPrefix marks a PM as a coordination fact so ordinary chatter is
// ignored.
const factPrefix = "coordfact:"

// Bot is the narrow slice of the relay bot the fact relay needs.
type Bot interface {
	SendPM(ctx context.Context, nick string, msg string) error
}

type Config struct {
	Log     slog.Logger
	Bot     Bot
	Manager *coordsession.SessionManager
}

// Relay broadcasts locally produced facts to every known peer and feeds
// inbound facts into the local session manager.
type Relay struct {
	log slog.Logger
	bot Bot
	mgr *coordsession.SessionManager

	mtx   sync.RWMutex
	peers map[string]struct{}
}

func NewRelay(cfg Config) (*Relay, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("relay must have logger")
	}
	if cfg.Bot == nil {
		return nil, fmt.Errorf("relay must have bot")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("relay must have session manager")
	}
	return &Relay{
		log:   cfg.Log,
		bot:   cfg.Bot,
		mgr:   cfg.Manager,
		peers: make(map[string]struct{}),
	}, nil
}

// AddPeer registers a relay user to broadcast facts to. Peers are also
// learned automatically from inbound facts.
func (r *Relay) AddPeer(nick string) {
	if nick == "" {
		return
	}
	r.mtx.Lock()
	r.peers[nick] = struct{}{}
	r.mtx.Unlock()
}

func (r *Relay) RemovePeer(nick string) {
	r.mtx.Lock()
	delete(r.peers, nick)
	r.mtx.Unlock()
}

// Peers returns a snapshot of the known peer set.
func (r *Relay) Peers() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]string, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}

// BroadcastFact sends the fact to every known peer. Individual send
// failures don't abort the fan-out; the relay network's own retries plus
// idempotent fact application cover redelivery.
func (r *Relay) BroadcastFact(ctx context.Context, f *coordsession.Fact) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fact: %w", err)
	}
	msg := factPrefix + string(payload)

	var failed int
	for _, peer := range r.Peers() {
		if err := r.bot.SendPM(ctx, peer, msg); err != nil {
			r.log.Warnf("send %s fact to %s: %v", f.Type, peer, err)
			failed++
		}
	}
	if n := len(r.Peers()); failed > 0 && failed == n {
		return fmt.Errorf("fact delivery failed to all %d peers", n)
	}
	return nil
}

// HandlePM inspects one inbound private message and, when it carries a
// fact, replays it into the local session manager. Non-fact messages are
// ignored. Duplicate-fact errors have already been absorbed by the manager;
// anything surfacing here is a genuinely malformed or conflicting fact.
func (r *Relay) HandlePM(ctx context.Context, fromNick, msg string) error {
	if !strings.HasPrefix(msg, factPrefix) {
		return nil
	}
	var f coordsession.Fact
	if err := json.Unmarshal([]byte(strings.TrimPrefix(msg, factPrefix)), &f); err != nil {
		return fmt.Errorf("decode fact from %s: %w", fromNick, err)
	}

	r.AddPeer(fromNick)
	if err := r.mgr.ApplyFact(ctx, &f); err != nil {
		return fmt.Errorf("apply %s fact from %s: %w", f.Type, fromNick, err)
	}
	r.log.Debugf("applied %s fact for session %s from %s", f.Type,
		f.SessionID, fromNick)
	return nil
}

// Run consumes the bot's PM channel until the context is canceled. Fact
// errors are logged, never fatal to the loop.
func (r *Relay) Run(ctx context.Context, pms <-chan types.ReceivedPM) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pm, ok := <-pms:
			if !ok {
				return nil
			}
			if pm.Msg == nil {
				continue
			}
			if err := r.HandlePM(ctx, pm.Nick, pm.Msg.Message); err != nil {
				r.log.Errorf("%v", err)
			}
		}
	}
}
