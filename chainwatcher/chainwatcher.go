package chainwatcher

import (
	"context"
	"sync"
	"time"

	"github.com/decred/slog"
)

// HeightSource reports the chain's best block height.
// *rpcclient.Client satisfies it.
type HeightSource interface {
	GetBlockCount() (int64, error)
}

// TipWatcher polls the backing bitcoind/btcd node for the best block height.
// PSBT assembly stamps that height into the fragment's locktime, so the
// watcher keeps it fresh in the background instead of blocking builds on an
// RPC round trip.
type TipWatcher struct {
	log    slog.Logger
	client HeightSource

	mu  sync.RWMutex
	tip int64

	quit chan struct{}
}

func NewTipWatcher(log slog.Logger, c HeightSource) *TipWatcher {
	return &TipWatcher{
		log:    log,
		client: c,
		quit:   make(chan struct{}),
	}
}

func (w *TipWatcher) Stop() { close(w.quit) }

func (w *TipWatcher) Run(ctx context.Context) {
	w.log.Infof("watcher: started")
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	defer w.log.Infof("watcher: stopped")

	w.pollOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-t.C:
			w.pollOnce()
		}
	}
}

func (w *TipWatcher) pollOnce() {
	h, err := w.client.GetBlockCount()
	if err != nil {
		w.log.Debugf("watcher: GetBlockCount failed: %v", err)
		return
	}
	w.mu.Lock()
	w.tip = h
	w.mu.Unlock()
}

// Tip returns the last observed best block height, zero when no poll has
// succeeded yet.
func (w *TipWatcher) Tip() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tip
}
