package chainwatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
)

// fakeHeightSource serves a settable height, optionally failing.
type fakeHeightSource struct {
	mtx    sync.Mutex
	height int64
	err    error
}

func (f *fakeHeightSource) GetBlockCount() (int64, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.height, f.err
}

func (f *fakeHeightSource) set(height int64, err error) {
	f.mtx.Lock()
	f.height = height
	f.err = err
	f.mtx.Unlock()
}

func TestTipWatcherPoll(t *testing.T) {
	src := &fakeHeightSource{height: 850000}
	w := NewTipWatcher(slog.Disabled, src)
	assert.Zero(t, w.Tip())

	w.pollOnce()
	assert.EqualValues(t, 850000, w.Tip())

	src.set(850001, nil)
	w.pollOnce()
	assert.EqualValues(t, 850001, w.Tip())

	// A failed poll keeps the last good height.
	src.set(0, fmt.Errorf("node restarting"))
	w.pollOnce()
	assert.EqualValues(t, 850001, w.Tip())
}

func TestTipWatcherRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeHeightSource{height: 42}
	w := NewTipWatcher(slog.Disabled, src)

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Run polls once at startup before settling into the ticker.
	assert.Eventually(t, func() bool { return w.Tip() == 42 },
		time.Second, 10*time.Millisecond)

	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
