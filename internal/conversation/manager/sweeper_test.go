// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// TestSweeper_StartStop_NoGoroutineLeak mirrors the teacher's daemon
// manager start/stop leak check: both of Sweeper.Run's ticker loops
// (expiry, slot-timeout retry) must exit cleanly when ctx is cancelled,
// leaving no background goroutine behind.
func TestSweeper_StartStop_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t)
	sweeper := NewSweeper(h.mgr, SweeperConfig{ExpireInterval: 10 * time.Millisecond, SlotRetryInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sweeper.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Sweeper.Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Sweeper.Run did not return after context cancellation")
	}
}
