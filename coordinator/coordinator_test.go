package coordinator

import (
	"testing"
	"time"

	"go.viam.com/test"
)

func TestPauseBlocksUntilWorkerAcknowledgesThenContinueResumes(t *testing.T) {
	c := New(nil)

	workerResumed := make(chan struct{})
	go func() {
		// Simulates the backend worker loop: WaitForWork until it reports stop.
		for {
			if !c.WaitForWork() {
				return
			}
		}
	}()
	c.Pause()
	test.That(t, c.State(), test.ShouldEqual, Pausing)

	go func() {
		c.Continue()
		close(workerResumed)
	}()

	select {
	case <-workerResumed:
	case <-time.After(time.Second):
		t.Fatal("Continue did not return")
	}
	test.That(t, c.State(), test.ShouldEqual, Running)
	c.Stop()
}

func TestPauseIsNoopWhenAlreadyPausing(t *testing.T) {
	c := New(nil)
	go func() {
		for c.WaitForWork() {
		}
	}()

	c.Pause()
	test.That(t, c.State(), test.ShouldEqual, Pausing)

	// A second Pause call while already Pausing must not block.
	done := make(chan struct{})
	go func() {
		c.Pause()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Pause call blocked")
	}

	c.Continue()
	c.Stop()
}

func TestUpdateMapSignalsAreCoalesced(t *testing.T) {
	c := New(nil)

	woken := make(chan struct{}, 8)
	go func() {
		for c.WaitForWork() {
			woken <- struct{}{}
		}
	}()

	c.UpdateMap()
	c.UpdateMap()
	c.UpdateMap()

	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("worker never woke for pending update")
	}

	// Give the worker a moment to loop back into WaitForWork; only one
	// wakeup should have been delivered for the three UpdateMap calls.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-woken:
		t.Fatal("coalesced UpdateMap calls produced more than one wakeup")
	default:
	}

	c.Stop()
}

func TestWaitForWorkReturnsFalseAfterStop(t *testing.T) {
	c := New(nil)
	done := make(chan bool, 1)
	go func() {
		done <- c.WaitForWork()
	}()

	c.Stop()

	select {
	case ok := <-done:
		test.That(t, ok, test.ShouldBeFalse)
	case <-time.After(time.Second):
		t.Fatal("WaitForWork did not return after Stop")
	}
}

func TestContinueIsNoopWhenRunning(t *testing.T) {
	c := New(nil)
	c.Continue()
	test.That(t, c.State(), test.ShouldEqual, Running)
}
