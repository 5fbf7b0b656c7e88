// Package coordinator implements the pause/resume handshake between the
// frontend and the backend's worker loop: a small state machine over three
// condition variables, plus a coalesced "new map data" signal.
package coordinator

import (
	"sync"

	"go.uber.org/zap"
)

// State is the coordinator's pause-handshake state.
type State int

const (
	// Running is the backend worker's normal operating state.
	Running State = iota
	// ToPause is set by Pause; the worker acknowledges by entering Pausing.
	ToPause
	// Pausing means the worker has parked and is waiting for Continue.
	Pausing
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case ToPause:
		return "TO_PAUSE"
	case Pausing:
		return "PAUSING"
	default:
		return "UNKNOWN"
	}
}

// Coordinator is the glue between the frontend and backend: the frontend
// calls Pause/Continue around a hard reset so the backend never observes a
// half-cleared map, and the backend's worker loop calls WaitForWork at the
// top of every cycle, which both waits for new committed keyframes and
// honors a pending pause request.
type Coordinator struct {
	mu     sync.Mutex
	logger *zap.SugaredLogger

	state State

	mapUpdateCond *sync.Cond
	runningCond   *sync.Cond
	pausingCond   *sync.Cond

	pendingUpdate bool
	closed        bool
}

// New returns a Coordinator in the Running state.
func New(logger *zap.SugaredLogger) *Coordinator {
	c := &Coordinator{state: Running, logger: logger}
	c.mapUpdateCond = sync.NewCond(&c.mu)
	c.runningCond = sync.NewCond(&c.mu)
	c.pausingCond = sync.NewCond(&c.mu)
	return c
}

// State returns the coordinator's current state, for tests and logging.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pause implements pause(): if Running, requests a pause and blocks until
// the worker has acknowledged by entering Pausing. A no-op if the worker is
// already pausing or already stopped.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return
	}
	c.state = ToPause
	// Wake a worker blocked in WaitForWork so it observes ToPause even with
	// no pending map update.
	c.mapUpdateCond.Signal()
	for c.state != Pausing && !c.closed {
		c.pausingCond.Wait()
	}
}

// Continue implements continue(): if Pausing, returns the worker to Running
// and wakes it.
func (c *Coordinator) Continue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Pausing {
		return
	}
	c.state = Running
	c.runningCond.Signal()
}

// UpdateMap implements update_map(): a non-blocking, coalesced wakeup.
// Calling it any number of times before the worker next wakes has the same
// effect as calling it once.
func (c *Coordinator) UpdateMap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingUpdate = true
	c.mapUpdateCond.Signal()
}

// WaitForWork blocks until either new map data is pending or the
// coordinator is stopped, transparently handling the pause handshake in
// between. Returns false once Stop has been called and there is no
// further pending work to drain.
func (c *Coordinator) WaitForWork() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.state == ToPause {
			c.state = Pausing
			if c.logger != nil {
				c.logger.Debug("coordinator entering PAUSING")
			}
			c.pausingCond.Signal()
			for c.state != Running && !c.closed {
				c.runningCond.Wait()
			}
			if c.closed {
				return false
			}
			continue
		}
		if c.pendingUpdate {
			c.pendingUpdate = false
			return true
		}
		if c.closed {
			return false
		}
		c.mapUpdateCond.Wait()
	}
}

// Stop permanently unblocks any goroutine waiting in Pause or WaitForWork,
// used by the module root's shutdown path so the backend's worker goroutine
// can exit cleanly alongside its context cancellation.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.mapUpdateCond.Broadcast()
	c.runningCond.Broadcast()
	c.pausingCond.Broadcast()
}
