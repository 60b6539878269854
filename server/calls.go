package server

import (
	"sync"
	"time"
)

// CallCoordinator tracks in-flight call negotiations: the cached start time of
// every call that has been requested but not yet terminated, and which call a
// user is currently busy in. The second map is what lets disconnect cleanup
// locate and force-end a call in O(1).
type CallCoordinator struct {
	mu           sync.Mutex
	startTimes   map[int64]time.Time
	activeByUser map[string]int64
}

func NewCallCoordinator() *CallCoordinator {
	return &CallCoordinator{
		startTimes:   make(map[int64]time.Time),
		activeByUser: make(map[string]int64),
	}
}

// Begin caches the start time of a freshly requested call.
func (c *CallCoordinator) Begin(callID int64, startedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTimes[callID] = startedAt
}

// Forget drops a call that never reached the accepted state (rejected or
// missed). Unknown ids are ignored.
func (c *CallCoordinator) Forget(callID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.startTimes, callID)
}

// Accept marks both parties busy in callID.
func (c *CallCoordinator) Accept(callID int64, caller, callee string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeByUser[caller] = callID
	c.activeByUser[callee] = callID
}

// End terminates callID: it returns the cached start time and clears the busy
// state of every participant. ok is false when the call was already ended or
// never requested, which callers treat as a no-op.
func (c *CallCoordinator) End(callID int64) (startedAt time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	startedAt, ok = c.startTimes[callID]
	if !ok {
		return time.Time{}, false
	}
	delete(c.startTimes, callID)

	for user, id := range c.activeByUser {
		if id == callID {
			delete(c.activeByUser, user)
		}
	}
	return startedAt, true
}

// ActiveCall reports which call the user is currently busy in, if any.
func (c *CallCoordinator) ActiveCall(username string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.activeByUser[username]
	return id, ok
}
