package server

import (
	"testing"
	"time"
)

func TestCallCoordinatorLifecycle(t *testing.T) {
	c := NewCallCoordinator()
	started := time.Now().Add(-30 * time.Second)

	c.Begin(7, started)
	if _, busy := c.ActiveCall("alice"); busy {
		t.Fatal("nobody is busy before accept")
	}

	c.Accept(7, "alice", "bob")
	for _, user := range []string{"alice", "bob"} {
		id, busy := c.ActiveCall(user)
		if !busy || id != 7 {
			t.Fatalf("%s must be busy in call 7", user)
		}
	}

	got, ok := c.End(7)
	if !ok {
		t.Fatal("ending a live call must succeed")
	}
	if !got.Equal(started) {
		t.Fatalf("start time lost: got %v, want %v", got, started)
	}
	if _, busy := c.ActiveCall("alice"); busy {
		t.Fatal("busy state must clear on end")
	}
	if _, busy := c.ActiveCall("bob"); busy {
		t.Fatal("busy state must clear on end")
	}

	if _, ok := c.End(7); ok {
		t.Fatal("double end must be a no-op")
	}
}

func TestCallCoordinatorForget(t *testing.T) {
	c := NewCallCoordinator()
	c.Begin(3, time.Now())
	c.Forget(3)

	if _, ok := c.End(3); ok {
		t.Fatal("forgotten call must not be endable")
	}
	c.Forget(99) // неизвестный id не падает
}

func TestCallCoordinatorIndependentCalls(t *testing.T) {
	c := NewCallCoordinator()
	c.Begin(1, time.Now())
	c.Begin(2, time.Now())
	c.Accept(1, "alice", "bob")
	c.Accept(2, "carol", "dave")

	c.End(1)

	if _, busy := c.ActiveCall("carol"); !busy {
		t.Fatal("ending one call must not touch another")
	}
}
