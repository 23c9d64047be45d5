package testutil

import (
	"sync"
	"time"
)

// Gate blocks a task until the test opens it, and lets the test wait until
// the task has reached the gate.
//
//	g := testutil.NewGate()
//	go run(func() { g.Block() })
//	g.WaitEntered(time.Second)
//	// task is parked inside Block
//	g.Open()
type Gate struct {
	entered   chan struct{}
	open      chan struct{}
	enterOnce sync.Once
	openOnce  sync.Once
}

// NewGate creates a closed gate.
func NewGate() *Gate {
	return &Gate{
		entered: make(chan struct{}),
		open:    make(chan struct{}),
	}
}

// Block records that the gate was reached and waits until it is opened.
func (g *Gate) Block() {
	g.enterOnce.Do(func() { close(g.entered) })
	<-g.open
}

// Entered returns a channel closed once Block has been called.
func (g *Gate) Entered() <-chan struct{} {
	return g.entered
}

// WaitEntered waits for Block to be called. Returns false on timeout.
func (g *Gate) WaitEntered(timeout time.Duration) bool {
	select {
	case <-g.entered:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Open releases every current and future Block call. Idempotent.
func (g *Gate) Open() {
	g.openOnce.Do(func() { close(g.open) })
}
