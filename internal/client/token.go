package client

import "fmt"

// Token identifies one asynchronous execution.
//
// A token is valid from BeginExecution until EndExecution releases it, even
// after the operation has completed. The zero Token is never issued.
type Token struct {
	index uint32
	gen   uint32
}

// IsZero reports whether t is the zero Token.
func (t Token) IsZero() bool {
	return t.gen == 0
}

// String returns "index.generation".
func (t Token) String() string {
	return fmt.Sprintf("%d.%d", t.index, t.gen)
}

type slot struct {
	gen uint32
	op  *operation
}

// arena maps tokens to operations. Released slots are reused with a bumped
// generation, so a stale token never resolves to a newer operation.
//
// Not safe for concurrent use; the client guards it with its state mutex.
type arena struct {
	slots []slot
	free  []uint32
	live  int
}

func (a *arena) insert(op *operation) Token {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot{})
	}

	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.op = op
	a.live++
	return Token{index: idx, gen: s.gen}
}

func (a *arena) get(t Token) (*operation, bool) {
	if t.gen == 0 || int(t.index) >= len(a.slots) {
		return nil, false
	}
	s := a.slots[t.index]
	if s.gen != t.gen || s.op == nil {
		return nil, false
	}
	return s.op, true
}

func (a *arena) remove(t Token) (*operation, bool) {
	op, ok := a.get(t)
	if !ok {
		return nil, false
	}
	a.slots[t.index].op = nil
	a.free = append(a.free, t.index)
	a.live--
	return op, true
}

func (a *arena) len() int {
	return a.live
}
