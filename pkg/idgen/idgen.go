package idgen

import "sync/atomic"

// Uint32 returns values 1,2,3... up to 2^32-1, then wraps around to 1.
// Zero is never generated, so callers can use zero to mean "no cycle".
type Uint32 struct {
	next atomic.Uint32
}

// NewUint32 creates a generator whose first value is start+1
func NewUint32(start uint32) *Uint32 {
	u := &Uint32{}
	u.next.Store(start)
	return u
}

func (u *Uint32) Next() uint32 {
	n := u.next.Add(1)
	if n == 0 {
		n = u.next.Add(1)
	}
	return n
}
