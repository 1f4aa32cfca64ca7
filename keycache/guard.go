/*
   mailkeys - mail identity key cache
   Copyright (C) 2026  The mailkeys Authors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published by
   the Free Software Foundation, version 3.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <http://www.gnu.org/licenses/>.
*/

package keycache

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Owner is a caller object that started background lookups and wants to
// be told when they are complete. Owners may be released at any time,
// after which they are never called.
type Owner interface {
	KeysLocated()
}

// Handle is a weak reference to an Owner registered with a Guard. The zero
// Handle refers to no owner.
type Handle struct {
	slot uint32
	gen  uint32
}

func (h Handle) IsZero() bool {
	return h.gen == 0
}

type guardSlot struct {
	gen      uint32
	owner    Owner
	valid    bool
	inFlight int
	// notifying counts owner callbacks running outside the lock.
	notifying int
	drained   chan struct{}
}

func (s *guardSlot) busy() bool {
	return s.inFlight > 0 || s.notifying > 0
}

// Guard hands out generation-tagged handles for owners and tracks the
// background operations running on their behalf.
type Guard struct {
	mu    sync.Mutex
	slots []guardSlot
	free  []uint32
}

func NewGuard() *Guard {
	return &Guard{}
}

// Register returns a new handle for owner.
func (g *Guard) Register(owner Owner) Handle {
	g.mu.Lock()
	defer g.mu.Unlock()

	var i uint32
	if n := len(g.free); n > 0 {
		i = g.free[n-1]
		g.free = g.free[:n-1]
	} else {
		g.slots = append(g.slots, guardSlot{})
		i = uint32(len(g.slots) - 1)
	}
	s := &g.slots[i]
	s.gen++
	s.owner = owner
	s.valid = true
	s.inFlight = 0
	s.notifying = 0
	s.drained = nil
	return Handle{slot: i, gen: s.gen}
}

// slot returns the slot of h, or nil if h is stale. Must be called with
// g.mu held.
func (g *Guard) slot(h Handle) *guardSlot {
	if h.IsZero() || int(h.slot) >= len(g.slots) {
		return nil
	}
	s := &g.slots[h.slot]
	if s.gen != h.gen {
		return nil
	}
	return s
}

// Valid reports whether the owner of h has not been released.
func (g *Guard) Valid(h Handle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.slot(h)
	return s != nil && s.valid
}

// InFlight returns the number of operations entered for h.
func (g *Guard) InFlight(h Handle) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s := g.slot(h); s != nil {
		return s.inFlight
	}
	return 0
}

// Enter marks the start of an operation on behalf of h. It returns false,
// and nothing needs to be left, if the owner is gone.
func (g *Guard) Enter(h Handle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.slot(h)
	if s == nil || !s.valid {
		return false
	}
	if s.drained == nil {
		s.drained = make(chan struct{})
	}
	s.inFlight++
	return true
}

// Leave marks the end of an operation entered with Enter. When the last
// operation leaves and the owner is still valid, the owner is notified.
// Release cannot return while the notification runs.
func (g *Guard) Leave(h Handle) {
	g.mu.Lock()
	s := g.slot(h)
	if s == nil || s.inFlight == 0 {
		g.mu.Unlock()
		return
	}
	s.inFlight--
	var owner Owner
	if s.inFlight == 0 && s.valid {
		owner = s.owner
		s.notifying++
	}
	if owner == nil {
		g.settle(h.slot)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	owner.KeysLocated()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.slots[h.slot].notifying--
	g.settle(h.slot)
}

// settle closes the drained channel of an idle slot and frees it if its
// owner was released. Must be called with g.mu held.
func (g *Guard) settle(i uint32) {
	s := &g.slots[i]
	if s.busy() || s.drained == nil {
		return
	}
	close(s.drained)
	s.drained = nil
	if !s.valid {
		g.recycle(i)
	}
}

// recycle frees a released slot. Must be called with g.mu held.
func (g *Guard) recycle(i uint32) {
	s := &g.slots[i]
	s.owner = nil
	g.free = append(g.free, i)
}

// Release invalidates h and waits for the operations in flight on its
// behalf to finish. After Release returns, the owner is never called.
func (g *Guard) Release(ctx context.Context, h Handle) error {
	g.mu.Lock()
	s := g.slot(h)
	if s == nil || !s.valid {
		g.mu.Unlock()
		return nil
	}
	s.valid = false
	if !s.busy() {
		g.recycle(h.slot)
		g.mu.Unlock()
		return nil
	}
	drained := s.drained
	g.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}
