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
	"time"

	gc "gopkg.in/check.v1"
)

type GuardSuite struct {
	guard *Guard
}

var _ = gc.Suite(&GuardSuite{})

func (s *GuardSuite) SetUpTest(c *gc.C) {
	s.guard = NewGuard()
}

func (s *GuardSuite) TestZeroHandle(c *gc.C) {
	var h Handle
	c.Assert(h.IsZero(), gc.Equals, true)
	c.Assert(s.guard.Valid(h), gc.Equals, false)
	c.Assert(s.guard.Enter(h), gc.Equals, false)
	s.guard.Leave(h)
	c.Assert(s.guard.Release(context.Background(), h), gc.IsNil)
}

func (s *GuardSuite) TestNotifyWhenDrained(c *gc.C) {
	owner := newTestOwner()
	h := s.guard.Register(owner)
	c.Assert(s.guard.Valid(h), gc.Equals, true)

	c.Assert(s.guard.Enter(h), gc.Equals, true)
	c.Assert(s.guard.Enter(h), gc.Equals, true)
	c.Assert(s.guard.InFlight(h), gc.Equals, 2)

	s.guard.Leave(h)
	c.Assert(owner.located, gc.HasLen, 0)
	s.guard.Leave(h)
	c.Assert(owner.located, gc.HasLen, 1)
	c.Assert(s.guard.InFlight(h), gc.Equals, 0)
}

func (s *GuardSuite) TestReleasedNeverCalled(c *gc.C) {
	owner := newTestOwner()
	h := s.guard.Register(owner)
	c.Assert(s.guard.Enter(h), gc.Equals, true)

	released := make(chan error, 1)
	go func() {
		released <- s.guard.Release(context.Background(), h)
	}()

	select {
	case <-released:
		c.Fatal("release returned with operations in flight")
	case <-time.After(20 * time.Millisecond):
	}
	c.Assert(s.guard.Valid(h), gc.Equals, false)
	c.Assert(s.guard.Enter(h), gc.Equals, false)

	s.guard.Leave(h)
	c.Assert(<-released, gc.IsNil)
	c.Assert(owner.located, gc.HasLen, 0)
}

func (s *GuardSuite) TestReleaseTimeout(c *gc.C) {
	h := s.guard.Register(newTestOwner())
	c.Assert(s.guard.Enter(h), gc.Equals, true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	c.Assert(s.guard.Release(ctx, h), gc.NotNil)
	s.guard.Leave(h)
}

func (s *GuardSuite) TestStaleHandle(c *gc.C) {
	h1 := s.guard.Register(newTestOwner())
	c.Assert(s.guard.Release(context.Background(), h1), gc.IsNil)

	owner := newTestOwner()
	h2 := s.guard.Register(owner)
	// The slot is reused under a new generation.
	c.Assert(h2.slot, gc.Equals, h1.slot)
	c.Assert(s.guard.Valid(h1), gc.Equals, false)
	c.Assert(s.guard.Enter(h1), gc.Equals, false)
	c.Assert(s.guard.Valid(h2), gc.Equals, true)
}

type blockingOwner struct {
	entered chan struct{}
	release chan struct{}
}

func (o *blockingOwner) KeysLocated() {
	close(o.entered)
	<-o.release
}

func (s *GuardSuite) TestReleaseWaitsForNotification(c *gc.C) {
	owner := &blockingOwner{entered: make(chan struct{}), release: make(chan struct{})}
	h := s.guard.Register(owner)
	c.Assert(s.guard.Enter(h), gc.Equals, true)

	go s.guard.Leave(h)
	<-owner.entered

	released := make(chan error, 1)
	go func() {
		released <- s.guard.Release(context.Background(), h)
	}()
	select {
	case <-released:
		c.Fatal("release returned during owner notification")
	case <-time.After(20 * time.Millisecond):
	}
	close(owner.release)
	c.Assert(<-released, gc.IsNil)
}

func (s *GuardSuite) TestConcurrentLeaveNotifiesOnce(c *gc.C) {
	for i := 0; i < 2000; i++ {
		owner := newTestOwner()
		h := s.guard.Register(owner)
		c.Assert(s.guard.Enter(h), gc.Equals, true)
		c.Assert(s.guard.Enter(h), gc.Equals, true)

		start := make(chan struct{})
		var wg sync.WaitGroup
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				s.guard.Leave(h)
			}()
		}
		close(start)
		wg.Wait()

		c.Assert(owner.located, gc.HasLen, 1, gc.Commentf("iteration %d", i))
		c.Assert(s.guard.InFlight(h), gc.Equals, 0)
		c.Assert(s.guard.Release(context.Background(), h), gc.IsNil)
	}
}

func (s *GuardSuite) TestEnterDuringNotification(c *gc.C) {
	owner := &blockingOwner{entered: make(chan struct{}), release: make(chan struct{})}
	h := s.guard.Register(owner)
	c.Assert(s.guard.Enter(h), gc.Equals, true)

	left := make(chan struct{})
	go func() {
		s.guard.Leave(h)
		close(left)
	}()
	<-owner.entered

	// A new operation may start while the owner is being notified.
	c.Assert(s.guard.Enter(h), gc.Equals, true)
	close(owner.release)
	<-left

	released := make(chan error, 1)
	go func() {
		released <- s.guard.Release(context.Background(), h)
	}()
	select {
	case <-released:
		c.Fatal("release returned with an operation in flight")
	case <-time.After(20 * time.Millisecond):
	}
	s.guard.Leave(h)
	c.Assert(<-released, gc.IsNil)
}
