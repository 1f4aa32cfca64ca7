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
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	gc "gopkg.in/check.v1"
)

type JobsSuite struct{}

var _ = gc.Suite(&JobsSuite{})

func (s *JobsSuite) TestDedup(c *gc.C) {
	js := newJobSet[string]("test")
	c.Assert(js.start("AAAA"), gc.Equals, true)
	c.Assert(js.start("AAAA"), gc.Equals, false)
	c.Assert(js.start("BBBB"), gc.Equals, true)
	c.Assert(js.len(), gc.Equals, 2)

	js.done("AAAA")
	c.Assert(js.pending("AAAA"), gc.Equals, false)
	c.Assert(js.start("AAAA"), gc.Equals, true)
}

func (s *JobsSuite) TestWaitNoJob(c *gc.C) {
	js := newJobSet[string]("test")
	c.Assert(js.wait(context.Background(), "AAAA", time.Millisecond), gc.Equals, true)
}

func (s *JobsSuite) TestWaitDone(c *gc.C) {
	js := newJobSet[string]("test")
	js.start("AAAA")

	var woken int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if js.wait(context.Background(), "AAAA", 10*time.Second) {
				atomic.AddInt32(&woken, 1)
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	js.done("AAAA")
	wg.Wait()
	c.Assert(atomic.LoadInt32(&woken), gc.Equals, int32(5))
}

func (s *JobsSuite) TestWaitTimeoutFailSoft(c *gc.C) {
	js := newJobSet[string]("test")
	js.start("AAAA")

	start := time.Now()
	c.Assert(js.wait(context.Background(), "AAAA", 20*time.Millisecond), gc.Equals, false)
	c.Assert(time.Since(start) >= 20*time.Millisecond, gc.Equals, true)
	// The job is still owned by its worker.
	c.Assert(js.pending("AAAA"), gc.Equals, true)
}

func (s *JobsSuite) TestWaitCancelled(c *gc.C) {
	js := newJobSet[string]("test")
	js.start("AAAA")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Assert(js.wait(ctx, "AAAA", 10*time.Second), gc.Equals, false)
}

type PoolSuite struct{}

var _ = gc.Suite(&PoolSuite{})

func (s *PoolSuite) TestBounded(c *gc.C) {
	p := newPool(2, 8)
	defer p.close()

	var running, peak int32
	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		err := p.submit(context.Background(), func(ctx context.Context) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
		})
		c.Assert(err, gc.IsNil)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.Assert(p.drain(ctx), gc.IsNil)
	c.Assert(atomic.LoadInt32(&peak), gc.Equals, int32(2))
}

func (s *PoolSuite) TestBackpressure(c *gc.C) {
	p := newPool(1, 1)
	defer p.close()

	release := make(chan struct{})
	blocker := func(ctx context.Context) { <-release }
	c.Assert(p.submit(context.Background(), blocker), gc.IsNil)
	// Wait until the worker picked up the first task.
	time.Sleep(10 * time.Millisecond)
	c.Assert(p.submit(context.Background(), blocker), gc.IsNil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	c.Assert(p.submit(ctx, blocker), gc.NotNil)
	close(release)
}

func (s *PoolSuite) TestClosed(c *gc.C) {
	p := newPool(1, 1)
	var ran int32
	c.Assert(p.submit(context.Background(), func(ctx context.Context) {
		atomic.AddInt32(&ran, 1)
	}), gc.IsNil)
	c.Assert(p.close(), gc.IsNil)
	c.Assert(atomic.LoadInt32(&ran), gc.Equals, int32(1))
	c.Assert(p.submit(context.Background(), func(context.Context) {}), gc.Equals, ErrClosed)
	c.Assert(p.close(), gc.IsNil)
}

func (s *PoolSuite) TestPanicRecovered(c *gc.C) {
	p := newPool(1, 1)
	defer p.close()
	c.Assert(p.submit(context.Background(), func(context.Context) { panic("boom") }), gc.IsNil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.Assert(p.drain(ctx), gc.IsNil)
}

func (s *PoolSuite) TestSubmitWhileDraining(c *gc.C) {
	p := newPool(4, 4)
	defer p.close()

	const n = 500
	var ran int32
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			err := p.submit(context.Background(), func(context.Context) {
				atomic.AddInt32(&ran, 1)
			})
			c.Check(err, gc.IsNil)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c.Check(p.drain(ctx), gc.IsNil)
			cancel()
		}
	}()
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.Assert(p.drain(ctx), gc.IsNil)
	c.Assert(atomic.LoadInt32(&ran), gc.Equals, int32(n))
}

func (s *PoolSuite) TestDrainTimeout(c *gc.C) {
	p := newPool(1, 1)
	defer p.close()

	release := make(chan struct{})
	c.Assert(p.submit(context.Background(), func(context.Context) { <-release }), gc.IsNil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	c.Assert(errors.Is(p.drain(ctx), context.DeadlineExceeded), gc.Equals, true)

	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	c.Assert(p.drain(ctx2), gc.IsNil)
}
