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
	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

var ErrClosed = errors.New("key cache closed")

type task func(ctx context.Context)

// pool runs tasks on a fixed number of workers. Submission blocks while
// the queue is full.
type pool struct {
	t     tomb.Tomb
	tasks chan task

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	pending int
	// idle is closed when pending drops to zero; nil while idle.
	idle chan struct{}
}

func newPool(workers, queueLength int) *pool {
	if workers < 1 {
		workers = 1
	}
	if queueLength < 0 {
		queueLength = 0
	}
	p := &pool{tasks: make(chan task, queueLength)}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.t.Go(func() error {
		for i := 0; i < workers; i++ {
			p.t.Go(p.work)
		}
		<-p.t.Dying()
		return nil
	})
	return p
}

func (p *pool) work() error {
	for {
		select {
		case <-p.t.Dying():
			return nil
		case f := <-p.tasks:
			p.run(f)
		}
	}
}

func (p *pool) run(f task) {
	defer p.done()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("key cache task panic: %v", r)
		}
	}()
	f(p.ctx)
}

func (p *pool) add() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.pending == 0 {
		p.idle = make(chan struct{})
	}
	p.pending++
	return nil
}

func (p *pool) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending--
	if p.pending == 0 {
		close(p.idle)
		p.idle = nil
	}
}

// idled returns a channel closed once no tasks are pending.
func (p *pool) idled() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.idle
}

// submit queues a task. It returns an error if the pool is closed or ctx
// is done before the task could be queued.
func (p *pool) submit(ctx context.Context, f task) error {
	if err := p.add(); err != nil {
		return err
	}
	select {
	case p.tasks <- f:
		return nil
	case <-ctx.Done():
		p.done()
		return errors.WithStack(ctx.Err())
	}
}

// drain waits until no submitted tasks are pending. Tasks submitted while
// draining extend the wait.
func (p *pool) drain(ctx context.Context) error {
	for {
		select {
		case <-p.idled():
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
		p.mu.Lock()
		n := p.pending
		p.mu.Unlock()
		if n == 0 {
			return nil
		}
	}
}

// close rejects new tasks, cancels the context of running tasks, waits
// for queued tasks to finish and stops the workers.
func (p *pool) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	<-p.idled()
	p.t.Kill(nil)
	return errors.WithStack(p.t.Wait())
}
