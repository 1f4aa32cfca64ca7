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

	log "github.com/sirupsen/logrus"
)

// jobSet tracks in-flight jobs by key. Membership means a worker owns the
// key; its channel is closed when the worker is done.
type jobSet[K comparable] struct {
	name string

	mu   sync.Mutex
	jobs map[K]chan struct{}
}

func newJobSet[K comparable](name string) *jobSet[K] {
	return &jobSet[K]{name: name, jobs: make(map[K]chan struct{})}
}

// start adds k to the set. It returns false if a job for k is already in
// flight.
func (s *jobSet[K]) start(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[k]; ok {
		metrics.jobsDeduplicated.WithLabelValues(s.name).Inc()
		return false
	}
	s.jobs[k] = make(chan struct{})
	metrics.jobsStarted.WithLabelValues(s.name).Inc()
	return true
}

// done removes k from the set and wakes up its waiters.
func (s *jobSet[K]) done(k K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.jobs[k]; ok {
		close(ch)
		delete(s.jobs, k)
	}
}

func (s *jobSet[K]) pending(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[k]
	return ok
}

func (s *jobSet[K]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// wait blocks until the job for k is done, the timeout expires or ctx is
// cancelled. It returns immediately if no job for k is in flight. A
// timeout is logged and reported as false; callers proceed with whatever
// is cached.
func (s *jobSet[K]) wait(ctx context.Context, k K, timeout time.Duration) bool {
	s.mu.Lock()
	ch, ok := s.jobs[k]
	s.mu.Unlock()
	if !ok {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		metrics.jobWaitTimeouts.WithLabelValues(s.name).Inc()
		log.WithFields(log.Fields{
			"job": s.name,
			"key": k,
		}).Errorf("timeout after %v waiting for job", timeout)
		return false
	case <-ctx.Done():
		log.WithFields(log.Fields{
			"job": s.name,
			"key": k,
		}).Warningf("wait for job abandoned: %v", ctx.Err())
		return false
	}
}
