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

import "sync"

// guarded holds a value that may only be accessed inside a closure run
// under its lock. Closures must not block or call out of the package.
type guarded[T any] struct {
	mu sync.RWMutex
	v  T
}

func (g *guarded[T]) read(f func(v *T)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	f(&g.v)
}

func (g *guarded[T]) write(f func(v *T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f(&g.v)
}
