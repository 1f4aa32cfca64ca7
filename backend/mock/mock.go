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

package mock

import (
	"context"
	"sync"

	"mailkeys/backend"
	"mailkeys/keys"
)

type MethodCall struct {
	Name string
	Args []interface{}
}

type Recorder struct {
	mu    sync.Mutex
	calls []MethodCall
}

func (m *Recorder) record(name string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MethodCall{Name: name, Args: args})
}

// Calls returns a copy of the calls recorded so far.
func (m *Recorder) Calls() []MethodCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MethodCall(nil), m.calls...)
}

func (m *Recorder) MethodCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, call := range m.calls {
		if name == call.Name {
			n++
		}
	}
	return n
}

type closeFunc func() error
type lookupFunc func(keys.Protocol, string, bool) (*keys.Key, error)
type listKeysFunc func(backend.ListOptions) ([]*keys.Key, error)
type importFunc func(keys.Protocol, []byte) (*backend.ImportResult, error)
type importKeysFunc func(keys.Protocol, []string) (*backend.ImportResult, error)
type locateFunc func(string) (*keys.Key, error)
type spawnFunc func(string, []string, []byte) (*backend.ProcessResult, error)
type transactFunc func(string) ([]string, error)

type Backend struct {
	Recorder
	close_     closeFunc
	lookup     lookupFunc
	listKeys   listKeysFunc
	import_    importFunc
	importKeys importKeysFunc
	locate     locateFunc
	spawn      spawnFunc
	transact   transactFunc
}

type Option func(*Backend)

func Close(f closeFunc) Option       { return func(m *Backend) { m.close_ = f } }
func Lookup(f lookupFunc) Option     { return func(m *Backend) { m.lookup = f } }
func ListKeys(f listKeysFunc) Option { return func(m *Backend) { m.listKeys = f } }
func Import(f importFunc) Option     { return func(m *Backend) { m.import_ = f } }
func ImportKeys(f importKeysFunc) Option {
	return func(m *Backend) { m.importKeys = f }
}
func Locate(f locateFunc) Option     { return func(m *Backend) { m.locate = f } }
func Spawn(f spawnFunc) Option       { return func(m *Backend) { m.spawn = f } }
func Transact(f transactFunc) Option { return func(m *Backend) { m.transact = f } }

func NewBackend(options ...Option) *Backend {
	m := &Backend{}
	for _, option := range options {
		option(m)
	}
	return m
}

func (m *Backend) Close() error {
	m.record("Close")
	if m.close_ != nil {
		return m.close_()
	}
	return nil
}
func (m *Backend) Lookup(_ context.Context, protocol keys.Protocol, pattern string, secret bool) (*keys.Key, error) {
	m.record("Lookup", protocol, pattern, secret)
	if m.lookup != nil {
		return m.lookup(protocol, pattern, secret)
	}
	return nil, backend.ErrKeyNotFound
}
func (m *Backend) ListKeys(_ context.Context, opts backend.ListOptions) (backend.KeyIterator, error) {
	m.record("ListKeys", opts)
	if m.listKeys != nil {
		ks, err := m.listKeys(opts)
		if err != nil {
			return nil, err
		}
		return backend.NewSliceIterator(ks), nil
	}
	return backend.NewSliceIterator(nil), nil
}
func (m *Backend) Import(_ context.Context, protocol keys.Protocol, data []byte) (*backend.ImportResult, error) {
	m.record("Import", protocol, data)
	if m.import_ != nil {
		return m.import_(protocol, data)
	}
	return &backend.ImportResult{}, nil
}
func (m *Backend) ImportKeys(_ context.Context, protocol keys.Protocol, fprs []string) (*backend.ImportResult, error) {
	m.record("ImportKeys", protocol, fprs)
	if m.importKeys != nil {
		return m.importKeys(protocol, fprs)
	}
	return &backend.ImportResult{}, nil
}
func (m *Backend) Locate(_ context.Context, mailbox string) (*keys.Key, error) {
	m.record("Locate", mailbox)
	if m.locate != nil {
		return m.locate(mailbox)
	}
	return nil, backend.ErrKeyNotFound
}
func (m *Backend) Spawn(_ context.Context, path string, args []string, stdin []byte) (*backend.ProcessResult, error) {
	m.record("Spawn", path, args)
	if m.spawn != nil {
		return m.spawn(path, args, stdin)
	}
	return &backend.ProcessResult{}, nil
}
func (m *Backend) Transact(_ context.Context, command string) ([]string, error) {
	m.record("Transact", command)
	if m.transact != nil {
		return m.transact(command)
	}
	return nil, backend.ErrUnsupported
}
