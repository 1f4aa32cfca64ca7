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

// Package backend defines the key management engine consumed by the key
// cache: key lookup and listing, import, directory-aware locate, external
// processes and assuan transactions.
package backend

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"mailkeys/keys"
)

var ErrKeyNotFound = errors.New("key not found")

// ErrUnsupported is returned by backends that lack an operation, such as
// smartcard access.
var ErrUnsupported = errors.New("operation not supported by backend")

func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrKeyNotFound
}

func IsUnsupported(err error) bool {
	return errors.Cause(err) == ErrUnsupported
}

// ListMode selects the sources and checks of a key listing.
type ListMode int

const (
	// Local lists keys from the local key store.
	Local ListMode = 1 << iota
	// Extern searches external directories (keyservers, LDAP).
	Extern
	// Validate requests certificate chain and trust validation.
	Validate
	// Signatures includes key signatures.
	Signatures
)

func (m ListMode) Has(flag ListMode) bool {
	return m&flag != 0
}

func (m ListMode) String() string {
	var s string
	for _, f := range []struct {
		flag ListMode
		name string
	}{{Local, "local"}, {Extern, "extern"}, {Validate, "validate"}, {Signatures, "sigs"}} {
		if m.Has(f.flag) {
			if s != "" {
				s += "|"
			}
			s += f.name
		}
	}
	return s
}

// ListOptions selects the keys of a listing. Empty Patterns lists all keys.
type ListOptions struct {
	Protocol keys.Protocol
	Patterns []string
	Secret   bool
	Mode     ListMode
}

// KeyIterator walks the results of a key listing. Next returns io.EOF when
// the listing is exhausted.
type KeyIterator interface {
	Next() (*keys.Key, error)
	Close() error
}

// ImportStatus is the outcome of importing a single key.
type ImportStatus struct {
	Fingerprint string
	Status      string
	Error       error
}

type ImportResult struct {
	Imports    []ImportStatus
	Considered int
}

// Fingerprints returns the fingerprints of all successfully imported keys,
// in import order and without duplicates.
func (r *ImportResult) Fingerprints() []string {
	var result []string
	if r == nil {
		return result
	}
	seen := map[string]bool{}
	for _, st := range r.Imports {
		if st.Error != nil || st.Fingerprint == "" || seen[st.Fingerprint] {
			continue
		}
		seen[st.Fingerprint] = true
		result = append(result, st.Fingerprint)
	}
	return result
}

// ProcessResult holds the output of an external process.
type ProcessResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

func (r *ProcessResult) Err() error {
	if r.ExitCode != 0 {
		return errors.Errorf("process exited with status %d: %s", r.ExitCode, r.Stderr)
	}
	return nil
}

// Backend defines the API of a cryptographic key management engine.
type Backend interface {
	io.Closer

	// Lookup returns the key matching the given fingerprint or pattern.
	// ErrKeyNotFound is returned when there is no match.
	Lookup(ctx context.Context, protocol keys.Protocol, fprOrPattern string, secret bool) (*keys.Key, error)

	// ListKeys starts a key listing.
	ListKeys(ctx context.Context, opts ListOptions) (KeyIterator, error)

	// Import imports key material. Results are reported per key.
	Import(ctx context.Context, protocol keys.Protocol, data []byte) (*ImportResult, error)

	// ImportKeys imports keys found by an Extern listing into the local
	// key store.
	ImportKeys(ctx context.Context, protocol keys.Protocol, fprs []string) (*ImportResult, error)

	// Locate looks up an OpenPGP key for a mailbox, consulting any
	// configured directories when the key is not known locally.
	Locate(ctx context.Context, mailbox string) (*keys.Key, error)

	// Spawn runs an external process to completion.
	Spawn(ctx context.Context, path string, args []string, stdin []byte) (*ProcessResult, error)

	// Transact sends an assuan command to the agent and returns the
	// status lines of the response.
	Transact(ctx context.Context, command string) ([]string, error)
}

// SliceIterator iterates over a fixed set of keys.
type SliceIterator struct {
	keys []*keys.Key
	pos  int
}

func NewSliceIterator(ks []*keys.Key) *SliceIterator {
	return &SliceIterator{keys: ks}
}

func (it *SliceIterator) Next() (*keys.Key, error) {
	if it.pos >= len(it.keys) {
		return nil, io.EOF
	}
	key := it.keys[it.pos]
	it.pos++
	return key, nil
}

func (it *SliceIterator) Close() error { return nil }

// Collect drains a listing into a slice. Keys read before a listing error
// are returned along with the error.
func Collect(it KeyIterator) ([]*keys.Key, error) {
	defer it.Close()
	var result []*keys.Key
	for {
		key, err := it.Next()
		if err == io.EOF {
			return result, nil
		} else if err != nil {
			return result, errors.WithStack(err)
		}
		result = append(result, key)
	}
}

// List runs a listing and collects its results.
func List(ctx context.Context, b Backend, opts ListOptions) ([]*keys.Key, error) {
	it, err := b.ListKeys(ctx, opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return Collect(it)
}

type ImportError struct {
	Fingerprint string
	Reason      string
}

func (err ImportError) Error() string {
	if err.Fingerprint == "" {
		return fmt.Sprintf("import failed: %s", err.Reason)
	}
	return fmt.Sprintf("import of %s failed: %s", err.Fingerprint, err.Reason)
}
