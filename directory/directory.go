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

// Package directory defines an external certificate directory, searched
// by backends when a recipient certificate is not known locally.
package directory

import (
	"context"
	"io"
)

// Directory is a store of published certificates indexed by mailbox.
type Directory interface {
	io.Closer

	// Search returns the DER encoded certificates published for mailbox.
	// An empty result is not an error.
	Search(ctx context.Context, mailbox string) ([][]byte, error)

	// Publish stores a DER encoded certificate under each of the given
	// mailboxes, replacing an earlier copy of the same certificate.
	Publish(ctx context.Context, der []byte, mailboxes []string) error
}
