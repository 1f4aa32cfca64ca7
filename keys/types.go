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

// Package keys defines the key material model shared by the key cache and
// its backends: protocols, validity levels, keys, subkeys and user IDs.
package keys

import (
	"strings"

	"github.com/pkg/errors"
)

// Protocol identifies the cryptographic message syntax a key belongs to.
type Protocol int

const (
	OpenPGP Protocol = iota
	CMS
)

// Protocols lists all supported protocols in preference order.
var Protocols = []Protocol{OpenPGP, CMS}

func (p Protocol) String() string {
	switch p {
	case OpenPGP:
		return "OpenPGP"
	case CMS:
		return "CMS"
	}
	return "unknown"
}

func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openpgp", "pgp", "gpg", "":
		return OpenPGP, nil
	case "cms", "smime", "s/mime", "x509":
		return CMS, nil
	}
	return OpenPGP, errors.Errorf("unknown protocol %q", s)
}

// Validity is the calculated validity of a user ID. The ordering matches
// GnuPG, so comparisons like v >= Marginal are meaningful.
type Validity int

const (
	ValidityUnknown Validity = iota
	ValidityUndefined
	ValidityNever
	ValidityMarginal
	ValidityFull
	ValidityUltimate
)

func (v Validity) String() string {
	switch v {
	case ValidityUndefined:
		return "undefined"
	case ValidityNever:
		return "never"
	case ValidityMarginal:
		return "marginal"
	case ValidityFull:
		return "full"
	case ValidityUltimate:
		return "ultimate"
	}
	return "unknown"
}

// Origin records where a key or user ID was obtained from.
type Origin int

const (
	OriginUnknown Origin = iota
	OriginKeyServer
	OriginDANE
	OriginWKD
	OriginURL
	OriginFile
	OriginSelf
)

func (o Origin) String() string {
	switch o {
	case OriginKeyServer:
		return "keyserver"
	case OriginDANE:
		return "dane"
	case OriginWKD:
		return "wkd"
	case OriginURL:
		return "url"
	case OriginFile:
		return "file"
	case OriginSelf:
		return "self"
	}
	return "unknown"
}

// Verified reports whether the origin is a directory that binds the key to
// the mail domain, which is accepted in place of a trust path.
func (o Origin) Verified() bool {
	return o == OriginWKD
}
