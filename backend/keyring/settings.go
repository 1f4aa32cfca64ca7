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

package keyring

import (
	"time"
)

// Keyserver is an HKP keyserver consulted by Locate. Keyservers with a
// higher weight are tried first more often.
type Keyserver struct {
	URL    string `toml:"url"`
	Weight int    `toml:"weight"`
}

type Settings struct {
	Path      string `toml:"path"`
	CacheSize int    `toml:"cacheSize"`

	Keyservers []Keyserver `toml:"keyserver"`
	// HKPTimeout bounds a single keyserver request.
	HKPTimeout time.Duration `toml:"hkpTimeout"`

	// DirectoryDSN is the PostgreSQL URL of a certificate directory
	// searched by extern CMS listings.
	DirectoryDSN string `toml:"directoryDSN"`

	// Trusted lists fingerprints of keys and root certificates that are
	// fully valid.
	Trusted []string `toml:"trusted"`
}

const (
	DefaultPath       = "keyring.db"
	DefaultCacheSize  = 1024
	DefaultHKPTimeout = 15 * time.Second
)

func DefaultSettings() *Settings {
	return &Settings{
		Path:       DefaultPath,
		CacheSize:  DefaultCacheSize,
		HKPTimeout: DefaultHKPTimeout,
	}
}
