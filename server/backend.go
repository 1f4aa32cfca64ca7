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

package server

import (
	"github.com/pkg/errors"

	"mailkeys/backend"
	"mailkeys/backend/gnupg"
	"mailkeys/backend/keyring"
)

// DialBackend opens the key management backend selected by the settings.
func DialBackend(settings *Settings) (backend.Backend, error) {
	switch settings.Backend.Driver {
	case "gnupg":
		return gnupg.New(settings.Backend.GnuPG), nil
	case "keyring":
		kr, err := keyring.Open(settings.Backend.Keyring)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return kr, nil
	}
	return nil, errors.Errorf("backend driver %q not supported", settings.Backend.Driver)
}
