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

package gnupg

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"mailkeys/backend"
	"mailkeys/keys"
)

const statusPrefix = "[GNUPG:] "

// importProblems maps IMPORT_PROBLEM reason codes to messages.
var importProblems = map[string]string{
	"0": "no specific reason given",
	"1": "invalid certificate",
	"2": "issuer certificate missing",
	"3": "certificate chain too long",
	"4": "error storing certificate",
}

// ParseImportStatus reads the status lines of an import and reports each
// imported or rejected key.
func ParseImportStatus(r io.Reader) (*backend.ImportResult, error) {
	result := &backend.ImportResult{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if !strings.HasPrefix(line, statusPrefix) {
			continue
		}
		f := strings.Fields(line[len(statusPrefix):])
		if len(f) == 0 {
			continue
		}
		switch f[0] {
		case "IMPORT_OK":
			if len(f) < 3 {
				continue
			}
			result.Imports = append(result.Imports, backend.ImportStatus{
				Fingerprint: keys.NormalizeFingerprint(f[2]),
				Status:      f[1],
			})
		case "IMPORT_PROBLEM":
			st := backend.ImportStatus{}
			reason := "unknown"
			if len(f) > 1 {
				if msg, ok := importProblems[f[1]]; ok {
					reason = msg
				}
				st.Status = f[1]
			}
			if len(f) > 2 {
				st.Fingerprint = keys.NormalizeFingerprint(f[2])
			}
			st.Error = backend.ImportError{Fingerprint: st.Fingerprint, Reason: reason}
			result.Imports = append(result.Imports, st)
		case "IMPORT_RES":
			if len(f) > 1 {
				if n, err := strconv.Atoi(f[1]); err == nil {
					result.Considered = n
				}
			}
		}
	}
	return result, errors.WithStack(scanner.Err())
}
