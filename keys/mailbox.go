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

package keys

import (
	"net/mail"
	"strings"
)

// Mailbox normalizes an address to its lower-cased address-spec. Display
// names and angle brackets are removed. An empty string is returned if no
// address-spec can be extracted.
func Mailbox(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if len(addr) > 5 && strings.EqualFold(addr[:5], "smtp:") {
		addr = addr[5:]
	}
	if a, err := mail.ParseAddress(addr); err == nil {
		return strings.ToLower(a.Address)
	}
	// Fall back to a bracketed or bare address-spec that net/mail
	// rejected, e.g. because of an unquoted display name.
	if i := strings.LastIndexByte(addr, '<'); i >= 0 {
		if j := strings.IndexByte(addr[i:], '>'); j > 0 {
			addr = addr[i+1 : i+j]
		}
	}
	addr = strings.TrimSpace(addr)
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 || strings.ContainsAny(addr, " \t<>") {
		return ""
	}
	return strings.ToLower(addr)
}

// Mailboxes normalizes a list of addresses, dropping the ones that do not
// contain an address-spec.
func Mailboxes(addrs []string) []string {
	var result []string
	for _, addr := range addrs {
		if mbox := Mailbox(addr); mbox != "" {
			result = append(result, mbox)
		}
	}
	return result
}
