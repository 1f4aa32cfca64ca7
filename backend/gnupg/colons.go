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
	"time"

	"github.com/pkg/errors"

	"mailkeys/keys"
)

// Record types of the colon listing format.
const (
	recPublic       = "pub"
	recSecret       = "sec"
	recCert         = "crt"
	recCertSecret   = "crs"
	recSubkey       = "sub"
	recSecretSubkey = "ssb"
	recFingerprint  = "fpr"
	recKeygrip      = "grp"
	recUserID       = "uid"
)

// Field indexes, zero-based.
const (
	fieldType       = 0
	fieldValidity   = 1
	fieldKeyID      = 4
	fieldCreation   = 5
	fieldExpiration = 6
	fieldUserID     = 9
	fieldCaps       = 11
	fieldChainID    = 12
	fieldToken      = 14
	fieldCompliance = 17
	fieldUpdated    = 18
	fieldOrigin     = 19
)

// complianceDeVS is the compliance flag for the de-vs mode.
const complianceDeVS = "23"

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

// parseTime parses seconds since the epoch or an ISO 8601 basic
// timestamp as used by gpgsm. Empty and zero values yield the zero time.
func parseTime(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	if strings.Contains(s, "T") {
		t, err := time.Parse("20060102T150405", s)
		return t, errors.WithStack(err)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, errors.WithStack(err)
	}
	return time.Unix(n, 0).UTC(), nil
}

func parseValidity(s string) keys.Validity {
	switch s {
	case "q":
		return keys.ValidityUndefined
	case "n":
		return keys.ValidityNever
	case "m":
		return keys.ValidityMarginal
	case "f":
		return keys.ValidityFull
	case "u":
		return keys.ValidityUltimate
	}
	return keys.ValidityUnknown
}

func parseOrigin(s string) keys.Origin {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	switch s {
	case "1":
		return keys.OriginKeyServer
	case "3":
		return keys.OriginDANE
	case "4":
		return keys.OriginWKD
	case "5":
		return keys.OriginURL
	case "6":
		return keys.OriginFile
	case "7":
		return keys.OriginSelf
	}
	return keys.OriginUnknown
}

// setFlags applies the validity field of a key or subkey record.
func setFlags(sk *keys.SubKey, validity string) {
	switch validity {
	case "i":
		sk.Invalid = true
	case "d":
		sk.Disabled = true
	case "r":
		sk.Revoked = true
	case "e":
		sk.Expired = true
	}
}

func setCaps(sk *keys.SubKey, caps string) {
	for _, c := range caps {
		switch c {
		case 'e':
			sk.CanEncrypt = true
		case 's':
			sk.CanSign = true
		case 'c':
			sk.CanCertify = true
		case 'a':
			sk.CanAuthenticate = true
		case 'D':
			sk.Disabled = true
		}
	}
}

func setToken(sk *keys.SubKey, token string) {
	switch token {
	case "":
	case "#":
		// Secret key stub, the key material is not available.
	case "+":
		sk.Secret = true
	default:
		sk.Secret = true
		sk.CardKey = true
		sk.CardSerial = token
	}
}

func unescape(s string) string {
	if !strings.Contains(s, `\x`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && s[i+1] == 'x' {
			if n, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
				sb.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// parseUserID splits an OpenPGP user ID or a CMS user ID (a DN or a
// bracketed mail address) into name and mailbox.
func parseUserID(id string) (name, mailbox string) {
	if strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">") {
		return "", keys.Mailbox(id)
	}
	if strings.Contains(id, "@") {
		mailbox = keys.Mailbox(id)
	}
	name = id
	if i := strings.IndexByte(id, '<'); i > 0 {
		name = strings.TrimSpace(id[:i])
	}
	return name, mailbox
}

type colonParser struct {
	protocol keys.Protocol
	keys     []*keys.Key
	key      *keys.Key
	subkey   *keys.SubKey
	line     int
}

// ParseColons reads a key listing in the colon format produced by gpg and
// gpgsm with --with-colons --fixed-list-mode.
func ParseColons(r io.Reader, protocol keys.Protocol) ([]*keys.Key, error) {
	p := &colonParser{protocol: protocol}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.line++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if err := p.parseRecord(strings.Split(line, ":")); err != nil {
			return p.keys, errors.Wrapf(err, "line %d", p.line)
		}
	}
	if err := scanner.Err(); err != nil {
		return p.keys, errors.WithStack(err)
	}
	p.finish()
	return p.keys, nil
}

func (p *colonParser) finish() {
	if p.key == nil {
		return
	}
	k := p.key
	if primary := k.Primary(); primary != nil {
		k.Fingerprint = primary.Fingerprint
		k.Revoked = primary.Revoked
		k.Expired = primary.Expired
		k.Disabled = primary.Disabled
		k.Invalid = primary.Invalid
	}
	if k.Fingerprint == "" {
		k.Invalid = true
	}
	p.keys = append(p.keys, k)
	p.key = nil
	p.subkey = nil
}

func (p *colonParser) parseRecord(f []string) error {
	switch f[fieldType] {
	case recPublic, recSecret, recCert, recCertSecret:
		p.finish()
		p.key = &keys.Key{Protocol: p.protocol}
		if f[fieldType] == recCert || f[fieldType] == recCertSecret {
			p.key.Issuer = unescape(field(f, fieldUserID))
		}
		p.key.Compliant = hasFlag(field(f, fieldCompliance), complianceDeVS)
		if updated, err := parseTime(field(f, fieldUpdated)); err == nil {
			p.key.LastUpdate = updated
		}
		p.key.Origin = parseOrigin(field(f, fieldOrigin))
		return p.addSubKey(f)
	case recSubkey, recSecretSubkey:
		if p.key == nil {
			return errors.Errorf("%s record without key", f[fieldType])
		}
		return p.addSubKey(f)
	case recFingerprint:
		if p.subkey == nil {
			return nil
		}
		p.subkey.Fingerprint = keys.NormalizeFingerprint(field(f, fieldUserID))
		if chainID := field(f, fieldChainID); chainID != "" && p.key.Primary() == p.subkey {
			p.key.ChainID = keys.NormalizeFingerprint(chainID)
		}
	case recKeygrip:
		if p.subkey != nil {
			p.subkey.Keygrip = field(f, fieldUserID)
		}
	case recUserID:
		if p.key == nil {
			return errors.New("uid record without key")
		}
		id := unescape(field(f, fieldUserID))
		validity := field(f, fieldValidity)
		uid := &keys.UserID{
			ID:       id,
			Validity: parseValidity(validity),
			Origin:   parseOrigin(field(f, fieldOrigin)),
			Revoked:  validity == "r",
			Invalid:  validity == "i",
		}
		uid.Name, uid.Address = parseUserID(id)
		if p.protocol == keys.CMS && p.key.Subject == "" && len(p.key.UserIDs) == 0 {
			p.key.Subject = id
		}
		p.key.UserIDs = append(p.key.UserIDs, uid)
	}
	return nil
}

func (p *colonParser) addSubKey(f []string) error {
	sk := &keys.SubKey{KeyID: strings.ToUpper(field(f, fieldKeyID))}
	var err error
	if sk.Creation, err = parseTime(field(f, fieldCreation)); err != nil {
		return errors.Wrap(err, "invalid creation date")
	}
	if sk.Expiration, err = parseTime(field(f, fieldExpiration)); err != nil {
		return errors.Wrap(err, "invalid expiration date")
	}
	setFlags(sk, field(f, fieldValidity))
	setCaps(sk, field(f, fieldCaps))
	setToken(sk, field(f, fieldToken))
	if f[fieldType] == recCertSecret {
		sk.Secret = true
	}
	p.key.SubKeys = append(p.key.SubKeys, sk)
	p.subkey = sk
	return nil
}

func hasFlag(flags, flag string) bool {
	for _, f := range strings.Fields(flags) {
		if f == flag {
			return true
		}
	}
	return false
}
