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
	"fmt"
	"strings"
	"time"
)

// SubKey is a primary key or subkey of a Key. The first SubKey of a Key is
// always the primary key itself.
type SubKey struct {
	Fingerprint string
	KeyID       string
	Keygrip     string

	Creation   time.Time
	Expiration time.Time

	CanEncrypt      bool
	CanSign         bool
	CanCertify      bool
	CanAuthenticate bool

	// Secret indicates that secret key material is available for this
	// subkey, either on disk or on a smartcard.
	Secret     bool
	CardKey    bool
	CardSerial string

	Revoked  bool
	Expired  bool
	Disabled bool
	Invalid  bool
}

func (sk *SubKey) IsBad() bool {
	return sk.Revoked || sk.Expired || sk.Disabled || sk.Invalid
}

// UserID is a user ID of a Key. For CMS certificates the subject and
// any mail subject alternative names are represented as user IDs.
type UserID struct {
	ID      string
	Name    string
	Address string

	Validity Validity
	Origin   Origin

	Revoked bool
	Invalid bool
}

func (uid *UserID) IsBad() bool {
	return uid.Revoked || uid.Invalid
}

// Key is a public key or certificate, possibly with secret key material
// available. A Key is treated as immutable once it has been handed to the
// key cache; use Clone to derive modified copies.
type Key struct {
	// Fingerprint is the primary fingerprint in upper-case hex. A Key
	// without a fingerprint is invalid.
	Fingerprint string
	Protocol    Protocol

	SubKeys []*SubKey
	UserIDs []*UserID

	// ChainID is the fingerprint of the issuing certificate (CMS only). A
	// root certificate carries its own fingerprint.
	ChainID string
	Issuer  string
	Subject string

	Revoked  bool
	Expired  bool
	Disabled bool
	Invalid  bool

	// Compliant is set when the key is usable in the stricter
	// compliance mode (de-vs).
	Compliant bool

	Origin     Origin
	LastUpdate time.Time
}

// NormalizeFingerprint upper-cases a fingerprint or key ID and strips
// whitespace and a leading 0x.
func NormalizeFingerprint(fpr string) string {
	fpr = strings.TrimSpace(fpr)
	if strings.HasPrefix(fpr, "0x") || strings.HasPrefix(fpr, "0X") {
		fpr = fpr[2:]
	}
	return strings.ToUpper(strings.ReplaceAll(fpr, " ", ""))
}

func (k *Key) IsNull() bool {
	return k == nil || k.Fingerprint == ""
}

func (k *Key) String() string {
	if k.IsNull() {
		return "<null key>"
	}
	return fmt.Sprintf("%s/%s", k.Protocol, k.Fingerprint)
}

// Primary returns the primary subkey, if any.
func (k *Key) Primary() *SubKey {
	if k == nil || len(k.SubKeys) == 0 {
		return nil
	}
	return k.SubKeys[0]
}

func (k *Key) IsRevoked() bool  { return k != nil && k.Revoked }
func (k *Key) IsExpired() bool  { return k != nil && k.Expired }
func (k *Key) IsDisabled() bool { return k != nil && k.Disabled }
func (k *Key) IsInvalid() bool  { return k == nil || k.Invalid }

// IsBad reports whether the key must not be used at all.
func (k *Key) IsBad() bool {
	return k.IsNull() || k.Revoked || k.Expired || k.Disabled || k.Invalid
}

// HasSecret reports whether secret material is available for any subkey.
func (k *Key) HasSecret() bool {
	if k == nil {
		return false
	}
	for _, sk := range k.SubKeys {
		if sk.Secret {
			return true
		}
	}
	return false
}

func (k *Key) CanEncrypt() bool {
	if k.IsBad() {
		return false
	}
	for _, sk := range k.SubKeys {
		if sk.CanEncrypt && !sk.IsBad() {
			return true
		}
	}
	return false
}

func (k *Key) CanSign() bool {
	return k.signingSubKey(false) != nil
}

// CanReallySign is like CanSign but additionally requires secret
// material for the signing subkey.
func (k *Key) CanReallySign() bool {
	return k.signingSubKey(true) != nil
}

func (k *Key) signingSubKey(secret bool) *SubKey {
	if k.IsBad() {
		return nil
	}
	for _, sk := range k.SubKeys {
		if !sk.CanSign || sk.IsBad() {
			continue
		}
		if secret && !sk.Secret {
			continue
		}
		return sk
	}
	return nil
}

// NewestSubKeyCreation returns the creation time of the most recently
// created usable subkey.
func (k *Key) NewestSubKeyCreation() time.Time {
	var newest time.Time
	if k == nil {
		return newest
	}
	for _, sk := range k.SubKeys {
		if sk.IsBad() {
			continue
		}
		if sk.Creation.After(newest) {
			newest = sk.Creation
		}
	}
	return newest
}

// SubKeyByFingerprint returns the subkey matching fpr, or nil.
func (k *Key) SubKeyByFingerprint(fpr string) *SubKey {
	if k == nil {
		return nil
	}
	fpr = NormalizeFingerprint(fpr)
	for _, sk := range k.SubKeys {
		if sk.Fingerprint == fpr {
			return sk
		}
	}
	return nil
}

// UserIDsFor returns the user IDs bound to the given mailbox.
func (k *Key) UserIDsFor(mailbox string) []*UserID {
	var result []*UserID
	if k == nil {
		return result
	}
	for _, uid := range k.UserIDs {
		if uid.Address != "" && uid.Address == mailbox {
			result = append(result, uid)
		}
	}
	return result
}

// Mailboxes returns the distinct addresses of all non-bad user IDs.
func (k *Key) Mailboxes() []string {
	var result []string
	seen := map[string]bool{}
	for _, uid := range k.UserIDs {
		if uid.IsBad() || uid.Address == "" || seen[uid.Address] {
			continue
		}
		seen[uid.Address] = true
		result = append(result, uid.Address)
	}
	return result
}

// Clone returns a deep copy of the key.
func (k *Key) Clone() *Key {
	if k == nil {
		return nil
	}
	c := *k
	c.SubKeys = make([]*SubKey, len(k.SubKeys))
	for i, sk := range k.SubKeys {
		skc := *sk
		c.SubKeys[i] = &skc
	}
	c.UserIDs = make([]*UserID, len(k.UserIDs))
	for i, uid := range k.UserIDs {
		uidc := *uid
		c.UserIDs[i] = &uidc
	}
	return &c
}

// MergeSecret copies the secret key flags of from into the matching
// subkeys of k. If no subkey of k matches a secret subkey of from, the
// secret subkeys of from are carried over so k keeps its secret material.
func (k *Key) MergeSecret(from *Key) *Key {
	if k == nil || from == nil {
		return k
	}
	for _, fsk := range from.SubKeys {
		if !fsk.Secret {
			continue
		}
		sk := k.SubKeyByFingerprint(fsk.Fingerprint)
		if sk == nil {
			continue
		}
		sk.Secret = true
		if fsk.CardKey {
			sk.CardKey = true
			sk.CardSerial = fsk.CardSerial
		}
	}
	if k.HasSecret() {
		return k
	}
	for _, fsk := range from.SubKeys {
		if fsk.Secret && k.SubKeyByFingerprint(fsk.Fingerprint) == nil {
			skc := *fsk
			k.SubKeys = append(k.SubKeys, &skc)
		}
	}
	return k
}
