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

package openpgp

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	xopenpgp "github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/pkg/errors"

	"mailkeys/keys"
)

var now = time.Now

func parseEntity(data []byte) (*keys.Key, error) {
	e, err := xopenpgp.ReadEntity(packet.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, errors.Wrap(err, "invalid transferable key")
	}
	return NewKey(e), nil
}

func fingerprint(pk *packet.PublicKey) string {
	return strings.ToUpper(hex.EncodeToString(pk.Fingerprint[:]))
}

func keyID(pk *packet.PublicKey) string {
	return fmt.Sprintf("%016X", pk.KeyId)
}

// NewKey converts a parsed entity into a Key. User ID validity is left
// Unknown; it is up to the backend to assign trust.
func NewKey(e *xopenpgp.Entity) *keys.Key {
	t := now()
	pk := e.PrimaryKey
	key := &keys.Key{
		Fingerprint: fingerprint(pk),
		Protocol:    keys.OpenPGP,
		Revoked:     len(e.Revocations) > 0,
		LastUpdate:  t,
	}

	names := make([]string, 0, len(e.Identities))
	for name := range e.Identities {
		names = append(names, name)
	}
	sort.Strings(names)

	var selfSig *packet.Signature
	for _, name := range names {
		id := e.Identities[name]
		if id.SelfSignature == nil {
			continue
		}
		if selfSig == nil || (id.SelfSignature.IsPrimaryId != nil && *id.SelfSignature.IsPrimaryId) {
			selfSig = id.SelfSignature
		}
	}

	primary := &keys.SubKey{
		Fingerprint: key.Fingerprint,
		KeyID:       keyID(pk),
		Creation:    pk.CreationTime,
		Secret:      e.PrivateKey != nil,
		Revoked:     key.Revoked,
	}
	setUsage(primary, pk.PubKeyAlgo, selfSig, true)
	setExpiration(primary, selfSig, t)
	key.Expired = primary.Expired
	key.SubKeys = append(key.SubKeys, primary)

	for _, sub := range e.Subkeys {
		sk := &keys.SubKey{
			Fingerprint: fingerprint(sub.PublicKey),
			KeyID:       keyID(sub.PublicKey),
			Creation:    sub.PublicKey.CreationTime,
			Secret:      sub.PrivateKey != nil,
			Revoked:     key.Revoked,
		}
		setUsage(sk, sub.PublicKey.PubKeyAlgo, sub.Sig, false)
		setExpiration(sk, sub.Sig, t)
		if sub.Sig == nil {
			sk.Invalid = true
		}
		key.SubKeys = append(key.SubKeys, sk)
	}

	for _, name := range names {
		id := e.Identities[name]
		uid := &keys.UserID{
			ID:      name,
			Invalid: id.SelfSignature == nil,
			Revoked: key.Revoked,
		}
		if id.UserId != nil {
			uid.Name = id.UserId.Name
			uid.Address = keys.Mailbox(id.UserId.Email)
		}
		key.UserIDs = append(key.UserIDs, uid)
	}
	return key
}

func setUsage(sk *keys.SubKey, algo packet.PublicKeyAlgorithm, sig *packet.Signature, primary bool) {
	if sig != nil && sig.FlagsValid {
		sk.CanSign = sig.FlagSign
		sk.CanCertify = sig.FlagCertify
		sk.CanEncrypt = sig.FlagEncryptCommunications || sig.FlagEncryptStorage
		return
	}
	// No key flags: fall back to what the algorithm permits.
	sk.CanSign = algo.CanSign() && primary
	sk.CanCertify = algo.CanSign() && primary
	sk.CanEncrypt = algo.CanEncrypt()
}

func setExpiration(sk *keys.SubKey, sig *packet.Signature, t time.Time) {
	if sig == nil || sig.KeyLifetimeSecs == nil || *sig.KeyLifetimeSecs == 0 {
		return
	}
	sk.Expiration = sk.Creation.Add(time.Duration(*sig.KeyLifetimeSecs) * time.Second)
	sk.Expired = t.After(sk.Expiration)
}
