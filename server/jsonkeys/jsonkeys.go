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

// Package jsonkeys defines a JSON document model for keys and
// certificates returned by the HTTP query surface.
package jsonkeys

import (
	"time"

	"mailkeys/keys"
)

type SubKey struct {
	Fingerprint  string `json:"fingerprint"`
	KeyID        string `json:"keyID"`
	Keygrip      string `json:"keygrip,omitempty"`
	Creation     string `json:"creation,omitempty"`
	Expiration   string `json:"expiration,omitempty"`
	NeverExpires bool   `json:"neverExpires,omitempty"`
	Capabilities string `json:"capabilities"`
	Secret       bool   `json:"secret,omitempty"`
	CardSerial   string `json:"cardSerial,omitempty"`
	Bad          bool   `json:"bad,omitempty"`
}

func capabilities(sk *keys.SubKey) string {
	var caps []byte
	for _, c := range []struct {
		ok   bool
		flag byte
	}{{sk.CanEncrypt, 'e'}, {sk.CanSign, 's'}, {sk.CanCertify, 'c'}, {sk.CanAuthenticate, 'a'}} {
		if c.ok {
			caps = append(caps, c.flag)
		}
	}
	return string(caps)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func NewSubKey(from *keys.SubKey) *SubKey {
	return &SubKey{
		Fingerprint:  from.Fingerprint,
		KeyID:        from.KeyID,
		Keygrip:      from.Keygrip,
		Creation:     formatTime(from.Creation),
		Expiration:   formatTime(from.Expiration),
		NeverExpires: from.Expiration.IsZero(),
		Capabilities: capabilities(from),
		Secret:       from.Secret,
		CardSerial:   from.CardSerial,
		Bad:          from.IsBad(),
	}
}

type UserID struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Address  string `json:"address,omitempty"`
	Validity string `json:"validity"`
	Origin   string `json:"origin"`
	Bad      bool   `json:"bad,omitempty"`
}

func NewUserID(from *keys.UserID) *UserID {
	return &UserID{
		ID:       from.ID,
		Name:     from.Name,
		Address:  from.Address,
		Validity: from.Validity.String(),
		Origin:   from.Origin.String(),
		Bad:      from.IsBad(),
	}
}

type Key struct {
	Fingerprint string `json:"fingerprint"`
	Protocol    string `json:"protocol"`

	SubKeys []*SubKey `json:"subKeys,omitempty"`
	UserIDs []*UserID `json:"userIDs,omitempty"`

	ChainID string `json:"chainID,omitempty"`
	Issuer  string `json:"issuer,omitempty"`
	Subject string `json:"subject,omitempty"`

	Revoked   bool `json:"revoked,omitempty"`
	Expired   bool `json:"expired,omitempty"`
	Disabled  bool `json:"disabled,omitempty"`
	Invalid   bool `json:"invalid,omitempty"`
	Compliant bool `json:"compliant,omitempty"`

	CanEncrypt bool `json:"canEncrypt"`
	CanSign    bool `json:"canSign"`
	HasSecret  bool `json:"hasSecret"`

	Origin     string `json:"origin"`
	LastUpdate string `json:"lastUpdate,omitempty"`
}

// NewKey returns the document of a key. A nil key yields nil.
func NewKey(from *keys.Key) *Key {
	if from == nil {
		return nil
	}
	to := &Key{
		Fingerprint: from.Fingerprint,
		Protocol:    from.Protocol.String(),
		ChainID:     from.ChainID,
		Issuer:      from.Issuer,
		Subject:     from.Subject,
		Revoked:     from.Revoked,
		Expired:     from.Expired,
		Disabled:    from.Disabled,
		Invalid:     from.Invalid,
		Compliant:   from.Compliant,
		CanEncrypt:  from.CanEncrypt(),
		CanSign:     from.CanSign(),
		HasSecret:   from.HasSecret(),
		Origin:      from.Origin.String(),
		LastUpdate:  formatTime(from.LastUpdate),
	}
	for _, sk := range from.SubKeys {
		to.SubKeys = append(to.SubKeys, NewSubKey(sk))
	}
	for _, uid := range from.UserIDs {
		to.UserIDs = append(to.UserIDs, NewUserID(uid))
	}
	return to
}

// NewKeys returns the documents of ks, never nil.
func NewKeys(ks []*keys.Key) []*Key {
	result := []*Key{}
	for _, k := range ks {
		if k != nil {
			result = append(result, NewKey(k))
		}
	}
	return result
}
