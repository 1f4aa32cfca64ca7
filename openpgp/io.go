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

// Package openpgp reads OpenPGP key material into the keys model. Public
// and secret key blocks, armored or binary, are split into per-key packet
// sequences so that one malformed key does not spoil a whole keyring.
package openpgp

import (
	"bytes"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/pkg/errors"

	"mailkeys/keys"
)

const (
	tagSignature     = 2
	tagSecretKey     = 5
	tagPublicKey     = 6
	tagSecretSubKey  = 7
	tagUserID        = 13
	tagPublicSubKey  = 14
	tagUserAttribute = 17
)

// OpaqueKeyring holds the raw packets of a single transferable key.
type OpaqueKeyring struct {
	Packets []*packet.OpaquePacket
	Secret  bool
	Error   error
}

// Bytes serializes the keyring packets back into binary form.
func (okr *OpaqueKeyring) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	for _, op := range okr.Packets {
		if err := op.Serialize(&buf); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return buf.Bytes(), nil
}

// Parse converts the keyring into a Key.
func (okr *OpaqueKeyring) Parse() (*keys.Key, []byte, error) {
	data, err := okr.Bytes()
	if err != nil {
		return nil, nil, err
	}
	key, err := parseEntity(data)
	if err != nil {
		return nil, nil, err
	}
	return key, data, nil
}

type OpaqueKeyringChan chan *OpaqueKeyring

// ReadOpaqueKeyrings splits a binary packet stream at each primary key
// packet. Packets that do not belong to a transferable key are dropped.
func ReadOpaqueKeyrings(r io.Reader) OpaqueKeyringChan {
	c := make(OpaqueKeyringChan)
	or := packet.NewOpaqueReader(r)
	go func() {
		defer close(c)
		var op *packet.OpaquePacket
		var err error
		var current *OpaqueKeyring
		for op, err = or.Next(); err == nil; op, err = or.Next() {
			switch op.Tag {
			case tagPublicKey, tagSecretKey:
				if current != nil {
					c <- current
				}
				current = &OpaqueKeyring{Secret: op.Tag == tagSecretKey}
				fallthrough
			case tagSignature, tagUserID, tagPublicSubKey, tagSecretSubKey, tagUserAttribute:
				if current != nil {
					current.Packets = append(current.Packets, op)
				}
			}
		}
		if err == io.EOF && current != nil {
			c <- current
		} else if err != nil && err != io.EOF {
			if current == nil {
				current = &OpaqueKeyring{}
			}
			current.Error = errors.WithStack(err)
			c <- current
		}
	}()
	return c
}

type ReadKeyResult struct {
	*keys.Key

	// Data is the binary transferable key the Key was parsed from.
	Data  []byte
	Error error
}

type KeyChan chan *ReadKeyResult

// MustParse collects all keys, panicking on the first error.
func (c KeyChan) MustParse() []*keys.Key {
	var result []*keys.Key
	for readKey := range c {
		if readKey.Error != nil {
			panic(readKey.Error)
		}
		result = append(result, readKey.Key)
	}
	return result
}

// ReadKeys reads binary key material from r and sends each key on the
// returned channel. Callers must drain the channel.
func ReadKeys(r io.Reader) KeyChan {
	c := make(KeyChan)
	go func() {
		defer close(c)
		for okr := range ReadOpaqueKeyrings(r) {
			if okr.Error != nil {
				c <- &ReadKeyResult{Error: okr.Error}
				continue
			}
			key, data, err := okr.Parse()
			if err != nil {
				c <- &ReadKeyResult{Error: err}
				continue
			}
			c <- &ReadKeyResult{Key: key, Data: data}
		}
	}()
	return c
}

// ReadArmorKeys reads ASCII-armored key material.
func ReadArmorKeys(r io.Reader) (KeyChan, error) {
	block, err := armor.Decode(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return ReadKeys(block.Body), nil
}

// ReadData reads armored or binary key material, returning every key that
// could be parsed and the first error encountered.
func ReadData(data []byte) ([]*ReadKeyResult, error) {
	var c KeyChan
	if keys.IdentifyData(data) != keys.DataPGPKey {
		return nil, errors.New("data is not an OpenPGP key block")
	}
	if bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("-----")) {
		var err error
		c, err = ReadArmorKeys(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
	} else {
		c = ReadKeys(bytes.NewReader(data))
	}
	var result []*ReadKeyResult
	var firstErr error
	for kr := range c {
		if kr.Error != nil {
			if firstErr == nil {
				firstErr = kr.Error
			}
			continue
		}
		result = append(result, kr)
	}
	return result, firstErr
}

// MustReadArmorKeys is ReadArmorKeys for tests.
func MustReadArmorKeys(r io.Reader) KeyChan {
	c, err := ReadArmorKeys(r)
	if err != nil {
		panic(err)
	}
	return c
}
