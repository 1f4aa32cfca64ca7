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

package smime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailkeys/keys"
	mktesting "mailkeys/testing"
)

func TestReadCertificateChain(t *testing.T) {
	root, intermediate, leaf := mktesting.MustChain("Carol@example.com")
	var pemData []byte
	for _, c := range []*mktesting.Cert{leaf, intermediate, root} {
		pemData = append(pemData, c.PEM()...)
	}
	certs, err := ReadCertificates(pemData)
	require.NoError(t, err)
	require.Len(t, certs, 3)

	rootFpr := Fingerprint(root.Cert)
	interFpr := Fingerprint(intermediate.Cert)
	assert.Equal(t, interFpr, certs[0].ChainID)
	assert.Equal(t, rootFpr, certs[1].ChainID)
	assert.Equal(t, rootFpr, certs[2].ChainID)

	key := certs[0].Key
	assert.Equal(t, keys.CMS, key.Protocol)
	assert.Equal(t, Fingerprint(leaf.Cert), key.Fingerprint)
	assert.Len(t, key.Fingerprint, 40)
	assert.True(t, key.CanEncrypt())
	assert.True(t, key.CanSign())
	assert.False(t, key.SubKeys[0].CanCertify)
	assert.Equal(t, []string{"carol@example.com"}, key.Mailboxes())
	assert.Contains(t, key.Issuer, "Test Intermediate CA")

	assert.True(t, certs[2].SubKeys[0].CanCertify)
	assert.False(t, certs[2].CanEncrypt())
}

func TestReadDER(t *testing.T) {
	_, _, leaf := mktesting.MustChain("dave@example.com")
	certs, err := ReadCertificates(leaf.DER())
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "", certs[0].ChainID)
	assert.Equal(t, leaf.DER(), certs[0].DER())
}

func TestChainIDUnknownIssuer(t *testing.T) {
	root, _, leaf := mktesting.MustChain("erin@example.com")
	assert.Equal(t, "", ChainID(leaf.Cert, nil))
	assert.Equal(t, Fingerprint(root.Cert), ChainID(root.Cert, nil))
}

func TestReadErrors(t *testing.T) {
	_, err := ReadCertificates([]byte("-----BEGIN CERTIFICATE-----\n-----END CERTIFICATE-----\n"))
	assert.Error(t, err)
	_, err = ReadCertificates([]byte{0x30, 0x03, 0x02, 0x01, 0x01})
	assert.Error(t, err)
}
