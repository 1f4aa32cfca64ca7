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

// Package testing generates key material for unit tests.
package testing

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	xopenpgp "github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

var entityConfig = &packet.Config{
	Algorithm: packet.PubKeyAlgoEdDSA,
}

// MustEntity creates a new OpenPGP entity with a signing primary key and
// an encryption subkey.
func MustEntity(name, email string) *xopenpgp.Entity {
	e, err := xopenpgp.NewEntity(name, "", email, entityConfig)
	if err != nil {
		panic(fmt.Errorf("cannot create test entity %q: %v", email, err))
	}
	return e
}

// MustArmorPublic returns the armored public key block of e.
func MustArmorPublic(e *xopenpgp.Entity) []byte {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, xopenpgp.PublicKeyType, nil)
	if err != nil {
		panic(err)
	}
	if err = e.Serialize(w); err != nil {
		panic(err)
	}
	if err = w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// MustArmorSecret returns the armored secret key block of e.
func MustArmorSecret(e *xopenpgp.Entity) []byte {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, xopenpgp.PrivateKeyType, nil)
	if err != nil {
		panic(err)
	}
	if err = e.SerializePrivate(w, entityConfig); err != nil {
		panic(err)
	}
	if err = w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// MustBinaryPublic returns the binary public key packets of e.
func MustBinaryPublic(e *xopenpgp.Entity) []byte {
	var buf bytes.Buffer
	if err := e.Serialize(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Cert is a generated certificate with its private key.
type Cert struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

func (c *Cert) DER() []byte {
	return c.Cert.Raw
}

func (c *Cert) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Cert.Raw})
}

var serial int64

// MustCert issues a certificate for cn. A nil issuer produces a
// self-signed root. CA certificates may sign other certificates.
func MustCert(cn, email string, ca bool, issuer *Cert) *Cert {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	serial++
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Example"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  ca,
	}
	if ca {
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	} else {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyAgreement
	}
	if email != "" {
		tmpl.EmailAddresses = []string{email}
	}
	parent, signer := tmpl, priv
	if issuer != nil {
		parent, signer = issuer.Cert, issuer.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &priv.PublicKey, signer)
	if err != nil {
		panic(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}
	return &Cert{Cert: cert, Key: priv}
}

// MustChain issues a root, an intermediate and a leaf certificate for email.
func MustChain(email string) (root, intermediate, leaf *Cert) {
	root = MustCert("Test Root CA", "", true, nil)
	intermediate = MustCert("Test Intermediate CA", "", true, root)
	leaf = MustCert(email, email, false, intermediate)
	return root, intermediate, leaf
}
