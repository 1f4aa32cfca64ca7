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

// Package smime reads X.509 certificates into the keys model for the CMS
// protocol.
package smime

import (
	"bytes"
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"strings"
	"time"

	"github.com/pkg/errors"

	"mailkeys/keys"
)

var now = time.Now

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// Certificate is a parsed certificate together with its Key view.
type Certificate struct {
	*keys.Key
	Cert *x509.Certificate
}

// DER returns the raw certificate.
func (c *Certificate) DER() []byte {
	return c.Cert.Raw
}

// Fingerprint returns the SHA-1 fingerprint of a certificate in upper-case
// hex, which is how CMS certificates are identified.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// ReadCertificates parses PEM or DER encoded certificates.
func ReadCertificates(data []byte) ([]*Certificate, error) {
	var certs []*x509.Certificate
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("-----")) {
		rest := trimmed
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" && block.Type != "X509 CERTIFICATE" {
				continue
			}
			parsed, err := x509.ParseCertificates(block.Bytes)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			certs = append(certs, parsed...)
		}
	} else {
		parsed, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		certs = parsed
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificates found")
	}
	var result []*Certificate
	for _, cert := range certs {
		result = append(result, &Certificate{Key: NewKey(cert), Cert: cert})
	}
	// Certificates delivered together may chain to each other.
	for _, c := range result {
		if c.ChainID == "" {
			c.ChainID = ChainID(c.Cert, certs)
		}
	}
	return result, nil
}

// ChainID returns the fingerprint of the certificate in pool that issued
// cert. Self-signed certificates return their own fingerprint. An empty
// string means the issuer is unknown.
func ChainID(cert *x509.Certificate, pool []*x509.Certificate) string {
	if isSelfSigned(cert) {
		return Fingerprint(cert)
	}
	for _, candidate := range pool {
		if candidate == cert || bytes.Equal(candidate.Raw, cert.Raw) {
			continue
		}
		if !bytes.Equal(candidate.RawSubject, cert.RawIssuer) {
			continue
		}
		if len(cert.AuthorityKeyId) > 0 && len(candidate.SubjectKeyId) > 0 &&
			!bytes.Equal(cert.AuthorityKeyId, candidate.SubjectKeyId) {
			continue
		}
		if cert.CheckSignatureFrom(candidate) != nil {
			continue
		}
		return Fingerprint(candidate)
	}
	return ""
}

func isSelfSigned(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawSubject, cert.RawIssuer) {
		return false
	}
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

// NewKey converts a certificate into a CMS Key. The chain ID is set only
// for self-signed certificates; see ChainID.
func NewKey(cert *x509.Certificate) *keys.Key {
	t := now()
	fpr := Fingerprint(cert)
	key := &keys.Key{
		Fingerprint: fpr,
		Protocol:    keys.CMS,
		Issuer:      cert.Issuer.String(),
		Subject:     cert.Subject.String(),
		LastUpdate:  t,
	}
	if isSelfSigned(cert) {
		key.ChainID = fpr
	}
	sk := &keys.SubKey{
		Fingerprint: fpr,
		KeyID:       fpr[len(fpr)-16:],
		Creation:    cert.NotBefore,
		Expiration:  cert.NotAfter,
		Expired:     t.After(cert.NotAfter),
		Invalid:     t.Before(cert.NotBefore),
	}
	if cert.KeyUsage == 0 {
		sk.CanSign = true
		sk.CanEncrypt = true
	} else {
		sk.CanSign = cert.KeyUsage&(x509.KeyUsageDigitalSignature|x509.KeyUsageContentCommitment) != 0
		sk.CanEncrypt = cert.KeyUsage&(x509.KeyUsageKeyEncipherment|x509.KeyUsageDataEncipherment|x509.KeyUsageKeyAgreement) != 0
	}
	sk.CanCertify = cert.IsCA && (cert.KeyUsage == 0 || cert.KeyUsage&x509.KeyUsageCertSign != 0)
	key.Expired = sk.Expired
	key.Invalid = sk.Invalid
	key.SubKeys = []*keys.SubKey{sk}

	key.UserIDs = append(key.UserIDs, &keys.UserID{ID: key.Subject})
	seen := map[string]bool{}
	addMailbox := func(addr string) {
		mbox := keys.Mailbox(addr)
		if mbox == "" || seen[mbox] {
			return
		}
		seen[mbox] = true
		key.UserIDs = append(key.UserIDs, &keys.UserID{ID: "<" + mbox + ">", Address: mbox})
	}
	for _, name := range cert.Subject.Names {
		if name.Type.Equal(oidEmailAddress) {
			if s, ok := name.Value.(string); ok {
				addMailbox(s)
			}
		}
	}
	for _, addr := range cert.EmailAddresses {
		addMailbox(addr)
	}
	return key
}
