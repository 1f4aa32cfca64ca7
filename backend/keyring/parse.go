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

package keyring

import (
	"bytes"
	"crypto/x509"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"mailkeys/keys"
	"mailkeys/openpgp"
	"mailkeys/smime"
)

// maxChainDepth bounds the walk from a certificate to a trusted root.
const maxChainDepth = 8

// parse returns the Key view of a record. Parsed keys are cached by
// content digest; callers receive a copy.
func (kr *Keyring) parse(rec *record) (*keys.Key, error) {
	cacheKey := rec.Digest + ":" + rec.Origin.String()
	if v, ok := kr.parsed.Get(cacheKey); ok {
		return v.(*keys.Key).Clone(), nil
	}

	var key *keys.Key
	var validity keys.Validity
	switch rec.Protocol {
	case keys.OpenPGP:
		data := rec.Data
		if data == nil {
			data = rec.SecretData
		}
		var err error
		key, err = parseOpenPGP(rec.Fingerprint, data)
		if err != nil {
			return nil, err
		}
		if rec.SecretData != nil && !bytes.Equal(data, rec.SecretData) {
			secret, err := parseOpenPGP(rec.Fingerprint, rec.SecretData)
			if err != nil {
				log.Warningf("ignoring secret material of %s: %v", rec.Fingerprint, err)
			} else {
				key.MergeSecret(secret)
			}
		}
		switch {
		case key.HasSecret():
			validity = keys.ValidityUltimate
		case kr.trusted[key.Fingerprint]:
			validity = keys.ValidityFull
		}
	case keys.CMS:
		cert, err := x509.ParseCertificate(rec.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot parse stored certificate %s", rec.Fingerprint)
		}
		pool, err := kr.certPool()
		if err != nil {
			return nil, err
		}
		key = smime.NewKey(cert)
		key.ChainID = smime.ChainID(cert, pool)
		if kr.chainTrusted(cert, pool) {
			validity = keys.ValidityFull
		}
	default:
		return nil, errors.Errorf("unsupported protocol %v", rec.Protocol)
	}

	key.Origin = rec.Origin
	key.LastUpdate = rec.MTime
	for _, uid := range key.UserIDs {
		uid.Validity = validity
		uid.Origin = rec.Origin
	}
	kr.parsed.Add(cacheKey, key)
	return key.Clone(), nil
}

func parseOpenPGP(fpr string, data []byte) (*keys.Key, error) {
	results, err := openpgp.ReadData(data)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse stored key %s", fpr)
	}
	if len(results) == 0 {
		return nil, errors.Errorf("no key in record %s", fpr)
	}
	return results[0].Key, nil
}

// certPool loads every stored certificate.
func (kr *Keyring) certPool() ([]*x509.Certificate, error) {
	var pool []*x509.Certificate
	err := kr.scan(keys.CMS, func(rec *record) error {
		cert, err := x509.ParseCertificate(rec.Data)
		if err != nil {
			log.Warningf("skipping unparseable certificate %s: %v", rec.Fingerprint, err)
			return nil
		}
		pool = append(pool, cert)
		return nil
	})
	return pool, err
}

// chainTrusted reports whether cert or one of its issuers in pool is
// listed as trusted.
func (kr *Keyring) chainTrusted(cert *x509.Certificate, pool []*x509.Certificate) bool {
	byFpr := make(map[string]*x509.Certificate, len(pool))
	for _, c := range pool {
		byFpr[smime.Fingerprint(c)] = c
	}
	cur := cert
	for depth := 0; depth < maxChainDepth && cur != nil; depth++ {
		fpr := smime.Fingerprint(cur)
		if kr.trusted[fpr] {
			return true
		}
		issuer := smime.ChainID(cur, pool)
		if issuer == "" || issuer == fpr {
			return false
		}
		cur = byFpr[issuer]
	}
	return false
}
