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
	"context"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"mailkeys/backend"
	"mailkeys/keys"
	"mailkeys/openpgp"
	"mailkeys/smime"
)

// readRecords splits key material into records. Keys that fail to parse
// are reported as import errors.
func readRecords(p keys.Protocol, data []byte, origin keys.Origin) ([]*record, []*keys.Key, []backend.ImportStatus) {
	var recs []*record
	var parsed []*keys.Key
	var failed []backend.ImportStatus
	switch p {
	case keys.OpenPGP:
		results, err := openpgp.ReadData(data)
		for _, r := range results {
			rec := &record{
				Fingerprint: r.Fingerprint,
				Protocol:    p,
				Origin:      origin,
			}
			if r.Key.HasSecret() {
				rec.SecretData = r.Data
			} else {
				rec.Data = r.Data
			}
			recs = append(recs, rec)
			parsed = append(parsed, r.Key)
		}
		if err != nil {
			failed = append(failed, backend.ImportStatus{
				Error: backend.ImportError{Reason: err.Error()},
			})
		}
	case keys.CMS:
		certs, err := smime.ReadCertificates(data)
		if err != nil {
			failed = append(failed, backend.ImportStatus{
				Error: backend.ImportError{Reason: err.Error()},
			})
		}
		for _, c := range certs {
			recs = append(recs, &record{
				Fingerprint: c.Fingerprint,
				Protocol:    p,
				Data:        c.DER(),
				Origin:      origin,
			})
			parsed = append(parsed, c.Key)
		}
	}
	for _, rec := range recs {
		rec.Digest = rec.digest()
	}
	return recs, parsed, failed
}

func (kr *Keyring) store(recs []*record, parsed []*keys.Key, result *backend.ImportResult) {
	for i, rec := range recs {
		status, err := kr.put(rec, parsed[i])
		st := backend.ImportStatus{Fingerprint: rec.Fingerprint, Status: status}
		if err != nil {
			st.Error = backend.ImportError{Fingerprint: rec.Fingerprint, Reason: err.Error()}
		}
		result.Imports = append(result.Imports, st)
	}
}

func (kr *Keyring) Import(ctx context.Context, protocol keys.Protocol, data []byte) (*backend.ImportResult, error) {
	dt := keys.IdentifyData(data)
	p, ok := dt.Protocol()
	if !ok {
		return nil, errors.Errorf("cannot import %s data", dt)
	}
	if p != protocol {
		return nil, errors.Errorf("cannot import %s data as %s", dt, protocol)
	}
	recs, parsed, failed := readRecords(p, data, keys.OriginUnknown)
	result := &backend.ImportResult{Considered: len(recs) + len(failed)}
	kr.store(recs, parsed, result)
	result.Imports = append(result.Imports, failed...)
	return result, nil
}

func externalKey(p keys.Protocol, fpr string) string {
	return protoPrefix(p) + "/" + fpr
}

// ImportKeys stores keys found by the most recent extern listings.
func (kr *Keyring) ImportKeys(ctx context.Context, protocol keys.Protocol, fprs []string) (*backend.ImportResult, error) {
	result := &backend.ImportResult{Considered: len(fprs)}
	for _, fpr := range fprs {
		fpr = keys.NormalizeFingerprint(fpr)
		v, ok := kr.external.Get(externalKey(protocol, fpr))
		if !ok {
			result.Imports = append(result.Imports, backend.ImportStatus{
				Fingerprint: fpr,
				Error:       backend.ImportError{Fingerprint: fpr, Reason: "not found in external listing"},
			})
			continue
		}
		rec := v.(*record)
		recs, parsed, failed := readRecords(protocol, rec.Data, rec.Origin)
		kr.store(recs, parsed, result)
		result.Imports = append(result.Imports, failed...)
		kr.external.Remove(externalKey(protocol, fpr))
	}
	return result, nil
}

func isHex(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789ABCDEF", c) {
			return false
		}
	}
	return true
}

// match returns the stored keys matching a pattern: a mailbox, a
// fingerprint or key ID, or a substring of a user ID.
func (kr *Keyring) match(p keys.Protocol, pattern string) ([]*keys.Key, error) {
	if strings.Contains(pattern, "@") {
		mbox := keys.Mailbox(pattern)
		if mbox == "" {
			return nil, nil
		}
		fprs, err := kr.byMailbox(p, mbox)
		if err != nil {
			return nil, err
		}
		var result []*keys.Key
		for _, fpr := range fprs {
			rec, err := kr.get(p, fpr)
			if backend.IsNotFound(err) {
				continue
			} else if err != nil {
				return nil, err
			}
			key, err := kr.parse(rec)
			if err != nil {
				log.Warning(err)
				continue
			}
			result = append(result, key)
		}
		return result, nil
	}

	fpr := keys.NormalizeFingerprint(pattern)
	if isHex(fpr) {
		rec, err := kr.resolve(p, fpr)
		if err == nil {
			key, err := kr.parse(rec)
			if err != nil {
				return nil, err
			}
			return []*keys.Key{key}, nil
		} else if !backend.IsNotFound(err) {
			return nil, err
		}
		if len(fpr) > 16 {
			return nil, nil
		}
		return kr.filter(p, func(key *keys.Key) bool {
			for _, sk := range key.SubKeys {
				if strings.HasSuffix(sk.Fingerprint, fpr) {
					return true
				}
			}
			return false
		})
	}

	needle := strings.ToLower(pattern)
	return kr.filter(p, func(key *keys.Key) bool {
		for _, uid := range key.UserIDs {
			if strings.Contains(strings.ToLower(uid.ID), needle) {
				return true
			}
		}
		return false
	})
}

// filter returns the stored keys of a protocol accepted by f.
func (kr *Keyring) filter(p keys.Protocol, f func(*keys.Key) bool) ([]*keys.Key, error) {
	var result []*keys.Key
	err := kr.scan(p, func(rec *record) error {
		key, err := kr.parse(rec)
		if err != nil {
			log.Warning(err)
			return nil
		}
		if f == nil || f(key) {
			result = append(result, key)
		}
		return nil
	})
	return result, err
}

func (kr *Keyring) Lookup(ctx context.Context, protocol keys.Protocol, fprOrPattern string, secret bool) (*keys.Key, error) {
	found, err := kr.match(protocol, fprOrPattern)
	if err != nil {
		return nil, err
	}
	for _, key := range found {
		if !secret || key.HasSecret() {
			return key, nil
		}
	}
	return nil, errors.Wrapf(backend.ErrKeyNotFound, "lookup %q", fprOrPattern)
}

func (kr *Keyring) ListKeys(ctx context.Context, opts backend.ListOptions) (backend.KeyIterator, error) {
	var found []*keys.Key
	var err error
	if opts.Mode.Has(backend.Extern) {
		found, err = kr.listExternal(ctx, opts)
	} else {
		found, err = kr.listLocal(opts)
	}
	if err != nil {
		return nil, err
	}
	if opts.Secret {
		var secret []*keys.Key
		for _, key := range found {
			if key.HasSecret() {
				secret = append(secret, key)
			}
		}
		found = secret
	}
	return backend.NewSliceIterator(found), nil
}

func (kr *Keyring) listLocal(opts backend.ListOptions) ([]*keys.Key, error) {
	if len(opts.Patterns) == 0 {
		return kr.filter(opts.Protocol, nil)
	}
	var result []*keys.Key
	seen := map[string]bool{}
	for _, pattern := range opts.Patterns {
		found, err := kr.match(opts.Protocol, pattern)
		if err != nil {
			return nil, err
		}
		for _, key := range found {
			if !seen[key.Fingerprint] {
				seen[key.Fingerprint] = true
				result = append(result, key)
			}
		}
	}
	return result, nil
}

// listExternal searches keyservers (OpenPGP) or the certificate directory
// (CMS) by mailbox. Hits are remembered for ImportKeys but not stored.
func (kr *Keyring) listExternal(ctx context.Context, opts backend.ListOptions) ([]*keys.Key, error) {
	var result []*keys.Key
	for _, mbox := range keys.Mailboxes(opts.Patterns) {
		var blobs [][]byte
		switch opts.Protocol {
		case keys.OpenPGP:
			data, err := kr.lookupHKP(ctx, mbox)
			if backend.IsNotFound(err) {
				continue
			} else if err != nil {
				return result, err
			}
			blobs = append(blobs, data)
		case keys.CMS:
			if kr.dir == nil {
				continue
			}
			found, err := kr.dir.Search(ctx, mbox)
			if err != nil {
				return result, errors.Wrapf(err, "directory search for %q", mbox)
			}
			blobs = found
		}
		for _, data := range blobs {
			recs, _, failed := readRecords(opts.Protocol, data, keys.OriginKeyServer)
			for _, st := range failed {
				log.WithField("mailbox", mbox).Warningf("skipping external key: %v", st.Error)
			}
			for _, rec := range recs {
				key, err := kr.parse(rec)
				if err != nil {
					log.Warning(err)
					continue
				}
				kr.external.Add(externalKey(rec.Protocol, rec.Fingerprint), rec)
				result = append(result, key)
			}
		}
	}
	return result, nil
}

// Locate returns a usable OpenPGP key for mailbox from the key store,
// falling back to the configured keyservers. Keys found on a keyserver
// are stored.
func (kr *Keyring) Locate(ctx context.Context, mailbox string) (*keys.Key, error) {
	mbox := keys.Mailbox(mailbox)
	if mbox == "" {
		return nil, errors.Wrapf(backend.ErrKeyNotFound, "invalid mailbox %q", mailbox)
	}
	found, err := kr.match(keys.OpenPGP, mbox)
	if err != nil {
		return nil, err
	}
	if key := bestForMailbox(found, mbox); key != nil {
		return key, nil
	}

	data, err := kr.lookupHKP(ctx, mbox)
	if err != nil {
		return nil, err
	}
	recs, parsed, failed := readRecords(keys.OpenPGP, data, keys.OriginKeyServer)
	for _, st := range failed {
		log.WithField("mailbox", mbox).Warningf("skipping keyserver key: %v", st.Error)
	}
	var result backend.ImportResult
	kr.store(recs, parsed, &result)
	found, err = kr.match(keys.OpenPGP, mbox)
	if err != nil {
		return nil, err
	}
	if key := bestForMailbox(found, mbox); key != nil {
		return key, nil
	}
	return nil, errors.Wrapf(backend.ErrKeyNotFound, "locate %q", mbox)
}

// bestForMailbox picks the usable encryption key with the newest subkey
// among keys carrying a valid user ID for mbox.
func bestForMailbox(found []*keys.Key, mbox string) *keys.Key {
	var best *keys.Key
	for _, key := range found {
		if key.IsBad() || !key.CanEncrypt() {
			continue
		}
		usable := false
		for _, uid := range key.UserIDsFor(mbox) {
			if !uid.IsBad() {
				usable = true
			}
		}
		if !usable {
			continue
		}
		if best == nil || key.NewestSubKeyCreation().After(best.NewestSubKeyCreation()) {
			best = key
		}
	}
	return best
}
