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

package keycache

import (
	"context"

	log "github.com/sirupsen/logrus"

	"mailkeys/keys"
)

// Mail is the part of a mail under composition the cache needs.
type Mail interface {
	Sender() string
	Recipients() []string
}

// PublicKey returns the cached public key of mailbox, or nil.
func (c *Cache) PublicKey(address string, protocol keys.Protocol) *keys.Key {
	return c.store.public(keys.Mailbox(address), protocol)
}

// SecretKey returns the selected secret key of mailbox, or nil.
func (c *Cache) SecretKey(address string, protocol keys.Protocol) *keys.Key {
	return c.store.secret(keys.Mailbox(address), protocol)
}

// UltimateKeys returns the keys with an ultimately trusted user ID.
func (c *Cache) UltimateKeys() []*keys.Key {
	return c.store.ultimateKeys()
}

// ByFingerprint returns the key with the given primary or subkey
// fingerprint. If the key is not cached and blocking is set, it waits for
// an in-flight update of the fingerprint and tries again.
func (c *Cache) ByFingerprint(ctx context.Context, fpr string, blocking bool) *keys.Key {
	fpr = keys.NormalizeFingerprint(fpr)
	if fpr == "" {
		return nil
	}
	key := c.store.lookup(fpr)
	if key != nil || !blocking {
		return key
	}
	c.updateJobs.wait(ctx, fpr, c.opts.JobWaitTimeout)
	key = c.store.lookup(fpr)
	if key == nil {
		log.WithFields(log.Fields{"fingerprint": fpr}).Debug("key not found")
	}
	return key
}

// SigningKey returns the secret key to sign with for address, or nil if
// there is no key that can really sign.
func (c *Cache) SigningKey(address string, protocol keys.Protocol) *keys.Key {
	key := c.SecretKey(address, protocol)
	if key == nil {
		return nil
	}
	if !key.CanReallySign() || !key.HasSecret() {
		return nil
	}
	if c.opts.strict() && !key.Compliant {
		log.WithFields(log.Fields{
			"fingerprint": key.Fingerprint,
			"protocol":    protocol,
		}).Debug("signing key not compliant")
		return nil
	}
	return key
}

// Overrides returns the keys configured in the address book for mailbox.
// It waits for an import of the address book keys that is in flight.
// Fingerprints that do not resolve to a cached key are skipped.
func (c *Cache) Overrides(ctx context.Context, address string, protocol keys.Protocol) []*keys.Key {
	mailbox := keys.Mailbox(address)
	c.importJobs.wait(ctx, importKey{protocol: protocol, mailbox: mailbox}, c.opts.JobWaitTimeout)

	var result []*keys.Key
	for _, fpr := range c.store.overrides(mailbox, protocol) {
		key := c.ByFingerprint(ctx, fpr, false)
		if key == nil {
			log.WithFields(log.Fields{
				"mailbox":     mailbox,
				"fingerprint": fpr,
			}).Debug("override not cached")
			continue
		}
		result = append(result, key)
	}
	return result
}

// EncryptionKeys resolves the encryption keys for all recipients. If any
// recipient lacks a usable and sufficiently trusted key, no keys are
// returned at all.
func (c *Cache) EncryptionKeys(ctx context.Context, recipients []string, protocol keys.Protocol) []*keys.Key {
	var result []*keys.Key
	for _, recipient := range recipients {
		mailbox := keys.Mailbox(recipient)
		fields := log.Fields{"mailbox": mailbox, "protocol": protocol}
		if mailbox == "" {
			log.WithFields(log.Fields{"recipient": recipient}).Debug("recipient has no address")
			recordResolution(protocol.String(), false)
			return nil
		}

		overrides := c.Overrides(ctx, mailbox, protocol)
		if protocol == keys.CMS {
			overrides = FilterChain(overrides)
		}
		if len(overrides) > 0 {
			log.WithFields(fields).Debugf("using %d override keys", len(overrides))
			result = append(result, overrides...)
			continue
		}

		key := c.PublicKey(mailbox, protocol)
		if !c.usableForEncryption(key) {
			log.WithFields(fields).Debug("no usable encryption key")
			recordResolution(protocol.String(), false)
			return nil
		}
		if !c.trusted(key, mailbox) {
			log.WithFields(fields).Debugf("key %s not trusted", key.Fingerprint)
			recordResolution(protocol.String(), false)
			return nil
		}
		result = append(result, key)
	}
	if len(result) > 0 {
		recordResolution(protocol.String(), true)
	}
	return result
}

func (c *Cache) usableForEncryption(key *keys.Key) bool {
	if key == nil || !key.CanEncrypt() {
		return false
	}
	if key.IsRevoked() || key.IsExpired() || key.IsDisabled() || key.IsInvalid() {
		return false
	}
	return !c.opts.strict() || key.Compliant
}

// trusted reports whether a user ID of key for mailbox is at least
// marginally valid or comes from a verified directory.
func (c *Cache) trusted(key *keys.Key, mailbox string) bool {
	for _, uid := range key.UserIDsFor(mailbox) {
		if uid.IsBad() {
			continue
		}
		switch {
		case uid.Validity >= keys.ValidityMarginal:
			return true
		case uid.Origin.Verified():
			return true
		case c.opts.AcceptUnknownTrust && uid.Validity == keys.ValidityUnknown:
			return true
		}
	}
	return false
}

// IsMailResolvable reports whether mail can be signed and encrypted with
// OpenPGP or, if enabled, with S/MIME.
func (c *Cache) IsMailResolvable(ctx context.Context, mail Mail) bool {
	sender := keys.Mailbox(mail.Sender())
	recipients := mail.Recipients()

	if len(c.EncryptionKeys(ctx, recipients, keys.OpenPGP)) > 0 {
		if !c.opts.RequireSigningKey || c.SigningKey(sender, keys.OpenPGP) != nil {
			return true
		}
	}
	if !c.opts.SMIMEEnabled {
		return false
	}

	// S/MIME also encrypts to the sender.
	withSender := append(append([]string(nil), recipients...), sender)
	if len(c.EncryptionKeys(ctx, withSender, keys.CMS)) == 0 {
		return false
	}
	return c.SigningKey(sender, keys.CMS) != nil
}

// FilterChain removes every certificate that is the issuer of another
// certificate in ks, leaving only the leaf certificates.
func FilterChain(ks []*keys.Key) []*keys.Key {
	issuers := make(map[string]bool)
	for _, k := range ks {
		if k.ChainID != "" && k.ChainID != k.Fingerprint {
			issuers[k.ChainID] = true
		}
	}
	var result []*keys.Key
	for _, k := range ks {
		if !issuers[k.Fingerprint] {
			result = append(result, k)
		}
	}
	return result
}
