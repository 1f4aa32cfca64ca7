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
	"strings"

	log "github.com/sirupsen/logrus"

	"mailkeys/backend"
	"mailkeys/keys"
)

func (c *Cache) protocols() []keys.Protocol {
	if c.opts.SMIMEEnabled {
		return keys.Protocols
	}
	return []keys.Protocol{keys.OpenPGP}
}

func (c *Cache) list(ctx context.Context, opts backend.ListOptions) []*keys.Key {
	ks, err := backend.List(ctx, c.backend, opts)
	if err != nil {
		log.WithFields(log.Fields{
			"protocol": opts.Protocol,
			"patterns": opts.Patterns,
			"secret":   opts.Secret,
			"mode":     opts.Mode,
		}).Errorf("key listing failed: %v", err)
	}
	return ks
}

// update fetches the key with fingerprint fpr and indexes it.
func (c *Cache) update(ctx context.Context, fpr string, protocol keys.Protocol) {
	key, err := c.backend.Lookup(ctx, protocol, fpr, false)
	if err != nil {
		fields := log.Fields{"fingerprint": fpr, "protocol": protocol}
		if backend.IsNotFound(err) {
			log.WithFields(fields).Debug("update: key not found")
		} else {
			log.WithFields(fields).Errorf("update failed: %v", err)
		}
		key = nil
	}
	c.store.upsert(key)
}

// importData imports address book key material for mailbox and records
// the imported keys as its overrides.
func (c *Cache) importData(ctx context.Context, mailbox string, data []byte, protocol keys.Protocol) {
	fields := log.Fields{"mailbox": mailbox, "protocol": protocol}
	dt := keys.IdentifyData(data)
	detected, ok := dt.Protocol()
	if !ok {
		log.WithFields(fields).Debugf("import: ignoring data of type %s", dt)
		return
	}
	if detected != protocol {
		log.WithFields(fields).Warningf("import: %s data does not match protocol", dt)
		return
	}

	result, err := c.backend.Import(ctx, protocol, data)
	if err != nil {
		log.WithFields(fields).Errorf("import failed: %v", err)
		return
	}
	for _, st := range result.Imports {
		if st.Error != nil {
			log.WithFields(fields).Warningf("import: %v", st.Error)
		}
	}

	var fprs []string
	for _, fpr := range result.Fingerprints() {
		c.update(ctx, fpr, protocol)
		fprs = append(fprs, fpr)
	}
	c.store.setOverrides(mailbox, protocol, fprs)
	log.WithFields(fields).Debugf("import: %d override keys", len(fprs))
}

// locate looks up the public keys of mailbox.
func (c *Cache) locate(ctx context.Context, mailbox string) {
	key, err := c.backend.Locate(ctx, mailbox)
	if err != nil {
		if !backend.IsNotFound(err) {
			log.WithFields(log.Fields{"mailbox": mailbox}).Errorf("locate failed: %v", err)
		}
		key = nil
	}
	if key.IsNull() {
		key = nil
	}
	c.store.setPublic(mailbox, keys.OpenPGP, key)

	if !c.opts.SMIMEEnabled {
		return
	}
	c.store.setPublic(mailbox, keys.CMS, c.locateCMS(ctx, mailbox, key != nil))
}

func (c *Cache) locateCMS(ctx context.Context, mailbox string, havePGP bool) *keys.Key {
	local := backend.ListOptions{
		Protocol: keys.CMS,
		Patterns: []string{mailbox},
		Mode:     backend.Local | backend.Validate,
	}
	if key := firstUsable(c.list(ctx, local)); key != nil {
		return key
	}
	if !c.opts.SearchSMIMEServers || (havePGP && !c.opts.PreferSMIME) {
		return nil
	}

	found := c.list(ctx, backend.ListOptions{
		Protocol: keys.CMS,
		Patterns: []string{mailbox},
		Mode:     backend.Extern,
	})
	if len(found) == 0 {
		return nil
	}
	var fprs []string
	for _, key := range found {
		if !key.IsNull() {
			fprs = append(fprs, key.Fingerprint)
		}
	}
	if _, err := c.backend.ImportKeys(ctx, keys.CMS, fprs); err != nil {
		log.WithFields(log.Fields{"mailbox": mailbox}).Errorf("import of directory certificates failed: %v", err)
		return nil
	}
	return firstUsable(c.list(ctx, local))
}

func firstUsable(ks []*keys.Key) *keys.Key {
	for _, key := range ks {
		if !key.IsBad() && key.CanEncrypt() {
			return key
		}
	}
	return nil
}

// locateSecret selects the secret keys of mailbox for each protocol.
func (c *Cache) locateSecret(ctx context.Context, mailbox string) {
	for _, protocol := range c.protocols() {
		ks := c.list(ctx, backend.ListOptions{
			Protocol: protocol,
			Patterns: []string{mailbox},
			Secret:   true,
			Mode:     backend.Local,
		})
		for _, key := range ks {
			if key.IsNull() || key.IsInvalid() || key.IsRevoked() || key.IsExpired() || key.IsDisabled() {
				continue
			}
			c.store.upsert(key)
			c.store.setSecret(mailbox, protocol, key)
		}
	}
}

// populate loads all local public and secret keys.
func (c *Cache) populate(ctx context.Context) {
	c.store.clearUltimate()
	for _, protocol := range c.protocols() {
		var n int
		for _, key := range c.list(ctx, backend.ListOptions{
			Protocol: protocol,
			Mode:     backend.Local | backend.Validate,
		}) {
			if key.IsNull() {
				continue
			}
			c.store.upsert(key)
			c.store.addUltimate(key)
			for _, mailbox := range key.Mailboxes() {
				c.store.fillPublic(mailbox, protocol, key)
			}
			n++
		}
		c.populateSecret(ctx, protocol)
		log.WithFields(log.Fields{"protocol": protocol}).Infof("populated %d keys", n)
	}
	if c.opts.SMIMEEnabled {
		c.probeSmartcard(ctx)
	}
}

func (c *Cache) populateSecret(ctx context.Context, protocol keys.Protocol) {
	for _, key := range c.list(ctx, backend.ListOptions{
		Protocol: protocol,
		Secret:   true,
		Mode:     backend.Local,
	}) {
		if key.IsBad() {
			continue
		}
		c.store.upsert(key)
		for _, mailbox := range key.Mailboxes() {
			c.store.setSecret(mailbox, protocol, key)
		}
	}
}

// probeSmartcard learns the certificates of an inserted smartcard whose
// keys are not known yet.
func (c *Cache) probeSmartcard(ctx context.Context) {
	lines, err := c.backend.Transact(ctx, "SCD SERIALNO")
	if err != nil {
		log.Debugf("no smartcard: %v", err)
		return
	}
	serial := statusArg(lines, "SERIALNO")
	if serial == "" {
		return
	}
	fields := log.Fields{"serial": serial}

	lines, err = c.backend.Transact(ctx, "SCD LEARN --keypairinfo")
	if err != nil {
		log.WithFields(fields).Warningf("cannot list smartcard keys: %v", err)
		return
	}
	var unknown int
	for _, line := range lines {
		f := strings.Fields(line)
		if len(f) < 3 || f[0] != "S" || f[1] != "KEYPAIRINFO" {
			continue
		}
		if !c.store.hasKeygrip(keys.CMS, f[2]) {
			unknown++
		}
	}
	if unknown == 0 {
		return
	}

	log.WithFields(fields).Infof("learning %d unknown smartcard keys", unknown)
	res, err := c.backend.Spawn(ctx, c.opts.GPGSMPath, []string{"--learn-card"}, nil)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		log.WithFields(fields).Errorf("smartcard learn failed: %v", err)
		return
	}
	c.populateSecret(ctx, keys.CMS)
}

// statusArg returns the first argument of the assuan status line with
// the given keyword.
func statusArg(lines []string, keyword string) string {
	for _, line := range lines {
		f := strings.Fields(line)
		if len(f) >= 3 && f[0] == "S" && f[1] == keyword {
			return f[2]
		}
	}
	return ""
}
