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
	log "github.com/sirupsen/logrus"

	"mailkeys/keys"
)

// mailboxMaps holds the per-protocol mailbox maps. A nil *keys.Key value
// is a placeholder for a mailbox that is being located or was not found.
type mailboxMaps struct {
	public    map[keys.Protocol]map[string]*keys.Key
	secret    map[keys.Protocol]map[string]*keys.Key
	overrides map[keys.Protocol]map[string][]string
}

// fprIndex is the canonical record of every known key.
type fprIndex struct {
	byFingerprint map[string]*keys.Key
	subkeys       map[string]string
	ultimate      []*keys.Key
}

// store is the key store. The mailbox maps and the fingerprint index are
// guarded separately and never locked at the same time.
type store struct {
	maps  guarded[mailboxMaps]
	index guarded[fprIndex]
}

func newStore() *store {
	s := &store{}
	s.maps.v = mailboxMaps{
		public:    make(map[keys.Protocol]map[string]*keys.Key),
		secret:    make(map[keys.Protocol]map[string]*keys.Key),
		overrides: make(map[keys.Protocol]map[string][]string),
	}
	for _, p := range keys.Protocols {
		s.maps.v.public[p] = make(map[string]*keys.Key)
		s.maps.v.secret[p] = make(map[string]*keys.Key)
		s.maps.v.overrides[p] = make(map[string][]string)
	}
	s.index.v = fprIndex{
		byFingerprint: make(map[string]*keys.Key),
		subkeys:       make(map[string]string),
	}
	return s
}

// upsert inserts key into the fingerprint index or updates the existing
// record, preserving known secret material.
func (s *store) upsert(key *keys.Key) {
	if key.IsNull() {
		log.Debug("not indexing key without fingerprint")
		return
	}

	var existed bool
	s.index.write(func(idx *fprIndex) {
		for _, sk := range key.SubKeys {
			if sk.Fingerprint == "" {
				continue
			}
			if _, ok := idx.subkeys[sk.Fingerprint]; !ok {
				idx.subkeys[sk.Fingerprint] = key.Fingerprint
			}
		}

		old, ok := idx.byFingerprint[key.Fingerprint]
		if !ok {
			idx.byFingerprint[key.Fingerprint] = key
			metrics.keysIndexed.Set(float64(len(idx.byFingerprint)))
			return
		}
		existed = true

		if hasUltimateUID(key) {
			idx.recordUltimate(key)
		}
		idx.byFingerprint[key.Fingerprint] = preserveSecret(old, key)
		metrics.keysIndexed.Set(float64(len(idx.byFingerprint)))
	})

	if !existed || !key.HasSecret() {
		return
	}
	for _, uid := range key.UserIDs {
		if uid.IsBad() || uid.Address == "" {
			continue
		}
		s.setSecret(uid.Address, key.Protocol, key)
	}
}

// preserveSecret is the merge rule for updates of an indexed key: secret
// material known for the stored key survives an update that lacks it.
// The incoming key's metadata always wins.
func preserveSecret(stored, incoming *keys.Key) *keys.Key {
	if stored.HasSecret() && !incoming.HasSecret() {
		return incoming.Clone().MergeSecret(stored)
	}
	return incoming
}

// recordUltimate replaces any ultimate key entry with the same primary
// fingerprint by key.
func (idx *fprIndex) recordUltimate(key *keys.Key) {
	kept := idx.ultimate[:0]
	for _, k := range idx.ultimate {
		if k.Fingerprint != key.Fingerprint {
			kept = append(kept, k)
		}
	}
	idx.ultimate = append(kept, key)
}

func hasUltimateUID(key *keys.Key) bool {
	for _, uid := range key.UserIDs {
		if !uid.IsBad() && uid.Validity == keys.ValidityUltimate {
			return true
		}
	}
	return false
}

func (s *store) addUltimate(key *keys.Key) {
	if key.IsNull() || !hasUltimateUID(key) {
		return
	}
	s.index.write(func(idx *fprIndex) {
		idx.recordUltimate(key)
	})
}

func (s *store) clearUltimate() {
	s.index.write(func(idx *fprIndex) {
		idx.ultimate = nil
	})
}

func (s *store) ultimateKeys() []*keys.Key {
	var result []*keys.Key
	s.index.read(func(idx *fprIndex) {
		result = append(result, idx.ultimate...)
	})
	return result
}

// lookup resolves fpr, which may be a subkey fingerprint, to its primary
// key record.
func (s *store) lookup(fpr string) *keys.Key {
	var key *keys.Key
	s.index.read(func(idx *fprIndex) {
		if primary, ok := idx.subkeys[fpr]; ok {
			fpr = primary
		}
		key = idx.byFingerprint[fpr]
	})
	return key
}

// primaryOf returns the primary fingerprint for a subkey fingerprint, or
// fpr itself.
func (s *store) primaryOf(fpr string) string {
	s.index.read(func(idx *fprIndex) {
		if primary, ok := idx.subkeys[fpr]; ok {
			fpr = primary
		}
	})
	return fpr
}

func (s *store) len() int {
	var n int
	s.index.read(func(idx *fprIndex) {
		n = len(idx.byFingerprint)
	})
	return n
}

// hasKeygrip reports whether any indexed key of protocol has a subkey with
// the given keygrip.
func (s *store) hasKeygrip(protocol keys.Protocol, grip string) bool {
	var found bool
	s.index.read(func(idx *fprIndex) {
		for _, key := range idx.byFingerprint {
			if key.Protocol != protocol {
				continue
			}
			for _, sk := range key.SubKeys {
				if sk.Keygrip == grip {
					found = true
					return
				}
			}
		}
	})
	return found
}

// reserve inserts a placeholder for mailbox unless an entry exists. It
// returns true if the placeholder was inserted.
func (s *store) reserve(mailbox string, protocol keys.Protocol, secret bool) bool {
	var inserted bool
	s.maps.write(func(m *mailboxMaps) {
		mm := m.public[protocol]
		if secret {
			mm = m.secret[protocol]
		}
		if _, ok := mm[mailbox]; ok {
			return
		}
		mm[mailbox] = nil
		inserted = true
	})
	return inserted
}

func (s *store) public(mailbox string, protocol keys.Protocol) *keys.Key {
	var key *keys.Key
	s.maps.read(func(m *mailboxMaps) {
		key = m.public[protocol][mailbox]
	})
	return key
}

func (s *store) secret(mailbox string, protocol keys.Protocol) *keys.Key {
	var key *keys.Key
	s.maps.read(func(m *mailboxMaps) {
		key = m.secret[protocol][mailbox]
	})
	return key
}

// setPublic stores key as the public key of mailbox and indexes it. A nil
// key records that no key was found.
func (s *store) setPublic(mailbox string, protocol keys.Protocol, key *keys.Key) {
	s.maps.write(func(m *mailboxMaps) {
		m.public[protocol][mailbox] = key
	})
	if key != nil {
		s.upsert(key)
	}
}

// fillPublic stores key as the public key of mailbox unless a usable key
// is already known.
func (s *store) fillPublic(mailbox string, protocol keys.Protocol, key *keys.Key) {
	s.maps.write(func(m *mailboxMaps) {
		old := m.public[protocol][mailbox]
		if old == nil || (!old.CanEncrypt() && key.CanEncrypt()) {
			m.public[protocol][mailbox] = key
		}
	})
}

// setSecret offers candidate as the secret key of mailbox. The stored
// entry is replaced only if candidate wins the tie-break.
func (s *store) setSecret(mailbox string, protocol keys.Protocol, candidate *keys.Key) {
	if candidate.IsNull() {
		return
	}
	s.maps.write(func(m *mailboxMaps) {
		mm := m.secret[protocol]
		mm[mailbox] = preferSecret(mm[mailbox], candidate)
	})
}

func (s *store) overrides(mailbox string, protocol keys.Protocol) []string {
	var fprs []string
	s.maps.read(func(m *mailboxMaps) {
		fprs = append(fprs, m.overrides[protocol][mailbox]...)
	})
	return fprs
}

func (s *store) setOverrides(mailbox string, protocol keys.Protocol, fprs []string) {
	s.maps.write(func(m *mailboxMaps) {
		m.overrides[protocol][mailbox] = append([]string(nil), fprs...)
	})
}

// preferSecret selects the better of two secret keys for the same mailbox.
// Keys with the same fingerprint are replaced by the newer record. A key
// that can sign beats one that cannot. Otherwise the key with the most
// recently created usable subkey wins. Equal creation times fall back to
// the fingerprint order so the outcome never depends on arrival order.
func preferSecret(old, candidate *keys.Key) *keys.Key {
	switch {
	case old == nil:
		return candidate
	case candidate == nil:
		return old
	case old.Fingerprint == candidate.Fingerprint:
		return candidate
	}
	if oldSign, newSign := old.CanSign(), candidate.CanSign(); oldSign != newSign {
		if newSign {
			return candidate
		}
		return old
	}
	oldTime, newTime := old.NewestSubKeyCreation(), candidate.NewestSubKeyCreation()
	switch {
	case newTime.After(oldTime):
		return candidate
	case oldTime.After(newTime):
		return old
	case candidate.Fingerprint > old.Fingerprint:
		return candidate
	}
	return old
}
