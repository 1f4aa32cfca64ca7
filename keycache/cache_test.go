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
	"sync"
	"time"

	"github.com/pkg/errors"
	gc "gopkg.in/check.v1"

	"mailkeys/backend"
	"mailkeys/backend/mock"
	"mailkeys/keys"
)

type CacheSuite struct {
	cache *Cache
}

var _ = gc.Suite(&CacheSuite{})

func (s *CacheSuite) TearDownTest(c *gc.C) {
	if s.cache != nil {
		c.Assert(s.cache.Close(), gc.IsNil)
		s.cache = nil
	}
}

func (s *CacheSuite) newCache(opts Options, options ...mock.Option) *mock.Backend {
	b := mock.NewBackend(options...)
	s.cache = New(b, opts)
	return b
}

func (s *CacheSuite) TestLocateDedup(c *gc.C) {
	release := make(chan struct{})
	alice := newKey("AAAA", keys.OpenPGP, withUID("alice@example.org", keys.ValidityFull))
	b := s.newCache(DefaultOptions(), mock.Locate(func(mailbox string) (*keys.Key, error) {
		<-release
		return alice, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.cache.StartLocate("Alice <ALICE@example.org>", Handle{})
		}()
	}
	wg.Wait()
	close(release)
	drain(c, s.cache)

	c.Assert(b.MethodCount("Locate"), gc.Equals, 1)
	c.Assert(s.cache.PublicKey("alice@example.org", keys.OpenPGP), gc.Equals, alice)
	c.Assert(s.cache.ByFingerprint(context.Background(), "AAAA5", false), gc.Equals, alice)

	// Already resolved.
	s.cache.StartLocate("alice@example.org", Handle{})
	drain(c, s.cache)
	c.Assert(b.MethodCount("Locate"), gc.Equals, 1)
}

func (s *CacheSuite) TestLocateNotFound(c *gc.C) {
	b := s.newCache(DefaultOptions())
	s.cache.StartLocate("bob@example.org", Handle{})
	s.cache.WaitLocate(context.Background(), "bob@example.org")
	c.Assert(s.cache.PublicKey("bob@example.org", keys.OpenPGP), gc.IsNil)

	// A miss is remembered.
	s.cache.StartLocate("bob@example.org", Handle{})
	drain(c, s.cache)
	c.Assert(b.MethodCount("Locate"), gc.Equals, 1)
}

func (s *CacheSuite) TestLocateNotifiesOwner(c *gc.C) {
	release := make(chan struct{})
	s.newCache(DefaultOptions(), mock.Locate(func(mailbox string) (*keys.Key, error) {
		<-release
		return nil, backend.ErrKeyNotFound
	}))
	owner := newTestOwner()
	h := s.cache.Guard().Register(owner)

	s.cache.StartLocate("alice@example.org", h)
	s.cache.StartLocateSecret("alice@example.org", h)
	close(release)
	drain(c, s.cache)

	c.Assert(owner.located, gc.HasLen, 1)
	c.Assert(s.cache.Guard().InFlight(h), gc.Equals, 0)
}

func (s *CacheSuite) TestLocateReleasedOwner(c *gc.C) {
	release := make(chan struct{})
	s.newCache(DefaultOptions(), mock.Locate(func(mailbox string) (*keys.Key, error) {
		<-release
		return nil, backend.ErrKeyNotFound
	}))
	owner := newTestOwner()
	h := s.cache.Guard().Register(owner)
	s.cache.StartLocate("alice@example.org", h)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// The locate job holds the owner.
	c.Assert(s.cache.Guard().Release(ctx, h), gc.NotNil)

	close(release)
	drain(c, s.cache)
	c.Assert(owner.located, gc.HasLen, 0)
	c.Assert(s.cache.Guard().Valid(h), gc.Equals, false)
}

func (s *CacheSuite) TestLocateSMIME(c *gc.C) {
	opts := DefaultOptions()
	opts.SMIMEEnabled = true
	opts.SearchSMIMEServers = true
	cert := newKey("CERT", keys.CMS, withUID("bob@example.org", keys.ValidityFull), withChain("ROOT"))

	var imported bool
	var mu sync.Mutex
	b := s.newCache(opts,
		mock.ListKeys(func(lo backend.ListOptions) ([]*keys.Key, error) {
			mu.Lock()
			defer mu.Unlock()
			if lo.Protocol != keys.CMS {
				return nil, nil
			}
			if lo.Mode.Has(backend.Extern) {
				return []*keys.Key{cert}, nil
			}
			if imported {
				return []*keys.Key{cert}, nil
			}
			return nil, nil
		}),
		mock.ImportKeys(func(p keys.Protocol, fprs []string) (*backend.ImportResult, error) {
			mu.Lock()
			defer mu.Unlock()
			imported = true
			return &backend.ImportResult{Imports: []backend.ImportStatus{{Fingerprint: "CERT"}}}, nil
		}))

	s.cache.StartLocate("bob@example.org", Handle{})
	drain(c, s.cache)

	c.Assert(s.cache.PublicKey("bob@example.org", keys.OpenPGP), gc.IsNil)
	c.Assert(s.cache.PublicKey("bob@example.org", keys.CMS), gc.Equals, cert)
	c.Assert(b.MethodCount("ImportKeys"), gc.Equals, 1)
	c.Assert(b.MethodCount("ListKeys"), gc.Equals, 3)
}

func (s *CacheSuite) TestLocateSMIMENoExternWithPGP(c *gc.C) {
	opts := DefaultOptions()
	opts.SMIMEEnabled = true
	opts.SearchSMIMEServers = true
	alice := newKey("AAAA", keys.OpenPGP, withUID("alice@example.org", keys.ValidityFull))
	b := s.newCache(opts, mock.Locate(func(string) (*keys.Key, error) { return alice, nil }))

	s.cache.StartLocate("alice@example.org", Handle{})
	drain(c, s.cache)
	c.Assert(b.MethodCount("ListKeys"), gc.Equals, 1)
	c.Assert(b.MethodCount("ImportKeys"), gc.Equals, 0)
	c.Assert(s.cache.PublicKey("alice@example.org", keys.CMS), gc.IsNil)
}

func (s *CacheSuite) TestLocateSecret(c *gc.C) {
	older := newKey("AAAA", keys.OpenPGP, withUID("alice@example.org", keys.ValidityUltimate), withSecret())
	newer := newKey("BBBB", keys.OpenPGP, withUID("alice@example.org", keys.ValidityUltimate), withSecret(),
		withCreation(epoch.Add(time.Hour)))
	noSign := newKey("CCCC", keys.OpenPGP, withUID("alice@example.org", keys.ValidityUltimate), withSecret(),
		withoutSign(), withCreation(epoch.Add(2*time.Hour)))
	bad := newKey("DDDD", keys.OpenPGP, withUID("alice@example.org", keys.ValidityUltimate), withSecret(),
		revoked(), withCreation(epoch.Add(3*time.Hour)))

	for _, order := range [][]*keys.Key{
		{older, newer, noSign, bad},
		{bad, noSign, newer, older},
	} {
		order := order
		s.newCache(DefaultOptions(), mock.ListKeys(func(lo backend.ListOptions) ([]*keys.Key, error) {
			if !lo.Secret || lo.Protocol != keys.OpenPGP {
				return nil, nil
			}
			return order, nil
		}))
		s.cache.StartLocateSecret("alice@example.org", Handle{})
		drain(c, s.cache)

		key := s.cache.SigningKey("alice@example.org", keys.OpenPGP)
		c.Assert(key, gc.NotNil)
		c.Assert(key.Fingerprint, gc.Equals, "BBBB")
		c.Assert(s.cache.Close(), gc.IsNil)
		s.cache = nil
	}
}

func (s *CacheSuite) TestUpdateDedup(c *gc.C) {
	release := make(chan struct{})
	b := s.newCache(DefaultOptions(), mock.Lookup(func(p keys.Protocol, fpr string, secret bool) (*keys.Key, error) {
		<-release
		return newKey(fpr, p), nil
	}))
	for i := 0; i < 10; i++ {
		s.cache.Update("aaaa", keys.OpenPGP)
	}
	close(release)
	key := s.cache.ByFingerprint(context.Background(), "AAAA", true)
	c.Assert(key, gc.NotNil)
	drain(c, s.cache)
	c.Assert(b.MethodCount("Lookup"), gc.Equals, 1)
}

func (s *CacheSuite) TestByFingerprintBlockingTimeout(c *gc.C) {
	opts := DefaultOptions()
	opts.JobWaitTimeout = 20 * time.Millisecond
	release := make(chan struct{})
	s.newCache(opts, mock.Lookup(func(p keys.Protocol, fpr string, secret bool) (*keys.Key, error) {
		<-release
		return newKey(fpr, p), nil
	}))
	s.cache.Update("AAAA", keys.OpenPGP)

	start := time.Now()
	c.Assert(s.cache.ByFingerprint(context.Background(), "AAAA", true), gc.IsNil)
	c.Assert(time.Since(start) < 5*time.Second, gc.Equals, true)

	close(release)
	drain(c, s.cache)
	c.Assert(s.cache.ByFingerprint(context.Background(), "AAAA", false), gc.NotNil)
}

func (s *CacheSuite) TestUpdateError(c *gc.C) {
	s.newCache(DefaultOptions(), mock.Lookup(func(keys.Protocol, string, bool) (*keys.Key, error) {
		return nil, errors.New("backend down")
	}))
	s.cache.Update("AAAA", keys.OpenPGP)
	c.Assert(s.cache.ByFingerprint(context.Background(), "AAAA", true), gc.IsNil)
	c.Assert(s.cache.Len(), gc.Equals, 0)
}

func (s *CacheSuite) TestImportOverrides(c *gc.C) {
	root := newKey("ROOT", keys.CMS, withChain("ROOT"))
	leaf := newKey("LEAF", keys.CMS, withChain("ROOT"), withUID("bob@example.org", keys.ValidityUnknown))
	ks := map[string]*keys.Key{"ROOT": root, "LEAF": leaf}
	b := s.newCache(DefaultOptions(),
		mock.Import(func(p keys.Protocol, data []byte) (*backend.ImportResult, error) {
			return &backend.ImportResult{Imports: []backend.ImportStatus{
				{Fingerprint: "ROOT"}, {Fingerprint: "LEAF"},
			}}, nil
		}),
		mock.Lookup(func(p keys.Protocol, fpr string, secret bool) (*keys.Key, error) {
			if key, ok := ks[fpr]; ok {
				return key, nil
			}
			return nil, backend.ErrKeyNotFound
		}))

	pemData := []byte("-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n")
	c.Assert(keys.IdentifyData(pemData), gc.Equals, keys.DataX509Cert)
	s.cache.ImportFromAddressBook("Bob <bob@example.org>", pemData, Handle{}, keys.CMS)

	overrides := s.cache.Overrides(context.Background(), "bob@example.org", keys.CMS)
	c.Assert(overrides, gc.HasLen, 2)
	c.Assert(overrides[0], gc.Equals, root)

	// Overrides bypass the trust check and are chain filtered.
	enc := s.cache.EncryptionKeys(context.Background(), []string{"bob@example.org"}, keys.CMS)
	c.Assert(enc, gc.HasLen, 1)
	c.Assert(enc[0], gc.Equals, leaf)
	c.Assert(b.MethodCount("Import"), gc.Equals, 1)
	c.Assert(b.MethodCount("Lookup"), gc.Equals, 2)
}

func (s *CacheSuite) TestImportUnknownData(c *gc.C) {
	b := s.newCache(DefaultOptions())
	s.cache.ImportFromAddressBook("bob@example.org", []byte("hello world"), Handle{}, keys.OpenPGP)
	drain(c, s.cache)
	c.Assert(b.MethodCount("Import"), gc.Equals, 0)
	c.Assert(s.cache.importJobs.len(), gc.Equals, 0)
	c.Assert(s.cache.Overrides(context.Background(), "bob@example.org", keys.OpenPGP), gc.HasLen, 0)
}

func (s *CacheSuite) TestImportDedup(c *gc.C) {
	release := make(chan struct{})
	b := s.newCache(DefaultOptions(), mock.Import(func(p keys.Protocol, data []byte) (*backend.ImportResult, error) {
		<-release
		return &backend.ImportResult{}, nil
	}))
	data := []byte("-----BEGIN PGP PUBLIC KEY BLOCK-----\n\n-----END PGP PUBLIC KEY BLOCK-----\n")
	for i := 0; i < 5; i++ {
		s.cache.ImportFromAddressBook("bob@example.org", data, Handle{}, keys.OpenPGP)
	}
	close(release)
	drain(c, s.cache)
	c.Assert(b.MethodCount("Import"), gc.Equals, 1)
}

func (s *CacheSuite) populated(c *gc.C, opts Options, pub, sec []*keys.Key, options ...mock.Option) *mock.Backend {
	options = append([]mock.Option{mock.ListKeys(func(lo backend.ListOptions) ([]*keys.Key, error) {
		var result []*keys.Key
		src := pub
		if lo.Secret {
			src = sec
		}
		for _, key := range src {
			if key.Protocol == lo.Protocol {
				result = append(result, key)
			}
		}
		return result, nil
	})}, options...)
	b := s.newCache(opts, options...)
	s.cache.Populate()
	s.cache.WaitPopulate(context.Background())
	drain(c, s.cache)
	return b
}

func (s *CacheSuite) TestEndToEnd(c *gc.C) {
	alice := newKey("AAAA", keys.OpenPGP, withUID("alice@example.org", keys.ValidityMarginal))
	s.populated(c, DefaultOptions(), []*keys.Key{alice}, nil)

	ctx := context.Background()
	enc := s.cache.EncryptionKeys(ctx, []string{"alice@example.org"}, keys.OpenPGP)
	c.Assert(enc, gc.DeepEquals, []*keys.Key{alice})
	enc = s.cache.EncryptionKeys(ctx, []string{"alice@example.org", "bob@example.org"}, keys.OpenPGP)
	c.Assert(enc, gc.HasLen, 0)
	enc = s.cache.EncryptionKeys(ctx, []string{"bob@example.org", "alice@example.org"}, keys.OpenPGP)
	c.Assert(enc, gc.HasLen, 0)
}

func (s *CacheSuite) TestEncryptionTrust(c *gc.C) {
	unknown := newKey("AAAA", keys.OpenPGP, withUID("alice@example.org", keys.ValidityUnknown))
	wkd := newKey("BBBB", keys.OpenPGP, withUID("bob@example.org", keys.ValidityUnknown), withOrigin(keys.OriginWKD))
	never := newKey("CCCC", keys.OpenPGP, withUID("carol@example.org", keys.ValidityNever))
	gone := newKey("DDDD", keys.OpenPGP, withUID("dave@example.org", keys.ValidityFull), revoked())
	s.populated(c, DefaultOptions(), []*keys.Key{unknown, wkd, never, gone}, nil)

	ctx := context.Background()
	c.Assert(s.cache.EncryptionKeys(ctx, []string{"alice@example.org"}, keys.OpenPGP), gc.HasLen, 0)
	c.Assert(s.cache.EncryptionKeys(ctx, []string{"bob@example.org"}, keys.OpenPGP), gc.HasLen, 1)
	c.Assert(s.cache.EncryptionKeys(ctx, []string{"carol@example.org"}, keys.OpenPGP), gc.HasLen, 0)
	c.Assert(s.cache.EncryptionKeys(ctx, []string{"dave@example.org"}, keys.OpenPGP), gc.HasLen, 0)

	s.cache.opts.AcceptUnknownTrust = true
	c.Assert(s.cache.EncryptionKeys(ctx, []string{"alice@example.org", "bob@example.org"}, keys.OpenPGP), gc.HasLen, 2)
	c.Assert(s.cache.EncryptionKeys(ctx, []string{"carol@example.org"}, keys.OpenPGP), gc.HasLen, 0)
}

func (s *CacheSuite) TestCompliance(c *gc.C) {
	opts := DefaultOptions()
	opts.ComplianceMode = ComplianceDeVS
	plain := newKey("AAAA", keys.OpenPGP, withUID("alice@example.org", keys.ValidityFull), withSecret())
	compliant := newKey("BBBB", keys.OpenPGP, withUID("bob@example.org", keys.ValidityFull), withSecret(), withCompliance())
	s.populated(c, opts, []*keys.Key{plain, compliant}, []*keys.Key{plain, compliant})

	ctx := context.Background()
	c.Assert(s.cache.EncryptionKeys(ctx, []string{"alice@example.org"}, keys.OpenPGP), gc.HasLen, 0)
	c.Assert(s.cache.EncryptionKeys(ctx, []string{"bob@example.org"}, keys.OpenPGP), gc.HasLen, 1)
	c.Assert(s.cache.SigningKey("alice@example.org", keys.OpenPGP), gc.IsNil)
	c.Assert(s.cache.SigningKey("bob@example.org", keys.OpenPGP), gc.NotNil)
}

func (s *CacheSuite) TestPopulate(c *gc.C) {
	opts := DefaultOptions()
	opts.SMIMEEnabled = true
	alicePub := newKey("AAAA", keys.OpenPGP, withUID("alice@example.org", keys.ValidityUltimate))
	aliceSec := newKey("AAAA", keys.OpenPGP, withUID("alice@example.org", keys.ValidityUltimate), withSecret())
	cert := newKey("CERT", keys.CMS, withUID("alice@example.org", keys.ValidityFull), withChain("ROOT"))
	certSec := newKey("CERT", keys.CMS, withUID("alice@example.org", keys.ValidityFull), withChain("ROOT"), withSecret())
	b := s.populated(c, opts, []*keys.Key{alicePub, cert}, []*keys.Key{aliceSec, certSec})

	c.Assert(s.cache.Len(), gc.Equals, 2)
	c.Assert(s.cache.UltimateKeys(), gc.HasLen, 1)
	c.Assert(s.cache.ByFingerprint(context.Background(), "AAAA", false).HasSecret(), gc.Equals, true)
	c.Assert(s.cache.SigningKey("alice@example.org", keys.OpenPGP).Fingerprint, gc.Equals, "AAAA")
	c.Assert(s.cache.SigningKey("alice@example.org", keys.CMS).Fingerprint, gc.Equals, "CERT")
	c.Assert(s.cache.PublicKey("alice@example.org", keys.CMS), gc.Equals, cert)
	// No smartcard.
	c.Assert(b.MethodCount("Transact"), gc.Equals, 1)
	c.Assert(b.MethodCount("Spawn"), gc.Equals, 0)

	// Populating again does not duplicate ultimate keys.
	s.cache.Populate()
	s.cache.WaitPopulate(context.Background())
	drain(c, s.cache)
	c.Assert(s.cache.UltimateKeys(), gc.HasLen, 1)
}

func (s *CacheSuite) TestSmartcardLearn(c *gc.C) {
	opts := DefaultOptions()
	opts.SMIMEEnabled = true
	opts.GPGSMPath = "/usr/bin/gpgsm"
	cert := newKey("CERT", keys.CMS, withUID("alice@example.org", keys.ValidityFull), withSecret())

	var learned bool
	var mu sync.Mutex
	b := s.populated(c, opts, nil, nil,
		mock.Transact(func(command string) ([]string, error) {
			switch {
			case command == "SCD SERIALNO":
				return []string{"S SERIALNO D2760001240102000005000012340000"}, nil
			case strings.HasPrefix(command, "SCD LEARN"):
				return []string{
					"S KEYPAIRINFO GRIPCERT OPENPGP.1",
					"S KEYPAIRINFO GRIPCERT5 OPENPGP.2",
				}, nil
			}
			return nil, errors.New("unexpected command")
		}),
		mock.Spawn(func(path string, args []string, stdin []byte) (*backend.ProcessResult, error) {
			mu.Lock()
			defer mu.Unlock()
			learned = path == "/usr/bin/gpgsm" && len(args) == 1 && args[0] == "--learn-card"
			return &backend.ProcessResult{}, nil
		}),
		mock.ListKeys(func(lo backend.ListOptions) ([]*keys.Key, error) {
			mu.Lock()
			defer mu.Unlock()
			if learned && lo.Secret && lo.Protocol == keys.CMS {
				return []*keys.Key{cert}, nil
			}
			return nil, nil
		}))

	c.Assert(b.MethodCount("Spawn"), gc.Equals, 1)
	c.Assert(b.MethodCount("Transact"), gc.Equals, 2)
	c.Assert(s.cache.SigningKey("alice@example.org", keys.CMS), gc.NotNil)
}

func (s *CacheSuite) TestIsMailResolvable(c *gc.C) {
	opts := DefaultOptions()
	opts.SMIMEEnabled = true
	alice := newKey("AAAA", keys.OpenPGP, withUID("alice@example.org", keys.ValidityUltimate), withSecret())
	bob := newKey("BBBB", keys.OpenPGP, withUID("bob@example.org", keys.ValidityFull))
	aliceCert := newKey("ACRT", keys.CMS, withUID("alice@example.org", keys.ValidityFull), withSecret())
	carolCert := newKey("CCRT", keys.CMS, withUID("carol@example.org", keys.ValidityFull))
	s.populated(c, opts,
		[]*keys.Key{alice, bob, aliceCert, carolCert},
		[]*keys.Key{alice, aliceCert})

	ctx := context.Background()
	c.Assert(s.cache.IsMailResolvable(ctx, &testMail{"alice@example.org", []string{"bob@example.org"}}), gc.Equals, true)
	// Carol only has a certificate.
	c.Assert(s.cache.IsMailResolvable(ctx, &testMail{"alice@example.org", []string{"carol@example.org"}}), gc.Equals, true)
	c.Assert(s.cache.IsMailResolvable(ctx, &testMail{"alice@example.org", []string{"bob@example.org", "carol@example.org"}}), gc.Equals, false)
	c.Assert(s.cache.IsMailResolvable(ctx, &testMail{"alice@example.org", []string{"dave@example.org"}}), gc.Equals, false)

	// Without a secret key, OpenPGP is resolvable unless signing is
	// required. S/MIME always needs the sender's certificate.
	c.Assert(s.cache.IsMailResolvable(ctx, &testMail{"erin@example.org", []string{"bob@example.org"}}), gc.Equals, true)
	c.Assert(s.cache.IsMailResolvable(ctx, &testMail{"erin@example.org", []string{"carol@example.org"}}), gc.Equals, false)
	s.cache.opts.RequireSigningKey = true
	c.Assert(s.cache.IsMailResolvable(ctx, &testMail{"erin@example.org", []string{"bob@example.org"}}), gc.Equals, false)
}

func (s *CacheSuite) TestClose(c *gc.C) {
	s.newCache(DefaultOptions())
	c.Assert(s.cache.Close(), gc.IsNil)
	s.cache.StartLocate("alice@example.org", Handle{})
	s.cache.Update("AAAA", keys.OpenPGP)
	c.Assert(s.cache.updateJobs.len(), gc.Equals, 0)
	c.Assert(s.cache.locateJobs.len(), gc.Equals, 0)
	s.cache = nil
}
