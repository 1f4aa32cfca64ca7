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
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	stdtesting "testing"

	xopenpgp "github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/syndtr/goleveldb/leveldb"
	gc "gopkg.in/check.v1"

	"mailkeys/backend"
	"mailkeys/directory"
	"mailkeys/keys"
	"mailkeys/smime"
	"mailkeys/testing"
)

func Test(t *stdtesting.T) { gc.TestingT(t) }

type KeyringSuite struct {
	kr *Keyring
}

var _ = gc.Suite(&KeyringSuite{})

var (
	alice = testing.MustEntity("Alice", "alice@example.com")
	bob   = testing.MustEntity("Bob", "bob@example.com")
)

func fpr(e *xopenpgp.Entity) string {
	return fmt.Sprintf("%X", e.PrimaryKey.Fingerprint)
}

func (s *KeyringSuite) open(c *gc.C, dir directory.Directory, settings *Settings) *Keyring {
	db, err := leveldb.OpenFile(c.MkDir(), nil)
	c.Assert(err, gc.IsNil)
	s.kr, err = New(db, dir, settings)
	c.Assert(err, gc.IsNil)
	return s.kr
}

func (s *KeyringSuite) TearDownTest(c *gc.C) {
	if s.kr != nil {
		c.Assert(s.kr.Close(), gc.IsNil)
		s.kr = nil
	}
}

type fakeDirectory struct {
	certs    map[string][][]byte
	searches int32
}

func (d *fakeDirectory) Search(ctx context.Context, mailbox string) ([][]byte, error) {
	atomic.AddInt32(&d.searches, 1)
	return d.certs[keys.Mailbox(mailbox)], nil
}

func (d *fakeDirectory) Publish(ctx context.Context, der []byte, mailboxes []string) error {
	for _, mbox := range keys.Mailboxes(mailboxes) {
		d.certs[mbox] = append(d.certs[mbox], der)
	}
	return nil
}

func (d *fakeDirectory) Close() error { return nil }

func (s *KeyringSuite) TestImportLookup(c *gc.C) {
	ctx := context.Background()
	kr := s.open(c, nil, nil)

	res, err := kr.Import(ctx, keys.OpenPGP, testing.MustArmorPublic(alice))
	c.Assert(err, gc.IsNil)
	c.Assert(res.Fingerprints(), gc.DeepEquals, []string{fpr(alice)})
	c.Assert(res.Imports[0].Status, gc.Equals, "1")

	key, err := kr.Lookup(ctx, keys.OpenPGP, fpr(alice), false)
	c.Assert(err, gc.IsNil)
	c.Assert(key.Fingerprint, gc.Equals, fpr(alice))
	c.Assert(key.HasSecret(), gc.Equals, false)
	c.Assert(key.UserIDsFor("alice@example.com"), gc.HasLen, 1)
	c.Assert(key.UserIDsFor("alice@example.com")[0].Validity, gc.Equals, keys.ValidityUnknown)

	key, err = kr.Lookup(ctx, keys.OpenPGP, "Alice <ALICE@example.com>", false)
	c.Assert(err, gc.IsNil)
	c.Assert(key.Fingerprint, gc.Equals, fpr(alice))

	subFpr := fmt.Sprintf("%X", alice.Subkeys[0].PublicKey.Fingerprint)
	key, err = kr.Lookup(ctx, keys.OpenPGP, subFpr, false)
	c.Assert(err, gc.IsNil)
	c.Assert(key.Fingerprint, gc.Equals, fpr(alice))

	key, err = kr.Lookup(ctx, keys.OpenPGP, fmt.Sprintf("0x%016x", alice.PrimaryKey.KeyId), false)
	c.Assert(err, gc.IsNil)
	c.Assert(key.Fingerprint, gc.Equals, fpr(alice))

	_, err = kr.Lookup(ctx, keys.OpenPGP, fpr(alice), true)
	c.Assert(backend.IsNotFound(err), gc.Equals, true)
	_, err = kr.Lookup(ctx, keys.CMS, fpr(alice), false)
	c.Assert(backend.IsNotFound(err), gc.Equals, true)

	res, err = kr.Import(ctx, keys.OpenPGP, testing.MustBinaryPublic(alice))
	c.Assert(err, gc.IsNil)
	c.Assert(res.Imports[0].Status, gc.Equals, "0")
}

func (s *KeyringSuite) TestImportSecret(c *gc.C) {
	ctx := context.Background()
	kr := s.open(c, nil, nil)

	res, err := kr.Import(ctx, keys.OpenPGP, testing.MustArmorSecret(bob))
	c.Assert(err, gc.IsNil)
	c.Assert(res.Imports[0].Status, gc.Equals, "17")

	key, err := kr.Lookup(ctx, keys.OpenPGP, "bob@example.com", true)
	c.Assert(err, gc.IsNil)
	c.Assert(key.HasSecret(), gc.Equals, true)
	c.Assert(key.CanReallySign(), gc.Equals, true)
	c.Assert(key.UserIDs[0].Validity, gc.Equals, keys.ValidityUltimate)

	// A later public import does not lose the secret key.
	_, err = kr.Import(ctx, keys.OpenPGP, testing.MustArmorPublic(bob))
	c.Assert(err, gc.IsNil)
	key, err = kr.Lookup(ctx, keys.OpenPGP, fpr(bob), true)
	c.Assert(err, gc.IsNil)
	c.Assert(key.HasSecret(), gc.Equals, true)

	it, err := kr.ListKeys(ctx, backend.ListOptions{Protocol: keys.OpenPGP, Secret: true})
	c.Assert(err, gc.IsNil)
	found, err := backend.Collect(it)
	c.Assert(err, gc.IsNil)
	c.Assert(found, gc.HasLen, 1)
}

func (s *KeyringSuite) TestPublicUpdateOverSecret(c *gc.C) {
	ctx := context.Background()
	kr := s.open(c, nil, nil)
	carol := testing.MustEntity("Carol", "carol@example.com")

	res, err := kr.Import(ctx, keys.OpenPGP, testing.MustArmorSecret(carol))
	c.Assert(err, gc.IsNil)
	c.Assert(res.Imports[0].Status, gc.Equals, "17")

	c.Assert(carol.RevokeKey(packet.NoReason, "retired", nil), gc.IsNil)
	res, err = kr.Import(ctx, keys.OpenPGP, testing.MustArmorPublic(carol))
	c.Assert(err, gc.IsNil)
	c.Assert(res.Imports[0].Status, gc.Equals, "4")

	key, err := kr.Lookup(ctx, keys.OpenPGP, fpr(carol), false)
	c.Assert(err, gc.IsNil)
	c.Assert(key.Revoked, gc.Equals, true)
	c.Assert(key.HasSecret(), gc.Equals, true)

	// Importing the same public key again changes nothing.
	res, err = kr.Import(ctx, keys.OpenPGP, testing.MustArmorPublic(carol))
	c.Assert(err, gc.IsNil)
	c.Assert(res.Imports[0].Status, gc.Equals, "0")
}

func (s *KeyringSuite) TestTrusted(c *gc.C) {
	ctx := context.Background()
	kr := s.open(c, nil, &Settings{Trusted: []string{fpr(alice)}})
	_, err := kr.Import(ctx, keys.OpenPGP, testing.MustArmorPublic(alice))
	c.Assert(err, gc.IsNil)
	_, err = kr.Import(ctx, keys.OpenPGP, testing.MustArmorPublic(bob))
	c.Assert(err, gc.IsNil)

	key, err := kr.Lookup(ctx, keys.OpenPGP, "alice@example.com", false)
	c.Assert(err, gc.IsNil)
	c.Assert(key.UserIDs[0].Validity, gc.Equals, keys.ValidityFull)
	key, err = kr.Lookup(ctx, keys.OpenPGP, "bob@example.com", false)
	c.Assert(err, gc.IsNil)
	c.Assert(key.UserIDs[0].Validity, gc.Equals, keys.ValidityUnknown)
}

func (s *KeyringSuite) TestImportMismatch(c *gc.C) {
	ctx := context.Background()
	kr := s.open(c, nil, nil)
	cert := testing.MustCert("x", "x@example.com", false, nil)
	_, err := kr.Import(ctx, keys.OpenPGP, cert.PEM())
	c.Assert(err, gc.ErrorMatches, ".*as OpenPGP")
	_, err = kr.Import(ctx, keys.OpenPGP, []byte("hello world"))
	c.Assert(err, gc.NotNil)
	c.Assert(kr.parsed.Len(), gc.Equals, 0)
}

func (s *KeyringSuite) TestCertificateChain(c *gc.C) {
	ctx := context.Background()
	root, intermediate, leaf := testing.MustChain("carol@example.com")
	kr := s.open(c, nil, &Settings{Trusted: []string{smime.Fingerprint(root.Cert)}})

	_, err := kr.Import(ctx, keys.CMS, leaf.DER())
	c.Assert(err, gc.IsNil)
	key, err := kr.Lookup(ctx, keys.CMS, "carol@example.com", false)
	c.Assert(err, gc.IsNil)
	c.Assert(key.ChainID, gc.Equals, "")
	c.Assert(key.UserIDsFor("carol@example.com")[0].Validity, gc.Equals, keys.ValidityUnknown)

	res, err := kr.Import(ctx, keys.CMS, append(intermediate.PEM(), root.PEM()...))
	c.Assert(err, gc.IsNil)
	c.Assert(res.Fingerprints(), gc.HasLen, 2)

	key, err = kr.Lookup(ctx, keys.CMS, "carol@example.com", false)
	c.Assert(err, gc.IsNil)
	c.Assert(key.ChainID, gc.Equals, smime.Fingerprint(intermediate.Cert))
	c.Assert(key.CanEncrypt(), gc.Equals, true)
	c.Assert(key.UserIDsFor("carol@example.com")[0].Validity, gc.Equals, keys.ValidityFull)

	key, err = kr.Lookup(ctx, keys.CMS, smime.Fingerprint(root.Cert), false)
	c.Assert(err, gc.IsNil)
	c.Assert(key.ChainID, gc.Equals, key.Fingerprint)
}

func (s *KeyringSuite) TestListKeys(c *gc.C) {
	ctx := context.Background()
	kr := s.open(c, nil, nil)
	for _, e := range []*xopenpgp.Entity{alice, bob} {
		_, err := kr.Import(ctx, keys.OpenPGP, testing.MustArmorPublic(e))
		c.Assert(err, gc.IsNil)
	}

	found, err := backend.List(ctx, kr, backend.ListOptions{Protocol: keys.OpenPGP, Mode: backend.Local})
	c.Assert(err, gc.IsNil)
	c.Assert(found, gc.HasLen, 2)

	found, err = backend.List(ctx, kr, backend.ListOptions{
		Protocol: keys.OpenPGP,
		Patterns: []string{"bob@example.com", fpr(bob), "Alice"},
		Mode:     backend.Local,
	})
	c.Assert(err, gc.IsNil)
	c.Assert(found, gc.HasLen, 2)
	c.Assert(found[0].Fingerprint, gc.Equals, fpr(bob))
	c.Assert(found[1].Fingerprint, gc.Equals, fpr(alice))

	found, err = backend.List(ctx, kr, backend.ListOptions{Protocol: keys.CMS, Mode: backend.Local})
	c.Assert(err, gc.IsNil)
	c.Assert(found, gc.HasLen, 0)
}

func hkpServer(e *xopenpgp.Entity, mbox string, hits *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		q := r.URL.Query()
		if r.URL.Path != "/pks/lookup" || q.Get("op") != "get" || q.Get("options") != "mr" || q.Get("search") != mbox {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/pgp-keys")
		w.Write(testing.MustArmorPublic(e))
	}))
}

func (s *KeyringSuite) TestLocateKeyserver(c *gc.C) {
	ctx := context.Background()
	var hits int32
	srv := hkpServer(alice, "alice@example.com", &hits)
	defer srv.Close()
	kr := s.open(c, nil, &Settings{Keyservers: []Keyserver{{URL: srv.URL + "/"}}})

	key, err := kr.Locate(ctx, "Alice <alice@example.com>")
	c.Assert(err, gc.IsNil)
	c.Assert(key.Fingerprint, gc.Equals, fpr(alice))
	c.Assert(key.Origin, gc.Equals, keys.OriginKeyServer)
	c.Assert(atomic.LoadInt32(&hits), gc.Equals, int32(1))

	// Stored locally now.
	key, err = kr.Locate(ctx, "alice@example.com")
	c.Assert(err, gc.IsNil)
	c.Assert(key.Fingerprint, gc.Equals, fpr(alice))
	c.Assert(atomic.LoadInt32(&hits), gc.Equals, int32(1))

	_, err = kr.Locate(ctx, "nobody@example.com")
	c.Assert(backend.IsNotFound(err), gc.Equals, true)
	c.Assert(atomic.LoadInt32(&hits), gc.Equals, int32(2))
}

func (s *KeyringSuite) TestLocateFailover(c *gc.C) {
	ctx := context.Background()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()
	var hits int32
	srv := hkpServer(bob, "bob@example.com", &hits)
	defer srv.Close()
	kr := s.open(c, nil, &Settings{Keyservers: []Keyserver{
		{URL: broken.URL, Weight: 100},
		{URL: srv.URL, Weight: 1},
	}})
	key, err := kr.Locate(ctx, "bob@example.com")
	c.Assert(err, gc.IsNil)
	c.Assert(key.Fingerprint, gc.Equals, fpr(bob))
}

func (s *KeyringSuite) TestLocateNoKeyservers(c *gc.C) {
	kr := s.open(c, nil, nil)
	_, err := kr.Locate(context.Background(), "alice@example.com")
	c.Assert(backend.IsNotFound(err), gc.Equals, true)
	_, err = kr.Locate(context.Background(), "not a mailbox")
	c.Assert(backend.IsNotFound(err), gc.Equals, true)
}

func (s *KeyringSuite) TestKeyserverOrder(c *gc.C) {
	kr := s.open(c, nil, &Settings{Keyservers: []Keyserver{
		{URL: "http://a", Weight: 5}, {URL: "http://b"}, {URL: "http://c", Weight: 2},
	}})
	for i := 0; i < 10; i++ {
		order := kr.keyserverOrder()
		c.Assert(order, gc.HasLen, 3)
		seen := map[string]bool{}
		for _, u := range order {
			seen[u] = true
		}
		c.Assert(seen, gc.HasLen, 3)
	}
}

func (s *KeyringSuite) TestExternalDirectory(c *gc.C) {
	ctx := context.Background()
	_, intermediate, leaf := testing.MustChain("dave@example.com")
	dir := &fakeDirectory{certs: map[string][][]byte{}}
	c.Assert(dir.Publish(ctx, leaf.DER(), []string{"dave@example.com"}), gc.IsNil)
	kr := s.open(c, dir, nil)
	_, err := kr.Import(ctx, keys.CMS, intermediate.DER())
	c.Assert(err, gc.IsNil)

	found, err := backend.List(ctx, kr, backend.ListOptions{
		Protocol: keys.CMS,
		Patterns: []string{"dave@example.com"},
		Mode:     backend.Extern,
	})
	c.Assert(err, gc.IsNil)
	c.Assert(found, gc.HasLen, 1)
	c.Assert(found[0].Origin, gc.Equals, keys.OriginKeyServer)
	c.Assert(found[0].ChainID, gc.Equals, smime.Fingerprint(intermediate.Cert))
	c.Assert(atomic.LoadInt32(&dir.searches), gc.Equals, int32(1))

	_, err = kr.Lookup(ctx, keys.CMS, "dave@example.com", false)
	c.Assert(backend.IsNotFound(err), gc.Equals, true)

	res, err := kr.ImportKeys(ctx, keys.CMS, []string{found[0].Fingerprint, "00FF00FF00FF00FF"})
	c.Assert(err, gc.IsNil)
	c.Assert(res.Fingerprints(), gc.DeepEquals, []string{found[0].Fingerprint})
	c.Assert(res.Imports, gc.HasLen, 2)
	c.Assert(res.Imports[1].Error, gc.NotNil)

	key, err := kr.Lookup(ctx, keys.CMS, "dave@example.com", false)
	c.Assert(err, gc.IsNil)
	c.Assert(key.Origin, gc.Equals, keys.OriginKeyServer)

	// Imported hits are dropped from the listing.
	c.Assert(kr.external.Len(), gc.Equals, 0)
	res, err = kr.ImportKeys(ctx, keys.CMS, []string{found[0].Fingerprint})
	c.Assert(err, gc.IsNil)
	c.Assert(res.Fingerprints(), gc.HasLen, 0)
}

func (s *KeyringSuite) TestExternalBounded(c *gc.C) {
	ctx := context.Background()
	dir := &fakeDirectory{certs: map[string][][]byte{}}
	for _, mbox := range []string{"erin@example.com", "frank@example.com", "grace@example.com"} {
		cert := testing.MustCert(mbox, mbox, false, nil)
		c.Assert(dir.Publish(ctx, cert.DER(), []string{mbox}), gc.IsNil)
	}
	kr := s.open(c, dir, &Settings{CacheSize: 2})

	var listed []string
	for _, mbox := range []string{"erin@example.com", "frank@example.com", "grace@example.com"} {
		found, err := backend.List(ctx, kr, backend.ListOptions{
			Protocol: keys.CMS,
			Patterns: []string{mbox},
			Mode:     backend.Extern,
		})
		c.Assert(err, gc.IsNil)
		c.Assert(found, gc.HasLen, 1)
		listed = append(listed, found[0].Fingerprint)
	}
	c.Assert(kr.external.Len(), gc.Equals, 2)

	// The oldest hit was evicted.
	res, err := kr.ImportKeys(ctx, keys.CMS, listed)
	c.Assert(err, gc.IsNil)
	c.Assert(res.Fingerprints(), gc.DeepEquals, listed[1:])
}

func (s *KeyringSuite) TestTransactUnsupported(c *gc.C) {
	kr := s.open(c, nil, nil)
	_, err := kr.Transact(context.Background(), "SCD SERIALNO")
	c.Assert(backend.IsUnsupported(err), gc.Equals, true)
}
