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

// Package keyring is a self-contained key management backend. Keys and
// certificates live in a LevelDB database; OpenPGP keys not known locally
// are located on HKP keyservers and S/MIME certificates are searched in
// an optional certificate directory.
package keyring

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"gopkg.in/basen.v1"

	"mailkeys/backend"
	"mailkeys/directory"
	"mailkeys/directory/pgdir"
	"mailkeys/keys"
)

// record is the stored form of a key. Data holds the latest public
// material; SecretData the latest secret key block, if any.
type record struct {
	Fingerprint string
	Protocol    keys.Protocol
	Data        []byte
	SecretData  []byte
	Origin      keys.Origin
	Digest      string
	CTime       time.Time
	MTime       time.Time
}

func (rec *record) digest() string {
	h := sha256.New()
	h.Write(rec.Data)
	h.Write(rec.SecretData)
	return basen.Base58.EncodeToString(h.Sum(nil))
}

func encodeRecord(rec *record) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(rec)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(b []byte) (*record, error) {
	var rec record
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&rec)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &rec, nil
}

func protoPrefix(p keys.Protocol) string {
	return strings.ToLower(p.String())
}

func keyKey(p keys.Protocol, fpr string) []byte {
	return []byte("k/" + protoPrefix(p) + "/" + fpr)
}

func subKeyKey(p keys.Protocol, fpr string) []byte {
	return []byte("s/" + protoPrefix(p) + "/" + fpr)
}

func mailboxPrefix(p keys.Protocol, mbox string) []byte {
	return []byte("m/" + protoPrefix(p) + "/" + mbox + "/")
}

func mailboxKey(p keys.Protocol, mbox, fpr string) []byte {
	return append(mailboxPrefix(p, mbox), fpr...)
}

// Keyring is a backend.Backend backed by a LevelDB key store.
type Keyring struct {
	db     *leveldb.DB
	parsed *lru.Cache
	dir    directory.Directory
	client *http.Client

	keyservers []Keyserver
	trusted    map[string]bool

	// mu serializes writes, which update several index entries.
	mu sync.Mutex

	// external holds the hits of recent extern listings until they are
	// imported.
	external *lru.Cache
}

var _ backend.Backend = (*Keyring)(nil)

// Open opens or creates the key store at s.Path and connects the
// certificate directory if one is configured.
func Open(s *Settings) (*Keyring, error) {
	if s == nil {
		s = DefaultSettings()
	}
	db, err := leveldb.OpenFile(s.Path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open key store %q", s.Path)
	}
	var dir directory.Directory
	if s.DirectoryDSN != "" {
		dir, err = pgdir.Dial(s.DirectoryDSN)
		if err != nil {
			db.Close()
			return nil, errors.Wrap(err, "cannot connect certificate directory")
		}
	}
	kr, err := New(db, dir, s)
	if err != nil {
		db.Close()
		if dir != nil {
			dir.Close()
		}
		return nil, err
	}
	return kr, nil
}

// New returns a Keyring on an open database. dir may be nil.
func New(db *leveldb.DB, dir directory.Directory, s *Settings) (*Keyring, error) {
	if s == nil {
		s = DefaultSettings()
	}
	size := s.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	parsed, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	external, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	timeout := s.HKPTimeout
	if timeout <= 0 {
		timeout = DefaultHKPTimeout
	}
	kr := &Keyring{
		db:         db,
		parsed:     parsed,
		dir:        dir,
		client:     &http.Client{Timeout: timeout},
		keyservers: s.Keyservers,
		trusted:    map[string]bool{},
		external:   external,
	}
	for _, fpr := range s.Trusted {
		kr.trusted[keys.NormalizeFingerprint(fpr)] = true
	}
	return kr, nil
}

func (kr *Keyring) Close() error {
	var dirErr error
	if kr.dir != nil {
		dirErr = kr.dir.Close()
	}
	err := kr.db.Close()
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(dirErr)
}

func (kr *Keyring) get(p keys.Protocol, fpr string) (*record, error) {
	b, err := kr.db.Get(keyKey(p, fpr), nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.WithStack(backend.ErrKeyNotFound)
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	return decodeRecord(b)
}

// resolve maps a primary or subkey fingerprint to a stored record.
func (kr *Keyring) resolve(p keys.Protocol, fpr string) (*record, error) {
	rec, err := kr.get(p, fpr)
	if !backend.IsNotFound(err) {
		return rec, err
	}
	primary, err := kr.db.Get(subKeyKey(p, fpr), nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.WithStack(backend.ErrKeyNotFound)
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	return kr.get(p, string(primary))
}

// scan calls f for each stored record of a protocol.
func (kr *Keyring) scan(p keys.Protocol, f func(*record) error) error {
	iter := kr.db.NewIterator(util.BytesPrefix(keyKey(p, "")), nil)
	defer iter.Release()
	for iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		if err = f(rec); err != nil {
			return err
		}
	}
	return errors.WithStack(iter.Error())
}

// byMailbox returns the fingerprints indexed under a mailbox.
func (kr *Keyring) byMailbox(p keys.Protocol, mbox string) ([]string, error) {
	prefix := mailboxPrefix(p, mbox)
	iter := kr.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var fprs []string
	for iter.Next() {
		fprs = append(fprs, string(iter.Key()[len(prefix):]))
	}
	return fprs, errors.WithStack(iter.Error())
}

// put stores a parsed key and its indexes. An existing record keeps its
// creation time, and whichever of its public or secret material the
// update does not carry.
func (kr *Keyring) put(rec *record, key *keys.Key) (string, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	now := time.Now().UTC()
	var reason int
	if rec.SecretData != nil {
		reason = reasonSecret
	}
	old, err := kr.get(rec.Protocol, rec.Fingerprint)
	switch {
	case backend.IsNotFound(err):
		rec.CTime = now
		reason |= reasonNew
		if rec.Data == nil {
			rec.Data = rec.SecretData
		}
	case err != nil:
		return "", err
	default:
		rec.CTime = old.CTime
		if rec.Data == nil {
			rec.Data = old.Data
		}
		if rec.SecretData == nil {
			rec.SecretData = old.SecretData
		}
		if rec.Origin == keys.OriginUnknown {
			rec.Origin = old.Origin
		}
		if old.Digest != rec.digest() || old.Origin != rec.Origin {
			reason |= reasonChanged
		}
	}
	rec.Digest = rec.digest()
	rec.MTime = now
	status := strconv.Itoa(reason)

	b, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}
	var batch leveldb.Batch
	batch.Put(keyKey(rec.Protocol, rec.Fingerprint), b)
	for _, sk := range key.SubKeys {
		if sk.Fingerprint == rec.Fingerprint {
			continue
		}
		batch.Put(subKeyKey(rec.Protocol, sk.Fingerprint), []byte(rec.Fingerprint))
	}
	for _, mbox := range key.Mailboxes() {
		batch.Put(mailboxKey(rec.Protocol, mbox, rec.Fingerprint), nil)
	}
	err = kr.db.Write(&batch, nil)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if rec.Protocol == keys.CMS {
		// Chain IDs and validity of stored certificates may change.
		kr.parsed.Purge()
	}
	log.WithFields(log.Fields{
		"fingerprint": rec.Fingerprint,
		"protocol":    rec.Protocol,
		"status":      status,
	}).Debug("stored key")
	return status, nil
}

// Import status bits, following the GnuPG IMPORT_OK reasons.
const (
	reasonNew     = 1
	reasonChanged = 4
	reasonSecret  = 16
)

func (kr *Keyring) Spawn(ctx context.Context, path string, args []string, stdin []byte) (*backend.ProcessResult, error) {
	return backend.Exec(ctx, path, args, stdin)
}

// Transact is not supported; the keyring has no agent.
func (kr *Keyring) Transact(ctx context.Context, command string) ([]string, error) {
	return nil, errors.WithStack(backend.ErrUnsupported)
}
