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

// Package keycache maps mail identities to keys and certificates. It
// resolves which keys to use for signing and encryption and coordinates
// deduplicated background lookups against a key management backend.
package keycache

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"mailkeys/backend"
	"mailkeys/keys"
)

// ComplianceDeVS is the compliance mode requiring keys to be flagged as
// de-vs compliant.
const ComplianceDeVS = "de-vs"

type Options struct {
	SMIMEEnabled       bool   `toml:"smime"`
	PreferSMIME        bool   `toml:"preferSMIME"`
	SearchSMIMEServers bool   `toml:"searchSMIMEServers"`
	ComplianceMode     string `toml:"compliance"`
	AcceptUnknownTrust bool   `toml:"acceptUnknownTrust"`
	RequireSigningKey  bool   `toml:"requireSigningKey"`

	Workers        int           `toml:"workers"`
	QueueLength    int           `toml:"queueLength"`
	JobWaitTimeout time.Duration `toml:"jobWaitTimeout"`

	// GPGSMPath is run with --learn-card when a smartcard with unknown
	// keys is found.
	GPGSMPath string `toml:"gpgsm"`
}

func DefaultOptions() Options {
	return Options{
		Workers:        4,
		QueueLength:    256,
		JobWaitTimeout: 10 * time.Second,
		GPGSMPath:      "gpgsm",
	}
}

func (o Options) strict() bool {
	return o.ComplianceMode == ComplianceDeVS
}

type importKey struct {
	protocol keys.Protocol
	mailbox  string
}

type locateKey struct {
	mailbox string
	secret  bool
}

// Cache is a concurrent key cache. It is safe for use by multiple
// goroutines.
type Cache struct {
	backend backend.Backend
	opts    Options
	store   *store
	guard   *Guard
	pool    *pool

	updateJobs *jobSet[string]
	importJobs *jobSet[importKey]
	locateJobs *jobSet[locateKey]
	populates  *jobSet[struct{}]
}

// New returns a cache backed by b. The cache starts empty; call Populate
// to load the local keys.
func New(b backend.Backend, opts Options) *Cache {
	defaults := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}
	if opts.QueueLength <= 0 {
		opts.QueueLength = defaults.QueueLength
	}
	if opts.JobWaitTimeout <= 0 {
		opts.JobWaitTimeout = defaults.JobWaitTimeout
	}
	if opts.GPGSMPath == "" {
		opts.GPGSMPath = defaults.GPGSMPath
	}
	return &Cache{
		backend:    b,
		opts:       opts,
		store:      newStore(),
		guard:      NewGuard(),
		pool:       newPool(opts.Workers, opts.QueueLength),
		updateJobs: newJobSet[string]("update"),
		importJobs: newJobSet[importKey]("import"),
		locateJobs: newJobSet[locateKey]("locate"),
		populates:  newJobSet[struct{}]("populate"),
	}
}

func (c *Cache) Options() Options {
	return c.opts
}

// Guard returns the lifetime guard used for owners of locate jobs.
func (c *Cache) Guard() *Guard {
	return c.guard
}

// Drain waits until all background jobs submitted so far are done.
func (c *Cache) Drain(ctx context.Context) error {
	return c.pool.drain(ctx)
}

// Close finishes the queued jobs with a cancelled context and stops the
// workers. The backend is not closed.
func (c *Cache) Close() error {
	return c.pool.close()
}

// Len returns the number of keys in the fingerprint index.
func (c *Cache) Len() int {
	return c.store.len()
}

// spawn submits a job. If the job cannot be queued, abort is run so the
// job's bookkeeping is cleared.
func (c *Cache) spawn(ctx context.Context, name string, f task, abort func()) bool {
	err := c.pool.submit(ctx, f)
	if err != nil {
		log.WithFields(log.Fields{"job": name}).Errorf("cannot start job: %v", err)
		abort()
		return false
	}
	return true
}

// StartLocate starts locating the public keys of mailbox unless they are
// known or a lookup is in flight. owner, if not zero, is notified when the
// lookup is done.
func (c *Cache) StartLocate(mailbox string, owner Handle) {
	c.startLocate(mailbox, false, owner)
}

// StartLocateSecret starts locating the secret keys of mailbox.
func (c *Cache) StartLocateSecret(mailbox string, owner Handle) {
	c.startLocate(mailbox, true, owner)
}

func (c *Cache) startLocate(address string, secret bool, owner Handle) {
	mailbox := keys.Mailbox(address)
	if mailbox == "" {
		log.Debugf("not locating keys for %q: no address", address)
		return
	}
	if !c.store.reserve(mailbox, keys.OpenPGP, secret) {
		return
	}
	k := locateKey{mailbox: mailbox, secret: secret}
	if !c.locateJobs.start(k) {
		return
	}
	entered := c.guard.Enter(owner)
	done := func() {
		c.locateJobs.done(k)
		if entered {
			c.guard.Leave(owner)
		}
	}
	c.spawn(context.Background(), "locate", func(ctx context.Context) {
		defer done()
		if secret {
			c.locateSecret(ctx, mailbox)
		} else {
			c.locate(ctx, mailbox)
		}
	}, done)
}

// WaitLocate blocks until the locate jobs started for mailbox are done.
func (c *Cache) WaitLocate(ctx context.Context, address string) {
	mailbox := keys.Mailbox(address)
	for _, secret := range []bool{false, true} {
		c.locateJobs.wait(ctx, locateKey{mailbox: mailbox, secret: secret}, c.opts.JobWaitTimeout)
	}
}

// Update refreshes the key with the given fingerprint from the backend,
// unless an update of it is in flight.
func (c *Cache) Update(fpr string, protocol keys.Protocol) {
	fpr = keys.NormalizeFingerprint(fpr)
	if fpr == "" || !c.updateJobs.start(fpr) {
		return
	}
	done := func() { c.updateJobs.done(fpr) }
	c.spawn(context.Background(), "update", func(ctx context.Context) {
		defer done()
		c.update(ctx, fpr, protocol)
	}, done)
}

// ImportFromAddressBook imports key material configured for mailbox. The
// imported keys become the overrides of mailbox. owner, if not zero, is
// notified when the import is done.
func (c *Cache) ImportFromAddressBook(address string, data []byte, owner Handle, protocol keys.Protocol) {
	mailbox := keys.Mailbox(address)
	if mailbox == "" {
		log.Debugf("not importing keys for %q: no address", address)
		return
	}
	k := importKey{protocol: protocol, mailbox: mailbox}
	if !c.importJobs.start(k) {
		return
	}
	entered := c.guard.Enter(owner)
	done := func() {
		c.importJobs.done(k)
		if entered {
			c.guard.Leave(owner)
		}
	}
	c.spawn(context.Background(), "import", func(ctx context.Context) {
		defer done()
		c.importData(ctx, mailbox, data, protocol)
	}, done)
}

// Populate loads all local keys into the cache in the background. A
// populate already in flight is not repeated.
func (c *Cache) Populate() {
	var k struct{}
	if !c.populates.start(k) {
		return
	}
	done := func() { c.populates.done(k) }
	c.spawn(context.Background(), "populate", func(ctx context.Context) {
		defer done()
		c.populate(ctx)
	}, done)
}

// WaitPopulate blocks until a running populate job is done.
func (c *Cache) WaitPopulate(ctx context.Context) {
	c.populates.wait(ctx, struct{}{}, c.opts.JobWaitTimeout)
}
