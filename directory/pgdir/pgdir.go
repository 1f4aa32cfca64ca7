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

// Package pgdir is a PostgreSQL certificate directory.
package pgdir

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"mailkeys/directory"
	"mailkeys/keys"
)

const (
	maxSearchResults = 32
)

var crTablesSQL = []string{
	`CREATE TABLE IF NOT EXISTS certs (
fingerprint TEXT NOT NULL,
mailbox TEXT NOT NULL,
ctime TIMESTAMP WITH TIME ZONE NOT NULL,
der BYTEA NOT NULL,
PRIMARY KEY (fingerprint, mailbox)
)`,
}

var crIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS certs_mailbox ON certs (mailbox)`,
}

type pgdir struct {
	*sql.DB
}

var _ directory.Directory = (*pgdir)(nil)

// Dial returns a PostgreSQL certificate directory connected to the given
// database URL.
func Dial(url string) (directory.Directory, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return New(db)
}

// New returns a certificate directory on db, creating its tables as
// needed.
func New(db *sql.DB) (directory.Directory, error) {
	d := &pgdir{DB: db}
	err := d.createTables()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create tables")
	}
	err = d.createIndexes()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create indexes")
	}
	return d, nil
}

func (d *pgdir) createTables() error {
	for _, crTableSQL := range crTablesSQL {
		_, err := d.Exec(crTableSQL)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (d *pgdir) createIndexes() error {
	for _, crIndexSQL := range crIndexesSQL {
		_, err := d.Exec(crIndexSQL)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func fingerprint(der []byte) string {
	sum := sha1.Sum(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (d *pgdir) Search(ctx context.Context, mailbox string) ([][]byte, error) {
	mbox := keys.Mailbox(mailbox)
	if mbox == "" {
		return nil, errors.Errorf("invalid mailbox %q", mailbox)
	}
	rows, err := d.QueryContext(ctx,
		"SELECT der FROM certs WHERE mailbox = $1 ORDER BY ctime DESC LIMIT $2",
		mbox, maxSearchResults)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var result [][]byte
	for rows.Next() {
		var der []byte
		err = rows.Scan(&der)
		if err != nil && err != sql.ErrNoRows {
			return nil, errors.WithStack(err)
		}
		result = append(result, der)
	}
	err = rows.Err()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	log.WithFields(log.Fields{
		"mailbox": mbox,
		"found":   len(result),
	}).Debug("directory search")
	return result, nil
}

func (d *pgdir) Publish(ctx context.Context, der []byte, mailboxes []string) error {
	if len(der) == 0 {
		return errors.New("empty certificate")
	}
	mboxes := keys.Mailboxes(mailboxes)
	if len(mboxes) == 0 {
		return errors.New("no valid mailboxes to publish under")
	}
	fpr := fingerprint(der)

	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO certs (fingerprint, mailbox, ctime, der)
VALUES ($1, $2, $3, $4)
ON CONFLICT (fingerprint, mailbox) DO UPDATE SET der = EXCLUDED.der`)
	if err != nil {
		tx.Rollback()
		return errors.WithStack(err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, mbox := range mboxes {
		_, err = stmt.ExecContext(ctx, fpr, mbox, now, der)
		if err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "cannot publish %s for %q", fpr, mbox)
		}
	}
	return errors.WithStack(tx.Commit())
}
