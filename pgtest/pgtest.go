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

// Package pgtest runs a throwaway PostgreSQL server for integration tests.
package pgtest

import (
	"bytes"
	"database/sql"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"text/template"
	"time"

	_ "github.com/lib/pq"
	gc "gopkg.in/check.v1"
)

// EnvVar enables PostgreSQL integration tests when set.
const EnvVar = "POSTGRES_TESTS"

// Enabled reports whether PostgreSQL integration tests were requested.
func Enabled() bool {
	return os.Getenv(EnvVar) != ""
}

var conf = template.Must(template.New("t").Parse(`
fsync = off
listen_addresses = ''
unix_socket_directories = '{{.}}'
`))

var templateDir = filepath.Join(os.TempDir(), "mailkeys-pgtest")

var (
	postgres string
	initdbOK bool
	once     sync.Once
)

// PGSuite starts a postgres server per test in a copy of a template data
// directory created once by initdb.
type PGSuite struct {
	URL string // Connection URL for sql.Open.
	Dir string

	cmd *exec.Cmd
}

func (s *PGSuite) SetUpTest(c *gc.C) {
	once.Do(func() { initdbOK = initTemplate(c) })
	if !initdbOK {
		c.Fatal("prior initdb attempt failed")
	}
	s.Dir = c.MkDir()
	err := exec.Command("cp", "-a", templateDir+"/.", s.Dir).Run()
	c.Assert(err, gc.IsNil)

	f, err := os.OpenFile(filepath.Join(s.Dir, "postgresql.conf"), os.O_APPEND|os.O_WRONLY, 0666)
	c.Assert(err, gc.IsNil)
	err = conf.Execute(f, s.Dir)
	c.Assert(err, gc.IsNil)
	c.Assert(f.Close(), gc.IsNil)

	s.URL = "host=" + s.Dir + " dbname=postgres sslmode=disable"
	s.cmd = exec.Command(postgres, "-D", s.Dir)
	err = s.cmd.Start()
	c.Assert(err, gc.IsNil, gc.Commentf("starting postgres"))

	sock := filepath.Join(s.Dir, ".s.PGSQL.5432")
	for n := 0; n < 40; n++ {
		if _, err := os.Stat(sock); err == nil {
			db, err := sql.Open("postgres", s.URL)
			if err == nil {
				_, err = db.Exec("SELECT 1")
				db.Close()
				if err == nil {
					return
				}
			}
			c.Logf("database not ready: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	c.Fatal("timeout waiting for postgres to start")
}

func (s *PGSuite) TearDownTest(c *gc.C) {
	if s.cmd == nil {
		return
	}
	c.Assert(s.cmd.Process.Signal(os.Interrupt), gc.IsNil)
	c.Assert(s.cmd.Wait(), gc.IsNil)
	s.cmd = nil
}

func initTemplate(c *gc.C) bool {
	out, err := exec.Command("pg_config", "--bindir").Output()
	comment := "pg_config"
	if exitErr, ok := err.(*exec.ExitError); ok {
		comment += ": " + string(exitErr.Stderr)
	}
	c.Assert(err, gc.IsNil, gc.Commentf(comment))

	bindir := string(bytes.TrimSpace(out))
	postgres = filepath.Join(bindir, "postgres")
	err = os.Mkdir(templateDir, 0777)
	if os.IsExist(err) {
		return true
	}
	c.Assert(err, gc.IsNil)
	err = exec.Command(filepath.Join(bindir, "initdb"), "-D", templateDir).Run()
	if err != nil {
		os.RemoveAll(templateDir)
		c.Log("initdb: ", err)
		return false
	}
	return true
}
