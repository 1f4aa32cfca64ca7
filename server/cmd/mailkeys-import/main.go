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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"mailkeys/directory/pgdir"
	"mailkeys/keys"
	"mailkeys/server"
	"mailkeys/server/cmd"
	"mailkeys/smime"
)

var (
	configFile = flag.String("config", "", "config file")
	publish    = flag.Bool("publish", false, "publish certificates to the directory instead of importing them")
	cpuProf    = flag.Bool("cpuprof", false, "enable CPU profiling")
	memProf    = flag.Bool("memprof", false, "enable mem profiling")
)

func main() {
	flag.Parse()

	settings, err := cmd.LoadSettings(*configFile)
	if err != nil {
		cmd.Die(err)
	}

	cpuFile := cmd.StartCPUProf(*cpuProf, nil)

	args := flag.Args()
	if len(args) == 0 {
		log.Errorf("usage: %s [flags] <file1> [file2 .. fileN]", os.Args[0])
		cmd.Die(errors.New("missing key file arguments"))
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGUSR2)
	go func() {
		for range c {
			cpuFile = cmd.StartCPUProf(*cpuProf, cpuFile)
			cmd.WriteMemProf(*memProf)
		}
	}()

	if *publish {
		err = publishFiles(settings, args)
	} else {
		err = importFiles(settings, args)
	}
	cmd.Die(err)
}

func expand(args []string) []string {
	var files []string
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			log.Errorf("failed to match %q: %v", arg, err)
			continue
		}
		files = append(files, matches...)
	}
	return files
}

func importFiles(settings *server.Settings, args []string) error {
	b, err := server.DialBackend(settings)
	if err != nil {
		return errors.WithStack(err)
	}
	defer b.Close()

	ctx := context.Background()
	for _, file := range expand(args) {
		data, err := os.ReadFile(file)
		if err != nil {
			log.Errorf("failed to open %q for reading: %v", file, err)
			continue
		}
		p, ok := keys.IdentifyData(data).Protocol()
		if !ok {
			log.Warningf("skipping %q: no key material", file)
			continue
		}
		t := time.Now()
		result, err := b.Import(ctx, p, data)
		if err != nil {
			log.Errorf("failed to import %q: %+v", file, err)
			continue
		}
		for _, st := range result.Imports {
			if st.Error != nil {
				log.Warningf("%s: %v", file, st.Error)
			}
		}
		log.Infof("imported %d of %d keys from %q in %v",
			len(result.Fingerprints()), result.Considered, file, time.Since(t))
	}
	return nil
}

func publishFiles(settings *server.Settings, args []string) error {
	if settings.Backend.Keyring == nil || settings.Backend.Keyring.DirectoryDSN == "" {
		return errors.New("no certificate directory configured")
	}
	dir, err := pgdir.Dial(settings.Backend.Keyring.DirectoryDSN)
	if err != nil {
		return errors.WithStack(err)
	}
	defer dir.Close()

	ctx := context.Background()
	for _, file := range expand(args) {
		data, err := os.ReadFile(file)
		if err != nil {
			log.Errorf("failed to open %q for reading: %v", file, err)
			continue
		}
		certs, err := smime.ReadCertificates(data)
		if err != nil {
			log.Errorf("failed to read certificates from %q: %v", file, err)
			continue
		}
		var n int
		for _, cert := range certs {
			mailboxes := cert.Mailboxes()
			if len(mailboxes) == 0 {
				log.Debugf("%s: certificate %s has no mail address", file, cert.Fingerprint)
				continue
			}
			err = dir.Publish(ctx, cert.DER(), mailboxes)
			if err != nil {
				log.Errorf("failed to publish %s: %v", cert.Fingerprint, err)
				continue
			}
			n++
		}
		log.Infof("published %d certificates from %q", n, file)
	}
	return nil
}
