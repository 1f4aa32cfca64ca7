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

// Package gnupg implements the key management backend on top of the GnuPG
// command line tools gpg, gpgsm and gpg-connect-agent.
package gnupg

import (
	"bytes"
	"context"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"mailkeys/backend"
	"mailkeys/keys"
)

type Settings struct {
	GPGPath          string `toml:"gpg"`
	GPGSMPath        string `toml:"gpgsm"`
	ConnectAgentPath string `toml:"connectAgent"`
	HomeDir          string `toml:"homedir"`
	AutoKeyLocate    string `toml:"autoKeyLocate"`
}

const (
	DefaultGPGPath          = "gpg"
	DefaultGPGSMPath        = "gpgsm"
	DefaultConnectAgentPath = "gpg-connect-agent"
	DefaultAutoKeyLocate    = "local,wkd"
)

func DefaultSettings() Settings {
	return Settings{
		GPGPath:          DefaultGPGPath,
		GPGSMPath:        DefaultGPGSMPath,
		ConnectAgentPath: DefaultConnectAgentPath,
		AutoKeyLocate:    DefaultAutoKeyLocate,
	}
}

type runner func(ctx context.Context, path string, args []string, stdin []byte) (*backend.ProcessResult, error)

type gnupg struct {
	s   Settings
	run runner
}

var _ backend.Backend = (*gnupg)(nil)

// New returns a backend using the GnuPG tools configured in s.
func New(s *Settings) backend.Backend {
	return newGnupg(s, backend.Exec)
}

func newGnupg(s *Settings, run runner) *gnupg {
	settings := DefaultSettings()
	if s != nil {
		if s.GPGPath != "" {
			settings.GPGPath = s.GPGPath
		}
		if s.GPGSMPath != "" {
			settings.GPGSMPath = s.GPGSMPath
		}
		if s.ConnectAgentPath != "" {
			settings.ConnectAgentPath = s.ConnectAgentPath
		}
		if s.AutoKeyLocate != "" {
			settings.AutoKeyLocate = s.AutoKeyLocate
		}
		settings.HomeDir = s.HomeDir
	}
	return &gnupg{s: settings, run: run}
}

func (g *gnupg) Close() error {
	return nil
}

func (g *gnupg) tool(protocol keys.Protocol) string {
	if protocol == keys.CMS {
		return g.s.GPGSMPath
	}
	return g.s.GPGPath
}

func (g *gnupg) baseArgs() []string {
	args := []string{"--batch", "--with-colons", "--fixed-list-mode", "--with-fingerprint", "--with-keygrip"}
	if g.s.HomeDir != "" {
		args = append([]string{"--homedir", g.s.HomeDir}, args...)
	}
	return args
}

// listArgs returns the arguments of a key listing.
func (g *gnupg) listArgs(opts backend.ListOptions) []string {
	args := g.baseArgs()
	if opts.Protocol == keys.OpenPGP {
		args = append(args, "--with-key-origin")
	}
	if opts.Mode.Has(backend.Validate) && opts.Protocol == keys.CMS {
		args = append(args, "--with-validation")
	}
	switch {
	case opts.Mode.Has(backend.Extern) && opts.Protocol == keys.CMS:
		args = append(args, "--list-external-keys")
	case opts.Mode.Has(backend.Extern):
		args = append(args, "--auto-key-locate", g.s.AutoKeyLocate, "--locate-external-keys")
	case opts.Secret:
		args = append(args, "--with-secret", "--list-secret-keys")
	case opts.Mode.Has(backend.Signatures) && opts.Protocol == keys.OpenPGP:
		args = append(args, "--list-sigs")
	default:
		args = append(args, "--list-keys")
	}
	args = append(args, "--")
	return append(args, opts.Patterns...)
}

func (g *gnupg) list(ctx context.Context, opts backend.ListOptions) ([]*keys.Key, error) {
	path := g.tool(opts.Protocol)
	args := g.listArgs(opts)
	res, err := g.run(ctx, path, args, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ks, err := ParseColons(bytes.NewReader(res.Stdout), opts.Protocol)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse %s listing", path)
	}
	// gpg exits with an error when some patterns match nothing.
	if res.ExitCode != 0 && len(ks) == 0 {
		log.WithFields(log.Fields{
			"protocol": opts.Protocol,
			"patterns": opts.Patterns,
			"status":   res.ExitCode,
		}).Debugf("listing returned no keys: %s", bytes.TrimSpace(res.Stderr))
	}
	return ks, nil
}

func (g *gnupg) ListKeys(ctx context.Context, opts backend.ListOptions) (backend.KeyIterator, error) {
	ks, err := g.list(ctx, opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return backend.NewSliceIterator(ks), nil
}

func (g *gnupg) Lookup(ctx context.Context, protocol keys.Protocol, pattern string, secret bool) (*keys.Key, error) {
	ks, err := g.list(ctx, backend.ListOptions{
		Protocol: protocol,
		Patterns: []string{pattern},
		Secret:   secret,
		Mode:     backend.Local | backend.Validate,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	fpr := keys.NormalizeFingerprint(pattern)
	for _, key := range ks {
		if key.Fingerprint == fpr || key.SubKeyByFingerprint(fpr) != nil {
			return key, nil
		}
	}
	if len(ks) > 0 {
		return ks[0], nil
	}
	return nil, backend.ErrKeyNotFound
}

func (g *gnupg) Locate(ctx context.Context, mailbox string) (*keys.Key, error) {
	args := append(g.baseArgs(), "--with-key-origin", "--auto-key-locate", g.s.AutoKeyLocate, "--locate-keys", "--", mailbox)
	res, err := g.run(ctx, g.s.GPGPath, args, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ks, err := ParseColons(bytes.NewReader(res.Stdout), keys.OpenPGP)
	if err != nil {
		return nil, errors.Wrap(err, "cannot parse locate result")
	}
	for _, key := range ks {
		if len(key.UserIDsFor(mailbox)) > 0 {
			return key, nil
		}
	}
	return nil, backend.ErrKeyNotFound
}

func (g *gnupg) Import(ctx context.Context, protocol keys.Protocol, data []byte) (*backend.ImportResult, error) {
	args := []string{"--batch", "--status-fd", "1", "--import"}
	if g.s.HomeDir != "" {
		args = append([]string{"--homedir", g.s.HomeDir}, args...)
	}
	res, err := g.run(ctx, g.tool(protocol), args, data)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result, err := ParseImportStatus(bytes.NewReader(res.Stdout))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if res.ExitCode != 0 && len(result.Imports) == 0 {
		return nil, errors.Wrap(res.Err(), "import failed")
	}
	return result, nil
}

// ImportKeys imports keys found by an external listing. Certificates are
// exported from the ephemeral key store and re-imported; OpenPGP keys are
// received from the keyserver.
func (g *gnupg) ImportKeys(ctx context.Context, protocol keys.Protocol, fprs []string) (*backend.ImportResult, error) {
	if len(fprs) == 0 {
		return &backend.ImportResult{}, nil
	}
	var home []string
	if g.s.HomeDir != "" {
		home = []string{"--homedir", g.s.HomeDir}
	}
	if protocol == keys.OpenPGP {
		args := append(append(home, "--batch", "--status-fd", "1", "--recv-keys", "--"), fprs...)
		res, err := g.run(ctx, g.s.GPGPath, args, nil)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return ParseImportStatus(bytes.NewReader(res.Stdout))
	}

	args := append(append(home, "--batch", "--with-ephemeral-keys", "--export", "--"), fprs...)
	res, err := g.run(ctx, g.s.GPGSMPath, args, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := res.Err(); err != nil {
		return nil, errors.Wrap(err, "cannot export ephemeral certificates")
	}
	if len(res.Stdout) == 0 {
		return &backend.ImportResult{}, nil
	}
	return g.Import(ctx, keys.CMS, res.Stdout)
}

func (g *gnupg) Spawn(ctx context.Context, path string, args []string, stdin []byte) (*backend.ProcessResult, error) {
	return g.run(ctx, path, args, stdin)
}

// Transact sends command to the agent through gpg-connect-agent and
// returns the status lines of the response.
func (g *gnupg) Transact(ctx context.Context, command string) ([]string, error) {
	var args []string
	if g.s.HomeDir != "" {
		args = append(args, "--homedir", g.s.HomeDir)
	}
	res, err := g.run(ctx, g.s.ConnectAgentPath, args, []byte(command+"\n/bye\n"))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return ParseAssuan(string(res.Stdout))
}

// ParseAssuan returns the status lines of an assuan response. An ERR line
// is returned as an error.
func ParseAssuan(response string) ([]string, error) {
	var lines []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "S "):
			lines = append(lines, line)
		case strings.HasPrefix(line, "ERR"):
			return lines, errors.Errorf("assuan: %s", line)
		}
	}
	return lines, nil
}
