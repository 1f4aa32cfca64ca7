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

package server

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"mailkeys/backend/gnupg"
	"mailkeys/backend/keyring"
	"mailkeys/keycache"
	"mailkeys/metrics"
)

const (
	DefaultHTTPBind = "127.0.0.1:11380"
)

type HTTPConfig struct {
	Bind string `toml:"bind"`
	// MaxImportLength limits the size of key material posted for import.
	MaxImportLength int64 `toml:"maxImportLength"`
}

const (
	DefaultBackendDriver   = "gnupg"
	DefaultMaxImportLength = 1 << 20
)

type BackendConfig struct {
	Driver  string            `toml:"driver"`
	GnuPG   *gnupg.Settings   `toml:"gnupg"`
	Keyring *keyring.Settings `toml:"keyring"`
}

type SentryConfig struct {
	DSN string `toml:"dsn"`
}

type BugsnagConfig struct {
	APIKey       string `toml:"apiKey"`
	ReleaseStage string `toml:"releaseStage"`
}

type Settings struct {
	HTTP HTTPConfig `toml:"http"`

	Metrics *metrics.Settings `toml:"metrics"`

	Cache keycache.Options `toml:"cache"`
	// Populate loads the local keys into the cache at startup.
	Populate bool `toml:"populate"`

	Backend BackendConfig `toml:"backend"`

	LogFile  string `toml:"logfile"`
	LogLevel string `toml:"loglevel"`

	Sentry  *SentryConfig  `toml:"sentry"`
	Bugsnag *BugsnagConfig `toml:"bugsnag"`

	Software string `toml:"software"`
	Version  string `toml:"version"`
}

const (
	DefaultLogLevel = "INFO"
)

func DefaultSettings() Settings {
	gnupgSettings := gnupg.DefaultSettings()
	return Settings{
		HTTP: HTTPConfig{
			Bind:            DefaultHTTPBind,
			MaxImportLength: DefaultMaxImportLength,
		},
		Metrics:  metrics.DefaultSettings(),
		Cache:    keycache.DefaultOptions(),
		Populate: true,
		Backend: BackendConfig{
			Driver:  DefaultBackendDriver,
			GnuPG:   &gnupgSettings,
			Keyring: keyring.DefaultSettings(),
		},
		LogLevel: DefaultLogLevel,
		Software: "mailkeys",
		Version:  "~unreleased",
	}
}

func ParseSettings(data string) (*Settings, error) {
	var doc struct {
		Mailkeys Settings `toml:"mailkeys"`
	}
	doc.Mailkeys = DefaultSettings()
	_, err := toml.Decode(data, &doc)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if doc.Mailkeys.Cache.ComplianceMode != "" && doc.Mailkeys.Cache.ComplianceMode != keycache.ComplianceDeVS {
		return nil, errors.Errorf("unsupported compliance mode %q", doc.Mailkeys.Cache.ComplianceMode)
	}
	return &doc.Mailkeys, nil
}
