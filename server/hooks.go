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
	"fmt"

	"github.com/bugsnag/bugsnag-go"
	"github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// errorLevels are the log levels reported to error trackers.
var errorLevels = []log.Level{
	log.PanicLevel,
	log.FatalLevel,
	log.ErrorLevel,
}

func entryError(entry *log.Entry) error {
	if err, ok := entry.Data[log.ErrorKey].(error); ok && err != nil {
		return err
	}
	return errors.New(entry.Message)
}

func entryTags(entry *log.Entry) map[string]string {
	tags := map[string]string{}
	for k, v := range entry.Data {
		if k == log.ErrorKey {
			continue
		}
		tags[k] = fmt.Sprint(v)
	}
	return tags
}

var ravenSeverity = map[log.Level]raven.Severity{
	log.PanicLevel: raven.FATAL,
	log.FatalLevel: raven.FATAL,
	log.ErrorLevel: raven.ERROR,
}

type sentryHook struct {
	client *raven.Client
}

func newSentryHook(dsn string) (*sentryHook, error) {
	client, err := raven.New(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "invalid sentry DSN")
	}
	return &sentryHook{client: client}, nil
}

func (h *sentryHook) Levels() []log.Level {
	return errorLevels
}

func (h *sentryHook) Fire(entry *log.Entry) error {
	packet := raven.NewPacket(entry.Message)
	packet.Timestamp = raven.Timestamp(entry.Time)
	packet.Level = ravenSeverity[entry.Level]
	if err, ok := entry.Data[log.ErrorKey].(error); ok && err != nil {
		packet.Culprit = err.Error()
	}
	h.client.Capture(packet, entryTags(entry))
	return nil
}

func (h *sentryHook) Close() error {
	h.client.Close()
	return nil
}

type bugsnagHook struct {
	notifier *bugsnag.Notifier
}

func newBugsnagHook(c *BugsnagConfig, version string) *bugsnagHook {
	return &bugsnagHook{
		notifier: bugsnag.New(bugsnag.Configuration{
			APIKey:       c.APIKey,
			ReleaseStage: c.ReleaseStage,
			AppVersion:   version,
		}),
	}
}

func (h *bugsnagHook) Levels() []log.Level {
	return errorLevels
}

func (h *bugsnagHook) Fire(entry *log.Entry) error {
	metaData := bugsnag.MetaData{}
	for k, v := range entryTags(entry) {
		metaData.Add("log", k, v)
	}
	metaData.Add("log", "message", entry.Message)
	return h.notifier.Notify(entryError(entry), bugsnag.SeverityError, metaData)
}

func (h *bugsnagHook) Close() error { return nil }
