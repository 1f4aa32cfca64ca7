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
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmcvetta/randutil"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"mailkeys/backend"
)

// maxResponseLen limits the size of a keyserver response.
const maxResponseLen = 8 << 20

// keyserverOrder returns the configured keyservers in a weighted random
// order.
func (kr *Keyring) keyserverOrder() []string {
	var choices []randutil.Choice
	for _, ks := range kr.keyservers {
		weight := ks.Weight
		if weight <= 0 {
			weight = 1
		}
		choices = append(choices, randutil.Choice{Weight: weight, Item: ks.URL})
	}
	var order []string
	for len(choices) > 0 {
		choice, err := randutil.WeightedChoice(choices)
		if err != nil {
			log.Warningf("keyserver choice failed: %v", err)
			break
		}
		for i := range choices {
			if choices[i].Item == choice.Item {
				choices = append(choices[:i], choices[i+1:]...)
				break
			}
		}
		order = append(order, choice.Item.(string))
	}
	return order
}

// lookupHKP fetches the keys published for a mailbox, trying each
// keyserver until one answers.
func (kr *Keyring) lookupHKP(ctx context.Context, mbox string) ([]byte, error) {
	servers := kr.keyserverOrder()
	if len(servers) == 0 {
		return nil, errors.WithStack(backend.ErrKeyNotFound)
	}
	var lastErr error = backend.ErrKeyNotFound
	for _, server := range servers {
		data, err := kr.fetchHKP(ctx, server, mbox)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, errors.WithStack(ctx.Err())
		}
		if !backend.IsNotFound(err) {
			log.WithFields(log.Fields{
				"keyserver": server,
				"mailbox":   mbox,
			}).Warningf("keyserver lookup failed: %v", err)
			lastErr = err
		}
	}
	return nil, errors.WithStack(lastErr)
}

func (kr *Keyring) fetchHKP(ctx context.Context, server, mbox string) ([]byte, error) {
	u := fmt.Sprintf("%s/pks/lookup?op=get&options=mr&search=%s",
		strings.TrimRight(server, "/"), url.QueryEscape(mbox))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	resp, err := kr.client.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseLen))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, errors.WithStack(backend.ErrKeyNotFound)
	default:
		return nil, errors.Errorf("error response from %q: %s", server, resp.Status)
	}
	log.Debugf("keyserver %q returned %d bytes for %q", server, len(body), mbox)
	return body, nil
}
