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

// Package metrics serves Prometheus metrics on a dedicated listener.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

const shutdownTimeout = 5 * time.Second

type Metrics struct {
	s   *Settings
	mux *http.ServeMux
	srv *http.Server
	t   tomb.Tomb

	addr chan net.Addr
}

func NewMetrics(s *Settings) *Metrics {
	if s == nil {
		s = DefaultSettings()
	}
	m := &Metrics{
		s:    s,
		mux:  http.NewServeMux(),
		addr: make(chan net.Addr, 1),
	}
	m.mux.Handle(m.s.MetricsPath, promhttp.Handler())
	m.srv = &http.Server{Handler: m.mux}
	return m
}

func (m *Metrics) Start() {
	m.t.Go(func() error {
		log.Info("metrics: starting")
		ln, err := net.Listen("tcp", m.s.MetricsAddr)
		if err != nil {
			log.Errorf("failed to listen for metrics: %v", err)
			return errors.WithStack(err)
		}
		m.addr <- ln.Addr()
		m.t.Go(func() error {
			<-m.t.Dying()
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return errors.WithStack(m.srv.Shutdown(ctx))
		})
		if err := m.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("failed to serve metrics: %v", err)
			return errors.WithStack(err)
		}
		return nil
	})
}

// Addr returns the address the listener is bound to, once it is.
func (m *Metrics) Addr() net.Addr {
	select {
	case a := <-m.addr:
		m.addr <- a
		return a
	case <-m.t.Dead():
		return nil
	}
}

func (m *Metrics) Stop() {
	log.Info("metrics: stopping")
	m.t.Kill(nil)
	if err := m.t.Wait(); err != nil {
		log.Errorf("%+v", err)
	}
	log.Info("metrics: stopped")
}
