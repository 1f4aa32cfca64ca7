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

// Package server runs the key cache as a local service: it dials the
// configured backend, populates the cache and serves the resolution API
// over HTTP.
package server

import (
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/carbocation/interpose"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"mailkeys/backend"
	"mailkeys/keycache"
	"mailkeys/metrics"
)

type Server struct {
	settings        *Settings
	backend         backend.Backend
	cache           *keycache.Cache
	middle          *interpose.Middleware
	r               *httprouter.Router
	logWriter       io.WriteCloser
	hooks           []io.Closer
	metricsListener *metrics.Metrics

	t        tomb.Tomb
	mu       sync.Mutex
	httpAddr string
}

type statusCodeResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func NewStatusCodeResponseWriter(w http.ResponseWriter) *statusCodeResponseWriter {
	// WriteHeader is not called if our response implicitly
	// returns 200 OK, so we default to that status code.
	return &statusCodeResponseWriter{w, http.StatusOK}
}

func (scrw *statusCodeResponseWriter) WriteHeader(code int) {
	scrw.statusCode = code
	scrw.ResponseWriter.WriteHeader(code)
}

// NewServer dials the configured backend and returns a server for it.
func NewServer(settings *Settings) (*Server, error) {
	if settings == nil {
		defaults := DefaultSettings()
		settings = &defaults
	}
	b, err := DialBackend(settings)
	if err != nil {
		return nil, err
	}
	s, err := newServer(settings, b)
	if err != nil {
		b.Close()
		return nil, err
	}
	return s, nil
}

func newServer(settings *Settings, b backend.Backend) (*Server, error) {
	s := &Server{
		settings: settings,
		backend:  b,
		cache:    keycache.New(b, settings.Cache),
		r:        httprouter.New(),
	}

	s.middle = interpose.New()
	s.middle.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			start := time.Now()
			scrw := NewStatusCodeResponseWriter(rw)
			next.ServeHTTP(scrw, req)
			duration := time.Since(start)
			log.WithFields(log.Fields{
				req.Method:    req.URL.Path,
				"duration":    duration.String(),
				"from":        req.RemoteAddr,
				"status-code": scrw.statusCode,
				"user-agent":  req.UserAgent(),
			}).Info()
			recordHTTPRequestDuration(req.Method, scrw.statusCode, duration)
		})
	})
	s.middle.UseHandler(s.r)

	var options []HandlerOption
	if settings.HTTP.MaxImportLength > 0 {
		options = append(options, MaxImportLength(settings.HTTP.MaxImportLength))
	}
	h, err := NewHandler(s.cache, options...)
	if err != nil {
		s.cache.Close()
		return nil, errors.WithStack(err)
	}
	h.Register(s.r)

	if settings.Metrics != nil {
		s.metricsListener = metrics.NewMetrics(settings.Metrics)
	}
	registerMetrics()
	return s, nil
}

// Cache returns the key cache served by s.
func (s *Server) Cache() *keycache.Cache {
	return s.cache
}

func (s *Server) Start() error {
	s.openLog()
	err := s.addHooks()
	if err != nil {
		return err
	}

	s.t.Go(s.listenAndServe)

	if s.metricsListener != nil {
		s.metricsListener.Start()
	}
	if s.settings.Populate {
		s.cache.Populate()
	}
	return nil
}

func (s *Server) addHooks() error {
	if s.settings.Sentry != nil && s.settings.Sentry.DSN != "" {
		hook, err := newSentryHook(s.settings.Sentry.DSN)
		if err != nil {
			return err
		}
		log.AddHook(hook)
		s.hooks = append(s.hooks, hook)
	}
	if s.settings.Bugsnag != nil && s.settings.Bugsnag.APIKey != "" {
		hook := newBugsnagHook(s.settings.Bugsnag, s.settings.Version)
		log.AddHook(hook)
		s.hooks = append(s.hooks, hook)
	}
	return nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func (s *Server) openLog() {
	defer func() {
		level, err := log.ParseLevel(strings.ToLower(s.settings.LogLevel))
		if err != nil {
			log.Warningf("invalid LogLevel=%q: %v", s.settings.LogLevel, err)
			return
		}
		log.SetLevel(level)
	}()

	s.logWriter = nopCloser{os.Stderr}
	if s.settings.LogFile != "" {
		f, err := os.OpenFile(s.settings.LogFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			log.Errorf("failed to open LogFile=%q: %v", s.settings.LogFile, err)
		} else {
			s.logWriter = f
		}
	}
	log.SetOutput(s.logWriter)
	log.Debug("log opened")
}

func (s *Server) closeLog() {
	log.SetOutput(os.Stderr)
	if s.logWriter != nil {
		s.logWriter.Close()
	}
}

// LogRotate reopens the log file.
func (s *Server) LogRotate() {
	w := s.logWriter
	s.openLog()
	if w != nil {
		w.Close()
	}
}

func (s *Server) Wait() error {
	return s.t.Wait()
}

func (s *Server) Stop() {
	defer s.closeLog()

	if s.metricsListener != nil {
		s.metricsListener.Stop()
	}
	s.t.Kill(nil)
	s.t.Wait()

	if err := s.cache.Close(); err != nil {
		log.Errorf("failed to stop key cache: %+v", err)
	}
	if err := s.backend.Close(); err != nil {
		log.Errorf("failed to close backend: %+v", err)
	}
	for _, hook := range s.hooks {
		hook.Close()
	}
}

// Addr returns the bound HTTP address, or "" before the listener is up.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

func (s *Server) newListener(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	s.t.Go(func() error {
		<-s.t.Dying()
		return ln.Close()
	})
	return ln, nil
}

func (s *Server) listenAndServe() error {
	ln, err := s.newListener(s.settings.HTTP.Bind)
	if err != nil {
		return errors.WithStack(err)
	}
	s.mu.Lock()
	s.httpAddr = ln.Addr().String()
	s.mu.Unlock()
	log.Infof("serving key cache on %s", s.httpAddr)
	return http.Serve(ln, s.middle)
}
