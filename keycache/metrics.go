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

package keycache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var metrics = struct {
	jobsStarted      *prometheus.CounterVec
	jobsDeduplicated *prometheus.CounterVec
	jobWaitTimeouts  *prometheus.CounterVec
	keysIndexed      prometheus.Gauge
	resolutions      *prometheus.CounterVec
}{
	jobsStarted: prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailkeys",
			Name:      "jobs_started_total",
			Help:      "Background key cache jobs started",
		},
		[]string{"job"},
	),
	jobsDeduplicated: prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailkeys",
			Name:      "jobs_deduplicated_total",
			Help:      "Job requests skipped because the same job was in flight",
		},
		[]string{"job"},
	),
	jobWaitTimeouts: prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailkeys",
			Name:      "job_wait_timeouts_total",
			Help:      "Blocking reads that gave up waiting for a job",
		},
		[]string{"job"},
	),
	keysIndexed: prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mailkeys",
			Name:      "keys_indexed",
			Help:      "Keys in the fingerprint index",
		},
	),
	resolutions: prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailkeys",
			Name:      "resolutions_total",
			Help:      "Encryption key resolutions by outcome",
		},
		[]string{"protocol", "result"},
	),
}

var metricsRegister sync.Once

// RegisterMetrics registers the key cache collectors with the default
// Prometheus registry.
func RegisterMetrics() {
	metricsRegister.Do(func() {
		prometheus.MustRegister(metrics.jobsStarted)
		prometheus.MustRegister(metrics.jobsDeduplicated)
		prometheus.MustRegister(metrics.jobWaitTimeouts)
		prometheus.MustRegister(metrics.keysIndexed)
		prometheus.MustRegister(metrics.resolutions)
	})
}

func recordResolution(protocol string, ok bool) {
	result := "fail"
	if ok {
		result = "ok"
	}
	metrics.resolutions.WithLabelValues(protocol, result).Inc()
}
