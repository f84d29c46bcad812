/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/ntpd/system"
)

// PrometheusExporter publishes the system snapshot and the peer count
// as gauges, scraped on demand rather than on a fixed interval (the
// watches are already current).
type PrometheusExporter struct {
	registry   *prometheus.Registry
	sys        *system.System
	listenAddr string

	stratum      prometheus.Gauge
	pollInterval prometheus.Gauge
	peerCount    prometheus.Gauge
	resetEpoch   prometheus.Gauge
}

// NewPrometheusExporter builds an exporter bound to sys, registering
// its gauges up front so /metrics always lists them even before the
// first scrape.
func NewPrometheusExporter(listenAddr string, sys *system.System) *PrometheusExporter {
	e := &PrometheusExporter{
		registry:   prometheus.NewRegistry(),
		sys:        sys,
		listenAddr: listenAddr,
		stratum:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "ntpd_stratum", Help: "current system stratum"}),
		pollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntpd_poll_interval_log2_seconds", Help: "preferred poll interval, log2 seconds",
		}),
		peerCount:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "ntpd_peer_count", Help: "number of configured peer associations"}),
		resetEpoch: prometheus.NewGauge(prometheus.GaugeOpts{Name: "ntpd_reset_epoch", Help: "number of clock steps since startup"}),
	}
	for _, c := range []prometheus.Collector{e.stratum, e.pollInterval, e.peerCount, e.resetEpoch} {
		if err := e.registry.Register(c); err != nil {
			log.Errorf("stats: failed to register metric: %v", err)
		}
	}
	return e
}

func (e *PrometheusExporter) scrape() {
	snap := e.sys.SystemSnapshot().Get()
	e.stratum.Set(float64(snap.Stratum))
	e.pollInterval.Set(float64(snap.PollInterval))
	e.resetEpoch.Set(float64(snap.ResetEpoch))
	e.peerCount.Set(float64(len(e.sys.Peers().Get())))
}

// ListenAndServe starts the /metrics endpoint, scraping the current
// watches on every request and blocking until the listener errors.
func (e *PrometheusExporter) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.scrape()
		promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	}))
	return http.ListenAndServe(e.listenAddr, mux)
}
