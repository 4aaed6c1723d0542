// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package export

import (
	"expvar"
	"slices"

	"github.com/creachadair/param/csp"
	"github.com/prometheus/client_golang/prometheus"
)

// A PeerCollector is a prometheus.Collector that reports the activity
// counters of csp peers (see csp.Metrics) as <ns>_csp_<key>.
type PeerCollector struct {
	vars  *expvar.Map
	descs map[string]*prometheus.Desc
}

// NewPeerCollector constructs a collector for the counters of vars. If vars
// is nil, csp.Metrics() is used. An empty namespace means "param".
func NewPeerCollector(namespace string, vars *expvar.Map) *PeerCollector {
	if namespace == "" {
		namespace = "param"
	}
	if vars == nil {
		vars = csp.Metrics()
	}
	pc := &PeerCollector{vars: vars, descs: make(map[string]*prometheus.Desc)}
	vars.Do(func(kv expvar.KeyValue) {
		pc.descs[kv.Key] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "csp", kv.Key),
			"Peer activity counter "+kv.Key+".", nil, nil,
		)
	})
	return pc
}

// Describe implements prometheus.Collector.
func (pc *PeerCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range pc.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (pc *PeerCollector) Collect(ch chan<- prometheus.Metric) {
	pc.vars.Do(func(kv expvar.KeyValue) {
		d, ok := pc.descs[kv.Key]
		v, isInt := kv.Value.(*expvar.Int)
		if !ok || !isInt {
			return
		}
		vt := prometheus.CounterValue
		if slices.Contains(csp.Gauges, kv.Key) {
			vt = prometheus.GaugeValue
		}
		ch <- prometheus.MustNewConstMetric(d, vt, float64(v.Value()))
	})
}
