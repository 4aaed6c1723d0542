// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package export exposes the cached values of numeric parameters, and the
// activity counters of csp peers, as Prometheus metrics.
package export

import (
	"strconv"

	"github.com/creachadair/param"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configure a [Collector].
type Options struct {
	// Namespace prefixes the metric names. If empty, "param" is used.
	Namespace string

	// Filter selects the parameters exported.
	Filter param.Filter
}

// A Collector is a prometheus.Collector that reports one gauge per element of
// each numeric parameter selected from a registry, and the time of the last
// update of each parameter. String and Data parameters are skipped.
type Collector struct {
	reg     *param.Registry
	filter  param.Filter
	value   *prometheus.Desc
	updated *prometheus.Desc
}

// NewCollector constructs a collector for the parameters of reg.
func NewCollector(reg *param.Registry, opts Options) *Collector {
	ns := opts.Namespace
	if ns == "" {
		ns = "param"
	}
	return &Collector{
		reg:    reg,
		filter: opts.Filter,
		value: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "value"),
			"Cached value of a parameter element.",
			[]string{"node", "name", "index", "unit"}, nil,
		),
		updated: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "updated_timestamp_seconds"),
			"Time a value was last stored in a parameter.",
			[]string{"node", "name"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.value
	ch <- c.updated
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for p := range c.reg.Select(c.filter).All() {
		d := p.Desc()
		if d.Type == param.String || d.Type == param.Data {
			continue
		}
		node := strconv.Itoa(int(d.Node))
		for i, v := range elements(p.Value()) {
			f, ok := toFloat(v)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.value, prometheus.GaugeValue, f,
				node, d.Name, strconv.Itoa(i), d.Unit)
		}
		if ts := p.Timestamp(); !ts.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.updated, prometheus.GaugeValue,
				float64(ts.UnixNano())/1e9, node, d.Name)
		}
	}
}

func elements(v any) []any {
	if vs, ok := v.([]any); ok {
		return vs
	}
	return []any{v}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
