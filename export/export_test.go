// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package export_test

import (
	"expvar"
	"strings"
	"testing"

	"github.com/creachadair/param"
	"github.com/creachadair/param/export"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector(t *testing.T) {
	reg := param.NewRegistry()
	for _, tc := range []struct {
		d   param.Desc
		val any
	}{
		{param.Desc{Node: 2, ID: 1, Name: "temp", Type: param.Int16, Unit: "C", Mask: param.MaskTelem}, -12},
		{param.Desc{Node: 2, ID: 2, Name: "gain", Type: param.Float, Count: 2, Mask: param.MaskTelem}, []float64{0.5, 2}},
		{param.Desc{Node: 2, ID: 3, Name: "label", Type: param.String, Count: 8, Mask: param.MaskTelem}, "skip"},
		{param.Desc{Node: 2, ID: 4, Name: "mode", Type: param.Uint8, Mask: param.MaskConf}, 1},
	} {
		p, _, err := reg.Add(tc.d)
		if err != nil {
			t.Fatalf("Add %q: %v", tc.d.Name, err)
		}
		if err := p.View().Set(param.Whole, tc.val); err != nil {
			t.Fatalf("Set %q: %v", tc.d.Name, err)
		}
	}

	c := export.NewCollector(reg, export.Options{
		Namespace: "sat",
		Filter:    param.Filter{Node: 2, Include: param.MaskTelem},
	})
	const want = `
# HELP sat_value Cached value of a parameter element.
# TYPE sat_value gauge
sat_value{index="0",name="gain",node="2",unit=""} 0.5
sat_value{index="1",name="gain",node="2",unit=""} 2
sat_value{index="0",name="temp",node="2",unit="C"} -12
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want), "sat_value"); err != nil {
		t.Errorf("Collect: %v", err)
	}

	// Every exported parameter has a value, so each reports its update time.
	if n := testutil.CollectAndCount(c, "sat_updated_timestamp_seconds"); n != 2 {
		t.Errorf("Update times: got %d, want 2", n)
	}

	pr := prometheus.NewPedanticRegistry()
	if err := pr.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := pr.Gather(); err != nil {
		t.Errorf("Gather: %v", err)
	}
}

func TestPeerCollector(t *testing.T) {
	vars := new(expvar.Map)
	var sent, active expvar.Int
	sent.Set(12)
	active.Set(2)
	vars.Set("packets_sent", &sent)
	vars.Set("calls_active", &active)
	vars.Set("label", new(expvar.String)) // not a counter, skipped

	pc := export.NewPeerCollector("sat", vars)
	const want = `
# HELP sat_csp_calls_active Peer activity counter calls_active.
# TYPE sat_csp_calls_active gauge
sat_csp_calls_active 2
# HELP sat_csp_packets_sent Peer activity counter packets_sent.
# TYPE sat_csp_packets_sent counter
sat_csp_packets_sent 12
`
	if err := testutil.CollectAndCompare(pc, strings.NewReader(want)); err != nil {
		t.Errorf("Collect: %v", err)
	}

	// The default map has every peer counter.
	if n := testutil.CollectAndCount(export.NewPeerCollector("", nil)); n != 10 {
		t.Errorf("Default counters: got %d, want 10", n)
	}
}
