// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package csp

import "expvar"

// metrics record peer activity counters.
type metrics struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int
	callIn        expvar.Int // inbound calls received
	callInErr     expvar.Int // inbound calls reporting an error
	callOut       expvar.Int // outbound calls initiated
	callOutErr    expvar.Int // outbound calls reporting an error
	cancelIn      expvar.Int // cancellations received
	callActive    expvar.Int // inbound
	callPending   expvar.Int // outbound

	emap *expvar.Map
}

var peerMetrics = newMetrics()

// Metrics returns the activity counters shared by all peers. The map is not
// published; callers may pass it to expvar.Publish.
func Metrics() *expvar.Map { return peerMetrics.emap }

// Gauges lists the keys of [Metrics] whose values go down as well as up.
var Gauges = []string{"calls_active", "calls_pending"}

func newMetrics() *metrics {
	pm := &metrics{emap: new(expvar.Map)}
	pm.emap.Set("packets_received", &pm.packetRecv)
	pm.emap.Set("packets_sent", &pm.packetSent)
	pm.emap.Set("packets_dropped", &pm.packetDropped)
	pm.emap.Set("calls_in", &pm.callIn)
	pm.emap.Set("calls_in_failed", &pm.callInErr)
	pm.emap.Set("calls_active", &pm.callActive)
	pm.emap.Set("calls_out", &pm.callOut)
	pm.emap.Set("calls_out_failed", &pm.callOutErr)
	pm.emap.Set("cancels_in", &pm.cancelIn)
	pm.emap.Set("calls_pending", &pm.callPending)
	return pm
}
