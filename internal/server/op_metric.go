// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/KrishnaChamarthy/dfs/internal/core"
)

// OpMetric is a wrapper around metric objects that helps with tracking
// counts and latencies for "operations": RPCs handled on behalf of clients,
// or chunks of work initiated internally.
//
// OpMetric creates three metric sets:
//   - A counter with the given name, label "result", and any additional
//     labels. Start/End increments it with "result"="all"; Failed and
//     TooBusy increment "failed" and "too_busy".
//   - A latency summary with the given name + "_latency", recorded on End
//     unless Failed/TooBusy was called.
//   - A gauge with the given name + "_pending" tracking in-flight ops.
//
// Suggested usage:
//
//	op := h.metrics.Start("write_chunk")
//	defer op.End()
//	if err != core.NoError {
//	    op.Failed()
//	}
type OpMetric struct {
	name      string
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric returns a new op metric.
func NewOpMetric(name string, labels ...string) *OpMetric {
	labelsWithResult := append([]string{"result"}, labels...)
	return &OpMetric{
		name:      name,
		counters:  promauto.NewCounterVec(prometheus.CounterOpts{Name: name}, labelsWithResult),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency"}, labels),
		pending:   promauto.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels),
	}
}

// Start marks that a new operation has started and begins measuring latency.
func (m *OpMetric) Start(values ...string) *latencyMeasurer {
	lm := &latencyMeasurer{opm: m, values: values}
	lm.Result("all") // this resets start, so set it below
	lm.start = time.Now().UnixNano()
	lm.opm.pending.WithLabelValues(values...).Inc()
	return lm
}

// Count returns how many times the given result has been recorded.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	valuesWithAll := append([]string{result}, values...)
	mtr := m.counters.WithLabelValues(valuesWithAll...)
	var value dto.Metric
	if mtr.Write(&value) != nil {
		return 0
	}
	return uint64(*value.Counter.Value)
}

// String returns a nice string with latency information.
func (m *OpMetric) String(values ...string) string {
	out := SummaryString(m.latencies.WithLabelValues(values...))
	out += fmt.Sprintf(" / %d rejected / %d failed", m.Count("too_busy", values...), m.Count("failed", values...))

	var value dto.Metric
	if m.pending.WithLabelValues(values...).Write(&value) != nil {
		out += fmt.Sprintf(" / %d pending", int64(*value.Gauge.Value))
	}

	return out
}

// Strings returns a map with results from String, one per key. Only usable
// when the OpMetric has a single label, which is the common case.
func (m *OpMetric) Strings(keys ...string) map[string]string {
	out := make(map[string]string)
	for _, key := range keys {
		out[key] = m.String(key)
	}
	return out
}

// latencyMeasurer is an internal type to enable some syntactic sugar.
type latencyMeasurer struct {
	start  int64
	opm    *OpMetric
	values []string
}

// Failed records that the op returned an error.
func (lm *latencyMeasurer) Failed() {
	lm.Result("failed")
}

// TooBusy records that the op was rejected because the server is too busy.
func (lm *latencyMeasurer) TooBusy() {
	lm.Result("too_busy")
}

// Result records an arbitrary result.
func (lm *latencyMeasurer) Result(result string) {
	lm.start = 0 // zero this so that End won't try to record latency
	valuesWithResult := append([]string{result}, lm.values...)
	lm.opm.counters.WithLabelValues(valuesWithResult...).Inc()
}

// End records the elapsed time since the latencyMeasurer was created.
func (lm *latencyMeasurer) End() {
	if lm.start != 0 {
		d := time.Duration(time.Now().UnixNano() - lm.start)
		lm.opm.latencies.WithLabelValues(lm.values...).Observe(float64(d) / 1e9)
	}
	lm.opm.pending.WithLabelValues(lm.values...).Dec()
}

// EndWithError calls Failed if err is not NoError, then End.
func (lm *latencyMeasurer) EndWithError(err *core.Error) {
	if *err != core.NoError {
		lm.Failed()
	}
	lm.End()
}

// SummaryString renders a prometheus summary as quantile text.
func SummaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var value dto.Metric
	if sum.Write(&value) != nil || value.Summary == nil {
		return ""
	}
	out := fmt.Sprintf("Total count=%d;", *value.Summary.SampleCount)
	for _, q := range value.Summary.Quantile {
		out += fmt.Sprintf(" %gth=%.3f;", *q.Quantile*100, *q.Value)
	}
	return out[:len(out)-1]
}
