// Package metrics provides messaging.MetricsCollector implementations.
//
// PrometheusCollector exports counters, latency histograms and a connection
// state gauge per role. SummaryCollector keeps the same figures in memory for
// tests and command line reports, and Multi fans records out to several
// collectors at once.
package metrics
