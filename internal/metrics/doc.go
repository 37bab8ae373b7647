// Package metrics provides the Prometheus collectors for routers and
// workers and the HTTP server that exposes them on /metrics.
//
// Every collector set has two constructors: NewXMetrics registers with the
// default registry, NewXMetricsWithRegistry with a caller-supplied one so
// tests can gather in isolation. All Record methods are safe on a nil
// receiver, which lets components treat metrics as optional.
package metrics

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

const namespace = "tubesync"

func status(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}

// DefaultLatencyBuckets cover sub-millisecond metadata calls up to
// multi-second room loads.
var DefaultLatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}
