package usage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usage_rows_flushed_total",
		Help: "Usage rows successfully written to the store",
	})

	rowsFallback = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usage_rows_fallback_total",
		Help: "Usage rows diverted to the NDJSON fallback file",
	})
)

func recordFlushed(n int)  { rowsFlushed.Add(float64(n)) }
func recordFallback(n int) { rowsFallback.Add(float64(n)) }
