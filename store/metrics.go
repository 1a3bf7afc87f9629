package store

import "github.com/prometheus/client_golang/prometheus"

var CommandCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sohm",
	Subsystem: "store",
	Name:      "commands",
}, []string{"op"})

var FlushSize = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "sohm",
	Subsystem: "store",
	Name:      "flush_size",
	Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
})

var RoutineCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sohm",
	Subsystem: "store",
	Name:      "routine_calls",
}, []string{"result"})
