package tokens

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	hits     prometheus.Counter
	misses   prometheus.Counter
	failures prometheus.Counter
}

// newMetrics creates the cache counters and registers them when reg is
// not nil.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devauth",
			Subsystem: "token_cache",
			Name:      "hits_total",
			Help:      "Token requests served from the cache.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devauth",
			Subsystem: "token_cache",
			Name:      "misses_total",
			Help:      "Token requests that went to the upstream, including refreshes.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devauth",
			Subsystem: "token_cache",
			Name:      "upstream_failures_total",
			Help:      "Upstream token requests that failed.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.hits, m.misses, m.failures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}
