package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/weavy/devauth/pkg/upstream"
)

type serverMetrics struct {
	syncUsers *prometheus.GaugeVec
}

func newServerMetrics(reg prometheus.Registerer) (*serverMetrics, error) {
	m := &serverMetrics{
		syncUsers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devauth",
			Subsystem: "roster_sync",
			Name:      "users",
			Help:      "Users pushed upstream by the last roster sync, by result.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.syncUsers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *serverMetrics) observeSync(result upstream.SyncResult) {
	m.syncUsers.WithLabelValues("synced").Set(float64(result.Synced))
	m.syncUsers.WithLabelValues("failed").Set(float64(result.Failed))
}
