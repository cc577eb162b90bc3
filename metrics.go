package snapdb

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver counts collection operations and the records they touched.
type MetricsObserver struct {
	ops     *prometheus.CounterVec
	records *prometheus.CounterVec
}

// NewMetricsObserver creates the counters and registers them with reg.
func NewMetricsObserver(reg prometheus.Registerer, namespace string) (*MetricsObserver, error) {
	mo := &MetricsObserver{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_ops_total",
			Help:      "Number of successful collection operations",
		}, []string{"collection", "op"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_records_total",
			Help:      "Number of records written or read by collection operations",
		}, []string{"collection", "op"}),
	}
	for _, c := range []prometheus.Collector{mo.ops, mo.records} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return mo, nil
}

func (mo *MetricsObserver) Observe(ev Event) error {
	coll, op := ev.Collection.Name, ev.Kind.String()
	mo.ops.WithLabelValues(coll, op).Inc()
	if n := eventRecordCount(ev); n > 0 {
		mo.records.WithLabelValues(coll, op).Add(float64(n))
	}
	return nil
}

func eventRecordCount(ev Event) int {
	switch ev.Kind {
	case EventBulkCreate:
		recs, _ := ev.Data.([]Record)
		return len(recs)
	case EventUpdate, EventFindByPk, EventDelete:
		return 1
	case EventFindAll, EventFindAllLike:
		n, _ := ev.Data.(int)
		return n
	default:
		return 0
	}
}
