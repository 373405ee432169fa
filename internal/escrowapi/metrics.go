package escrowapi

import (
	"math/big"
	"net/http"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "depositholder"

type metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// newMetrics registers request metrics and ledger gauges on reg. Ledger
// amounts are exported as float64 and lose precision above 2^53.
func newMetrics(reg prometheus.Registerer, ledger Ledger) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	collectors := []prometheus.Collector{m.requests, m.latency}
	gauge := func(name, help string, v func() float64) {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      name,
			Help:      help,
		}, v))
	}
	gauge("deposit_count", "Deposits in live batches.", func() float64 {
		return float64(ledger.Stats().DepositCount)
	})
	gauge("pooled", "Pooled collateral.", func() float64 {
		s := ledger.Stats()
		return toFloat(&s.Pooled)
	})
	gauge("paid_out", "Total disbursed to claimants.", func() float64 {
		s := ledger.Stats()
		return toFloat(&s.PaidOut)
	})
	gauge("deposited", "Total ever deposited.", func() float64 {
		s := ledger.Stats()
		return toFloat(&s.Deposited)
	})
	gauge("refunded", "Total refunded to the owner.", func() float64 {
		s := ledger.Stats()
		return toFloat(&s.Refunded)
	})

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	if m == nil {
		return next
	}
	labels := prometheus.Labels{"route": route}
	return promhttp.InstrumentHandlerDuration(
		m.latency.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.requests.MustCurryWith(labels), next),
	)
}

func toFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
