package service

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the signing and verification instruments. A nil *Metrics
// records nothing.
type Metrics struct {
	signTotal        *prometheus.CounterVec
	signDuration     prometheus.Histogram
	verifySignatures *prometheus.CounterVec
	lockWait         prometheus.Histogram
}

// NewMetrics registers the instruments on reg. Registering twice on the
// same registry reuses the existing collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		signTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfsigner_sign_total",
			Help: "Signing attempts by result.",
		}, []string{"result"}),
		signDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdfsigner_sign_duration_seconds",
			Help:    "Time spent signing a document, lock excluded.",
			Buckets: prometheus.DefBuckets,
		}),
		verifySignatures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfsigner_verify_signatures_total",
			Help: "Verified signatures by integrity outcome.",
		}, []string{"integrity"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdfsigner_lock_wait_seconds",
			Help:    "Time spent waiting for a document lock.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
	var err error
	if m.signTotal, err = register(reg, m.signTotal); err != nil {
		return nil, err
	}
	if m.signDuration, err = register(reg, m.signDuration); err != nil {
		return nil, err
	}
	if m.verifySignatures, err = register(reg, m.verifySignatures); err != nil {
		return nil, err
	}
	if m.lockWait, err = register(reg, m.lockWait); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observeSign(result string, seconds float64) {
	if m == nil {
		return
	}
	m.signTotal.WithLabelValues(result).Inc()
	if result == resultOK {
		m.signDuration.Observe(seconds)
	}
}

func (m *Metrics) observeVerify(intact bool) {
	if m == nil {
		return
	}
	label := "valid"
	if !intact {
		label = "invalid"
	}
	m.verifySignatures.WithLabelValues(label).Inc()
}

func (m *Metrics) observeLockWait(seconds float64) {
	if m == nil {
		return
	}
	m.lockWait.Observe(seconds)
}
