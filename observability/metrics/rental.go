package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RentalMetrics tracks escrow operation outcomes and value paid out of vaults.
type RentalMetrics struct {
	operations  *prometheus.CounterVec
	payouts     *prometheus.CounterVec
	payoutValue *prometheus.CounterVec
}

var (
	rentalOnce     sync.Once
	rentalRegistry *RentalMetrics
)

// Rental returns the lazily registered rental metrics.
func Rental() *RentalMetrics {
	rentalOnce.Do(func() {
		rentalRegistry = &RentalMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rental",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Count of escrow operations by operation and result.",
			}, []string{"op", "result"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rental",
				Subsystem: "escrow",
				Name:      "payouts_total",
				Help:      "Count of non-zero value payments by purpose.",
			}, []string{"purpose"}),
			payoutValue: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rental",
				Subsystem: "escrow",
				Name:      "payout_value_total",
				Help:      "Sum of value moved by escrow payments, by purpose.",
			}, []string{"purpose"}),
		}
		prometheus.MustRegister(
			rentalRegistry.operations,
			rentalRegistry.payouts,
			rentalRegistry.payoutValue,
		)
	})
	return rentalRegistry
}

// ObserveOperation records the outcome of one escrow operation.
func (m *RentalMetrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.operations.WithLabelValues(op, resultLabel(err)).Inc()
}

// ObservePayout records a value payment. Zero and nil amounts are ignored.
func (m *RentalMetrics) ObservePayout(purpose string, amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	if purpose == "" {
		purpose = "unknown"
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	m.payouts.WithLabelValues(purpose).Inc()
	m.payoutValue.WithLabelValues(purpose).Add(value)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
