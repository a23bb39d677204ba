package metrics

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
)

type RefMetricer interface {
	RecordRef(name string, num uint64, h common.Hash)
}

// RefMetrics provides block reference metrics. It's a metrics module that's
// supposed to be embedded into a service metrics type.
type RefMetrics struct {
	RefsNumber *prometheus.GaugeVec
	RefsHash   *prometheus.GaugeVec
}

var _ RefMetricer = (*RefMetrics)(nil)

// MakeRefMetrics returns a new RefMetrics, initializing its prometheus fields
// using factory.
//
// ns is the fully qualified namespace, e.g. "op_bundler_default".
func MakeRefMetrics(ns string, factory Factory) RefMetrics {
	return RefMetrics{
		RefsNumber: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "refs_number",
			Help:      "Gauge representing the different block reference numbers",
		}, []string{"type"}),
		RefsHash: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "refs_hash",
			Help:      "Gauge representing the different block reference hashes truncated to float values",
		}, []string{"type"}),
	}
}

func (m *RefMetrics) RecordRef(name string, num uint64, h common.Hash) {
	m.RefsNumber.WithLabelValues(name).Set(float64(num))
	// we map the first 8 bytes to a float64, so we can graph changes of the hash to find divergences visually.
	// We don't do math.Float64frombits, just a regular conversion, to keep the value within a manageable range.
	m.RefsHash.WithLabelValues(name).Set(float64(binary.LittleEndian.Uint64(h[:8])))
}

// NoopRefMetrics can be embedded in a noop version of a metric implementation
// to have a noop RefMetricer.
type NoopRefMetrics struct{}

func (*NoopRefMetrics) RecordRef(string, uint64, common.Hash) {}
