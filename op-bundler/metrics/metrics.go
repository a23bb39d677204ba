package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"

	opmetrics "github.com/mantlenetworkio/mantle-bundler/op-service/metrics"
)

const Namespace = "op_bundler"

// Scheduling cycle outcomes.
const (
	CycleBundle         = "bundle"
	CycleEmpty          = "empty"
	CycleFeeUnavailable = "fee_unavailable"
	CycleDAUnavailable  = "da_unavailable"
	CycleFailed         = "failed"
)

// Bundle lifecycle stages.
const (
	BundleSent       = "sent"
	BundleConfirmed  = "confirmed"
	BundleReorged    = "reorged"
	BundleSuperseded = "superseded"
	BundleExhausted  = "exhausted"
	BundleAbandoned  = "abandoned"
	BundleFinalized  = "finalized"
)

type Metricer interface {
	RecordInfo(version string)
	RecordUp()

	// Records head and history block references
	opmetrics.RefMetricer

	RecordSchedulerState(state string)
	RecordCycle(outcome string)
	RecordBundleBuilt(numOps int, gasLimit uint64, daGas uint64, sizeBytes uint64)
	RecordCandidateSkipped(reason string)
	RecordCandidateRejected(reason string)
	RecordPoolSize(available, inBundle int)

	RecordFeeQuote(strategy string, fee *big.Int)
	RecordFeeFallback()
	RecordDAOracleError(oracleType string)

	RecordSubmission(channel string, outcome string)
	RecordBundleStage(stage string)
	RecordReorg(depth uint64)
	RecordHistorySize(entries int)

	Document() []opmetrics.DocumentedMetric
}

type Metrics struct {
	ns       string
	registry *prometheus.Registry
	factory  opmetrics.Factory

	opmetrics.RefMetrics

	info prometheus.GaugeVec
	up   prometheus.Gauge

	schedulerState prometheus.GaugeVec
	lastState      string

	cycleEvs     opmetrics.EventVec
	bundleEvs    opmetrics.EventVec
	skipped      prometheus.CounterVec
	rejected     prometheus.CounterVec
	poolSize     prometheus.GaugeVec
	bundleOps    prometheus.Histogram
	bundleGas    prometheus.Histogram
	bundleDAGas  prometheus.Histogram
	bundleBytes  prometheus.Histogram
	feeQuote     prometheus.GaugeVec
	feeFallbacks prometheus.Counter
	daErrors     prometheus.CounterVec
	submissions  prometheus.CounterVec
	reorgDepth   prometheus.Histogram
	historySize  prometheus.Gauge
}

var _ Metricer = (*Metrics)(nil)
var _ opmetrics.RegistryMetricer = (*Metrics)(nil)

func NewMetrics(procName string) *Metrics {
	if procName == "" {
		procName = "default"
	}
	ns := Namespace + "_" + procName

	registry := opmetrics.NewRegistry()
	factory := opmetrics.With(registry)

	return &Metrics{
		ns:       ns,
		registry: registry,
		factory:  factory,

		RefMetrics: opmetrics.MakeRefMetrics(ns, factory),

		info: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "info",
			Help:      "Pseudo-metric tracking version and config info",
		}, []string{
			"version",
		}),
		up: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "up",
			Help:      "1 if the op-bundler has finished starting up",
		}),

		schedulerState: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "scheduler_state",
			Help:      "1 for the state the scheduler is currently in, 0 for all others",
		}, []string{"state"}),

		cycleEvs:  opmetrics.NewEventVec(factory, ns, "", "cycle", "Scheduling cycle", []string{"outcome"}),
		bundleEvs: opmetrics.NewEventVec(factory, ns, "", "bundle", "Bundle", []string{"stage"}),

		skipped: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "candidates_skipped_total",
			Help:      "Candidates left out of a cycle and returned to the pool, by reason",
		}, []string{"reason"}),
		rejected: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "candidates_rejected_total",
			Help:      "Candidates dropped from the pool, by reason",
		}, []string{"reason"}),
		poolSize: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pool_size",
			Help:      "Number of operations in the candidate pool",
		}, []string{"state"}),

		bundleOps: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "bundle_ops",
			Help:      "Number of operations per built bundle",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		bundleGas: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "bundle_gas_limit",
			Help:      "Gas limit of built bundles",
			Buckets:   prometheus.ExponentialBuckets(50_000, 2, 12),
		}),
		bundleDAGas: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "bundle_da_gas",
			Help:      "Data availability gas charged to built bundles, whether or not it is part of the gas limit",
			Buckets:   prometheus.ExponentialBuckets(1_000, 2, 14),
		}),
		bundleBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "bundle_size_bytes",
			Help:      "Calldata size of built bundles",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 10),
		}),

		feeQuote: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "priority_fee_wei",
			Help:      "Last priority fee quote, by strategy",
		}, []string{"strategy"}),
		feeFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "priority_fee_fallbacks_total",
			Help:      "Number of times the last known good fee quote was used",
		}),
		daErrors: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "da_oracle_errors_total",
			Help:      "Failed DA gas oracle reads, by oracle type",
		}, []string{"oracle"}),

		submissions: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "submissions_total",
			Help:      "Bundle submissions per channel, by outcome",
		}, []string{"channel", "outcome"}),
		reorgDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "reorg_depth",
			Help:      "Depth of observed reorgs, in blocks",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		historySize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "history_entries",
			Help:      "Number of block heights retained in the history buffer",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Document() []opmetrics.DocumentedMetric {
	return m.factory.Document()
}

// RecordInfo sets a pseudo-metric that contains versioning and
// config info for the op-bundler.
func (m *Metrics) RecordInfo(version string) {
	m.info.WithLabelValues(version).Set(1)
}

// RecordUp sets the up metric to 1.
func (m *Metrics) RecordUp() {
	m.up.Set(1)
}

// RecordSchedulerState is only called from the scheduler loop.
func (m *Metrics) RecordSchedulerState(state string) {
	if m.lastState != "" {
		m.schedulerState.WithLabelValues(m.lastState).Set(0)
	}
	m.schedulerState.WithLabelValues(state).Set(1)
	m.lastState = state
}

func (m *Metrics) RecordCycle(outcome string) {
	m.cycleEvs.Record(outcome)
}

func (m *Metrics) RecordBundleBuilt(numOps int, gasLimit uint64, daGas uint64, sizeBytes uint64) {
	m.bundleOps.Observe(float64(numOps))
	m.bundleGas.Observe(float64(gasLimit))
	m.bundleDAGas.Observe(float64(daGas))
	m.bundleBytes.Observe(float64(sizeBytes))
}

func (m *Metrics) RecordCandidateSkipped(reason string) {
	m.skipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCandidateRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordPoolSize(available, inBundle int) {
	m.poolSize.WithLabelValues("available").Set(float64(available))
	m.poolSize.WithLabelValues("in_bundle").Set(float64(inBundle))
}

func (m *Metrics) RecordFeeQuote(strategy string, fee *big.Int) {
	f, _ := new(big.Float).SetInt(fee).Float64()
	m.feeQuote.WithLabelValues(strategy).Set(f)
}

func (m *Metrics) RecordFeeFallback() {
	m.feeFallbacks.Inc()
}

func (m *Metrics) RecordDAOracleError(oracleType string) {
	m.daErrors.WithLabelValues(oracleType).Inc()
}

func (m *Metrics) RecordSubmission(channel string, outcome string) {
	m.submissions.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) RecordBundleStage(stage string) {
	m.bundleEvs.Record(stage)
}

func (m *Metrics) RecordReorg(depth uint64) {
	m.reorgDepth.Observe(float64(depth))
}

func (m *Metrics) RecordHistorySize(entries int) {
	m.historySize.Set(float64(entries))
}
