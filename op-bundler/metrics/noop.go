package metrics

import (
	"math/big"

	opmetrics "github.com/mantlenetworkio/mantle-bundler/op-service/metrics"
)

type noopMetrics struct {
	opmetrics.NoopRefMetrics
}

var NoopMetrics Metricer = new(noopMetrics)

func (*noopMetrics) Document() []opmetrics.DocumentedMetric { return nil }

func (*noopMetrics) RecordInfo(version string) {}
func (*noopMetrics) RecordUp()                 {}

func (*noopMetrics) RecordSchedulerState(string)          {}
func (*noopMetrics) RecordCycle(string)                   {}
func (*noopMetrics) RecordBundleBuilt(int, uint64, uint64, uint64) {}
func (*noopMetrics) RecordCandidateSkipped(string)        {}
func (*noopMetrics) RecordCandidateRejected(string)       {}
func (*noopMetrics) RecordPoolSize(int, int)              {}

func (*noopMetrics) RecordFeeQuote(string, *big.Int) {}
func (*noopMetrics) RecordFeeFallback()              {}
func (*noopMetrics) RecordDAOracleError(string)      {}

func (*noopMetrics) RecordSubmission(string, string) {}
func (*noopMetrics) RecordBundleStage(string)        {}
func (*noopMetrics) RecordReorg(uint64)              {}
func (*noopMetrics) RecordHistorySize(int)           {}
