package fees

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/chaincfg"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/metrics"
	"github.com/mantlenetworkio/mantle-bundler/op-service/testlog"
)

type fakeSource struct {
	mu        sync.Mutex
	suggested *big.Int
	ratio     float64
	err       error
	calls     int
}

func (f *fakeSource) SuggestPriorityFee(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.suggested), nil
}

func (f *fakeSource) UsageRatio(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.ratio, nil
}

func (f *fakeSource) set(suggested int64, ratio float64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suggested = big.NewInt(suggested)
	f.ratio = ratio
	f.err = err
}

func testSpec(kind chaincfg.PriorityFeeOracleType) *chaincfg.ChainSpec {
	spec := chaincfg.Default()
	spec.ID = 10
	spec.PriorityFeeOracleType = kind
	spec.MinMaxPriorityFeePerGas = 100
	spec.MaxMaxPriorityFeePerGas = 10_000
	spec.CongestionTriggerUsageRatioThreshold = 0.5
	return &spec
}

func TestProviderStrategyClamps(t *testing.T) {
	src := &fakeSource{}
	s, err := NewStrategy(chaincfg.PriorityFeeOracleProvider, src)
	require.NoError(t, err)
	spec := testSpec(chaincfg.PriorityFeeOracleProvider)

	for _, tc := range []struct {
		suggested int64
		want      int64
	}{
		{suggested: 5, want: 100},
		{suggested: 500, want: 500},
		{suggested: 50_000, want: 10_000},
	} {
		src.set(tc.suggested, 0, nil)
		fee, err := s.Quote(context.Background(), spec)
		require.NoError(t, err)
		require.Equal(t, tc.want, fee.Int64())
	}
}

func TestUsageBasedStrategy(t *testing.T) {
	src := &fakeSource{}
	s, err := NewStrategy(chaincfg.PriorityFeeOracleUsageBased, src)
	require.NoError(t, err)
	spec := testSpec(chaincfg.PriorityFeeOracleUsageBased)

	t.Run("below threshold pays the minimum", func(t *testing.T) {
		src.set(1000, 0.2, nil)
		fee, err := s.Quote(context.Background(), spec)
		require.NoError(t, err)
		require.Equal(t, int64(100), fee.Int64())
	})
	t.Run("at threshold pays the suggestion", func(t *testing.T) {
		src.set(1000, 0.5, nil)
		fee, err := s.Quote(context.Background(), spec)
		require.NoError(t, err)
		require.Equal(t, int64(1000), fee.Int64())
	})
	t.Run("full blocks double the suggestion", func(t *testing.T) {
		src.set(1000, 1, nil)
		fee, err := s.Quote(context.Background(), spec)
		require.NoError(t, err)
		require.Equal(t, int64(2000), fee.Int64())
	})
	t.Run("escalation is clamped", func(t *testing.T) {
		src.set(8000, 1, nil)
		fee, err := s.Quote(context.Background(), spec)
		require.NoError(t, err)
		require.Equal(t, int64(10_000), fee.Int64())
	})
	t.Run("monotonic in usage", func(t *testing.T) {
		prev := big.NewInt(0)
		for ratio := 0.0; ratio <= 1.0; ratio += 0.05 {
			src.set(1000, ratio, nil)
			fee, err := s.Quote(context.Background(), spec)
			require.NoError(t, err)
			require.GreaterOrEqual(t, fee.Cmp(prev), 0, "ratio %v", ratio)
			prev = fee
		}
	})
	t.Run("source failure", func(t *testing.T) {
		src.set(1000, 1, errors.New("boom"))
		_, err := s.Quote(context.Background(), spec)
		require.ErrorIs(t, err, ErrFeeUnavailable)
	})
}

func TestUnknownStrategy(t *testing.T) {
	_, err := NewStrategy("BIDDING_WAR", &fakeSource{})
	require.Error(t, err)
}

func newTestOracle(t *testing.T, src FeeSource, now *time.Time) (*Oracle, *metrics.TestMetrics) {
	m := metrics.NewTestMetrics()
	o := NewOracle(testlog.Logger(t, log.LevelDebug), m, src, OracleConfig{
		Timeout:      time.Second,
		TTL:          10 * time.Second,
		MaxStaleness: 30 * time.Second,
	}).WithClock(func() time.Time { return *now })
	return o, m
}

func TestOracleCachesPerBlock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &fakeSource{}
	src.set(500, 0, nil)
	o, _ := newTestOracle(t, src, &now)
	spec := testSpec(chaincfg.PriorityFeeOracleProvider)

	q, err := o.Quote(context.Background(), spec, 7)
	require.NoError(t, err)
	require.Equal(t, int64(500), q.PriorityFee.Int64())
	require.Equal(t, uint64(7), q.BlockNumber)
	require.Equal(t, int64(100), q.Min.Int64())
	require.Equal(t, int64(10_000), q.Max.Int64())

	src.set(900, 0, nil)
	q, err = o.Quote(context.Background(), spec, 7)
	require.NoError(t, err)
	require.Equal(t, int64(500), q.PriorityFee.Int64(), "same block reuses the quote")
	require.Equal(t, 1, src.calls)

	q, err = o.Quote(context.Background(), spec, 8)
	require.NoError(t, err)
	require.Equal(t, int64(900), q.PriorityFee.Int64(), "new block requotes")

	now = now.Add(11 * time.Second)
	src.set(700, 0, nil)
	q, err = o.Quote(context.Background(), spec, 8)
	require.NoError(t, err)
	require.Equal(t, int64(700), q.PriorityFee.Int64(), "expired quote requotes")
}

func TestOracleFallsBackToLastKnownGood(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &fakeSource{}
	src.set(500, 0, nil)
	o, m := newTestOracle(t, src, &now)
	spec := testSpec(chaincfg.PriorityFeeOracleProvider)

	_, err := o.Quote(context.Background(), spec, 1)
	require.NoError(t, err)

	src.set(0, 0, errors.New("rpc down"))
	now = now.Add(20 * time.Second)
	q, err := o.Quote(context.Background(), spec, 2)
	require.NoError(t, err)
	require.Equal(t, int64(500), q.PriorityFee.Int64())
	require.Equal(t, uint64(1), q.BlockNumber)
	require.Equal(t, 1, m.Fallbacks)

	now = now.Add(20 * time.Second)
	_, err = o.Quote(context.Background(), spec, 3)
	require.ErrorIs(t, err, ErrFeeUnavailable)
}

func TestOracleNoQuoteWithoutHistory(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &fakeSource{}
	src.set(0, 0, errors.New("rpc down"))
	o, _ := newTestOracle(t, src, &now)

	_, err := o.Quote(context.Background(), testSpec(chaincfg.PriorityFeeOracleProvider), 1)
	require.ErrorIs(t, err, ErrFeeUnavailable)
	_, ok := o.LastKnownGood()
	require.False(t, ok)
}

func TestOracleFollowsSpecStrategy(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &fakeSource{}
	src.set(1000, 0.1, nil)
	o, _ := newTestOracle(t, src, &now)

	q, err := o.Quote(context.Background(), testSpec(chaincfg.PriorityFeeOracleProvider), 1)
	require.NoError(t, err)
	require.Equal(t, int64(1000), q.PriorityFee.Int64())

	q, err = o.Quote(context.Background(), testSpec(chaincfg.PriorityFeeOracleUsageBased), 1)
	require.NoError(t, err)
	require.Equal(t, chaincfg.PriorityFeeOracleUsageBased, q.Strategy)
	require.Equal(t, int64(100), q.PriorityFee.Int64())
}

func TestQuoteFresh(t *testing.T) {
	now := time.Unix(100, 0)
	q := Quote{PriorityFee: big.NewInt(1), BlockNumber: 5, ObservedAt: now}
	require.True(t, q.Fresh(now.Add(time.Second), 5, 2*time.Second))
	require.False(t, q.Fresh(now.Add(3*time.Second), 5, 2*time.Second))
	require.False(t, q.Fresh(now, 6, 2*time.Second))
	require.False(t, Quote{}.Fresh(now, 0, time.Hour))
}
