package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-guard/internal/ratehistory"
	"yield-guard/internal/source"
)

var vault = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type stubReader struct {
	rate    string
	balance uint64
	err     error
	delay   time.Duration
}

func (s stubReader) Read(ctx context.Context, _ common.Address) (source.Reading, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return source.Reading{}, s.err
	}
	return source.Reading{Rate: decimal.RequireFromString(s.rate), Balance: *uint256.NewInt(s.balance)}, nil
}

type stubFallback struct {
	mu    sync.Mutex
	rates map[string]decimal.Decimal
	err   error
	asked [][]string
}

func (s *stubFallback) CurrentRates(_ context.Context, ids []string) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append(s.asked, ids)
	if s.err != nil {
		return nil, s.err
	}
	out := map[string]decimal.Decimal{}
	for _, id := range ids {
		if r, ok := s.rates[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func newHistory() *ratehistory.Store {
	return ratehistory.New(ratehistory.Options{}, zerolog.Nop())
}

func TestCollectAllPrimary(t *testing.T) {
	history := newHistory()
	agg := New([]source.Source{
		{ID: "aave", DisplayName: "Aave V3", Reader: stubReader{rate: "0.03", balance: 1000}},
		{ID: "comp", DisplayName: "Compound V3", Reader: stubReader{rate: "0.0525"}},
	}, nil, history, zerolog.Nop())

	col := agg.Collect(context.Background(), vault)
	require.Len(t, col.Snapshots, 2)
	assert.Equal(t, DataPrimary, col.DataOrigin)
	assert.Equal(t, "aave", col.Snapshots[0].SourceID)
	assert.Equal(t, uint64(1000), col.Snapshots[0].HeldBalance.Uint64())
	assert.Equal(t, 1, history.Count("aave"))
	assert.Equal(t, 1, history.Count("comp"))
}

func TestCollectPartialFailureUsesFallback(t *testing.T) {
	history := newHistory()
	fb := &stubFallback{rates: map[string]decimal.Decimal{"comp": decimal.RequireFromString("0.041")}}
	agg := New([]source.Source{
		{ID: "aave", Reader: stubReader{rate: "0.03", balance: 5, delay: 20 * time.Millisecond}},
		{ID: "comp", Reader: stubReader{err: errors.New("rpc timeout")}},
	}, fb, history, zerolog.Nop())

	col := agg.Collect(context.Background(), vault)
	require.Len(t, col.Snapshots, 2)
	assert.Equal(t, DataMixed, col.DataOrigin)

	comp := col.Snapshots[1]
	assert.Equal(t, FromFallback, comp.Origin)
	assert.True(t, comp.AnnualRate.Equal(decimal.RequireFromString("0.041")))
	assert.True(t, comp.HeldBalance.IsZero(), "fallback never assumes a balance")
	assert.Equal(t, [][]string{{"comp"}}, fb.asked)

	latest, ok := history.Latest("comp")
	require.True(t, ok)
	assert.Equal(t, ratehistory.OriginFallback, latest.Origin)
}

func TestCollectFallsBackToLastKnown(t *testing.T) {
	history := newHistory()
	lastSeen := time.Now().Add(-10 * time.Minute).UTC()
	history.Record(ratehistory.Sample{SourceID: "aave", Rate: decimal.RequireFromString("0.028"), ObservedAt: lastSeen, Origin: ratehistory.OriginPrimary})

	fb := &stubFallback{err: errors.New("llama down")}
	agg := New([]source.Source{
		{ID: "aave", Reader: stubReader{err: errors.New("rpc down")}},
	}, fb, history, zerolog.Nop())

	col := agg.Collect(context.Background(), vault)
	require.Len(t, col.Snapshots, 1)
	snap := col.Snapshots[0]
	assert.Equal(t, FromLastKnown, snap.Origin)
	assert.True(t, snap.AnnualRate.Equal(decimal.RequireFromString("0.028")))
	assert.Equal(t, lastSeen, snap.ObservedAt)
	assert.Equal(t, DataFallback, col.DataOrigin)
	assert.Equal(t, 1, history.Count("aave"), "last known rate is not re-recorded")
}

func TestCollectMissingSource(t *testing.T) {
	agg := New([]source.Source{
		{ID: "aave", Reader: stubReader{rate: "0.03"}},
		{ID: "morpho", Reader: stubReader{err: source.ErrWarmingUp}},
	}, nil, newHistory(), zerolog.Nop())

	col := agg.Collect(context.Background(), vault)
	require.Len(t, col.Snapshots, 1)
	assert.Equal(t, []string{"morpho"}, col.Missing)
	assert.Equal(t, DataPrimary, col.DataOrigin)
}

func TestCollectNothingAvailable(t *testing.T) {
	agg := New([]source.Source{
		{ID: "aave", Reader: stubReader{err: errors.New("rpc down")}},
		{ID: "morpho", Reader: stubReader{err: source.ErrWarmingUp}},
	}, nil, newHistory(), zerolog.Nop())

	col := agg.Collect(context.Background(), vault)
	assert.Empty(t, col.Snapshots)
	assert.ElementsMatch(t, []string{"aave", "morpho"}, col.Missing)
	assert.Equal(t, DataNone, col.DataOrigin)
}
