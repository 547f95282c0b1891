package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeIndexUnionsAllSeries(t *testing.T) {
	bid := []Bar{
		TickBar(origin, d("1")),
		TickBar(origin.Add(2*time.Minute), d("1")),
	}
	ask := []Bar{
		TickBar(origin.Add(time.Minute), d("1")),
		TickBar(origin.Add(2*time.Minute), d("1")),
	}
	sd, err := NewSymbolData(bid, ask)
	require.NoError(t, err)
	other, err := NewSymbolData(flatBars(origin.Add(3*time.Minute), 1, "2"), flatBars(origin.Add(3*time.Minute), 1, "2"))
	require.NoError(t, err)

	ix, err := NewTimeIndex(MarketData{"A": sd, "B": other})
	require.NoError(t, err)
	assert.Equal(t, 4, ix.Len())
	assert.Equal(t, time.Minute, ix.Step())
	assert.True(t, ix.First().Equal(origin))
	assert.True(t, ix.Last().Equal(origin.Add(3*time.Minute)))
	assert.False(t, ix.Positioned())
}

func TestTimeIndexAdvance(t *testing.T) {
	sd, err := NewSymbolData(flatBars(origin, 3, "1"), flatBars(origin, 3, "1"))
	require.NoError(t, err)
	ix, err := NewTimeIndex(MarketData{"A": sd})
	require.NoError(t, err)

	_, err = ix.TimeNow()
	require.ErrorIs(t, err, ErrUnpositioned)
	_, err = ix.Iteration()
	require.ErrorIs(t, err, ErrUnpositioned)

	for i := 0; i < 3; i++ {
		now, err := ix.Advance()
		require.NoError(t, err)
		assert.True(t, now.Equal(origin.Add(time.Duration(i)*time.Minute)))
		it, err := ix.Iteration()
		require.NoError(t, err)
		assert.Equal(t, i, it)
	}
	assert.Zero(t, ix.Remaining())

	_, err = ix.Advance()
	require.ErrorIs(t, err, ErrEndOfData)
	assert.True(t, ix.Exhausted())
	_, err = ix.Advance()
	require.ErrorIs(t, err, ErrEndOfData)
	require.ErrorIs(t, ix.SetInitialIteration(origin, time.Minute), ErrEndOfData)
}

func TestTimeIndexSetInitialIteration(t *testing.T) {
	sd, err := NewSymbolData(flatBars(origin, 2000, "1"), flatBars(origin, 2000, "1"))
	require.NoError(t, err)
	ix, err := NewTimeIndex(MarketData{"A": sd})
	require.NoError(t, err)

	require.NoError(t, ix.SetInitialIteration(day2, time.Minute))
	it, err := ix.Iteration()
	require.NoError(t, err)
	assert.Equal(t, 1440, it)
	assert.Equal(t, 1440, ix.Cursor())

	t.Run("aligns up to the next step", func(t *testing.T) {
		require.NoError(t, ix.SetInitialIteration(origin.Add(7*time.Minute+time.Second), 5*time.Minute))
		now, err := ix.TimeNow()
		require.NoError(t, err)
		assert.True(t, now.Equal(origin.Add(10*time.Minute)))
		it, err := ix.Iteration()
		require.NoError(t, err)
		assert.Equal(t, 2, it)
	})

	t.Run("out of range", func(t *testing.T) {
		require.ErrorIs(t, ix.SetInitialIteration(origin.Add(-time.Second), time.Minute), ErrOutOfRange)
		require.ErrorIs(t, ix.SetInitialIteration(origin.Add(2000*time.Minute), time.Minute), ErrOutOfRange)
		require.ErrorIs(t, ix.SetInitialIteration(origin, -time.Minute), ErrInvalidStep)
	})
}

func TestTimeIndexGapsAndStep(t *testing.T) {
	bars := flatBars(origin, 10, "1")
	bars = append(bars, TickBar(origin.Add(30*time.Minute), d("1")))
	sd, err := NewSymbolData(bars, bars)
	require.NoError(t, err)
	ix, err := NewTimeIndex(MarketData{"A": sd})
	require.NoError(t, err)

	assert.Equal(t, time.Minute, ix.Step())
	gaps := ix.Gaps()
	require.Len(t, gaps, 1)
	assert.True(t, gaps[0].Equal(origin.Add(9*time.Minute)))
}

func TestDetectStepTieGoesToSmaller(t *testing.T) {
	ts := []time.Time{origin, origin.Add(time.Minute), origin.Add(3 * time.Minute)}
	assert.Equal(t, time.Minute, detectStep(ts))
	assert.Zero(t, detectStep(ts[:1]))
}

func TestNewTimeIndexEmpty(t *testing.T) {
	_, err := NewTimeIndex(MarketData{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSeriesDedupAndLatest(t *testing.T) {
	s, err := NewSeries([]Bar{
		TickBar(origin.Add(time.Minute), d("2")),
		TickBar(origin, d("1")),
		TickBar(origin.Add(time.Minute), d("3")),
	})
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	b, ok := s.Latest(origin.Add(90 * time.Second))
	require.True(t, ok)
	assert.True(t, b.Close.Equal(d("3")))

	_, ok = s.Latest(origin.Add(-time.Second))
	assert.False(t, ok)

	_, err = NewSeries([]Bar{{Timestamp: origin, Open: d("1"), High: d("1"), Low: d("2"), Close: d("1")}})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestQuoteFreshness(t *testing.T) {
	sd, err := NewSymbolData(flatBars(origin, 2, "1.0"), flatBars(origin, 1, "1.1"))
	require.NoError(t, err)

	q, err := sd.QuoteAt("A", origin.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, q.BidFresh)
	assert.False(t, q.AskFresh)

	_, err = sd.QuoteAt("A", origin.Add(-time.Minute))
	require.ErrorIs(t, err, ErrNoMarket)
}
