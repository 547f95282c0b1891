package engine

import (
	"fmt"
	"sort"
	"time"
)

// TimeIndex is the shared, ascending timeline of every bid and ask
// observation across all symbols. Its cursor is the engine clock.
type TimeIndex struct {
	times     []time.Time
	step      time.Duration
	cursor    int
	exhausted bool
}

// NewTimeIndex unions the timestamps of every series in data.
func NewTimeIndex(data MarketData) (*TimeIndex, error) {
	symbols := make([]string, 0, len(data))
	for s := range data {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	sets := make([][]time.Time, 0, 2*len(symbols))
	for _, s := range symbols {
		sets = append(sets, data[s].Bid.timestamps(), data[s].Ask.timestamps())
	}
	times := mergeTimestamps(sets...)
	if len(times) == 0 {
		return nil, fmt.Errorf("%w: no market data observations", ErrInvalidConfig)
	}
	return &TimeIndex{times: times, step: detectStep(times), cursor: -1}, nil
}

func (ix *TimeIndex) Len() int            { return len(ix.times) }
func (ix *TimeIndex) First() time.Time    { return ix.times[0] }
func (ix *TimeIndex) Last() time.Time     { return ix.times[len(ix.times)-1] }
func (ix *TimeIndex) Step() time.Duration { return ix.step }
func (ix *TimeIndex) Positioned() bool    { return ix.cursor >= 0 }
func (ix *TimeIndex) Exhausted() bool     { return ix.exhausted }

// Cursor is the position in the index, -1 before positioning.
func (ix *TimeIndex) Cursor() int { return ix.cursor }

// Gaps lists the index entries followed by more than one step of silence.
func (ix *TimeIndex) Gaps() []time.Time { return detectGaps(ix.times, ix.step) }

// SetInitialIteration moves the cursor to the first entry at or after the
// first step-aligned time (counted from the index origin) that is not before
// start. The origin itself is iteration 0.
func (ix *TimeIndex) SetInitialIteration(start time.Time, step time.Duration) error {
	if step <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidStep, step)
	}
	if ix.exhausted {
		return ErrEndOfData
	}
	start = start.UTC()
	if start.Before(ix.First()) || start.After(ix.Last()) {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrOutOfRange,
			start.Format(time.RFC3339), ix.First().Format(time.RFC3339), ix.Last().Format(time.RFC3339))
	}

	elapsed := start.Sub(ix.First())
	steps := elapsed / step
	if elapsed%step != 0 {
		steps++
	}
	target := ix.First().Add(steps * step)
	pos := sort.Search(len(ix.times), func(i int) bool { return !ix.times[i].Before(target) })
	if pos == len(ix.times) {
		return fmt.Errorf("%w: no observation at or after %s", ErrOutOfRange, target.Format(time.RFC3339))
	}
	ix.cursor = pos
	ix.step = step
	return nil
}

// TimeNow is the timestamp under the cursor.
func (ix *TimeIndex) TimeNow() (time.Time, error) {
	if ix.cursor < 0 {
		return time.Time{}, ErrUnpositioned
	}
	return ix.times[ix.cursor], nil
}

// Iteration is the number of whole steps elapsed from the index origin to now.
func (ix *TimeIndex) Iteration() (int, error) {
	now, err := ix.TimeNow()
	if err != nil {
		return 0, err
	}
	if ix.step <= 0 {
		return ix.cursor, nil
	}
	return int(now.Sub(ix.First()) / ix.step), nil
}

// Advance moves to the next entry. An unpositioned index moves to its origin.
// Once the last entry has been passed it keeps returning ErrEndOfData.
func (ix *TimeIndex) Advance() (time.Time, error) {
	if ix.exhausted {
		return time.Time{}, ErrEndOfData
	}
	if ix.cursor+1 >= len(ix.times) {
		ix.exhausted = true
		return time.Time{}, ErrEndOfData
	}
	ix.cursor++
	return ix.times[ix.cursor], nil
}

// Remaining is the number of entries still ahead of the cursor.
func (ix *TimeIndex) Remaining() int {
	if ix.exhausted {
		return 0
	}
	return len(ix.times) - ix.cursor - 1
}
