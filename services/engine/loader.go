package engine

import (
	"sort"
	"time"
)

// dedupBars collapses equal timestamps in sorted bars, keeping the last.
func dedupBars(bars []Bar) []Bar {
	if len(bars) < 2 {
		return bars
	}
	uniq := bars[:1]
	for _, b := range bars[1:] {
		if b.Timestamp.Equal(uniq[len(uniq)-1].Timestamp) {
			uniq[len(uniq)-1] = b
			continue
		}
		uniq = append(uniq, b)
	}
	return uniq
}

// mergeTimestamps unions sorted timestamp slices into one ascending slice
// without duplicates.
func mergeTimestamps(sets ...[]time.Time) []time.Time {
	seen := make(map[int64]struct{})
	var out []time.Time
	for _, set := range sets {
		for _, t := range set {
			k := t.UnixNano()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, t)
		}
	}
	sortTimes(out)
	return out
}

func sortTimes(ts []time.Time) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
}

// detectStep returns the most common delta between consecutive timestamps.
// Ties go to the smaller delta so the result does not depend on map order.
func detectStep(ts []time.Time) time.Duration {
	counts := make(map[time.Duration]int)
	for i := 1; i < len(ts); i++ {
		if d := ts[i].Sub(ts[i-1]); d > 0 {
			counts[d]++
		}
	}
	var best time.Duration
	bestCount := 0
	for d, c := range counts {
		if c > bestCount || (c == bestCount && d < best) {
			best, bestCount = d, c
		}
	}
	return best
}

// detectGaps returns the timestamps after which more than one step is missing.
func detectGaps(ts []time.Time, step time.Duration) []time.Time {
	if step <= 0 {
		return nil
	}
	var gaps []time.Time
	for i := 1; i < len(ts); i++ {
		if ts[i].Sub(ts[i-1]) > step {
			gaps = append(gaps, ts[i-1])
		}
	}
	return gaps
}
