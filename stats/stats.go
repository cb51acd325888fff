// Package stats derives per-sender rankings from a message snapshot over a
// fixed lookback window. Everything here is a pure function of
// (snapshot, range, evaluation instant); the input is never mutated and no
// state is kept, so it is safe to call concurrently with window updates.
package stats

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/subtalk/talklog/backend/store"
)

// Range selects the lookback window for an aggregation.
type Range string

const (
	RangeDay   Range = "day"
	RangeWeek  Range = "week"
	RangeMonth Range = "month"
	RangeYear  Range = "year"
)

// ParseRange validates a range string, defaulting empty to day.
func ParseRange(s string) (Range, error) {
	switch Range(s) {
	case RangeDay, RangeWeek, RangeMonth, RangeYear:
		return Range(s), nil
	case "":
		return RangeDay, nil
	default:
		return "", fmt.Errorf("invalid range %q (want day, week, month, or year)", s)
	}
}

// Lookback returns the fixed duration the range maps to.
func (r Range) Lookback() time.Duration {
	switch r {
	case RangeWeek:
		return 7 * 24 * time.Hour
	case RangeMonth:
		return 30 * 24 * time.Hour
	case RangeYear:
		return 365 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// SenderStat is one ranked row: message count and share for a sender.
type SenderStat struct {
	Sender     string  `json:"sender"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Report is the aggregation result for one (snapshot, range, instant).
type Report struct {
	Range Range `json:"range"`
	// Senders is ranked by count descending; ties break by sender name
	// ascending so the ordering is deterministic.
	Senders []SenderStat `json:"senders"`
	// Total is the number of messages in range.
	Total int `json:"total"`
	// ActiveSenders is the number of distinct senders in range.
	ActiveSenders int `json:"active_senders"`
	// MeanPerSender is Total/ActiveSenders rounded to the nearest integer.
	MeanPerSender int `json:"mean_per_sender"`
}

// Compute filters the snapshot to messages created at or after now minus the
// range's lookback, groups by sender (missing senders under the sentinel),
// and ranks by count. Percentages are count/total*100, all zero when the
// filtered set is empty.
func Compute(snapshot []store.Message, rng Range, now time.Time) Report {
	cutoff := now.Add(-rng.Lookback())

	counts := make(map[string]int)
	total := 0
	for _, m := range snapshot {
		if m.CreatedAt.Before(cutoff) {
			continue
		}
		counts[m.DisplaySender()]++
		total++
	}

	senders := make([]SenderStat, 0, len(counts))
	for sender, count := range counts {
		pct := 0.0
		if total > 0 {
			pct = float64(count) / float64(total) * 100
		}
		senders = append(senders, SenderStat{Sender: sender, Count: count, Percentage: pct})
	}
	sort.Slice(senders, func(i, j int) bool {
		if senders[i].Count != senders[j].Count {
			return senders[i].Count > senders[j].Count
		}
		return senders[i].Sender < senders[j].Sender
	})

	mean := 0
	if len(senders) > 0 {
		mean = int(math.Round(float64(total) / float64(len(senders))))
	}
	return Report{
		Range:         rng,
		Senders:       senders,
		Total:         total,
		ActiveSenders: len(senders),
		MeanPerSender: mean,
	}
}

// Top returns the first k ranked senders without mutating the full list.
// k <= 0 or k beyond the list returns everything.
func (r Report) Top(k int) []SenderStat {
	if k <= 0 || k >= len(r.Senders) {
		return r.Senders
	}
	return r.Senders[:k]
}
