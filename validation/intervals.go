package validation

import (
	"sort"
	"time"
)

// DateRange is one entitlement validity window, inclusive on both ends,
// at calendar-day granularity.
type DateRange struct {
	Start time.Time
	End   time.Time
}

func (r DateRange) normalized() DateRange {
	return DateRange{Start: dateOnly(r.Start), End: dateOnly(r.End)}
}

func (r DateRange) equal(other DateRange) bool {
	return r.Start.Equal(other.Start) && r.End.Equal(other.End)
}

// Intersects reports inclusive interval intersection:
// a.Start <= b.End AND b.Start <= a.End.
func (r DateRange) Intersects(other DateRange) bool {
	a := r.normalized()
	b := other.normalized()
	return !a.Start.After(b.End) && !b.Start.After(a.End)
}

func (r DateRange) Format() string {
	return r.Start.Format("2006-01-02") + ".." + r.End.Format("2006-01-02")
}

// OverlapPair is one offending pair found by FindOverlaps.
type OverlapPair struct {
	ProductCode string
	A           DateRange
	B           DateRange
}

// Gap is one hole between consecutive date ranges of a product code.
type Gap struct {
	ProductCode string
	PreviousEnd time.Time
	NextStart   time.Time
}

// FindOverlaps returns every pair of ranges whose inclusive intervals
// intersect. Two identical ranges still count as an overlap; the check is
// symmetric and pairs are reported once per combination. Input is never
// mutated.
func FindOverlaps(productCode string, ranges []DateRange) []OverlapPair {
	var pairs []OverlapPair
	for i := 0; i < len(ranges); i++ {
		for j := i + 1; j < len(ranges); j++ {
			if ranges[i].Intersects(ranges[j]) {
				pairs = append(pairs, OverlapPair{
					ProductCode: productCode,
					A:           ranges[i].normalized(),
					B:           ranges[j].normalized(),
				})
			}
		}
	}
	return pairs
}

// FindGaps sorts the distinct ranges of a product code by start date and
// reports every consecutive pair where the next range does not start on or
// before the day after the previous range ends. A product code with fewer
// than two distinct ranges never has a gap.
func FindGaps(productCode string, ranges []DateRange) []Gap {
	distinct := distinctRanges(ranges)
	if len(distinct) < 2 {
		return nil
	}

	sort.Slice(distinct, func(i, j int) bool {
		if !distinct[i].Start.Equal(distinct[j].Start) {
			return distinct[i].Start.Before(distinct[j].Start)
		}
		return distinct[i].End.Before(distinct[j].End)
	})

	var gaps []Gap
	for i := 1; i < len(distinct); i++ {
		prev := distinct[i-1]
		next := distinct[i]
		if next.Start.After(prev.End.AddDate(0, 0, 1)) {
			gaps = append(gaps, Gap{
				ProductCode: productCode,
				PreviousEnd: prev.End,
				NextStart:   next.Start,
			})
		}
	}
	return gaps
}

func distinctRanges(ranges []DateRange) []DateRange {
	var out []DateRange
	for _, r := range ranges {
		n := r.normalized()
		seen := false
		for _, existing := range out {
			if existing.equal(n) {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, n)
		}
	}
	return out
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
