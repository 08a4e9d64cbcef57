package store

import (
	"sort"
	"time"

	"github.com/alwitt/vitals/models"
)

// GoalDirection which direction a weight trend is aiming
type GoalDirection string

const (
	// GoalLoseWeight lower weight is better
	GoalLoseWeight GoalDirection = "lose"
	// GoalGainWeight higher weight is better
	GoalGainWeight GoalDirection = "gain"
)

const (
	// bestInWindowDays inclusive day span of the best-in-window scan
	bestInWindowDays = 10
	// weightTieTolerance weight deltas below this count as a tie
	weightTieTolerance = 0.0001
)

// WeekBucket aggregate of one local calendar week of entries
type WeekBucket struct {
	// WeekStart the Sunday midnight local date opening the week
	WeekStart time.Time
	// AvgWeightKG unweighted mean weight of contributing entries
	AvgWeightKG *float64
	// AvgWaistCM unweighted mean waist of contributing entries
	AvgWaistCM *float64
	// EntryCount number of entries in the bucket
	EntryCount int
	// Completed whether the week closed before the current week started
	Completed bool
}

// localDate parse an entry's `date_local` string
func localDate(dateLocal string) (time.Time, bool) {
	parsed, err := time.Parse("2006-01-02", dateLocal)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// weekStartOf the Sunday opening the week containing a date
func weekStartOf(date time.Time) time.Time {
	return date.AddDate(0, 0, -int(date.Weekday()))
}

/*
WeeklyBuckets bucket entries by local calendar week

Weeks start Sunday midnight local. A week counts as completed once its start
date is strictly before the current week's start date; only completed weeks
should feed week-over-week deltas.

	@param entries []models.Entry - live entries in any order
	@param now time.Time - the evaluation instant, in the user's local zone
	@returns buckets ordered oldest week first
*/
func WeeklyBuckets(entries []models.Entry, now time.Time) []WeekBucket {
	type accumulator struct {
		weightSum   float64
		weightCount int
		waistSum    float64
		waistCount  int
		entries     int
	}

	byWeek := map[time.Time]*accumulator{}
	for _, entry := range entries {
		if entry.IsDeleted {
			continue
		}
		date, ok := localDate(entry.DateLocal)
		if !ok {
			continue
		}
		week := weekStartOf(date)
		acc, exists := byWeek[week]
		if !exists {
			acc = &accumulator{}
			byWeek[week] = acc
		}
		acc.entries++
		if entry.WeightKG != nil {
			acc.weightSum += *entry.WeightKG
			acc.weightCount++
		}
		if entry.WaistCM != nil {
			acc.waistSum += *entry.WaistCM
			acc.waistCount++
		}
	}

	currentWeek := weekStartOf(
		time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
	)

	buckets := make([]WeekBucket, 0, len(byWeek))
	for week, acc := range byWeek {
		bucket := WeekBucket{
			WeekStart:  week,
			EntryCount: acc.entries,
			Completed:  week.Before(currentWeek),
		}
		if acc.weightCount > 0 {
			mean := acc.weightSum / float64(acc.weightCount)
			bucket.AvgWeightKG = &mean
		}
		if acc.waistCount > 0 {
			mean := acc.waistSum / float64(acc.waistCount)
			bucket.AvgWaistCM = &mean
		}
		buckets = append(buckets, bucket)
	}

	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].WeekStart.Before(buckets[j].WeekStart)
	})
	return buckets
}

/*
WeekOverWeekWeightDelta change in average weight between the last two completed weeks

	@param buckets []WeekBucket - weekly buckets ordered oldest first
	@returns the delta, or nil when fewer than two completed weeks carry weight data
*/
func WeekOverWeekWeightDelta(buckets []WeekBucket) *float64 {
	var prior, latest *float64
	for _, bucket := range buckets {
		if !bucket.Completed || bucket.AvgWeightKG == nil {
			continue
		}
		prior = latest
		latest = bucket.AvgWeightKG
	}
	if prior == nil || latest == nil {
		return nil
	}
	delta := *latest - *prior
	return &delta
}

/*
MarkBestInWindow label entries which are a local optimum of their sliding window

For each entry carrying a weight, every other weighted entry dated within nine
days of it is examined; the entry is best when none of them beats it in the
goal direction. Later entries participate so a new low dethrones the previous
best once its window reaches back far enough. Ties within 0.0001 kg do not
dethrone the candidate. Evaluated per entry over the full history since the
label is anchored to each entry's own date.

	@param entries []models.Entry - live entries in any order
	@param direction GoalDirection - minimize for loss, maximize for gain
	@returns set of entry IDs which are best in their window
*/
func MarkBestInWindow(entries []models.Entry, direction GoalDirection) map[string]bool {
	type weighted struct {
		id     string
		date   time.Time
		weight float64
	}

	candidates := make([]weighted, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDeleted || entry.WeightKG == nil {
			continue
		}
		date, ok := localDate(entry.DateLocal)
		if !ok {
			continue
		}
		candidates = append(candidates, weighted{id: entry.ID, date: date, weight: *entry.WeightKG})
	}

	best := map[string]bool{}
	for _, candidate := range candidates {
		windowOpen := candidate.date.AddDate(0, 0, -(bestInWindowDays - 1))
		windowClose := candidate.date.AddDate(0, 0, bestInWindowDays-1)
		beaten := false
		for _, other := range candidates {
			if other.id == candidate.id {
				continue
			}
			if other.date.Before(windowOpen) || other.date.After(windowClose) {
				continue
			}
			if beatsInDirection(other.weight, candidate.weight, direction) {
				beaten = true
				break
			}
		}
		if !beaten {
			best[candidate.id] = true
		}
	}
	return best
}

// beatsInDirection whether challenger strictly beats candidate, outside tie tolerance
func beatsInDirection(challenger, candidate float64, direction GoalDirection) bool {
	switch direction {
	case GoalGainWeight:
		return challenger > candidate+weightTieTolerance
	default:
		return challenger < candidate-weightTieTolerance
	}
}
