package store_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/vitals/models"
	"github.com/alwitt/vitals/store"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// dailyWeightEntries build one entry per day starting at a date, one weight each
func dailyWeightEntries(startDate time.Time, weights []float64) []models.Entry {
	entries := make([]models.Entry, 0, len(weights))
	for idx, weight := range weights {
		value := weight
		date := startDate.AddDate(0, 0, idx)
		entries = append(entries, models.Entry{
			ID:         uuid.NewString(),
			MeasuredAt: date.Add(time.Hour * 8),
			DateLocal:  date.Format("2006-01-02"),
			WeightKG:   &value,
		})
	}
	return entries
}

func TestWeeklyBuckets(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Sunday 2026-03-01 opens week one; fourteen daily entries span two weeks
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(time.Sunday, start.Weekday())

	weights := []float64{
		82.0, 81.8, 81.6, 81.4, 81.2, 81.0, 80.8,
		80.6, 80.4, 80.2, 80.0, 79.8, 79.6, 79.4,
	}
	entries := dailyWeightEntries(start, weights)

	// Evaluated from within week three, both prior weeks are completed
	now := start.AddDate(0, 0, 15)
	buckets := store.WeeklyBuckets(entries, now)
	assert.Len(buckets, 2)

	assert.Equal(start, buckets[0].WeekStart)
	assert.Equal(7, buckets[0].EntryCount)
	assert.True(buckets[0].Completed)
	assert.InDelta(81.4, *buckets[0].AvgWeightKG, 0.0001)
	assert.Nil(buckets[0].AvgWaistCM)

	assert.Equal(start.AddDate(0, 0, 7), buckets[1].WeekStart)
	assert.True(buckets[1].Completed)
	assert.InDelta(80.0, *buckets[1].AvgWeightKG, 0.0001)

	delta := store.WeekOverWeekWeightDelta(buckets)
	assert.NotNil(delta)
	assert.InDelta(-1.4, *delta, 0.0001)

	// Evaluated from inside week two, week two is incomplete and excluded
	buckets = store.WeeklyBuckets(entries, start.AddDate(0, 0, 8))
	assert.Len(buckets, 2)
	assert.True(buckets[0].Completed)
	assert.False(buckets[1].Completed)
	assert.Nil(store.WeekOverWeekWeightDelta(buckets))
}

func TestWeeklyBucketsIgnoreTombstones(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	entries := dailyWeightEntries(start, []float64{82.0, 81.0})
	entries[1].IsDeleted = true

	buckets := store.WeeklyBuckets(entries, start.AddDate(0, 0, 10))
	assert.Len(buckets, 1)
	assert.Equal(1, buckets[0].EntryCount)
	assert.InDelta(82.0, *buckets[0].AvgWeightKG, 0.0001)
}

// TestBestInWindowDecreasingRun verifies the sliding window best marker against
// a strictly decreasing twelve day run.
//
//  1. With the full run present, only the most recent entry is best; every
//     earlier entry is beaten by a newer low inside its window.
//  2. Truncating the run at day ten makes day ten's value the best, showing the
//     marker is superseded as newer lows arrive.
func TestBestInWindowDecreasingRun(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	weights := []float64{180, 179, 178, 177, 176, 175, 174, 173, 172, 171, 170, 169}
	entries := dailyWeightEntries(start, weights)

	// 1. Full run: only day twelve carries the marker
	best := store.MarkBestInWindow(entries, store.GoalLoseWeight)
	assert.Len(best, 1)
	assert.True(best[entries[11].ID])
	for idx := 0; idx < 11; idx++ {
		assert.False(best[entries[idx].ID], fmt.Sprintf("day %d should not be best", idx+1))
	}

	// 2. Before days eleven and twelve existed, day ten was the best
	best = store.MarkBestInWindow(entries[:10], store.GoalLoseWeight)
	assert.Len(best, 1)
	assert.True(best[entries[9].ID])
}

func TestBestInWindowDirectionAndTies(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// 1. Gain direction flips the comparison
	entries := dailyWeightEntries(start, []float64{70.0, 71.0, 72.0})
	best := store.MarkBestInWindow(entries, store.GoalGainWeight)
	assert.Len(best, 1)
	assert.True(best[entries[2].ID])

	// 2. Values within the tie tolerance share the marker
	entries = dailyWeightEntries(start, []float64{180.0, 180.00005})
	best = store.MarkBestInWindow(entries, store.GoalLoseWeight)
	assert.Len(best, 2)

	// 3. Entries beyond the ten day window do not interact
	entries = dailyWeightEntries(start, []float64{170.0})
	farLater := dailyWeightEntries(start.AddDate(0, 0, 20), []float64{175.0})
	combined := append(entries, farLater...)
	best = store.MarkBestInWindow(combined, store.GoalLoseWeight)
	assert.Len(best, 2)
}

func TestBestInWindowSkipsUnweighted(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	entries := dailyWeightEntries(start, []float64{180.0, 179.0})
	entries = append(entries, models.Entry{
		ID:         uuid.NewString(),
		MeasuredAt: start.AddDate(0, 0, 2),
		DateLocal:  start.AddDate(0, 0, 2).Format("2006-01-02"),
	})

	best := store.MarkBestInWindow(entries, store.GoalLoseWeight)
	assert.Len(best, 1)
	assert.True(best[entries[1].ID])
}
