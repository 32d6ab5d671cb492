package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oslo(t *testing.T) *time.Location {
	loc, err := time.LoadLocation("Europe/Oslo")
	require.NoError(t, err)
	return loc
}

func TestDateKey(t *testing.T) {
	loc := oslo(t)
	// 23:30 UTC on Jan 1 is 00:30 local on Jan 2 in Oslo (UTC+1)
	ts := time.Date(2025, 1, 1, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "2025-01-02", DateKey(ts, loc))
	assert.Equal(t, "2025-01-01", DateKey(ts, time.UTC))
}

func TestStartOfDay(t *testing.T) {
	loc := oslo(t)
	start, err := StartOfDay("2025-06-15", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, loc), start)
	assert.Equal(t, "2025-06-15", DateKey(start, loc))

	_, err = StartOfDay("not-a-date", loc)
	assert.Error(t, err)
}

func TestDayBucketsDST(t *testing.T) {
	loc := oslo(t)

	t.Run("regular day has 24", func(t *testing.T) {
		buckets := DayBuckets(time.Date(2025, 6, 15, 12, 0, 0, 0, loc), loc)
		assert.Len(t, buckets, 24)
	})

	t.Run("spring forward has 23", func(t *testing.T) {
		// 2025-03-30: 02:00 -> 03:00 CEST
		buckets := DayBuckets(time.Date(2025, 3, 30, 12, 0, 0, 0, loc), loc)
		assert.Len(t, buckets, 23)
	})

	t.Run("fall back has 25", func(t *testing.T) {
		// 2025-10-26: 03:00 -> 02:00 CET
		buckets := DayBuckets(time.Date(2025, 10, 26, 12, 0, 0, 0, loc), loc)
		assert.Len(t, buckets, 25)
	})

	t.Run("buckets are ordered and distinct", func(t *testing.T) {
		buckets := DayBuckets(time.Date(2025, 10, 26, 12, 0, 0, 0, loc), loc)
		for i := 1; i < len(buckets); i++ {
			assert.True(t, buckets[i].After(buckets[i-1]))
		}
	})
}

func TestNextDayStart(t *testing.T) {
	loc := oslo(t)

	t.Run("crossing the 25h day lands on local midnight", func(t *testing.T) {
		start, err := StartOfDay("2025-10-26", loc)
		require.NoError(t, err)
		next := NextDayStart(start, loc)
		assert.Equal(t, "2025-10-27", DateKey(next, loc))
		assert.Equal(t, 0, next.In(loc).Hour())
		assert.Equal(t, 25*time.Hour, next.Sub(start))
	})

	t.Run("evening input yields the very next day", func(t *testing.T) {
		for _, hour := range []int{22, 23} {
			ts := time.Date(2025, 6, 15, hour, 0, 0, 0, loc)
			next := NextDayStart(ts, loc)
			assert.Equal(t, "2025-06-16", DateKey(next, loc), "hour %d", hour)
			assert.Equal(t, 0, next.In(loc).Hour())
		}
	})

	t.Run("late evening before a spring-forward day", func(t *testing.T) {
		ts := time.Date(2025, 3, 29, 23, 30, 0, 0, loc)
		next := NextDayStart(ts, loc)
		assert.Equal(t, "2025-03-30", DateKey(next, loc))
	})
}

func TestTopOfHour(t *testing.T) {
	loc := oslo(t)
	ts := time.Date(2025, 6, 15, 13, 42, 17, 0, loc)
	assert.Equal(t, time.Date(2025, 6, 15, 13, 0, 0, 0, loc), TopOfHour(ts, loc))
}

func TestBucketKey(t *testing.T) {
	ts := time.Date(2025, 6, 15, 13, 42, 0, 0, time.UTC)
	assert.Equal(t, "2025-06-15T13:00:00Z", BucketKey(ts))
}

func TestWeekdayHourKey(t *testing.T) {
	loc := oslo(t)
	// 2025-06-15 is a Sunday
	ts := time.Date(2025, 6, 15, 7, 30, 0, 0, loc)
	assert.Equal(t, "0_07", WeekdayHourKey(ts, loc))
}

func TestLocationFallback(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, time.UTC, Location(ctx, ""))
	assert.Equal(t, time.UTC, Location(ctx, "Not/AZone"))
	loc := Location(ctx, "Europe/Oslo")
	assert.Equal(t, "Europe/Oslo", loc.String())
}
