// Package clock holds the pure time helpers for time-zone-correct date keys
// and hourly buckets. DST days have 23 or 25 buckets; nothing here assumes 24.
package clock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/effektvakt/effektvakt/pkg/log"
)

// DateKeyLayout is the local-day key format.
const DateKeyLayout = "2006-01-02"

var warnedZones sync.Map

// Location resolves an IANA zone name, falling back to UTC with a one-shot
// warning per distinct zone string.
func Location(ctx context.Context, name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		if _, warned := warnedZones.LoadOrStore(name, true); !warned {
			log.Ctx(ctx).WarnContext(ctx, "unknown time zone, falling back to UTC",
				slog.String("zone", log.Sanitize(name)),
				slog.Any("error", err),
			)
		}
		return time.UTC
	}
	return loc
}

// DateKey returns the YYYY-MM-DD key of t's local date in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateKeyLayout)
}

// StartOfDay returns the first instant of the given date key in loc. On a
// DST spring-forward day whose midnight does not exist, the first existing
// instant after it is returned.
func StartOfDay(dateKey string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(DateKeyLayout, dateKey, loc)
	if err != nil {
		return time.Time{}, err
	}
	// time.Date normalizes a nonexistent midnight forward already, but if the
	// normalized instant landed on the previous local day, fall forward hour
	// by hour until the date key matches.
	for DateKey(d, loc) != dateKey {
		d = d.Add(time.Hour)
	}
	return d, nil
}

// NextDayStart returns the first instant of the local day after t. Adding 26
// hours to the day start and re-deriving survives 23 and 25 hour days; adding
// from t itself would skip a day for evening inputs.
func NextDayStart(t time.Time, loc *time.Location) time.Time {
	start, err := StartOfDay(DateKey(t, loc), loc)
	if err != nil {
		start = t.In(loc).Truncate(time.Hour)
	}
	next := start.Add(26 * time.Hour)
	out, err := StartOfDay(DateKey(next, loc), loc)
	if err != nil {
		// DateKey output always parses; keep a defined result anyway.
		return next.Truncate(time.Hour)
	}
	return out
}

// TopOfHour returns the start of the clock hour containing t, in loc.
func TopOfHour(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, loc)
}

// DayBuckets returns the hourly bucket starts of the local day containing t,
// in order. The result has 23-25 entries depending on DST.
func DayBuckets(t time.Time, loc *time.Location) []time.Time {
	key := DateKey(t, loc)
	start, err := StartOfDay(key, loc)
	if err != nil {
		start = t.In(loc).Truncate(time.Hour)
	}
	end := NextDayStart(start, loc)

	buckets := make([]time.Time, 0, 25)
	for cur := start; cur.Before(end); cur = cur.Add(time.Hour) {
		buckets = append(buckets, cur)
	}
	return buckets
}

// BucketKey is the canonical map key for an hour bucket: the RFC3339 UTC
// top-of-hour.
func BucketKey(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format(time.RFC3339)
}

// WeekdayHourKey keys the usage profile by local weekday and hour, Sunday=0.
func WeekdayHourKey(t time.Time, loc *time.Location) string {
	lt := t.In(loc)
	return fmt.Sprintf("%d_%02d", int(lt.Weekday()), lt.Hour())
}
