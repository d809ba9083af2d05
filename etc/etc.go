package etc

import (
	"math"
	"time"

	"github.com/google/uuid"
)

func NewFreshID() string {
	return uuid.NewString()
}

func JulianDayToTime(f float64) time.Time {
	// Julian date starts at noon on January 1, 4713 BC
	const julianEpoch = 2440587.5 // Julian date for Unix epoch (January 1, 1970)

	unixTime := (f - julianEpoch) * 86400.0 // 86400 seconds in a day

	return time.Unix(
		int64(unixTime),
		int64((unixTime-math.Floor(unixTime))*1e9),
	)
}
