package cycle

import (
	"time"

	"github.com/aristath/catalyst-engine/internal/domain"
)

// CurrentSession classifies now (in the given exchange location) into a
// market session per spec.md §6: pre-market 04:00-09:30; regular
// 09:30-16:00; after-hours 16:00-20:00; closed otherwise; weekends fully
// closed.
func CurrentSession(now time.Time, loc *time.Location) domain.MarketSession {
	local := now.In(loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return domain.SessionClosed
	}

	minutesSinceMidnight := local.Hour()*60 + local.Minute()
	switch {
	case minutesSinceMidnight >= 4*60 && minutesSinceMidnight < 9*60+30:
		return domain.SessionPreMarket
	case minutesSinceMidnight >= 9*60+30 && minutesSinceMidnight < 16*60:
		return domain.SessionRegular
	case minutesSinceMidnight >= 16*60 && minutesSinceMidnight < 20*60:
		return domain.SessionAfterHours
	default:
		return domain.SessionClosed
	}
}
