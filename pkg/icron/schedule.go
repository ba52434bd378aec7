package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type TriggerInfo struct {
	Expression string
	Next       time.Time
	Last       time.Time

	TimeSinceLast time.Duration
	TimeUntilNext time.Duration
}

// Parse accepts standard five-field expressions and descriptors such as "@daily".
func Parse(cronExpr string) (cron.Schedule, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return schedule, nil
}

// GetTriggerInfo returns the trigger times around refTime. Last is searched
// backwards in growing windows up to one year and stays zero when not found.
func GetTriggerInfo(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := Parse(cronExpr)
	if err != nil {
		return nil, err
	}

	info := &TriggerInfo{
		Expression: cronExpr,
		Next:       schedule.Next(refTime),
	}
	info.TimeUntilNext = info.Next.Sub(refTime)

	for window := time.Hour; window <= 366*24*time.Hour; window *= 2 {
		var last time.Time
		for t := schedule.Next(refTime.Add(-window)); !t.IsZero() && !t.After(refTime); t = schedule.Next(t) {
			last = t
		}
		if !last.IsZero() {
			info.Last = last
			info.TimeSinceLast = refTime.Sub(last)
			break
		}
	}

	return info, nil
}
