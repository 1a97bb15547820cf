package billing

import "time"

const periodLabelLayout = "2006-01-02"

// Window is the usage period an account is currently counted in.
type Window struct {
	Start time.Time
	End   time.Time
}

// Label identifies the usage counter of the window.
func (w Window) Label() string {
	return w.Start.UTC().Format(periodLabelLayout)
}

// TrialWindow returns a fresh one-month trial window starting at now.
func TrialWindow(now time.Time) Window {
	now = now.UTC().Truncate(time.Second)
	return Window{Start: now, End: now.AddDate(0, 1, 0)}
}

// CurrentWindow returns the usage window of rec at now. The stored window
// is rolled forward month by month once its reset date has passed, so
// counters roll over even when no sync has run since.
func CurrentWindow(rec *SubscriberRecord, now time.Time) Window {
	if rec == nil || rec.PeriodStart == nil {
		return TrialWindow(now)
	}

	w := Window{Start: rec.PeriodStart.UTC()}
	switch {
	case rec.NextResetDate != nil:
		w.End = rec.NextResetDate.UTC()
	case rec.PeriodEnd != nil:
		w.End = rec.PeriodEnd.UTC()
	default:
		w.End = w.Start.AddDate(0, 1, 0)
	}
	if !w.Start.Before(w.End) {
		w.End = w.Start.AddDate(0, 1, 0)
	}

	for !now.Before(w.End) {
		w.Start = w.End
		w.End = w.End.AddDate(0, 1, 0)
	}
	return w
}
