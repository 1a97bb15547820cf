package billing

// UsageSummary answers whether an account may perform another billable
// submission.
type UsageSummary struct {
	Used       int64   `json:"used"`
	Limit      int64   `json:"limit"`
	BaseLimit  int64   `json:"base_limit"`
	Purchased  int64   `json:"purchased"`
	Percentage float64 `json:"percentage"`
	Unlimited  bool    `json:"unlimited"`
	AtLimit    bool    `json:"at_limit"`
}

// Remaining returns how many submissions are left, or Unlimited.
// It is negative when the account is over its limit.
func (u UsageSummary) Remaining() int64 {
	if u.Unlimited {
		return Unlimited
	}
	return u.Limit - u.Used
}

// Allows reports whether n more submissions fit into the limit.
func (u UsageSummary) Allows(n int64) bool {
	return u.Unlimited || u.Used+n <= u.Limit
}

// CalculateUsage combines a base allotment, purchased credits and usage
// into a summary. Negative inputs are treated as zero, except baseLimit
// where Unlimited (-1) removes the cap. The percentage is not clamped: a
// value above 100 means the account is over its limit.
func CalculateUsage(baseLimit, used, purchased int64, unlimitedOverride bool) UsageSummary {
	used = max(used, 0)
	purchased = max(purchased, 0)

	if baseLimit == Unlimited || unlimitedOverride {
		return UsageSummary{
			Used:      used,
			Limit:     Unlimited,
			BaseLimit: baseLimit,
			Purchased: purchased,
			Unlimited: true,
		}
	}

	baseLimit = max(baseLimit, 0)
	total := baseLimit + purchased

	var pct float64
	if total > 0 {
		pct = float64(used) / float64(total) * 100
	}

	return UsageSummary{
		Used:       used,
		Limit:      total,
		BaseLimit:  baseLimit,
		Purchased:  purchased,
		Percentage: pct,
		AtLimit:    used >= total,
	}
}
