package tenant

// PlanConfig defines credit allocations and limits for a pricing tier.
//
// A ceiling of 0 means the plan imposes no ceiling for that operation type.
type PlanConfig struct {
	Plan              Plan
	AILifetimeCredits int64 // one-time pool, free tier only
	AIMonthlyCredits  int64 // recurring pool, paid tiers

	// Deprecated: AICreditsPerMonth is the legacy name for AIMonthlyCredits.
	// Kept because older tenant documents were provisioned against it.
	// MonthlyCredits() prefers AIMonthlyCredits when both are set.
	AICreditsPerMonth int64

	MaxImagesPerMonth int64
	MaxTextPerMonth   int64
	MaxTTSPerMonth    int64
	MaxVideosPerMonth int64

	AllowOverage    bool    // exceed a ceiling and bill the difference
	OveragePriceUSD float64 // price per credit over the ceiling

	RateLimitRPM int
}

// MonthlyCredits returns the monthly pool size, preferring the
// non-deprecated field.
func (p PlanConfig) MonthlyCredits() int64 {
	if p.AIMonthlyCredits > 0 {
		return p.AIMonthlyCredits
	}
	return p.AICreditsPerMonth
}

// Plans is the hardcoded plan catalogue.
var Plans = map[Plan]PlanConfig{
	PlanFree: {
		Plan:              PlanFree,
		AILifetimeCredits: 50,
		AIMonthlyCredits:  0,
		MaxImagesPerMonth: 10,
		MaxTextPerMonth:   25,
		MaxTTSPerMonth:    5,
		MaxVideosPerMonth: 0,
		AllowOverage:      false,
		RateLimitRPM:      60,
	},
	PlanStarter: {
		Plan:              PlanStarter,
		AIMonthlyCredits:  500,
		MaxImagesPerMonth: 100,
		MaxTextPerMonth:   300,
		MaxTTSPerMonth:    50,
		MaxVideosPerMonth: 10,
		AllowOverage:      false,
		RateLimitRPM:      300,
	},
	PlanGrowth: {
		Plan:              PlanGrowth,
		AIMonthlyCredits:  2500,
		MaxImagesPerMonth: 500,
		MaxTextPerMonth:   1500,
		MaxTTSPerMonth:    250,
		MaxVideosPerMonth: 50,
		AllowOverage:      true,
		OveragePriceUSD:   0.01,
		RateLimitRPM:      1000,
	},
	PlanAgency: {
		Plan:              PlanAgency,
		AIMonthlyCredits:  10000,
		MaxImagesPerMonth: 0, // unlimited
		MaxTextPerMonth:   0,
		MaxTTSPerMonth:    0,
		MaxVideosPerMonth: 0,
		AllowOverage:      true,
		OveragePriceUSD:   0.008,
		RateLimitRPM:      5000,
	},
}

// ConfigForPlan returns the catalogue entry for a plan, falling back to
// the free tier for unknown plan names.
func ConfigForPlan(p Plan) PlanConfig {
	cfg, ok := Plans[p]
	if !ok {
		cfg = Plans[PlanFree]
	}
	return cfg
}

// ValidPlan returns true if the plan name is recognised.
func ValidPlan(p Plan) bool {
	_, ok := Plans[p]
	return ok
}
