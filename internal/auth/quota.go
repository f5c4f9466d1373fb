package auth

const (
	PlanPro           = "pro"
	FeatureThreeLimit = "3_companion_limit"
	FeatureTenLimit   = "10_companion_limit"

	// Unlimited is the CompanionLimit of a pro plan.
	Unlimited = -1
)

// CompanionLimit returns how many companions the holder of c may author.
func CompanionLimit(c Claims) int {
	switch {
	case c.HasPlan(PlanPro):
		return Unlimited
	case c.HasFeature(FeatureThreeLimit):
		return 3
	case c.HasFeature(FeatureTenLimit):
		return 10
	default:
		return 0
	}
}

// CanCreate reports whether a user who already authored count companions may
// create another.
func CanCreate(c Claims, count int) bool {
	limit := CompanionLimit(c)
	return limit == Unlimited || count < limit
}
