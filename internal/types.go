package internal

// Plan is the billing tier an owner is on. Free owners are capped at a
// configured number of links; pro owners are uncapped.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

func (p Plan) IsPro() bool {
	return p == PlanPro
}

// ParsePlan normalizes a stored plan value, defaulting unknown values to free.
func ParsePlan(s string) Plan {
	if Plan(s) == PlanPro {
		return PlanPro
	}
	return PlanFree
}
