package domain

// RuleConfig is a staff-defined scoring adjustment written in CEL.
// The expression result (bool as 1/0, int or double) is multiplied by
// Weight and added to a candidate's priority score. Adjustments never
// change a candidate's category.
type RuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression to evaluate
	Expression string `json:"expression"`

	// Points per unit of expression result
	Weight float64 `json:"weight"`

	// Reason appended to the candidate when the rule contributes
	Reason string `json:"reason"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// RuleAdjustment is the contribution of one rule to one candidate.
type RuleAdjustment struct {
	RuleID string  `json:"ruleId"`
	Points float64 `json:"points"`
	Reason string  `json:"reason"`
	Error  string  `json:"error,omitempty"`
}
