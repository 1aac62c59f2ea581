package policy

import "strconv"

const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
)

// Context is the ephemeral evaluation input built by the caller from
// the request identity. Amount stays a string so an unparsable value
// fails amount-bound clauses instead of failing the request.
type Context struct {
	UserID        string                 `json:"user_id"`
	UserRole      string                 `json:"user_role"`
	Action        string                 `json:"action"`
	ResourceType  string                 `json:"resource_type"`
	ResourceOwner string                 `json:"resource_owner"`
	Amount        string                 `json:"amount,omitempty"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
}

// IsOwnResource reports whether the caller owns the resource. An absent
// owner counts as owned.
func (c Context) IsOwnResource() bool {
	return c.ResourceOwner == "" || c.ResourceOwner == c.UserID
}

// ParseAmount returns the numeric amount, reporting false when the
// amount is absent, unparsable, or negative.
func (c Context) ParseAmount() (float64, bool) {
	if c.Amount == "" {
		return 0, false
	}
	amount, err := strconv.ParseFloat(c.Amount, 64)
	if err != nil || amount < 0 {
		return 0, false
	}
	return amount, true
}

type Result struct {
	Decision     string   `json:"decision"`
	Explanations []string `json:"explanations"`
}

func (r Result) Allowed() bool {
	return r.Decision == DecisionAllowed
}
