package domain

import (
	"fmt"
	"strings"
)

// Affordability grades a watch price against a client tier's price bands.
type Affordability string

const (
	AffordabilityComfortable Affordability = "COMFORTABLE"
	AffordabilityStretch     Affordability = "STRETCH"
	AffordabilityOverpriced  Affordability = "OVERPRICED"
)

// MatchStatus is the traffic-light view of a match.
type MatchStatus string

const (
	StatusGreen  MatchStatus = "GREEN"
	StatusYellow MatchStatus = "YELLOW"
	StatusRed    MatchStatus = "RED"
)

// Display holds presentation metadata carried by an enum value.
type Display struct {
	Label  string `json:"label"`
	Color  string `json:"color"`
	Icon   string `json:"icon"`
	Action string `json:"action,omitempty"`
}

var statusDisplay = map[MatchStatus]Display{
	StatusGreen:  {Label: "Green", Color: "green", Icon: "check-circle"},
	StatusYellow: {Label: "Yellow", Color: "amber", Icon: "alert-triangle"},
	StatusRed:    {Label: "Red", Color: "red", Icon: "x-circle"},
}

// Display returns presentation metadata for the status.
func (s MatchStatus) Display() Display {
	return statusDisplay[s]
}

// ParseMatchStatus parses GREEN, YELLOW or RED, case-insensitively.
func ParseMatchStatus(s string) (MatchStatus, error) {
	st := MatchStatus(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := statusDisplay[st]; !ok {
		return "", fmt.Errorf("%w: unknown match status %q", ErrInvalidInput, s)
	}
	return st, nil
}

// MatchCategory is the allocation classification of a (client, watch) pair.
// The numeric value is the ranking priority: lower ranks first.
type MatchCategory int

const (
	CategoryPerfectMatch MatchCategory = iota + 1
	CategoryStretchPurchase
	CategoryUpgradeOpportunity
	CategoryNotSuitable
)

type categoryInfo struct {
	name    string
	status  MatchStatus
	display Display
}

var categories = map[MatchCategory]categoryInfo{
	CategoryPerfectMatch: {
		name:   "PERFECT_MATCH",
		status: StatusGreen,
		display: Display{Label: "Perfect Match", Color: "green", Icon: "star",
			Action: "Call today and offer the allocation"},
	},
	CategoryStretchPurchase: {
		name:   "STRETCH_PURCHASE",
		status: StatusYellow,
		display: Display{Label: "Stretch Purchase", Color: "amber", Icon: "trending-up",
			Action: "Discuss timing, trade-in or payment options"},
	},
	CategoryUpgradeOpportunity: {
		name:   "UPGRADE_OPPORTUNITY",
		status: StatusYellow,
		display: Display{Label: "Upgrade Opportunity", Color: "blue", Icon: "arrow-up-circle",
			Action: "Present as a step up from their current collection"},
	},
	CategoryNotSuitable: {
		name:   "NOT_SUITABLE",
		status: StatusRed,
		display: Display{Label: "Not Suitable", Color: "red", Icon: "x-circle",
			Action: "Keep informed and suggest alternative pieces"},
	},
}

// Priority is the ranking priority, 1 (best) to 4.
func (c MatchCategory) Priority() int {
	return int(c)
}

// Valid reports whether c is a known category.
func (c MatchCategory) Valid() bool {
	_, ok := categories[c]
	return ok
}

// Status maps the category onto the traffic-light vocabulary.
func (c MatchCategory) Status() MatchStatus {
	return categories[c].status
}

// Display returns presentation metadata for the category.
func (c MatchCategory) Display() Display {
	return categories[c].display
}

// BetterThan reports whether c ranks ahead of other.
func (c MatchCategory) BetterThan(other MatchCategory) bool {
	return c < other
}

func (c MatchCategory) String() string {
	if info, ok := categories[c]; ok {
		return info.name
	}
	return fmt.Sprintf("MatchCategory(%d)", int(c))
}

// MarshalText encodes the category by name.
func (c MatchCategory) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid match category %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText decodes a category name.
func (c *MatchCategory) UnmarshalText(text []byte) error {
	parsed, err := ParseMatchCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseMatchCategory parses a category name such as PERFECT_MATCH.
func ParseMatchCategory(s string) (MatchCategory, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for c, info := range categories {
		if info.name == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown match category %q", ErrInvalidInput, s)
}

// Confidence qualifies how firmly a classification is held.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Urgency tells staff how quickly a candidate should be contacted.
type Urgency string

const (
	UrgencyCritical Urgency = "CRITICAL"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyLow      Urgency = "LOW"
)

var urgencyDisplay = map[Urgency]Display{
	UrgencyCritical: {Label: "Critical", Color: "red", Icon: "flame", Action: "Contact within 24 hours"},
	UrgencyHigh:     {Label: "High", Color: "orange", Icon: "clock", Action: "Contact this week"},
	UrgencyMedium:   {Label: "Medium", Color: "amber", Icon: "calendar", Action: "Contact within two weeks"},
	UrgencyLow:      {Label: "Low", Color: "gray", Icon: "minus-circle", Action: "No immediate action"},
}

// Display returns presentation metadata for the urgency level.
func (u Urgency) Display() Display {
	return urgencyDisplay[u]
}
