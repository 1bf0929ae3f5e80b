package domain

// Candidate is one ranked (client, watch) recommendation. Candidates are
// derived on every query and never stored.
type Candidate struct {
	Rank         int    `json:"rank"`
	ClientID     string `json:"clientId"`
	ClientName   string `json:"clientName"`
	WatchModelID string `json:"watchModelId"`
	WatchName    string `json:"watchName"`

	Category      MatchCategory `json:"category"`
	Status        MatchStatus   `json:"status"`
	Confidence    Confidence    `json:"confidence"`
	Affordability Affordability `json:"affordability"`
	ClientTier    Tier          `json:"clientTier"`
	WatchTier     Tier          `json:"watchTier"`
	VIPTier       VIPTier       `json:"vipTier"`

	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`

	DaysWaiting     int    `json:"daysWaiting"`
	IsOnWaitlist    bool   `json:"isOnWaitlist"`
	WaitlistEntryID string `json:"waitlistEntryId,omitempty"`

	Urgency      Urgency `json:"urgency"`
	CallToAction string  `json:"callToAction"`

	// Set when the wait-time override moved the category.
	BaseCategory      MatchCategory `json:"baseCategory"`
	Overridden        bool          `json:"overridden"`
	OverrideReasoning string        `json:"overrideReasoning,omitempty"`

	Adjustments []RuleAdjustment `json:"adjustments,omitempty"`
}

// CandidateList is the response envelope for a ranked list.
type CandidateList struct {
	WatchModelID   string       `json:"watchModelId"`
	Availability   Availability `json:"availability"`
	ShowAllClients bool         `json:"showAllClients"`
	Version        uint64       `json:"version"`
	Candidates     []Candidate  `json:"candidates"`
}
