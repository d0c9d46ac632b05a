package domain

// MarketInstruments holds the resolved identifiers of one binary market.
type MarketInstruments struct {
	Slug        string `json:"slug"`
	ConditionID string `json:"condition_id,omitempty"`
	Yes         string `json:"yes"`
	No          string `json:"no"`
}

// InstrumentID returns the token for the given outcome.
func (m MarketInstruments) InstrumentID(o Outcome) string {
	switch o {
	case OutcomeYes:
		return m.Yes
	case OutcomeNo:
		return m.No
	default:
		return ""
	}
}

// InstrumentRef is the reverse lookup entry for a single instrument.
type InstrumentRef struct {
	Market  string
	Outcome Outcome
}
