package classify

import (
	"fmt"
	"slices"
)

// Intent names the rest of the engine refers to directly.
const (
	IntentGreeting     = "saluto"
	IntentHumanRequest = "richiesta_operatore"
	IntentPricing      = "prezzi"
	IntentGeneric      = "generico"
)

// Urgency is ordered: low < medium < high < critical.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyMedium
	UrgencyHigh
	UrgencyCritical
)

var urgencyNames = [...]string{"low", "medium", "high", "critical"}

func (u Urgency) String() string {
	if u < UrgencyLow || u > UrgencyCritical {
		return fmt.Sprintf("Urgency(%d)", int(u))
	}
	return urgencyNames[u]
}

func (u Urgency) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

// LeadQuality is ordered: cold < warm < hot.
type LeadQuality int

const (
	LeadCold LeadQuality = iota
	LeadWarm
	LeadHot
)

var leadNames = [...]string{"cold", "warm", "hot"}

func (q LeadQuality) String() string {
	if q < LeadCold || q > LeadHot {
		return fmt.Sprintf("LeadQuality(%d)", int(q))
	}
	return leadNames[q]
}

func (q LeadQuality) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

// Location priorities stored in the locationPriority slot.
const (
	LocationHigh      = "high"
	LocationMedium    = "medium"
	LocationMediumLow = "mediumLow"
)

// Result is the signal set extracted from one message.
type Result struct {
	Intents          []string    `json:"intents"` // sorted, no duplicates
	Primary          string      `json:"primary"`
	Urgency          Urgency     `json:"urgency"`
	LeadQuality      LeadQuality `json:"leadQuality"`
	LeadScore        float64     `json:"leadScore"`
	LocationPriority string      `json:"locationPriority,omitempty"`
	HumanRequested   bool        `json:"humanRequested"`
}

// Has reports whether intent was detected.
func (r Result) Has(intent string) bool {
	_, found := slices.BinarySearch(r.Intents, intent)
	return found
}
