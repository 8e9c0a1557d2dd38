// Package classify tags user messages with intents, urgency and lead quality
// using keyword tables. Everything it decides is a function of the message
// and the session slots; the rule tables are data, not code.
package classify

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/creastat/triage/session"
	"go.uber.org/zap"
)

const (
	DefaultHotThreshold  = 8.5
	DefaultWarmThreshold = 6.0
)

// Lead score weights. Each component is scored 0-10.
const (
	weightSize     = 0.3
	weightServices = 0.25
	weightUrgency  = 0.2
	weightBudget   = 0.15
	weightEngage   = 0.1
)

// SlotWriter persists slot updates. session.Store satisfies it.
type SlotWriter interface {
	SetSlot(ctx context.Context, id, key, value string) error
}

// Config tunes scoring and geography.
type Config struct {
	HotThreshold  float64
	WarmThreshold float64
	HomeRegion    string // overrides the rule tables when set
	HomeProvince  string // served at medium priority even outside the home region
}

// Classifier applies compiled rule tables. It is safe for concurrent use.
type Classifier struct {
	rules        *compiledRules
	slots        SlotWriter
	hot, warm    float64
	homeProvince string
	logger       *zap.Logger
}

// New compiles rules. slots may be nil when only Analyze is used.
func New(rules *Rules, slots SlotWriter, cfg Config, logger *zap.Logger) (*Classifier, error) {
	if rules == nil {
		return nil, errors.New("classify: rules are required")
	}
	if cfg.HotThreshold == 0 {
		cfg.HotThreshold = DefaultHotThreshold
	}
	if cfg.WarmThreshold == 0 {
		cfg.WarmThreshold = DefaultWarmThreshold
	}
	if cfg.WarmThreshold <= 0 || cfg.HotThreshold <= cfg.WarmThreshold || cfg.HotThreshold > 10 {
		return nil, fmt.Errorf("classify: thresholds must satisfy 0 < warm < hot <= 10, got warm=%v hot=%v",
			cfg.WarmThreshold, cfg.HotThreshold)
	}

	compiled, err := rules.compile()
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	if cfg.HomeRegion != "" {
		compiled.homeRegion = normalize(cfg.HomeRegion)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Classifier{
		rules:        compiled,
		slots:        slots,
		hot:          cfg.HotThreshold,
		warm:         cfg.WarmThreshold,
		homeProvince: normalize(cfg.HomeProvince),
		logger:       logger,
	}, nil
}

// Classify analyzes message against the session and persists the slot
// updates before returning. sess.Slots is updated in place as well.
func (c *Classifier) Classify(ctx context.Context, sess *session.Session, message string) (Result, error) {
	res, updates := c.Analyze(sess.Slots, message)

	if len(updates) > 0 && c.slots == nil {
		return Result{}, errors.New("classify: no slot writer configured")
	}
	if sess.Slots == nil {
		sess.Slots = make(map[string]string, len(updates))
	}
	for _, key := range slices.Sorted(maps.Keys(updates)) {
		if err := c.slots.SetSlot(ctx, sess.ID, key, updates[key]); err != nil {
			return Result{}, fmt.Errorf("update slot %s: %w", key, err)
		}
		sess.Slots[key] = updates[key]
	}

	c.logger.Debug("message classified",
		zap.String("session_id", sess.ID),
		zap.Strings("intents", res.Intents),
		zap.Stringer("urgency", res.Urgency),
		zap.Stringer("lead_quality", res.LeadQuality),
		zap.Float64("lead_score", res.LeadScore),
	)

	return res, nil
}

// Analyze is the pure core of Classify. It returns the result and the slot
// values that changed; slots is not modified.
func (c *Classifier) Analyze(slots map[string]string, message string) (Result, map[string]string) {
	text := pad(normalize(message))
	updates := make(map[string]string)

	found := make(map[string]bool)
	if c.rules.greetings.match(text) {
		found[IntentGreeting] = true
	}
	human := c.rules.human.match(text)
	if human {
		found[IntentHumanRequest] = true
	}
	for _, in := range c.rules.intents {
		if in.keywords.match(text) {
			found[in.name] = true
		}
	}

	urgency := c.urgency(text)

	turns, _ := strconv.Atoi(slots[session.SlotTurns])
	setIfChanged(updates, slots, session.SlotTurns, strconv.Itoa(turns+1))

	if size := c.companySize(text); size != "" {
		setIfChanged(updates, slots, session.SlotCompanySize, size)
	}

	if p, ok := c.place(text); ok {
		setIfChanged(updates, slots, session.SlotLocation, p.name)
		setIfChanged(updates, slots, session.SlotLocationPriority, c.locationPriority(p))
	}

	services := splitSet(slots[session.SlotServicesInterest])
	for name := range found {
		if c.rules.services[name] && !slices.Contains(services, name) {
			services = append(services, name)
		}
	}
	slices.Sort(services)
	setIfChanged(updates, slots, session.SlotServicesInterest, strings.Join(services, ","))

	if budget := c.budget(text); budgetRank(budget) > budgetRank(slots[session.SlotBudget]) {
		updates[session.SlotBudget] = budget
	}

	if c.rules.returning.match(text) {
		setIfChanged(updates, slots, session.SlotReturning, "true")
	}

	merged := maps.Clone(slots)
	if merged == nil {
		merged = make(map[string]string, len(updates))
	}
	maps.Copy(merged, updates)

	res := c.score(merged, urgency)
	res.Intents = slices.Sorted(maps.Keys(found))
	if res.Intents == nil {
		res.Intents = []string{}
	}
	res.Primary = c.primary(res.Intents)
	res.HumanRequested = human

	return res, updates
}

// Assess scores the accumulated slots alone, without a message.
func (c *Classifier) Assess(slots map[string]string) Result {
	res := c.score(slots, UrgencyLow)
	res.Intents = []string{}
	res.Primary = IntentGeneric
	return res
}

func (c *Classifier) urgency(text string) Urgency {
	switch {
	case c.rules.deEscalation.match(text):
		return UrgencyLow
	case c.rules.critical.match(text):
		return UrgencyCritical
	case c.rules.high.match(text):
		return UrgencyHigh
	case c.rules.medium.match(text):
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

func (c *Classifier) companySize(text string) string {
	if c.rules.employees != nil {
		if m := c.rules.employees.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				b := c.rules.bands
				switch {
				case n <= b.Micro:
					return SizeMicro
				case n <= b.Small:
					return SizeSmall
				case n <= b.Medium:
					return SizeMedium
				default:
					return SizeLarge
				}
			}
		}
	}
	for _, size := range []string{SizeLarge, SizeMedium, SizeSmall, SizeMicro} {
		if c.rules.sizes[size].match(text) {
			return size
		}
	}
	return ""
}

func (c *Classifier) place(text string) (place, bool) {
	for _, p := range c.rules.places {
		if strings.Contains(text, " "+p.name+" ") {
			return p, true
		}
	}
	return place{}, false
}

func (c *Classifier) locationPriority(p place) string {
	switch {
	case p.region == c.rules.homeRegion:
		return LocationHigh
	case p.covered || (c.homeProvince != "" && p.province == c.homeProvince):
		return LocationMedium
	default:
		return LocationMediumLow
	}
}

func (c *Classifier) budget(text string) string {
	switch {
	case c.rules.explicit.match(text):
		return BudgetExplicit
	case c.rules.inquiry.match(text):
		return BudgetInquiry
	default:
		return ""
	}
}

func (c *Classifier) primary(intents []string) string {
	best, bestPriority := IntentGeneric, math.MinInt
	for _, in := range intents {
		if p := c.rules.priority[in]; p > bestPriority {
			best, bestPriority = in, p
		}
	}
	return best
}

func (c *Classifier) score(slots map[string]string, urgency Urgency) Result {
	size := map[string]float64{SizeMicro: 4, SizeSmall: 6, SizeMedium: 8, SizeLarge: 10}[slots[session.SlotCompanySize]]

	var services float64
	switch n := len(splitSet(slots[session.SlotServicesInterest])); {
	case n >= 3:
		services = 10
	case n == 2:
		services = 8
	case n == 1:
		services = 6
	}

	urg := [...]float64{2, 5, 8, 10}[urgency]

	var budget float64
	switch slots[session.SlotBudget] {
	case BudgetExplicit:
		budget = 10
	case BudgetInquiry:
		budget = 6
	}

	var engagement float64
	if slots[session.SlotReturning] == "true" {
		engagement = 10
	} else if turns, err := strconv.Atoi(slots[session.SlotTurns]); err == nil {
		engagement = math.Min(10, 2*float64(turns))
	}

	score := weightSize*size + weightServices*services + weightUrgency*urg +
		weightBudget*budget + weightEngage*engagement
	score = math.Round(score*100) / 100

	quality := LeadCold
	switch {
	case score >= c.hot:
		quality = LeadHot
	case score >= c.warm:
		quality = LeadWarm
	}

	return Result{
		Urgency:          urgency,
		LeadQuality:      quality,
		LeadScore:        score,
		LocationPriority: slots[session.SlotLocationPriority],
	}
}

func setIfChanged(updates, slots map[string]string, key, value string) {
	if slots[key] != value {
		updates[key] = value
	}
}

func splitSet(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func budgetRank(b string) int {
	switch b {
	case BudgetExplicit:
		return 2
	case BudgetInquiry:
		return 1
	default:
		return 0
	}
}
