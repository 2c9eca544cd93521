package indicators

import (
	"fmt"
	"math"

	"riskwatch/pkg/telemetry"
)

// RuleKind selects the evaluation routine for a configured rule.
type RuleKind string

const (
	RuleTerminatedSubject RuleKind = "terminated_subject"
	RuleSuspendedSubject  RuleKind = "suspended_subject"
	RuleKnownBadSource    RuleKind = "known_bad_source"
	RuleDenyWindow        RuleKind = "deny_window"
	RuleImpossibleTravel  RuleKind = "impossible_travel"
)

// Rule is one row of the correlation rule table. New indicators are
// added by appending rows, never by touching fusion logic.
type Rule struct {
	Name         string   `koanf:"name"`
	Kind         RuleKind `koanf:"kind"`
	Weight       float64  `koanf:"weight"`
	HardOverride bool     `koanf:"hard_override"`

	// DenyStartHour/DenyEndHour bound a [start, end) UTC hour interval
	// for deny_window rules. A start after the end wraps midnight.
	DenyStartHour int `koanf:"deny_start_hour"`
	DenyEndHour   int `koanf:"deny_end_hour"`

	// MaxTravelSpeedKmh is the plausibility bound for
	// impossible_travel rules.
	MaxTravelSpeedKmh float64 `koanf:"max_travel_speed_kmh"`
}

func (r Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule with kind %q has no name", r.Kind)
	}
	switch r.Kind {
	case RuleTerminatedSubject, RuleSuspendedSubject, RuleKnownBadSource:
	case RuleDenyWindow:
		if r.DenyStartHour < 0 || r.DenyStartHour > 23 || r.DenyEndHour < 0 || r.DenyEndHour > 24 {
			return fmt.Errorf("rule %s: deny hours out of range", r.Name)
		}
	case RuleImpossibleTravel:
		if r.MaxTravelSpeedKmh <= 0 {
			return fmt.Errorf("rule %s: max_travel_speed_kmh must be positive", r.Name)
		}
	default:
		return fmt.Errorf("rule %s: unknown kind %q", r.Name, r.Kind)
	}
	return nil
}

// Context is everything a rule may look at for one (subject, window).
type Context struct {
	Subject    string
	Window     telemetry.Window
	Events     []telemetry.Event
	Status     telemetry.SubjectStatus
	BadSources map[string]struct{}
}

// Correlator evaluates the configured rule table. Stateless after
// construction and safe for concurrent use.
type Correlator struct {
	rules []Rule
}

// NewCorrelator validates every rule up front; a malformed table fails
// the run before any scoring.
func NewCorrelator(rules []Rule) (*Correlator, error) {
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}
	return &Correlator{rules: rules}, nil
}

// Correlate runs every rule independently against the context. Rules
// never see each other's results.
func (c *Correlator) Correlate(ctx Context) Set {
	set := Set{
		Subject:    ctx.Subject,
		Window:     ctx.Window,
		Indicators: make(map[string]Indicator, len(c.rules)),
	}
	for _, r := range c.rules {
		set.Indicators[r.Name] = Indicator{
			Name:         r.Name,
			Triggered:    evaluate(r, ctx),
			Weight:       r.Weight,
			HardOverride: r.HardOverride,
		}
	}
	return set
}

func evaluate(r Rule, ctx Context) bool {
	switch r.Kind {
	case RuleTerminatedSubject:
		return ctx.Status == telemetry.StatusTerminated && len(ctx.Events) > 0
	case RuleSuspendedSubject:
		return ctx.Status == telemetry.StatusSuspended && len(ctx.Events) > 0
	case RuleKnownBadSource:
		for _, e := range ctx.Events {
			if _, bad := ctx.BadSources[e.SourceAddr]; bad {
				return true
			}
		}
		return false
	case RuleDenyWindow:
		for _, e := range ctx.Events {
			if inHourRange(e.Timestamp.UTC().Hour(), r.DenyStartHour, r.DenyEndHour) {
				return true
			}
		}
		return false
	case RuleImpossibleTravel:
		return impossibleTravel(ctx.Events, r.MaxTravelSpeedKmh)
	}
	return false
}

func inHourRange(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	// wraps midnight, e.g. 22..6
	return hour >= start || hour < end
}

// impossibleTravel checks consecutive events with geolocation for an
// implied ground speed above the plausibility bound.
func impossibleTravel(events []telemetry.Event, maxSpeedKmh float64) bool {
	var prev *telemetry.Event
	for i := range events {
		e := &events[i]
		if e.Location.Latitude == 0 && e.Location.Longitude == 0 {
			continue
		}
		if prev != nil {
			hours := e.Timestamp.Sub(prev.Timestamp).Hours()
			km := haversineKm(prev.Location, e.Location)
			if hours <= 0 {
				if km > 1 {
					return true
				}
			} else if km/hours > maxSpeedKmh {
				return true
			}
		}
		prev = e
	}
	return false
}

const earthRadiusKm = 6371.0

func haversineKm(a, b telemetry.Geo) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
