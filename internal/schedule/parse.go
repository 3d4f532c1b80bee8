package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes the normalized kind of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
	KindRRule
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	case KindRRule:
		return "rrule"
	default:
		return "unknown"
	}
}

// Schedule is a parsed schedule expression in one of the three shapes the
// orchestrator accepts. It marshals to the orchestrator's wire format.
//
// Supported input forms:
//   - Cron: "*/5 * * * *", "0 9 * * MON", "@hourly"
//   - Interval duration: "55m", "2h30m", "@every 55m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - RRule: "rrule:FREQ=WEEKLY;BYDAY=MO"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Schedule struct {
	Kind     Kind
	Cron     string
	Every    time.Duration
	Anchor   time.Time
	RRule    string
	Timezone string
	Source   string // "cron" | "duration" | "hhmm" | "rrule"

	sched cron.Schedule
}

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Parse parses raw in the given IANA timezone ("" means UTC).
// Interval anchors default to the start of the current UTC minute.
func Parse(raw, tz string) (Schedule, error) {
	return ParseAt(raw, tz, time.Now())
}

// ParseAt is Parse with an explicit reference time for interval anchors.
func ParseAt(raw, tz string, now time.Time) (Schedule, error) {
	s, err := parse(raw, tz, now)
	if err != nil {
		return Schedule{}, err
	}
	if s.Kind == KindInterval && s.Anchor.IsZero() {
		s.Anchor = now.UTC().Truncate(time.Minute)
	}
	return s, nil
}

func parse(raw, tz string, now time.Time) (Schedule, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, errors.New("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Schedule{}, errors.New("cron schedule required after 'cron:'")
		}
		return parseCron(expr, tz, loc)
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalSchedule(s[len("interval:"):], tz, now)
	case strings.HasPrefix(low, "every:"):
		return parseIntervalSchedule(s[len("every:"):], tz, now)
	case strings.HasPrefix(low, "rrule:"):
		rule := strings.TrimSpace(s[len("rrule:"):])
		if !strings.Contains(strings.ToUpper(rule), "FREQ=") {
			return Schedule{}, fmt.Errorf("invalid rrule %q: FREQ is required", rule)
		}
		return Schedule{Kind: KindRRule, RRule: rule, Timezone: tz, Source: "rrule"}, nil
	}

	if strings.HasPrefix(low, "@every") {
		return parseIntervalSchedule(s[len("@every"):], tz, now)
	}

	// any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s, tz, loc)
	}

	if reHHMM.MatchString(s) || looksLikeDuration(s) {
		return parseIntervalSchedule(s, tz, now)
	}

	return Schedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '0 9 * * MON', HH:MM like '02:30', duration like '55m' or 'rrule:FREQ=...')",
		raw,
	)
}

func looksLikeDuration(s string) bool {
	_, err := time.ParseDuration(s)
	return err == nil
}

func parseCron(expr, tz string, loc *time.Location) (Schedule, error) {
	cs, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	if sp, ok := cs.(*cron.SpecSchedule); ok {
		sp.Location = loc
	}
	return Schedule{Kind: KindCron, Cron: expr, Timezone: tz, Source: "cron", sched: cs}, nil
}

func parseIntervalSchedule(v, tz string, now time.Time) (Schedule, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{
		Kind:     KindInterval,
		Every:    d,
		Anchor:   now.UTC().Truncate(time.Minute),
		Timezone: tz,
		Source:   src,
		sched:    cron.Every(d),
	}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", errors.New("interval required")
	}
	if reHHMM.MatchString(v) {
		h, m, err := parseHHMM(v)
		if err != nil {
			return 0, "", err
		}
		d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
		if d <= 0 {
			return 0, "", errors.New("interval must be > 0")
		}
		return d, "hhmm", nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", errors.New("interval must be > 0")
	}
	return d, "duration", nil
}

// parseHHMM splits an "H:MM" interval. Hours go up to 999, minutes 0..59.
func parseHHMM(v string) (int, int, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return hh, mm, nil
}

// Next returns the next n fire times strictly after from.
// RRule schedules are evaluated by the orchestrator only.
func (s Schedule) Next(from time.Time, n int) ([]time.Time, error) {
	if s.Kind == KindRRule {
		return nil, errors.New("next fire times are not computed locally for rrule schedules")
	}
	if s.sched == nil {
		return nil, errors.New("schedule not parsed")
	}
	if s.Kind == KindInterval && !s.Anchor.IsZero() {
		return s.nextAnchored(from, n), nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = s.sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// nextAnchored steps from the anchor date the way the orchestrator does,
// so previews line up with real runs.
func (s Schedule) nextAnchored(from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := s.Anchor
	if from.After(t) || from.Equal(t) {
		steps := from.Sub(t)/s.Every + 1
		t = t.Add(steps * s.Every)
	}
	for i := 0; i < n; i++ {
		out = append(out, t)
		t = t.Add(s.Every)
	}
	return out
}

// String renders the schedule back in a form Parse accepts.
func (s Schedule) String() string {
	switch s.Kind {
	case KindCron:
		return s.Cron
	case KindInterval:
		return "interval:" + s.Every.String()
	case KindRRule:
		return "rrule:" + s.RRule
	default:
		return ""
	}
}

type cronWire struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
	DayOr    bool   `json:"day_or"`
}

type intervalWire struct {
	Interval   float64 `json:"interval"`
	AnchorDate string  `json:"anchor_date,omitempty"`
	Timezone   string  `json:"timezone,omitempty"`
}

type rruleWire struct {
	RRule    string `json:"rrule"`
	Timezone string `json:"timezone,omitempty"`
}

// MarshalJSON encodes the orchestrator's schedule object.
// Intervals are sent as seconds.
func (s Schedule) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case KindCron:
		return json.Marshal(cronWire{Cron: s.Cron, Timezone: s.Timezone, DayOr: true})
	case KindInterval:
		w := intervalWire{Interval: s.Every.Seconds(), Timezone: s.Timezone}
		if !s.Anchor.IsZero() {
			w.AnchorDate = s.Anchor.UTC().Format(time.RFC3339)
		}
		return json.Marshal(w)
	case KindRRule:
		return json.Marshal(rruleWire{RRule: s.RRule, Timezone: s.Timezone})
	default:
		return nil, fmt.Errorf("unknown schedule kind %d", s.Kind)
	}
}

// UnmarshalJSON decodes a schedule object returned by the orchestrator.
func (s *Schedule) UnmarshalJSON(b []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return err
	}
	switch {
	case top["cron"] != nil:
		var w cronWire
		if err := json.Unmarshal(b, &w); err != nil {
			return err
		}
		*s = Schedule{Kind: KindCron, Cron: w.Cron, Timezone: w.Timezone, Source: "cron"}
		if cs, err := cronParser.Parse(w.Cron); err == nil {
			if sp, ok := cs.(*cron.SpecSchedule); ok && w.Timezone != "" {
				if loc, err := time.LoadLocation(w.Timezone); err == nil {
					sp.Location = loc
				}
			}
			s.sched = cs
		}
	case top["interval"] != nil:
		var w intervalWire
		if err := json.Unmarshal(b, &w); err != nil {
			return err
		}
		*s = Schedule{Kind: KindInterval, Every: time.Duration(w.Interval * float64(time.Second)), Timezone: w.Timezone, Source: "duration"}
		if w.AnchorDate != "" {
			if t, err := time.Parse(time.RFC3339, w.AnchorDate); err == nil {
				s.Anchor = t
			}
		}
		if s.Every > 0 {
			s.sched = cron.Every(s.Every)
		}
	case top["rrule"] != nil:
		var w rruleWire
		if err := json.Unmarshal(b, &w); err != nil {
			return err
		}
		*s = Schedule{Kind: KindRRule, RRule: w.RRule, Timezone: w.Timezone, Source: "rrule"}
	default:
		return errors.New("unrecognized schedule object")
	}
	return nil
}
