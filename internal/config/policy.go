package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// Window is a daily quiet-hours interval in local minutes past midnight.
// End before Start means the window wraps past midnight.
type Window struct {
	Start int
	End   int
}

// Contains reports whether the local clock time of t falls inside w.
func (w Window) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if w.Start == w.End {
		return false
	}
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

// Jurisdiction resolves a caller jurisdiction to a zone and quiet windows.
type Jurisdiction struct {
	Name     string
	Location *time.Location
	Quiet    []Window
}

// Lines are the fixed utterances the agent may speak without the model.
type Lines struct {
	Apology string
	Nudge   string
	closing map[string]string
}

// Safety holds caller-utterance screening settings.
type Safety struct {
	EscalationPhrases []string
	ForbiddenTopics   []string
	ProfanityBlock    bool
	MaxTurns          int
	MaxDuration       time.Duration
	// NegativeSentiment escalates when a caller utterance scores below it.
	// Zero disables the check.
	NegativeSentiment float64
}

// Policy is the immutable compliance policy shared by all sessions.
type Policy struct {
	jurisdictions map[string]Jurisdiction
	defaultQuiet  []Window
	lines         Lines
	safety        Safety
	zones         *zoneCache
}

// maxCachedZones bounds the zone cache; jurisdiction names come from the
// telephony gateway.
const maxCachedZones = 512

// zoneCache memoizes IANA lookups for jurisdictions outside the table,
// including names that failed to resolve.
type zoneCache struct {
	mu    sync.RWMutex
	zones map[string]*time.Location
}

func newZoneCache() *zoneCache {
	return &zoneCache{zones: make(map[string]*time.Location)}
}

func (z *zoneCache) load(name string) *time.Location {
	if z == nil {
		loc, _ := time.LoadLocation(name)
		return loc
	}
	z.mu.RLock()
	loc, ok := z.zones[name]
	z.mu.RUnlock()
	if ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = nil
	}
	z.mu.Lock()
	if len(z.zones) < maxCachedZones {
		z.zones[name] = loc
	}
	z.mu.Unlock()
	return loc
}

// Jurisdiction looks up name in the configured table, then falls back to
// treating name as an IANA zone with the default quiet windows. The second
// result is false when neither resolves.
func (p *Policy) Jurisdiction(name string) (Jurisdiction, bool) {
	if j, ok := p.jurisdictions[strings.ToUpper(name)]; ok {
		return cloneJurisdiction(j), true
	}
	if name == "" {
		return Jurisdiction{}, false
	}
	loc := p.zones.load(name)
	if loc == nil {
		return Jurisdiction{}, false
	}
	return Jurisdiction{Name: name, Location: loc, Quiet: slices.Clone(p.defaultQuiet)}, true
}

func cloneJurisdiction(j Jurisdiction) Jurisdiction {
	j.Quiet = slices.Clone(j.Quiet)
	return j
}

// ClosingLine returns the utterance spoken before hanging up for reason.
func (p *Policy) ClosingLine(reason string) string {
	if s, ok := p.lines.closing[reason]; ok {
		return s
	}
	return p.lines.closing["default"]
}

func (p *Policy) ApologyLine() string { return p.lines.Apology }
func (p *Policy) NudgeLine() string   { return p.lines.Nudge }

// Safety returns a copy of the screening settings.
func (p *Policy) Safety() Safety {
	s := p.safety
	s.EscalationPhrases = slices.Clone(s.EscalationPhrases)
	s.ForbiddenTopics = slices.Clone(s.ForbiddenTopics)
	return s
}

// DefaultPolicy allows automated speech between 08:00 and 21:00 local time.
func DefaultPolicy() Policy {
	return Policy{
		jurisdictions: map[string]Jurisdiction{},
		zones:         newZoneCache(),
		defaultQuiet:  []Window{{Start: 21 * 60, End: 8 * 60}},
		lines: Lines{
			Apology: "I apologize, I'm having technical difficulties right now. Let me take a message for you.",
			Nudge:   "Are you still there?",
			closing: map[string]string{
				"default":                "Thank you for calling. Goodbye.",
				"silence_timeout":        "I haven't heard anything, so I'll end the call now. Thank you for calling. Goodbye.",
				"degraded_service_abort": "I'm sorry, we're having technical difficulties. Please call back later. Goodbye.",
				"escalation_requested":   "Let me have someone from our team get back to you. Goodbye.",
			},
		},
		safety: Safety{
			EscalationPhrases: []string{"speak to a human", "talk to a person", "real person", "lawyer", "emergency"},
			ProfanityBlock:    true,
		},
	}
}

type manifest struct {
	DefaultQuietHours []windowJSON                `json:"default_quiet_hours,omitempty"`
	Jurisdictions     map[string]jurisdictionJSON `json:"jurisdictions,omitempty"`
	Lines             *linesJSON                  `json:"lines,omitempty"`
	Safety            *safetyJSON                 `json:"safety,omitempty"`
}

type windowJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type jurisdictionJSON struct {
	Timezone   string       `json:"timezone"`
	QuietHours []windowJSON `json:"quiet_hours,omitempty"`
}

type linesJSON struct {
	Apology string            `json:"apology,omitempty"`
	Nudge   string            `json:"nudge,omitempty"`
	Closing map[string]string `json:"closing,omitempty"`
}

type safetyJSON struct {
	EscalationPhrases []string `json:"escalation_phrases,omitempty"`
	ForbiddenTopics   []string `json:"forbidden_topics,omitempty"`
	ProfanityBlock    *bool    `json:"profanity_block,omitempty"`
	MaxTurns          int      `json:"max_turns,omitempty"`
	MaxDurationSec    int      `json:"max_duration_seconds,omitempty"`
	NegativeSentiment float64  `json:"negative_sentiment_threshold,omitempty"`
}

// LoadPolicy reads a JSON policy manifest from path and overlays it on the
// default policy. An empty path yields DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	expanded, err := expandPath(path)
	if err != nil {
		return p, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return p, fmt.Errorf("read policy %s: %w", expanded, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy overlays a JSON manifest on DefaultPolicy.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return p, fmt.Errorf("parse policy: %w", err)
	}
	if len(m.DefaultQuietHours) > 0 {
		ws, err := parseWindows(m.DefaultQuietHours)
		if err != nil {
			return p, err
		}
		p.defaultQuiet = ws
	}
	for name, j := range m.Jurisdictions {
		loc, err := time.LoadLocation(j.Timezone)
		if err != nil {
			return p, fmt.Errorf("jurisdiction %s: timezone %q: %w", name, j.Timezone, err)
		}
		quiet := slices.Clone(p.defaultQuiet)
		if len(j.QuietHours) > 0 {
			if quiet, err = parseWindows(j.QuietHours); err != nil {
				return p, fmt.Errorf("jurisdiction %s: %w", name, err)
			}
		}
		key := strings.ToUpper(name)
		p.jurisdictions[key] = Jurisdiction{Name: key, Location: loc, Quiet: quiet}
	}
	if l := m.Lines; l != nil {
		if l.Apology != "" {
			p.lines.Apology = l.Apology
		}
		if l.Nudge != "" {
			p.lines.Nudge = l.Nudge
		}
		for k, v := range l.Closing {
			p.lines.closing[k] = v
		}
	}
	if s := m.Safety; s != nil {
		if s.EscalationPhrases != nil {
			p.safety.EscalationPhrases = s.EscalationPhrases
		}
		p.safety.ForbiddenTopics = s.ForbiddenTopics
		if s.ProfanityBlock != nil {
			p.safety.ProfanityBlock = *s.ProfanityBlock
		}
		p.safety.MaxTurns = s.MaxTurns
		p.safety.MaxDuration = time.Duration(s.MaxDurationSec) * time.Second
		p.safety.NegativeSentiment = s.NegativeSentiment
	}
	return p, nil
}

func parseWindows(in []windowJSON) ([]Window, error) {
	out := make([]Window, 0, len(in))
	for _, w := range in {
		start, err := parseClock(w.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseClock(w.End)
		if err != nil {
			return nil, err
		}
		out = append(out, Window{Start: start, End: end})
	}
	return out, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func expandPath(value string) (string, error) {
	if !strings.HasPrefix(value, "~") {
		return value, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return value, err
	}
	if value == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(value[1:], "/")), nil
}
