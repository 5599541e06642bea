package compliance

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/call-voice-lab/internal/config"
)

// SafetyAction is what the agent should do with a caller utterance.
type SafetyAction string

const (
	SafetyAllow    SafetyAction = "allow"
	SafetyRedirect SafetyAction = "redirect"
	SafetyEscalate SafetyAction = "escalate"
)

// SafetyVerdict is the outcome of screening one caller utterance.
type SafetyVerdict struct {
	Action    SafetyAction
	Reason    string
	Sentiment float64
}

var profanity = regexp.MustCompile(`(?i)\b(fuck|shit|damn|ass|bitch|bastard|crap)\b`)

var (
	positiveWords = []string{"great", "excellent", "thank", "appreciate", "happy", "good", "perfect", "wonderful", "love", "helpful"}
	negativeWords = []string{"terrible", "awful", "horrible", "frustrated", "angry", "upset", "disappointed", "hate", "bad", "worst", "sucks"}
)

// Screener checks caller utterances for escalation triggers, profanity,
// forbidden topics and conversation limits.
type Screener struct {
	cfg config.Safety
}

func NewScreener(cfg config.Safety) *Screener { return &Screener{cfg: cfg} }

// Screen evaluates text. turns is the number of completed caller turns and
// elapsed the call duration so far. Escalation triggers win over everything.
func (s *Screener) Screen(text string, turns int, elapsed time.Duration) SafetyVerdict {
	lower := strings.ToLower(text)
	for _, p := range s.cfg.EscalationPhrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return SafetyVerdict{Action: SafetyEscalate, Reason: "escalation trigger detected"}
		}
	}
	if s.cfg.ProfanityBlock && profanity.MatchString(text) {
		return SafetyVerdict{Action: SafetyRedirect, Reason: "inappropriate language detected"}
	}
	for _, topic := range s.cfg.ForbiddenTopics {
		if topic != "" && strings.Contains(lower, strings.ToLower(topic)) {
			return SafetyVerdict{Action: SafetyRedirect, Reason: fmt.Sprintf("forbidden topic detected: %s", topic)}
		}
	}
	if s.cfg.MaxDuration > 0 && elapsed > s.cfg.MaxDuration {
		return SafetyVerdict{Action: SafetyEscalate, Reason: "maximum conversation time exceeded"}
	}
	if s.cfg.MaxTurns > 0 && turns > s.cfg.MaxTurns {
		return SafetyVerdict{Action: SafetyEscalate, Reason: "maximum turn count exceeded"}
	}
	score := Sentiment(text)
	if s.cfg.NegativeSentiment != 0 && score < s.cfg.NegativeSentiment {
		return SafetyVerdict{Action: SafetyEscalate, Reason: "negative sentiment threshold exceeded", Sentiment: score}
	}
	return SafetyVerdict{Action: SafetyAllow, Sentiment: score}
}

// Sentiment is a keyword score in [-1, 1]: +0.1 per positive word and -0.2
// per negative word.
func Sentiment(text string) float64 {
	score := 0.0
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'")
		if slices.Contains(positiveWords, w) {
			score += 0.1
		}
		if slices.Contains(negativeWords, w) {
			score -= 0.2
		}
	}
	return max(-1, min(1, score))
}
