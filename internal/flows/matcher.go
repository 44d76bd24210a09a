// Package flows evaluates message triggers and drives flow executions:
// ordered outbound step sequences with delays, jitter, time-of-day
// branching and per-session run constraints.
package flows

import (
	"regexp"
	"strings"

	"github.com/agentic-mx/agentic/pkg/models"
)

// matchPriority orders match types from most to least specific. When
// several triggers match the same content, the most specific wins.
func matchPriority(mt models.MatchType) int {
	switch mt {
	case models.MatchExact:
		return 0
	case models.MatchStartsWith:
		return 1
	case models.MatchContains:
		return 2
	case models.MatchRegex:
		return 3
	default:
		return 4
	}
}

// Matches reports whether content activates the trigger. Comparison is
// case-insensitive over trimmed input. Regex patterns are matched
// case-insensitively; an invalid pattern never matches (creation-time
// validation should have rejected it).
func Matches(trigger *models.Trigger, content string) bool {
	text := strings.ToLower(strings.TrimSpace(content))
	keyword := strings.ToLower(strings.TrimSpace(trigger.Keyword))
	if keyword == "" {
		return false
	}
	switch trigger.MatchType {
	case models.MatchExact:
		return text == keyword
	case models.MatchStartsWith:
		return strings.HasPrefix(text, keyword)
	case models.MatchContains:
		return strings.Contains(text, keyword)
	case models.MatchRegex:
		re, err := regexp.Compile("(?i)" + trigger.Keyword)
		if err != nil {
			return false
		}
		return re.MatchString(strings.TrimSpace(content))
	default:
		return false
	}
}

// BestMatch returns the matching trigger of highest specificity, or
// nil. Ties keep the store's creation order.
func BestMatch(triggers []*models.Trigger, content string) *models.Trigger {
	var best *models.Trigger
	for _, trigger := range triggers {
		if !Matches(trigger, content) {
			continue
		}
		if best == nil || matchPriority(trigger.MatchType) < matchPriority(best.MatchType) {
			best = trigger
		}
	}
	return best
}

// scopesFor maps a message direction to the trigger scopes it can
// activate.
func scopesFor(fromMe bool) []models.TriggerScope {
	if fromMe {
		return []models.TriggerScope{models.ScopeOutgoing, models.ScopeBoth}
	}
	return []models.TriggerScope{models.ScopeIncoming, models.ScopeBoth}
}
