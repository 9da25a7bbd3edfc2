package engine

import (
	"regexp"
	"strings"
)

// Control signals the worker embeds in replies.
var (
	stepCompleteRe = regexp.MustCompile(`(?i)STEP\s+COMPLETE`)
	stepBlockedRe  = regexp.MustCompile(`(?i)STEP\s+BLOCKED[:\s]+(.+)`)
)

// recentActionRe harvests short "what the agent did" phrases.
var recentActionRe = regexp.MustCompile(`(?i)\b(created|wrote|edited|ran|executed|implemented|added|fixed|updated|deleted|removed|installed|configured|running|reading|searching|found|checking)\b[ \t]+([^\n.!?]{3,80})`)

const maxRecentActions = 10

// extractRecentActions pulls verb-phrase action summaries out of a
// reply, most recent last.
func extractRecentActions(text string) []string {
	matches := recentActionRe.FindAllStringSubmatch(text, -1)
	var actions []string
	for _, m := range matches {
		action := strings.TrimSpace(m[1] + " " + strings.TrimSpace(m[2]))
		actions = append(actions, action)
	}
	if len(actions) > maxRecentActions {
		actions = actions[len(actions)-maxRecentActions:]
	}
	return actions
}

// blockedReason extracts the reason text from a STEP BLOCKED signal.
func blockedReason(text string) (string, bool) {
	m := stepBlockedRe.FindStringSubmatch(text)
	if len(m) < 2 {
		return "", false
	}
	reason := strings.TrimSpace(m[1])
	if idx := strings.IndexAny(reason, "\n"); idx >= 0 {
		reason = strings.TrimSpace(reason[:idx])
	}
	return reason, true
}
