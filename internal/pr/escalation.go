package pr

import (
	"regexp"
	"strings"
)

// escalationMarker matches the escalation comment reviewers embed in review
// bodies: <!-- escalate: a, b -->.
var escalationMarker = regexp.MustCompile(`<!--\s*escalate:\s*([^>]*?)\s*-->`)

// ParseEscalations extracts the deduplicated, ordered list of agent names
// from every escalation marker in a review body.
func ParseEscalations(body string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, match := range escalationMarker.FindAllStringSubmatch(body, -1) {
		for _, name := range strings.Split(match[1], ",") {
			name = strings.TrimSpace(name)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// applyEscalations honors the escalations the current reviewer is allowed to
// make: targets in the reviewer's can_escalate list and not already in the
// pipeline are inserted contiguously right after the current reviewer,
// preserving the order of the remaining reviewers. It returns the honored
// targets.
func applyEscalations(c *ReviewContext, requested []string) []string {
	reviewer := c.CurrentReviewer()
	if reviewer == nil || len(requested) == 0 {
		return nil
	}

	existing := make(map[string]bool, len(c.Reviewers))
	for _, r := range c.Reviewers {
		existing[r.Agent] = true
	}

	var honored []string
	for _, target := range requested {
		if !containsFold(reviewer.CanEscalate, target) || existing[target] {
			continue
		}
		existing[target] = true
		honored = append(honored, target)
	}
	if len(honored) == 0 {
		return nil
	}

	insertAt := c.CurrentReviewerIndex + 1
	inserted := make([]ReviewerConfig, 0, len(honored))
	for _, agent := range honored {
		inserted = append(inserted, ReviewerConfig{Agent: agent, Type: ReviewerAgent})
	}
	c.Reviewers = append(c.Reviewers[:insertAt], append(inserted, c.Reviewers[insertAt:]...)...)
	return honored
}
