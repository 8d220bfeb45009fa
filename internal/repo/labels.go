package repo

import (
	"fmt"
	"strings"

	"github.com/autodev/autodev/internal/model"
)

// Status labels on the host. open and closed are carried by the host's
// native issue state, not labels.
const (
	labelInProgress = "in-progress"
	labelBlocked    = "blocked"
)

const defaultPriority = 2

// HostLabels builds the label set an issue carries on the host: user labels,
// the P0..P4 priority label, the status label when applicable, and the type
// label.
func HostLabels(issue *model.Issue) []string {
	labels := make([]string, 0, len(issue.Labels)+3)
	seen := make(map[string]bool)
	add := func(l string) {
		if l != "" && !seen[l] {
			seen[l] = true
			labels = append(labels, l)
		}
	}

	for _, l := range issue.Labels {
		if isReservedLabel(l) {
			continue
		}
		add(l)
	}
	add(fmt.Sprintf("P%d", model.ClampPriority(issue.Priority)))
	switch issue.Status {
	case model.StatusInProgress:
		add(labelInProgress)
	case model.StatusBlocked:
		add(labelBlocked)
	}
	if model.ValidIssueType(issue.IssueType) {
		add(issue.IssueType)
	}
	return labels
}

// ParsedLabels is the issue state recovered from a host label set.
type ParsedLabels struct {
	Priority   int
	Status     string
	IssueType  string
	UserLabels []string
}

// ParseHostLabels recovers priority, status, type and user labels from a
// host label set. hostState is the host's native issue state (open/closed):
// a closed host issue is closed regardless of labels; otherwise status comes
// from the first status label, defaulting to open. Priority defaults to 2.
func ParseHostLabels(labels []string, hostState string) ParsedLabels {
	parsed := ParsedLabels{
		Priority:  defaultPriority,
		Status:    model.StatusOpen,
		IssueType: model.TypeTask,
	}

	prioritySet := false
	typeSet := false
	labelStatus := ""
	for _, l := range labels {
		switch {
		case isPriorityLabel(l):
			if !prioritySet {
				parsed.Priority = int(l[1] - '0')
				prioritySet = true
			}
		case strings.EqualFold(l, labelInProgress):
			if labelStatus == "" {
				labelStatus = model.StatusInProgress
			}
		case strings.EqualFold(l, labelBlocked):
			if labelStatus == "" {
				labelStatus = model.StatusBlocked
			}
		case model.ValidIssueType(l):
			if !typeSet {
				parsed.IssueType = l
				typeSet = true
			}
		default:
			parsed.UserLabels = append(parsed.UserLabels, l)
		}
	}

	if hostState == "closed" {
		parsed.Status = model.StatusClosed
	} else if labelStatus != "" {
		parsed.Status = labelStatus
	}
	return parsed
}

func isPriorityLabel(l string) bool {
	return len(l) == 2 && l[0] == 'P' && l[1] >= '0' && l[1] <= '4'
}

func isReservedLabel(l string) bool {
	return isPriorityLabel(l) ||
		strings.EqualFold(l, labelInProgress) ||
		strings.EqualFold(l, labelBlocked) ||
		model.ValidIssueType(l)
}
