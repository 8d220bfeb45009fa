// Package pr implements the per-pull-request controller: a sequential
// multi-reviewer pipeline with escalation, risk-assessed approval gates,
// auto-merge and rollback.
package pr

import (
	"time"

	"github.com/autodev/autodev/internal/statemachine"
)

// Reviewer types.
const (
	ReviewerAgent = "agent"
	ReviewerHuman = "human"
)

// Review decisions.
const (
	DecisionApproved         = "approved"
	DecisionChangesRequested = "changes_requested"
)

// Merge types.
const (
	MergeAuto     = "auto"
	MergeApproved = "approved"
	MergeForced   = "forced"
)

// ReviewerConfig is one entry of the ordered reviewer pipeline.
type ReviewerConfig struct {
	Agent       string   `json:"agent"`
	Type        string   `json:"type"`
	Credential  string   `json:"credential,omitempty"`
	CanEscalate []string `json:"can_escalate,omitempty"`
}

// ReviewOutcome is one recorded review decision.
type ReviewOutcome struct {
	Reviewer    string    `json:"reviewer"`
	Decision    string    `json:"decision"`
	Comment     string    `json:"comment,omitempty"`
	Escalations []string  `json:"escalations,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ApprovalGateConfig is the resolved merge-gate policy.
type ApprovalGateConfig struct {
	RequireHumanApproval  bool     `json:"require_human_approval"`
	AllowFullAutonomy     bool     `json:"allow_full_autonomy"`
	RiskThreshold         string   `json:"risk_threshold"`
	CriticalPaths         []string `json:"critical_paths,omitempty"`
	AutoApproveLabels     []string `json:"auto_approve_labels,omitempty"`
	RequireApprovalLabels []string `json:"require_approval_labels,omitempty"`
}

// RiskAssessment is the computed policy input for the approval gates.
type RiskAssessment struct {
	Level                 string   `json:"level"`
	Factors               []string `json:"factors,omitempty"`
	TouchesCriticalPath   bool     `json:"touches_critical_path"`
	RequiresHumanApproval bool     `json:"requires_human_approval"`
}

// ReviewContext is the PR machine's context, serialized with the snapshot.
type ReviewContext struct {
	statemachine.Queue

	PRNumber         int    `json:"pr_number"`
	RepoFullName     string `json:"repo_full_name"`
	InstallationID   int64  `json:"installation_id"`
	AuthorAgent      string `json:"author_agent,omitempty"`
	AuthorCredential string `json:"author_credential,omitempty"`

	Reviewers            []ReviewerConfig `json:"reviewers"`
	CurrentReviewerIndex int              `json:"current_reviewer_index"`
	CurrentSessionID     string           `json:"current_session_id,omitempty"`
	ReviewOutcomes       []ReviewOutcome  `json:"review_outcomes,omitempty"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
	MergeType  string `json:"merge_type,omitempty"`

	ApprovalGates  *ApprovalGateConfig `json:"approval_gates,omitempty"`
	RiskAssessment *RiskAssessment     `json:"risk_assessment,omitempty"`

	HumanApprovalGranted bool   `json:"human_approval_granted"`
	HumanApprover        string `json:"human_approver,omitempty"`

	IssueLabels  []string `json:"issue_labels,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
}

// CurrentReviewer returns the reviewer at the current index, or nil.
func (c *ReviewContext) CurrentReviewer() *ReviewerConfig {
	if c.CurrentReviewerIndex < 0 || c.CurrentReviewerIndex >= len(c.Reviewers) {
		return nil
	}
	return &c.Reviewers[c.CurrentReviewerIndex]
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// CanAutoMerge reports whether the PR may merge without a human:
// full autonomy, a granted human approval, an auto-approve label, or a
// computed risk assessment that does not demand a human.
func (c *ReviewContext) CanAutoMerge() bool {
	gates := c.ApprovalGates
	if gates == nil {
		return false
	}
	if gates.AllowFullAutonomy || c.HumanApprovalGranted {
		return true
	}
	for _, label := range c.IssueLabels {
		if containsFold(gates.AutoApproveLabels, label) {
			return true
		}
	}
	return c.RiskAssessment != nil && !c.RiskAssessment.RequiresHumanApproval
}

// RequiresHumanApproval reports whether a human gate applies.
func (c *ReviewContext) RequiresHumanApproval() bool {
	gates := c.ApprovalGates
	if gates == nil {
		return true
	}
	if gates.RequireHumanApproval {
		return true
	}
	for _, label := range c.IssueLabels {
		if containsFold(gates.RequireApprovalLabels, label) {
			return true
		}
	}
	return c.RiskAssessment != nil && c.RiskAssessment.RequiresHumanApproval
}
