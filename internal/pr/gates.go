package pr

import "context"

// GateOverlay is one configuration layer (org or repo). Nil fields inherit
// from the layer below.
type GateOverlay struct {
	RequireHumanApproval  *bool    `json:"require_human_approval,omitempty" yaml:"require_human_approval,omitempty"`
	AllowFullAutonomy     *bool    `json:"allow_full_autonomy,omitempty" yaml:"allow_full_autonomy,omitempty"`
	RiskThreshold         *string  `json:"risk_threshold,omitempty" yaml:"risk_threshold,omitempty"`
	CriticalPaths         []string `json:"critical_paths,omitempty" yaml:"critical_paths,omitempty"`
	AutoApproveLabels     []string `json:"auto_approve_labels,omitempty" yaml:"auto_approve_labels,omitempty"`
	RequireApprovalLabels []string `json:"require_approval_labels,omitempty" yaml:"require_approval_labels,omitempty"`
	// InheritFromOrg is honored on the repo layer only; when false the org
	// layer is skipped.
	InheritFromOrg *bool `json:"inherit_from_org,omitempty" yaml:"inherit_from_org,omitempty"`
}

// DefaultGates is the base approval-gate policy.
func DefaultGates() ApprovalGateConfig {
	return ApprovalGateConfig{RiskThreshold: RiskHigh}
}

func (g *GateOverlay) applyTo(cfg *ApprovalGateConfig) {
	if g == nil {
		return
	}
	if g.RequireHumanApproval != nil {
		cfg.RequireHumanApproval = *g.RequireHumanApproval
	}
	if g.AllowFullAutonomy != nil {
		cfg.AllowFullAutonomy = *g.AllowFullAutonomy
	}
	if g.RiskThreshold != nil {
		cfg.RiskThreshold = *g.RiskThreshold
	}
	if g.CriticalPaths != nil {
		cfg.CriticalPaths = g.CriticalPaths
	}
	if g.AutoApproveLabels != nil {
		cfg.AutoApproveLabels = g.AutoApproveLabels
	}
	if g.RequireApprovalLabels != nil {
		cfg.RequireApprovalLabels = g.RequireApprovalLabels
	}
}

// ResolveGates merges the configuration cascade: defaults, then org, then
// repo. A repo layer with inherit_from_org = false applies directly on the
// defaults.
func ResolveGates(org, repo *GateOverlay) ApprovalGateConfig {
	cfg := DefaultGates()
	if repo != nil && repo.InheritFromOrg != nil && !*repo.InheritFromOrg {
		repo.applyTo(&cfg)
		return cfg
	}
	org.applyTo(&cfg)
	repo.applyTo(&cfg)
	return cfg
}

// GateLoader resolves the org and repo gate overlays for a repository.
type GateLoader interface {
	Load(ctx context.Context, repoFullName string) (org, repo *GateOverlay, err error)
}

// StaticGateLoader serves overlays from memory, keyed by repo full name.
type StaticGateLoader struct {
	Org   *GateOverlay
	Repos map[string]*GateOverlay
}

// Load returns the configured overlays; missing layers come back nil.
func (l *StaticGateLoader) Load(_ context.Context, repoFullName string) (*GateOverlay, *GateOverlay, error) {
	if l == nil {
		return nil, nil, nil
	}
	return l.Org, l.Repos[repoFullName], nil
}
