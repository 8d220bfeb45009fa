package pr

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Risk levels.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

var riskLevels = map[string]int{
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// AssessRisk computes the risk of a change set: any file matching a critical
// path glob escalates to critical; otherwise the level follows change size
// (>50 files high, >20 medium). A human is required when the level reaches
// the gate threshold or a critical path is touched.
func AssessRisk(filesChanged []string, gates *ApprovalGateConfig) *RiskAssessment {
	assessment := &RiskAssessment{Level: RiskLow}

	for _, pattern := range gates.CriticalPaths {
		for _, file := range filesChanged {
			ok, err := doublestar.Match(pattern, file)
			if err != nil {
				// Malformed pattern; skip it rather than fail the gate.
				break
			}
			if ok {
				assessment.TouchesCriticalPath = true
				assessment.Level = RiskCritical
				assessment.Factors = append(assessment.Factors,
					fmt.Sprintf("file %s matches critical path %s", file, pattern))
				break
			}
		}
		if assessment.TouchesCriticalPath {
			break
		}
	}

	if !assessment.TouchesCriticalPath {
		switch n := len(filesChanged); {
		case n > 50:
			assessment.Level = RiskHigh
			assessment.Factors = append(assessment.Factors, fmt.Sprintf("%d files changed", n))
		case n > 20:
			assessment.Level = RiskMedium
			assessment.Factors = append(assessment.Factors, fmt.Sprintf("%d files changed", n))
		}
	}

	threshold := riskLevels[gates.RiskThreshold]
	if threshold == 0 {
		threshold = riskLevels[RiskHigh]
	}
	assessment.RequiresHumanApproval = riskLevels[assessment.Level] >= threshold || assessment.TouchesCriticalPath
	return assessment
}
