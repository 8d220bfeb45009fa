package pr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEscalations(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"none", "looks good to me", nil},
		{"single", "needs auth review <!-- escalate: sam -->", []string{"sam"}},
		{"multiple names", "<!-- escalate: sam, security-bot -->", []string{"sam", "security-bot"}},
		{"multiple markers", "<!-- escalate: sam --> and <!-- escalate: dana -->", []string{"sam", "dana"}},
		{"dedup", "<!-- escalate: sam, sam --><!-- escalate: sam -->", []string{"sam"}},
		{"whitespace", "<!--   escalate:   sam  ,  dana   -->", []string{"sam", "dana"}},
		{"empty marker", "<!-- escalate: -->", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseEscalations(tt.body))
		})
	}
}

func TestEscalationInsertsAfterCurrentReviewer(t *testing.T) {
	c := &ReviewContext{
		Reviewers: []ReviewerConfig{
			{Agent: "quinn", Type: ReviewerAgent, CanEscalate: []string{"sam"}},
			{Agent: "dana", Type: ReviewerAgent},
		},
	}

	honored := applyEscalations(c, ParseEscalations("needs auth work <!-- escalate: sam -->"))
	assert.Equal(t, []string{"sam"}, honored)

	var order []string
	for _, r := range c.Reviewers {
		order = append(order, r.Agent)
	}
	assert.Equal(t, []string{"quinn", "sam", "dana"}, order)
	assert.Equal(t, ReviewerAgent, c.Reviewers[1].Type)
}

func TestEscalationIgnoresUnauthorizedTargets(t *testing.T) {
	c := &ReviewContext{
		Reviewers: []ReviewerConfig{
			{Agent: "quinn", Type: ReviewerAgent, CanEscalate: []string{"sam"}},
		},
	}

	honored := applyEscalations(c, []string{"mallory"})
	assert.Nil(t, honored)
	assert.Len(t, c.Reviewers, 1)
}

func TestEscalationSkipsReviewersAlreadyInPipeline(t *testing.T) {
	c := &ReviewContext{
		Reviewers: []ReviewerConfig{
			{Agent: "quinn", Type: ReviewerAgent, CanEscalate: []string{"sam", "dana"}},
			{Agent: "dana", Type: ReviewerAgent},
		},
	}

	honored := applyEscalations(c, []string{"dana", "sam"})
	assert.Equal(t, []string{"sam"}, honored)

	var order []string
	for _, r := range c.Reviewers {
		order = append(order, r.Agent)
	}
	assert.Equal(t, []string{"quinn", "sam", "dana"}, order)
}

func TestEscalationFromMiddleOfPipeline(t *testing.T) {
	c := &ReviewContext{
		Reviewers: []ReviewerConfig{
			{Agent: "first", Type: ReviewerAgent},
			{Agent: "quinn", Type: ReviewerAgent, CanEscalate: []string{"sam", "security-bot"}},
			{Agent: "last", Type: ReviewerAgent},
		},
		CurrentReviewerIndex: 1,
	}

	honored := applyEscalations(c, []string{"sam", "security-bot"})
	assert.Equal(t, []string{"sam", "security-bot"}, honored)

	var order []string
	for _, r := range c.Reviewers {
		order = append(order, r.Agent)
	}
	assert.Equal(t, []string{"first", "quinn", "sam", "security-bot", "last"}, order)
}
