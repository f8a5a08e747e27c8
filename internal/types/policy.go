package types

import "fmt"

// OpRule is a per-op-kind policy knob. A non-empty Decision overrides the
// confidence gate entirely; MinConfidence tightens it for that kind only.
type OpRule struct {
	Decision      PolicyDecision `json:"decision,omitempty" yaml:"decision,omitempty"`
	MinConfidence float64        `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
}

// Policy is the governance policy table: data, not code. The daemon loads
// the default policy from configuration and baskets may carry overrides.
type Policy struct {
	// AutoApproveThreshold is the minimum proposal confidence for agent
	// proposals to commit without review.
	AutoApproveThreshold float64 `json:"auto_approve_threshold" yaml:"auto_approve_threshold"`

	// MaxOps caps ops per proposal before review is forced.
	MaxOps int `json:"max_ops" yaml:"max_ops"`

	// MaxBlocksAffected caps existing blocks touched per proposal before
	// review is forced.
	MaxBlocksAffected int `json:"max_blocks_affected" yaml:"max_blocks_affected"`

	// DedupSimilarity is the embedding similarity above which a proposed
	// block is flagged as a near-duplicate, demoting auto-approval.
	DedupSimilarity float64 `json:"dedup_similarity" yaml:"dedup_similarity"`

	// AutoApproveHumanEdits commits validated human edits without a
	// second reviewer when true.
	AutoApproveHumanEdits bool `json:"auto_approve_human_edits" yaml:"auto_approve_human_edits"`

	// OpRules holds per-op-kind overrides keyed by op kind name.
	OpRules map[OpKind]OpRule `json:"op_rules,omitempty" yaml:"op_rules,omitempty"`
}

// DefaultPolicy returns the stock policy: merges always reviewed, agent
// proposals auto-approved at 0.7 confidence, dedup flagged at 0.85.
func DefaultPolicy() *Policy {
	return &Policy{
		AutoApproveThreshold:  0.7,
		MaxOps:                50,
		MaxBlocksAffected:     20,
		DedupSimilarity:       0.85,
		AutoApproveHumanEdits: true,
		OpRules: map[OpKind]OpRule{
			OpMergeBlocks: {Decision: DecisionRequireReview},
		},
	}
}

// Validate checks policy bounds.
func (p *Policy) Validate() error {
	if p.AutoApproveThreshold < 0 || p.AutoApproveThreshold > 1 {
		return fmt.Errorf("auto_approve_threshold must be in [0,1], got %f", p.AutoApproveThreshold)
	}
	if p.DedupSimilarity < 0 || p.DedupSimilarity > 1 {
		return fmt.Errorf("dedup_similarity must be in [0,1], got %f", p.DedupSimilarity)
	}
	if p.MaxOps < 1 {
		return fmt.Errorf("max_ops must be >= 1, got %d", p.MaxOps)
	}
	if p.MaxBlocksAffected < 0 {
		return fmt.Errorf("max_blocks_affected cannot be negative")
	}
	for kind, rule := range p.OpRules {
		if !kind.IsValid() {
			return fmt.Errorf("op_rules: unknown op kind %q", kind)
		}
		if rule.Decision != "" && !rule.Decision.IsValid() {
			return fmt.Errorf("op_rules[%s]: invalid decision %q", kind, rule.Decision)
		}
		if rule.MinConfidence < 0 || rule.MinConfidence > 1 {
			return fmt.Errorf("op_rules[%s]: min_confidence must be in [0,1]", kind)
		}
	}
	return nil
}

// RuleFor returns the override rule for an op kind, if any.
func (p *Policy) RuleFor(kind OpKind) (OpRule, bool) {
	rule, ok := p.OpRules[kind]
	return rule, ok
}
