package governance

import (
	"context"
	"errors"
	"sync"

	"github.com/loamlabs/loam/internal/storage"
	"github.com/loamlabs/loam/internal/types"
)

// policySource resolves the effective policy for a basket: the workspace
// default, overlaid with any fields the basket's stored override sets.
// The default is swappable at runtime for hot reload.
type policySource struct {
	mu    sync.RWMutex
	deflt *types.Policy
	store storage.Store
}

func newPolicySource(store storage.Store, deflt *types.Policy) *policySource {
	if deflt == nil {
		deflt = types.DefaultPolicy()
	}
	return &policySource{store: store, deflt: deflt}
}

// setDefault replaces the default policy. Safe to call while validations
// run; in-flight validations keep the policy they started with.
func (ps *policySource) setDefault(p *types.Policy) {
	if p == nil {
		return
	}
	ps.mu.Lock()
	ps.deflt = p
	ps.mu.Unlock()
}

// effective returns the policy governing one basket.
func (ps *policySource) effective(ctx context.Context, basketID string) (*types.Policy, error) {
	ps.mu.RLock()
	base := ps.deflt
	ps.mu.RUnlock()

	override, err := ps.store.GetBasketPolicy(ctx, basketID)
	if errors.Is(err, storage.ErrNotFound) {
		return base, nil
	}
	if err != nil {
		return nil, err
	}
	return mergePolicy(base, override), nil
}

// mergePolicy overlays an override on a base policy. Zero-valued numeric
// fields inherit the base; OpRules merge per kind. AutoApproveHumanEdits
// always comes from the override, since a basket opting into stricter
// review is the whole point of overriding.
func mergePolicy(base, override *types.Policy) *types.Policy {
	merged := *base
	if override.AutoApproveThreshold > 0 {
		merged.AutoApproveThreshold = override.AutoApproveThreshold
	}
	if override.MaxOps > 0 {
		merged.MaxOps = override.MaxOps
	}
	if override.MaxBlocksAffected > 0 {
		merged.MaxBlocksAffected = override.MaxBlocksAffected
	}
	if override.DedupSimilarity > 0 {
		merged.DedupSimilarity = override.DedupSimilarity
	}
	merged.AutoApproveHumanEdits = override.AutoApproveHumanEdits

	if len(override.OpRules) > 0 {
		rules := make(map[types.OpKind]types.OpRule, len(base.OpRules)+len(override.OpRules))
		for k, r := range base.OpRules {
			rules[k] = r
		}
		for k, r := range override.OpRules {
			rules[k] = r
		}
		merged.OpRules = rules
	}
	return &merged
}
