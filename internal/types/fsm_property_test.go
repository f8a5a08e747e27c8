package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genProposalState() gopter.Gen {
	return gen.OneConstOf(ProposalDraft, ProposalValidated, ProposalApproved,
		ProposalCommitted, ProposalRejected, ProposalFailed)
}

func genBlockState() gopter.Gen {
	return gen.OneConstOf(BlockProposed, BlockAccepted, BlockLocked,
		BlockConstant, BlockRejected, BlockSuperseded)
}

func TestProposalTransitionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("terminal states admit no transitions", prop.ForAll(
		func(from, to ProposalState) bool {
			if !from.Terminal() {
				return true
			}
			return !CanTransitionProposal(from, to)
		},
		genProposalState(), genProposalState(),
	))

	properties.Property("COMMITTED is only reachable from APPROVED", prop.ForAll(
		func(from ProposalState) bool {
			if CanTransitionProposal(from, ProposalCommitted) {
				return from == ProposalApproved
			}
			return true
		},
		genProposalState(),
	))

	properties.Property("nothing transitions back to DRAFT", prop.ForAll(
		func(from ProposalState) bool {
			return !CanTransitionProposal(from, ProposalDraft)
		},
		genProposalState(),
	))

	properties.Property("legal transitions connect valid states", prop.ForAll(
		func(from, to ProposalState) bool {
			if CanTransitionProposal(from, to) {
				return from.IsValid() && to.IsValid() && from != to
			}
			return true
		},
		genProposalState(), genProposalState(),
	))

	properties.Property("FAILED is absorbing", prop.ForAll(
		func(to ProposalState) bool {
			return ProposalFailed.Terminal() && !CanTransitionProposal(ProposalFailed, to)
		},
		genProposalState(),
	))

	properties.TestingRun(t)
}

func TestProposalRandomWalkReachesTerminal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// A walk that always takes the first legal transition must end in a
	// terminal state within a few hops; the machine has no cycles.
	properties.Property("greedy walk from any state terminates", prop.ForAll(
		func(start ProposalState) bool {
			state := start
			for i := 0; i < 10; i++ {
				next, ok := firstProposalEdge(state)
				if !ok {
					return state.Terminal()
				}
				state = next
			}
			return false
		},
		genProposalState(),
	))

	properties.TestingRun(t)
}

func firstProposalEdge(from ProposalState) (ProposalState, bool) {
	for _, to := range []ProposalState{ProposalValidated, ProposalApproved,
		ProposalCommitted, ProposalRejected, ProposalFailed} {
		if CanTransitionProposal(from, to) {
			return to, true
		}
	}
	return from, false
}

func TestBlockTransitionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("terminal states admit no transitions", prop.ForAll(
		func(from, to BlockState) bool {
			if !from.Terminal() {
				return true
			}
			return !CanTransitionBlock(from, to)
		},
		genBlockState(), genBlockState(),
	))

	properties.Property("CONSTANT never moves", prop.ForAll(
		func(to BlockState) bool {
			return !CanTransitionBlock(BlockConstant, to)
		},
		genBlockState(),
	))

	properties.Property("CONSTANT is only reachable from LOCKED", prop.ForAll(
		func(from BlockState) bool {
			if CanTransitionBlock(from, BlockConstant) {
				return from == BlockLocked
			}
			return true
		},
		genBlockState(),
	))

	properties.Property("nothing transitions back to PROPOSED", prop.ForAll(
		func(from BlockState) bool {
			return !CanTransitionBlock(from, BlockProposed)
		},
		genBlockState(),
	))

	properties.Property("agents may only assign PROPOSED or SUPERSEDED", prop.ForAll(
		func(s BlockState) bool {
			if s.AgentAssignable() {
				return s == BlockProposed || s == BlockSuperseded
			}
			return true
		},
		genBlockState(),
	))

	properties.TestingRun(t)
}

func TestApplyPatchProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("applying the same patch twice is a no-op", prop.ForAll(
		func(title, content string) bool {
			b := &Block{Title: "before", Content: "old"}
			patch := BlockPatch{Title: &title, Content: &content}
			ApplyPatch(b, patch)
			return !ApplyPatch(b, patch)
		},
		gen.AnyString(), gen.AnyString(),
	))

	properties.Property("patch reports change iff a field differs", prop.ForAll(
		func(title, content string) bool {
			b := &Block{Title: title, Content: content}
			changed := ApplyPatch(b, BlockPatch{Title: &title, Content: &content})
			return !changed
		},
		gen.AnyString(), gen.AnyString(),
	))

	properties.Property("revision changes content iff it differs", prop.ForAll(
		func(before, after string) bool {
			b := &Block{Content: before}
			changed := ApplyRevision(b, after)
			if before == after {
				return !changed && b.Content == before
			}
			return changed && b.Content == after
		},
		gen.AnyString(), gen.AnyString(),
	))

	properties.TestingRun(t)
}
