package sched

import "github.com/tsched/tsched/ml"

// maxFusionGroup bounds how many nodes a single ADD/NORM-rooted fusion
// group may span.
const maxFusionGroup = 16

// matmulWindow bounds how far ahead reorderForFusion will look for a
// matching matmul to pull forward.
const matmulWindow = 8

// fusionGroup is a contiguous run of nodes the reorder pass must move (or
// leave) as a unit: breaking one apart could separate ops a backend fuses
// into a single kernel.
type fusionGroup []*ml.Tensor

func canFuseStart(op ml.Op) bool {
	return op == ml.OpAdd || op == ml.OpRMSNorm
}

func canFuseContinue(op ml.Op) bool {
	switch op {
	case ml.OpAdd, ml.OpMul, ml.OpRMSNorm:
		return true
	default:
		return false
	}
}

func isMatmulGroup(g fusionGroup) bool {
	return len(g) == 1 && (g[0].Op == ml.OpMulMat || g[0].Op == ml.OpMulMatID)
}

// groupNodes partitions nodes into fusion groups (runs starting with ADD
// or RMS_NORM and continuing through ADD/MUL/RMS_NORM, capped at
// maxFusionGroup) and singletons for everything else.
func groupNodes(nodes []*ml.Tensor) []fusionGroup {
	var groups []fusionGroup
	for i := 0; i < len(nodes); {
		if canFuseStart(nodes[i].Op) {
			j := i + 1
			for j < len(nodes) && j-i < maxFusionGroup && canFuseContinue(nodes[j].Op) {
				j++
			}
			groups = append(groups, fusionGroup(nodes[i:j]))
			i = j
			continue
		}
		groups = append(groups, fusionGroup(nodes[i:i+1]))
		i++
	}
	return groups
}

func groupIDs(g fusionGroup) map[uint64]bool {
	ids := make(map[uint64]bool, len(g))
	for _, t := range g {
		ids[t.ID] = true
	}
	return ids
}

// dependsOnAny reports whether any node in g references (directly, via
// Src) a tensor whose ID is in ids.
func dependsOnAny(g fusionGroup, ids map[uint64]bool) bool {
	for _, t := range g {
		for _, src := range t.Srcs() {
			if ids[src.ID] {
				return true
			}
		}
	}
	return false
}

// safeToHoist reports whether moving groups[target] to immediately follow
// groups[after] is topologically valid: nothing it would jump over
// depends on it, and it doesn't depend on anything it would jump over.
func safeToHoist(groups []fusionGroup, after, target int) bool {
	targetIDs := groupIDs(groups[target])
	for k := after + 1; k < target; k++ {
		if dependsOnAny(groups[k], targetIDs) {
			return false
		}
		if dependsOnAny(groups[target], groupIDs(groups[k])) {
			return false
		}
	}
	return true
}

// reorderForFusion implements the pre-split optimisation hook: it stacks
// matmul-like ops sharing the same src[1] within a small forward window,
// moving whole fusion groups rather than individual nodes, and only when
// doing so cannot change the graph's data dependencies. It never changes
// correctness; a pass that finds nothing to hoist is a no-op.
func reorderForFusion(nodes []*ml.Tensor) []*ml.Tensor {
	groups := groupNodes(nodes)

	for i := 0; i < len(groups); i++ {
		if !isMatmulGroup(groups[i]) {
			continue
		}
		key := groups[i][0].Src[1]
		if key == nil {
			continue
		}
		limit := i + matmulWindow
		if limit > len(groups) {
			limit = len(groups)
		}
		for j := i + 2; j < limit; j++ {
			if !isMatmulGroup(groups[j]) || groups[j][0].Src[1] != key {
				continue
			}
			if !safeToHoist(groups, i, j) {
				continue
			}
			g := groups[j]
			groups = append(groups[:j], groups[j+1:]...)
			tail := append([]fusionGroup{g}, groups[i+1:]...)
			groups = append(groups[:i+1:i+1], tail...)
			break
		}
	}

	out := make([]*ml.Tensor, 0, len(nodes))
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
