package sched

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/tsched/tsched/ml"
)

// splitInput is one foreign source a split needs copied in before it can
// run: either a user graph input (shadow-copied once per pipeline slot)
// or an intermediate tensor produced by an earlier split.
type splitInput struct {
	original     *ml.Tensor
	copy         *ml.Tensor // the shadow tensor selected for cur_copy
	isGraphInput bool
}

// split is a maximal run of consecutive nodes assigned to the same
// backend, plus the foreign sources it needs copied in first.
type split struct {
	backendID int
	nodes     []*ml.Tensor
	inputs    []*splitInput
}

// buildSplits scans nodes in order and groups them into backend-homogeneous
// splits, starting a new split when the backend changes, when a weight
// source's backend is incompatible with the current split, or when the
// current split has already accepted MaxSplitInputs foreign sources.
func (s *Sched) buildSplits(nodes []*ml.Tensor) []*split {
	splits := make([]*split, 0, initialSplitCapacity)
	var cur *split

	for _, n := range nodes {
		if n.Op.IsView() {
			if cur == nil {
				cur = &split{backendID: s.backendIDOf(n)}
				splits = append(splits, cur)
			}
			cur.nodes = append(cur.nodes, n)
			continue
		}

		backendID := s.backendIDOf(n)

		needNew := cur == nil || backendID != cur.backendID
		if !needNew {
			if id := s.weightDrivenSplit(n, cur.backendID); id {
				needNew = true
			}
		}
		if !needNew && len(cur.inputs) >= MaxSplitInputs {
			if s.hasForeignSrc(n, cur.backendID) {
				needNew = true
			}
		}

		if needNew {
			cur = &split{backendID: backendID}
			splits = append(splits, cur)
		}

		cur.nodes = append(cur.nodes, n)
		s.collectInputs(cur, n)
	}

	s.trace(1, "split", "count", len(splits))
	for i, sp := range splits {
		s.trace(2, "split detail", "index", i, "backend", sp.backendID, "nodes", len(sp.nodes), "inputs", len(sp.inputs))
	}
	return splits
}

// weightDrivenSplit reports whether n has a WEIGHTS source whose backend
// differs from curBackend and whose buffer type curBackend cannot address
// -- forcing a split so the previous split's weight buffers can be
// recycled rather than kept alive across a backend boundary.
func (s *Sched) weightDrivenSplit(n *ml.Tensor, curBackend int) bool {
	for _, src := range n.Srcs() {
		if !src.Flags.Has(ml.FlagWeights) {
			continue
		}
		srcBackend := s.backendIDOf(src)
		if srcBackend == curBackend {
			continue
		}
		if src.Buffer == nil {
			continue
		}
		if !s.slots[curBackend].backend.SupportsBufferType(src.Buffer.BufferType()) {
			return true
		}
	}
	return false
}

func (s *Sched) hasForeignSrc(n *ml.Tensor, curBackend int) bool {
	for _, src := range n.Srcs() {
		if s.backendIDOf(src) != curBackend && !s.supportedAt(src, curBackend) {
			return true
		}
	}
	return false
}

func (s *Sched) supportedAt(t *ml.Tensor, backendID int) bool {
	if t.Buffer == nil {
		return s.backendIDOf(t) == backendID
	}
	return s.slots[backendID].backend.SupportsBufferType(t.Buffer.BufferType())
}

// collectInputs rewrites n's sources that are not already resident on
// split's backend to point at a shadow copy, recording that copy as a
// split input.
func (s *Sched) collectInputs(sp *split, n *ml.Tensor) {
	for j, src := range n.Src {
		if src == nil {
			continue
		}
		if s.backendIDOf(src) == sp.backendID && s.supportedAt(src, sp.backendID) {
			continue
		}

		shadow := s.shadowCopyFor(src, sp.backendID)

		isGraphInput := src.Flags.Has(ml.FlagInput) && s.nCopies > 1
		sp.inputs = append(sp.inputs, &splitInput{
			original:     src,
			copy:         shadow,
			isGraphInput: isGraphInput,
		})

		n.Src[j] = shadow
	}
}

// shadowCopyFor returns the cur_copy shadow tensor for src on backendID,
// creating the full n_copies set the first time src is copied to that
// backend.
func (s *Sched) shadowCopyFor(src *ml.Tensor, backendID int) *ml.Tensor {
	byBackend, ok := s.copies.Get(src.ID)
	if !ok {
		byBackend = orderedmap.New[int, []*ml.Tensor]()
		s.copies.Set(src.ID, byBackend)
	}
	shadows, ok := byBackend.Get(backendID)
	if !ok {
		shadows = make([]*ml.Tensor, s.nCopies)
		for c := range shadows {
			cp := ml.NewTensor(src.Type, src.NE[:src.NDims]...)
			cp.Name = fmt.Sprintf("%s#%s#%d", s.slots[backendID].backend.Name(), src.Name, c)
			shadows[c] = cp
		}
		byBackend.Set(backendID, shadows)
	}
	return shadows[s.curCopy]
}

// composedGraph concatenates, in split order, an input-dependency/copy
// node pair for every split input followed by the split's own nodes. When
// nCopies > 1 it also lists every distinct shadow tensor as a leaf; GAlloc
// does not allocate leafs up front, so each shadow is placed when its copy
// node is reached in node order.
func (s *Sched) composedGraph(splits []*split) *ml.Graph {
	g := &ml.Graph{}

	seenLeaf := map[uint64]bool{}
	for _, sp := range splits {
		for _, in := range sp.inputs {
			dep := ml.NewView(ml.OpView, in.original, 0, in.original.NE[:in.original.NDims]...)
			dep.Src[0] = in.original
			s.backendID.Set(dep.ID, s.backendIDOf(in.original))
			g.Nodes = append(g.Nodes, dep)

			s.backendID.Set(in.copy.ID, sp.backendID)
			g.Nodes = append(g.Nodes, in.copy)

			if s.nCopies > 1 && !seenLeaf[in.copy.ID] {
				seenLeaf[in.copy.ID] = true
				g.Leafs = append(g.Leafs, in.copy)
			}
		}
		g.Nodes = append(g.Nodes, sp.nodes...)
	}
	return g
}
