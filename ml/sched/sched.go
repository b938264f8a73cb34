// Package sched implements Sched, the backend scheduler: it assigns every
// tensor of a graph to one of N priority-ordered backends, splits the
// graph at backend boundaries, inserts cross-backend copies, and drives
// allocation and execution through one ml/galloc.GAlloc shared by all
// backends (one TAlloc per backend).
package sched

import (
	"fmt"
	"log/slog"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/tsched/tsched/envconfig"
	"github.com/tsched/tsched/ml"
	"github.com/tsched/tsched/ml/alloc"
	"github.com/tsched/tsched/ml/galloc"
	"github.com/tsched/tsched/ml/idset"
)

// nCopiesParallel is the fixed pipeline depth used when a Sched is
// constructed with parallel=true.
const nCopiesParallel = 4

// MaxSplitInputs bounds how many foreign sources a single split accepts
// before a new split is forced, limiting worst-case copy fan-in per split.
const MaxSplitInputs = 16

const initialSplitCapacity = 16

// backendSlot is everything Sched tracks per registered backend. Every
// slot's TAlloc participates in one shared GAlloc running in multi-buffer
// mode, with a tensor's buffer id equal to its assigned backend index.
type backendSlot struct {
	backend ml.Backend
	buft    ml.BufferType
	ta      *alloc.TAlloc
	events  *ml.EventRing
}

// EvalCallback is invoked once per node during a stepped GraphCompute, as
// set by SetEvalCallback. The ask phase (ask=true) requests permission to
// run t; a later call with ask=false delivers the tensor once computed and
// may return false to request the run stop early.
type EvalCallback func(t *ml.Tensor, ask bool) bool

// Sched assigns, splits, allocates and executes a graph across N
// priority-ordered backends. A single Sched instance is not safe for
// concurrent use; each backend may internally use many threads.
type Sched struct {
	slots     []*backendSlot
	ga        *galloc.GAlloc
	nCopies   int
	opOffload bool

	backendID idset.Table[int]
	// copies maps an original tensor's ID to, for each destination backend
	// it has been shadow-copied to, its n_copies shadow tensors. The
	// per-tensor value is an OrderedMap rather than a plain map so a debug
	// trace walking it (e.g. to print every backend a weight was shadowed
	// to) sees backends in the order they were first requested, not
	// Go's randomized map order.
	copies idset.Table[*orderedmap.OrderedMap[int, []*ml.Tensor]]

	prevNodeBackendID []int
	nodeBackendID     []int
	prevLeafBackendID []int
	leafBackendID     []int

	curCopy  int
	nextCopy int

	isAlloc bool
	isReset bool

	splits   []*split
	composed *ml.Graph

	evalCB EvalCallback

	debugLevel uint
}

// New constructs a Sched over backends in priority order (index 0 =
// highest priority). bufts, if non-nil, overrides the buffer type used
// for each backend's TAlloc (default: backend.BufferType()). parallel
// selects a 4-deep copy pipeline; op_offload controls whether an op
// reading a host-resident weight may be promoted to a faster backend.
func New(backends []ml.Backend, bufts []ml.BufferType, parallel, opOffload bool) *Sched {
	nCopies := 1
	if parallel {
		nCopies = nCopiesParallel
	}

	s := &Sched{
		nCopies:    nCopies,
		opOffload:  opOffload,
		backendID:  *idset.NewTable[int](),
		copies:     *idset.NewTable[*orderedmap.OrderedMap[int, []*ml.Tensor]](),
		debugLevel: envconfig.DebugLevel(),
	}

	tallocs := make([]*alloc.TAlloc, len(backends))
	for i, b := range backends {
		buft := b.BufferType()
		if bufts != nil && bufts[i] != nil {
			buft = bufts[i]
		}
		ta := alloc.NewFromBuffer(ml.NewMeasureBuffer(buft))
		tallocs[i] = ta
		s.slots = append(s.slots, &backendSlot{
			backend: b,
			buft:    buft,
			ta:      ta,
			events:  ml.NewEventRing(1, nCopies),
		})
	}
	s.ga = galloc.NewN(tallocs)

	s.Reset()
	return s
}

// NewDefault constructs a Sched using each backend's native buffer type
// and the envconfig defaults for parallel/op_offload.
func NewDefault(backends []ml.Backend) *Sched {
	return New(backends, nil, envconfig.ParallelDefault(), envconfig.OpOffloadDefault(true))
}

// NBackends returns the number of registered backends.
func (s *Sched) NBackends() int { return len(s.slots) }

// GetBackend returns the i'th backend in priority order.
func (s *Sched) GetBackend(i int) ml.Backend { return s.slots[i].backend }

// GetBufferType returns the buffer type Sched uses for backend i.
func (s *Sched) GetBufferType(i int) ml.BufferType { return s.slots[i].buft }

// GetBufferSize returns the reserved buffer size for backend i.
func (s *Sched) GetBufferSize(i int) uint64 { return s.slots[i].ta.MaxSize() }

// NCopies returns the pipeline depth (1 if unparallel).
func (s *Sched) NCopies() int { return s.nCopies }

// NSplits returns the number of splits produced by the most recent
// AllocGraph.
func (s *Sched) NSplits() int { return len(s.splits) }

// SetEvalCallback installs a per-node stepping callback for GraphCompute.
func (s *Sched) SetEvalCallback(cb EvalCallback) { s.evalCB = cb }

// SetTensorBackend pins t to backend i, overriding the assignment passes.
// The pin is stable across splits and future AllocGraph calls until Reset.
func (s *Sched) SetTensorBackend(t *ml.Tensor, i int) {
	s.backendID.Set(t.ID, i)
}

// GetTensorBackend returns the backend t was assigned to by the most
// recent AllocGraph, or nil if unassigned.
func (s *Sched) GetTensorBackend(t *ml.Tensor) ml.Backend {
	i, ok := s.backendID.Get(t.ID)
	if !ok || i < 0 {
		return nil
	}
	return s.slots[i].backend
}

// ShadowBackends returns the backend indices t has been shadow-copied to
// so far, in the order each was first requested.
func (s *Sched) ShadowBackends(t *ml.Tensor) []int {
	byBackend, ok := s.copies.Get(t.ID)
	if !ok {
		return nil
	}
	out := make([]int, 0, byBackend.Len())
	for pair := byBackend.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Reset clears all tensor-identity bookkeeping and per-tensor backend
// assignments. Idempotent; must be called before a fresh AllocGraph after
// the graph's topology or backend assignment changes.
func (s *Sched) Reset() {
	s.backendID.Reset()
	s.copies.Reset()
	s.nodeBackendID = nil
	s.leafBackendID = nil
	s.prevNodeBackendID = nil
	s.prevLeafBackendID = nil
	s.splits = nil
	s.isAlloc = false
	s.isReset = true
}

func (s *Sched) backendIDOf(t *ml.Tensor) int {
	return s.backendID.GetOr(t.ID, -1)
}

// trace emits an assignment-trace line at verbosity level, no-op below the
// level set by TSCHED_DEBUG. Level 1 is per-graph summaries, level 2+ is
// per-node detail.
func (s *Sched) trace(level uint, msg string, args ...any) {
	if s.debugLevel < level {
		return
	}
	slog.Debug(msg, args...)
}

// backendIDFromCur implements the backend-assignment cascade: pre-allocated
// tensor, view of a pre-allocated tensor, graph input, weight affinity, or
// "unassigned" (-1).
func (s *Sched) backendIDFromCur(t *ml.Tensor) (int, error) {
	if id := s.backendIDOf(t); id >= 0 {
		return id, nil
	}

	if t.Buffer != nil {
		return s.backendForPreallocated(t, t.Buffer.BufferType())
	}
	if t.ViewSrc != nil && t.ViewSrc.Buffer != nil {
		return s.backendForPreallocated(t, t.ViewSrc.Buffer.BufferType())
	}
	if t.Flags.Has(ml.FlagInput) {
		return len(s.slots) - 1, nil
	}

	for _, src := range t.Srcs() {
		if !src.Flags.Has(ml.FlagWeights) {
			continue
		}
		wBackend := s.backendIDOf(src)
		if wBackend < 0 {
			continue
		}
		if t.Op == ml.OpRope {
			return wBackend, nil
		}
		if s.slots[wBackend].buft.IsHost() && s.opOffload {
			for i := 0; i < wBackend; i++ {
				if s.slots[i].backend.SupportsOp(t) && s.slots[i].backend.OffloadOp(t) {
					return i, nil
				}
			}
		}
		return wBackend, nil
	}

	return -1, nil
}

func (s *Sched) backendForPreallocated(t *ml.Tensor, buft ml.BufferType) (int, error) {
	for i, slot := range s.slots {
		if slot.backend.SupportsBufferType(buft) && slot.backend.SupportsOp(t) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("ml/sched: %w: tensor %s", ml.ErrPreAllocatedOnIncompatibleBackend, t)
}

// assign runs passes 1-4 of backend assignment over graph, leaving every
// non-view leaf and node with a non-negative backend id in s.backendID.
func (s *Sched) assign(graph *ml.Graph) error {
	all := graph.All()

	// Pass 1 - seed.
	for _, t := range all {
		if s.backendIDOf(t) >= 0 {
			continue
		}
		id, err := s.backendIDFromCur(t)
		if err != nil {
			return err
		}
		if id >= 0 {
			s.backendID.Set(t.ID, id)
		}
	}

	nodes := nonViewNodes(graph.Nodes)
	lastPriority := len(s.slots) - 1

	// Pass 2a - expand "GPU" downward.
	expand(nodes, true, func(i int) bool {
		return s.backendIDOf(nodes[i]) == lastPriority
	}, s)
	// Pass 2b - expand "GPU" upward.
	expandReverse(nodes, true, func(i int) bool {
		return s.backendIDOf(nodes[i]) == lastPriority
	}, s)
	// Pass 2c - expand rest downward.
	expand(nodes, false, func(i int) bool { return false }, s)
	// Pass 2d - expand rest upward.
	expandReverse(nodes, false, func(i int) bool { return false }, s)

	// Pass 3 - upgrade.
	for _, n := range nodes {
		if err := s.upgrade(n); err != nil {
			return err
		}
	}

	// Pass 4 - propagate.
	for _, n := range graph.Nodes {
		if n.Op.IsView() {
			if s.backendIDOf(n) < 0 && n.ViewSrc != nil {
				s.copyBackendID(n, n.ViewSrc)
			}
		}
		for _, src := range n.Srcs() {
			if s.backendIDOf(src) >= 0 {
				continue
			}
			if src.ViewSrc != nil {
				s.copyBackendID(src, src.ViewSrc)
			} else {
				s.copyBackendID(src, n)
			}
		}
		if s.backendIDOf(n) < 0 {
			for i, slot := range s.slots {
				if slot.backend.SupportsOp(n) {
					s.backendID.Set(n.ID, i)
					break
				}
			}
		}
		if s.backendIDOf(n) < 0 {
			return fmt.Errorf("ml/sched: %w: %s", ml.ErrNoBackendSupportsOp, n)
		}
		s.trace(2, "assigned node", "node", n.String(), "backend", s.backendIDOf(n))
	}

	s.trace(1, "assignment complete", "leafs", len(graph.Leafs), "nodes", len(graph.Nodes))
	return nil
}

func (s *Sched) copyBackendID(dst, src *ml.Tensor) {
	if id := s.backendIDOf(src); id >= 0 {
		s.backendID.Set(dst.ID, id)
	}
}

func (s *Sched) upgrade(n *ml.Tensor) error {
	if s.backendIDOf(n) < 0 {
		best, bestCount := -1, -1
		for i, slot := range s.slots {
			if !slot.backend.SupportsOp(n) {
				continue
			}
			count := 0
			for _, src := range n.Srcs() {
				if src.Buffer != nil && src.Buffer.BufferType() == slot.buft {
					count++
				}
			}
			if count > bestCount || (count == bestCount && best >= 0 && i < best) {
				best, bestCount = i, count
			}
		}
		if best >= 0 {
			s.backendID.Set(n.ID, best)
		}
		return nil
	}

	cur := s.backendIDOf(n)
	for i := 0; i < cur; i++ {
		slot := s.slots[i]
		if slot.buft != s.slots[cur].buft || !slot.backend.SupportsOp(n) {
			continue
		}
		allSupport := true
		for _, src := range n.Srcs() {
			if src.Buffer != nil && !slot.backend.SupportsBufferType(src.Buffer.BufferType()) {
				allSupport = false
				break
			}
		}
		if allSupport {
			s.backendID.Set(n.ID, i)
			return nil
		}
	}
	return nil
}

func nonViewNodes(nodes []*ml.Tensor) []*ml.Tensor {
	out := make([]*ml.Tensor, 0, len(nodes))
	for _, n := range nodes {
		if !n.Op.IsView() {
			out = append(out, n)
		}
	}
	return out
}

// expand walks nodes left to right, propagating a "current" backend id
// into unassigned nodes that the current backend can run. skipCPU, when
// true, refuses to let the last-priority backend's assignment propagate
// (used by passes 2a/2b so CPU doesn't colonise GPU-capable regions).
func expand(nodes []*ml.Tensor, skipCPU bool, isLastPriority func(i int) bool, s *Sched) {
	cur := -1
	for i, n := range nodes {
		if id := s.backendIDOf(n); id >= 0 {
			if skipCPU && isLastPriority(i) {
				cur = -1
			} else {
				cur = id
			}
			continue
		}
		if cur >= 0 && s.slots[cur].backend.SupportsOp(n) {
			s.backendID.Set(n.ID, cur)
		}
	}
}

func expandReverse(nodes []*ml.Tensor, skipCPU bool, isLastPriority func(i int) bool, s *Sched) {
	rev := make([]*ml.Tensor, len(nodes))
	for i, n := range nodes {
		rev[len(nodes)-1-i] = n
	}
	expand(rev, skipCPU, func(i int) bool { return isLastPriority(len(nodes) - 1 - i) }, s)
}

// Synchronize blocks until every backend has retired all submissions made
// so far, and resets the copy pipeline index once the scheduler is no
// longer holding an allocation (so the next decode step starts at copy 0).
func (s *Sched) Synchronize() {
	for _, slot := range s.slots {
		slot.backend.Synchronize()
	}
	if !s.isAlloc {
		s.nextCopy = 0
	}
}
