// types.go - data types and op/flag enums shared by the allocator, the graph
// allocator, and the scheduler.
package ml

// DType represents the data type of tensor elements.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeQ80
	DTypeQ40
	DTypeI32
)

// Op identifies the computation (if any) that produced a tensor.
type Op int

const (
	// OpNone marks a leaf tensor: a weight or a graph input.
	OpNone Op = iota

	// View-producing ops. A tensor with one of these as its Op always has
	// ViewSrc set and owns no storage of its own.
	OpView
	OpReshape
	OpPermute
	OpTranspose

	// In-place-eligible elementwise/compute ops, see CanInplace.
	OpScale
	OpDiagMaskZero
	OpDiagMaskInf
	OpAdd
	OpAdd1
	OpSub
	OpMul
	OpDiv
	OpSqr
	OpSqrt
	OpLog
	OpUnary
	OpRope
	OpRMSNorm
	OpSoftMax

	// Other compute ops that are never eligible for in-place reuse.
	OpMulMat
	OpMulMatID
	OpCompute // catch-all for kernels opaque to this package
)

// IsView reports whether op always produces a tensor that aliases another
// tensor's storage rather than owning its own.
func (op Op) IsView() bool {
	switch op {
	case OpView, OpReshape, OpPermute, OpTranspose:
		return true
	default:
		return false
	}
}

// canInplace is the whitelist of ops allowed to reuse a same-layout
// input's storage in place. Kept as a lookup table, not a predicate
// function, so the set is trivially auditable at a glance.
var canInplace = map[Op]bool{
	OpScale:        true,
	OpDiagMaskZero: true,
	OpDiagMaskInf:  true,
	OpAdd:          true,
	OpAdd1:         true,
	OpSub:          true,
	OpMul:          true,
	OpDiv:          true,
	OpSqr:          true,
	OpSqrt:         true,
	OpLog:          true,
	OpUnary:        true,
	OpRope:         true,
	OpRMSNorm:      true,
	OpSoftMax:      true,
}

// CanInplace reports whether op is in the in-place reuse whitelist.
func (op Op) CanInplace() bool {
	return canInplace[op]
}

// Flag is a bitset of user-settable tensor flags.
type Flag uint32

const (
	// FlagInput marks a graph input. Never overwritten by reuse and always
	// assigned to the lowest-priority backend during seeding.
	FlagInput Flag = 1 << iota

	// FlagOutput marks a graph output. Never freed by the graph allocator.
	FlagOutput

	// FlagWeights marks a tensor as model weights. Drives the
	// weight-affinity backend-assignment heuristic and the weight-driven
	// split rule.
	FlagWeights
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// MaxSrc bounds the number of input tensors a single node may reference,
// mirroring ggml's GGML_MAX_SRC.
const MaxSrc = 10

// MaxOpParams is the size in bytes of the small inline op-parameter blob
// carried on every tensor.
const MaxOpParams = 64
