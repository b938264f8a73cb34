// Command tschedctl builds a small synthetic graph from a textual op chain,
// runs it through ml/sched's Reserve -> AllocGraph -> GraphCompute pipeline
// across a set of registered backends, and prints each backend's reserved
// buffer size, the split count, and a sample of the output tensor when it
// is host-resident; -debug turns on the assignment and split trace. It
// exists to poke at the scheduler by hand,
// the way `ollama run` pokes at the model runner; the op chain syntax
// itself is intentionally minimal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tsched/tsched/envconfig"
	"github.com/tsched/tsched/ml"
	_ "github.com/tsched/tsched/ml/backend/cpu"
	_ "github.com/tsched/tsched/ml/backend/mock"
	"github.com/tsched/tsched/ml/sched"
)

func main() {
	backendsFlag := flag.String("backends", "mock,cpu", "comma-separated backend kinds, highest priority first")
	opsFlag := flag.String("ops", "mulmat,rmsnorm,scale", "comma-separated op chain to build a linear graph from")
	parallel := flag.Bool("parallel", false, "use a 4-deep pipelined copy schedule")
	debug := flag.Uint("debug", 0, "assignment-trace verbosity (0-4), overrides TSCHED_DEBUG")
	flag.Parse()

	if *debug > 0 {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		os.Setenv("TSCHED_DEBUG", fmt.Sprint(*debug))
	}

	backends, err := buildBackends(*backendsFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tschedctl:", err)
		os.Exit(1)
	}

	graph := buildGraph(*opsFlag)

	s := sched.New(backends, nil, *parallel, envconfig.OpOffloadDefault(true))

	if _, err := s.Reserve(graph); err != nil {
		fmt.Fprintln(os.Stderr, "tschedctl: reserve:", err)
		os.Exit(1)
	}
	if _, err := s.AllocGraph(graph); err != nil {
		fmt.Fprintln(os.Stderr, "tschedctl: alloc_graph:", err)
		os.Exit(1)
	}
	if err := s.GraphCompute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "tschedctl: graph_compute:", err)
		os.Exit(1)
	}

	for i := 0; i < s.NBackends(); i++ {
		fmt.Printf("backend %d: %-8s buffer=%d bytes\n", i, s.GetBackend(i).Name(), s.GetBufferSize(i))
	}
	fmt.Printf("%d split(s)\n", s.NSplits())

	if out := outputTensor(graph); out != nil {
		printSample(out)
	}
}

func outputTensor(g *ml.Graph) *ml.Tensor {
	for i := len(g.Nodes) - 1; i >= 0; i-- {
		if g.Nodes[i].Flags.Has(ml.FlagOutput) {
			return g.Nodes[i]
		}
	}
	return nil
}

func printSample(t *ml.Tensor) {
	if t.Buffer == nil || !t.Buffer.BufferType().IsHost() {
		return
	}
	n := t.Nbytes()
	if max := uint64(64); n > max {
		n = max
	}
	raw, err := t.Buffer.GetTensor(t, 0, n)
	if err != nil {
		return
	}
	vals := ml.DecodeFloats(t.Type, raw)
	fmt.Printf("output %q sample: %v\n", t.Name, vals)
}

func buildBackends(spec string) ([]ml.Backend, error) {
	kinds := strings.Split(spec, ",")
	backends := make([]ml.Backend, 0, len(kinds))
	for i, kind := range kinds {
		kind = strings.TrimSpace(kind)
		b, err := ml.NewBackend(kind, fmt.Sprintf("%s%d", kind, i))
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", kind, err)
		}
		backends = append(backends, b)
	}
	return backends, nil
}

var opsByName = map[string]ml.Op{
	"scale":    ml.OpScale,
	"add":      ml.OpAdd,
	"sub":      ml.OpSub,
	"mul":      ml.OpMul,
	"div":      ml.OpDiv,
	"rmsnorm":  ml.OpRMSNorm,
	"rope":     ml.OpRope,
	"softmax":  ml.OpSoftMax,
	"mulmat":   ml.OpMulMat,
	"mulmatid": ml.OpMulMatID,
}

// buildGraph turns a comma-separated op chain into a linear Graph: a single
// input leaf feeds the first op, each later op consumes the previous
// result, and every "mulmat"/"mulmatid" step gets its own WEIGHTS leaf as
// Src[0].
func buildGraph(chain string) *ml.Graph {
	x := ml.NewTensor(ml.DTypeF32, 32, 32)
	x.Name = "input"
	x.Flags = ml.FlagInput

	g := &ml.Graph{Leafs: []*ml.Tensor{x}}
	cur := x

	for i, name := range strings.Split(chain, ",") {
		name = strings.TrimSpace(name)
		op, ok := opsByName[name]
		if !ok {
			continue
		}

		var n *ml.Tensor
		switch op {
		case ml.OpMulMat, ml.OpMulMatID:
			w := ml.NewTensor(ml.DTypeF32, 32, 32)
			w.Name = fmt.Sprintf("weight%d", i)
			w.Flags = ml.FlagWeights
			g.Leafs = append(g.Leafs, w)
			n = ml.NewTensor(cur.Type, cur.NE[:cur.NDims]...)
			n.Op = op
			n.Src[0] = w
			n.Src[1] = cur
		default:
			n = ml.NewTensor(cur.Type, cur.NE[:cur.NDims]...)
			n.Op = op
			n.Src[0] = cur
		}
		n.Name = fmt.Sprintf("%s%d", name, i)
		g.Nodes = append(g.Nodes, n)
		cur = n
	}

	if len(g.Nodes) > 0 {
		g.Nodes[len(g.Nodes)-1].Flags |= ml.FlagOutput
	}
	return g
}
