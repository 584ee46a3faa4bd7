// Package plan turns a graph into an executable evaluation plan.
//
// A plan fixes the target outlets, eliminates every node the targets do not
// depend on, and schedules the rest deterministically. Running the plan
// evaluates node by node, keeping each intermediate tensor alive exactly as
// long as a later step still needs it.
package plan

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/graph"
	"github.com/gomlx/tensorplan/tensors"
)

// Sentinels for the two run-time failure kinds.
var (
	// ErrMissingInput marks a run called without a tensor for a needed source.
	ErrMissingInput = errors.New("missing input")
	// ErrEval wraps an operator failure during a run.
	ErrEval = errors.New("evaluation failed")
)

// Plan is a reusable, immutable execution plan for a fixed set of targets.
// A plan is safe for concurrent use; each run keeps its own tensor cache.
type Plan struct {
	graph   *graph.Graph
	targets []graph.OutletID
	order   []graph.NodeID

	// uses counts, per outlet, the consuming input slots within the scheduled
	// subgraph plus the times it appears as a target. A tensor is dropped as
	// soon as its remaining uses reach zero.
	uses map[graph.OutletID]int

	// sources maps the scheduled source nodes to their declared facts, which
	// supplied tensors are validated against.
	sources map[graph.NodeID]*facts.TensorFact
}

// New builds a plan computing the given target outlets. With no explicit
// targets the graph's marked outputs are used.
func New(g *graph.Graph, targets ...graph.OutletID) (*Plan, error) {
	if len(targets) == 0 {
		targets = g.Outputs()
	}
	if len(targets) == 0 {
		return nil, errors.Wrapf(graph.ErrInvalidInput, "plan has no targets and the graph has no marked outputs")
	}
	order, err := g.EvalOrder(targets...)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		graph:   g,
		targets: append([]graph.OutletID(nil), targets...),
		order:   order,
		uses:    make(map[graph.OutletID]int),
		sources: make(map[graph.NodeID]*facts.TensorFact),
	}
	for _, id := range order {
		for _, in := range g.Node(id).Inputs {
			p.uses[in]++
		}
		if declared := g.DeclaredFact(id); declared != nil {
			p.sources[id] = declared
		}
	}
	for _, t := range targets {
		p.uses[t]++
	}
	klog.V(1).Infof("plan: %d of %d nodes scheduled for %d targets", len(order), g.NumNodes(), len(targets))
	return p, nil
}

// Order returns the scheduled node ids in evaluation order.
func (p *Plan) Order() []graph.NodeID { return append([]graph.NodeID(nil), p.order...) }

// Targets returns the target outlets, in the order Run returns them.
func (p *Plan) Targets() []graph.OutletID { return append([]graph.OutletID(nil), p.targets...) }

// Run evaluates the plan. The inputs map feeds source nodes by name; every
// scheduled source must be fed, and each tensor must match the source's
// declared fact (streaming axes accept any extent). The result holds one
// tensor per target, owned by the caller, who releases them when done.
//
// A failing node aborts the run: no partial results are returned.
func (p *Plan) Run(inputs map[string]*tensors.Tensor) ([]*tensors.Tensor, error) {
	feeds, err := p.checkInputs(inputs)
	if err != nil {
		return nil, err
	}

	run := newRunState(p)
	defer run.releaseAll()
	for _, id := range p.order {
		if err := run.evalNode(id, feeds); err != nil {
			return nil, err
		}
	}
	return run.takeTargets()
}

// RunParallel evaluates the plan like Run, but evaluates independent nodes
// concurrently, wave by wave. Results are bit-identical to Run.
func (p *Plan) RunParallel(ctx context.Context, inputs map[string]*tensors.Tensor) ([]*tensors.Tensor, error) {
	feeds, err := p.checkInputs(inputs)
	if err != nil {
		return nil, err
	}

	run := newRunState(p)
	defer run.releaseAll()
	for _, wave := range p.waves() {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(ErrEval, "run cancelled: %s", err)
		}
		group, _ := errgroup.WithContext(ctx)
		for _, id := range wave {
			id := id
			group.Go(func() error {
				return run.evalNodeOutputs(id, feeds)
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
		// Eviction stays single-threaded, between waves.
		for _, id := range wave {
			run.consumeInputs(id)
		}
	}
	return run.takeTargets()
}

// waves groups the schedule into levels: a node's level is one past the
// deepest of its producers, so every node only depends on earlier waves.
func (p *Plan) waves() [][]graph.NodeID {
	level := make(map[graph.NodeID]int, len(p.order))
	maxLevel := 0
	for _, id := range p.order {
		l := 0
		for _, in := range p.graph.Node(id).Inputs {
			l = max(l, level[in.Node]+1)
		}
		level[id] = l
		maxLevel = max(maxLevel, l)
	}
	waves := make([][]graph.NodeID, maxLevel+1)
	for _, id := range p.order {
		waves[level[id]] = append(waves[level[id]], id)
	}
	return waves
}

// checkInputs validates the feed map against the scheduled sources.
func (p *Plan) checkInputs(inputs map[string]*tensors.Tensor) (map[graph.NodeID]*tensors.Tensor, error) {
	feeds := make(map[graph.NodeID]*tensors.Tensor, len(p.sources))
	for name, t := range inputs {
		node, found := p.graph.NodeByName(name)
		if !found {
			return nil, errors.Wrapf(graph.ErrInvalidInput, "input %q does not name a graph node", name)
		}
		declared, isSource := p.sources[node.ID]
		if !isSource {
			if p.graph.DeclaredFact(node.ID) != nil {
				continue // A real source, just not needed by the targets.
			}
			return nil, errors.Wrapf(graph.ErrInvalidInput, "node %q is not a source and cannot be fed", name)
		}
		if t == nil {
			return nil, errors.Wrapf(ErrMissingInput, "input %q is nil", name)
		}
		if err := declared.MatchesTensor(t); err != nil {
			return nil, errors.WithMessagef(err, "input %q", name)
		}
		feeds[node.ID] = t
	}
	for id := range p.sources {
		if _, found := feeds[id]; !found {
			return nil, errors.Wrapf(ErrMissingInput, "no tensor for source %q", p.graph.Node(id).Name)
		}
	}
	return feeds, nil
}

// runState is the per-run tensor cache with use counting. The mutex covers
// the cache map for RunParallel, where nodes of one wave store their outputs
// concurrently; use counts are only touched between waves.
type runState struct {
	plan  *Plan
	mu    sync.Mutex
	cache map[graph.OutletID]*tensors.Tensor
	left  map[graph.OutletID]int
}

func newRunState(p *Plan) *runState {
	left := make(map[graph.OutletID]int, len(p.uses))
	for outlet, n := range p.uses {
		left[outlet] = n
	}
	return &runState{
		plan:  p,
		cache: make(map[graph.OutletID]*tensors.Tensor, len(p.uses)),
		left:  left,
	}
}

func (r *runState) evalNode(id graph.NodeID, feeds map[graph.NodeID]*tensors.Tensor) error {
	if err := r.evalNodeOutputs(id, feeds); err != nil {
		return err
	}
	r.consumeInputs(id)
	return nil
}

// evalNodeOutputs computes and caches the node's outputs without touching
// the use counts of its inputs.
func (r *runState) evalNodeOutputs(id graph.NodeID, feeds map[graph.NodeID]*tensors.Tensor) error {
	node := r.plan.graph.Node(id)

	var outs []*tensors.Tensor
	if fed, isFed := feeds[id]; isFed {
		outs = []*tensors.Tensor{fed.Retain()}
	} else {
		ins := make([]*tensors.Tensor, len(node.Inputs))
		r.mu.Lock()
		for i, in := range node.Inputs {
			ins[i] = r.cache[in]
		}
		r.mu.Unlock()
		var err error
		outs, err = node.Op.Eval(ins)
		if err != nil {
			// Both the run sentinel and the operator's failure kind (say, a
			// shape mismatch) stay reachable through errors.Is.
			return fmt.Errorf("%w: node #%d %q (%s): %w", ErrEval, id, node.Name, node.Op.Name(), err)
		}
		if len(outs) != node.Op.OutputCount() {
			return errors.Wrapf(ErrEval, "node #%d %q (%s) returned %d outputs, declared %d",
				id, node.Name, node.Op.Name(), len(outs), node.Op.OutputCount())
		}
	}
	klog.V(2).Infof("plan: evaluated node #%d %s (%s)", id, node.Op.Name(), node.Name)

	r.mu.Lock()
	for slot, out := range outs {
		outlet := graph.Outlet(id, slot)
		if r.left[outlet] == 0 {
			// Nothing downstream wants this slot.
			out.Release()
			continue
		}
		r.cache[outlet] = out
	}
	r.mu.Unlock()
	return nil
}

// consumeInputs decrements the use counts of the node's inputs, dropping
// tensors that reached their last use.
func (r *runState) consumeInputs(id graph.NodeID) {
	for _, in := range r.plan.graph.Node(id).Inputs {
		r.left[in]--
		if r.left[in] == 0 {
			if t, found := r.cache[in]; found {
				t.Release()
				delete(r.cache, in)
			}
		}
	}
}

// takeTargets hands the target tensors over to the caller.
func (r *runState) takeTargets() ([]*tensors.Tensor, error) {
	results := make([]*tensors.Tensor, len(r.plan.targets))
	for i, target := range r.plan.targets {
		t, found := r.cache[target]
		if !found {
			return nil, errors.Wrapf(ErrEval, "target %s was not produced", target)
		}
		results[i] = t.Retain()
	}
	return results, nil
}

// releaseAll drops whatever the run still holds. Target tensors returned by
// takeTargets carry their own reference and survive.
func (r *runState) releaseAll() {
	for outlet, t := range r.cache {
		t.Release()
		delete(r.cache, outlet)
	}
}
