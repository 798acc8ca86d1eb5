package fragment

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/specialistvlad/calcgrid/internal/coststats"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/dag"
	"github.com/specialistvlad/calcgrid/internal/depgraph"
)

// CostModel estimates what invoking a function costs. *coststats.Store
// implements it.
type CostModel interface {
	Estimate(key coststats.Key) coststats.Entry
}

// Options bound the fragments a Fragmenter produces.
type Options struct {
	MinSize int
	MaxSize int
	// MaxConcurrency bounds how many fragments may consume one fragment's
	// outputs.
	MaxConcurrency int
	// MaxCost optionally bounds the estimated cost of a fragment built by a
	// regular merge. Zero disables it.
	MaxCost time.Duration
}

// Validate checks 1 <= MinSize <= MaxSize and MaxConcurrency >= 1.
func (o Options) Validate() error {
	var errs []error
	if o.MinSize < 1 {
		errs = append(errs, fmt.Errorf("minimum fragment size must be at least 1, got %d", o.MinSize))
	}
	if o.MaxSize < o.MinSize {
		errs = append(errs, fmt.Errorf("maximum fragment size %d is below the minimum %d", o.MaxSize, o.MinSize))
	}
	if o.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("fragment concurrency must be at least 1, got %d", o.MaxConcurrency))
	}
	if o.MaxCost < 0 {
		errs = append(errs, errors.New("maximum fragment cost must not be negative"))
	}
	return errors.Join(errs...)
}

// Fragmenter partitions graphs. It holds no per-graph state and is safe for
// concurrent use.
type Fragmenter struct {
	opts  Options
	costs CostModel
}

// New creates a fragmenter. A nil cost model treats every node alike.
func New(opts Options, costs CostModel) (*Fragmenter, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Fragmenter{opts: opts, costs: costs}, nil
}

// Options returns the fragmenter's bounds.
func (f *Fragmenter) Options() Options { return f.opts }

// Fragment partitions g.
func (f *Fragmenter) Fragment(ctx context.Context, g *depgraph.Graph) (*Plan, error) {
	logger := ctxlog.FromContext(ctx)
	p := f.initial(g)

	rounds := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rounds++
		merged := p.straightLine()
		merged = p.siblings() || merged
		if !merged {
			break
		}
	}
	forced := p.minimumSize()
	fanOut := p.boundConcurrency()
	logger.Debug("Fragment: Partition complete.",
		"nodes", g.Size(), "fragments", len(p.frags), "rounds", rounds,
		"forced_merges", forced, "fan_out_merges", fanOut)

	plan, err := p.plan(g)
	if err != nil {
		return nil, err
	}
	plan.MaxConcurrency = f.opts.MaxConcurrency
	plan.ForcedMerges = forced
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("fragment: %w", err)
	}
	return plan, nil
}

func (f *Fragmenter) nodeCost(n *depgraph.Node) time.Duration {
	if f.costs == nil {
		return time.Millisecond
	}
	return f.costs.Estimate(coststats.Key{FunctionID: n.FunctionID, TargetType: n.Target.Type}).Duration()
}

type set map[int]struct{}

// working is a fragment during partitioning.
type working struct {
	id      int
	members []int
	cost    time.Duration
	inputs  set
	tails   set
}

type partition struct {
	opts  Options
	frags map[int]*working
}

func (f *Fragmenter) initial(g *depgraph.Graph) *partition {
	p := &partition{opts: f.opts, frags: make(map[int]*working, g.Size())}
	for _, n := range g.Nodes() {
		w := &working{id: n.ID, members: []int{n.ID}, cost: f.nodeCost(n), inputs: set{}, tails: set{}}
		for _, d := range n.Dependencies() {
			w.inputs[d.ID] = struct{}{}
		}
		for _, d := range n.Dependents() {
			w.tails[d.ID] = struct{}{}
		}
		p.frags[n.ID] = w
	}
	return p
}

func (p *partition) ids() []int {
	return slices.Sorted(maps.Keys(p.frags))
}

func (p *partition) fits(a, b *working) bool {
	if len(a.members)+len(b.members) > p.opts.MaxSize {
		return false
	}
	return p.opts.MaxCost == 0 || a.cost+b.cost <= p.opts.MaxCost
}

// merge folds the fragment with the larger ID into the other and returns the
// survivor.
func (p *partition) merge(a, b *working) *working {
	keep, gone := a, b
	if b.id < a.id {
		keep, gone = b, a
	}
	keep.members = append(keep.members, gone.members...)
	keep.cost += gone.cost
	for x := range gone.inputs {
		keep.inputs[x] = struct{}{}
	}
	for y := range gone.tails {
		keep.tails[y] = struct{}{}
	}
	for _, id := range []int{keep.id, gone.id} {
		delete(keep.inputs, id)
		delete(keep.tails, id)
	}
	for x := range keep.inputs {
		in := p.frags[x]
		delete(in.tails, gone.id)
		in.tails[keep.id] = struct{}{}
	}
	for y := range keep.tails {
		tail := p.frags[y]
		delete(tail.inputs, gone.id)
		tail.inputs[keep.id] = struct{}{}
	}
	delete(p.frags, gone.id)
	return keep
}

func (p *partition) straightLine() bool {
	merged := false
	for _, id := range p.ids() {
		w, ok := p.frags[id]
		if !ok || len(w.tails) != 1 {
			continue
		}
		var tail *working
		for t := range w.tails {
			tail = p.frags[t]
		}
		if !p.fits(w, tail) {
			continue
		}
		p.merge(w, tail)
		merged = true
	}
	return merged
}

func inputKey(w *working) string {
	ids := slices.Sorted(maps.Keys(w.inputs))
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func byCost(a, b *working) int {
	if c := cmp.Compare(a.cost, b.cost); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

// groups returns fragments sharing identical input sets, keyed by that set.
func (p *partition) groups() map[string][]*working {
	out := make(map[string][]*working)
	for _, id := range p.ids() {
		w := p.frags[id]
		key := inputKey(w)
		out[key] = append(out[key], w)
	}
	return out
}

func (p *partition) siblings() bool {
	merged := false
	groups := p.groups()
	for _, key := range slices.Sorted(maps.Keys(groups)) {
		members := groups[key]
		if len(members) < 2 {
			continue
		}
		slices.SortFunc(members, byCost)
		bin := members[0]
		for _, w := range members[1:] {
			if p.fits(bin, w) {
				bin = p.merge(bin, w)
				merged = true
				continue
			}
			bin = w
		}
	}
	return merged
}

// minimumSize merges undersized fragments with their cheapest sibling,
// regardless of the maximum size.
func (p *partition) minimumSize() int {
	forced := 0
	for changed := true; changed; {
		changed = false
		for _, id := range p.ids() {
			w, ok := p.frags[id]
			if !ok || len(w.members) >= p.opts.MinSize {
				continue
			}
			key := inputKey(w)
			var best *working
			for _, other := range p.frags {
				if other == w || inputKey(other) != key {
					continue
				}
				if best == nil || byCost(other, best) < 0 {
					best = other
				}
			}
			if best == nil {
				continue
			}
			p.merge(w, best)
			forced++
			changed = true
		}
	}
	return forced
}

// boundConcurrency merges the cheapest dependents of any fragment with more
// than MaxConcurrency of them, regardless of size. Two dependents joined by a
// path are merged together with every fragment on that path.
func (p *partition) boundConcurrency() int {
	merges := 0
	for _, id := range p.ids() {
		for {
			w, ok := p.frags[id]
			if !ok || len(w.tails) <= p.opts.MaxConcurrency {
				break
			}
			tails := make([]*working, 0, len(w.tails))
			for t := range w.tails {
				tails = append(tails, p.frags[t])
			}
			slices.SortFunc(tails, byCost)
			group := p.safePair(tails)
			if group == nil {
				group = p.closedPair(tails[0], tails[1])
			}
			keep := group[0]
			for _, other := range group[1:] {
				keep = p.merge(keep, other)
			}
			merges++
		}
	}
	return merges
}

func (p *partition) safePair(candidates []*working) []*working {
	for i, a := range candidates {
		for _, b := range candidates[i+1:] {
			if !p.indirectPath(a, b) && !p.indirectPath(b, a) {
				return []*working{a, b}
			}
		}
	}
	return nil
}

// closedPair returns a and b with every fragment on a path between them.
// Contracting such a set keeps the fragment graph acyclic.
func (p *partition) closedPair(a, b *working) []*working {
	from, to := a, b
	if !p.indirectPath(a, b) {
		from, to = b, a
	}
	below := p.reach(from, func(w *working) set { return w.tails })
	above := p.reach(to, func(w *working) set { return w.inputs })
	group := []*working{from, to}
	for _, id := range slices.Sorted(maps.Keys(below)) {
		if _, ok := above[id]; ok {
			group = append(group, p.frags[id])
		}
	}
	return group
}

// reach returns the IDs of every fragment reachable from w through next,
// excluding w.
func (p *partition) reach(w *working, next func(*working) set) set {
	seen := set{}
	queue := []int{w.id}
	for len(queue) > 0 {
		cur := p.frags[queue[0]]
		queue = queue[1:]
		for id := range next(cur) {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				queue = append(queue, id)
			}
		}
	}
	delete(seen, w.id)
	return seen
}

// indirectPath reports whether to is reachable from from through at least
// one other fragment. Merging only those two would create a cycle.
func (p *partition) indirectPath(from, to *working) bool {
	seen := set{}
	var queue []int
	for t := range from.tails {
		if t != to.id {
			seen[t] = struct{}{}
			queue = append(queue, t)
		}
	}
	for len(queue) > 0 {
		cur := p.frags[queue[0]]
		queue = queue[1:]
		for t := range cur.tails {
			if t == to.id {
				return true
			}
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				queue = append(queue, t)
			}
		}
	}
	return false
}

func (p *partition) plan(g *depgraph.Graph) (*Plan, error) {
	d := dag.New()
	for _, n := range g.Nodes() {
		d.AddNode(strconv.Itoa(n.ID))
	}
	for _, n := range g.Nodes() {
		for _, dep := range n.Dependencies() {
			if err := d.AddEdge(strconv.Itoa(dep.ID), strconv.Itoa(n.ID)); err != nil {
				return nil, fmt.Errorf("fragment: %w", err)
			}
		}
	}
	order, err := d.TopologicalOrder()
	if err != nil {
		return nil, fmt.Errorf("fragment: %w", err)
	}
	rank := make([]int, g.Size())
	for i, id := range order {
		n, _ := strconv.Atoi(id)
		rank[n] = i
	}

	plan := &Plan{Graph: g, byNode: make([]*Fragment, g.Size())}
	built := make(map[int]*Fragment, len(p.frags))
	for _, id := range p.ids() {
		w := p.frags[id]
		members := slices.Clone(w.members)
		slices.SortFunc(members, func(a, b int) int { return cmp.Compare(rank[a], rank[b]) })
		f := &Fragment{ID: id, Cost: w.cost}
		for _, m := range members {
			n, _ := g.Node(m)
			f.Nodes = append(f.Nodes, n)
			plan.byNode[m] = f
		}
		built[id] = f
		plan.Fragments = append(plan.Fragments, f)
	}

	root := &Fragment{ID: RootID}
	for _, f := range plan.Fragments {
		w := p.frags[f.ID]
		for _, in := range slices.Sorted(maps.Keys(w.inputs)) {
			f.inputs = append(f.inputs, built[in])
		}
		for _, t := range slices.Sorted(maps.Keys(w.tails)) {
			f.tails = append(f.tails, built[t])
		}
		if len(f.tails) == 0 {
			root.inputs = append(root.inputs, f)
		}
	}
	plan.root = root
	return plan, nil
}
