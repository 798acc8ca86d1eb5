package depgraph

import (
	"cmp"
	"hash/maphash"
	"slices"
	"sync"

	"github.com/specialistvlad/calcgrid/internal/value"
)

type memoKey struct {
	req      value.Requirement
	excluded string
}

type memoEntry struct {
	spec    value.Specification
	failure *ResolutionFailure
}

// reqMask summarizes a set of requirements in 256 bits. Disjoint masks mean
// disjoint sets; overlapping masks need an exact check.
type reqMask [4]uint64

var maskSeed = maphash.MakeSeed()

func maskOf(r value.Requirement) reqMask {
	h := maphash.String(maskSeed, r.String())
	var m reqMask
	m[(h>>6)&3] = 1 << (h & 63)
	return m
}

func (m reqMask) or(o reqMask) reqMask {
	for i := range m {
		m[i] |= o[i]
	}
	return m
}

func (m reqMask) overlaps(o reqMask) bool {
	for i := range m {
		if m[i]&o[i] != 0 {
			return true
		}
	}
	return false
}

// pendingNode is a node of a graph under construction. refs counts the
// consumers holding it: parent nodes, terminals and in-flight attempts.
type pendingNode struct {
	functionID string
	target     value.TargetReference
	reqs       []value.Requirement
	inputs     []value.Specification
	outputs    []value.Specification
	refs       int
	// mask covers reqs and the reqs of every node upstream.
	mask reqMask
}

// buildState is the shared, mutable side of one build.
type buildState struct {
	mu         sync.Mutex
	producers  map[value.Specification]*pendingNode
	marketData map[value.Specification]int
	memo       map[memoKey]memoEntry
	memoBySpec map[value.Specification][]memoKey
	terminals  map[value.Requirement]value.Specification
	failures   map[value.Requirement]*ResolutionFailure
}

func newBuildState() *buildState {
	return &buildState{
		producers:  make(map[value.Specification]*pendingNode),
		marketData: make(map[value.Specification]int),
		memo:       make(map[memoKey]memoEntry),
		memoBySpec: make(map[value.Specification][]memoKey),
		terminals:  make(map[value.Requirement]value.Specification),
		failures:   make(map[value.Requirement]*ResolutionFailure),
	}
}

// lookup returns a memoized result. A successful result is acquired for the
// caller. Results built through a requirement that is on the caller's path
// are not valid there and are treated as misses.
func (s *buildState) lookup(key memoKey, onPath map[value.Requirement]int, pathMask reqMask) (memoEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.memo[key]
	if !ok {
		return memoEntry{}, false
	}
	if e.failure == nil {
		if s.touchesLocked(e.spec, onPath, pathMask) {
			return memoEntry{}, false
		}
		s.acquireLocked(e.spec)
	}
	return e, true
}

// touchesLocked reports whether the subgraph producing spec was resolved
// through any requirement in path.
func (s *buildState) touchesLocked(spec value.Specification, path map[value.Requirement]int, pathMask reqMask) bool {
	root, ok := s.producers[spec]
	if !ok || !root.mask.overlaps(pathMask) {
		return false
	}
	visited := map[*pendingNode]struct{}{root: {}}
	pending := []*pendingNode{root}
	for len(pending) > 0 {
		n := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		for _, r := range n.reqs {
			if _, on := path[r]; on {
				return true
			}
		}
		for _, in := range n.inputs {
			p, ok := s.producers[in]
			if !ok {
				continue
			}
			if _, seen := visited[p]; seen {
				continue
			}
			visited[p] = struct{}{}
			pending = append(pending, p)
		}
	}
	return false
}

func (s *buildState) remember(key memoKey, e memoEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.failure == nil && !s.heldLocked(e.spec) {
		return
	}
	if _, ok := s.memo[key]; ok {
		return
	}
	s.memo[key] = e
	if e.failure == nil {
		s.memoBySpec[e.spec] = append(s.memoBySpec[e.spec], key)
	}
}

func (s *buildState) acquireMarketData(spec value.Specification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marketData[spec]++
}

// reuse acquires the node already producing spec, unless there is none or
// it was resolved through the caller's path.
func (s *buildState) reuse(spec value.Specification, onPath map[value.Requirement]int, pathMask reqMask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.producers[spec]
	if !ok || s.touchesLocked(spec, onPath, pathMask) {
		return false
	}
	n.refs++
	return true
}

// commit turns a completed attempt into a node, or folds it into the node
// that already produces the same output. The attempt's input references are
// transferred to the new node or released. The returned spec is acquired for
// the caller.
func (s *buildState) commit(a *attempt) value.Specification {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.producers[a.cand.Output]; ok {
		n.refs++
		for _, in := range a.inputs {
			s.releaseLocked(in)
		}
		return a.cand.Output
	}

	n := &pendingNode{
		functionID: a.cand.Function.ID(),
		target:     a.cand.Target,
		reqs:       a.reqs,
		inputs:     slices.Clone(a.inputs),
		refs:       1,
	}
	for i, r := range a.reqs {
		n.mask = n.mask.or(maskOf(r))
		if p, ok := s.producers[a.inputs[i]]; ok {
			n.mask = n.mask.or(p.mask)
		}
	}
	for _, out := range a.cand.Outputs {
		if _, taken := s.producers[out]; taken {
			continue
		}
		n.outputs = append(n.outputs, out)
		s.producers[out] = n
	}
	return a.cand.Output
}

func (s *buildState) release(specs ...value.Specification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, spec := range specs {
		s.releaseLocked(spec)
	}
}

func (s *buildState) acquireLocked(spec value.Specification) {
	if spec.IsMarketData() {
		s.marketData[spec]++
		return
	}
	if n, ok := s.producers[spec]; ok {
		n.refs++
	}
}

func (s *buildState) heldLocked(spec value.Specification) bool {
	if spec.IsMarketData() {
		return s.marketData[spec] > 0
	}
	_, ok := s.producers[spec]
	return ok
}

// releaseLocked drops one reference and removes whatever becomes
// unreferenced, walking inputs iteratively.
func (s *buildState) releaseLocked(spec value.Specification) {
	pending := []value.Specification{spec}
	for len(pending) > 0 {
		cur := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		if cur.IsMarketData() {
			if s.marketData[cur] <= 1 {
				delete(s.marketData, cur)
				s.purgeLocked(cur)
			} else {
				s.marketData[cur]--
			}
			continue
		}
		n, ok := s.producers[cur]
		if !ok {
			continue
		}
		n.refs--
		if n.refs > 0 {
			continue
		}
		for _, out := range n.outputs {
			delete(s.producers, out)
			s.purgeLocked(out)
		}
		pending = append(pending, n.inputs...)
	}
}

func (s *buildState) purgeLocked(spec value.Specification) {
	for _, key := range s.memoBySpec[spec] {
		delete(s.memo, key)
	}
	delete(s.memoBySpec, spec)
}

func (s *buildState) recordTerminal(req value.Requirement, spec value.Specification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals[req] = spec
}

func (s *buildState) recordFailure(req value.Requirement, f *ResolutionFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[req] = f
}

// freeze assigns deterministic IDs and produces the immutable graph.
func (s *buildState) freeze(g *Graph) *Graph {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[*pendingNode]struct{})
	var pending []*pendingNode
	for _, n := range s.producers {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		pending = append(pending, n)
	}
	slices.SortFunc(pending, func(a, b *pendingNode) int {
		if c := cmp.Compare(a.functionID, b.functionID); c != 0 {
			return c
		}
		if c := a.target.Compare(b.target); c != 0 {
			return c
		}
		return a.outputs[0].Compare(b.outputs[0])
	})

	byPending := make(map[*pendingNode]*Node, len(pending))
	g.nodes = make([]*Node, len(pending))
	g.producers = make(map[value.Specification]*Node, len(s.producers))
	for i, p := range pending {
		n := &Node{
			ID:         i,
			FunctionID: p.functionID,
			Target:     p.target,
			Inputs:     slices.Clone(p.inputs),
			Outputs:    slices.Clone(p.outputs),
		}
		g.nodes[i] = n
		byPending[p] = n
		for _, out := range p.outputs {
			g.producers[out] = n
		}
	}
	for _, n := range g.nodes {
		deps := make(map[int]*Node)
		for _, in := range n.Inputs {
			if p, ok := g.producers[in]; ok {
				deps[p.ID] = p
			}
		}
		for _, d := range deps {
			n.deps = append(n.deps, d)
		}
		slices.SortFunc(n.deps, byID)
	}
	for _, n := range g.nodes {
		for _, d := range n.deps {
			d.dependents = append(d.dependents, n)
		}
	}

	for spec := range s.marketData {
		g.marketData = append(g.marketData, spec)
	}
	slices.SortFunc(g.marketData, value.Specification.Compare)

	g.terminals = make(map[value.Requirement]value.Specification, len(s.terminals))
	for r, spec := range s.terminals {
		g.terminals[r] = spec
	}
	g.failures = make(map[value.Requirement]*ResolutionFailure, len(s.failures))
	for r, f := range s.failures {
		g.failures[r] = f
	}
	return g
}

func byID(a, b *Node) int { return a.ID - b.ID }
