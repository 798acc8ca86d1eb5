package dag

import (
	"fmt"
	"slices"
	"strings"
)

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*node),
	}
}

// AddNode adds a vertex. Adding an existing ID does nothing.
func (g *Graph) AddNode(id string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &node{
		id:         id,
		deps:       make(map[string]*node),
		dependents: make(map[string]*node),
	}
	g.order = append(g.order, id)
}

// AddEdge records that toID depends on fromID. Both vertices must exist and
// self edges are rejected.
func (g *Graph) AddEdge(fromID, toID string) error {
	if fromID == toID {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", fromID, fromID)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	fromNode, ok := g.nodes[fromID]
	if !ok {
		return fmt.Errorf("source node not found: %s", fromID)
	}
	toNode, ok := g.nodes[toID]
	if !ok {
		return fmt.Errorf("destination node not found: %s", toID)
	}

	toNode.deps[fromID] = fromNode
	fromNode.dependents[toID] = toNode
	return nil
}

// Len returns the number of vertices.
func (g *Graph) Len() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the sorted IDs the given vertex depends on.
func (g *Graph) Dependencies(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return sortedKeys(n.deps), nil
}

// Dependents returns the sorted IDs that depend on the given vertex.
func (g *Graph) Dependents(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return sortedKeys(n.dependents), nil
}

// DetectCycles returns a *CycleError describing the first cycle found, or nil.
func (g *Graph) DetectCycles() error {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	// permanent: fully explored and known to be acyclic.
	// temporary: on the current DFS path.
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)
	var stack []string

	var visit func(n *node) error
	visit = func(n *node) error {
		if permanent[n.id] {
			return nil
		}
		if temporary[n.id] {
			start := slices.Index(stack, n.id)
			path := append(slices.Clone(stack[start:]), n.id)
			return &CycleError{Path: path}
		}

		temporary[n.id] = true
		stack = append(stack, n.id)
		for _, id := range sortedKeys(n.dependents) {
			if err := visit(n.dependents[id]); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		delete(temporary, n.id)
		permanent[n.id] = true
		return nil
	}

	for _, id := range g.order {
		if err := visit(g.nodes[id]); err != nil {
			return err
		}
	}
	return nil
}

// TopologicalOrder returns every vertex after all of its dependencies. Ties
// are broken by insertion order, so the result is deterministic.
func (g *Graph) TopologicalOrder() ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	position := make(map[string]int, len(g.order))
	remaining := make(map[string]int, len(g.order))
	for i, id := range g.order {
		position[id] = i
		remaining[id] = len(g.nodes[id].deps)
	}

	var ready []string
	for _, id := range g.order {
		if remaining[id] == 0 {
			ready = append(ready, id)
		}
	}

	out := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		var unlocked []string
		for depID := range g.nodes[id].dependents {
			remaining[depID]--
			if remaining[depID] == 0 {
				unlocked = append(unlocked, depID)
			}
		}
		slices.SortFunc(unlocked, func(a, b string) int { return position[a] - position[b] })
		ready = append(ready, unlocked...)
	}

	if len(out) != len(g.order) {
		return nil, fmt.Errorf("graph is not acyclic: %d of %d nodes ordered", len(out), len(g.order))
	}
	return out, nil
}

// Reachable reports whether to can be reached from from by following
// dependency edges (from -> dependents -> ...).
func (g *Graph) Reachable(from, to string) bool {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	start, ok := g.nodes[from]
	if !ok {
		return false
	}
	seen := map[string]bool{from: true}
	queue := []*node{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for id, dep := range n.dependents {
			if id == to {
				return true
			}
			if !seen[id] {
				seen[id] = true
				queue = append(queue, dep)
			}
		}
	}
	return false
}

func (e *CycleError) Error() string {
	return "cycle detected: " + strings.Join(e.Path, " -> ")
}

func sortedKeys(m map[string]*node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
