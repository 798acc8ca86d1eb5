package depgraph

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/specialistvlad/calcgrid/internal/dag"
	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/specialistvlad/calcgrid/internal/view"
)

// Node is one planned function invocation.
type Node struct {
	ID         int
	FunctionID string
	Target     value.TargetReference
	// Inputs are ordered as the function declares them.
	Inputs []value.Specification
	// Outputs starts with the output the node was created for.
	Outputs []value.Specification

	deps       []*Node
	dependents []*Node
}

// Dependencies returns the nodes producing this node's inputs, by ID.
func (n *Node) Dependencies() []*Node { return n.deps }

// Dependents returns the nodes consuming this node's outputs, by ID.
func (n *Node) Dependents() []*Node { return n.dependents }

func (n *Node) String() string {
	return fmt.Sprintf("N%d:%s[%s]", n.ID, n.FunctionID, n.Target)
}

// Graph is an immutable, built dependency graph.
type Graph struct {
	View              string
	CalcConfig        string
	ValuationTime     time.Time
	VersionCorrection view.VersionCorrection

	nodes      []*Node // index == ID
	producers  map[value.Specification]*Node
	marketData []value.Specification
	terminals  map[value.Requirement]value.Specification
	failures   map[value.Requirement]*ResolutionFailure
}

// Nodes returns every node ordered by ID.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Size returns the number of nodes.
func (g *Graph) Size() int { return len(g.nodes) }

// Node returns the node with the given ID.
func (g *Graph) Node(id int) (*Node, bool) {
	if id < 0 || id >= len(g.nodes) {
		return nil, false
	}
	return g.nodes[id], true
}

// Producer returns the node that outputs spec. Market data has no producer.
func (g *Graph) Producer(spec value.Specification) (*Node, bool) {
	n, ok := g.producers[spec]
	return n, ok
}

// MarketData returns the market data the graph consumes, sorted.
func (g *Graph) MarketData() []value.Specification { return g.marketData }

// TerminalOutputs returns a copy of the requirement to specification mapping.
func (g *Graph) TerminalOutputs() map[value.Requirement]value.Specification {
	return maps.Clone(g.terminals)
}

// Terminal returns the specification satisfying req.
func (g *Graph) Terminal(req value.Requirement) (value.Specification, bool) {
	spec, ok := g.terminals[req]
	return spec, ok
}

// Failures returns a copy of the terminal requirements that could not be
// resolved.
func (g *Graph) Failures() map[value.Requirement]*ResolutionFailure {
	return maps.Clone(g.failures)
}

// Requirements returns every terminal requirement, resolved or not, sorted.
func (g *Graph) Requirements() []value.Requirement {
	reqs := slices.Collect(maps.Keys(g.terminals))
	for r := range g.failures {
		reqs = append(reqs, r)
	}
	slices.SortFunc(reqs, value.Requirement.Compare)
	return reqs
}

// TerminalSpecifications returns the distinct terminal specifications, sorted.
func (g *Graph) TerminalSpecifications() []value.Specification {
	seen := make(map[value.Specification]struct{}, len(g.terminals))
	var out []value.Specification
	for _, s := range g.terminals {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	slices.SortFunc(out, value.Specification.Compare)
	return out
}

// Validate checks the structural invariants: every input is market data or
// the output of exactly one node, and the node set is acyclic.
func (g *Graph) Validate() error {
	market := make(map[value.Specification]struct{}, len(g.marketData))
	for _, s := range g.marketData {
		market[s] = struct{}{}
	}

	produced := make(map[value.Specification]int)
	for _, n := range g.nodes {
		for _, o := range n.Outputs {
			produced[o]++
		}
	}
	for spec, count := range produced {
		if count > 1 {
			return fmt.Errorf("specification %s is produced by %d nodes", spec, count)
		}
	}

	d := dag.New()
	for _, n := range g.nodes {
		d.AddNode(strconv.Itoa(n.ID))
	}
	for _, n := range g.nodes {
		for _, in := range n.Inputs {
			if _, ok := market[in]; ok {
				continue
			}
			p, ok := g.producers[in]
			if !ok {
				return fmt.Errorf("node %s has dangling input %s", n, in)
			}
			if err := d.AddEdge(strconv.Itoa(p.ID), strconv.Itoa(n.ID)); err != nil {
				return fmt.Errorf("node %s: %w", n, err)
			}
		}
	}
	for req, spec := range g.terminals {
		if _, ok := market[spec]; ok {
			continue
		}
		if _, ok := g.producers[spec]; !ok {
			return fmt.Errorf("terminal %s maps to unproduced %s", req, spec)
		}
	}
	if err := d.DetectCycles(); err != nil {
		return fmt.Errorf("dependency graph is not acyclic: %w", err)
	}
	return nil
}
