package fragment

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/specialistvlad/calcgrid/internal/dag"
	"github.com/specialistvlad/calcgrid/internal/depgraph"
)

// RootID is the ID of a plan's synthetic root fragment.
const RootID = -1

// Fragment is a group of nodes executed as one job.
type Fragment struct {
	// ID is the smallest node ID in the fragment.
	ID int
	// Nodes are in execution order: every node comes after the nodes it
	// depends on within the fragment.
	Nodes []*depgraph.Node
	// Cost is the sum of the nodes' estimated invocation times.
	Cost time.Duration

	inputs []*Fragment
	tails  []*Fragment
}

// Inputs returns the fragments this fragment consumes outputs of, by ID.
func (f *Fragment) Inputs() []*Fragment { return f.inputs }

// Tails returns the fragments consuming this fragment's outputs, by ID.
func (f *Fragment) Tails() []*Fragment { return f.tails }

// Size returns the number of nodes.
func (f *Fragment) Size() int { return len(f.Nodes) }

// NodeIDs returns the IDs of the fragment's nodes, sorted.
func (f *Fragment) NodeIDs() []int {
	ids := make([]int, len(f.Nodes))
	for i, n := range f.Nodes {
		ids[i] = n.ID
	}
	slices.Sort(ids)
	return ids
}

func (f *Fragment) String() string {
	if f.ID == RootID {
		return "root"
	}
	ids := f.NodeIDs()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = "N" + strconv.Itoa(id)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Plan is a partitioned graph.
type Plan struct {
	Graph     *depgraph.Graph
	Fragments []*Fragment // by ID
	// MaxConcurrency is the fan-out bound the plan was built with. Zero
	// skips the check in Validate.
	MaxConcurrency int
	// ForcedMerges counts merges made to reach the minimum size. The
	// fan-out bound is only guaranteed when it is zero.
	ForcedMerges int

	byNode []*Fragment
	root   *Fragment
}

// Root returns a synthetic fragment with no nodes whose inputs are the
// fragments nothing else depends on. Walking Inputs from the root reaches
// every fragment.
func (p *Plan) Root() *Fragment { return p.root }

// FragmentOf returns the fragment holding node id.
func (p *Plan) FragmentOf(nodeID int) (*Fragment, bool) {
	if nodeID < 0 || nodeID >= len(p.byNode) {
		return nil, false
	}
	return p.byNode[nodeID], true
}

// Len returns the number of fragments, not counting the root.
func (p *Plan) Len() int { return len(p.Fragments) }

// Validate checks that fragments partition the graph's nodes, that fragment
// dependencies are acyclic, and that no fragment has more than
// MaxConcurrency dependents unless a merge was forced.
func (p *Plan) Validate() error {
	seen := make([]int, p.Graph.Size())
	for _, f := range p.Fragments {
		for _, n := range f.Nodes {
			seen[n.ID]++
		}
	}
	for id, count := range seen {
		if count != 1 {
			return fmt.Errorf("node N%d appears in %d fragments", id, count)
		}
	}

	d := dag.New()
	for _, f := range p.Fragments {
		d.AddNode(strconv.Itoa(f.ID))
	}
	for _, f := range p.Fragments {
		for _, in := range f.inputs {
			if err := d.AddEdge(strconv.Itoa(in.ID), strconv.Itoa(f.ID)); err != nil {
				return fmt.Errorf("fragment %s: %w", f, err)
			}
		}
	}
	if err := d.DetectCycles(); err != nil {
		return fmt.Errorf("fragment graph is not acyclic: %w", err)
	}

	if p.MaxConcurrency > 0 && p.ForcedMerges == 0 {
		for _, f := range p.Fragments {
			if len(f.tails) > p.MaxConcurrency {
				return fmt.Errorf("fragment %s has %d dependents, bound is %d", f, len(f.tails), p.MaxConcurrency)
			}
		}
	}
	return nil
}
