package dag

import "sync"

// Graph is a collection of string-identified vertices and their dependency
// edges. All operations are safe for concurrent use.
type Graph struct {
	mutex sync.RWMutex
	nodes map[string]*node
	// order records insertion order so traversals are deterministic.
	order []string
}

// node is un-exported so callers work through the Graph API with string IDs.
type node struct {
	id string
	// deps holds the nodes this node depends on (predecessors).
	deps map[string]*node
	// dependents holds the nodes that depend on this node (successors).
	dependents map[string]*node
}

// CycleError reports a dependency cycle. Path starts and ends with the same
// vertex.
type CycleError struct {
	Path []string
}
