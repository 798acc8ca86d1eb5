// Package fragment partitions a dependency graph into fragments: groups of
// nodes that execute together as one job.
//
// Partitioning is a deterministic greedy merge over an initial partition of
// singleton fragments:
//
//  1. Straight-line merges: a fragment whose only dependent is F is merged
//     into F while the result fits the maximum size.
//  2. Sibling merges: fragments with identical input fragments are packed
//     together, cheapest first, while the result fits the maximum size.
//
// Steps 1 and 2 repeat until nothing changes. Fragments still below the
// minimum size are then merged with their cheapest sibling even past the
// maximum. Finally, a fragment feeding more than MaxConcurrency dependents
// has its cheapest dependents merged pairwise. When every pair is joined by a
// longer path, the pair is merged together with the fragments on those paths,
// which keeps the fragment graph acyclic.
package fragment
