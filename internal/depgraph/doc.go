// Package depgraph builds dependency graphs: the minimal set of function
// invocations that produces a view's terminal requirements from market data.
//
// # Resolution
//
// Each terminal requirement is resolved depth first on an explicit work
// stack. For every requirement the builder tries, in order:
//
//  1. **Cycle check:** a requirement already on the current path fails as
//     cyclic.
//  2. **Memo:** a result already committed for the same requirement and the
//     same exclusion-group context.
//  3. **Market data:** the oracle's specification, if any.
//  4. **Candidates:** the resolver's ranked functions. A candidate whose
//     output is already produced by a committed node reuses that node;
//     otherwise its inputs are resolved one by one and the node is committed
//     once all of them succeed.
//
// A failed input discards the attempt and releases everything it held;
// committed nodes are reference counted, so only the ones no other consumer
// holds are removed. A requirement that is already on the current path is a
// cyclic requirement and fails that candidate.
//
// # Concurrency
//
// Terminal requirements are resolved by a bounded group of workers sharing
// one buildState behind a single mutex. Only results that do not depend on
// the path they were computed on are memoized, and a memoized or shared
// result is not reused on a path it was itself resolved through. Together
// these keep the terminal mapping independent of how the workers
// interleave.
//
// # Failures
//
// By default a terminal that cannot be resolved is recorded in
// Graph.Failures and left out of the terminal outputs; the rest of the graph
// is still built. With Options.AbortOnFailure the first such failure aborts
// the build with an *UnsatisfiableError or *CyclicRequirementError.
package depgraph
