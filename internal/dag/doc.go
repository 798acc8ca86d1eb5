// Package dag is a small, concurrency-safe directed graph over string IDs with
// cycle detection, deterministic topological ordering and reachability
// queries. The dependency graph builder uses it to validate finished graphs
// and the fragmenter to order fragments and check merge safety.
package dag
