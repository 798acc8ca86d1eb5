// Package function holds the function catalog: the definitions the resolver
// can choose from and the invokers that calculation nodes run.
//
// A Definition declares, for a target, the output templates it can produce and
// the input requirements it needs to produce one of them. A Registry keeps
// definitions in registration order, which the resolver uses as its final tie
// breaker.
package function
