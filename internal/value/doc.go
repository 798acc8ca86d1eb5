// Package value defines the immutable vocabulary shared by every stage of the
// engine: targets, property bags, value requirements and value specifications.
//
// # Requirements and specifications
//
// A Requirement asks for a named value on a target under a set of constraint
// properties. A Specification is the concrete form that a function (or market
// data) actually produces. Specifications never carry wildcard properties.
//
// # Property semantics
//
//   - **Finite sets:** a property may list one or more allowed values.
//   - **Wildcard:** a property may accept any value (written "*" in config).
//   - **Optional:** a constraint marked optional is satisfied when the other
//     side does not define the property at all.
//
// Property bags are interned, so Properties, Requirement and Specification are
// all comparable and may be used directly as map keys.
package value
