// Package app contains the core application logic. It loads the HCL
// configuration, wires the graph builder, fragmenter, dispatcher and node
// pool into a cycle factory, and runs, plans or watches view cycles,
// decoupled from any specific entrypoint like a CLI or server.
package app
