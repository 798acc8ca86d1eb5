// Package cli turns command-line arguments into application runs. It owns
// the cobra command tree, merges engine files with flag overrides, and maps
// failures to process exit codes through ExitError.
package cli
