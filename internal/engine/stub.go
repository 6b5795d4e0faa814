//go:build !llama

package engine

import "fmt"

// This file provides a no-CGO stub compiled when the 'llama' build tag is
// NOT set, keeping default builds and CI CGO-free. The stub refuses to run
// rather than mock inference.

var llamaBuilt = false

// New fails fast: the native runtime is not present in this build.
func New(cfg Config) (Engine, error) {
	return nil, fmt.Errorf("%w: llama support not built (missing 'llama' build tag)", ErrUnavailable)
}
