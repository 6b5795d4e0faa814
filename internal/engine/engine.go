// Package engine defines the contract with the native LLM runtime and its
// build-time selected implementations:
//
//   - In-process llama (standard): uses the go-llama.cpp binding. Enabled
//     with `-tags=llama`. Files: llama.go, llama_cgo.go (linker rpath hints).
//   - Without the tag, a no-CGO stub is compiled (stub.go) that fails fast
//     instead of mocking inference.
//
// The runtime is a process-wide singleton and is not reentrant; callers are
// expected to serialize all use of an Engine and its Conversations. The
// gateway package owns that discipline.
package engine

import (
	"context"
	"errors"

	"llmgated/pkg/types"
)

// Backend selects the compute device for a runtime component.
type Backend string

const (
	BackendCPU Backend = "cpu"
	BackendGPU Backend = "gpu"
	BackendNPU Backend = "npu"
)

// ParseBackend normalizes a backend string, defaulting to CPU.
func ParseBackend(s string) Backend {
	switch Backend(s) {
	case BackendGPU:
		return BackendGPU
	case BackendNPU:
		return BackendNPU
	default:
		return BackendCPU
	}
}

// ErrUnavailable indicates the native runtime is not present in this build.
var ErrUnavailable = errors.New("engine runtime unavailable")

// IsUnavailable reports whether err stems from a missing native runtime.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Config parameterizes engine construction.
type Config struct {
	ModelPath string
	Backend   Backend
	// Vision and audio towers may run on a different device than the text
	// backbone on constrained hardware.
	VisionBackend Backend
	AudioBackend  Backend
	ContextSize   int
	Threads       int
	GPULayers     int
}

// ConversationConfig parameterizes a native conversation context. The
// initial messages are prefilled into the KV cache before the first send.
type ConversationConfig struct {
	SystemInstruction string
	InitialMessages   []types.Message
	Sampling          types.Sampling
	MaxTokens         int
}

// Conversation is a stateful native context holding the KV cache for a
// specific system prompt, sampling and history prefix. Not safe for
// concurrent use.
type Conversation interface {
	// Send submits one message and streams the reply through onChunk. Chunks
	// are deltas; callers concatenate. Send returns when generation is done,
	// the context is canceled, or onChunk returns an error.
	Send(ctx context.Context, msg types.Message, onChunk func(delta string) error) error
	// Close releases the native context.
	Close() error
}

// Engine is the native LLM runtime handle, at most one per process.
type Engine interface {
	// NewConversation materializes a native conversation context.
	NewConversation(cfg ConversationConfig) (Conversation, error)
	// Close releases the runtime and its hardware context.
	Close() error
}
