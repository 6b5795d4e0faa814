//go:build llama

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"llmgated/pkg/types"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

// llamaEngine wraps one loaded llama.cpp model. The binding exposes a single
// predictor, so conversation contexts share the model handle and carry their
// own transcript prefix.
type llamaEngine struct {
	mu      sync.Mutex
	model   *llama.LLama
	cfg     Config
	threads int
}

// New loads the model blob and returns the engine handle.
func New(cfg Config) (Engine, error) {
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	mo := []llama.ModelOption{}
	if cfg.ContextSize > 0 {
		mo = append(mo, llama.SetContext(cfg.ContextSize))
	}
	if cfg.Backend == BackendGPU {
		layers := cfg.GPULayers
		if layers <= 0 {
			layers = 99
		}
		mo = append(mo, llama.SetGPULayers(layers))
	}
	m, err := llama.New(cfg.ModelPath, mo...)
	if err != nil {
		return nil, err
	}
	threads := cfg.Threads
	if threads <= 0 {
		threads = 4
	}
	return &llamaEngine{model: m, cfg: cfg, threads: threads}, nil
}

func (e *llamaEngine) NewConversation(cfg ConversationConfig) (Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil, errors.New("llama model not initialized")
	}
	c := &llamaConversation{eng: e, cfg: cfg}
	c.transcript.WriteString(renderPreamble(cfg.SystemInstruction))
	for _, m := range cfg.InitialMessages {
		c.transcript.WriteString(renderMessage(m))
	}
	return c, nil
}

func (e *llamaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		e.model.Free()
		e.model = nil
	}
	return nil
}

// llamaConversation accumulates the chat transcript; each Send prefills the
// whole prefix plus the new message. The binding keeps its own KV cache, so
// repeated sends on the same context avoid recomputing the shared prefix.
type llamaConversation struct {
	eng        *llamaEngine
	cfg        ConversationConfig
	transcript strings.Builder
	closed     bool
}

func (c *llamaConversation) Send(ctx context.Context, msg types.Message, onChunk func(string) error) error {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	if c.closed {
		return errors.New("conversation closed")
	}
	if c.eng.model == nil {
		return errors.New("llama model not initialized")
	}

	c.transcript.WriteString(renderMessage(msg))
	prompt := c.transcript.String() + "Assistant:"

	var reply strings.Builder
	var cbErr error
	c.eng.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if err := onChunk(tok); err != nil {
			cbErr = err
			return false
		}
		reply.WriteString(tok)
		return true
	})
	po := c.predictOptions()
	_, err := c.eng.model.Predict(prompt, po...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if cbErr != nil {
		return cbErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.transcript.WriteString("Assistant: " + reply.String() + "\n")
	return nil
}

func (c *llamaConversation) Close() error {
	c.closed = true
	return nil
}

func (c *llamaConversation) predictOptions() []llama.PredictOption {
	s := c.cfg.Sampling
	maxTok := c.cfg.MaxTokens
	if maxTok <= 0 {
		maxTok = 512
	}
	po := []llama.PredictOption{
		llama.SetTokens(maxTok),
		llama.SetThreads(c.eng.threads),
		llama.SetTemperature(float32(s.Temperature)),
		llama.SetTopP(float32(s.TopP)),
		llama.SetTopK(s.TopK),
		llama.SetStopWords("User:"),
	}
	return po
}

// renderPreamble renders the system instruction as the transcript head.
func renderPreamble(system string) string {
	if strings.TrimSpace(system) == "" {
		return ""
	}
	return "System: " + system + "\n"
}

// renderMessage flattens one message into the transcript. Binary parts are
// represented by placeholders; the text-only binding cannot consume them.
func renderMessage(m types.Message) string {
	var b strings.Builder
	switch m.Role {
	case types.RoleAssistant:
		b.WriteString("Assistant: ")
	case types.RoleSystem:
		b.WriteString("System: ")
	default:
		b.WriteString("User: ")
	}
	for _, p := range m.Parts {
		switch p.Kind {
		case types.PartText:
			b.WriteString(p.Text)
		case types.PartImage:
			b.WriteString("[image]")
		case types.PartAudio:
			b.WriteString("[audio]")
		}
	}
	b.WriteString("\n")
	return b.String()
}
