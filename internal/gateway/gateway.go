// Package gateway serializes all engine work behind a single in-flight slot
// with a bounded FIFO queue in front, and owns the one active engine
// conversation binding that makes incremental context reuse possible.
package gateway

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"llmgated/internal/convo"
	"llmgated/internal/engine"
	"llmgated/pkg/types"
)

const (
	// DefaultMaxQueue bounds how many requests may wait for the engine.
	DefaultMaxQueue = 8
	// DefaultMaxWait bounds how long a request waits for a queue or
	// generation slot before a busy rejection.
	DefaultMaxWait = 30 * time.Second
	// DefaultLoadTimeout bounds a single model load attempt.
	DefaultLoadTimeout = 5 * time.Minute
)

// binding is the single engine-side conversation context currently mounted.
// Reusing it across turns keeps the engine's KV state warm.
type binding struct {
	conversationID string
	conv           engine.Conversation
	sampling       types.Sampling
}

// Options tunes gateway admission and load behavior. Zero values get the
// package defaults.
type Options struct {
	MaxQueue    int
	MaxWait     time.Duration
	LoadTimeout time.Duration
	// NewEngine overrides engine construction. Tests substitute fakes here.
	NewEngine func(engine.Config) (engine.Engine, error)
}

// Gateway owns the engine handle and the active binding. Exactly one
// generation or load runs at a time; everything else queues or is rejected.
type Gateway struct {
	mu      sync.Mutex
	eng     engine.Engine
	base    engine.Config
	binding *binding

	modelPath string
	backend   engine.Backend
	lastError string

	queueCh chan struct{}
	genCh   chan struct{}
	maxWait time.Duration

	loadTimeout time.Duration
	log         zerolog.Logger

	// newEngine is swappable in tests.
	newEngine func(engine.Config) (engine.Engine, error)
}

// New builds a gateway around the given base engine configuration. The base
// carries tuning knobs (context size, threads, gpu layers); model path and
// backend are set per load.
func New(base engine.Config, opts Options, log zerolog.Logger) *Gateway {
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = DefaultMaxQueue
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	if opts.NewEngine == nil {
		opts.NewEngine = engine.New
	}
	return &Gateway{
		base:        base,
		queueCh:     make(chan struct{}, opts.MaxQueue),
		genCh:       make(chan struct{}, 1),
		maxWait:     opts.MaxWait,
		loadTimeout: opts.LoadTimeout,
		log:         log,
		newEngine:   opts.NewEngine,
	}
}

// Loaded reports whether a model is currently mounted.
func (g *Gateway) Loaded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.eng != nil
}

// ModelPath returns the path of the mounted model, empty when none.
func (g *Gateway) ModelPath() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modelPath
}

// Backend returns the backend the mounted model actually runs on.
func (g *Gateway) Backend() engine.Backend {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.backend
}

// ActiveConversationID returns the id of the bound conversation, empty when
// no binding is mounted.
func (g *Gateway) ActiveConversationID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.binding == nil {
		return ""
	}
	return g.binding.conversationID
}

// LastError returns the most recent load or generation failure message.
func (g *Gateway) LastError() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastError
}

// Load mounts the model at path on the requested backend, replacing any
// previously mounted model. A gpu request that fails to construct falls back
// to cpu once, unless the failure is unavailable-class (no native runtime in
// this build), which is returned without a retry. Loading the path that is
// already mounted is a no-op whatever backend is requested.
func (g *Gateway) Load(path string, backend engine.Backend) error {
	// Loading competes with generation for the single in-flight slot.
	timer := time.NewTimer(g.maxWait)
	defer timer.Stop()
	select {
	case g.genCh <- struct{}{}:
	case <-timer.C:
		return tooBusyError{}
	}
	defer func() { <-g.genCh }()

	g.mu.Lock()
	// Same blob already mounted: nothing to do, even if the backend request
	// differs. Remounting to move devices requires an explicit close first.
	if g.eng != nil && g.modelPath == path {
		g.mu.Unlock()
		return nil
	}
	g.dropBindingLocked()
	if g.eng != nil {
		if err := g.eng.Close(); err != nil {
			g.log.Warn().Err(err).Msg("gateway: close previous engine failed")
		}
		g.eng = nil
		g.modelPath = ""
	}
	cfg := g.base
	cfg.ModelPath = path
	cfg.Backend = backend
	if cfg.VisionBackend == "" {
		cfg.VisionBackend = engine.BackendGPU
	}
	if cfg.AudioBackend == "" {
		cfg.AudioBackend = engine.BackendCPU
	}
	g.mu.Unlock()

	eng, used, err := g.construct(cfg)
	if err != nil {
		g.mu.Lock()
		g.lastError = err.Error()
		g.mu.Unlock()
		modelLoadsTotal.WithLabelValues("error").Inc()
		if engine.IsUnavailable(err) {
			return ErrDependencyUnavailable(err.Error())
		}
		return loadFailedError{cause: err}
	}

	g.mu.Lock()
	g.eng = eng
	g.modelPath = path
	g.backend = used
	g.lastError = ""
	g.mu.Unlock()
	modelLoadsTotal.WithLabelValues("ok").Inc()
	g.log.Info().Str("model", path).Str("backend", string(used)).Msg("gateway: model loaded")
	return nil
}

// construct builds the engine with a load timeout and a single gpu to cpu
// fallback. The construction goroutine is left to finish on timeout; its
// handle is closed when it eventually arrives.
func (g *Gateway) construct(cfg engine.Config) (engine.Engine, engine.Backend, error) {
	eng, err := g.constructTimed(cfg)
	if err == nil {
		return eng, cfg.Backend, nil
	}
	if cfg.Backend != engine.BackendGPU || engine.IsUnavailable(err) {
		return nil, cfg.Backend, err
	}
	g.log.Warn().Err(err).Msg("gateway: gpu load failed, retrying on cpu")
	cpu := cfg
	cpu.Backend = engine.BackendCPU
	eng, err = g.constructTimed(cpu)
	if err != nil {
		return nil, engine.BackendCPU, err
	}
	return eng, engine.BackendCPU, nil
}

func (g *Gateway) constructTimed(cfg engine.Config) (engine.Engine, error) {
	type result struct {
		eng engine.Engine
		err error
	}
	done := make(chan result, 1)
	go func() {
		eng, err := g.newEngine(cfg)
		done <- result{eng: eng, err: err}
	}()
	timer := time.NewTimer(g.loadTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.eng, r.err
	case <-timer.C:
		go func() {
			if r := <-done; r.eng != nil {
				_ = r.eng.Close()
			}
		}()
		return nil, loadFailedError{cause: errLoadTimeout{}}
	}
}

type errLoadTimeout struct{}

func (errLoadTimeout) Error() string { return "load timed out" }

// CloseIfBound drops the active binding when it belongs to the given
// conversation. Called by the registry on close, expiry and revocation.
func (g *Gateway) CloseIfBound(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.binding == nil || g.binding.conversationID != conversationID {
		return
	}
	g.dropBindingLocked()
}

// Close releases the binding and the engine. The gateway is unusable after.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropBindingLocked()
	if g.eng == nil {
		return nil
	}
	err := g.eng.Close()
	g.eng = nil
	g.modelPath = ""
	return err
}

func (g *Gateway) dropBindingLocked() {
	if g.binding == nil {
		return
	}
	if err := g.binding.conv.Close(); err != nil {
		g.log.Warn().Err(err).Str("conversation", g.binding.conversationID).Msg("gateway: close binding failed")
	}
	g.binding = nil
}

var _ convo.Invalidator = (*Gateway)(nil)
