// Package dispatch is the authenticated front door: it validates tokens,
// resolves conversations, applies sampling overrides and hands the turn to
// the gateway, reporting the outcome through a single-terminal sink.
package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"llmgated/internal/auth"
	"llmgated/internal/codec"
	"llmgated/internal/convo"
	"llmgated/internal/engine"
	"llmgated/internal/gateway"
	"llmgated/pkg/types"
)

// Dispatcher wires the token store, the conversation registry and the engine
// gateway into the operation surface the transport exposes.
type Dispatcher struct {
	auth *auth.Store
	reg  *convo.Registry
	gw   *gateway.Gateway
	log  zerolog.Logger

	active  atomic.Int64
	started time.Time
}

// New builds a dispatcher over the given components.
func New(a *auth.Store, reg *convo.Registry, gw *gateway.Gateway, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{auth: a, reg: reg, gw: gw, log: log, started: time.Now()}
}

// RequestToken resolves or queues a token for the caller identity.
func (d *Dispatcher) RequestToken(callerID string) types.TokenResponse {
	res := d.auth.RequestToken(callerID)
	if res.Pending {
		return types.TokenResponse{Status: types.PendingUserApproval}
	}
	return types.TokenResponse{Token: res.Token, Status: "approved"}
}

// RevokeToken invalidates the token and cascades into every conversation it
// owns. Returns whether the token existed.
func (d *Dispatcher) RevokeToken(token string) bool {
	if !d.auth.Revoke(token) {
		return false
	}
	closed := d.reg.CloseAllFor(token)
	if closed > 0 {
		d.log.Info().Int("conversations", closed).Msg("dispatch: revocation closed conversations")
	}
	return true
}

// CreateConversation opens a conversation owned by the presenting token.
func (d *Dispatcher) CreateConversation(token, systemInstruction string, ttl time.Duration) (types.ConversationInfo, error) {
	if !d.auth.Validate(token) {
		return types.ConversationInfo{}, unauthorizedError{msg: "invalid API token"}
	}
	c := d.reg.Create(token, systemInstruction, ttl)
	return c.Info(), nil
}

// CloseConversation removes the conversation after an ownership check.
func (d *Dispatcher) CloseConversation(token, conversationID string) error {
	if !d.auth.Validate(token) {
		return unauthorizedError{msg: "invalid API token"}
	}
	if !d.reg.Close(conversationID, token) {
		return notFoundError{id: conversationID}
	}
	return nil
}

// ConversationInfo describes the conversation without advancing its TTL.
func (d *Dispatcher) ConversationInfo(token, conversationID string) (types.ConversationInfo, error) {
	if !d.auth.Validate(token) {
		return types.ConversationInfo{}, unauthorizedError{msg: "invalid API token"}
	}
	c, res := d.reg.Peek(conversationID, token)
	if err := lookupErr(res, conversationID); err != nil {
		return types.ConversationInfo{}, err
	}
	return c.Info(), nil
}

// Chat runs one generation turn against the conversation, streaming deltas
// through sink. The terminal callback fires exactly once.
func (d *Dispatcher) Chat(ctx context.Context, token, conversationID string, req types.ChatRequest, sink Sink) {
	ts := &terminalSink{inner: sink}
	if err := d.chat(ctx, token, conversationID, req, ts); err != nil {
		ts.OnError(err)
	}
}

func (d *Dispatcher) chat(ctx context.Context, token, conversationID string, req types.ChatRequest, sink Sink) error {
	if !d.auth.Validate(token) {
		return unauthorizedError{msg: "invalid API token"}
	}
	c, res := d.reg.Lookup(conversationID, token)
	if err := lookupErr(res, conversationID); err != nil {
		return err
	}
	msgs, err := codec.DecodeMessages(d.log, req.Messages)
	if err != nil {
		return err
	}
	sampling, err := applyOverrides(c.Sampling(), req)
	if err != nil {
		return err
	}

	d.active.Add(1)
	defer d.active.Add(-1)

	reply, err := d.gw.Generate(ctx, c, msgs, sampling, req.MaxTokens, sink.OnToken)
	d.reg.Persist(c)
	if err != nil {
		return err
	}
	sink.OnComplete(reply)
	return nil
}

// ActiveRequests returns the number of chat turns currently in flight.
func (d *Dispatcher) ActiveRequests() int64 {
	return d.active.Load()
}

// Ready reports whether the engine has a model mounted.
func (d *Dispatcher) Ready() bool {
	return d.gw.Loaded()
}

// Status snapshots the server-wide state for the status operation.
func (d *Dispatcher) Status() types.StatusResponse {
	state := "unloaded"
	if d.gw.Loaded() {
		state = "ready"
	}
	if d.gw.LastError() != "" {
		state = "error"
	}
	now := time.Now()
	return types.StatusResponse{
		EngineState:        state,
		ModelPath:          d.gw.ModelPath(),
		Backend:            string(d.gw.Backend()),
		ActiveConversation: d.gw.ActiveConversationID(),
		Conversations:      d.reg.Count(),
		ActiveRequests:     d.active.Load(),
		PendingApprovals:   len(d.auth.Pending()),
		UptimeSeconds:      int64(now.Sub(d.started).Seconds()),
		ServerTimeUnix:     now.Unix(),
		EvictionsTotal:     d.reg.Evictions(),
		LastError:          d.gw.LastError(),
	}
}

// LoadModel mounts a model through the gateway after an auth check.
func (d *Dispatcher) LoadModel(token, path string, backend engine.Backend) error {
	if !d.auth.Validate(token) {
		return unauthorizedError{msg: "invalid API token"}
	}
	return d.gw.Load(path, backend)
}

// Ping answers the liveness probe for an authenticated caller.
func (d *Dispatcher) Ping(token string) (string, error) {
	if !d.auth.Validate(token) {
		return "", unauthorizedError{msg: "invalid API token"}
	}
	return "pong", nil
}

// Load reports the current in-flight request count, or -1 for a bad token.
func (d *Dispatcher) Load(token string) int64 {
	if !d.auth.Validate(token) {
		return -1
	}
	return d.active.Load()
}

// lookupErr maps a registry lookup result onto the dispatcher error lattice.
// An unauthorized lookup is reported as not-found so a foreign token cannot
// probe for the existence of other callers' conversations.
func lookupErr(res convo.LookupResult, id string) error {
	switch res {
	case convo.LookupFound:
		return nil
	case convo.LookupExpired:
		return expiredError{id: id}
	default:
		return notFoundError{id: id}
	}
}

// applyOverrides folds request-level sampling overrides into the
// conversation's current parameters, validating ranges.
func applyOverrides(s types.Sampling, req types.ChatRequest) (types.Sampling, error) {
	if req.Temperature != nil {
		if *req.Temperature < 0 || *req.Temperature > 2 {
			return s, badRequestError{msg: "temperature must be in [0, 2]"}
		}
		s.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		if *req.TopP <= 0 || *req.TopP > 1 {
			return s, badRequestError{msg: "top_p must be in (0, 1]"}
		}
		s.TopP = *req.TopP
	}
	if req.TopK != nil {
		if *req.TopK < 1 {
			return s, badRequestError{msg: "top_k must be >= 1"}
		}
		s.TopK = *req.TopK
	}
	return s, nil
}
