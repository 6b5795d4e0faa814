package gateway

import (
	"context"
	"strings"
	"time"

	"llmgated/internal/convo"
	"llmgated/internal/engine"
	"llmgated/pkg/types"
)

// beginGeneration reserves a queue slot and then the single in-flight slot.
// Returns a release func to be deferred.
func (g *Gateway) beginGeneration(ctx context.Context) (func(), error) {
	// Fast path: respect an already-canceled context
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}

	timer := time.NewTimer(g.maxWait)
	defer timer.Stop()
	select {
	case g.queueCh <- struct{}{}:
		// reserved queue slot
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		return func() {}, tooBusyError{}
	}

	acquired := false
	defer func() {
		if !acquired {
			<-g.queueCh
		}
	}()
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	timer2 := time.NewTimer(g.maxWait)
	defer timer2.Stop()
	select {
	case g.genCh <- struct{}{}:
		acquired = true
		return func() { <-g.genCh; <-g.queueCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer2.C:
		return func() {}, tooBusyError{}
	}
}

// Generate runs one turn for the conversation: the incoming messages are
// committed to the history, the final one goes to the engine, and the reply
// streams through onToken as deltas. The returned string is the full reply.
//
// The engine context is reused only when this conversation is already bound,
// exactly one message arrived, and sampling did not change. Every other case
// rebuilds the context from the committed history so the engine never sees a
// prefix it was not given.
func (g *Gateway) Generate(ctx context.Context, c *convo.Conversation, incoming []types.Message, sampling types.Sampling, maxTokens int, onToken func(delta string) error) (string, error) {
	release, err := g.beginGeneration(ctx)
	if err != nil {
		if ctx.Err() != nil {
			generationsTotal.WithLabelValues("canceled").Inc()
		} else {
			generationsTotal.WithLabelValues("busy").Inc()
		}
		return "", err
	}
	defer release()

	g.mu.Lock()
	eng := g.eng
	if eng == nil {
		g.mu.Unlock()
		generationsTotal.WithLabelValues("not_loaded").Inc()
		return "", engineNotLoadedError{}
	}

	reuse := g.binding != nil &&
		g.binding.conversationID == c.ID &&
		len(incoming) == 1 &&
		g.binding.sampling == sampling
	var conv engine.Conversation
	if reuse {
		conv = g.binding.conv
		g.mu.Unlock()
		contextReuseTotal.Inc()
	} else {
		g.dropBindingLocked()
		g.mu.Unlock()
		prior := c.History()
		initial := make([]types.Message, 0, len(prior)+len(incoming)-1)
		initial = append(initial, prior...)
		initial = append(initial, incoming[:len(incoming)-1]...)
		conv, err = eng.NewConversation(engine.ConversationConfig{
			SystemInstruction: c.SystemInstruction,
			InitialMessages:   initial,
			Sampling:          sampling,
			MaxTokens:         maxTokens,
		})
		if err != nil {
			g.noteError(err)
			generationsTotal.WithLabelValues("error").Inc()
			if engine.IsUnavailable(err) {
				return "", ErrDependencyUnavailable(err.Error())
			}
			return "", err
		}
		g.mu.Lock()
		g.binding = &binding{conversationID: c.ID, conv: conv, sampling: sampling}
		g.mu.Unlock()
		contextRebuildTotal.Inc()
	}

	// The incoming messages belong to the history whether or not the turn
	// succeeds; a failed reply must not erase what the caller said.
	c.Append(incoming...)
	c.SetSampling(sampling)

	last := incoming[len(incoming)-1]
	var b strings.Builder
	err = conv.Send(ctx, last, func(delta string) error {
		b.WriteString(delta)
		return onToken(delta)
	})
	if err != nil {
		g.noteError(err)
		if ctx.Err() != nil {
			// Cancellation leaves the engine context mid-turn; drop it so the
			// next turn rebuilds from the committed history.
			g.mu.Lock()
			g.dropBindingLocked()
			g.mu.Unlock()
			generationsTotal.WithLabelValues("canceled").Inc()
		} else {
			// Engine failure keeps the binding warm; the conversation can
			// retry on the same context.
			generationsTotal.WithLabelValues("error").Inc()
		}
		return "", err
	}

	reply := b.String()
	if reply != "" {
		c.Append(types.Message{Role: types.RoleAssistant, Parts: []types.Part{types.TextPart(reply)}})
	}
	generationsTotal.WithLabelValues("ok").Inc()
	return reply, nil
}

func (g *Gateway) noteError(err error) {
	g.mu.Lock()
	g.lastError = err.Error()
	g.mu.Unlock()
}
