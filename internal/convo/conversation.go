// Package convo owns the logical conversation records: the registry with TTL
// eviction, the per-conversation JSON persistence, and the periodic sweeper.
package convo

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"llmgated/pkg/types"
)

// DefaultTTL applies when a caller passes a non-positive ttl.
const DefaultTTL = 30 * time.Minute

// Conversation is the logical, persistent chat record. Identity fields are
// immutable after creation; history and sampling are guarded by mu, and the
// last-access stamp is a lock-free atomic so touches never contend with
// generation.
type Conversation struct {
	ID                string
	OwnerToken        string
	SystemInstruction string
	TTL               time.Duration
	CreatedAt         time.Time

	lastAccessMs atomic.Int64

	mu       sync.Mutex
	history  []types.Message
	sampling types.Sampling
}

// newConversation mints a fresh record. The id is a random (version 4) UUID
// rendered as 32 hex digits without hyphens.
func newConversation(ownerToken, systemInstruction string, ttl time.Duration) *Conversation {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	c := &Conversation{
		ID:                strings.ReplaceAll(uuid.NewString(), "-", ""),
		OwnerToken:        ownerToken,
		SystemInstruction: systemInstruction,
		TTL:               ttl,
		CreatedAt:         now,
		sampling:          types.DefaultSampling(),
	}
	c.lastAccessMs.Store(now.UnixMilli())
	return c
}

// Touch resets the sliding TTL window.
func (c *Conversation) Touch() {
	c.lastAccessMs.Store(time.Now().UnixMilli())
}

// LastAccess returns the last authorized-use time.
func (c *Conversation) LastAccess() time.Time {
	return time.UnixMilli(c.lastAccessMs.Load())
}

// IsExpired reports whether the sliding TTL window has elapsed.
func (c *Conversation) IsExpired() bool {
	return time.Now().UnixMilli()-c.lastAccessMs.Load() > c.TTL.Milliseconds()
}

// Info projects the conversation into its wire description.
func (c *Conversation) Info() types.ConversationInfo {
	last := c.lastAccessMs.Load()
	ttlMs := c.TTL.Milliseconds()
	expires := last + ttlMs
	remaining := expires - time.Now().UnixMilli()
	if remaining < 0 {
		remaining = 0
	}
	return types.ConversationInfo{
		ConversationID: c.ID,
		TTLMs:          ttlMs,
		CreatedAt:      c.CreatedAt.UnixMilli(),
		LastAccessTime: last,
		ExpiresAt:      expires,
		RemainingTTLMs: remaining,
	}
}

// History returns a copy of the accumulated messages.
func (c *Conversation) History() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Message, len(c.history))
	copy(out, c.history)
	return out
}

// HistoryLen returns the number of accumulated messages.
func (c *Conversation) HistoryLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// Append adds messages to the history. History only grows.
func (c *Conversation) Append(msgs ...types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, msgs...)
}

// Sampling returns the current sampling parameters.
func (c *Conversation) Sampling() types.Sampling {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sampling
}

// SetSampling replaces the sampling parameters for subsequent turns.
func (c *Conversation) SetSampling(s types.Sampling) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sampling = s
}

// record snapshots the conversation for persistence.
func (c *Conversation) record() conversationRecord {
	c.mu.Lock()
	history := make([]types.Message, len(c.history))
	copy(history, c.history)
	sampling := c.sampling
	c.mu.Unlock()
	return conversationRecord{
		ConversationID:    c.ID,
		OwnerToken:        c.OwnerToken,
		SystemInstruction: c.SystemInstruction,
		TTLMs:             c.TTL.Milliseconds(),
		CreatedAt:         c.CreatedAt.UnixMilli(),
		LastAccessAt:      c.lastAccessMs.Load(),
		Sampling:          sampling,
		History:           history,
	}
}

// fromRecord rebuilds a conversation from its persisted form.
func fromRecord(rec conversationRecord) *Conversation {
	c := &Conversation{
		ID:                rec.ConversationID,
		OwnerToken:        rec.OwnerToken,
		SystemInstruction: rec.SystemInstruction,
		TTL:               time.Duration(rec.TTLMs) * time.Millisecond,
		CreatedAt:         time.UnixMilli(rec.CreatedAt),
		history:           rec.History,
		sampling:          rec.Sampling,
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.sampling == (types.Sampling{}) {
		c.sampling = types.DefaultSampling()
	}
	c.lastAccessMs.Store(rec.LastAccessAt)
	return c
}

// conversationRecord is the on-disk JSON layout, one file per conversation.
type conversationRecord struct {
	ConversationID    string          `json:"conversation_id"`
	OwnerToken        string          `json:"owner_token"`
	SystemInstruction string          `json:"system_instruction,omitempty"`
	TTLMs             int64           `json:"ttl_ms"`
	CreatedAt         int64           `json:"created_at"`
	LastAccessAt      int64           `json:"last_access_at"`
	Sampling          types.Sampling  `json:"sampling"`
	History           []types.Message `json:"history"`
}
