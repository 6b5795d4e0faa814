package convo

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultCleanupInterval is how often the sweeper evicts expired entries.
const DefaultCleanupInterval = 60 * time.Second

// LookupResult is the outcome lattice for authenticated lookups.
type LookupResult int

const (
	LookupFound LookupResult = iota
	LookupNotFound
	LookupUnauthorized
	LookupExpired
)

// Invalidator is notified when a conversation leaves the registry so the
// engine side can drop its active binding.
type Invalidator interface {
	CloseIfBound(conversationID string)
}

// Registry owns the set of live conversations and enforces ownership, TTL
// and eviction. Expired conversations are never observable through Lookup.
type Registry struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation

	store       *Store
	invalidator Invalidator
	log         zerolog.Logger
	evictions   atomic.Uint64

	cron    *cron.Cron
	sweepID cron.EntryID
}

// NewRegistry builds a registry persisting through store (may be nil for
// memory-only operation).
func NewRegistry(store *Store, log zerolog.Logger) *Registry {
	return &Registry{
		conversations: make(map[string]*Conversation),
		store:         store,
		log:           log,
	}
}

// SetInvalidator wires the engine-side invalidation callback.
func (r *Registry) SetInvalidator(inv Invalidator) {
	r.invalidator = inv
}

// Reload seeds the registry from disk, skipping expired entries.
func (r *Registry) Reload() int {
	if r.store == nil {
		return 0
	}
	loaded := r.store.LoadAll()
	r.mu.Lock()
	for _, c := range loaded {
		r.conversations[c.ID] = c
	}
	n := len(r.conversations)
	r.mu.Unlock()
	if n > 0 {
		r.log.Info().Int("conversations", n).Msg("convo: reloaded from disk")
	}
	return n
}

// Create mints and registers a fresh conversation. A non-positive ttl gets
// the 30-minute default.
func (r *Registry) Create(ownerToken, systemInstruction string, ttl time.Duration) *Conversation {
	c := newConversation(ownerToken, systemInstruction, ttl)
	r.mu.Lock()
	r.conversations[c.ID] = c
	r.mu.Unlock()
	if r.store != nil {
		r.store.Save(c)
	}
	r.log.Debug().Str("conversation", c.ID).Dur("ttl", c.TTL).Msg("convo: created")
	return c
}

// Lookup resolves a conversation for an authenticated use. Ownership is
// checked before expiry so an unauthorized probe neither discloses expiry
// state nor advances the lifetime. A successful lookup touches the TTL
// window and persists the new stamp.
func (r *Registry) Lookup(conversationID, presentingToken string) (*Conversation, LookupResult) {
	r.mu.RLock()
	c, ok := r.conversations[conversationID]
	r.mu.RUnlock()
	if !ok {
		return nil, LookupNotFound
	}
	if c.OwnerToken != presentingToken {
		return nil, LookupUnauthorized
	}
	if c.IsExpired() {
		r.evict(c)
		return nil, LookupExpired
	}
	c.Touch()
	if r.store != nil {
		r.store.Save(c)
	}
	return c, LookupFound
}

// Peek resolves a conversation without touching its lifetime. Used by
// conversation_info, which by policy does not advance last access.
func (r *Registry) Peek(conversationID, presentingToken string) (*Conversation, LookupResult) {
	r.mu.RLock()
	c, ok := r.conversations[conversationID]
	r.mu.RUnlock()
	if !ok {
		return nil, LookupNotFound
	}
	if c.OwnerToken != presentingToken {
		return nil, LookupUnauthorized
	}
	if c.IsExpired() {
		r.evict(c)
		return nil, LookupExpired
	}
	return c, LookupFound
}

// Close removes a conversation after the same ownership check as Lookup.
func (r *Registry) Close(conversationID, presentingToken string) bool {
	r.mu.RLock()
	c, ok := r.conversations[conversationID]
	r.mu.RUnlock()
	if !ok || c.OwnerToken != presentingToken {
		return false
	}
	r.remove(c)
	return true
}

// CloseAllFor bulk-closes every conversation owned by token. Used when the
// token is revoked.
func (r *Registry) CloseAllFor(ownerToken string) int {
	r.mu.RLock()
	var victims []*Conversation
	for _, c := range r.conversations {
		if c.OwnerToken == ownerToken {
			victims = append(victims, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range victims {
		r.remove(c)
	}
	return len(victims)
}

// Count returns the number of registered conversations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conversations)
}

// Evictions returns the total number of expiry evictions.
func (r *Registry) Evictions() uint64 {
	return r.evictions.Load()
}

// Persist writes the conversation's current state through the store.
func (r *Registry) Persist(c *Conversation) {
	if r.store != nil {
		r.store.Save(c)
	}
}

// SweepExpired evicts every expired conversation and returns the count.
func (r *Registry) SweepExpired() int {
	r.mu.RLock()
	var expired []*Conversation
	for _, c := range r.conversations {
		if c.IsExpired() {
			expired = append(expired, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range expired {
		r.evict(c)
	}
	if len(expired) > 0 {
		r.log.Info().Int("evicted", len(expired)).Msg("convo: sweeper pass")
	}
	return len(expired)
}

// StartSweeper schedules the periodic eviction pass. A non-positive
// interval gets the 60-second default.
func (r *Registry) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if r.cron != nil {
		return
	}
	r.cron = cron.New()
	id, err := r.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() { r.SweepExpired() })
	if err != nil {
		r.log.Error().Err(err).Msg("convo: sweeper schedule failed")
		r.cron = nil
		return
	}
	r.sweepID = id
	r.cron.Start()
}

// StopSweeper halts the periodic pass.
func (r *Registry) StopSweeper() {
	if r.cron == nil {
		return
	}
	r.cron.Stop()
	r.cron = nil
}

// evict removes an expired conversation and counts it.
func (r *Registry) evict(c *Conversation) {
	r.mu.Lock()
	// Re-check under the write lock: another evictor may have won.
	if _, ok := r.conversations[c.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conversations, c.ID)
	r.mu.Unlock()
	r.evictions.Add(1)
	r.finalize(c)
	r.log.Debug().Str("conversation", c.ID).Msg("convo: expired and evicted")
}

// remove drops a conversation on explicit close or revocation cascade.
func (r *Registry) remove(c *Conversation) {
	r.mu.Lock()
	if _, ok := r.conversations[c.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conversations, c.ID)
	r.mu.Unlock()
	r.finalize(c)
}

// finalize cascades a removal into the engine binding and the disk record.
func (r *Registry) finalize(c *Conversation) {
	if r.invalidator != nil {
		r.invalidator.CloseIfBound(c.ID)
	}
	if r.store != nil {
		r.store.Delete(c.ID)
	}
}
