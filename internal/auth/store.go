// Package auth implements the per-caller token store: pending approval
// tracking, token minting, revocation and O(1) validation.
package auth

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestResult is the outcome of a token request.
type RequestResult struct {
	Token   string
	Pending bool
}

// Store owns the caller-id to token bindings and the pending approval set.
// In-memory state is authoritative within a process lifetime; persistence
// failures are logged and never fail the operation.
type Store struct {
	mu       sync.Mutex
	byCaller map[string]string
	byToken  map[string]string
	pending  map[string]struct{}

	// valid mirrors byToken's key set for the lock-free validation hot path.
	valid sync.Map

	persist Persister
	log     zerolog.Logger
}

// Persister abstracts the keyed store + backup file writes.
type Persister interface {
	SaveApproved(map[string]string) error
	SavePending([]string) error
	Load() (approved map[string]string, pending []string, err error)
	Close() error
}

// New creates a store backed by the given persister. A nil persister keeps
// the store memory-only (tests).
func New(p Persister, log zerolog.Logger) *Store {
	s := &Store{
		byCaller: make(map[string]string),
		byToken:  make(map[string]string),
		pending:  make(map[string]struct{}),
		persist:  p,
		log:      log,
	}
	if p != nil {
		approved, pending, err := p.Load()
		if err != nil {
			s.log.Warn().Err(err).Msg("auth: load persisted tokens failed")
		}
		for caller, tok := range approved {
			s.byCaller[caller] = tok
			s.byToken[tok] = caller
			s.valid.Store(tok, struct{}{})
		}
		for _, caller := range pending {
			s.pending[caller] = struct{}{}
		}
	}
	return s
}

// RequestToken returns the existing token for a known caller, or records the
// caller as pending approval. Idempotent while pending.
func (s *Store) RequestToken(callerID string) RequestResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.byCaller[callerID]; ok {
		return RequestResult{Token: tok}
	}
	if _, ok := s.pending[callerID]; !ok {
		s.pending[callerID] = struct{}{}
		s.savePendingLocked()
		s.log.Info().Str("caller", callerID).Msg("auth: token request pending approval")
	}
	return RequestResult{Pending: true}
}

// Approve moves a caller from pending to approved, minting a fresh token.
// Returns false if the caller is neither pending nor already approved.
func (s *Store) Approve(callerID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.byCaller[callerID]; ok {
		return tok, true
	}
	if _, ok := s.pending[callerID]; !ok {
		return "", false
	}
	delete(s.pending, callerID)
	tok := uuid.NewString()
	s.byCaller[callerID] = tok
	s.byToken[tok] = callerID
	s.valid.Store(tok, struct{}{})
	s.saveApprovedLocked()
	s.savePendingLocked()
	s.log.Info().Str("caller", callerID).Msg("auth: caller approved")
	return tok, true
}

// Deny removes a caller from the pending set. No-op if absent.
func (s *Store) Deny(callerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[callerID]; !ok {
		return
	}
	delete(s.pending, callerID)
	s.savePendingLocked()
	s.log.Info().Str("caller", callerID).Msg("auth: caller denied")
}

// Revoke removes a token; returns whether it was found. Cascading closure of
// the token's conversations is the dispatcher's responsibility.
func (s *Store) Revoke(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	caller, ok := s.byToken[token]
	if !ok {
		return false
	}
	delete(s.byToken, token)
	delete(s.byCaller, caller)
	s.valid.Delete(token)
	s.saveApprovedLocked()
	s.log.Info().Str("caller", caller).Msg("auth: token revoked")
	return true
}

// Validate reports whether the token is currently approved. Lock-free.
func (s *Store) Validate(token string) bool {
	_, ok := s.valid.Load(token)
	return ok
}

// CallerOf resolves the caller identity behind a token.
func (s *Store) CallerOf(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	caller, ok := s.byToken[token]
	return caller, ok
}

// TokenOf resolves the active token for a caller, if any.
func (s *Store) TokenOf(callerID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byCaller[callerID]
	return tok, ok
}

// Pending returns a snapshot of callers awaiting approval.
func (s *Store) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for c := range s.pending {
		out = append(out, c)
	}
	return out
}

// Wipe removes all tokens and pending requests.
func (s *Store) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok := range s.byToken {
		s.valid.Delete(tok)
	}
	s.byToken = make(map[string]string)
	s.byCaller = make(map[string]string)
	s.pending = make(map[string]struct{})
	s.saveApprovedLocked()
	s.savePendingLocked()
}

// Close releases the persistence backend.
func (s *Store) Close() error {
	if s.persist == nil {
		return nil
	}
	return s.persist.Close()
}

func (s *Store) saveApprovedLocked() {
	if s.persist == nil {
		return
	}
	snap := make(map[string]string, len(s.byCaller))
	for c, t := range s.byCaller {
		snap[c] = t
	}
	if err := s.persist.SaveApproved(snap); err != nil {
		s.log.Warn().Err(err).Msg("auth: persist approved tokens failed")
	}
}

func (s *Store) savePendingLocked() {
	if s.persist == nil {
		return
	}
	snap := make([]string, 0, len(s.pending))
	for c := range s.pending {
		snap = append(snap, c)
	}
	if err := s.persist.SavePending(snap); err != nil {
		s.log.Warn().Err(err).Msg("auth: persist pending requests failed")
	}
}
